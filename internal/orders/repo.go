package orders

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/angelmondragon/ringorder-backend/pkg/db/models"
	"github.com/angelmondragon/ringorder-backend/pkg/enums"
)

type repository struct {
	db  *gorm.DB
	now func() time.Time
}

// NewRepository builds an orders repository bound to the provided DB.
func NewRepository(db *gorm.DB) Repository {
	return &repository{db: db, now: utcNow}
}

func (r *repository) Create(ctx context.Context, order *models.Order) error {
	return r.db.WithContext(ctx).Create(order).Error
}

func (r *repository) FindByID(ctx context.Context, id uuid.UUID) (*models.Order, error) {
	var order models.Order
	err := r.db.WithContext(ctx).Where("id = ?", id).First(&order).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &order, nil
}

func (r *repository) FindByPaymentReference(ctx context.Context, reference string) (*models.Order, error) {
	var order models.Order
	err := r.db.WithContext(ctx).Where("payment_reference = ?", reference).First(&order).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &order, nil
}

// Update applies change only when every guard condition holds, as a single
// conditional UPDATE.
func (r *repository) Update(ctx context.Context, id uuid.UUID, guard Guard, change Change) (*models.Order, error) {
	if err := checkTransition(guard, change); err != nil {
		return nil, err
	}

	q := r.db.WithContext(ctx).Model(&models.Order{}).Where("id = ?", id)
	if len(guard.Statuses) > 0 {
		q = q.Where("fulfillment_status IN ?", statusStrings(guard.Statuses))
	}
	if len(guard.PaymentStatuses) > 0 {
		q = q.Where("payment_status IN ?", paymentStrings(guard.PaymentStatuses))
	}
	if guard.HeldBy != "" {
		q = q.Where("claimed_by = ?", guard.HeldBy)
	}
	if guard.Claimable != nil {
		q = q.Where("(claimed_by IS NULL OR claimed_by = ? OR claim_expires_at < ?)", guard.Claimable.Owner, guard.Claimable.Now.UTC())
	}
	if guard.AttemptsAtMost != nil {
		q = q.Where("attempts <= ?", *guard.AttemptsAtMost)
	}
	if guard.Undispatched {
		q = q.Where("dispatched_at IS NULL")
	}

	res := q.Updates(change.columns(r.now()))
	if res.Error != nil {
		return nil, res.Error
	}
	if res.RowsAffected == 0 {
		if _, err := r.FindByID(ctx, id); err != nil {
			return nil, err
		}
		return nil, ErrStateConflict
	}
	return r.FindByID(ctx, id)
}

func (r *repository) ListByStatus(ctx context.Context, status enums.FulfillmentStatus, updatedBefore time.Time, limit int) ([]models.Order, error) {
	q := r.db.WithContext(ctx).Where("fulfillment_status = ?", string(status))
	if !updatedBefore.IsZero() {
		q = q.Where("updated_at < ?", updatedBefore.UTC())
	}
	if limit > 0 {
		q = q.Limit(limit)
	}
	var rows []models.Order
	if err := q.Order("created_at ASC").Find(&rows).Error; err != nil {
		return nil, err
	}
	return rows, nil
}

func (r *repository) ListUndispatched(ctx context.Context, finalizedBefore time.Time, limit int) ([]models.Order, error) {
	q := r.db.WithContext(ctx).
		Where("fulfillment_status = ? AND dispatched_at IS NULL AND finalized_at < ?", string(enums.FulfillmentStatusFinalized), finalizedBefore.UTC())
	if limit > 0 {
		q = q.Limit(limit)
	}
	var rows []models.Order
	if err := q.Order("finalized_at ASC").Find(&rows).Error; err != nil {
		return nil, err
	}
	return rows, nil
}

func statusStrings(in []enums.FulfillmentStatus) []string {
	out := make([]string, len(in))
	for i, s := range in {
		out[i] = string(s)
	}
	return out
}

func paymentStrings(in []enums.PaymentStatus) []string {
	out := make([]string, len(in))
	for i, s := range in {
		out[i] = string(s)
	}
	return out
}

func utcNow() time.Time {
	return time.Now().UTC()
}
