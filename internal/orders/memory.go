package orders

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/angelmondragon/ringorder-backend/pkg/db/models"
	"github.com/angelmondragon/ringorder-backend/pkg/enums"
)

// MemoryRepository keeps orders in process memory. Guards are evaluated under
// one mutex, giving the same compare-and-set semantics as the SQL repository.
// Used by the load simulator and tests.
type MemoryRepository struct {
	mu     sync.Mutex
	orders map[uuid.UUID]*models.Order
	now    func() time.Time
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{orders: make(map[uuid.UUID]*models.Order), now: utcNow}
}

func (m *MemoryRepository) Create(_ context.Context, order *models.Order) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.orders[order.ID]; exists {
		return ErrStateConflict
	}
	now := m.now()
	if order.CreatedAt.IsZero() {
		order.CreatedAt = now
	}
	order.UpdatedAt = now
	m.orders[order.ID] = order.Clone()
	return nil
}

func (m *MemoryRepository) FindByID(_ context.Context, id uuid.UUID) (*models.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	order, ok := m.orders[id]
	if !ok {
		return nil, ErrNotFound
	}
	return order.Clone(), nil
}

func (m *MemoryRepository) FindByPaymentReference(_ context.Context, reference string) (*models.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, order := range m.orders {
		if order.PaymentReference != nil && *order.PaymentReference == reference {
			return order.Clone(), nil
		}
	}
	return nil, ErrNotFound
}

func (m *MemoryRepository) Update(_ context.Context, id uuid.UUID, guard Guard, change Change) (*models.Order, error) {
	if err := checkTransition(guard, change); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	order, ok := m.orders[id]
	if !ok {
		return nil, ErrNotFound
	}
	if !guard.matches(order) {
		return nil, ErrStateConflict
	}
	change.apply(order, m.now())
	return order.Clone(), nil
}

func (m *MemoryRepository) ListByStatus(_ context.Context, status enums.FulfillmentStatus, updatedBefore time.Time, limit int) ([]models.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []models.Order{}
	for _, order := range m.orders {
		if order.FulfillmentStatus != status {
			continue
		}
		if !updatedBefore.IsZero() && !order.UpdatedAt.Before(updatedBefore) {
			continue
		}
		out = append(out, *order.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryRepository) ListUndispatched(_ context.Context, finalizedBefore time.Time, limit int) ([]models.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []models.Order{}
	for _, order := range m.orders {
		if order.FulfillmentStatus != enums.FulfillmentStatusFinalized || order.DispatchedAt != nil {
			continue
		}
		if order.FinalizedAt == nil || !order.FinalizedAt.Before(finalizedBefore) {
			continue
		}
		out = append(out, *order.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].FinalizedAt.Before(*out[j].FinalizedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Snapshot returns a copy of every stored order.
func (m *MemoryRepository) Snapshot() []models.Order {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]models.Order, 0, len(m.orders))
	for _, order := range m.orders {
		out = append(out, *order.Clone())
	}
	return out
}
