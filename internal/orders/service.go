package orders

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/angelmondragon/ringorder-backend/internal/queue"
	"github.com/angelmondragon/ringorder-backend/pkg/db/models"
	"github.com/angelmondragon/ringorder-backend/pkg/enums"
	pkgerrors "github.com/angelmondragon/ringorder-backend/pkg/errors"
	"github.com/angelmondragon/ringorder-backend/pkg/logger"
	"github.com/angelmondragon/ringorder-backend/pkg/pagination"
	"github.com/angelmondragon/ringorder-backend/pkg/validate"
)

const (
	defaultEnqueueAttempts = 3
	defaultEnqueueBackoff  = 25 * time.Millisecond
	defaultLanguage        = "en"
)

// Service is the intake and query surface of the pipeline.
type Service interface {
	Submit(ctx context.Context, input SubmitInput) (*SubmitResult, error)
	Status(ctx context.Context, id uuid.UUID) (*StatusView, error)
	List(ctx context.Context, status enums.FulfillmentStatus, limit int) ([]StatusView, error)
}

type enqueuer interface {
	Enqueue(ctx context.Context, task queue.Task) error
}

type submitMetrics interface {
	IncSubmitted(kind string)
	IncEnqueueFailure()
}

// ServiceParams bundles the dependencies required to build the order service.
type ServiceParams struct {
	Repo            Repository
	Queue           enqueuer
	Pricer          Pricer
	Logger          *logger.Logger
	Metrics         submitMetrics
	EnqueueAttempts int
	EnqueueBackoff  time.Duration
	Now             func() time.Time
}

type service struct {
	repo            Repository
	queue           enqueuer
	pricer          Pricer
	logg            *logger.Logger
	metrics         submitMetrics
	validate        *validator.Validate
	enqueueAttempts int
	enqueueBackoff  time.Duration
	now             func() time.Time
}

// NewService constructs the order service with the provided dependencies.
func NewService(params ServiceParams) (Service, error) {
	if params.Repo == nil {
		return nil, fmt.Errorf("order repository is required")
	}
	if params.Queue == nil {
		return nil, fmt.Errorf("task queue is required")
	}
	svc := &service{
		repo:            params.Repo,
		queue:           params.Queue,
		pricer:          params.Pricer,
		logg:            params.Logger,
		metrics:         params.Metrics,
		validate:        validate.Default(),
		enqueueAttempts: params.EnqueueAttempts,
		enqueueBackoff:  params.EnqueueBackoff,
		now:             params.Now,
	}
	if svc.logg == nil {
		svc.logg = logger.Nop()
	}
	if svc.enqueueAttempts <= 0 {
		svc.enqueueAttempts = defaultEnqueueAttempts
	}
	if svc.enqueueBackoff <= 0 {
		svc.enqueueBackoff = defaultEnqueueBackoff
	}
	if svc.now == nil {
		svc.now = utcNow
	}
	return svc, nil
}

// Submit validates, prices and persists the order, then emits its first
// finalization task. It never waits on verification or the ledger.
func (s *service) Submit(ctx context.Context, input SubmitInput) (*SubmitResult, error) {
	order, err := s.buildOrder(input)
	if err != nil {
		return nil, err
	}

	if err := s.repo.Create(ctx, order); err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "persist order")
	}
	if s.metrics != nil {
		s.metrics.IncSubmitted(string(order.Kind))
	}

	ctx = s.logg.WithOrderID(ctx, order.ID.String())
	if err := s.enqueueWithRetry(ctx, queue.NewTask(order.ID, s.now())); err != nil {
		// The order stays in intake; the intake-requeue job re-emits its task.
		if s.metrics != nil {
			s.metrics.IncEnqueueFailure()
		}
		s.logg.Error(ctx, "enqueue finalization task failed, order left for requeue", err)
	} else {
		s.logg.Info(ctx, "order accepted")
	}

	return &SubmitResult{
		OrderID:           order.ID,
		PaymentStatus:     order.PaymentStatus,
		FulfillmentStatus: order.FulfillmentStatus,
		Total:             FormatCents(order.TotalCents),
	}, nil
}

func (s *service) enqueueWithRetry(ctx context.Context, task queue.Task) error {
	backoff := s.enqueueBackoff
	var err error
	for attempt := 1; attempt <= s.enqueueAttempts; attempt++ {
		if err = s.queue.Enqueue(ctx, task); err == nil {
			return nil
		}
		if attempt == s.enqueueAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return errors.Join(err, ctx.Err())
		case <-time.After(backoff):
		}
		backoff *= 2
	}
	return err
}

func (s *service) Status(ctx context.Context, id uuid.UUID) (*StatusView, error) {
	order, err := s.repo.FindByID(ctx, id)
	if errors.Is(err, ErrNotFound) {
		return nil, pkgerrors.New(pkgerrors.CodeNotFound, "order not found")
	}
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "load order")
	}
	view := newStatusView(order)
	return &view, nil
}

func (s *service) List(ctx context.Context, status enums.FulfillmentStatus, limit int) ([]StatusView, error) {
	if !status.IsValid() {
		return nil, pkgerrors.Validation(ReasonInvalidField, "status", "unknown fulfillment status")
	}
	rows, err := s.repo.ListByStatus(ctx, status, time.Time{}, pagination.NormalizeLimit(limit))
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "list orders")
	}
	views := make([]StatusView, 0, len(rows))
	for i := range rows {
		views = append(views, newStatusView(&rows[i]))
	}
	return views, nil
}

func (s *service) buildOrder(input SubmitInput) (*models.Order, error) {
	if err := s.validate.Struct(input); err != nil {
		return nil, validationError(err)
	}

	kind := enums.OrderKind(input.Kind)
	switch kind {
	case enums.OrderKindDelivery:
		if input.DeliveryAddress == nil {
			return nil, pkgerrors.Validation(ReasonMissingDeliveryAddress, "delivery_address", "delivery orders require a delivery address")
		}
		if input.PickupTime != nil {
			return nil, pkgerrors.Validation(ReasonUnexpectedPickupTime, "pickup_time", "delivery orders must not set a pickup time")
		}
	case enums.OrderKindPickup:
		if input.PickupTime == nil {
			return nil, pkgerrors.Validation(ReasonMissingPickupTime, "pickup_time", "pickup orders require a pickup time")
		}
		if input.DeliveryAddress != nil {
			return nil, pkgerrors.Validation(ReasonUnexpectedAddress, "delivery_address", "pickup orders must not set a delivery address")
		}
	}

	items := make([]models.OrderItem, 0, len(input.Items))
	for i, item := range input.Items {
		field := fmt.Sprintf("items[%d].unit_price", i)
		if item.UnitPrice.IsNegative() {
			return nil, pkgerrors.Validation(ReasonNegativePrice, field, "unit price must not be negative")
		}
		if item.UnitPrice.GreaterThan(MaxUnitPrice) {
			return nil, pkgerrors.Validation(ReasonPriceTooLarge, field, "unit price exceeds "+MaxUnitPrice.StringFixed(2)).
				WithDetail("max", MaxUnitPrice.StringFixed(2))
		}
		if !item.UnitPrice.Equal(item.UnitPrice.Round(2)) {
			return nil, pkgerrors.Validation(ReasonInvalidPricePrecision, field, "unit price must have at most two decimal places")
		}
		items = append(items, models.OrderItem{
			Name:           strings.TrimSpace(item.Name),
			Quantity:       item.Quantity,
			UnitPriceCents: toCents(item.UnitPrice),
			Notes:          strings.TrimSpace(item.Notes),
		})
	}

	totals, err := s.pricer.Price(kind, items)
	if err != nil {
		return nil, err
	}

	language := strings.TrimSpace(input.Customer.Language)
	if language == "" {
		language = defaultLanguage
	}

	order := &models.Order{
		ID:                 uuid.New(),
		Kind:               kind,
		Items:              items,
		CustomerName:       strings.TrimSpace(input.Customer.Name),
		CustomerPhone:      strings.TrimSpace(input.Customer.Phone),
		CustomerEmail:      input.Customer.Email,
		CustomerLanguage:   language,
		SubtotalCents:      totals.SubtotalCents,
		TaxCents:           totals.TaxCents,
		DeliveryFeeCents:   totals.DeliveryFeeCents,
		TotalCents:         totals.TotalCents,
		PaymentStatus:      enums.PaymentStatusPending,
		PaymentSource:      input.PaymentSource,
		FulfillmentStatus:  enums.FulfillmentStatusIntake,
		Transcript:         input.Transcript,
		HandledByAI:        input.HandledByAI,
		TransferredToHuman: input.TransferredToHuman,
		CallID:             input.CallID,
	}
	if input.DeliveryAddress != nil {
		addr := input.DeliveryAddress.toModel()
		order.DeliveryAddress = &addr
	}
	if input.PickupTime != nil {
		at := input.PickupTime.UTC()
		order.PickupTime = &at
	}
	return order, nil
}

// validationError reports the first failing field with its reason code.
func validationError(err error) error {
	errs, ok := validate.FieldErrors(err)
	if !ok {
		return pkgerrors.Wrap(pkgerrors.CodeValidation, err, "validation failed")
	}
	fe := errs[0]
	field := validate.Path(fe)
	return pkgerrors.Validation(reasonFor(fe), field, field+" "+validate.Message(fe))
}

func reasonFor(fe validator.FieldError) string {
	switch {
	case fe.Field() == "kind" && fe.Tag() == "oneof":
		return ReasonInvalidKind
	case fe.Field() == "items":
		return ReasonEmptyItems
	case fe.Field() == "quantity":
		return ReasonInvalidQuantity
	case fe.Tag() == "email":
		return ReasonInvalidEmail
	case fe.Tag() == "required":
		return ReasonMissingField
	}
	return ReasonInvalidField
}
