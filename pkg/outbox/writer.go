package outbox

import (
	"context"
	"errors"

	"gorm.io/gorm"

	dbpkg "github.com/angelmondragon/ringorder-backend/pkg/db"
	"github.com/angelmondragon/ringorder-backend/pkg/logger"
)

var errNoTx = errors.New("outbox writes require a transaction")

// Writer appends events inside a caller-owned transaction.
type Writer struct {
	repo *Repository
	logg *logger.Logger
}

func NewWriter(repo *Repository, logg *logger.Logger) *Writer {
	return &Writer{repo: repo, logg: logg}
}

// Append inserts the event. A second event for the same aggregate fails on
// the unique index.
func (w *Writer) Append(ctx context.Context, tx *gorm.DB, event Event) error {
	if tx == nil {
		return errNoTx
	}
	row, err := event.row()
	if err != nil {
		return err
	}
	if err := w.repo.Insert(tx, row); err != nil {
		return err
	}
	if w.logg != nil {
		w.logg.Info(w.logg.WithFields(ctx, map[string]any{
			"event_id":     row.ID.String(),
			"event_type":   row.EventType,
			"aggregate_id": row.AggregateID.String(),
		}), "outbox.append")
	}
	return nil
}

// AppendOnce appends the event unless the aggregate already has one of that
// type. It reports whether a row was written.
func (w *Writer) AppendOnce(ctx context.Context, tx *gorm.DB, event Event) (bool, error) {
	if tx == nil {
		return false, errNoTx
	}
	exists, err := w.repo.Exists(tx, event.Type, event.Aggregate, event.AggregateID)
	if err != nil || exists {
		return false, err
	}
	err = w.Append(ctx, tx, event)
	if dbpkg.IsUniqueViolation(err, "") {
		return false, nil
	}
	return err == nil, err
}
