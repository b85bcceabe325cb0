package ledger

import (
	"context"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/angelmondragon/ringorder-backend/api/responses"
	"github.com/angelmondragon/ringorder-backend/api/validators"
	internalledger "github.com/angelmondragon/ringorder-backend/internal/ledger"
	"github.com/angelmondragon/ringorder-backend/pkg/db/models"
	"github.com/angelmondragon/ringorder-backend/pkg/enums"
	pkgerrors "github.com/angelmondragon/ringorder-backend/pkg/errors"
	"github.com/angelmondragon/ringorder-backend/pkg/logger"
)

// Snapshotter reads a consistent copy of one ledger stream.
type Snapshotter interface {
	Snapshot(ctx context.Context) ([]models.LedgerEntry, error)
}

type exportResponse struct {
	Stream  enums.LedgerStream   `json:"stream"`
	Count   int                  `json:"count"`
	Audit   internalledger.Audit `json:"audit"`
	Entries []models.LedgerEntry `json:"entries"`
}

// Export returns every entry of the requested stream with an integrity audit.
func Export(streams map[enums.LedgerStream]Snapshotter, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		name := strings.ToLower(validators.SanitizeString(chi.URLParam(r, "stream"), 32))
		stream := enums.LedgerStream(name)
		if !stream.IsValid() {
			responses.WriteError(ctx, logg, w, pkgerrors.Validation("invalid_field", "stream", "unknown ledger stream"))
			return
		}
		source, ok := streams[stream]
		if !ok || source == nil {
			responses.WriteError(ctx, logg, w, pkgerrors.New(pkgerrors.CodeNotFound, "ledger stream not configured"))
			return
		}

		entries, err := source.Snapshot(ctx)
		if err != nil {
			responses.WriteError(ctx, logg, w, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "read ledger snapshot"))
			return
		}
		if entries == nil {
			entries = []models.LedgerEntry{}
		}
		responses.WriteSuccess(w, exportResponse{
			Stream:  stream,
			Count:   len(entries),
			Audit:   internalledger.AuditEntries(entries),
			Entries: entries,
		})
	}
}
