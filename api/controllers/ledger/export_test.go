package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	internalledger "github.com/angelmondragon/ringorder-backend/internal/ledger"
	"github.com/angelmondragon/ringorder-backend/pkg/db/models"
	"github.com/angelmondragon/ringorder-backend/pkg/enums"
)

type fakeSnapshotter struct {
	entries []models.LedgerEntry
	err     error
}

func (f *fakeSnapshotter) Snapshot(ctx context.Context) ([]models.LedgerEntry, error) {
	return f.entries, f.err
}

func entry(seq int64, ref string) models.LedgerEntry {
	payload := json.RawMessage(`{"ref":"` + ref + `"}`)
	return models.LedgerEntry{
		ID:         uuid.New(),
		Stream:     enums.LedgerStreamOrders,
		Sequence:   seq,
		Kind:       enums.LedgerEntryOrderFinalized,
		RefID:      ref,
		Payload:    payload,
		Checksum:   internalledger.Checksum(payload),
		RecordedAt: time.Now().UTC(),
	}
}

func exportRequest(stream string) *http.Request {
	req := httptest.NewRequest(http.MethodGet, "/api/v1/ledger/"+stream, nil)
	rc := chi.NewRouteContext()
	rc.URLParams.Add("stream", stream)
	return req.WithContext(context.WithValue(req.Context(), chi.RouteCtxKey, rc))
}

func TestExportReturnsSnapshotWithAudit(t *testing.T) {
	corrupted := entry(3, "order-c")
	corrupted.Checksum = "bad"
	streams := map[enums.LedgerStream]Snapshotter{
		enums.LedgerStreamOrders: &fakeSnapshotter{entries: []models.LedgerEntry{entry(1, "order-a"), entry(2, "order-b"), corrupted}},
	}

	rec := httptest.NewRecorder()
	Export(streams, nil).ServeHTTP(rec, exportRequest("orders"))

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d (%s)", rec.Code, rec.Body.String())
	}
	var resp struct {
		Data exportResponse `json:"data"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Data.Count != 3 || len(resp.Data.Entries) != 3 {
		t.Fatalf("unexpected count %d", resp.Data.Count)
	}
	if len(resp.Data.Audit.Corrupted) != 1 || resp.Data.Audit.Corrupted[0] != "order-c" {
		t.Fatalf("unexpected audit %+v", resp.Data.Audit)
	}
}

func TestExportEmptyStream(t *testing.T) {
	streams := map[enums.LedgerStream]Snapshotter{enums.LedgerStreamCalls: &fakeSnapshotter{}}
	rec := httptest.NewRecorder()
	Export(streams, nil).ServeHTTP(rec, exportRequest("calls"))

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var resp struct {
		Data exportResponse `json:"data"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Data.Entries == nil || len(resp.Data.Entries) != 0 {
		t.Fatalf("expected empty entry list, got %v", resp.Data.Entries)
	}
}

func TestExportErrors(t *testing.T) {
	streams := map[enums.LedgerStream]Snapshotter{
		enums.LedgerStreamOrders: &fakeSnapshotter{err: errors.New("read failed")},
	}
	cases := map[string]int{
		"orders":  http.StatusServiceUnavailable,
		"calls":   http.StatusNotFound,
		"payroll": http.StatusBadRequest,
	}
	for stream, want := range cases {
		rec := httptest.NewRecorder()
		Export(streams, nil).ServeHTTP(rec, exportRequest(stream))
		if rec.Code != want {
			t.Fatalf("%s: expected %d, got %d", stream, want, rec.Code)
		}
	}
}
