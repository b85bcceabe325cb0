package calls

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/angelmondragon/ringorder-backend/internal/ledger"
	"github.com/angelmondragon/ringorder-backend/pkg/db/models"
	"github.com/angelmondragon/ringorder-backend/pkg/enums"
	pkgerrors "github.com/angelmondragon/ringorder-backend/pkg/errors"
)

func newCallsLedger(t *testing.T) (*ledger.Ledger, *ledger.LocalLocker) {
	t.Helper()
	store, err := ledger.OpenFileStore(t.TempDir(), enums.LedgerStreamCalls)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	locker := ledger.NewLocalLocker()
	l, err := ledger.New(ledger.Params{Stream: enums.LedgerStreamCalls, Store: store, Locker: locker, LockWait: 20 * time.Millisecond})
	require.NoError(t, err)
	return l, locker
}

func callInput() RecordInput {
	started := time.Date(2026, 3, 1, 18, 0, 0, 0, time.UTC)
	msg := "please call back about catering"
	return RecordInput{
		CallID:          "CA123",
		StartedAt:       started,
		EndedAt:         started.Add(95 * time.Second),
		CallerPhone:     "+12125550142",
		Outcome:         "no_order",
		Transcript:      "caller asked about catering",
		CustomerMessage: &msg,
		HandledByAI:     true,
	}
}

func TestRecordAppendsToCallsStream(t *testing.T) {
	l, _ := newCallsLedger(t)
	svc, err := NewService(ServiceParams{Ledger: l})
	require.NoError(t, err)

	result, err := svc.Record(context.Background(), callInput())
	require.NoError(t, err)
	assert.False(t, result.Duplicate)
	assert.Equal(t, int64(1), result.Sequence)

	entries, err := l.Snapshot(context.Background())
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, enums.LedgerStreamCalls, entries[0].Stream)
	assert.Equal(t, enums.LedgerEntryCallRecorded, entries[0].Kind)

	var record models.CallRecord
	require.NoError(t, json.Unmarshal(entries[0].Payload, &record))
	assert.Equal(t, int64(95), record.DurationSeconds)
	assert.Equal(t, "en", record.CallerLanguage)
	assert.Equal(t, enums.CallOutcomeNoOrder, record.Outcome)
}

func TestRecordDuplicateCallID(t *testing.T) {
	l, _ := newCallsLedger(t)
	svc, err := NewService(ServiceParams{Ledger: l})
	require.NoError(t, err)

	_, err = svc.Record(context.Background(), callInput())
	require.NoError(t, err)
	result, err := svc.Record(context.Background(), callInput())
	require.NoError(t, err)
	assert.True(t, result.Duplicate)

	entries, err := l.Snapshot(context.Background())
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestRecordLockTimeoutIsRetryable(t *testing.T) {
	l, locker := newCallsLedger(t)
	svc, err := NewService(ServiceParams{Ledger: l})
	require.NoError(t, err)

	lease, err := locker.Acquire(context.Background(), time.Second)
	require.NoError(t, err)
	defer lease.Release(context.Background())

	_, err = svc.Record(context.Background(), callInput())
	require.ErrorIs(t, err, ledger.ErrLockTimeout)
	assert.Equal(t, pkgerrors.CodeDependency, pkgerrors.CodeOf(err))
	assert.True(t, pkgerrors.CodeOf(err).Retryable())
}

func TestRecordValidation(t *testing.T) {
	l, _ := newCallsLedger(t)
	svc, err := NewService(ServiceParams{Ledger: l})
	require.NoError(t, err)

	cases := map[string]struct {
		mutate func(*RecordInput)
		field  string
	}{
		"missing call id": {func(in *RecordInput) { in.CallID = "" }, "call_id"},
		"bad outcome":     {func(in *RecordInput) { in.Outcome = "hung_up" }, "outcome"},
		"bad recording":   {func(in *RecordInput) { u := "not a url"; in.RecordingURL = &u }, "recording_url"},
		"ended before":    {func(in *RecordInput) { in.EndedAt = in.StartedAt.Add(-time.Second) }, "ended_at"},
		"missing phone":   {func(in *RecordInput) { in.CallerPhone = "" }, "caller_phone"},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			in := callInput()
			tc.mutate(&in)
			_, err := svc.Record(context.Background(), in)
			typed := pkgerrors.As(err)
			require.NotNil(t, typed)
			assert.Equal(t, pkgerrors.CodeValidation, typed.Code())
			assert.Equal(t, tc.field, typed.Details().(map[string]any)["field"])
		})
	}
}
