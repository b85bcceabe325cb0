package ledger

import (
	"context"
	"os"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/angelmondragon/ringorder-backend/pkg/enums"
)

func TestFileStoreTruncatesTornTail(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	store, err := OpenFileStore(dir, enums.LedgerStreamOrders)
	require.NoError(t, err)
	l := newTestLedger(t, store, NewLocalLocker())
	first := uuid.NewString()
	require.NoError(t, appendOrder(ctx, l, first, 100))
	require.NoError(t, store.Close())

	// Simulate a crash mid-write.
	f, err := os.OpenFile(store.Path(), os.O_APPEND|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	_, err = f.WriteString(`{"id":"torn","stream":"orders","seq`)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	reopened, err := OpenFileStore(dir, enums.LedgerStreamOrders)
	require.NoError(t, err)
	t.Cleanup(func() { _ = reopened.Close() })

	l = newTestLedger(t, reopened, NewLocalLocker())
	seq, err := reopened.NextSequence(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), seq)

	has, err := l.Has(ctx, enums.LedgerEntryOrderFinalized, first)
	require.NoError(t, err)
	assert.True(t, has)

	second := uuid.NewString()
	require.NoError(t, appendOrder(ctx, l, second, 200))
	entries, err := l.Snapshot(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, second, entries[1].RefID)
	assert.Empty(t, AuditEntries(entries).Corrupted)
}

func TestFileStoreSnapshotSkipsUnterminatedLine(t *testing.T) {
	ctx := context.Background()
	store, err := OpenFileStore(t.TempDir(), enums.LedgerStreamCalls)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	l, err := New(Params{Stream: enums.LedgerStreamCalls, Store: store, Locker: NewLocalLocker()})
	require.NoError(t, err)

	_, err = l.Append(ctx, AppendInput{Kind: enums.LedgerEntryCallRecorded, RefID: "call-1", Payload: map[string]string{"call_id": "call-1"}})
	require.NoError(t, err)

	// Another process is halfway through its write.
	f, err := os.OpenFile(store.Path(), os.O_APPEND|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	_, err = f.WriteString(`{"id":"partial"`)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	entries, err := l.Snapshot(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "call-1", entries[0].RefID)
}

func TestFileStoreCatchesUpOnOtherWriters(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	locker := NewLocalLocker()

	a, err := OpenFileStore(dir, enums.LedgerStreamOrders)
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close() })
	b, err := OpenFileStore(dir, enums.LedgerStreamOrders)
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Close() })

	la := newTestLedger(t, a, locker)
	lb := newTestLedger(t, b, locker)

	id := uuid.NewString()
	require.NoError(t, appendOrder(ctx, la, id, 100))

	// b never wrote id itself but must see it before appending.
	assert.ErrorIs(t, appendOrder(ctx, lb, id, 100), ErrDuplicateEntry)

	other := uuid.NewString()
	entry, err := lb.Append(ctx, AppendInput{Kind: enums.LedgerEntryOrderFinalized, RefID: other, Payload: orderPayload{OrderID: other}})
	require.NoError(t, err)
	assert.Equal(t, int64(2), entry.Sequence)

	entries, err := la.Snapshot(ctx)
	require.NoError(t, err)
	assert.Len(t, entries, 2)
}

func TestFileStoreRejectsCorruptLine(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(dir+"/orders.jsonl", []byte("not json\n"), 0o644))

	_, err := OpenFileStore(dir, enums.LedgerStreamOrders)
	assert.ErrorIs(t, err, ErrCorruptEntry)
}
