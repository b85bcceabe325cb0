// Package ledger is the exclusive, append-only record of finalized orders and
// completed calls. Appends to one stream are serialized by a Locker; the
// duplicate check and the write both happen while the lock is held.
package ledger

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/angelmondragon/ringorder-backend/pkg/db/models"
	"github.com/angelmondragon/ringorder-backend/pkg/enums"
	pkgerrors "github.com/angelmondragon/ringorder-backend/pkg/errors"
	"github.com/angelmondragon/ringorder-backend/pkg/logger"
)

const defaultLockWait = 30 * time.Second

var (
	// ErrLockTimeout is returned when the exclusive section could not be
	// entered within the configured wait.
	ErrLockTimeout = errors.New("ledger: lock wait exceeded")
	// ErrDuplicateEntry is returned when the stream already holds an entry
	// for the same kind and ref id.
	ErrDuplicateEntry = errors.New("ledger: duplicate entry")
	// ErrChecksumMismatch marks an entry whose payload does not hash to its
	// recorded checksum.
	ErrChecksumMismatch = errors.New("ledger: checksum mismatch")
	// ErrCorruptEntry marks a terminated line that does not decode.
	ErrCorruptEntry = errors.New("ledger: corrupt entry")
)

// Store persists the entries of a single stream. Callers hold the stream's
// exclusive section around Has, NextSequence and Write.
type Store interface {
	Has(ctx context.Context, kind enums.LedgerEntryKind, refID string) (bool, error)
	NextSequence(ctx context.Context) (int64, error)
	Write(ctx context.Context, entry *models.LedgerEntry) error
	Snapshot(ctx context.Context) ([]models.LedgerEntry, error)
}

type appendMetrics interface {
	IncAppend(stream, result string)
	ObserveLockWait(stream string, d time.Duration)
}

// AppendInput describes one entry to record.
type AppendInput struct {
	Kind        enums.LedgerEntryKind
	RefID       string
	AmountCents int64
	Payload     any
}

// Params wires a Ledger for one stream.
type Params struct {
	Stream   enums.LedgerStream
	Store    Store
	Locker   Locker
	LockWait time.Duration
	Logger   *logger.Logger
	Metrics  appendMetrics
	Now      func() time.Time
}

// Ledger serializes appends to one stream.
type Ledger struct {
	stream   enums.LedgerStream
	store    Store
	locker   Locker
	lockWait time.Duration
	logg     *logger.Logger
	metrics  appendMetrics
	now      func() time.Time
}

// New validates params and returns a Ledger.
func New(params Params) (*Ledger, error) {
	if !params.Stream.IsValid() {
		return nil, fmt.Errorf("invalid ledger stream %q", params.Stream)
	}
	if params.Store == nil {
		return nil, errors.New("ledger store required")
	}
	if params.Locker == nil {
		return nil, errors.New("ledger locker required")
	}
	if params.LockWait <= 0 {
		params.LockWait = defaultLockWait
	}
	if params.Logger == nil {
		params.Logger = logger.Nop()
	}
	if params.Now == nil {
		params.Now = time.Now
	}
	return &Ledger{
		stream:   params.Stream,
		store:    params.Store,
		locker:   params.Locker,
		lockWait: params.LockWait,
		logg:     params.Logger,
		metrics:  params.Metrics,
		now:      params.Now,
	}, nil
}

// Stream reports which stream this ledger writes.
func (l *Ledger) Stream() enums.LedgerStream {
	return l.stream
}

// Append records one immutable entry. It returns an error matching
// ErrLockTimeout when the lock wait is exceeded, ErrLockLost when the lease
// lapsed before the write and ErrDuplicateEntry when the ref id was already
// recorded for the kind.
func (l *Ledger) Append(ctx context.Context, input AppendInput) (*models.LedgerEntry, error) {
	if !input.Kind.IsValid() {
		return nil, pkgerrors.Validation("invalid_field", "kind", fmt.Sprintf("invalid ledger entry kind %q", input.Kind))
	}
	refID := strings.TrimSpace(input.RefID)
	if refID == "" {
		return nil, pkgerrors.Validation("missing_field", "ref_id", "ref id is required")
	}
	payload, err := json.Marshal(input.Payload)
	if err != nil {
		return nil, fmt.Errorf("encode ledger payload: %w", err)
	}

	started := l.now()
	lease, err := l.locker.Acquire(ctx, l.lockWait)
	l.observeWait(l.now().Sub(started))
	if err != nil {
		if errors.Is(err, ErrLockTimeout) {
			l.countAppend("lock_timeout")
			return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "ledger is busy")
		}
		l.countAppend("error")
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "acquire ledger lock")
	}
	defer func() {
		if rerr := lease.Release(context.WithoutCancel(ctx)); rerr != nil {
			l.logg.Warn(ctx, fmt.Sprintf("release %s ledger lock: %v", l.stream, rerr))
		}
	}()

	exists, err := l.store.Has(ctx, input.Kind, refID)
	if err != nil {
		l.countAppend("error")
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "check ledger for duplicate")
	}
	if exists {
		l.countAppend("duplicate")
		return nil, pkgerrors.Wrap(pkgerrors.CodeConflict, ErrDuplicateEntry, fmt.Sprintf("%s %s already recorded", input.Kind, refID))
	}

	seq, err := l.store.NextSequence(ctx)
	if err != nil {
		l.countAppend("error")
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "read ledger sequence")
	}

	entry := &models.LedgerEntry{
		ID:          uuid.New(),
		Stream:      l.stream,
		Sequence:    seq,
		Kind:        input.Kind,
		RefID:       refID,
		AmountCents: input.AmountCents,
		Payload:     payload,
		Checksum:    Checksum(payload),
		RecordedAt:  l.now().UTC(),
	}
	if err := lease.Held(); err != nil {
		l.countAppend("lock_lost")
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "ledger lock lapsed before write")
	}
	if err := l.store.Write(ctx, entry); err != nil {
		if errors.Is(err, ErrDuplicateEntry) {
			l.countAppend("duplicate")
			return nil, pkgerrors.Wrap(pkgerrors.CodeConflict, err, fmt.Sprintf("%s %s already recorded", input.Kind, refID))
		}
		l.countAppend("error")
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "write ledger entry")
	}

	l.countAppend("ok")
	return entry, nil
}

// Has reports whether an entry for kind and refID exists. It does not take the
// exclusive section; a false result may be stale by the time it is used.
func (l *Ledger) Has(ctx context.Context, kind enums.LedgerEntryKind, refID string) (bool, error) {
	if !kind.IsValid() {
		return false, fmt.Errorf("invalid ledger entry kind %q", kind)
	}
	return l.store.Has(ctx, kind, strings.TrimSpace(refID))
}

// Snapshot returns every committed entry in sequence order. A partially
// written entry is never part of a snapshot.
func (l *Ledger) Snapshot(ctx context.Context) ([]models.LedgerEntry, error) {
	return l.store.Snapshot(ctx)
}

func (l *Ledger) countAppend(result string) {
	if l.metrics != nil {
		l.metrics.IncAppend(string(l.stream), result)
	}
}

func (l *Ledger) observeWait(d time.Duration) {
	if l.metrics != nil {
		l.metrics.ObserveLockWait(string(l.stream), d)
	}
}

// Checksum is the hex sha256 of a payload.
func Checksum(payload []byte) string {
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:])
}

// VerifyEntry checks the entry's payload against its checksum.
func VerifyEntry(entry models.LedgerEntry) error {
	if Checksum(entry.Payload) != entry.Checksum {
		return fmt.Errorf("%w: %s entry %d (%s)", ErrChecksumMismatch, entry.Stream, entry.Sequence, entry.RefID)
	}
	return nil
}

// Audit summarizes a snapshot for export and the load simulation.
type Audit struct {
	Entries    int      `json:"entries"`
	Duplicates []string `json:"duplicates,omitempty"`
	Corrupted  []string `json:"corrupted,omitempty"`
}

// AuditEntries checks every entry's checksum and flags repeated ref ids.
func AuditEntries(entries []models.LedgerEntry) Audit {
	audit := Audit{Entries: len(entries)}
	seen := make(map[string]struct{}, len(entries))
	for _, entry := range entries {
		if err := VerifyEntry(entry); err != nil {
			audit.Corrupted = append(audit.Corrupted, entry.RefID)
		}
		key := string(entry.Kind) + "/" + entry.RefID
		if _, dup := seen[key]; dup {
			audit.Duplicates = append(audit.Duplicates, entry.RefID)
			continue
		}
		seen[key] = struct{}{}
	}
	return audit
}
