package ledger

import (
	"context"
	"errors"

	"gorm.io/gorm"

	"github.com/angelmondragon/ringorder-backend/pkg/db"
	"github.com/angelmondragon/ringorder-backend/pkg/db/models"
	"github.com/angelmondragon/ringorder-backend/pkg/enums"
)

// GormStore keeps a stream in the ledger_entries table. The unique
// (stream, kind, ref_id) index rejects a duplicate even if two writers were
// to race past the lock.
type GormStore struct {
	db     *gorm.DB
	stream enums.LedgerStream
}

// NewGormStore returns the database store for one stream.
func NewGormStore(conn *gorm.DB, stream enums.LedgerStream) (*GormStore, error) {
	if conn == nil {
		return nil, errors.New("ledger database required")
	}
	if !stream.IsValid() {
		return nil, errors.New("invalid ledger stream")
	}
	return &GormStore{db: conn, stream: stream}, nil
}

func (s *GormStore) Has(ctx context.Context, kind enums.LedgerEntryKind, refID string) (bool, error) {
	var count int64
	err := s.db.WithContext(ctx).
		Model(&models.LedgerEntry{}).
		Where("stream = ? AND kind = ? AND ref_id = ?", s.stream, kind, refID).
		Count(&count).Error
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

func (s *GormStore) NextSequence(ctx context.Context) (int64, error) {
	var last int64
	err := s.db.WithContext(ctx).
		Model(&models.LedgerEntry{}).
		Where("stream = ?", s.stream).
		Select("COALESCE(MAX(sequence), 0)").
		Scan(&last).Error
	if err != nil {
		return 0, err
	}
	return last + 1, nil
}

func (s *GormStore) Write(ctx context.Context, entry *models.LedgerEntry) error {
	if err := s.db.WithContext(ctx).Create(entry).Error; err != nil {
		if db.IsUniqueViolation(err, "ux_ledger_entries_ref") {
			return ErrDuplicateEntry
		}
		return err
	}
	return nil
}

func (s *GormStore) Snapshot(ctx context.Context) ([]models.LedgerEntry, error) {
	var entries []models.LedgerEntry
	if err := s.db.WithContext(ctx).
		Where("stream = ?", s.stream).
		Order("sequence ASC").
		Find(&entries).Error; err != nil {
		return nil, err
	}
	return entries, nil
}
