package ledger

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/angelmondragon/ringorder-backend/pkg/db/models"
	"github.com/angelmondragon/ringorder-backend/pkg/enums"
)

// FileStore keeps one stream as JSON Lines. Every entry is a single write
// followed by fsync, so a crash leaves at most one unterminated trailing line.
// Several processes may share the file as long as they share a RedisLocker;
// each append first reads whatever other writers added since the last call.
type FileStore struct {
	mu     sync.RWMutex
	path   string
	file   *os.File
	offset int64
	last   int64
	index  map[string]struct{}
}

// OpenFileStore opens (or creates) <dir>/<stream>.jsonl. A torn trailing line
// from an interrupted write is truncated before the index is rebuilt.
func OpenFileStore(dir string, stream enums.LedgerStream) (*FileStore, error) {
	if !stream.IsValid() {
		return nil, fmt.Errorf("invalid ledger stream %q", stream)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create ledger dir: %w", err)
	}
	path := filepath.Join(dir, string(stream)+".jsonl")
	file, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open ledger file: %w", err)
	}

	s := &FileStore{path: path, file: file, index: map[string]struct{}{}}
	if err := s.repairTail(); err != nil {
		_ = file.Close()
		return nil, err
	}
	if err := s.catchUp(); err != nil {
		_ = file.Close()
		return nil, err
	}
	return s, nil
}

// Path returns the backing file.
func (s *FileStore) Path() string {
	return s.path
}

func (s *FileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.file.Close()
}

func (s *FileStore) Has(_ context.Context, kind enums.LedgerEntryKind, refID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.catchUp(); err != nil {
		return false, err
	}
	_, ok := s.index[indexKey(kind, refID)]
	return ok, nil
}

func (s *FileStore) NextSequence(_ context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.catchUp(); err != nil {
		return 0, err
	}
	return s.last + 1, nil
}

func (s *FileStore) Write(_ context.Context, entry *models.LedgerEntry) error {
	line, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("encode ledger entry: %w", err)
	}
	line = append(line, '\n')

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.catchUp(); err != nil {
		return err
	}
	key := indexKey(entry.Kind, entry.RefID)
	if _, ok := s.index[key]; ok {
		return ErrDuplicateEntry
	}
	n, err := s.file.Write(line)
	if err != nil {
		return fmt.Errorf("append ledger entry: %w", err)
	}
	if n != len(line) {
		return fmt.Errorf("append ledger entry: short write %d of %d bytes", n, len(line))
	}
	if err := s.file.Sync(); err != nil {
		return fmt.Errorf("fsync ledger: %w", err)
	}
	s.offset += int64(n)
	s.last = entry.Sequence
	s.index[key] = struct{}{}
	return nil
}

// Snapshot reads the file from the start under the read lock and returns the
// complete entries. An unterminated trailing line is skipped.
func (s *FileStore) Snapshot(_ context.Context) ([]models.LedgerEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []models.LedgerEntry
	_, err := s.scanFrom(0, func(entry models.LedgerEntry) {
		out = append(out, entry)
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// catchUp indexes every complete line written after the current offset.
// Callers hold the write lock.
func (s *FileStore) catchUp() error {
	consumed, err := s.scanFrom(s.offset, func(entry models.LedgerEntry) {
		s.index[indexKey(entry.Kind, entry.RefID)] = struct{}{}
		if entry.Sequence > s.last {
			s.last = entry.Sequence
		}
	})
	if err != nil {
		return err
	}
	s.offset += consumed
	return nil
}

// scanFrom decodes newline-terminated entries starting at offset and returns
// how many bytes of complete lines were consumed.
func (s *FileStore) scanFrom(offset int64, fn func(models.LedgerEntry)) (int64, error) {
	reader := bufio.NewReader(io.NewSectionReader(s.file, offset, 1<<62))
	var consumed int64
	for {
		line, err := reader.ReadBytes('\n')
		if errors.Is(err, io.EOF) {
			// Bytes without a newline belong to a write still in flight.
			return consumed, nil
		}
		if err != nil {
			return consumed, fmt.Errorf("read ledger: %w", err)
		}
		consumed += int64(len(line))

		trimmed := bytes.TrimSpace(line)
		if len(trimmed) == 0 {
			continue
		}
		var entry models.LedgerEntry
		if err := json.Unmarshal(trimmed, &entry); err != nil {
			return consumed, fmt.Errorf("%w: decode line at byte %d: %v", ErrCorruptEntry, offset+consumed-int64(len(line)), err)
		}
		fn(entry)
	}
}

// repairTail drops bytes after the last newline. Only safe at open, before
// this process has written anything.
func (s *FileStore) repairTail() error {
	info, err := s.file.Stat()
	if err != nil {
		return fmt.Errorf("stat ledger: %w", err)
	}
	size := info.Size()
	if size == 0 {
		return nil
	}

	const chunk = 4096
	end := size
	buf := make([]byte, chunk)
	for end > 0 {
		start := end - chunk
		if start < 0 {
			start = 0
		}
		n, err := s.file.ReadAt(buf[:end-start], start)
		if err != nil && !errors.Is(err, io.EOF) {
			return fmt.Errorf("read ledger tail: %w", err)
		}
		if i := bytes.LastIndexByte(buf[:n], '\n'); i >= 0 {
			keep := start + int64(i) + 1
			if keep == size {
				return nil
			}
			return s.truncate(keep)
		}
		end = start
	}
	return s.truncate(0)
}

func (s *FileStore) truncate(size int64) error {
	if err := s.file.Truncate(size); err != nil {
		return fmt.Errorf("truncate torn ledger tail: %w", err)
	}
	if err := s.file.Sync(); err != nil {
		return fmt.Errorf("fsync ledger: %w", err)
	}
	return nil
}

func indexKey(kind enums.LedgerEntryKind, refID string) string {
	return string(kind) + "/" + refID
}
