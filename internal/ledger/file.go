package ledger

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/moolen/sentinel/internal/logging"
	"github.com/moolen/sentinel/internal/models"
)

const (
	entryAction  = "action"
	entryOutcome = "outcome"
)

// journalEntry is one line of the JSONL journal. Outcomes are separate
// entries so written lines are never rewritten.
type journalEntry struct {
	Type    string                `json:"type"`
	Record  *models.ActionRecord  `json:"record,omitempty"`
	Outcome *models.ActionOutcome `json:"outcome,omitempty"`
}

// journal is the file a FileStore appends to; *os.File in production.
type journal interface {
	io.ReadWriteSeeker
	Truncate(size int64) error
	Sync() error
	Close() error
}

// FileStore is a MemoryStore backed by an append-only JSONL journal that is
// replayed on open.
type FileStore struct {
	*MemoryStore
	file   journal
	logger *logging.Logger
}

// OpenFileStore opens or creates the journal at path.
func OpenFileStore(path string) (*FileStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, fmt.Errorf("failed to create ledger directory: %w", err)
	}
	// #nosec G304 -- ledger path is operator configuration
	file, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0o600)
	if err != nil {
		return nil, fmt.Errorf("failed to open ledger file: %w", err)
	}

	s := &FileStore{
		MemoryStore: NewMemoryStore(),
		file:        file,
		logger:      logging.GetLogger("ledger.file"),
	}
	if err := s.replay(); err != nil {
		_ = file.Close()
		return nil, err
	}
	return s, nil
}

func (s *FileStore) replay() error {
	if _, err := s.file.Seek(0, io.SeekStart); err != nil {
		return fmt.Errorf("failed to read ledger: %w", err)
	}
	reader := bufio.NewReader(s.file)
	line := 0
	var offset int64
	for {
		data, err := reader.ReadBytes('\n')
		if errors.Is(err, io.EOF) {
			if len(data) > 0 {
				// torn final write; drop it so the next entry starts on a fresh line
				s.logger.Warn("Truncating incomplete ledger line %d", line+1)
				if err := s.file.Truncate(offset); err != nil {
					return fmt.Errorf("failed to truncate ledger: %w", err)
				}
			}
			break
		}
		if err != nil {
			return fmt.Errorf("failed to read ledger: %w", err)
		}
		line++
		offset += int64(len(data))
		s.apply(line, data)
	}
	s.logger.Info("Ledger replayed: %d records, last id %d", len(s.records), s.lastID)
	return nil
}

// apply replays one journal line. Unparseable lines, such as a torn final
// write, are skipped.
func (s *FileStore) apply(line int, data []byte) {
	var entry journalEntry
	if err := json.Unmarshal(data, &entry); err != nil {
		s.logger.Warn("Skipping unreadable ledger line %d: %v", line, err)
		return
	}
	switch {
	case entry.Type == entryAction && entry.Record != nil:
		if _, dup := s.byID[entry.Record.ID]; dup || entry.Record.ID <= s.lastID {
			s.logger.Warn("Skipping out of order ledger record %d on line %d", entry.Record.ID, line)
			return
		}
		s.insert(*entry.Record)
	case entry.Type == entryOutcome && entry.Outcome != nil:
		if err := s.checkOutcome(*entry.Outcome); err != nil {
			s.logger.Warn("Skipping ledger outcome on line %d: %v", line, err)
			return
		}
		s.attach(*entry.Outcome)
	default:
		s.logger.Warn("Skipping unknown ledger entry on line %d", line)
	}
}

func (s *FileStore) Append(ctx context.Context, rec models.ActionRecord) (models.ActionRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec.ID = s.lastID + 1
	rec.Outcome = nil
	if err := s.write(journalEntry{Type: entryAction, Record: &rec}); err != nil {
		return models.ActionRecord{}, err
	}
	s.insert(rec)
	return clone(rec), nil
}

func (s *FileStore) AttachOutcome(ctx context.Context, outcome models.ActionOutcome) (models.ActionRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.checkOutcome(outcome); err != nil {
		return models.ActionRecord{}, err
	}
	if err := s.write(journalEntry{Type: entryOutcome, Outcome: &outcome}); err != nil {
		return models.ActionRecord{}, err
	}
	return s.attach(outcome), nil
}

// write appends one entry and syncs it. A failed write is cut back to the
// previous end of the journal so later entries start on a clean line.
// Callers hold s.mu.
func (s *FileStore) write(entry journalEntry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to marshal ledger entry: %w", err)
	}
	offset, err := s.file.Seek(0, io.SeekEnd)
	if err != nil {
		return fmt.Errorf("failed to seek ledger: %w", err)
	}
	if _, err := s.file.Write(append(data, '\n')); err != nil {
		return s.rollback(offset, fmt.Errorf("failed to write ledger entry: %w", err))
	}
	if err := s.file.Sync(); err != nil {
		return s.rollback(offset, fmt.Errorf("failed to sync ledger: %w", err))
	}
	return nil
}

func (s *FileStore) rollback(offset int64, cause error) error {
	if err := s.file.Truncate(offset); err != nil {
		s.logger.Error("Failed to truncate ledger to %d after a failed write: %v", offset, err)
	}
	return cause
}

func (s *FileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.file.Close()
}
