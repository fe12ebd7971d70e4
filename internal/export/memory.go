package export

import (
	"context"
	"fmt"
	"sync"

	"tanklog/internal/core"
)

// MemoryStore is the in-process export target used in tests and when no
// spreadsheet is configured.
type MemoryStore struct {
	mu   sync.Mutex
	rows []MemoryRow
}

type MemoryRow struct {
	Log          core.RefuelLog
	CarLabel     string
	CurrencyCode string
}

var (
	_ RowAppender = (*MemoryStore)(nil)
	_ RowDeleter  = (*MemoryStore)(nil)
)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

// AppendLog stores the row and returns a synthetic reference.
func (s *MemoryStore) AppendLog(_ context.Context, l core.RefuelLog, carLabel, currencyCode string) (string, error) {
	if err := l.Validate(); err != nil {
		return "", err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rows = append(s.rows, MemoryRow{Log: l, CarLabel: carLabel, CurrencyCode: currencyCode})
	return fmt.Sprintf("mem:%d", len(s.rows)), nil
}

// DeleteLogRow drops every row matching the log ID.
func (s *MemoryStore) DeleteLogRow(_ context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	kept := s.rows[:0]
	for _, r := range s.rows {
		if r.Log.ID != id {
			kept = append(kept, r)
		}
	}
	s.rows = kept
	return nil
}

// Rows returns a copy of the stored rows.
func (s *MemoryStore) Rows() []MemoryRow {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]MemoryRow(nil), s.rows...)
}
