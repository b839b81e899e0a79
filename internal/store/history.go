package store

import (
	"context"
	"sync"

	"go2tv.app/avsession/internal/domain"
)

const (
	DefaultHistoryCapacity = 100
	DefaultHistoryMaxSize  = 3
	MaxHistoryMaxSize      = 100
)

// HistoryStore retains records of destroyed sessions.
type HistoryStore interface {
	Append(ctx context.Context, rec domain.HistoricalRecord) error
	// Recent returns up to limit records, newest first. A limit of zero
	// returns everything retained.
	Recent(ctx context.Context, limit int) ([]domain.HistoricalRecord, error)
}

// HistoryQuery bounds a history listing. MaxSize defaults to 3; a MaxAppSize
// of zero applies no per-owner cap.
type HistoryQuery struct {
	MaxSize    int
	MaxAppSize int
}

func (q HistoryQuery) normalize() (HistoryQuery, error) {
	if q.MaxSize < 0 || q.MaxAppSize < 0 {
		return q, domain.NewError(domain.CodeParameterCheckFailed, "history sizes must not be negative")
	}
	if q.MaxSize == 0 {
		q.MaxSize = DefaultHistoryMaxSize
	}
	if q.MaxSize > MaxHistoryMaxSize {
		q.MaxSize = MaxHistoryMaxSize
	}
	return q, nil
}

// MemoryHistory keeps the newest records in process memory.
type MemoryHistory struct {
	capacity int

	mu      sync.Mutex
	records []domain.HistoricalRecord
}

func NewMemoryHistory(capacity int) *MemoryHistory {
	if capacity <= 0 {
		capacity = DefaultHistoryCapacity
	}
	return &MemoryHistory{capacity: capacity}
}

func (h *MemoryHistory) Append(_ context.Context, rec domain.HistoricalRecord) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.records = append([]domain.HistoricalRecord{rec}, h.records...)
	if len(h.records) > h.capacity {
		h.records = h.records[:h.capacity]
	}
	return nil
}

func (h *MemoryHistory) Recent(_ context.Context, limit int) ([]domain.HistoricalRecord, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	n := len(h.records)
	if limit > 0 && limit < n {
		n = limit
	}
	return append([]domain.HistoricalRecord(nil), h.records[:n]...), nil
}
