package repository

import (
	"context"
	"sort"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/tecu23/duel-server/pkg/game"
)

// InMemoryRepository is an in-memory implementation of ConclusionStore
type InMemoryRepository struct {
	records map[uuid.UUID]Record
	mu      sync.RWMutex
	logger  *zap.Logger
}

// NewInMemoryRepository creates a new in-memory repository
func NewInMemoryRepository(logger *zap.Logger) *InMemoryRepository {
	return &InMemoryRepository{
		records: make(map[uuid.UUID]Record),
		logger:  logger,
	}
}

// Save stores a conclusion. Saving the same session twice keeps the first record.
func (r *InMemoryRepository) Save(_ context.Context, c game.Conclusion) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.records[c.SessionID]; ok {
		r.logger.Warn("Conclusion already stored", zap.String("session_id", c.SessionID.String()))
		return nil
	}

	r.records[c.SessionID] = NewRecord(c)
	return nil
}

// Get retrieves the record of a session
func (r *InMemoryRepository) Get(id uuid.UUID) (Record, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	record, ok := r.records[id]
	if !ok {
		return Record{}, ErrNotFound
	}

	return record, nil
}

// ListByParticipant returns the records a participant played in, most recent first
func (r *InMemoryRepository) ListByParticipant(participantID string) []Record {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []Record
	for _, record := range r.records {
		if record.White == participantID || record.Black == participantID {
			out = append(out, record)
		}
	}

	sort.Slice(out, func(i, j int) bool {
		return out[i].EndedAt.After(out[j].EndedAt)
	})
	return out
}

// Len returns the number of stored records
func (r *InMemoryRepository) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.records)
}
