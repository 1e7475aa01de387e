package streaming

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ErrStalePosition is returned when a checkpoint does not advance the
// session's stream position.
var ErrStalePosition = errors.New("checkpoint position must advance")

// Checkpoint is a snapshot of streamed-so-far content enabling resumption
// after an interruption.
type Checkpoint struct {
	ID               string
	Timestamp        time.Time
	ContentDelivered string
	ContentRemaining string
	StreamPosition   int
	Metadata         map[string]any
}

// checkpointStore keeps a FIFO-bounded checkpoint list per session.
// Positions are monotonically increasing within a session.
type checkpointStore struct {
	mu       sync.Mutex
	capacity int
	sessions map[string][]Checkpoint
}

func newCheckpointStore(capacity int) *checkpointStore {
	if capacity <= 0 {
		capacity = 10
	}
	return &checkpointStore{
		capacity: capacity,
		sessions: make(map[string][]Checkpoint),
	}
}

func (s *checkpointStore) Add(sessionID, delivered, remaining string, position int) (Checkpoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	list := s.sessions[sessionID]
	if n := len(list); n > 0 && position <= list[n-1].StreamPosition {
		return Checkpoint{}, fmt.Errorf("%w: got %d, last %d", ErrStalePosition, position, list[n-1].StreamPosition)
	}

	cp := Checkpoint{
		ID:               uuid.NewString(),
		Timestamp:        time.Now(),
		ContentDelivered: delivered,
		ContentRemaining: remaining,
		StreamPosition:   position,
		Metadata: map[string]any{
			"session_id":       sessionID,
			"content_length":   len(delivered),
			"remaining_length": len(remaining),
		},
	}

	list = append(list, cp)
	if len(list) > s.capacity {
		list = list[len(list)-s.capacity:]
	}
	s.sessions[sessionID] = list
	return cp, nil
}

// Latest returns the most recent checkpoint for a session.
func (s *checkpointStore) Latest(sessionID string) (Checkpoint, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	list := s.sessions[sessionID]
	if len(list) == 0 {
		return Checkpoint{}, false
	}
	return list[len(list)-1], true
}

// List returns a copy of a session's checkpoints, oldest first.
func (s *checkpointStore) List(sessionID string) []Checkpoint {
	s.mu.Lock()
	defer s.mu.Unlock()

	list := s.sessions[sessionID]
	out := make([]Checkpoint, len(list))
	copy(out, list)
	return out
}

func (s *checkpointStore) Drop(sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, sessionID)
}
