// Package queue holds the authoritative in-memory song queue for a party.
// All writes go through Enqueue/Move/Remove/PopFront/Clear; reads get copies.
package queue

import (
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/rs/xid"
)

var (
	// ErrValidation is returned when an enqueued entry is missing required fields.
	ErrValidation = errors.New("queue: invalid entry")
	// ErrNotFound is returned when a move/remove references an id no longer in the queue.
	ErrNotFound = errors.New("queue: entry not found")
)

// Entry is one song request. ID is assigned at enqueue time and stays stable
// across reorders; position is implied by slice order.
type Entry struct {
	ID          string    `json:"id"`
	TrackID     string    `json:"trackId,omitempty"`
	Title       string    `json:"title"`
	Artist      string    `json:"artist"`
	Album       string    `json:"album,omitempty"`
	CoverArt    string    `json:"coverArt,omitempty"`
	DurationMs  int       `json:"durationMs,omitempty"`
	Explicit    bool      `json:"explicit"`
	RequestedBy string    `json:"requestedBy,omitempty"`
	Lyrics      string    `json:"lyrics,omitempty"`
	VideoID     string    `json:"videoId,omitempty"`
	AddedAt     time.Time `json:"addedAt"`
}

// Store is a mutex-guarded ordered queue of entries.
type Store struct {
	mu      sync.Mutex
	entries []Entry
}

// NewStore creates an empty queue store.
func NewStore() *Store {
	return &Store{entries: make([]Entry, 0, 16)}
}

// Enqueue appends e at the tail and returns the assigned id. Duplicate songs
// are allowed; empty title or artist is not.
func (s *Store) Enqueue(e Entry) (string, error) {
	if strings.TrimSpace(e.Title) == "" || strings.TrimSpace(e.Artist) == "" {
		return "", ErrValidation
	}
	e.ID = xid.New().String()
	if e.AddedAt.IsZero() {
		e.AddedAt = time.Now()
	}
	s.mu.Lock()
	s.entries = append(s.entries, e)
	s.mu.Unlock()
	return e.ID, nil
}

// Move reinserts the entry with the given id so that it lands in front of the
// entry that currently occupies target. target is clamped to a valid index.
// The relative order of all other entries is preserved: moving index 0 onto
// index 2 yields the moved entry at index 1, not 2.
func (s *Store) Move(id string, target int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	from := s.indexOf(id)
	if from < 0 {
		return ErrNotFound
	}
	if target < 0 {
		target = 0
	}
	if target > len(s.entries)-1 {
		target = len(s.entries) - 1
	}
	if target == from {
		return nil
	}

	e := s.entries[from]
	s.entries = append(s.entries[:from], s.entries[from+1:]...)
	to := target
	if from < target {
		to = target - 1
	}
	s.entries = append(s.entries, Entry{})
	copy(s.entries[to+1:], s.entries[to:])
	s.entries[to] = e
	return nil
}

// Remove deletes the entry with the given id. A second remove of the same id
// fails with ErrNotFound so a racing caller learns its snapshot is stale.
func (s *Store) Remove(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	i := s.indexOf(id)
	if i < 0 {
		return ErrNotFound
	}
	s.entries = append(s.entries[:i], s.entries[i+1:]...)
	return nil
}

// PopFront removes and returns the head entry. ok is false on an empty queue.
func (s *Store) PopFront() (Entry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.entries) == 0 {
		return Entry{}, false
	}
	e := s.entries[0]
	s.entries = s.entries[1:]
	return e, true
}

// List returns a snapshot copy of the queue in order.
func (s *Store) List() []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Entry, len(s.entries))
	copy(out, s.entries)
	return out
}

// Clear empties the queue.
func (s *Store) Clear() {
	s.mu.Lock()
	s.entries = s.entries[:0]
	s.mu.Unlock()
}

// Len returns the number of queued entries.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

func (s *Store) indexOf(id string) int {
	for i := range s.entries {
		if s.entries[i].ID == id {
			return i
		}
	}
	return -1
}
