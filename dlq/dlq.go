// Package dlq holds commands that exhausted their retries.
package dlq

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"example.com/backstage/cqrs/domain"
)

// ErrEntryNotFound is returned for unknown entry ids.
var ErrEntryNotFound = errors.New("dead letter entry not found")

// Entry is a command that could not be processed.
type Entry struct {
	ID         string         `json:"id"`
	Command    domain.Command `json:"command"`
	Error      string         `json:"error"`
	FailedAt   time.Time      `json:"failed_at"`
	RetryCount int            `json:"retry_count"`
	Resolved   bool           `json:"resolved"`
}

// Queue is a bounded dead letter queue. Entries are kept in insertion order.
type Queue struct {
	mu      sync.Mutex
	maxSize int
	entries []Entry
}

// New creates a queue holding at most maxSize entries. A maxSize of 0 or
// less means unbounded.
func New(maxSize int) *Queue {
	return &Queue{maxSize: maxSize}
}

// Add enqueues a failed command, evicting an entry when full. A command
// that already has an unresolved entry updates it and accumulates its retry
// count instead.
func (q *Queue) Add(cmd domain.Command, err error, retryCount int) Entry {
	q.mu.Lock()
	defer q.mu.Unlock()

	for i := range q.entries {
		e := &q.entries[i]
		if e.Resolved || e.Command.ID != cmd.ID {
			continue
		}
		e.FailedAt = time.Now().UTC()
		e.RetryCount += retryCount
		e.Error = ""
		if err != nil {
			e.Error = err.Error()
		}
		log.Warn().
			Str("entryID", e.ID).
			Str("commandID", cmd.ID).
			Int("retryCount", e.RetryCount).
			Str("error", e.Error).
			Msg("Dead lettered command failed again")
		return *e
	}

	if q.maxSize > 0 && len(q.entries) >= q.maxSize {
		q.evict()
	}

	entry := Entry{
		ID:         uuid.New().String(),
		Command:    cmd,
		FailedAt:   time.Now().UTC(),
		RetryCount: retryCount,
	}
	if err != nil {
		entry.Error = err.Error()
	}
	q.entries = append(q.entries, entry)

	log.Warn().
		Str("entryID", entry.ID).
		Str("commandID", cmd.ID).
		Str("commandType", cmd.Type).
		Int("retryCount", retryCount).
		Str("error", entry.Error).
		Msg("Command moved to dead letter queue")

	return entry
}

// evict drops the oldest resolved entry, or the oldest entry when none is
// resolved. Callers hold the lock.
func (q *Queue) evict() {
	for i, e := range q.entries {
		if e.Resolved {
			q.entries = append(q.entries[:i], q.entries[i+1:]...)
			return
		}
	}

	dropped := q.entries[0]
	q.entries = q.entries[1:]
	log.Error().
		Str("entryID", dropped.ID).
		Str("commandID", dropped.Command.ID).
		Str("commandType", dropped.Command.Type).
		Msg("Dead letter queue full, dropped unresolved entry")
}

// Resolve marks an entry as resolved without removing it.
func (q *Queue) Resolve(id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	for i := range q.entries {
		if q.entries[i].ID == id {
			q.entries[i].Resolved = true
			return nil
		}
	}
	return ErrEntryNotFound
}

// Remove deletes an entry.
func (q *Queue) Remove(id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	for i := range q.entries {
		if q.entries[i].ID == id {
			q.entries = append(q.entries[:i], q.entries[i+1:]...)
			return nil
		}
	}
	return ErrEntryNotFound
}

// Get returns one entry.
func (q *Queue) Get(id string) (Entry, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for _, e := range q.entries {
		if e.ID == id {
			return e, nil
		}
	}
	return Entry{}, ErrEntryNotFound
}

// Entries returns all entries, oldest first.
func (q *Queue) Entries() []Entry {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]Entry(nil), q.entries...)
}

// Unresolved returns the entries still waiting for a retry, oldest first.
func (q *Queue) Unresolved() []Entry {
	q.mu.Lock()
	defer q.mu.Unlock()

	var out []Entry
	for _, e := range q.entries {
		if !e.Resolved {
			out = append(out, e)
		}
	}
	return out
}

// Size returns the number of unresolved entries.
func (q *Queue) Size() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	n := 0
	for _, e := range q.entries {
		if !e.Resolved {
			n++
		}
	}
	return n
}
