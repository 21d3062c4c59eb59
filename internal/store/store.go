// Package store holds the ordered, de-duplicated messages of one chat room.
package store

import (
	"iter"
	"slices"
	"sync"

	"github.com/omochice/roomchat/pkg/protocol"
)

// Store is an ordered sequence of messages keyed by id. Messages with an
// empty id cannot be de-duplicated and are always kept.
//
// Writes come from a single owner; reads may happen from any goroutine.
type Store struct {
	mu       sync.RWMutex
	messages []protocol.Message
	ids      map[protocol.MessageID]struct{}
}

// New creates an empty Store.
func New() *Store {
	return &Store{ids: make(map[protocol.MessageID]struct{})}
}

// Reset clears the store.
func (s *Store) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages = nil
	clear(s.ids)
}

// Append adds msg at the end unless a message with the same id is present.
// It reports whether msg was added.
func (s *Store) Append(msg protocol.Message) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.appendLocked(msg)
}

func (s *Store) appendLocked(msg protocol.Message) bool {
	if msg.ID != "" {
		if _, ok := s.ids[msg.ID]; ok {
			return false
		}
		s.ids[msg.ID] = struct{}{}
	}
	s.messages = append(s.messages, msg)
	return true
}

// ReplaceAll replaces the contents with msgs sorted by creation time. Equal
// timestamps keep their given order; duplicate ids keep the first occurrence.
func (s *Store) ReplaceAll(msgs []protocol.Message) {
	sorted := slices.Clone(msgs)
	slices.SortStableFunc(sorted, func(a, b protocol.Message) int {
		return a.CreatedAt.Compare(b.CreatedAt)
	})

	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages = make([]protocol.Message, 0, len(sorted))
	clear(s.ids)
	for _, msg := range sorted {
		s.appendLocked(msg)
	}
}

// Len returns the number of messages.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.messages)
}

// Contains reports whether a message with id is present.
func (s *Store) Contains(id protocol.MessageID) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.ids[id]
	return ok
}

// All returns a sequence over the current contents. Each iteration reads
// the store afresh and never modifies it.
func (s *Store) All() iter.Seq[protocol.Message] {
	return func(yield func(protocol.Message) bool) {
		for _, msg := range s.Snapshot() {
			if !yield(msg) {
				return
			}
		}
	}
}

// Snapshot returns a copy of the current contents.
func (s *Store) Snapshot() []protocol.Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.messages)
}
