package jsonfile

import (
	"fmt"
	"sync"

	"github.com/nstogner/agenthub/pkg/apperr"
	"github.com/nstogner/agenthub/pkg/store"
)

// Store implements store.Store on a single JSON document that is rewritten
// on every insert.
type Store struct {
	path string

	mu       sync.RWMutex
	messages map[string]store.Payload
}

// Ensure Store implements store.Store
var _ store.Store = (*Store)(nil)

// New creates an empty store backed by path. Call Load to read existing
// messages.
func New(path string) *Store {
	return &Store{
		path:     path,
		messages: make(map[string]store.Payload),
	}
}

// Path returns the backing document's location.
func (s *Store) Path() string {
	return s.path
}

// Load replaces the in-memory map with the document's contents. A missing
// document yields an empty store.
func (s *Store) Load() error {
	messages := make(map[string]store.Payload)
	if _, err := ReadDocument(s.path, &messages); err != nil {
		return apperr.Wrap(apperr.KindIO, "load messages", err)
	}
	if messages == nil {
		messages = make(map[string]store.Payload)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages = messages
	return nil
}

// Insert records the message in memory, then rewrites the document. The
// in-memory insert stands even when the write fails.
func (s *Store) Insert(id string, payload store.Payload) error {
	if id == "" {
		return apperr.New(apperr.KindInvalid, "message id must not be empty")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.messages[id]; exists {
		return apperr.Newf(apperr.KindInvalid, "message %s already stored", id)
	}
	s.messages[id] = payload

	if err := WriteDocument(s.path, s.messages); err != nil {
		return apperr.Wrap(apperr.KindIO, fmt.Sprintf("persist message %s", id), err)
	}
	return nil
}

func (s *Store) Get(id string) (store.Payload, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.messages[id]
	return p, ok
}

func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.messages)
}

func (s *Store) Snapshot() map[string]store.Payload {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]store.Payload, len(s.messages))
	for k, v := range s.messages {
		out[k] = v
	}
	return out
}

// Clear empties the store and deletes the document.
func (s *Store) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages = make(map[string]store.Payload)
	if err := RemoveDocument(s.path); err != nil {
		return apperr.Wrap(apperr.KindIO, "clear messages", err)
	}
	return nil
}
