package gatesync

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// EventStore is durable, insertion-ordered storage for queued events. Every
// call is one atomic read-modify-write; implementations must not interleave
// partial updates.
type EventStore interface {
	Append(event QueuedEvent) error
	All() ([]QueuedEvent, error)
	Update(commandID string, mutate func(*QueuedEvent)) error
	Remove(ids map[string]struct{}) error
	Pending() ([]QueuedEvent, error)
	Failed() ([]QueuedEvent, error)
	Close() error
}

type memoryEventStore struct {
	mu    sync.Mutex
	items []QueuedEvent
}

func NewMemoryEventStore() EventStore {
	return &memoryEventStore{items: []QueuedEvent{}}
}

func (s *memoryEventStore) Append(event QueuedEvent) error {
	if strings.TrimSpace(event.CommandID) == "" {
		return &StorageError{Op: "append", Err: ErrInvalidInput}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items = append(s.items, event)
	return nil
}

func (s *memoryEventStore) All() ([]QueuedEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]QueuedEvent(nil), s.items...), nil
}

func (s *memoryEventStore) Update(commandID string, mutate func(*QueuedEvent)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.items {
		if s.items[i].CommandID == commandID {
			mutate(&s.items[i])
			return nil
		}
	}
	return ErrNotFound
}

func (s *memoryEventStore) Remove(ids map[string]struct{}) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	kept := s.items[:0]
	for _, item := range s.items {
		if _, drop := ids[item.CommandID]; !drop {
			kept = append(kept, item)
		}
	}
	s.items = kept
	return nil
}

func (s *memoryEventStore) Pending() ([]QueuedEvent, error) {
	return s.filtered(EventPending)
}

func (s *memoryEventStore) Failed() ([]QueuedEvent, error) {
	return s.filtered(EventFailed)
}

func (s *memoryEventStore) filtered(status EventStatus) ([]QueuedEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]QueuedEvent, 0, len(s.items))
	for _, item := range s.items {
		if item.Status == status {
			out = append(out, item)
		}
	}
	return out, nil
}

func (s *memoryEventStore) Close() error {
	return nil
}

type fileEventStore struct {
	path  string
	mu    sync.Mutex
	items []QueuedEvent
}

type fileEventStoreState struct {
	Items []QueuedEvent `json:"items"`
}

// NewFileEventStore opens (or creates) a JSON-file-backed store at path and
// reloads any events persisted by a previous process.
func NewFileEventStore(path string) (EventStore, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, ErrInvalidInput
	}
	s := &fileEventStore{path: path, items: []QueuedEvent{}}
	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *fileEventStore) Append(event QueuedEvent) error {
	if strings.TrimSpace(event.CommandID) == "" {
		return &StorageError{Op: "append", Err: ErrInvalidInput}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items = append(s.items, event)
	if err := s.saveLocked(); err != nil {
		s.items = s.items[:len(s.items)-1]
		return &StorageError{Op: "append", Err: err}
	}
	return nil
}

func (s *fileEventStore) All() ([]QueuedEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]QueuedEvent(nil), s.items...), nil
}

func (s *fileEventStore) Update(commandID string, mutate func(*QueuedEvent)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.items {
		if s.items[i].CommandID != commandID {
			continue
		}
		before := s.items[i]
		mutate(&s.items[i])
		if err := s.saveLocked(); err != nil {
			s.items[i] = before
			return &StorageError{Op: "update", Err: err}
		}
		return nil
	}
	return ErrNotFound
}

func (s *fileEventStore) Remove(ids map[string]struct{}) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	kept := make([]QueuedEvent, 0, len(s.items))
	for _, item := range s.items {
		if _, drop := ids[item.CommandID]; !drop {
			kept = append(kept, item)
		}
	}
	if len(kept) == len(s.items) {
		return nil
	}
	before := s.items
	s.items = kept
	if err := s.saveLocked(); err != nil {
		s.items = before
		return &StorageError{Op: "remove", Err: err}
	}
	return nil
}

func (s *fileEventStore) Pending() ([]QueuedEvent, error) {
	return s.filtered(EventPending)
}

func (s *fileEventStore) Failed() ([]QueuedEvent, error) {
	return s.filtered(EventFailed)
}

func (s *fileEventStore) filtered(status EventStatus) ([]QueuedEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]QueuedEvent, 0, len(s.items))
	for _, item := range s.items {
		if item.Status == status {
			out = append(out, item)
		}
	}
	return out, nil
}

func (s *fileEventStore) Close() error {
	return nil
}

func (s *fileEventStore) load() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	var snapshot fileEventStoreState
	if err := json.Unmarshal(data, &snapshot); err != nil {
		return err
	}
	s.items = append([]QueuedEvent(nil), snapshot.Items...)
	// An event caught mid-delivery by a crash goes back to pending so the
	// next drain picks it up; the server dedupes on commandId.
	for i := range s.items {
		if s.items[i].Status == EventInFlight {
			s.items[i].Status = EventPending
		}
	}
	return nil
}

func (s *fileEventStore) saveLocked() error {
	snapshot := fileEventStoreState{
		Items: append([]QueuedEvent(nil), s.items...),
	}
	data, err := json.Marshal(snapshot)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return err
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, s.path)
}
