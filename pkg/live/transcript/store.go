// Package transcript keeps the ordered record of a conversation.
package transcript

import (
	"sync"
	"time"
)

type Speaker string

const (
	SpeakerUser      Speaker = "user"
	SpeakerAssistant Speaker = "assistant"
	SpeakerSystem    Speaker = "system"
)

type Entry struct {
	ID        uint64    `json:"id"`
	Speaker   Speaker   `json:"speaker"`
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
}

// Store is an append-only, arrival-ordered transcript. Entries are never
// deduplicated or reordered; only Clear removes them. IDs keep increasing
// across Clear.
type Store struct {
	mu      sync.Mutex
	entries []Entry
	lastID  uint64

	subsMu    sync.Mutex
	subs      map[int]func(Entry)
	clearSubs map[int]func()
	nextSub   int

	now func() time.Time
}

func NewStore() *Store {
	return &Store{
		subs:      make(map[int]func(Entry)),
		clearSubs: make(map[int]func()),
		now:       time.Now,
	}
}

func (s *Store) Append(speaker Speaker, text string) Entry {
	s.mu.Lock()
	s.lastID++
	e := Entry{
		ID:        s.lastID,
		Speaker:   speaker,
		Text:      text,
		Timestamp: s.now(),
	}
	s.entries = append(s.entries, e)
	s.mu.Unlock()

	s.subsMu.Lock()
	fns := make([]func(Entry), 0, len(s.subs))
	for _, fn := range s.subs {
		fns = append(fns, fn)
	}
	s.subsMu.Unlock()
	for _, fn := range fns {
		fn(e)
	}
	return e
}

// Clear drops every entry and notifies OnClear subscribers.
func (s *Store) Clear() {
	s.mu.Lock()
	s.entries = nil
	s.mu.Unlock()

	s.subsMu.Lock()
	fns := make([]func(), 0, len(s.clearSubs))
	for _, fn := range s.clearSubs {
		fns = append(fns, fn)
	}
	s.subsMu.Unlock()
	for _, fn := range fns {
		fn()
	}
}

// All returns a copy of the entries in arrival order.
func (s *Store) All() []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Entry, len(s.entries))
	copy(out, s.entries)
	return out
}

func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// Subscribe calls fn for every appended entry until the returned func is
// called.
func (s *Store) Subscribe(fn func(Entry)) (unsubscribe func()) {
	if fn == nil {
		return func() {}
	}
	s.subsMu.Lock()
	id := s.nextSub
	s.nextSub++
	s.subs[id] = fn
	s.subsMu.Unlock()
	return func() {
		s.subsMu.Lock()
		delete(s.subs, id)
		s.subsMu.Unlock()
	}
}

// OnClear calls fn after every Clear until the returned func is called.
func (s *Store) OnClear(fn func()) (unsubscribe func()) {
	if fn == nil {
		return func() {}
	}
	s.subsMu.Lock()
	id := s.nextSub
	s.nextSub++
	s.clearSubs[id] = fn
	s.subsMu.Unlock()
	return func() {
		s.subsMu.Lock()
		delete(s.clearSubs, id)
		s.subsMu.Unlock()
	}
}
