package conversation

import (
	"context"
	"sync"
)

// Handle lets a Tracker stop a registered conversation.
type Handle struct {
	Stop func()
}

// Tracker keeps at most one active conversation per owner key. Registering
// a second conversation for the same owner stops the first.
type Tracker struct {
	mu      sync.Mutex
	entries map[string]*trackedEntry
	wg      sync.WaitGroup
}

type trackedEntry struct {
	handle Handle
	once   sync.Once
}

func NewTracker() *Tracker {
	return &Tracker{entries: make(map[string]*trackedEntry)}
}

func (t *Tracker) Register(owner string, h Handle) (unregister func()) {
	if t == nil {
		return func() {}
	}

	entry := &trackedEntry{handle: h}

	t.mu.Lock()
	if t.entries == nil {
		t.entries = make(map[string]*trackedEntry)
	}
	old := t.entries[owner]
	t.entries[owner] = entry
	t.wg.Add(1)
	t.mu.Unlock()

	if old != nil {
		t.unregister(owner, old)
		if old.handle.Stop != nil {
			old.handle.Stop()
		}
	}

	return func() { t.unregister(owner, entry) }
}

func (t *Tracker) unregister(owner string, entry *trackedEntry) {
	if t == nil || entry == nil {
		return
	}
	entry.once.Do(func() {
		t.mu.Lock()
		if t.entries != nil && t.entries[owner] == entry {
			delete(t.entries, owner)
		}
		t.mu.Unlock()
		t.wg.Done()
	})
}

func (t *Tracker) Count() int {
	if t == nil {
		return 0
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

// StopAll stops every registered conversation and returns how many were
// stopped.
func (t *Tracker) StopAll() (stopped int) {
	if t == nil {
		return 0
	}

	var stops []func()
	t.mu.Lock()
	for _, entry := range t.entries {
		if entry == nil || entry.handle.Stop == nil {
			continue
		}
		stops = append(stops, entry.handle.Stop)
	}
	t.mu.Unlock()

	for _, stop := range stops {
		stop()
		stopped++
	}
	return stopped
}

// Wait blocks until every registered conversation has unregistered or ctx
// ends. It reports whether all conversations finished.
func (t *Tracker) Wait(ctx context.Context) bool {
	if t == nil {
		return true
	}
	if ctx == nil {
		t.wg.Wait()
		return true
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		t.wg.Wait()
	}()

	select {
	case <-done:
		return true
	case <-ctx.Done():
		return false
	}
}
