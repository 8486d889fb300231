// Package state tracks the conversation lifecycle of a live voice session.
//
// The machine holds a single State value, so listening and speaking can never
// be observed together. It is driven only by transport, capture and playback
// events; callers never set a state directly.
//
//	disconnected -> connecting -> connected <-> listening
//	                    ^             |  ^          |
//	                    |             v  |          v
//	                 (reconnect)    speaking <------+
//
// Any state may move to disconnected (close) or failed (fatal error or
// reconnect give-up). The error recorded by a failure survives a close and is
// cleared only when the user explicitly starts a new session.
package state

import (
	"errors"
	"sync"
	"time"
)

type State string

const (
	Disconnected State = "disconnected"
	Connecting   State = "connecting"
	Connected    State = "connected"
	Listening    State = "listening"
	Speaking     State = "speaking"
	Failed       State = "failed"
)

// ErrBusy is returned by Connecting when a session is already active.
var ErrBusy = errors.New("session already active")

func (s State) connected() bool {
	return s == Connected || s == Listening || s == Speaking
}

type Snapshot struct {
	State            State     `json:"state"`
	IsConnected      bool      `json:"is_connected"`
	IsListening      bool      `json:"is_listening"`
	IsSpeaking       bool      `json:"is_speaking"`
	Err              error     `json:"-"`
	Error            string    `json:"error,omitempty"`
	ReconnectAttempt int       `json:"reconnect_attempt,omitempty"`
	SessionID        string    `json:"session_id,omitempty"`
	VendorStatus     string    `json:"vendor_status,omitempty"`
	UpdatedAt        time.Time `json:"updated_at"`
}

type Machine struct {
	mu           sync.Mutex
	state        State
	micActive    bool
	err          error
	attempt      int
	sessionID    string
	vendorStatus string
	version      uint64
	updatedAt    time.Time

	subsMu  sync.Mutex
	subs    map[int]func(Snapshot)
	nextSub int

	notifyMu  sync.Mutex
	delivered uint64

	now func() time.Time
}

func New() *Machine {
	return &Machine{
		state: Disconnected,
		subs:  make(map[int]func(Snapshot)),
		now:   time.Now,
	}
}

// OnChange registers fn to receive every snapshot after a transition. The
// returned func removes the subscription. fn must not drive the machine
// synchronously.
func (m *Machine) OnChange(fn func(Snapshot)) (unsubscribe func()) {
	if m == nil || fn == nil {
		return func() {}
	}
	m.subsMu.Lock()
	id := m.nextSub
	m.nextSub++
	m.subs[id] = fn
	m.subsMu.Unlock()
	return func() {
		m.subsMu.Lock()
		delete(m.subs, id)
		m.subsMu.Unlock()
	}
}

func (m *Machine) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshotLocked()
}

func (m *Machine) snapshotLocked() Snapshot {
	s := Snapshot{
		State:            m.state,
		IsConnected:      m.state.connected(),
		IsListening:      m.state == Listening,
		IsSpeaking:       m.state == Speaking,
		Err:              m.err,
		ReconnectAttempt: m.attempt,
		SessionID:        m.sessionID,
		VendorStatus:     m.vendorStatus,
		UpdatedAt:        m.updatedAt,
	}
	if m.err != nil {
		s.Error = m.err.Error()
	}
	return s
}

// Connecting records an explicit user start. It clears any previous error.
func (m *Machine) Connecting(sessionID string) error {
	m.mu.Lock()
	if m.state != Disconnected && m.state != Failed {
		m.mu.Unlock()
		return ErrBusy
	}
	m.state = Connecting
	m.err = nil
	m.attempt = 0
	m.micActive = false
	m.sessionID = sessionID
	m.vendorStatus = ""
	m.commitLocked()
	return nil
}

// Opened records that the channel is open, either the first time or after a
// successful reconnect.
func (m *Machine) Opened(sessionID string) {
	m.update(func() bool {
		if m.state != Connecting {
			return false
		}
		m.attempt = 0
		if sessionID != "" {
			m.sessionID = sessionID
		}
		if m.micActive {
			m.state = Listening
		} else {
			m.state = Connected
		}
		return true
	})
}

// Reconnecting records a scheduled reconnect attempt.
func (m *Machine) Reconnecting(attempt int) {
	m.update(func() bool {
		if m.state == Disconnected || m.state == Failed {
			return false
		}
		m.state = Connecting
		m.attempt = attempt
		return true
	})
}

func (m *Machine) MicStarted() {
	m.update(func() bool {
		changed := !m.micActive
		m.micActive = true
		if m.state == Connected {
			m.state = Listening
			return true
		}
		return changed
	})
}

func (m *Machine) MicStopped() {
	m.update(func() bool {
		changed := m.micActive
		m.micActive = false
		if m.state == Listening {
			m.state = Connected
			return true
		}
		return changed
	})
}

// SpeakingStarted suppresses listening while vendor audio plays.
func (m *Machine) SpeakingStarted() {
	m.update(func() bool {
		if m.state != Connected && m.state != Listening {
			return false
		}
		m.state = Speaking
		return true
	})
}

func (m *Machine) SpeakingStopped() {
	m.update(func() bool {
		if m.state != Speaking {
			return false
		}
		if m.micActive {
			m.state = Listening
		} else {
			m.state = Connected
		}
		return true
	})
}

// Fail moves to the terminal failed state and records err for the banner.
func (m *Machine) Fail(err error) {
	m.update(func() bool {
		if m.state == Failed && m.err == err {
			return false
		}
		m.state = Failed
		m.err = err
		m.micActive = false
		return true
	})
}

// Closed moves to disconnected. A recorded error is kept.
func (m *Machine) Closed() {
	m.update(func() bool {
		if m.state == Disconnected {
			return false
		}
		m.state = Disconnected
		m.micActive = false
		m.attempt = 0
		return true
	})
}

func (m *Machine) SetVendorStatus(status string) {
	m.update(func() bool {
		if m.vendorStatus == status {
			return false
		}
		m.vendorStatus = status
		return true
	})
}

func (m *Machine) update(fn func() bool) {
	m.mu.Lock()
	if !fn() {
		m.mu.Unlock()
		return
	}
	m.commitLocked()
}

// commitLocked bumps the version, releases m.mu and notifies subscribers.
func (m *Machine) commitLocked() {
	m.version++
	m.updatedAt = m.now()
	snap := m.snapshotLocked()
	version := m.version
	m.mu.Unlock()
	m.notify(version, snap)
}

// notify delivers snap unless a newer snapshot has already been delivered, so
// subscribers converge on the latest state even under concurrent events.
func (m *Machine) notify(version uint64, snap Snapshot) {
	m.notifyMu.Lock()
	defer m.notifyMu.Unlock()
	if version <= m.delivered {
		return
	}
	m.delivered = version

	m.subsMu.Lock()
	fns := make([]func(Snapshot), 0, len(m.subs))
	for _, fn := range m.subs {
		fns = append(fns, fn)
	}
	m.subsMu.Unlock()

	for _, fn := range fns {
		fn(snap)
	}
}
