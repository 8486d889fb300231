package state

import (
	"errors"
	"sync"
	"testing"
)

func TestLifecycle(t *testing.T) {
	m := New()
	if got := m.Snapshot().State; got != Disconnected {
		t.Fatalf("initial state = %q, want %q", got, Disconnected)
	}
	if err := m.Connecting("s1"); err != nil {
		t.Fatalf("Connecting error: %v", err)
	}
	if err := m.Connecting("s2"); !errors.Is(err, ErrBusy) {
		t.Fatalf("second Connecting err = %v, want ErrBusy", err)
	}
	m.Opened("")
	snap := m.Snapshot()
	if snap.State != Connected || !snap.IsConnected || snap.SessionID != "s1" {
		t.Fatalf("after open = %+v", snap)
	}

	m.MicStarted()
	if got := m.Snapshot().State; got != Listening {
		t.Fatalf("after mic start = %q, want listening", got)
	}

	m.SpeakingStarted()
	snap = m.Snapshot()
	if snap.State != Speaking || snap.IsListening || !snap.IsSpeaking {
		t.Fatalf("while speaking = %+v", snap)
	}

	m.SpeakingStopped()
	if got := m.Snapshot().State; got != Listening {
		t.Fatalf("after speaking = %q, want listening (mic still active)", got)
	}

	m.MicStopped()
	m.SpeakingStarted()
	m.SpeakingStopped()
	if got := m.Snapshot().State; got != Connected {
		t.Fatalf("after speaking without mic = %q, want connected", got)
	}

	m.Closed()
	snap = m.Snapshot()
	if snap.State != Disconnected || snap.IsConnected {
		t.Fatalf("after close = %+v", snap)
	}
}

func TestMicStoppedWhileSpeakingReturnsToConnected(t *testing.T) {
	m := New()
	_ = m.Connecting("s")
	m.Opened("s")
	m.MicStarted()
	m.SpeakingStarted()
	m.MicStopped()
	if got := m.Snapshot().State; got != Speaking {
		t.Fatalf("state = %q, want speaking", got)
	}
	m.SpeakingStopped()
	if got := m.Snapshot().State; got != Connected {
		t.Fatalf("state = %q, want connected", got)
	}
}

func TestSpeakingIgnoredWhenNotConnected(t *testing.T) {
	m := New()
	m.SpeakingStarted()
	if got := m.Snapshot().State; got != Disconnected {
		t.Fatalf("state = %q, want disconnected", got)
	}
}

func TestReconnectPreservesMicIntent(t *testing.T) {
	m := New()
	_ = m.Connecting("s")
	m.Opened("s")
	m.MicStarted()
	m.Reconnecting(1)
	snap := m.Snapshot()
	if snap.State != Connecting || snap.ReconnectAttempt != 1 || snap.IsConnected {
		t.Fatalf("reconnecting = %+v", snap)
	}
	m.Opened("s")
	snap = m.Snapshot()
	if snap.State != Listening || snap.ReconnectAttempt != 0 {
		t.Fatalf("after reconnect = %+v", snap)
	}
}

func TestErrorPersistsUntilExplicitRestart(t *testing.T) {
	m := New()
	_ = m.Connecting("s")
	boom := errors.New("gave up")
	m.Fail(boom)
	if snap := m.Snapshot(); snap.State != Failed || snap.Err != boom || snap.Error != "gave up" {
		t.Fatalf("after fail = %+v", snap)
	}
	m.Closed()
	if snap := m.Snapshot(); snap.State != Disconnected || snap.Err != boom {
		t.Fatalf("after close = %+v, want error kept", snap)
	}
	if err := m.Connecting("s2"); err != nil {
		t.Fatalf("restart: %v", err)
	}
	if snap := m.Snapshot(); snap.Err != nil || snap.Error != "" {
		t.Fatalf("after restart = %+v, want error cleared", snap)
	}
}

func TestConnectingAllowedFromFailed(t *testing.T) {
	m := New()
	_ = m.Connecting("s")
	m.Fail(errors.New("x"))
	if err := m.Connecting("s2"); err != nil {
		t.Fatalf("Connecting from failed: %v", err)
	}
}

func TestSubscribersNeverSeeListeningAndSpeaking(t *testing.T) {
	m := New()
	var (
		mu   sync.Mutex
		last Snapshot
		bad  int
	)
	unsub := m.OnChange(func(s Snapshot) {
		mu.Lock()
		defer mu.Unlock()
		if s.IsListening && s.IsSpeaking {
			bad++
		}
		last = s
	})
	defer unsub()

	_ = m.Connecting("s")
	m.Opened("s")
	m.MicStarted()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(2)
		go func() { defer wg.Done(); m.SpeakingStarted() }()
		go func() { defer wg.Done(); m.SpeakingStopped() }()
	}
	wg.Wait()
	m.SpeakingStopped()

	mu.Lock()
	defer mu.Unlock()
	if bad != 0 {
		t.Fatalf("observed listening && speaking %d times", bad)
	}
	if last.State != Listening {
		t.Fatalf("last delivered state = %q, want listening", last.State)
	}
}

func TestUnsubscribe(t *testing.T) {
	m := New()
	calls := 0
	unsub := m.OnChange(func(Snapshot) { calls++ })
	_ = m.Connecting("s")
	unsub()
	m.Opened("s")
	if calls != 1 {
		t.Fatalf("calls = %d, want 1", calls)
	}
}
