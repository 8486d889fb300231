package httpapi

import (
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/vango-go/voicelink/pkg/live/state"
	"github.com/vango-go/voicelink/pkg/live/transcript"
)

const (
	eventsWriteTimeout = 5 * time.Second
	eventsPingInterval = 20 * time.Second
)

type event struct {
	Type  string            `json:"type"`
	State *state.Snapshot   `json:"state,omitempty"`
	Entry *transcript.Entry `json:"entry,omitempty"`
}

// handleEvents upgrades to a WebSocket and pushes a "state" event for every
// snapshot change, a "transcript" event for every appended entry and a
// "transcript_cleared" event when the transcript is cleared. The
// current snapshot and transcript are sent first. A client that falls
// EventBuffer events behind is disconnected.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Debug("events upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	out := make(chan event, s.opts.EventBuffer)
	slow := make(chan struct{})
	var slowOnce sync.Once
	push := func(ev event) {
		select {
		case out <- ev:
		default:
			slowOnce.Do(func() { close(slow) })
		}
	}

	unsubState := s.conv.State().OnChange(func(snap state.Snapshot) {
		push(event{Type: "state", State: &snap})
	})
	defer unsubState()
	unsubEntries := s.conv.Transcript().Subscribe(func(e transcript.Entry) {
		push(event{Type: "transcript", Entry: &e})
	})
	defer unsubEntries()
	unsubClear := s.conv.Transcript().OnClear(func() {
		push(event{Type: "transcript_cleared"})
	})
	defer unsubClear()

	snap := s.conv.Snapshot()
	if err := writeEvent(conn, event{Type: "state", State: &snap}); err != nil {
		return
	}
	var lastID uint64
	for _, e := range s.conv.Transcript().All() {
		e := e
		if err := writeEvent(conn, event{Type: "transcript", Entry: &e}); err != nil {
			return
		}
		lastID = e.ID
	}

	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(eventsPingInterval)
	defer ping.Stop()
	for {
		select {
		case ev := <-out:
			if ev.Entry != nil && ev.Entry.ID <= lastID {
				continue
			}
			if err := writeEvent(conn, ev); err != nil {
				return
			}
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(eventsWriteTimeout)); err != nil {
				return
			}
		case <-slow:
			s.log.Warn("events client too slow; disconnecting", zap.String("remote", r.RemoteAddr))
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseTryAgainLater, "too slow"),
				time.Now().Add(eventsWriteTimeout))
			return
		case <-closed:
			return
		case <-r.Context().Done():
			return
		}
	}
}

func writeEvent(conn *websocket.Conn, ev event) error {
	_ = conn.SetWriteDeadline(time.Now().Add(eventsWriteTimeout))
	return conn.WriteJSON(ev)
}

// sameHostOrigin accepts requests without an Origin header (CLI clients) and
// browser requests whose Origin host matches the request host.
func sameHostOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	return strings.EqualFold(u.Host, r.Host)
}
