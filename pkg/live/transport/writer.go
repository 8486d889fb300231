package transport

import (
	"context"
	"time"

	"github.com/gorilla/websocket"
)

type wsWriter interface {
	SetWriteDeadline(t time.Time) error
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	Close() error
}

type outboundFrame struct {
	text   []byte
	binary []byte
}

// outboundWriter is the only goroutine that writes to a channel's socket.
// Control frames go on the priority lane and preempt queued audio.
type outboundWriter struct {
	ws           wsWriter
	ctx          context.Context
	pingInterval time.Duration
	writeTimeout time.Duration
	priority     <-chan outboundFrame
	normal       <-chan outboundFrame
	onWrite      func(outboundFrame)
}

func (w *outboundWriter) Run() error {
	if w == nil || w.ws == nil {
		return nil
	}

	pingInterval := w.pingInterval
	if pingInterval <= 0 {
		pingInterval = 20 * time.Second
	}
	writeTimeout := w.writeTimeout
	if writeTimeout <= 0 {
		writeTimeout = 5 * time.Second
	}

	pingTicker := time.NewTicker(pingInterval)
	defer pingTicker.Stop()

	var pendingNormal *outboundFrame

	for {
		select {
		case <-w.ctx.Done():
			w.flushPriorityOnShutdown(writeTimeout)
			_ = w.ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeTimeout))
			_ = w.ws.Close()
			return nil
		default:
		}

		// Hard priority: anything queued on the priority lane goes first.
		select {
		case frame, ok := <-w.priority:
			if !ok {
				w.priority = nil
				continue
			}
			if err := w.writeFrame(frame, writeTimeout); err != nil {
				return err
			}
			continue
		default:
		}

		if pendingNormal != nil {
			if err := w.writeFrame(*pendingNormal, writeTimeout); err != nil {
				return err
			}
			pendingNormal = nil
			continue
		}

		if w.priority == nil && w.normal == nil {
			return nil
		}

		select {
		case <-w.ctx.Done():
			continue
		case <-pingTicker.C:
			deadline := time.Now().Add(writeTimeout)
			if err := w.ws.WriteControl(websocket.PingMessage, []byte("ping"), deadline); err != nil {
				return err
			}
		case frame, ok := <-w.priority:
			if !ok {
				w.priority = nil
				continue
			}
			if err := w.writeFrame(frame, writeTimeout); err != nil {
				return err
			}
		case frame, ok := <-w.normal:
			if !ok {
				w.normal = nil
				continue
			}
			pendingNormal = &frame
		}
	}
}

// flushPriorityOnShutdown gives queued control frames a brief chance to go out
// before the close frame. Queued audio is discarded.
func (w *outboundWriter) flushPriorityOnShutdown(writeTimeout time.Duration) {
	if w.priority == nil {
		return
	}

	flushTimeout := 100 * time.Millisecond
	if writeTimeout > 0 && writeTimeout < flushTimeout {
		flushTimeout = writeTimeout
	}
	deadline := time.Now().Add(flushTimeout)
	maxFlushFrames := 8

	for i := 0; i < maxFlushFrames && time.Now().Before(deadline); i++ {
		select {
		case frame, ok := <-w.priority:
			if !ok {
				return
			}
			_ = w.writeFrame(frame, writeTimeout)
		default:
			return
		}
	}
}

func (w *outboundWriter) writeFrame(frame outboundFrame, writeTimeout time.Duration) error {
	deadline := time.Now().Add(writeTimeout)

	var err error
	switch {
	case len(frame.text) > 0:
		if err = w.ws.SetWriteDeadline(deadline); err != nil {
			return err
		}
		err = w.ws.WriteMessage(websocket.TextMessage, frame.text)
	case len(frame.binary) > 0:
		if err = w.ws.SetWriteDeadline(deadline); err != nil {
			return err
		}
		err = w.ws.WriteMessage(websocket.BinaryMessage, frame.binary)
	default:
		return nil
	}
	if err == nil && w.onWrite != nil {
		w.onWrite(frame)
	}
	return err
}
