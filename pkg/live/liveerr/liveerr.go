// Package liveerr defines the error kinds a live voice session can surface and
// the policy attached to each: fatal kinds halt the session and raise the
// error banner, the rest are logged (or silently counted) while the session
// keeps running.
package liveerr

import (
	"errors"
	"strings"
)

var (
	// ErrPermissionDenied is returned when the microphone cannot be opened.
	ErrPermissionDenied = errors.New("permission denied")
	// ErrConnection is returned when the vendor channel fails to open, drops
	// fatally, or reconnect attempts are exhausted.
	ErrConnection = errors.New("connection error")
	// ErrProtocol marks an inbound frame that could not be understood.
	ErrProtocol = errors.New("protocol error")
	// ErrPlayback marks an audio segment that could not be decoded or played.
	ErrPlayback = errors.New("playback error")
	// ErrSend marks an outbound frame that was dropped.
	ErrSend = errors.New("send error")
)

// Error carries a kind sentinel together with the failing operation and its
// underlying cause. errors.Is matches both the kind and the cause.
type Error struct {
	Kind error
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	var b strings.Builder
	if e.Op != "" {
		b.WriteString(e.Op)
		b.WriteString(": ")
	}
	if e.Kind != nil {
		b.WriteString(e.Kind.Error())
	}
	if e.Err != nil {
		if e.Kind != nil {
			b.WriteString(": ")
		}
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() []error {
	if e == nil {
		return nil
	}
	out := make([]error, 0, 2)
	if e.Kind != nil {
		out = append(out, e.Kind)
	}
	if e.Err != nil {
		out = append(out, e.Err)
	}
	return out
}

// New wraps err with the given kind. A nil err still yields a non-nil *Error.
func New(kind error, op string, err error) error {
	return &Error{Kind: kind, Op: op, Err: err}
}

func PermissionDenied(op string, err error) error { return New(ErrPermissionDenied, op, err) }
func Connection(op string, err error) error       { return New(ErrConnection, op, err) }
func Protocol(op string, err error) error         { return New(ErrProtocol, op, err) }
func Playback(op string, err error) error         { return New(ErrPlayback, op, err) }
func Send(op string, err error) error             { return New(ErrSend, op, err) }

// IsFatal reports whether err should halt the session and surface an error
// banner to the user.
func IsFatal(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, ErrPermissionDenied) || errors.Is(err, ErrConnection)
}

// KindOf returns the sentinel kind of err, or nil when err carries none.
func KindOf(err error) error {
	for _, k := range []error{ErrPermissionDenied, ErrConnection, ErrProtocol, ErrPlayback, ErrSend} {
		if errors.Is(err, k) {
			return k
		}
	}
	return nil
}

// Label is a short stable name for metrics and logs.
func Label(err error) string {
	switch KindOf(err) {
	case ErrPermissionDenied:
		return "permission_denied"
	case ErrConnection:
		return "connection"
	case ErrProtocol:
		return "protocol"
	case ErrPlayback:
		return "playback"
	case ErrSend:
		return "send"
	default:
		return "other"
	}
}
