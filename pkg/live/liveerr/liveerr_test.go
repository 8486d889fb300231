package liveerr

import (
	"errors"
	"fmt"
	"io"
	"testing"
)

func TestErrorMatchesKindAndCause(t *testing.T) {
	t.Parallel()

	err := Connection("dial", io.ErrUnexpectedEOF)
	if !errors.Is(err, ErrConnection) {
		t.Fatalf("errors.Is(err, ErrConnection) = false, want true")
	}
	if !errors.Is(err, io.ErrUnexpectedEOF) {
		t.Fatalf("errors.Is(err, io.ErrUnexpectedEOF) = false, want true")
	}
	if errors.Is(err, ErrProtocol) {
		t.Fatalf("errors.Is(err, ErrProtocol) = true, want false")
	}
	if got, want := err.Error(), "dial: connection error: unexpected EOF"; got != want {
		t.Fatalf("Error() = %q, want %q", got, want)
	}
}

func TestIsFatal(t *testing.T) {
	t.Parallel()

	cases := []struct {
		err  error
		want bool
	}{
		{nil, false},
		{PermissionDenied("mic", nil), true},
		{Connection("open", errors.New("refused")), true},
		{fmt.Errorf("wrapped: %w", Connection("open", nil)), true},
		{Protocol("decode", errors.New("bad json")), false},
		{Playback("decode", errors.New("bad wav")), false},
		{Send("audio", errors.New("full")), false},
		{errors.New("plain"), false},
	}
	for i, tc := range cases {
		if got := IsFatal(tc.err); got != tc.want {
			t.Fatalf("case %d: IsFatal(%v) = %v, want %v", i, tc.err, got, tc.want)
		}
	}
}

func TestLabel(t *testing.T) {
	t.Parallel()

	if got := Label(Send("audio", nil)); got != "send" {
		t.Fatalf("Label = %q, want send", got)
	}
	if got := Label(errors.New("x")); got != "other" {
		t.Fatalf("Label = %q, want other", got)
	}
}
