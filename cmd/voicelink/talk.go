package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/vango-go/voicelink/pkg/live/playback"
	"github.com/vango-go/voicelink/pkg/live/state"
	"github.com/vango-go/voicelink/pkg/live/transcript"
)

func newTalkCmd(a *app) *cobra.Command {
	var (
		prompt      string
		mute        bool
		noMic       bool
		listDevices bool
		testTone    bool
	)
	cmd := &cobra.Command{
		Use:   "talk",
		Short: "Start a live voice conversation using the microphone and speaker",
		Long: "talk opens a voice session, streams the microphone and plays the agent's replies. " +
			"Transcript lines are written to stdout; logs go to stderr. Press Ctrl-C to hang up.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			switch {
			case listDevices:
				return a.listDevices(cmd.Context())
			case testTone:
				return a.playTestTone(cmd.Context())
			}
			return a.runTalk(cmd.Context(), prompt, mute, noMic)
		},
	}
	cmd.Flags().StringVar(&prompt, "prompt", "", "system prompt for the agent (default: session.prompt)")
	cmd.Flags().BoolVar(&mute, "mute", false, "do not play agent audio")
	cmd.Flags().BoolVar(&noMic, "no-mic", false, "connect without opening the microphone")
	cmd.Flags().BoolVar(&listDevices, "list-devices", false, "print the capture devices ffmpeg can see and exit")
	cmd.Flags().BoolVar(&testTone, "test-tone", false, "play a one second 440Hz tone and exit")
	cmd.Flags().String("voice", "", "vendor voice name")
	bind(a.v, cmd.Flags().Lookup("voice"), "session.voice")
	return cmd
}

func (a *app) runTalk(ctx context.Context, prompt string, mute, noMic bool) error {
	rt, err := a.newConversation(ctx, conversationOptions{Prompt: prompt, Mute: mute, Owner: "talk"})
	if err != nil {
		return err
	}
	defer rt.Close()
	conv := rt.Conv

	out := &lineWriter{w: a.stdout}
	unsubEntries := conv.Transcript().Subscribe(func(e transcript.Entry) {
		out.printEntry(e)
	})
	defer unsubEntries()

	ended := make(chan state.Snapshot, 1)
	unsubState := conv.State().OnChange(func(s state.Snapshot) {
		a.log.Debug("state changed", zap.String("state", string(s.State)), zap.Int("attempt", s.ReconnectAttempt))
		if s.State == state.Failed || s.State == state.Disconnected {
			select {
			case ended <- s:
			default:
			}
		}
	})
	defer unsubState()

	if err := conv.Start(ctx); err != nil {
		return err
	}
	if !noMic {
		if err := conv.StartListening(ctx); err != nil {
			return err
		}
	}

	select {
	case <-ctx.Done():
		a.log.Info("hanging up")
		return conv.Stop()
	case s := <-ended:
		if s.State == state.Failed {
			if s.Err != nil {
				return s.Err
			}
			return errors.New(s.Error)
		}
		return nil
	}
}

func (a *app) listDevices(ctx context.Context) error {
	out, err := newDevice(a.cfg, a.log).ListDevices(ctx)
	if err != nil {
		return fmt.Errorf("list capture devices: %w", err)
	}
	_, err = io.WriteString(a.stdout, out)
	return err
}

func (a *app) playTestTone(ctx context.Context) error {
	sp := newSpeaker(a.cfg, a.log, false)
	defer sp.Close()
	tone := playback.SineTone(440, a.cfg.Audio.OutputSampleRate, time.Second, 0.2)
	a.log.Info("playing test tone", zap.Duration("duration", playback.Duration(tone)))
	return sp.Play(ctx, tone)
}

// lineWriter serializes transcript output.
type lineWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (l *lineWriter) printEntry(e transcript.Entry) {
	l.mu.Lock()
	defer l.mu.Unlock()
	ts := e.Timestamp.Local().Format(time.TimeOnly)
	switch e.Speaker {
	case transcript.SpeakerSystem:
		fmt.Fprintf(l.w, "%s  -- %s --\n", ts, e.Text)
	default:
		fmt.Fprintf(l.w, "%s  %-9s %s\n", ts, e.Speaker+":", e.Text)
	}
}
