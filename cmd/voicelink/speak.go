package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/vango-go/voicelink/pkg/bland"
	"github.com/vango-go/voicelink/pkg/live/playback"
	"github.com/vango-go/voicelink/pkg/live/protocol"
)

func newSpeakCmd(a *app) *cobra.Command {
	var (
		voice  string
		format string
		out    string
		play   bool
	)
	cmd := &cobra.Command{
		Use:   "speak [text]",
		Short: "Synthesize speech with a vendor voice",
		Long: "speak renders text with the vendor's text-to-speech endpoint. pcm_<rate> output is " +
			"wrapped in a WAV header; other formats are written as returned.",
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			client, err := newVendorClient(a.cfg, a.log, nil)
			if err != nil {
				return err
			}
			audio, err := client.Speak(ctx, bland.SpeakRequest{
				Voice:        voice,
				Text:         strings.Join(args, " "),
				OutputFormat: format,
			})
			if err != nil {
				return err
			}

			rate, isPCM := bland.SpeakSampleRate(format)
			pcm := playback.PCM{
				Format: protocol.AudioFormat{Encoding: protocol.EncodingPCM16LE, SampleRateHz: rate, Channels: 1},
				Data:   audio,
			}
			if play {
				if !isPCM {
					return fmt.Errorf("--play needs a pcm_<rate> format, got %q", format)
				}
				sp := newSpeaker(a.cfg, a.log, false)
				defer sp.Close()
				if err := sp.Play(ctx, pcm); err != nil {
					return err
				}
			}
			if out == "" {
				return nil
			}

			data := audio
			if isPCM {
				data = playback.EncodeWAV(pcm)
			}
			if err := os.WriteFile(out, data, 0o644); err != nil {
				return fmt.Errorf("write %s: %w", out, err)
			}
			a.log.Info("speech written",
				zap.String("path", out),
				zap.Int("bytes", len(data)),
				zap.Duration("duration", playback.Duration(pcm)))
			return nil
		},
	}
	cmd.Flags().StringVar(&voice, "voice", bland.DefaultSpeakVoice, "vendor voice name")
	cmd.Flags().StringVar(&format, "format", bland.DefaultSpeakFormat, "vendor output format")
	cmd.Flags().StringVarP(&out, "out", "o", "speech.wav", "output file; empty to skip writing")
	cmd.Flags().BoolVar(&play, "play", false, "play the audio through the speaker")
	return cmd
}
