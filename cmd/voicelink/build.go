package main

import (
	"context"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/vango-go/voicelink/pkg/bland"
	"github.com/vango-go/voicelink/pkg/config"
	"github.com/vango-go/voicelink/pkg/live/capture"
	"github.com/vango-go/voicelink/pkg/live/conversation"
	"github.com/vango-go/voicelink/pkg/live/metrics"
	"github.com/vango-go/voicelink/pkg/live/playback"
	"github.com/vango-go/voicelink/pkg/live/transcript"
	"github.com/vango-go/voicelink/pkg/live/transport"
)

func newVendorClient(cfg config.Config, log *zap.Logger, m *metrics.Metrics) (*bland.Client, error) {
	if err := cfg.RequireAPIKey(); err != nil {
		return nil, err
	}
	return bland.New(cfg.Vendor.APIKey,
		bland.WithBaseURL(cfg.Vendor.BaseURL),
		bland.WithChatBaseURL(cfg.Vendor.ChatBaseURL),
		bland.WithLogger(log.Named("bland")),
		bland.WithMetrics(m),
	)
}

func newResolver(cfg config.Config, client *bland.Client, prompt string) (conversation.EndpointResolver, error) {
	switch cfg.Vendor.Endpoint {
	case config.EndpointStatic:
		return conversation.StaticEndpoint{URL: cfg.Vendor.WSURL, APIKey: cfg.Vendor.APIKey}, nil
	case config.EndpointWebCall:
		if client == nil {
			return nil, fmt.Errorf("web_call endpoint needs a vendor client")
		}
		return &conversation.WebCallResolver{
			Client: client,
			Request: bland.CallRequest{
				Task:        prompt,
				AgentID:     cfg.Vendor.AgentID,
				Voice:       cfg.Session.Voice,
				MaxDuration: cfg.Session.MaxDuration,
			},
		}, nil
	case config.EndpointAgent:
		if client == nil {
			return nil, fmt.Errorf("agent endpoint needs a vendor client")
		}
		return &conversation.AgentResolver{
			Client:  client,
			AgentID: cfg.Vendor.AgentID,
			Agent: bland.AgentConfig{
				Prompt:      prompt,
				Voice:       cfg.Session.Voice,
				MaxDuration: cfg.Session.MaxDuration,
			},
			SocketURL: cfg.Vendor.WSURL,
		}, nil
	default:
		return nil, fmt.Errorf("unknown vendor endpoint %q", cfg.Vendor.Endpoint)
	}
}

func newDevice(cfg config.Config, log *zap.Logger) *capture.FFmpegDevice {
	format, device := cfg.Audio.InputFormat, cfg.Audio.InputDevice
	if format == "" || device == "" {
		defFormat, defDevice := capture.DefaultInput()
		if format == "" {
			format = defFormat
		}
		if device == "" {
			device = defDevice
		}
	}
	return &capture.FFmpegDevice{
		Path:        cfg.Audio.FFmpeg,
		InputFormat: format,
		InputDevice: device,
		Command:     cfg.Audio.CaptureCommand,
		OpenTimeout: cfg.Audio.OpenTimeout,
		Logger:      log.Named("ffmpeg"),
	}
}

func newDecoder(cfg config.Config) (playback.Decoder, error) {
	pcm := playback.PCMDecoder{Format: cfg.OutputFormat()}
	switch cfg.Audio.OutputCodec {
	case "pcm":
		return pcm, nil
	case "wav":
		return playback.WAVDecoder{}, nil
	case "opus":
		if !playback.OpusAvailable {
			return nil, fmt.Errorf("audio.output_codec opus: %w", playback.ErrOpusUnavailable)
		}
		dec, err := playback.NewOpusDecoder(cfg.Audio.OutputSampleRate, cfg.Audio.OutputChannels)
		if err != nil {
			return nil, err
		}
		return dec, nil
	default:
		return playback.AutoDecoder{PCM: pcm}, nil
	}
}

func newSpeaker(cfg config.Config, log *zap.Logger, mute bool) playback.Speaker {
	if mute || cfg.Audio.Mute {
		return playback.NullSpeaker{Realtime: true}
	}
	return &playback.FFPlaySpeaker{
		Path:   cfg.Audio.FFplay,
		Volume: cfg.Audio.Volume,
		Logger: log.Named("ffplay"),
	}
}

func transportConfig(cfg config.Config) transport.Config {
	return transport.Config{
		AudioTransport:  cfg.Transport.AudioTransport,
		ConnectTimeout:  cfg.Transport.ConnectTimeout,
		WriteTimeout:    cfg.Transport.WriteTimeout,
		PingInterval:    cfg.Transport.PingInterval,
		ReadTimeout:     cfg.Transport.ReadTimeout,
		MaxMessageBytes: cfg.Transport.MaxMessageBytes,
		AudioQueueSize:  cfg.Transport.AudioQueueSize,
		Reconnect: transport.ReconnectPolicy{
			MaxAttempts:   cfg.Reconnect.MaxAttempts,
			BaseDelay:     cfg.Reconnect.BaseDelay,
			MaxDelay:      cfg.Reconnect.MaxDelay,
			JitterPercent: cfg.Reconnect.JitterPercent,
		},
	}
}

type conversationOptions struct {
	Prompt   string
	Mute     bool
	Owner    string
	Registry prometheus.Registerer
	Tracker  *conversation.Tracker
}

// liveConv bundles a conversation with the resources it borrowed so callers
// release them in one place.
type liveConv struct {
	Conv    *conversation.Conversation
	Metrics *metrics.Metrics
	archive *transcript.PGArchive
}

func (r *liveConv) Close() error {
	err := r.Conv.Close()
	r.archive.Close()
	return err
}

func (a *app) newConversation(ctx context.Context, opts conversationOptions) (*liveConv, error) {
	cfg := a.cfg
	prompt := opts.Prompt
	if prompt == "" {
		prompt = cfg.Session.Prompt
	}

	m := metrics.New(opts.Registry)

	var client *bland.Client
	if cfg.Vendor.Endpoint != config.EndpointStatic {
		c, err := newVendorClient(cfg, a.log, m)
		if err != nil {
			return nil, err
		}
		client = c
	}
	resolver, err := newResolver(cfg, client, prompt)
	if err != nil {
		return nil, err
	}
	decoder, err := newDecoder(cfg)
	if err != nil {
		return nil, err
	}

	deps := conversation.Deps{
		Resolver: resolver,
		Device:   newDevice(cfg, a.log),
		Decoder:  decoder,
		Speaker:  newSpeaker(cfg, a.log, opts.Mute),
		Tracker:  opts.Tracker,
		Metrics:  m,
		Logger:   a.log.Named("conversation"),
	}

	var archive *transcript.PGArchive
	if cfg.Database.URL != "" {
		archive, err = transcript.OpenPGArchive(ctx, cfg.Database.URL)
		if err != nil {
			return nil, err
		}
		deps.Archive = archive
	}

	conv, err := conversation.New(conversation.Config{
		Transport: transportConfig(cfg),
		Capture: capture.Constraints{
			Format:        cfg.CaptureFormat(),
			ChunkInterval: cfg.Audio.ChunkInterval,
		},
		Owner: opts.Owner,
	}, deps)
	if err != nil {
		archive.Close()
		return nil, err
	}
	return &liveConv{Conv: conv, Metrics: m, archive: archive}, nil
}
