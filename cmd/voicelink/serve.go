package main

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/vango-go/voicelink/internal/httpapi"
	"github.com/vango-go/voicelink/pkg/live/conversation"
)

func newServeCmd(a *app) *cobra.Command {
	var (
		prompt string
		mute   bool
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the local control API for a voice conversation",
		Long: "serve exposes start/stop, microphone and prompt controls, the live transcript " +
			"and a WebSocket event feed over HTTP, plus Prometheus metrics at /metrics.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			reg := prometheus.NewRegistry()
			reg.MustRegister(
				collectors.NewGoCollector(),
				collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
			)
			tracker := conversation.NewTracker()

			rt, err := a.newConversation(ctx, conversationOptions{
				Prompt:   prompt,
				Mute:     mute,
				Owner:    "api",
				Registry: reg,
				Tracker:  tracker,
			})
			if err != nil {
				return err
			}
			defer rt.Close()

			srv := httpapi.New(rt.Conv, httpapi.Options{
				Addr:              a.cfg.HTTP.Addr,
				ReadHeaderTimeout: a.cfg.HTTP.ReadHeaderTimeout,
				ShutdownGrace:     a.cfg.HTTP.ShutdownGrace,
				Logger:            a.log.Named("httpapi"),
				Gatherer:          reg,
				Tracker:           tracker,
			})
			a.log.Info("serving control api",
				zap.String("addr", a.cfg.HTTP.Addr),
				zap.String("endpoint", string(a.cfg.Vendor.Endpoint)))
			return srv.Run(ctx)
		},
	}
	cmd.Flags().StringVar(&prompt, "prompt", "", "system prompt for the agent (default: session.prompt)")
	cmd.Flags().BoolVar(&mute, "mute", false, "do not play agent audio")
	cmd.Flags().String("addr", "", "listen address (default: http.addr)")
	bind(a.v, cmd.Flags().Lookup("addr"), "http.addr")
	return cmd
}
