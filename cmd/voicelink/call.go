package main

import (
	"context"
	"errors"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/vango-go/voicelink/pkg/bland"
	"github.com/vango-go/voicelink/pkg/live/transcript"
)

func newCallCmd(a *app) *cobra.Command {
	var (
		task      string
		pathwayID string
		interval  time.Duration
		record    bool
	)
	cmd := &cobra.Command{
		Use:   "call <phone-number>",
		Short: "Place a phone call and follow its transcript",
		Long: "call asks the vendor to dial a phone number with the given task, then polls the call " +
			"and prints new transcript lines until it ends. Ctrl-C hangs up.",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			client, err := newVendorClient(a.cfg, a.log, nil)
			if err != nil {
				return err
			}
			if task == "" && pathwayID == "" {
				task = a.cfg.Session.Prompt
			}
			call, err := client.StartCall(ctx, bland.CallRequest{
				PhoneNumber:     args[0],
				Task:            task,
				PathwayID:       pathwayID,
				AgentID:         a.cfg.Vendor.AgentID,
				Voice:           a.cfg.Session.Voice,
				MaxDuration:     a.cfg.Session.MaxDuration,
				WaitForGreeting: true,
				Record:          record,
			})
			if err != nil {
				return err
			}
			a.log.Info("call started", zap.String("call_id", call.ID), zap.String("status", call.Status))

			store := transcript.NewStore()
			out := &lineWriter{w: a.stdout}
			store.Subscribe(out.printEntry)

			err = client.MonitorCall(ctx, call.ID, interval, func(ev bland.CallEvent) {
				if ev.Line == nil {
					store.Append(transcript.SpeakerSystem, "status: "+ev.Status)
					return
				}
				speaker := transcript.SpeakerAssistant
				if ev.Line.IsUser() {
					speaker = transcript.SpeakerUser
				}
				store.Append(speaker, ev.Line.Text)
			})
			if errors.Is(err, context.Canceled) {
				stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				if serr := client.StopCall(stopCtx, call.ID); serr != nil {
					a.log.Warn("stop call failed", zap.String("call_id", call.ID), zap.Error(serr))
				}
				return nil
			}
			return err
		},
	}
	cmd.Flags().StringVar(&task, "task", "", "instructions for the agent (default: session.prompt)")
	cmd.Flags().StringVar(&pathwayID, "pathway", "", "pathway id to run instead of a task")
	cmd.Flags().DurationVar(&interval, "interval", 2*time.Second, "transcript poll interval")
	cmd.Flags().BoolVar(&record, "record", false, "ask the vendor to record the call")
	return cmd
}
