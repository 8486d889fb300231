package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/vango-go/voicelink/pkg/bland"
	"github.com/vango-go/voicelink/pkg/live/transcript"
)

func newChatCmd(a *app) *cobra.Command {
	var (
		pathwayID string
		name      string
	)
	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Text chat with a conversational pathway",
		Long: "chat opens a text session against a pathway and reads one user turn per line from stdin. " +
			"Without --pathway a new empty pathway is created first.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.runChat(cmd.Context(), pathwayID, name)
		},
	}
	cmd.Flags().StringVar(&pathwayID, "pathway", "", "existing pathway id")
	cmd.Flags().StringVar(&name, "name", "voicelink chat", "name for a newly created pathway")
	return cmd
}

func (a *app) runChat(ctx context.Context, pathwayID, name string) error {
	client, err := newVendorClient(a.cfg, a.log, nil)
	if err != nil {
		return err
	}
	if pathwayID == "" {
		p, err := client.CreatePathway(ctx, name)
		if err != nil {
			return err
		}
		pathwayID = p.ID
		a.log.Info("created pathway", zap.String("pathway_id", pathwayID))
	}
	chat, err := client.CreateChat(ctx, pathwayID)
	if err != nil {
		return err
	}

	store := transcript.NewStore()
	out := &lineWriter{w: a.stdout}
	store.Subscribe(out.printEntry)
	store.Append(transcript.SpeakerSystem, "Chat "+chat.ID+" ready. Empty line or Ctrl-D to quit.")

	lines := make(chan string)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(a.stdin)
		for sc.Scan() {
			select {
			case lines <- sc.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		fmt.Fprint(a.stderr, "> ")
		var line string
		var ok bool
		select {
		case <-ctx.Done():
			return nil
		case line, ok = <-lines:
		}
		line = strings.TrimSpace(line)
		if !ok || line == "" {
			return nil
		}
		store.Append(transcript.SpeakerUser, line)
		reply, err := client.SendChat(ctx, chat.ID, line)
		if err != nil {
			if errors.Is(err, bland.ErrTransient) {
				a.log.Warn("chat turn failed; try again", zap.Error(err))
				continue
			}
			return err
		}
		for _, r := range reply.Responses {
			store.Append(transcript.SpeakerAssistant, r)
		}
	}
}
