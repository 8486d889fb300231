package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/vango-go/voicelink/pkg/live/transcript"
)

func newTranscriptCmd(a *app) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "transcript [session-id]",
		Short: "List archived sessions or print one session's transcript",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			archive, err := a.openArchive(cmd.Context())
			if err != nil {
				return err
			}
			defer archive.Close()

			if len(args) == 0 {
				sessions, err := archive.Sessions(cmd.Context(), limit)
				if err != nil {
					return err
				}
				renderSessions(a.stdout, sessions)
				return nil
			}
			entries, err := archive.List(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if len(entries) == 0 {
				return fmt.Errorf("no transcript for session %s", args[0])
			}
			renderEntries(a.stdout, entries)
			return nil
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "number of sessions to list")
	return cmd
}

func newMigrateCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply transcript archive migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			archive, err := a.openArchive(cmd.Context())
			if err != nil {
				return err
			}
			defer archive.Close()

			applied, err := archive.Migrate(cmd.Context())
			if err != nil {
				return err
			}
			if len(applied) == 0 {
				a.log.Info("archive schema up to date")
				return nil
			}
			for _, p := range applied {
				a.log.Info("migration applied", zap.String("source", p))
			}
			return nil
		},
	}
}

func (a *app) openArchive(ctx context.Context) (*transcript.PGArchive, error) {
	if a.cfg.Database.URL == "" {
		return nil, errors.New("database.url is required (set VOICELINK_DATABASE_URL or DATABASE_URL)")
	}
	return transcript.OpenPGArchive(ctx, a.cfg.Database.URL)
}

func newTable(w io.Writer, header []string) *tablewriter.Table {
	table := tablewriter.NewWriter(w)
	table.SetHeader(header)
	table.SetBorder(false)
	table.SetCenterSeparator("|")
	table.SetColumnSeparator("|")
	table.SetRowSeparator("-")
	table.SetAutoWrapText(false)
	table.SetAutoFormatHeaders(true)
	return table
}

func renderSessions(w io.Writer, sessions []transcript.SessionSummary) {
	table := newTable(w, []string{"Session", "Started", "Duration", "Entries", "End reason"})
	for _, s := range sessions {
		duration := "active"
		if s.EndedAt != nil {
			duration = s.EndedAt.Sub(s.StartedAt).Round(time.Second).String()
		}
		table.Append([]string{
			s.SessionID,
			s.StartedAt.Local().Format(time.DateTime),
			duration,
			strconv.Itoa(s.Entries),
			s.EndReason,
		})
	}
	table.Render()
}

func renderEntries(w io.Writer, entries []transcript.Entry) {
	table := newTable(w, []string{"#", "Time", "Speaker", "Text"})
	for _, e := range entries {
		table.Append([]string{
			strconv.FormatUint(e.ID, 10),
			e.Timestamp.Local().Format(time.TimeOnly),
			string(e.Speaker),
			e.Text,
		})
	}
	table.Render()
}
