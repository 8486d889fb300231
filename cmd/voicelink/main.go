package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/vango-go/voicelink/internal/dotenv"
	"github.com/vango-go/voicelink/internal/logging"
	"github.com/vango-go/voicelink/pkg/config"
)

func main() {
	os.Exit(runMain())
}

func runMain() int {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a := &app{stdout: os.Stdout, stderr: os.Stderr, stdin: os.Stdin}
	root := newRootCmd(a)
	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "voicelink: %v\n", err)
		return 1
	}
	return 0
}

// app is the per-process state shared by subcommands. It is built by the
// root command's PersistentPreRunE.
type app struct {
	v   *viper.Viper
	cfg config.Config
	log *zap.Logger

	configFile string
	envSearch  int

	stdout io.Writer
	stderr io.Writer
	stdin  io.Reader
}

func newRootCmd(a *app) *cobra.Command {
	a.v = config.New()

	root := &cobra.Command{
		Use:           "voicelink",
		Short:         "Talk to a hosted voice agent from the terminal",
		Long:          "voicelink streams microphone audio to a hosted voice agent, plays the agent's audio back and keeps a live transcript.",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.init()
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if a.log != nil {
				_ = a.log.Sync()
			}
		},
	}

	pf := root.PersistentFlags()
	pf.StringVar(&a.configFile, "config", "", "config file (default: ./voicelink.yaml or ~/.config/voicelink/voicelink.yaml)")
	pf.IntVar(&a.envSearch, "env-search", 4, "parent directories to search for a .env file")
	pf.String("api-key", "", "vendor API key")
	pf.String("base-url", "", "vendor REST base URL")
	pf.String("endpoint", "", "how the voice socket is obtained: static|web_call|agent")
	pf.String("ws-url", "", "voice socket URL for static and agent modes")
	pf.String("log-level", "", "log level: debug|info|warn|error")
	pf.String("log-format", "", "log format: json|console")
	pf.String("database-url", "", "Postgres URL for the transcript archive")

	bind(a.v, pf.Lookup("api-key"), "vendor.api_key")
	bind(a.v, pf.Lookup("base-url"), "vendor.base_url")
	bind(a.v, pf.Lookup("endpoint"), "vendor.endpoint")
	bind(a.v, pf.Lookup("ws-url"), "vendor.ws_url")
	bind(a.v, pf.Lookup("log-level"), "log.level")
	bind(a.v, pf.Lookup("log-format"), "log.format")
	bind(a.v, pf.Lookup("database-url"), "database.url")

	root.AddCommand(
		newTalkCmd(a),
		newServeCmd(a),
		newChatCmd(a),
		newSpeakCmd(a),
		newCallCmd(a),
		newTranscriptCmd(a),
		newMigrateCmd(a),
	)
	return root
}

func (a *app) init() error {
	if wd, err := os.Getwd(); err == nil {
		if _, err := dotenv.LoadFromAncestors(wd, a.envSearch); err != nil {
			return err
		}
	}
	if err := config.ReadFile(a.v, a.configFile); err != nil {
		return err
	}
	cfg, err := config.Load(a.v)
	if err != nil {
		return err
	}
	log, err := logging.NewWithWriter(cfg.Log.Level, cfg.Log.Format, a.stderr)
	if err != nil {
		return err
	}
	a.cfg = cfg
	a.log = log
	if used := a.v.ConfigFileUsed(); used != "" {
		log.Debug("config file loaded", zap.String("path", used))
	}
	return nil
}
