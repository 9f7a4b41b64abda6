// Package cli wires the pipeline into runnable commands: one worker
// command per stage, the on-demand ingest command, and the supervisor.
// Each command loads the typed configuration, builds the drivers it
// needs, and runs until SIGINT or SIGTERM, at which point the in-flight
// message is drained and the process exits 0. Startup failures exit 1.
package cli

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"copilot.mailarchive.org/common"
	"copilot.mailarchive.org/config"
)

var (
	cfgFile  string
	logLevel string

	cfg *config.Config
)

var rootCmd = &cobra.Command{
	Use:   "copilot",
	Short: "Mailing-list archive summarization pipeline",
	Long: `copilot runs the event-driven pipeline that turns mailing-list
archives into thread summaries: ingest, parse, chunk, embed, orchestrate,
summarize and report, plus the retry supervisor that recovers stalled and
failed work.

Configuration comes from a YAML file (--config), overridden by
COPILOT_-prefixed environment variables.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		loaded, err := config.LoadConfig(cfgFile)
		if err != nil {
			return err
		}
		cfg = loaded

		level := cfg.Logging.Level
		if logLevel != "" {
			level = logLevel
		}
		return common.SetupLogging(level, cfg.Logging.Format)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "path to configuration file")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "override logging.level (debug|info|warn|error)")
}

// Execute runs the root command. The caller maps the returned error to
// the process exit code.
func Execute() error {
	return rootCmd.Execute()
}

// signalContext returns a context canceled by SIGINT or SIGTERM.
func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
}
