package cli

import (
	"context"
	"errors"

	"github.com/spf13/cobra"

	"copilot.mailarchive.org/events"
	"copilot.mailarchive.org/supervisor"
)

var superviseOnce bool

var superviseCmd = &cobra.Command{
	Use:   "supervise",
	Short: "Requeue stalled work at startup, then sweep failed documents on an interval",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signalContext(context.Background())
		defer stop()

		r, err := newRuntime(cfg)
		if err != nil {
			return err
		}
		defer r.close()

		store, err := r.buildStore(ctx)
		if err != nil {
			return err
		}
		busDriver, pub, err := r.buildBus()
		if err != nil {
			return err
		}
		for _, eventType := range events.Types {
			if err := busDriver.DeclareQueue(eventType); err != nil {
				return err
			}
		}
		locks, err := r.buildCache()
		if err != nil {
			return err
		}

		initial, max := cfg.Retry.Durations()
		sup := supervisor.New(store, pub, locks, r.collector, supervisor.Config{
			StallThreshold: cfg.Supervisor.StallThreshold(),
			Interval:       cfg.Supervisor.Interval(),
			MaxRetries:     cfg.Supervisor.MaxRetries,
			BaseBackoff:    initial,
			MaxBackoff:     max,
		})

		if err := sup.StartupRequeue(ctx); err != nil {
			return err
		}
		if superviseOnce {
			return sup.Sweep(ctx)
		}
		err = sup.Run(ctx)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	},
}

func init() {
	superviseCmd.Flags().BoolVar(&superviseOnce, "once", false, "run one sweep and exit instead of looping")
	rootCmd.AddCommand(superviseCmd)
}
