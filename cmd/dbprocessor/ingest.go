package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"dbprocessor/pipeline"
)

var (
	flagWatch    bool
	flagSettle   time.Duration
	flagIncoming string
)

var ingestCmd = &cobra.Command{
	Use:   "ingest",
	Short: "identify and register files from the incoming directory",
	Args:  usageArgs(cobra.NoArgs),
	RunE: func(cmd *cobra.Command, args []string) error {
		app, err := newAppContext()
		if err != nil {
			return err
		}
		defer app.close()

		if flagIncoming != "" {
			app.cfg.IncomingDir = flagIncoming
		}
		if app.cfg.IncomingDir == "" {
			return &pipeline.ConfigError{Reason: "incoming_dir is required for ingest"}
		}

		host := pipeline.NewInspectorHost(app.codec)
		ing := pipeline.NewIngester(app.cat, app.codec, host, app.mission, app.cfg, app.logger)

		if flagWatch {
			err := ing.Watch(cmd.Context(), flagSettle)
			if errors.Is(err, context.Canceled) {
				return nil // interrupted, not failed
			}
			return err
		}

		stats, err := ing.ScanOnce(cmd.Context())
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "scanned=%d ingested=%d rejected=%d ambiguous=%d quarantined=%d errors=%d\n",
			stats.Scanned, stats.Ingested, stats.Rejected, stats.Ambiguous, stats.Quarantined, stats.Errors)
		return nil
	},
}

func init() {
	ingestCmd.Flags().StringVar(&flagIncoming, "incoming", "", "incoming directory (overrides config)")
	ingestCmd.Flags().BoolVarP(&flagWatch, "watch", "w", false, "keep watching the incoming directory")
	ingestCmd.Flags().DurationVar(&flagSettle, "settle", 2*time.Second, "quiet period before rescanning in watch mode")
	rootCmd.AddCommand(ingestCmd)
}
