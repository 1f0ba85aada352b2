package main

import (
	"context"
	"time"

	"github.com/spf13/cobra"

	"pkt.systems/atomix"
	"pkt.systems/pslog"
)

func newOpenCommand(baseLogger pslog.Logger) *cobra.Command {
	return &cobra.Command{
		Use:   "open",
		Short: "build and open the runtime, blocking until signaled",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := loggerForCommand(baseLogger, "cli.open")
			cfg, err := buildConfig()
			if err != nil {
				return err
			}
			a, err := atomix.New(cfg, atomix.WithLogger(logger))
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			if err := a.Open(ctx); err != nil {
				return err
			}
			logger.Info("atomixd.open", "status", a.Status())
			defer func() {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()
				if err := a.Close(shutdownCtx); err != nil {
					logger.Error("atomixd.close.failed", "error", err)
				}
			}()

			<-ctx.Done()
			return nil
		},
	}
}
