package main

import (
	"context"
	"fmt"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"pkt.systems/atomix"
	"pkt.systems/pslog"
)

// newStatusCommand opens a runtime just long enough to report its
// diagnostic Status/String, then closes it. There is no separate running
// daemon to query here: the wire transport and REST surface this would
// otherwise talk to over the network are out of scope, so "status" is a
// local build-open-report-close smoke check rather than a remote call.
func newStatusCommand(baseLogger pslog.Logger) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "build and briefly open the runtime, printing its diagnostic status",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := loggerForCommand(baseLogger, "cli.status")
			cfg, err := buildConfig()
			if err != nil {
				return err
			}
			a, err := atomix.New(cfg, atomix.WithLogger(logger))
			if err != nil {
				return err
			}
			ctx := context.Background()
			if err := a.Open(ctx); err != nil {
				return err
			}
			defer a.Close(ctx)

			status := a.Status()
			fmt.Fprintf(cmd.OutOrStdout(), "%s\n", a.String())
			fmt.Fprintf(cmd.OutOrStdout(), "cluster:    %s\n", status.ClusterName)
			fmt.Fprintf(cmd.OutOrStdout(), "local node: %s\n", status.LocalNode)
			fmt.Fprintf(cmd.OutOrStdout(), "partitions: %d\n", status.NumPartitions)
			fmt.Fprintf(cmd.OutOrStdout(), "open:       %t\n", status.Open)
			fmt.Fprintf(cmd.OutOrStdout(), "state cache budget: %s\n", humanize.Bytes(uint64(status.StateCacheBytes)))
			return nil
		},
	}
}
