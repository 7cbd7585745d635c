package app

import (
	"github.com/spf13/cobra"

	"github.com/fengyoulin/livepatch"
)

func newMetricsCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "metrics",
		Short: "Print the engine metrics in Prometheus text format",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			livepatch.WriteMetrics(cmd.OutOrStdout())
		},
	}
}
