package app

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/fengyoulin/livepatch/warden"
)

// addPlatformCommands adds the warden command, which speaks the warden
// protocol on stdin and stdout for debugging.
func addPlatformCommands(root *cobra.Command) {
	root.AddCommand(&cobra.Command{
		Use:    "warden",
		Short:  "Serve warden requests on stdin",
		Hidden: true,
		Args:   cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			os.Exit(warden.Run(os.Stdin, os.Stdout))
		},
	})
}
