//go:build !linux

package app

import (
	"github.com/spf13/cobra"
)

func addPlatformCommands(*cobra.Command) {}
