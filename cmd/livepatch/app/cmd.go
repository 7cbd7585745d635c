package app

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"
	"k8s.io/klog/v2"

	"github.com/fengyoulin/livepatch"
)

var (
	livepatchLongDescription = `
livepatch inspects and patches the code of its own process. The inspection
commands list what the patch engine sees; selftest patches a scratch page with
every barrier mode the platform offers and puts it back.
`

	livepatchExample = `
livepatch modules
livepatch region 0x401000
livepatch symbol livepatch main.main
livepatch selftest --barrier=suspend -v=4
`
)

// globalOptions are the flags shared by every subcommand.
type globalOptions struct {
	config  string
	barrier string
}

// engineOptions loads the configuration file if any and applies the flag
// overrides.
func (g *globalOptions) engineOptions() (livepatch.Options, error) {
	opts := livepatch.DefaultOptions()
	if g.config != "" {
		var err error
		if opts, err = livepatch.LoadOptions(g.config); err != nil {
			return opts, err
		}
	}
	if g.barrier != "" {
		opts.Barrier = livepatch.BarrierMode(g.barrier)
	}
	return opts, opts.Validate()
}

func (g *globalOptions) newEngine() (*livepatch.Engine, error) {
	opts, err := g.engineOptions()
	if err != nil {
		return nil, err
	}
	e, err := livepatch.New(opts)
	if err != nil {
		return nil, err
	}
	klog.V(2).InfoS("Engine ready", "engine", e, "barrier", opts.Barrier)
	return e, nil
}

// NewLivepatchCommand creates the livepatch command tree.
func NewLivepatchCommand() *cobra.Command {
	g := &globalOptions{}
	cmd := &cobra.Command{
		Use:           "livepatch",
		Short:         "Inspect and patch live process code",
		Long:          livepatchLongDescription,
		Example:       livepatchExample,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}
	fs := cmd.PersistentFlags()
	fs.StringVar(&g.config, "config", "", "Path to a YAML options file")
	fs.StringVar(&g.barrier, "barrier", "", "Barrier mode: auto, breakpoint or suspend. Overrides the options file")

	cmd.AddCommand(
		newModulesCommand(g),
		newRegionCommand(g),
		newSymbolCommand(g),
		newSelftestCommand(g),
		newMetricsCommand(),
	)
	addPlatformCommands(cmd)
	return cmd
}

// Execute runs the command, logging the error it returns.
func Execute(cmd *cobra.Command) error {
	err := cmd.Execute()
	if err != nil {
		klog.ErrorS(err, "Command failed")
	}
	return err
}

func parseAddress(s string) (livepatch.Address, error) {
	v, err := strconv.ParseUint(s, 0, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid address %q: %v", s, err)
	}
	return livepatch.Address(v), nil
}
