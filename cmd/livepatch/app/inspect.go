package app

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

func newModulesCommand(g *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "modules",
		Short: "List the modules loaded in the process",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := g.newEngine()
			if err != nil {
				return err
			}
			defer e.Close()

			p := e.Process()
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "pid %d, %s, %d-bit\n\n", p.PID(), p.Name(), p.PointerWidth()*8)
			w := tabwriter.NewWriter(out, 0, 8, 2, ' ', 0)
			fmt.Fprintln(w, "BASE\tEND\tSIZE\tNAME\tPATH")
			for _, m := range p.Modules() {
				fmt.Fprintf(w, "%v\t%v\t%#x\t%s\t%s\n", m.Base(), m.End(), m.Size(), m.Name(), m.Path())
			}
			return w.Flush()
		},
	}
}

func newRegionCommand(g *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:     "region <address>",
		Short:   "Show the memory region holding an address",
		Example: "livepatch region 0x401000",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			addr, err := parseAddress(args[0])
			if err != nil {
				return err
			}
			e, err := g.newEngine()
			if err != nil {
				return err
			}
			defer e.Close()

			r, err := e.Process().Resolve(addr)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintln(out, r)
			if m, ok := e.Process().ModuleContaining(addr); ok {
				fmt.Fprintf(out, "module %s+%#x\n", m.Name(), uint64(addr-m.Base()))
			}
			return nil
		},
	}
}

func newSymbolCommand(g *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:     "symbol <module> <name>",
		Short:   "Resolve a symbol of a loaded module to its live address",
		Example: "livepatch symbol livepatch main.main",
		Args:    cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := g.newEngine()
			if err != nil {
				return err
			}
			defer e.Close()

			m, ok := e.Process().FindModule(args[0])
			if !ok {
				return fmt.Errorf("no module named %q", args[0])
			}
			addr, err := m.Symbol(args[1])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%v %s+%#x\n", addr, m.Name(), uint64(addr-m.Base()))
			return nil
		},
	}
}
