package app

import (
	"bytes"
	"errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"
	"k8s.io/klog/v2"

	"github.com/fengyoulin/livepatch"
	"github.com/fengyoulin/livepatch/fault"
)

type selftestOptions struct {
	rounds  int
	metrics bool
}

func newSelftestCommand(g *globalOptions) *cobra.Command {
	o := &selftestOptions{}
	cmd := &cobra.Command{
		Use:   "selftest",
		Short: "Patch and restore a scratch code page",
		Long: `
selftest maps a page of NOPs with read and execute access, writes a relative
jump over its first five bytes and writes the NOPs back, checking the bytes
and the page protection after every step.
`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := g.newEngine()
			if err != nil {
				return err
			}
			defer e.Close()

			if err := runSelftest(cmd.OutOrStdout(), e, o.rounds); err != nil {
				return err
			}
			if o.metrics {
				livepatch.WriteMetrics(cmd.OutOrStdout())
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&o.rounds, "rounds", 3, "Number of apply and restore rounds")
	cmd.Flags().BoolVar(&o.metrics, "metrics", false, "Print the engine metrics afterwards")
	return cmd
}

func runSelftest(out io.Writer, e *livepatch.Engine, rounds int) error {
	page, err := mapCodePage()
	if err != nil {
		return fmt.Errorf("map scratch page: %w", err)
	}
	defer page.free()
	addr := page.address()

	jump := []byte{0xe9, 0x00, 0x00, 0x00, 0x00}
	for i := 0; i < rounds; i++ {
		p, err := e.Create(addr, len(jump), jump)
		if err != nil {
			return err
		}
		orig := p.Original()
		if err := p.Apply(); err != nil {
			if errors.Is(err, fault.ErrBarrierUnavailable) {
				klog.InfoS("No execution barrier available", "err", err)
			}
			return err
		}
		if err := expect(e, page, jump); err != nil {
			p.Close()
			return fmt.Errorf("round %d after apply: %w", i, err)
		}
		if err := p.Restore(); err != nil {
			return err
		}
		if err := expect(e, page, orig); err != nil {
			return fmt.Errorf("round %d after restore: %w", i, err)
		}
		fmt.Fprintf(out, "round %d: %v ok\n", i, p)
	}
	return nil
}

// expect checks the bytes at the start of page and that the page is no
// longer writable.
func expect(e *livepatch.Engine, page *codePage, want []byte) error {
	r, err := e.Process().Resolve(page.address())
	if err != nil {
		return err
	}
	if r.Protection.Writable() {
		return fmt.Errorf("page left %v", r.Protection)
	}
	got := page.mem[:len(want)]
	if !bytes.Equal(got, want) {
		return fmt.Errorf("read % x, want % x", got, want)
	}
	return nil
}
