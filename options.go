package livepatch

import (
	"fmt"
	"os"

	"sigs.k8s.io/yaml"

	"github.com/fengyoulin/livepatch/internal/platform"
)

// BarrierMode selects how other threads are kept off a range during a write.
type BarrierMode string

const (
	// BarrierAuto tries the hardware breakpoint and falls back to suspension.
	BarrierAuto BarrierMode = "auto"
	// BarrierBreakpoint only traps threads about to execute the first byte
	// of the range.
	BarrierBreakpoint BarrierMode = "breakpoint"
	// BarrierSuspend stops every other thread.
	BarrierSuspend BarrierMode = "suspend"
)

// WardenPathEnv overrides Options.WardenPath.
const WardenPathEnv = "LIVEPATCH_WARDEN_PATH"

// Options configures an Engine.
type Options struct {
	Barrier BarrierMode `json:"barrier,omitempty"`
	// WardenPath is the executable started to stop threads on Linux. Empty
	// means the running executable, which must call warden.Init.
	WardenPath string   `json:"wardenPath,omitempty"`
	WardenArgs []string `json:"wardenArgs,omitempty"`
	// TerminateOnRestoreFailure exits the process when original bytes cannot
	// be written back.
	TerminateOnRestoreFailure bool `json:"terminateOnRestoreFailure,omitempty"`
	// VerifyChecksums makes CreateChecked refuse mismatching live bytes. When
	// false the mismatch is only logged.
	VerifyChecksums bool `json:"verifyChecksums"`

	// Sink receives failure events. Nil logs them with klog.
	Sink EventSink `json:"-"`

	shim platform.Shim
}

// DefaultOptions returns the options used when none are given.
func DefaultOptions() Options {
	return Options{
		Barrier:         BarrierAuto,
		VerifyChecksums: true,
	}
}

// LoadOptions reads options from a YAML or JSON file. Unset keys keep their
// defaults.
func LoadOptions(path string) (Options, error) {
	opts := DefaultOptions()
	data, err := os.ReadFile(path)
	if err != nil {
		return opts, err
	}
	if err := yaml.UnmarshalStrict(data, &opts); err != nil {
		return opts, fmt.Errorf("%w: %s: %v", ErrBadOptions, path, err)
	}
	return opts, opts.Validate()
}

// Validate checks the options for consistency.
func (o *Options) Validate() error {
	switch o.Barrier {
	case "":
		o.Barrier = BarrierAuto
	case BarrierAuto, BarrierBreakpoint, BarrierSuspend:
	default:
		return fmt.Errorf("%w: unknown barrier mode %q", ErrBadOptions, o.Barrier)
	}
	if o.WardenPath == "" && len(o.WardenArgs) > 0 {
		return fmt.Errorf("%w: wardenArgs set without wardenPath", ErrBadOptions)
	}
	return nil
}

func (o Options) platformConfig() platform.Config {
	cfg := platform.Config{WardenPath: o.WardenPath, WardenArgs: o.WardenArgs}
	if p := os.Getenv(WardenPathEnv); p != "" {
		cfg.WardenPath = p
	}
	return cfg
}
