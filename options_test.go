package livepatch

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
)

func TestLoadOptions(t *testing.T) {
	tests := []struct {
		name    string
		content string
		want    Options
		wantErr bool
	}{
		{
			name:    "empty keeps defaults",
			content: "",
			want:    DefaultOptions(),
		},
		{
			name: "all keys",
			content: `barrier: suspend
wardenPath: /usr/libexec/warden
wardenArgs: ["--quiet"]
terminateOnRestoreFailure: true
verifyChecksums: false
`,
			want: Options{
				Barrier:                   BarrierSuspend,
				WardenPath:                "/usr/libexec/warden",
				WardenArgs:                []string{"--quiet"},
				TerminateOnRestoreFailure: true,
			},
		},
		{
			name:    "json",
			content: `{"barrier": "breakpoint"}`,
			want:    Options{Barrier: BarrierBreakpoint, VerifyChecksums: true},
		},
		{
			name:    "unknown key",
			content: "barier: suspend\n",
			wantErr: true,
		},
		{
			name:    "unknown mode",
			content: "barrier: sometimes\n",
			wantErr: true,
		},
		{
			name:    "args without path",
			content: "wardenArgs: [x]\n",
			wantErr: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "livepatch.yaml")
			if err := os.WriteFile(path, []byte(tt.content), 0o600); err != nil {
				t.Fatal(err)
			}
			got, err := LoadOptions(path)
			if tt.wantErr {
				if !errors.Is(err, ErrBadOptions) {
					t.Errorf("err = %v, want ErrBadOptions", err)
				}
				return
			}
			if err != nil {
				t.Fatal(err)
			}
			if diff := cmp.Diff(tt.want, got, cmpopts.IgnoreUnexported(Options{}), cmpopts.IgnoreFields(Options{}, "Sink")); diff != "" {
				t.Errorf("options mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestLoadOptionsMissingFile(t *testing.T) {
	if _, err := LoadOptions(filepath.Join(t.TempDir(), "missing.yaml")); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("err = %v, want not exist", err)
	}
}

func TestPlatformConfigEnv(t *testing.T) {
	opts := DefaultOptions()
	opts.WardenPath = "/from/options"
	if got := opts.platformConfig().WardenPath; got != "/from/options" {
		t.Errorf("WardenPath = %q", got)
	}
	t.Setenv(WardenPathEnv, "/from/env")
	if got := opts.platformConfig().WardenPath; got != "/from/env" {
		t.Errorf("WardenPath = %q, want the environment override", got)
	}
}
