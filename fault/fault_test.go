package fault

import (
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestIsMatchesKind(t *testing.T) {
	err := New(WriteFailed, "apply", 0x1000, errors.New("short write"))
	wrapped := fmt.Errorf("patching: %w", err)

	if !errors.Is(wrapped, ErrWriteFailed) {
		t.Fatalf("expected %v to match ErrWriteFailed", wrapped)
	}
	if errors.Is(wrapped, ErrRestoreFailed) {
		t.Fatalf("did not expect %v to match ErrRestoreFailed", wrapped)
	}
	if got := KindOf(wrapped); got != WriteFailed {
		t.Fatalf("KindOf = %v, want WriteFailed", got)
	}
}

func TestUnknownCode(t *testing.T) {
	err := Code("set_protection", 0x2000, 0x57, nil)
	if !errors.Is(err, ErrUnknown) {
		t.Fatalf("expected any Unknown to match ErrUnknown")
	}
	if !errors.Is(err, &Error{Kind: Unknown, Code: 0x57}) {
		t.Fatalf("expected matching code to match")
	}
	if errors.Is(err, &Error{Kind: Unknown, Code: 0x5}) {
		t.Fatalf("did not expect a different code to match")
	}
	if !strings.Contains(err.Error(), "Unknown(0x57)") {
		t.Fatalf("unexpected message %q", err.Error())
	}
}

func TestErrorString(t *testing.T) {
	tests := []struct {
		err  *Error
		want string
	}{
		{New(OverlapConflict, "apply", 0x10, nil), "apply: OverlapConflict at 0x10"},
		{New(ProcessUnavailable, "discover", 0, errors.New("denied")), "discover: ProcessUnavailable: denied"},
		{&Error{Kind: Kind(99)}, "Kind(99)"},
	}
	for _, tt := range tests {
		if got := tt.err.Error(); got != tt.want {
			t.Errorf("Error() = %q, want %q", got, tt.want)
		}
	}
}

func TestRecoverable(t *testing.T) {
	tests := []struct {
		err  error
		want bool
	}{
		{nil, true},
		{New(ReadFailed, "create", 0, nil), true},
		{New(ProtectionChangeFailed, "apply", 0, nil), true},
		{New(RestoreFailed, "restore", 0, nil), false},
		{Code("apply", 0, 1, nil), false},
		{errors.New("plain"), false},
	}
	for _, tt := range tests {
		if got := Recoverable(tt.err); got != tt.want {
			t.Errorf("Recoverable(%v) = %v, want %v", tt.err, got, tt.want)
		}
	}
}
