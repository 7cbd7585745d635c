//go:build amd64 || 386

package livepatch

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/fengyoulin/livepatch/fault"
)

func TestJumpSequence(t *testing.T) {
	tests := []struct {
		name     string
		from, to Address
		mode     int
		want     []byte
	}{
		{"forward", 0x1000, 0x2000, 64, []byte{0xe9, 0xfb, 0x0f, 0x00, 0x00}},
		{"backward", 0x2000, 0x1000, 64, []byte{0xe9, 0xfb, 0xef, 0xff, 0xff}},
		{"32-bit", 0x1000, 0x80000000, 32, []byte{0xe9, 0xfb, 0xef, 0xff, 0x7f}},
		{"far", 0x10000, 0x7f0000000000, 64, []byte{
			0xff, 0x25, 0x00, 0x00, 0x00, 0x00,
			0x00, 0x00, 0x00, 0x00, 0x00, 0x7f, 0x00, 0x00,
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if diff := cmp.Diff(tt.want, jumpSequence(tt.from, tt.to, tt.mode)); diff != "" {
				t.Errorf("sequence mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestAnalysis(t *testing.T) {
	tests := []struct {
		name string
		code []byte
		want info
	}{
		{"mov rbp, rsp", []byte{0x48, 0x89, 0xe5}, info{length: 3, relocatable: true}},
		{"call rel32", []byte{0xe8, 0x00, 0x00, 0x00, 0x00}, info{length: 5}},
		{"mov rax, [rip]", []byte{0x48, 0x8b, 0x05, 0x00, 0x00, 0x00, 0x00}, info{length: 7}},
		{"nop", []byte{0x90}, info{length: 1, relocatable: true}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := analysis(tt.code, 64)
			if err != nil {
				t.Fatal(err)
			}
			if diff := cmp.Diff(tt.want, got, cmp.AllowUnexported(info{})); diff != "" {
				t.Errorf("info mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestCreateJump(t *testing.T) {
	e, f := newTestEngine(t)
	// mov rbp, rsp; sub rsp, 0x10
	f.poke(fakeBase+0x100, []byte{0x48, 0x89, 0xe5, 0x48, 0x83, 0xec, 0x10})

	p, err := e.CreateJump(fakeBase+0x100, fakeBase+0x800)
	if err != nil {
		t.Fatal(err)
	}
	want := []byte{0xe9, 0xfb, 0x06, 0x00, 0x00, 0x90, 0x90}
	if diff := cmp.Diff(want, p.Replacement()); diff != "" {
		t.Errorf("replacement mismatch (-want +got):\n%s", diff)
	}
	if err := p.Apply(); err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(want, f.bytes(fakeBase+0x100, len(want))); diff != "" {
		t.Errorf("applied bytes mismatch (-want +got):\n%s", diff)
	}
	if err := p.Close(); err != nil {
		t.Fatal(err)
	}
}

func TestCreateJumpFar(t *testing.T) {
	e, _ := newTestEngine(t)
	p, err := e.CreateJump(fakeBase, 0x7f0000000000)
	if err != nil {
		t.Fatal(err)
	}
	if p.Len() != jmpAbs64 {
		t.Errorf("length = %d, want %d", p.Len(), jmpAbs64)
	}
}

func TestCreateNop(t *testing.T) {
	e, f := newTestEngine(t)
	f.poke(fakeBase+0x200, []byte{0x48, 0x89, 0xe5})

	p, err := e.CreateNop(fakeBase+0x200, 2)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]byte{0x90, 0x90, 0x90}, p.Replacement()); diff != "" {
		t.Errorf("replacement mismatch (-want +got):\n%s", diff)
	}
	if _, err := e.CreateNop(fakeBase, 0); !errors.Is(err, fault.ErrInvalidAddress) {
		t.Errorf("empty nop: err = %v, want InvalidAddress", err)
	}
}

func TestRedirectRejectsMismatch(t *testing.T) {
	e, _ := newTestEngine(t)
	if _, err := e.Redirect(func() int { return 1 }, func() string { return "" }); err != ErrDifferentType {
		t.Errorf("err = %v, want ErrDifferentType", err)
	}
	if _, err := e.Redirect(1, 2); err != ErrInputType {
		t.Errorf("err = %v, want ErrInputType", err)
	}
	if _, err := e.Redirect(nil, nil); err != ErrInputType {
		t.Errorf("err = %v, want ErrInputType", err)
	}
}

func TestNopFill(t *testing.T) {
	b := make([]byte, 12)
	nopFill(b)
	want := []byte{0x66, 0x0f, 0x1f, 0x84, 0x00, 0x00, 0x00, 0x00, 0x00, 0x0f, 0x1f, 0x00}
	if diff := cmp.Diff(want, b); diff != "" {
		t.Errorf("fill mismatch (-want +got):\n%s", diff)
	}
	// Every length decodes as whole NOP instructions.
	for n := 1; n <= 20; n++ {
		b := make([]byte, n)
		nopFill(b)
		inf, err := ensureLength(b, n, 64)
		if err != nil || inf.length != n {
			t.Errorf("fill of %d bytes decodes to %d, %v", n, inf.length, err)
		}
	}
}

func TestCallSequence(t *testing.T) {
	if diff := cmp.Diff([]byte{0xe8, 0xfb, 0x0f, 0x00, 0x00}, callSequence(0x1000, 0x2000, 64)); diff != "" {
		t.Errorf("near call mismatch (-want +got):\n%s", diff)
	}
	want := []byte{
		0xff, 0x15, 0x02, 0x00, 0x00, 0x00, 0xeb, 0x08,
		0x00, 0x00, 0x00, 0x00, 0x00, 0x7f, 0x00, 0x00,
	}
	if diff := cmp.Diff(want, callSequence(0x10000, 0x7f0000000000, 64)); diff != "" {
		t.Errorf("far call mismatch (-want +got):\n%s", diff)
	}
}

func TestCreateCall(t *testing.T) {
	e, f := newTestEngine(t)
	// mov rbp, rsp; sub rsp, 0x10
	f.poke(fakeBase+0x300, []byte{0x48, 0x89, 0xe5, 0x48, 0x83, 0xec, 0x10})
	// mov rax, [rip]
	f.poke(fakeBase+0x400, []byte{0x48, 0x8b, 0x05, 0x00, 0x00, 0x00, 0x00})

	tests := []struct {
		addr      Address
		want      []byte
		dependent bool
	}{
		{fakeBase + 0x300, []byte{0xe8, 0xfb, 0x04, 0x00, 0x00, 0x66, 0x90}, false},
		{fakeBase + 0x400, []byte{0xe8, 0xfb, 0x03, 0x00, 0x00, 0x66, 0x90}, true},
	}
	for _, tt := range tests {
		p, err := e.CreateCall(tt.addr, fakeBase+0x800)
		if err != nil {
			t.Fatal(err)
		}
		if diff := cmp.Diff(tt.want, p.Replacement()); diff != "" {
			t.Errorf("%v: replacement mismatch (-want +got):\n%s", tt.addr, diff)
		}
		if p.PositionDependent() != tt.dependent {
			t.Errorf("%v: position dependent = %v, want %v", tt.addr, p.PositionDependent(), tt.dependent)
		}
	}

	// Raw patches know nothing about the code they replace.
	p, err := e.Create(fakeBase+0x400, 7, make([]byte, 7))
	if err != nil {
		t.Fatal(err)
	}
	if p.PositionDependent() {
		t.Error("raw patch reported as position dependent")
	}
}

func TestCreateAsm(t *testing.T) {
	e, _ := newTestEngine(t)
	tests := []struct {
		a    Alignment
		want []byte
	}{
		{Alignment{}, []byte{0x0f, 0x1f, 0x00, 0xcc, 0x0f, 0x1f, 0x40, 0x00}},
		{Alignment{Side: Left}, []byte{0xcc, 0x0f, 0x1f, 0x80, 0x00, 0x00, 0x00, 0x00}},
		{Alignment{Side: Right}, []byte{0x0f, 0x1f, 0x80, 0x00, 0x00, 0x00, 0x00, 0xcc}},
	}
	for _, tt := range tests {
		t.Run(tt.a.String(), func(t *testing.T) {
			p, err := e.CreateAsm(fakeBase+0x500, 8, []byte{0xcc}, tt.a)
			if err != nil {
				t.Fatal(err)
			}
			if diff := cmp.Diff(tt.want, p.Replacement()); diff != "" {
				t.Errorf("replacement mismatch (-want +got):\n%s", diff)
			}
		})
	}
	if _, err := e.CreateAsm(fakeBase+0x500, 4, jmp5, Alignment{}); !errors.Is(err, fault.ErrLengthMismatch) {
		t.Errorf("err = %v, want LengthMismatch", err)
	}
}
