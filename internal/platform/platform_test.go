package platform

import "testing"

func TestPageSpan(t *testing.T) {
	tests := []struct {
		addr      Address
		length    uint64
		wantStart Address
		wantSize  uint64
	}{
		{0x1000, 1, 0x1000, 0x1000},
		{0x1ffe, 4, 0x1000, 0x2000},
		{0x1234, 0x1000, 0x1000, 0x2000},
		{0x2000, 0x1000, 0x2000, 0x1000},
	}
	for _, tt := range tests {
		start, size := PageSpan(tt.addr, tt.length, 0x1000)
		if start != tt.wantStart || size != tt.wantSize {
			t.Errorf("PageSpan(%v, %d) = %v, %#x; want %v, %#x", tt.addr, tt.length, start, size, tt.wantStart, tt.wantSize)
		}
	}
}

func TestProtection(t *testing.T) {
	for _, s := range []string{"---", "r--", "rw-", "r-x", "rwx", "--x"} {
		p, err := ParseProtection(s)
		if err != nil {
			t.Fatalf("ParseProtection(%q): %v", s, err)
		}
		if p.String() != s {
			t.Errorf("ParseProtection(%q).String() = %q", s, p.String())
		}
	}
	for _, s := range []string{"", "rw", "wrx", "rwxp"} {
		if _, err := ParseProtection(s); err == nil {
			t.Errorf("ParseProtection(%q) succeeded", s)
		}
	}
	if !ProtRX.Executable() || ProtRX.Writable() {
		t.Errorf("ProtRX = %v", ProtRX)
	}
}

func TestRegionContains(t *testing.T) {
	r := RegionInfo{Base: 0x1000, Size: 0x1000}
	if !r.Contains(0x1000) || !r.Contains(0x1fff) || r.Contains(0x2000) || r.Contains(0xfff) {
		t.Errorf("Contains is wrong for %+v", r)
	}
}

func TestPointerRange(t *testing.T) {
	if _, err := pointer("read", ^Address(0)-1, 4); err == nil {
		t.Errorf("expected a wrapping range to be rejected")
	}
	if _, err := pointer("read", 0x1000, 4); err != nil {
		t.Errorf("pointer: %v", err)
	}
}
