package symbols

import (
	"debug/macho"
	"io"
)

type machoFile struct {
	macho *macho.File
}

func openMacho(r io.ReaderAt) (rawFile, error) {
	f, err := macho.NewFile(r)
	if err != nil {
		return nil, err
	}
	return &machoFile{f}, nil
}

// nlist type bits.
const (
	machoStab = 0xe0
	machoExt  = 0x01
)

func (f *machoFile) table() (*Table, error) {
	t := &Table{Symbols: make(map[string]uint64)}
	if seg := f.macho.Segment("__TEXT"); seg != nil {
		t.Base = seg.Addr
	}
	if f.macho.Symtab == nil {
		return t, nil
	}
	for _, s := range f.macho.Symtab.Syms {
		if s.Type&machoStab != 0 || s.Sect == 0 {
			continue
		}
		t.Symbols[s.Name] = s.Value
	}
	return t, nil
}
