package symbols

import (
	"debug/elf"
	"errors"
	"io"
)

type elfFile struct {
	elf *elf.File
}

func openElf(r io.ReaderAt) (rawFile, error) {
	f, err := elf.NewFile(r)
	if err != nil {
		return nil, err
	}
	return &elfFile{f}, nil
}

func (e *elfFile) table() (*Table, error) {
	t := &Table{Symbols: make(map[string]uint64)}
	first := true
	for _, p := range e.elf.Progs {
		if p.Type != elf.PT_LOAD {
			continue
		}
		base := p.Vaddr
		if p.Align > 1 {
			base &^= p.Align - 1
		}
		if first || base < t.Base {
			t.Base, first = base, false
		}
	}

	// Stripped binaries may still export dynamic symbols.
	syms, err := e.elf.Symbols()
	if err != nil && !errors.Is(err, elf.ErrNoSymbols) {
		return nil, err
	}
	dyn, err := e.elf.DynamicSymbols()
	if err != nil && !errors.Is(err, elf.ErrNoSymbols) {
		return nil, err
	}
	for _, k := range append(syms, dyn...) {
		if k.Section == elf.SHN_UNDEF || k.Value == 0 || k.Name == "" {
			continue
		}
		switch elf.ST_TYPE(k.Info) {
		case elf.STT_FUNC, elf.STT_OBJECT, elf.STT_NOTYPE:
			t.Symbols[k.Name] = k.Value
		}
	}
	return t, nil
}
