package symbols

import (
	"debug/pe"
	"io"
)

type peFile struct {
	pe *pe.File
}

func openPE(r io.ReaderAt) (rawFile, error) {
	f, err := pe.NewFile(r)
	if err != nil {
		return nil, err
	}
	return &peFile{f}, nil
}

// COFF symbol values are relative to their section.
func (f *peFile) table() (*Table, error) {
	t := &Table{Symbols: make(map[string]uint64)}
	switch oh := f.pe.OptionalHeader.(type) {
	case *pe.OptionalHeader32:
		t.Base = uint64(oh.ImageBase)
	case *pe.OptionalHeader64:
		t.Base = oh.ImageBase
	}
	for _, s := range f.pe.Symbols {
		if s.SectionNumber <= 0 || int(s.SectionNumber) > len(f.pe.Sections) {
			continue
		}
		sect := f.pe.Sections[s.SectionNumber-1]
		t.Symbols[s.Name] = t.Base + uint64(sect.VirtualAddress) + uint64(s.Value)
	}
	return t, nil
}
