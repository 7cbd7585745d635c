// Package symbols reads the symbol table of an on-disk executable image.
package symbols

import (
	"errors"
	"fmt"
	"io"
	"os"
)

// ErrUnrecognized is returned for files that are not ELF, PE or Mach-O.
var ErrUnrecognized = errors.New("unrecognized object file")

// Table holds link-time symbol addresses of one image.
type Table struct {
	// Base is the link-time address of the first mapped byte. The load bias
	// of a module is its runtime base minus Base.
	Base    uint64
	Symbols map[string]uint64
}

// Lookup returns the link-time address of name.
func (t *Table) Lookup(name string) (uint64, bool) {
	v, ok := t.Symbols[name]
	return v, ok
}

type rawFile interface {
	table() (*Table, error)
}

var objType = []func(io.ReaderAt) (rawFile, error){
	openElf,
	openMacho,
	openPE,
}

// Read parses the image at name.
func Read(name string) (*Table, error) {
	r, err := os.Open(name)
	if err != nil {
		return nil, err
	}
	defer r.Close()
	for _, try := range objType {
		if raw, err := try(r); err == nil {
			return raw.table()
		}
	}
	return nil, fmt.Errorf("open %s: %w", name, ErrUnrecognized)
}
