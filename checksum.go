package livepatch

import (
	"github.com/cespare/xxhash/v2"
	"k8s.io/klog/v2"

	"github.com/fengyoulin/livepatch/fault"
)

// Checksum returns the xxhash64 of b, as expected by CreateChecked.
func Checksum(b []byte) uint64 {
	return xxhash.Sum64(b)
}

// CreateChecked is Create for a range whose current contents are known in
// advance: it refuses to patch when the live bytes do not hash to sum.
func (e *Engine) CreateChecked(addr Address, replacement []byte, sum uint64) (*Patch, error) {
	p, err := e.Create(addr, len(replacement), replacement)
	if err != nil {
		return nil, err
	}
	if got := Checksum(p.original); got != sum {
		err := fault.Errorf(fault.ChecksumMismatch, "create", uint64(addr), "live bytes hash to %#016x, want %#016x", got, sum)
		if e.opts.VerifyChecksums {
			return nil, err
		}
		klog.InfoS("Ignoring checksum mismatch", "address", addr, "err", err)
	}
	return p, nil
}
