package livepatch

import (
	"fmt"

	"github.com/fengyoulin/livepatch/fault"
	"github.com/fengyoulin/livepatch/internal/platform"
)

// Region is a contiguous range sharing one protection. It is a point in time
// view and goes stale as soon as anything changes protection.
type Region struct {
	Base       Address
	Size       uint64
	Protection Protection
	Kind       MappingKind
	Path       string
}

// End returns the first address past the region.
func (r Region) End() Address { return r.Base + Address(r.Size) }

func (r Region) Contains(addr Address) bool { return addr >= r.Base && addr < r.End() }

func (r Region) String() string {
	s := fmt.Sprintf("[%v, %v) %v %v", r.Base, r.End(), r.Protection, r.Kind)
	if r.Path != "" {
		s += " " + r.Path
	}
	return s
}

func regionFrom(ri platform.RegionInfo) Region {
	return Region{Base: ri.Base, Size: ri.Size, Protection: ri.Protection, Kind: ri.Kind, Path: ri.Path}
}

// Resolve queries the region holding addr.
func (p *Process) Resolve(addr Address) (Region, error) {
	ri, err := p.shim.QueryRegion(addr)
	if err != nil {
		return Region{}, err
	}
	return regionFrom(ri), nil
}

// ResolveSpan returns the regions covering [addr, addr+length) in order.
func (p *Process) ResolveSpan(addr Address, length int) ([]Region, error) {
	if length <= 0 {
		return nil, fault.Errorf(fault.InvalidAddress, "resolve", uint64(addr), "empty range")
	}
	end := addr + Address(length)
	if end < addr {
		return nil, fault.Errorf(fault.InvalidAddress, "resolve", uint64(addr), "range wraps")
	}
	var regions []Region
	for cur := addr; cur < end; {
		r, err := p.Resolve(cur)
		if err != nil {
			return nil, err
		}
		if r.End() <= cur {
			return nil, fault.Errorf(fault.InvalidAddress, "resolve", uint64(cur), "empty region")
		}
		regions = append(regions, r)
		cur = r.End()
	}
	return regions, nil
}
