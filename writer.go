package livepatch

import (
	"fmt"

	"github.com/fengyoulin/livepatch/fault"
)

// Side is the edge of a range that data is aligned against.
type Side int

const (
	Center Side = iota
	Left
	Right
)

func (s Side) String() string {
	switch s {
	case Center:
		return "center"
	case Left:
		return "left"
	case Right:
		return "right"
	}
	return fmt.Sprintf("Side(%d)", int(s))
}

// Alignment places data inside a longer range. The zero value centers it.
type Alignment struct {
	Side Side
	// Offset moves data away from its side, counted in padding units, or in
	// bytes when Bytes is set. Center ignores it.
	Offset int
	// Bytes counts Offset in bytes and lets Center split the padding at any
	// byte instead of a padding unit boundary.
	Bytes bool
}

func (a Alignment) String() string {
	if a.Side == Center || a.Offset == 0 {
		return a.Side.String()
	}
	unit := "units"
	if a.Bytes {
		unit = "bytes"
	}
	return fmt.Sprintf("%v+%d %s", a.Side, a.Offset, unit)
}

// Padding returns how many bytes go before and after data bytes placed in a
// total byte range padded with unit sized values. Both sides must hold a
// whole number of units.
func (a Alignment) Padding(total, data, unit int) (left, right int, err error) {
	if unit <= 0 {
		return 0, 0, fmt.Errorf("padding unit of %d bytes", unit)
	}
	if data > total {
		return 0, 0, fmt.Errorf("%d bytes do not fit in %d", data, total)
	}
	pad := total - data
	off := a.Offset
	if !a.Bytes {
		off *= unit
	}
	if a.Side != Center && (off < 0 || off > pad) {
		return 0, 0, fmt.Errorf("offset of %d bytes outside 0..%d", off, pad)
	}
	switch a.Side {
	case Left:
		left = off
	case Right:
		left = pad - off
	case Center:
		left = pad / 2
		if !a.Bytes {
			left -= left % unit
		}
	default:
		return 0, 0, fmt.Errorf("unknown side %v", a.Side)
	}
	right = pad - left
	if left%unit != 0 || right%unit != 0 {
		return 0, 0, fmt.Errorf("%d and %d padding bytes are not whole %d byte units", left, right, unit)
	}
	return left, right, nil
}

// Fill returns length bytes holding item repeated. length must be a whole
// number of items.
func Fill(length int, item []byte) ([]byte, error) {
	if len(item) == 0 {
		return nil, fmt.Errorf("empty fill item")
	}
	if length%len(item) != 0 {
		return nil, fmt.Errorf("%d bytes leave %d after whole %d byte items", length, length%len(item), len(item))
	}
	b := make([]byte, length)
	for i := 0; i < length; i += len(item) {
		copy(b[i:], item)
	}
	return b, nil
}

// Pad returns length bytes holding data placed by a, with padding repeated
// on both sides.
func Pad(length int, data, padding []byte, a Alignment) ([]byte, error) {
	if len(padding) == 0 {
		return nil, fmt.Errorf("empty padding")
	}
	left, _, err := a.Padding(length, len(data), len(padding))
	if err != nil {
		return nil, err
	}
	b := make([]byte, length)
	for i := 0; i < left; i += len(padding) {
		copy(b[i:], padding)
	}
	copy(b[left:], data)
	for i := left + len(data); i < length; i += len(padding) {
		copy(b[i:], padding)
	}
	return b, nil
}

// CreateFill returns a patch that writes item repeated over length bytes at
// addr.
func (e *Engine) CreateFill(addr Address, length int, item []byte) (*Patch, error) {
	repl, err := Fill(length, item)
	if err != nil {
		return nil, fault.New(fault.LengthMismatch, "create_fill", uint64(addr), err)
	}
	return e.Create(addr, length, repl)
}

// CreatePadded returns a patch that writes data into length bytes at addr,
// placed by a and surrounded by padding.
func (e *Engine) CreatePadded(addr Address, length int, data, padding []byte, a Alignment) (*Patch, error) {
	repl, err := Pad(length, data, padding, a)
	if err != nil {
		return nil, fault.New(fault.LengthMismatch, "create_padded", uint64(addr), err)
	}
	return e.Create(addr, length, repl)
}
