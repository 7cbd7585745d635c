package platform

import (
	"errors"

	"golang.org/x/sys/windows"

	"github.com/fengyoulin/livepatch/fault"
)

// classify maps a Win32 error to a kind. def is used for access and
// parameter failures, which mean different things for different operations.
func classify(op string, addr Address, def fault.Kind, err error) error {
	if err == nil {
		return nil
	}
	var fe *fault.Error
	if errors.As(err, &fe) {
		return err
	}
	var errno windows.Errno
	if !errors.As(err, &errno) {
		return fault.New(def, op, uint64(addr), err)
	}
	switch errno {
	case windows.ERROR_INVALID_ADDRESS, windows.ERROR_NOACCESS, windows.ERROR_PARTIAL_COPY:
		return fault.New(fault.InvalidAddress, op, uint64(addr), err)
	case windows.ERROR_ACCESS_DENIED, windows.ERROR_INVALID_PARAMETER, windows.ERROR_INVALID_HANDLE:
		return fault.New(def, op, uint64(addr), err)
	case windows.ERROR_NOT_SUPPORTED, windows.ERROR_CALL_NOT_IMPLEMENTED:
		return fault.New(fault.Unsupported, op, uint64(addr), err)
	}
	return fault.Code(op, uint64(addr), uint64(errno), err)
}
