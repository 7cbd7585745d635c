package platform

import (
	"errors"

	"golang.org/x/sys/unix"

	"github.com/fengyoulin/livepatch/fault"
)

// classify maps an errno to a kind. def is used for permission failures,
// which mean different things for different operations.
func classify(op string, addr Address, def fault.Kind, err error) error {
	if err == nil {
		return nil
	}
	var fe *fault.Error
	if errors.As(err, &fe) {
		return err
	}
	var errno unix.Errno
	if !errors.As(err, &errno) {
		return fault.New(def, op, uint64(addr), err)
	}
	switch errno {
	case unix.EFAULT, unix.ENOMEM:
		return fault.New(fault.InvalidAddress, op, uint64(addr), err)
	case unix.EACCES, unix.EPERM, unix.EINVAL:
		return fault.New(def, op, uint64(addr), err)
	case unix.ESRCH:
		return fault.New(fault.ProcessUnavailable, op, uint64(addr), err)
	case unix.ENOSYS, unix.ENOTSUP:
		return fault.New(fault.Unsupported, op, uint64(addr), err)
	}
	return fault.Code(op, uint64(addr), uint64(errno), err)
}
