//go:build !windows

package killer

import (
	"errors"
	"syscall"

	"golang.org/x/sys/unix"
)

type unixSignaler struct{}

func (unixSignaler) Signal(pid int, sig syscall.Signal) error {
	return unix.Kill(pid, sig)
}

func defaultSignaler() Signaler { return unixSignaler{} }

func isNoSuchProcess(err error) bool { return errors.Is(err, unix.ESRCH) }

func isPermission(err error) bool { return errors.Is(err, unix.EPERM) }
