//go:build windows

package killer

import (
	"errors"
	"syscall"
)

type unsupportedSignaler struct{}

func (unsupportedSignaler) Signal(int, syscall.Signal) error { return errors.ErrUnsupported }

func defaultSignaler() Signaler { return unsupportedSignaler{} }

func isNoSuchProcess(error) bool { return false }

func isPermission(error) bool { return false }
