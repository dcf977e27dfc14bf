package killer

import (
	"errors"
	"fmt"
)

var (
	ErrPermissionDenied = errors.New("permission denied")
	ErrProcessNotFound  = errors.New("process not found")
	ErrUnknown          = errors.New("kill failed")
)

// Kind classifies a KillError.
type Kind int

const (
	PermissionDenied Kind = iota
	ProcessNotFound
	Unknown
)

func (k Kind) String() string {
	switch k {
	case PermissionDenied:
		return "permission denied"
	case ProcessNotFound:
		return "process not found"
	default:
		return "unknown error"
	}
}

// KillError describes why a process could not be terminated.
type KillError struct {
	Kind   Kind
	PID    int
	Detail string
	Err    error
}

func (e *KillError) Error() string {
	msg := fmt.Sprintf("kill %d: %s", e.PID, e.Kind)
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *KillError) Unwrap() error { return e.Err }

// Is matches the Kind sentinels.
func (e *KillError) Is(target error) bool {
	switch target {
	case ErrPermissionDenied:
		return e.Kind == PermissionDenied
	case ErrProcessNotFound:
		return e.Kind == ProcessNotFound
	case ErrUnknown:
		return e.Kind == Unknown
	}
	return false
}
