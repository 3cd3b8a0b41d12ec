package errors

import (
	"errors"
	"fmt"
)

var (
	ErrVMNameRequired        = errors.New("vm name is required")
	ErrVMNotFound            = errors.New("vm not found")
	ErrVMExists              = errors.New("vm already exists")
	ErrVMBusy                = errors.New("vm is starting or stopping")
	ErrVMNotRunning          = errors.New("vm is not running")
	ErrVMAlreadyRunning      = errors.New("vm is already running")
	ErrImageNotPresent       = errors.New("image is not present")
	ErrUnknownImage          = errors.New("unknown image")
	ErrDownloadInProgress    = errors.New("image download already in progress")
	ErrNotOperationOwner     = errors.New("operation does not own the vm")
	ErrProviderRequired      = errors.New("you must enable at least 1 hypervisor provider")
	ErrHypervisorExited      = errors.New("hypervisor exited before the guest became ready")
	ErrProcessNotStarted     = errors.New("process was not started")
	ErrGuestUnreachable      = errors.New("guest agent is unreachable")
	ErrEnvironmentIncomplete = errors.New("required environment is missing")
	ErrLockHeld              = errors.New("lock is held by another process")
	ErrNoGuestCID            = errors.New("no free guest context id")
)

// MissingEnvError is returned when a variable the hypervisor needs is unset.
type MissingEnvError struct {
	Name string
}

// Error returns the error message.
func (e MissingEnvError) Error() string {
	return fmt.Sprintf("environment variable %s must be set", e.Name)
}

// Unwrap allows errors.Is(err, ErrEnvironmentIncomplete).
func (e MissingEnvError) Unwrap() error {
	return ErrEnvironmentIncomplete
}

type executableError struct {
	path string
	err  error
}

// Error returns the error message.
func (e executableError) Error() string {
	return fmt.Sprintf("%s is not executable: %s", e.path, e.err)
}

func (e executableError) Unwrap() []error {
	return []error{ErrEnvironmentIncomplete, e.err}
}

func NewExecutableError(path string, err error) error {
	return executableError{path: path, err: err}
}

type invalidTransitionError struct {
	vm   string
	from string
	to   string
}

// Error returns the error message.
func (e invalidTransitionError) Error() string {
	return fmt.Sprintf("vm %s cannot transition from %s to %s", e.vm, e.from, e.to)
}

func NewInvalidTransition(vm, from, to string) error {
	return invalidTransitionError{vm: vm, from: from, to: to}
}

// IsInvalidTransition reports whether err is a rejected state transition.
func IsInvalidTransition(err error) bool {
	var target invalidTransitionError

	return errors.As(err, &target)
}
