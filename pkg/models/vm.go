package models

import (
	"fmt"
	"regexp"
	"time"
)

var vmNameRegexp = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]*$`)

// VMStatus is the lifecycle status of a bubble as presented to its observers.
type VMStatus int

const (
	// NotRunning means no hypervisor process is owned for the VM.
	NotRunning VMStatus = iota
	// InFlux is entered as soon as a start or stop is requested and not yet confirmed.
	InFlux
	// Running means the guest agent confirmed readiness since the hypervisor was started.
	Running
)

func (s VMStatus) String() string {
	switch s {
	case NotRunning:
		return "NotRunning"
	case InFlux:
		return "InFlux"
	case Running:
		return "Running"
	default:
		return fmt.Sprintf("VMStatus(%d)", int(s))
	}
}

// ParseVMStatus is the inverse of VMStatus.String.
func ParseVMStatus(s string) (VMStatus, error) {
	for _, status := range []VMStatus{NotRunning, InFlux, Running} {
		if status.String() == s {
			return status, nil
		}
	}

	return NotRunning, fmt.Errorf("unknown vm status %q", s)
}

// MarshalText renders the status by name for json/yaml output.
func (s VMStatus) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// VM represents a bubble, one per directory below the vm storage root.
type VM struct {
	// Name identifies the VM and is also the name of its directory.
	Name string `json:"name" yaml:"name"`
	// Status is the last known status of the VM.
	Status VMStatus `json:"status" yaml:"status"`
	// DiskSize is the size of the VM's disk image in bytes.
	DiskSize int64 `json:"disk_size" yaml:"disk_size"`
}

// ValidateVMName checks the name can be used as a directory name.
func ValidateVMName(name string) error {
	if !vmNameRegexp.MatchString(name) {
		return InvalidVMNameError{Name: name}
	}

	return nil
}

type InvalidVMNameError struct {
	Name string
}

// Error returns the error message.
func (e InvalidVMNameError) Error() string {
	return fmt.Sprintf("invalid vm name %q", e.Name)
}

// Hardware holds the per VM resource settings.
type Hardware struct {
	CPUs   int    `toml:"cpus"`
	Memory string `toml:"memory"`
	// GuestCID is the virtual socket context id of the guest, unique per VM.
	GuestCID uint32 `toml:"guest_cid,omitempty"`
}

// StatusEvent is emitted for every status transition of a VM.
type StatusEvent struct {
	VM     string
	Status VMStatus
	// Err is set when the transition was caused by a failed operation.
	Err  error
	Time time.Time
}
