package ports

import (
	"context"
	"os"

	"bubbles/pkg/models"
	"bubbles/pkg/registry"
)

// ProcessSpec describes an OS process to be started by a ProcessRunner.
type ProcessSpec struct {
	// Role tags the process for logging and teardown ordering.
	Role models.ProcessRole
	// Bin is the executable to run.
	Bin string
	// Args are the arguments passed to Bin.
	Args []string
	// Env is appended to the environment of the current process.
	Env []string
	// Dir is the working directory, empty means the current one.
	Dir string
	// StdoutPath and StderrPath receive the process output when set.
	StdoutPath string
	StderrPath string
}

// Process is an owned handle on a started OS process. Only the task that
// started it may signal or wait on it.
type Process interface {
	Role() models.ProcessRole
	Pid() int
	// Signal sends sig to the process. Signalling an exited process is not an error.
	Signal(sig os.Signal) error
	// Wait blocks until the process exited or ctx is done and returns the exit error.
	Wait(ctx context.Context) error
	// Done is closed once the process exited.
	Done() <-chan struct{}
}

// ProcessRunner starts OS processes.
type ProcessRunner interface {
	Start(ctx context.Context, spec ProcessSpec) (Process, error)
	// CheckExecutable returns an error if path cannot be executed.
	CheckExecutable(path string) error
}

// Sidecars are the processes the hypervisor depends on for networking and
// the guest control channel.
type Sidecars struct {
	Forwarder Process
	Backend   Process
}

// NetworkService launches and tears down the bridge sidecars of a VM.
type NetworkService interface {
	// Setup starts the socket-forwarder and the network backend and returns
	// once the backend socket is ready to be consumed by the hypervisor.
	Setup(ctx context.Context, vm *registry.State) (*Sidecars, error)
	// Teardown signals both sidecars and waits for them to exit.
	Teardown(ctx context.Context, sidecars *Sidecars) error
	// Validate checks the sidecar executables are present.
	Validate() error
}

// HypervisorService runs the guest of a VM.
type HypervisorService interface {
	// Validate checks the environment needed to start the hypervisor.
	Validate(vm *registry.State) error
	// Start launches the hypervisor. It does not wait for the guest to boot.
	Start(ctx context.Context, vm *registry.State) (Process, error)
	// RequestStop asks the hypervisor to stop through its management socket.
	RequestStop(ctx context.Context, vm *registry.State) error
}

// GuestClient talks to the agent running inside a guest.
type GuestClient interface {
	Ready(ctx context.Context) error
	Shutdown(ctx context.Context) error
	SpawnTerminal(ctx context.Context) error
}

// GuestClientFactory returns a client for the control socket at socketPath.
type GuestClientFactory func(socketPath string) GuestClient

// ImageService manages the base images VMs are created from.
type ImageService interface {
	List(ctx context.Context) ([]models.Image, error)
	Status(ctx context.Context, name string) (models.ImageStatus, error)
	Download(ctx context.Context, name string) error
}
