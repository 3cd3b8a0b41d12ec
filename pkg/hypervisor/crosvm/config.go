package crosvm

import (
	"fmt"
	"path/filepath"

	"github.com/docker/go-units"

	"bubbles/pkg/defaults"
	"bubbles/pkg/hypervisor/shared"
	"bubbles/pkg/models"
	"bubbles/pkg/registry"
)

// VmmConfig holds everything needed to build a crosvm run command line.
type VmmConfig struct {
	Name          string
	CPUs          int
	MemoryMiB     int64
	Disk          string
	Initrd        string
	Kernel        string
	ControlSocket string
	GuestCID      uint32
	WaylandSocket string
	NetworkSocket string
	KernelCmdLine shared.KernelCmdLine
}

type ConfigOption func(cfg *VmmConfig) error

func CreateConfig(opts ...ConfigOption) (*VmmConfig, error) {
	cfg := &VmmConfig{
		KernelCmdLine: DefaultKernelCmdLine(),
	}

	for _, opt := range opts {
		if err := opt(cfg); err != nil {
			return nil, fmt.Errorf("creating crosvm configuration: %w", err)
		}
	}

	return cfg, nil
}

func DefaultKernelCmdLine() shared.KernelCmdLine {
	return shared.KernelCmdLine{
		"root": defaults.KernelRoot,
	}
}

// WithState points the guest at the files of vm.
func WithState(vm *registry.State) ConfigOption {
	return func(cfg *VmmConfig) error {
		cfg.Name = vm.Name()
		cfg.Disk = vm.DiskPath()
		cfg.Initrd = vm.InitrdPath()
		cfg.Kernel = vm.KernelPath()
		cfg.ControlSocket = vm.HypervisorSocketPath()
		cfg.NetworkSocket = vm.NetworkSocketPath()

		return nil
	}
}

// WithHardware applies the resources of base, overridden by the non zero
// fields of override.
func WithHardware(base, override models.Hardware) ConfigOption {
	return func(cfg *VmmConfig) error {
		cpus := base.CPUs
		if override.CPUs != 0 {
			cpus = override.CPUs
		}

		if cpus < 1 {
			return fmt.Errorf("invalid cpu count %d", cpus)
		}

		memory := base.Memory
		if override.Memory != "" {
			memory = override.Memory
		}

		size, err := units.RAMInBytes(memory)
		if err != nil {
			return fmt.Errorf("parsing memory %q: %w", memory, err)
		}

		if size < units.MiB {
			return fmt.Errorf("memory %q is less than 1MiB", memory)
		}

		cfg.CPUs = cpus
		cfg.MemoryMiB = size / units.MiB

		return nil
	}
}

func WithGuestCID(cid uint32) ConfigOption {
	return func(cfg *VmmConfig) error {
		cfg.GuestCID = cid

		return nil
	}
}

// WithDisplay forwards the host compositor socket into the guest.
func WithDisplay(runtimeDir, display string) ConfigOption {
	return func(cfg *VmmConfig) error {
		cfg.WaylandSocket = filepath.Join(runtimeDir, display)

		return nil
	}
}

// RunArgs renders the arguments of crosvm run.
func (c *VmmConfig) RunArgs() []string {
	args := []string{
		"run",
		"--name", c.Name,
		"--cpus", fmt.Sprintf("num-cores=%d", c.CPUs),
		"-m", fmt.Sprintf("%d", c.MemoryMiB),
		"--rwdisk", c.Disk,
		"--initrd", c.Initrd,
		"--socket", c.ControlSocket,
		"--vsock", fmt.Sprintf("%d", c.GuestCID),
		"--gpu", "context-types=cross-domain,displays=[]",
		"--wayland-sock", c.WaylandSocket,
		"--vhost-user", "net,socket=" + c.NetworkSocket,
	}

	for _, param := range c.KernelCmdLine.Params() {
		args = append(args, "-p", param)
	}

	return append(args, c.Kernel)
}
