package crosvm

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"

	"bubbles/pkg/defaults"
	berrors "bubbles/pkg/errors"
	"bubbles/pkg/log"
	"bubbles/pkg/models"
	"bubbles/pkg/ports"
	"bubbles/pkg/process"
	"bubbles/pkg/registry"
)

const (
	HypervisorName = "crosvm"

	runtimeDirEnv = "XDG_RUNTIME_DIR"
	displayEnv    = "WAYLAND_DISPLAY"
)

// Config represents the configuration options for the crosvm provider.
type Config struct {
	// CrosvmBin is the crosvm binary to use.
	CrosvmBin string
	// Hardware are the resources given to VMs without overrides.
	Hardware models.Hardware
	// GuestCID is the virtual socket context id of guests created without one.
	GuestCID uint32
	// LookupEnv reads the host environment, defaults to os.LookupEnv.
	LookupEnv func(key string) (string, bool)
}

type Service struct {
	config *Config
	runner ports.ProcessRunner
	fs     afero.Fs
}

func New(cfg *Config, runner ports.ProcessRunner, fs afero.Fs) ports.HypervisorService {
	if cfg.LookupEnv == nil {
		cfg.LookupEnv = os.LookupEnv
	}

	return &Service{
		config: cfg,
		runner: runner,
		fs:     fs,
	}
}

// Validate checks the display environment, the crosvm binary and the VM assets.
func (s *Service) Validate(vm *registry.State) error {
	var errs []error

	for _, key := range []string{runtimeDirEnv, displayEnv} {
		if value, ok := s.config.LookupEnv(key); !ok || value == "" {
			errs = append(errs, berrors.MissingEnvError{Name: key})
		}
	}

	if err := s.runner.CheckExecutable(s.config.CrosvmBin); err != nil {
		errs = append(errs, err)
	}

	for _, path := range []string{vm.DiskPath(), vm.KernelPath(), vm.InitrdPath()} {
		exists, err := afero.Exists(s.fs, path)
		if err != nil {
			errs = append(errs, fmt.Errorf("checking %s: %w", path, err))

			continue
		}

		if !exists {
			errs = append(errs, fmt.Errorf("missing vm asset %s: %w", path, os.ErrNotExist))
		}
	}

	return errors.Join(errs...)
}

// Start launches the guest. It returns as soon as the process runs.
func (s *Service) Start(ctx context.Context, vm *registry.State) (ports.Process, error) {
	logger := log.GetLogger(ctx).WithFields(logrus.Fields{
		"service": "crosvm_vm",
		"vm":      vm.Name(),
	})

	hw, err := vm.Hardware()
	if err != nil {
		return nil, fmt.Errorf("reading hardware overrides: %w", err)
	}

	cid := hw.GuestCID
	if cid == 0 {
		cid = s.config.GuestCID
	}

	runtimeDir, _ := s.config.LookupEnv(runtimeDirEnv)
	display, _ := s.config.LookupEnv(displayEnv)

	cfg, err := CreateConfig(
		WithState(vm),
		WithHardware(s.config.Hardware, hw),
		WithGuestCID(cid),
		WithDisplay(runtimeDir, display),
	)
	if err != nil {
		return nil, err
	}

	logger.WithFields(logrus.Fields{
		"cpus":       cfg.CPUs,
		"memory_mib": cfg.MemoryMiB,
		"guest_cid":  cid,
	}).Debug("starting crosvm")

	proc, err := s.runner.Start(ctx, ports.ProcessSpec{
		Role:       models.RoleHypervisor,
		Bin:        s.config.CrosvmBin,
		Args:       cfg.RunArgs(),
		StdoutPath: vm.StdoutPath(models.RoleHypervisor),
		StderrPath: vm.StderrPath(models.RoleHypervisor),
	})
	if err != nil {
		return nil, fmt.Errorf("starting crosvm process: %w", err)
	}

	logger.WithField("pid", proc.Pid()).Info("crosvm started")

	return proc, nil
}

// RequestStop asks crosvm to stop the guest through its control socket and
// waits for the request to be delivered.
func (s *Service) RequestStop(ctx context.Context, vm *registry.State) error {
	exists, err := afero.Exists(s.fs, vm.HypervisorSocketPath())
	if err != nil {
		return fmt.Errorf("checking control socket: %w", err)
	}

	if !exists {
		return fmt.Errorf("control socket %s: %w", vm.HypervisorSocketPath(), berrors.ErrVMNotRunning)
	}

	proc, err := s.runner.Start(ctx, ports.ProcessSpec{
		Role:       models.RoleHypervisorControl,
		Bin:        s.config.CrosvmBin,
		Args:       []string{"stop", vm.HypervisorSocketPath()},
		StdoutPath: vm.StdoutPath(models.RoleHypervisorControl),
		StderrPath: vm.StderrPath(models.RoleHypervisorControl),
	})
	if err != nil {
		return fmt.Errorf("starting crosvm stop: %w", err)
	}

	if err := proc.Wait(ctx); err != nil {
		if process.IsExitError(err) {
			return fmt.Errorf("crosvm stop failed: %w", err)
		}

		return fmt.Errorf("waiting for crosvm stop: %w", err)
	}

	return nil
}

// DefaultHardware are the resources used when nothing is configured.
func DefaultHardware() models.Hardware {
	return models.Hardware{
		CPUs:   defaults.CPUs,
		Memory: defaults.Memory,
	}
}
