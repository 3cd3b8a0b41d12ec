package registry

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/pelletier/go-toml/v2"
	"github.com/spf13/afero"

	"bubbles/pkg/defaults"
	"bubbles/pkg/filelock"
	"bubbles/pkg/models"
)

// State gives access to the files of a single VM. Every path is a pure
// function of the VM name so no two VMs share a socket.
type State struct {
	name      string
	stateRoot string
	netDir    string
	fs        afero.Fs
}

func NewState(name, vmsRoot, netDir string, fs afero.Fs) *State {
	return &State{
		name:      name,
		stateRoot: filepath.Join(vmsRoot, name),
		netDir:    netDir,
		fs:        fs,
	}
}

func (s *State) Name() string {
	return s.name
}

func (s *State) Root() string {
	return s.stateRoot
}

func (s *State) DiskPath() string {
	return filepath.Join(s.stateRoot, defaults.DiskFile)
}

func (s *State) KernelPath() string {
	return filepath.Join(s.stateRoot, defaults.KernelFile)
}

func (s *State) InitrdPath() string {
	return filepath.Join(s.stateRoot, defaults.InitrdFile)
}

// VSockPath is the host end of the guest control channel.
func (s *State) VSockPath() string {
	return filepath.Join(s.stateRoot, defaults.VSockFile)
}

// HypervisorSocketPath is the hypervisor management socket.
func (s *State) HypervisorSocketPath() string {
	return filepath.Join(s.stateRoot, defaults.HypervisorSocketFile)
}

// NetworkSocketPath is the vhost-user socket of the network backend.
func (s *State) NetworkSocketPath() string {
	return filepath.Join(s.netDir, defaults.NetworkSocketPrefix+s.name)
}

func (s *State) HardwarePath() string {
	return filepath.Join(s.stateRoot, defaults.HardwareFile)
}

// LockPath is held by the process owning the VM's processes.
func (s *State) LockPath() string {
	return filepath.Join(s.stateRoot, defaults.LockFile)
}

func (s *State) StdoutPath(role models.ProcessRole) string {
	return filepath.Join(s.stateRoot, fmt.Sprintf("%s.stdout", role))
}

func (s *State) StderrPath(role models.ProcessRole) string {
	return filepath.Join(s.stateRoot, fmt.Sprintf("%s.stderr", role))
}

// Hardware reads the optional hardware overrides. A missing file yields zero values.
func (s *State) Hardware() (models.Hardware, error) {
	hw := models.Hardware{}

	data, err := afero.ReadFile(s.fs, s.HardwarePath())
	if errors.Is(err, fs.ErrNotExist) {
		return hw, nil
	}

	if err != nil {
		return hw, fmt.Errorf("reading hardware file %s: %w", s.HardwarePath(), err)
	}

	if err := toml.Unmarshal(data, &hw); err != nil {
		return hw, fmt.Errorf("parsing hardware file %s: %w", s.HardwarePath(), err)
	}

	return hw, nil
}

func (s *State) SetHardware(hw models.Hardware) error {
	data, err := toml.Marshal(hw)
	if err != nil {
		return fmt.Errorf("marshalling hardware: %w", err)
	}

	if err := afero.WriteFile(s.fs, s.HardwarePath(), data, defaults.DataFilePerm); err != nil {
		return fmt.Errorf("writing hardware file %s: %w", s.HardwarePath(), err)
	}

	return nil
}

// GuestCID returns the virtual socket context id of the VM. VMs created
// without one get fallback.
func (s *State) GuestCID(fallback uint32) (uint32, error) {
	hw, err := s.Hardware()
	if err != nil {
		return 0, err
	}

	if hw.GuestCID == 0 {
		return fallback, nil
	}

	return hw.GuestCID, nil
}

// Lock takes the VM lock without waiting and records the VM as InFlux in
// it. ErrLockHeld means another operation owns the VM.
func (s *State) Lock() (*filelock.Lock, error) {
	lock, err := filelock.TryAcquire(s.fs, s.LockPath())
	if err != nil {
		return nil, err
	}

	if err := s.RecordStatus(lock, models.InFlux); err != nil {
		_ = lock.Release()

		return nil, err
	}

	return lock, nil
}

// RecordStatus publishes the status of the owned VM to other processes.
func (s *State) RecordStatus(lock *filelock.Lock, status models.VMStatus) error {
	return lock.Write([]byte(status.String()))
}

// OwnerStatus returns the status recorded by the operation owning the VM,
// in any process. It reports false when no operation owns the VM.
func (s *State) OwnerStatus() (models.VMStatus, bool, error) {
	held, err := filelock.Held(s.fs, s.LockPath())
	if err != nil || !held {
		return models.NotRunning, false, err
	}

	data, err := afero.ReadFile(s.fs, s.LockPath())
	if err != nil {
		return models.InFlux, true, fmt.Errorf("reading lock file %s: %w", s.LockPath(), err)
	}

	status, err := models.ParseVMStatus(strings.TrimSpace(string(data)))
	if err != nil {
		// Owner is between truncating and writing the file.
		return models.InFlux, true, nil
	}

	return status, true, nil
}

// Running reports whether the hypervisor management socket exists. A stale
// socket left by a crashed hypervisor cannot be told apart from a live one.
func (s *State) Running() (bool, error) {
	return afero.Exists(s.fs, s.HypervisorSocketPath())
}

// CleanupRuntime removes the socket files created while the VM was running.
func (s *State) CleanupRuntime() error {
	for _, path := range []string{s.VSockPath(), s.HypervisorSocketPath(), s.NetworkSocketPath()} {
		if err := s.fs.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("removing %s: %w", path, err)
		}
	}

	return nil
}
