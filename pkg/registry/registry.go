package registry

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"math"
	"os"
	"path/filepath"

	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"

	"bubbles/pkg/defaults"
	berrors "bubbles/pkg/errors"
	"bubbles/pkg/filelock"
	"bubbles/pkg/log"
	"bubbles/pkg/models"
)

// Config represents the configuration of the VM registry.
type Config struct {
	// StorageRoot holds the vms and images directories.
	StorageRoot string
	// NetworkSocketDir is where network backend sockets are created.
	NetworkSocketDir string
	// Hardware is written to new VMs as their initial resource settings.
	Hardware models.Hardware
	// FirstGuestCID is the lowest context id handed to a new VM. VMs created
	// without a context id run with it.
	FirstGuestCID uint32
}

// Registry enumerates VMs from the filesystem. It is the recovery hint for
// VM status, the live truth is held by the state machine.
type Registry struct {
	cfg *Config
	fs  afero.Fs
}

func New(cfg *Config, fs afero.Fs) *Registry {
	return &Registry{
		cfg: cfg,
		fs:  fs,
	}
}

func (r *Registry) VMsRoot() string {
	return filepath.Join(r.cfg.StorageRoot, defaults.VMsDir)
}

func (r *Registry) ImagesRoot() string {
	return filepath.Join(r.cfg.StorageRoot, defaults.ImagesDir)
}

func (r *Registry) State(name string) *State {
	return NewState(name, r.VMsRoot(), r.cfg.NetworkSocketDir, r.fs)
}

// List returns one VM per directory below the vms root, ordered by name.
// The root is created when missing.
func (r *Registry) List(ctx context.Context) ([]models.VM, error) {
	if err := r.fs.MkdirAll(r.VMsRoot(), defaults.DataDirPerm); err != nil {
		return nil, fmt.Errorf("creating vm directory %s: %w", r.VMsRoot(), err)
	}

	entries, err := afero.ReadDir(r.fs, r.VMsRoot())
	if err != nil {
		return nil, fmt.Errorf("reading vm directory %s: %w", r.VMsRoot(), err)
	}

	vms := make([]models.VM, 0, len(entries))

	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}

		vm, err := r.load(entry.Name())
		if err != nil {
			return nil, err
		}

		vms = append(vms, vm)
	}

	log.GetLogger(ctx).WithField("count", len(vms)).Debug("listed vms")

	return vms, nil
}

func (r *Registry) Get(_ context.Context, name string) (models.VM, error) {
	if err := models.ValidateVMName(name); err != nil {
		return models.VM{}, err
	}

	exists, err := afero.DirExists(r.fs, r.State(name).Root())
	if err != nil {
		return models.VM{}, fmt.Errorf("checking vm directory: %w", err)
	}

	if !exists {
		return models.VM{}, fmt.Errorf("%s: %w", name, berrors.ErrVMNotFound)
	}

	return r.load(name)
}

func (r *Registry) load(name string) (models.VM, error) {
	state := r.State(name)

	running, err := state.Running()
	if err != nil {
		return models.VM{}, fmt.Errorf("checking status of vm %s: %w", name, err)
	}

	owned, locked, err := state.OwnerStatus()
	if err != nil {
		return models.VM{}, fmt.Errorf("checking owner of vm %s: %w", name, err)
	}

	vm := models.VM{Name: name, Status: models.NotRunning}

	switch {
	case locked:
		vm.Status = owned
	case running:
		// No owner, the socket was left by a hypervisor started without a lock.
		vm.Status = models.Running
	}

	info, err := r.fs.Stat(state.DiskPath())
	if err == nil {
		vm.DiskSize = info.Size()
	} else if !errors.Is(err, fs.ErrNotExist) {
		return models.VM{}, fmt.Errorf("reading disk of vm %s: %w", name, err)
	}

	return vm, nil
}

// Create makes a new VM directory from the assets of image.
func (r *Registry) Create(ctx context.Context, name, image string) (models.VM, error) {
	logger := log.GetLogger(ctx).WithFields(logrus.Fields{
		"vm":    name,
		"image": image,
	})

	if name == "" {
		return models.VM{}, berrors.ErrVMNameRequired
	}

	if err := models.ValidateVMName(name); err != nil {
		return models.VM{}, err
	}

	imageRoot := filepath.Join(r.ImagesRoot(), image)
	for _, asset := range defaults.AssetFiles {
		exists, err := afero.Exists(r.fs, filepath.Join(imageRoot, asset))
		if err != nil {
			return models.VM{}, fmt.Errorf("checking image asset %s: %w", asset, err)
		}

		if !exists {
			return models.VM{}, fmt.Errorf("%s is missing %s: %w", image, asset, berrors.ErrImageNotPresent)
		}
	}

	lock, err := filelock.Acquire(ctx, r.fs, filepath.Join(r.VMsRoot(), defaults.RegistryLockFile))
	if err != nil {
		return models.VM{}, fmt.Errorf("locking vm registry: %w", err)
	}

	defer lock.Release()

	state := r.State(name)

	exists, err := afero.Exists(r.fs, state.Root())
	if err != nil {
		return models.VM{}, fmt.Errorf("checking vm directory: %w", err)
	}

	if exists {
		return models.VM{}, fmt.Errorf("%s: %w", name, berrors.ErrVMExists)
	}

	hw := r.cfg.Hardware

	hw.GuestCID, err = r.allocateGuestCID()
	if err != nil {
		return models.VM{}, err
	}

	if err := r.fs.MkdirAll(state.Root(), defaults.DataDirPerm); err != nil {
		return models.VM{}, fmt.Errorf("creating vm directory %s: %w", state.Root(), err)
	}

	if err := r.populate(ctx, state, imageRoot, hw); err != nil {
		if rmErr := r.fs.RemoveAll(state.Root()); rmErr != nil {
			logger.Warnf("removing partially created vm: %s", rmErr)
		}

		return models.VM{}, err
	}

	logger.WithField("guest_cid", hw.GuestCID).Info("vm created")

	return r.load(name)
}

func (r *Registry) populate(ctx context.Context, state *State, imageRoot string, hw models.Hardware) error {
	log.GetLogger(ctx).WithField("vm", state.Name()).Info("copying image assets")

	for _, asset := range defaults.AssetFiles {
		if err := r.copyFile(filepath.Join(imageRoot, asset), filepath.Join(state.Root(), asset)); err != nil {
			return err
		}
	}

	return state.SetHardware(hw)
}

// allocateGuestCID returns the lowest context id no existing VM uses. Must
// be called with the registry lock held.
func (r *Registry) allocateGuestCID() (uint32, error) {
	first := r.cfg.FirstGuestCID
	if first < defaults.GuestCID {
		first = defaults.GuestCID
	}

	entries, err := afero.ReadDir(r.fs, r.VMsRoot())
	if err != nil {
		return 0, fmt.Errorf("reading vm directory %s: %w", r.VMsRoot(), err)
	}

	used := map[uint32]struct{}{}

	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}

		cid, err := r.State(entry.Name()).GuestCID(first)
		if err != nil {
			return 0, fmt.Errorf("reading context id of vm %s: %w", entry.Name(), err)
		}

		used[cid] = struct{}{}
	}

	for cid := first; cid < math.MaxUint32; cid++ {
		if _, ok := used[cid]; !ok {
			return cid, nil
		}
	}

	return 0, berrors.ErrNoGuestCID
}

func (r *Registry) copyFile(src, dst string) error {
	in, err := r.fs.Open(src)
	if err != nil {
		return fmt.Errorf("opening %s: %w", src, err)
	}

	defer in.Close()

	out, err := r.fs.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, defaults.DataFilePerm)
	if err != nil {
		return fmt.Errorf("opening %s: %w", dst, err)
	}

	if _, err := io.Copy(out, in); err != nil {
		out.Close()

		return fmt.Errorf("copying %s to %s: %w", src, dst, err)
	}

	if err := out.Close(); err != nil {
		return fmt.Errorf("closing %s: %w", dst, err)
	}

	return nil
}
