package app

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	berrors "bubbles/pkg/errors"
	"bubbles/pkg/log"
	"bubbles/pkg/models"
	"bubbles/pkg/poller"
	"bubbles/pkg/ports"
	"bubbles/pkg/state"
)

type Config struct {
	// Provider is the hypervisor provider VMs are run with.
	Provider string
	// DefaultImage is used by Create when no image is given.
	DefaultImage string
	// PollInterval is the delay between readiness checks.
	PollInterval time.Duration
	// ReadyTimeout bounds the wait for the guest agent. Zero waits forever.
	ReadyTimeout time.Duration
	// StopTimeout bounds the wait for the guest to power off before the
	// hypervisor is asked to stop. Zero waits forever.
	StopTimeout time.Duration
}

// App is the VM lifecycle orchestrator.
type App interface {
	// List returns every VM with its current status.
	List(ctx context.Context) ([]models.VM, error)
	// Create makes a new VM from image.
	Create(ctx context.Context, name, image string) (models.VM, error)
	// Start boots a VM. The VM is InFlux when Start returns, the returned
	// session reports when it is ready and when it is gone again.
	Start(ctx context.Context, name string) (*Session, error)
	// Stop asks a running VM to shut down and waits until it stopped.
	Stop(ctx context.Context, name string) error
	// SpawnTerminal opens a terminal window inside a running VM.
	SpawnTerminal(ctx context.Context, name string) error
	// Subscribe returns every status transition from now on.
	Subscribe() (<-chan models.StatusEvent, func())
}

type app struct {
	cfg     *Config
	ports   *ports.Collection
	machine *state.Machine

	mu       sync.Mutex
	sessions map[string]*Session
}

func New(cfg *Config, ports *ports.Collection) App {
	return &app{
		cfg:      cfg,
		ports:    ports,
		machine:  state.New(ports.Clock),
		sessions: map[string]*Session{},
	}
}

func (a *app) List(ctx context.Context) ([]models.VM, error) {
	vms, err := a.ports.Repo.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing vms: %w", err)
	}

	for i := range vms {
		vms[i].Status = a.machine.Seed(vms[i].Name, vms[i].Status)
	}

	return vms, nil
}

func (a *app) Create(ctx context.Context, name, image string) (models.VM, error) {
	logger := log.GetLogger(ctx).WithField("action", "create")

	if image == "" {
		image = a.cfg.DefaultImage
	}

	vm, err := a.ports.Repo.Create(ctx, name, image)
	if err != nil {
		return models.VM{}, fmt.Errorf("creating vm %s: %w", name, err)
	}

	vm.Status = a.machine.Seed(vm.Name, vm.Status)
	logger.WithFields(logrus.Fields{"vm": name, "image": image}).Info("vm created")

	return vm, nil
}

func (a *app) Start(ctx context.Context, name string) (*Session, error) {
	logger := log.GetLogger(ctx).WithFields(logrus.Fields{
		"action": "start",
		"vm":     name,
	})

	status, err := a.observe(ctx, name)
	if err != nil {
		return nil, err
	}

	switch {
	case a.machine.Busy(name) || status == models.InFlux:
		return nil, berrors.ErrVMBusy
	case status == models.Running:
		return nil, berrors.ErrVMAlreadyRunning
	}

	provider, err := a.provider()
	if err != nil {
		return nil, err
	}

	vmState := a.ports.Repo.State(name)

	if err := a.ports.Network.Validate(); err != nil {
		return nil, fmt.Errorf("validating network tools: %w", err)
	}

	if err := provider.Validate(vmState); err != nil {
		return nil, fmt.Errorf("validating hypervisor environment: %w", err)
	}

	lock, err := vmState.Lock()
	if errors.Is(err, berrors.ErrLockHeld) {
		return nil, fmt.Errorf("vm %s is owned by another process: %w", name, berrors.ErrVMBusy)
	}

	if err != nil {
		return nil, fmt.Errorf("locking vm %s: %w", name, err)
	}

	op, err := a.machine.Begin(name)
	if err != nil {
		if relErr := lock.Release(); relErr != nil {
			logger.Warnf("releasing vm lock: %s", relErr)
		}

		return nil, err
	}

	session := newSession(a, op, vmState, provider, lock)

	a.mu.Lock()
	a.sessions[name] = session
	a.mu.Unlock()

	logger = logger.WithField("operation", op.ID.String())
	logger.Info("starting vm")

	go session.run(log.WithLogger(context.WithoutCancel(ctx), logger))

	return session, nil
}

func (a *app) Stop(ctx context.Context, name string) error {
	logger := log.GetLogger(ctx).WithFields(logrus.Fields{
		"action": "stop",
		"vm":     name,
	})

	status, err := a.observe(ctx, name)
	if err != nil {
		return err
	}

	switch status {
	case models.NotRunning:
		logger.Debug("vm is not running")

		return nil
	case models.InFlux:
		return berrors.ErrVMBusy
	}

	if session := a.session(name); session != nil {
		return session.stop(ctx)
	}

	return a.stopUnowned(ctx, name)
}

// stopUnowned stops a VM whose processes belong to another bubbles process.
// That process observes the hypervisor exit and cleans up, so only the VM
// lock being released is awaited here. Subscribers of this process see the
// VM InFlux until then.
func (a *app) stopUnowned(ctx context.Context, name string) error {
	logger := log.GetLogger(ctx).WithField("vm", name)

	provider, err := a.provider()
	if err != nil {
		return err
	}

	vmState := a.ports.Repo.State(name)
	a.machine.Seed(name, models.InFlux)

	if err := a.requestShutdown(ctx, vmState.Name(), vmState.VSockPath(), func(ctx context.Context) error {
		return provider.RequestStop(ctx, vmState)
	}); err != nil {
		if _, obsErr := a.observe(context.WithoutCancel(ctx), name); obsErr != nil {
			logger.Warnf("refreshing vm status: %s", obsErr)
		}

		return err
	}

	logger.Info("waiting for vm to stop")

	err = poller.AwaitCondition(ctx, func(ctx context.Context) error {
		vm, err := a.ports.Repo.Get(ctx, name)
		if err != nil {
			return err
		}

		if vm.Status != models.NotRunning {
			return fmt.Errorf("vm %s is %s: %w", name, vm.Status, berrors.ErrVMBusy)
		}

		return nil
	}, a.cfg.PollInterval)
	if err != nil {
		return fmt.Errorf("waiting for vm %s to stop: %w", name, err)
	}

	a.machine.Seed(name, models.NotRunning)

	return nil
}

// requestShutdown asks the guest to power off and falls back to the
// hypervisor stop command when the guest cannot be reached.
func (a *app) requestShutdown(ctx context.Context, name, socketPath string, fallback func(context.Context) error) error {
	logger := log.GetLogger(ctx).WithField("vm", name)

	guestErr := a.ports.Guest(socketPath).Shutdown(ctx)
	if guestErr == nil {
		logger.Info("guest shutdown requested")

		return nil
	}

	logger.Warnf("requesting guest shutdown: %s, asking hypervisor to stop", guestErr)
	shutdownFallbacks.Inc()

	if err := fallback(ctx); err != nil {
		return fmt.Errorf("stopping vm %s: %w", name, err)
	}

	return nil
}

func (a *app) SpawnTerminal(ctx context.Context, name string) error {
	status, err := a.observe(ctx, name)
	if err != nil {
		return err
	}

	if status != models.Running {
		return fmt.Errorf("vm %s is %s: %w", name, status, berrors.ErrVMNotRunning)
	}

	vmState := a.ports.Repo.State(name)
	if err := a.ports.Guest(vmState.VSockPath()).SpawnTerminal(ctx); err != nil {
		return fmt.Errorf("spawning terminal in %s: %w", name, err)
	}

	log.GetLogger(ctx).WithField("vm", name).Info("terminal spawned")

	return nil
}

func (a *app) Subscribe() (<-chan models.StatusEvent, func()) {
	return a.machine.Subscribe()
}

// observe merges the filesystem status of a VM into the machine and
// returns the resulting status.
func (a *app) observe(ctx context.Context, name string) (models.VMStatus, error) {
	vm, err := a.ports.Repo.Get(ctx, name)
	if err != nil {
		return models.NotRunning, fmt.Errorf("getting vm %s: %w", name, err)
	}

	return a.machine.Seed(vm.Name, vm.Status), nil
}

func (a *app) provider() (ports.HypervisorService, error) {
	provider, ok := a.ports.Hypervisors[a.cfg.Provider]
	if !ok {
		return nil, fmt.Errorf("provider %q: %w", a.cfg.Provider, berrors.ErrProviderRequired)
	}

	return provider, nil
}

func (a *app) session(name string) *Session {
	a.mu.Lock()
	defer a.mu.Unlock()

	return a.sessions[name]
}

func (a *app) release(session *Session) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.sessions[session.VM] == session {
		delete(a.sessions, session.VM)
	}
}
