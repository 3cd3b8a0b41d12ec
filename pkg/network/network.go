// Package network runs the two sidecars every VM depends on: the socket
// forwarder bridging the host control socket to the guest virtual socket,
// and the user mode network backend the hypervisor attaches its network
// device to.
package network

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"
	"golang.org/x/sys/unix"

	"bubbles/pkg/log"
	"bubbles/pkg/models"
	"bubbles/pkg/poller"
	"bubbles/pkg/ports"
	"bubbles/pkg/process"
	"bubbles/pkg/registry"
)

// Config for the bridge sidecars.
type Config struct {
	// ForwarderBin is the socket forwarder executable.
	ForwarderBin string
	// BackendBin is the network backend executable.
	BackendBin string
	// GuestCID is the virtual socket context id of guests created without one.
	GuestCID uint32
	// AgentPort is the virtual socket port of the guest agent.
	AgentPort uint32
	// PollInterval is the delay between checks for the backend socket.
	PollInterval time.Duration
}

func New(cfg *Config, runner ports.ProcessRunner, fs afero.Fs) ports.NetworkService {
	return &bridgeService{
		config: cfg,
		runner: runner,
		fs:     fs,
	}
}

type bridgeService struct {
	config *Config
	runner ports.ProcessRunner
	fs     afero.Fs
}

func (b *bridgeService) Validate() error {
	var errs []error

	for _, bin := range []string{b.config.ForwarderBin, b.config.BackendBin} {
		if err := b.runner.CheckExecutable(bin); err != nil {
			errs = append(errs, err)
		}
	}

	return errors.Join(errs...)
}

// Setup starts the forwarder, then the backend, and waits for the backend
// socket. Anything started is terminated again when a step fails.
func (b *bridgeService) Setup(ctx context.Context, vm *registry.State) (*ports.Sidecars, error) {
	logger := log.GetLogger(ctx).WithFields(logrus.Fields{
		"service": "bridge",
		"vm":      vm.Name(),
	})

	group := &process.Group{}

	// Terminate is a no-op once the sidecars were released to the caller.
	defer func() {
		if termErr := group.Terminate(context.WithoutCancel(ctx), unix.SIGTERM); termErr != nil {
			logger.Warnf("terminating sidecars: %s", termErr)
		}
	}()

	forwarderSpec, err := b.forwarderSpec(vm)
	if err != nil {
		return nil, err
	}

	forwarder, err := b.runner.Start(ctx, forwarderSpec)
	if err != nil {
		return nil, fmt.Errorf("starting socket forwarder: %w", err)
	}

	group.Add(forwarder)
	logger.WithField("pid", forwarder.Pid()).Debug("socket forwarder started")

	backend, err := b.runner.Start(ctx, b.backendSpec(vm))
	if err != nil {
		return nil, fmt.Errorf("starting network backend: %w", err)
	}

	group.Add(backend)
	logger.WithField("pid", backend.Pid()).Debug("network backend started")

	if err := b.awaitBackend(ctx, vm, backend); err != nil {
		return nil, err
	}

	group.Release()
	logger.Info("bridge ready")

	return &ports.Sidecars{Forwarder: forwarder, Backend: backend}, nil
}

// Teardown signals both sidecars before waiting on either of them.
func (b *bridgeService) Teardown(ctx context.Context, sidecars *ports.Sidecars) error {
	if sidecars == nil {
		return nil
	}

	var procs []ports.Process

	for _, proc := range []ports.Process{sidecars.Forwarder, sidecars.Backend} {
		if proc != nil {
			procs = append(procs, proc)
		}
	}

	if err := process.Stop(ctx, unix.SIGTERM, procs...); err != nil {
		return fmt.Errorf("stopping sidecars: %w", err)
	}

	return nil
}

func (b *bridgeService) awaitBackend(ctx context.Context, vm *registry.State, backend ports.Process) error {
	waitCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	go func() {
		select {
		case <-backend.Done():
			cancel()
		case <-waitCtx.Done():
		}
	}()

	err := poller.AwaitCondition(waitCtx, poller.PathExists(b.fs, vm.NetworkSocketPath()), b.config.PollInterval)
	if err == nil {
		return nil
	}

	select {
	case <-backend.Done():
		return fmt.Errorf("network backend exited before creating %s", vm.NetworkSocketPath())
	default:
		return fmt.Errorf("waiting for network backend socket: %w", err)
	}
}

func (b *bridgeService) forwarderSpec(vm *registry.State) (ports.ProcessSpec, error) {
	cid, err := vm.GuestCID(b.config.GuestCID)
	if err != nil {
		return ports.ProcessSpec{}, fmt.Errorf("reading guest context id: %w", err)
	}

	return ports.ProcessSpec{
		Role: models.RoleBridge,
		Bin:  b.config.ForwarderBin,
		Args: []string{
			fmt.Sprintf("UNIX-LISTEN:%s,fork", vm.VSockPath()),
			fmt.Sprintf("VSOCK-CONNECT:%d:%d", cid, b.config.AgentPort),
		},
		StdoutPath: vm.StdoutPath(models.RoleBridge),
		StderrPath: vm.StderrPath(models.RoleBridge),
	}, nil
}

func (b *bridgeService) backendSpec(vm *registry.State) ports.ProcessSpec {
	return ports.ProcessSpec{
		Role: models.RoleNetworkBackend,
		Bin:  b.config.BackendBin,
		Args: []string{
			"-f",
			"--vhost-user",
			"--socket",
			vm.NetworkSocketPath(),
		},
		StdoutPath: vm.StdoutPath(models.RoleNetworkBackend),
		StderrPath: vm.StderrPath(models.RoleNetworkBackend),
	}
}
