package app

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sys/unix"

	berrors "bubbles/pkg/errors"
	"bubbles/pkg/filelock"
	"bubbles/pkg/log"
	"bubbles/pkg/models"
	"bubbles/pkg/poller"
	"bubbles/pkg/ports"
	"bubbles/pkg/process"
	"bubbles/pkg/registry"
	"bubbles/pkg/state"
)

// Session is one run of a VM, from the start request until every process
// of the VM exited. It owns those processes.
type Session struct {
	VM        string
	Operation uuid.UUID

	app      *app
	op       *state.Operation
	vm       *registry.State
	provider ports.HypervisorService
	lock     *filelock.Lock

	ready chan struct{}
	done  chan struct{}

	mu         sync.Mutex
	err        error
	stopping   bool
	hypervisor ports.Process
}

func newSession(a *app, op *state.Operation, vm *registry.State, provider ports.HypervisorService, lock *filelock.Lock) *Session {
	return &Session{
		VM:        vm.Name(),
		Operation: op.ID,
		app:       a,
		op:        op,
		vm:        vm,
		provider:  provider,
		lock:      lock,
		ready:     make(chan struct{}),
		done:      make(chan struct{}),
	}
}

// Ready is closed once the guest agent answered.
func (s *Session) Ready() <-chan struct{} {
	return s.ready
}

// Done is closed once the VM is NotRunning again.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Wait blocks until the session is done and returns the reason it failed, if any.
func (s *Session) Wait(ctx context.Context) error {
	select {
	case <-s.done:
		return s.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.err
}

func (s *Session) run(ctx context.Context) {
	logger := log.GetLogger(ctx)
	clock := s.app.ports.Clock
	started := clock()

	var (
		sidecars *ports.Sidecars
		hv       ports.Process
		err      error
	)

	defer func() {
		if r := recover(); r != nil {
			s.fail(ctx, "panic", hv, sidecars, fmt.Errorf("vm session panicked: %v", r))
		}
	}()

	sidecars, err = s.app.ports.Network.Setup(ctx, s.vm)
	if err != nil {
		s.fail(ctx, "network", nil, nil, fmt.Errorf("setting up network: %w", err))

		return
	}

	hv, err = s.provider.Start(ctx, s.vm)
	if err != nil {
		s.fail(ctx, "hypervisor", nil, sidecars, fmt.Errorf("starting hypervisor: %w", err))

		return
	}

	s.mu.Lock()
	s.hypervisor = hv
	s.mu.Unlock()

	if err := s.awaitReady(ctx, hv); err != nil {
		s.fail(ctx, "readiness", hv, sidecars, err)

		return
	}

	if err := s.op.Running(); err != nil {
		s.fail(ctx, "readiness", hv, sidecars, fmt.Errorf("marking vm running: %w", err))

		return
	}

	s.record(ctx, models.Running)
	startDuration.Observe(clock().Sub(started).Seconds())
	close(s.ready)
	logger.Info("vm running")

	exitErr := hv.Wait(context.Background())

	s.mu.Lock()
	requested := s.stopping
	s.mu.Unlock()

	if err := s.op.Stopping(); err != nil && !berrors.IsInvalidTransition(err) {
		logger.Warnf("marking vm stopping: %s", err)
	}

	s.record(ctx, models.InFlux)

	var result error

	switch {
	case exitErr == nil:
		logger.Info("hypervisor exited")
	case requested:
		logger.Debugf("hypervisor exited: %s", exitErr)
	default:
		logger.Errorf("hypervisor exited unexpectedly: %s", exitErr)
		result = fmt.Errorf("hypervisor exited: %w", exitErr)
	}

	if err := s.app.ports.Network.Teardown(ctx, sidecars); err != nil {
		logger.Warnf("tearing down network: %s", err)
	}

	s.finish(ctx, result)
}

// awaitReady polls the guest agent until it answers. Polling ends early
// when the hypervisor exits or the ready timeout passes.
func (s *Session) awaitReady(ctx context.Context, hv ports.Process) error {
	readyCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	if timeout := s.app.cfg.ReadyTimeout; timeout > 0 {
		readyCtx, cancel = context.WithTimeout(readyCtx, timeout)
		defer cancel()
	}

	go func() {
		select {
		case <-hv.Done():
			cancel()
		case <-readyCtx.Done():
		}
	}()

	checker := s.app.ports.Guest(s.vm.VSockPath())
	probe := func(ctx context.Context) error {
		readinessAttempts.Inc()

		return checker.Ready(ctx)
	}

	err := poller.AwaitCondition(readyCtx, probe, s.app.cfg.PollInterval)
	if err == nil {
		return nil
	}

	select {
	case <-hv.Done():
		return berrors.ErrHypervisorExited
	default:
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("guest not ready after %s: %w", s.app.cfg.ReadyTimeout, berrors.ErrGuestUnreachable)
	}

	return fmt.Errorf("waiting for guest: %w", err)
}

// fail stops whatever the session started, hypervisor first, and returns
// the VM to NotRunning with err.
func (s *Session) fail(ctx context.Context, stage string, hv ports.Process, sidecars *ports.Sidecars, err error) {
	logger := log.GetLogger(ctx).WithField("stage", stage)
	logger.Errorf("starting vm: %s", err)
	startFailures.WithLabelValues(stage).Inc()

	if hv != nil {
		if stopErr := process.Stop(ctx, unix.SIGTERM, hv); stopErr != nil {
			logger.Warnf("stopping hypervisor: %s", stopErr)
		}
	}

	if sidecars != nil {
		if tdErr := s.app.ports.Network.Teardown(ctx, sidecars); tdErr != nil {
			logger.Warnf("tearing down network: %s", tdErr)
		}
	}

	s.finish(ctx, err)
}

// record publishes the status of the VM to other bubbles processes.
func (s *Session) record(ctx context.Context, status models.VMStatus) {
	if err := s.vm.RecordStatus(s.lock, status); err != nil {
		log.GetLogger(ctx).Warnf("recording vm status: %s", err)
	}
}

func (s *Session) finish(ctx context.Context, err error) {
	logger := log.GetLogger(ctx)

	if cleanErr := s.vm.CleanupRuntime(); cleanErr != nil {
		logger.Warnf("cleaning up runtime files: %s", cleanErr)
	}

	if relErr := s.lock.Release(); relErr != nil {
		logger.Warnf("releasing vm lock: %s", relErr)
	}

	s.mu.Lock()
	s.err = err
	s.mu.Unlock()

	s.app.release(s)

	if opErr := s.op.NotRunning(err); opErr != nil {
		logger.Errorf("marking vm not running: %s", opErr)
	}

	close(s.done)
	logger.Info("vm stopped")
}

// stop requests the guest to shut down and waits for the session to end.
func (s *Session) stop(ctx context.Context) error {
	logger := log.GetLogger(ctx).WithField("vm", s.VM)

	s.mu.Lock()
	if s.stopping {
		s.mu.Unlock()

		return berrors.ErrVMBusy
	}

	s.stopping = true
	hv := s.hypervisor
	s.mu.Unlock()

	if err := s.op.Stopping(); err != nil {
		// The hypervisor exited on its own and the session is winding down.
		logger.Debugf("marking vm stopping: %s", err)

		return s.wait(ctx)
	}

	s.record(ctx, models.InFlux)

	err := s.app.requestShutdown(ctx, s.VM, s.vm.VSockPath(), func(ctx context.Context) error {
		if err := s.provider.RequestStop(ctx, s.vm); err != nil {
			logger.Warnf("requesting hypervisor stop: %s, terminating hypervisor", err)

			return hv.Signal(unix.SIGTERM)
		}

		return nil
	})
	if err != nil {
		return err
	}

	if timeout := s.app.cfg.StopTimeout; timeout > 0 {
		select {
		case <-s.done:
		case <-time.After(timeout):
			logger.Warnf("guest did not power off within %s, asking hypervisor to stop", timeout)

			if err := s.provider.RequestStop(ctx, s.vm); err != nil {
				logger.Warnf("requesting hypervisor stop: %s", err)
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	return s.wait(ctx)
}

// wait is Wait without the failure of the start, a stopped session is a
// successful stop.
func (s *Session) wait(ctx context.Context) error {
	select {
	case <-s.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
