package process

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sync"

	"bubbles/pkg/log"
	"bubbles/pkg/ports"
)

// IsExitError reports whether err only says the process exited with a
// non-zero status or because of a signal.
func IsExitError(err error) bool {
	var exitErr *exec.ExitError

	return errors.As(err, &exitErr)
}

// Stop signals every process with sig, then waits for all of them. Exit
// statuses are logged, only failures to signal or wait are returned.
func Stop(ctx context.Context, sig os.Signal, procs ...ports.Process) error {
	logger := log.GetLogger(ctx)

	var errs []error

	for _, proc := range procs {
		if err := proc.Signal(sig); err != nil {
			errs = append(errs, err)
		}
	}

	for _, proc := range procs {
		err := proc.Wait(ctx)
		switch {
		case err == nil:
		case IsExitError(err):
			logger.WithField("role", proc.Role()).Debugf("process exited: %s", err)
		default:
			errs = append(errs, fmt.Errorf("waiting for %s: %w", proc.Role(), err))
		}
	}

	return errors.Join(errs...)
}

// Group holds the processes started during one multi step operation so they
// can be terminated together when a later step fails.
type Group struct {
	mu    sync.Mutex
	procs []ports.Process
}

func (g *Group) Add(proc ports.Process) {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.procs = append(g.procs, proc)
}

// Release hands the processes over to the caller. The group is empty afterwards.
func (g *Group) Release() []ports.Process {
	g.mu.Lock()
	defer g.mu.Unlock()

	procs := g.procs
	g.procs = nil

	return procs
}

// Terminate stops every process still held, most recently started first.
func (g *Group) Terminate(ctx context.Context, sig os.Signal) error {
	procs := g.Release()

	reversed := make([]ports.Process, 0, len(procs))
	for i := len(procs) - 1; i >= 0; i-- {
		reversed = append(reversed, procs[i])
	}

	return Stop(ctx, sig, reversed...)
}
