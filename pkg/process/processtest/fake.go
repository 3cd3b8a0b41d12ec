// Package processtest provides in-memory process runners for tests. Every
// start, signal, exit and completed wait is written to a shared Recorder so
// tests can assert on the exact ordering of process operations.
package processtest

import (
	"context"
	"fmt"
	"os"
	"sync"

	"bubbles/pkg/models"
	"bubbles/pkg/ports"
)

// Recorder keeps an ordered log of process events.
type Recorder struct {
	mu     sync.Mutex
	events []string
}

func (r *Recorder) Record(format string, args ...interface{}) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.events = append(r.events, fmt.Sprintf(format, args...))
}

func (r *Recorder) Events() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	return append([]string(nil), r.events...)
}

// Runner is a fake ports.ProcessRunner.
type Runner struct {
	Recorder *Recorder
	// StartErr makes Start fail for the given role.
	StartErr map[models.ProcessRole]error
	// ExecutableErr makes CheckExecutable fail for the given path.
	ExecutableErr map[string]error
	// OnStart is called for every started process, before Start returns.
	OnStart func(spec ports.ProcessSpec, proc *Process)

	mu      sync.Mutex
	procs   []*Process
	nextPid int
}

func NewRunner() *Runner {
	return &Runner{
		Recorder:      &Recorder{},
		StartErr:      map[models.ProcessRole]error{},
		ExecutableErr: map[string]error{},
	}
}

func (r *Runner) Start(_ context.Context, spec ports.ProcessSpec) (ports.Process, error) {
	r.mu.Lock()

	if err, ok := r.StartErr[spec.Role]; ok {
		r.mu.Unlock()
		r.Recorder.Record("start-failed:%s", spec.Role)

		return nil, err
	}

	r.nextPid++
	proc := &Process{
		Spec:         spec,
		ExitOnSignal: true,
		pid:          1000 + r.nextPid,
		rec:          r.Recorder,
		done:         make(chan struct{}),
	}
	r.procs = append(r.procs, proc)
	onStart := r.OnStart
	r.mu.Unlock()

	r.Recorder.Record("start:%s", spec.Role)

	if onStart != nil {
		onStart(spec, proc)
	}

	return proc, nil
}

func (r *Runner) CheckExecutable(path string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.ExecutableErr[path]
}

// Started returns every process started with role, oldest first.
func (r *Runner) Started(role models.ProcessRole) []*Process {
	r.mu.Lock()
	defer r.mu.Unlock()

	var procs []*Process

	for _, proc := range r.procs {
		if proc.Spec.Role == role {
			procs = append(procs, proc)
		}
	}

	return procs
}

// Last returns the most recently started process with role or nil.
func (r *Runner) Last(role models.ProcessRole) *Process {
	procs := r.Started(role)
	if len(procs) == 0 {
		return nil
	}

	return procs[len(procs)-1]
}

// Process is a fake ports.Process. It only exits when Exit is called, or on
// the first signal when ExitOnSignal is set.
type Process struct {
	Spec         ports.ProcessSpec
	ExitOnSignal bool

	pid     int
	rec     *Recorder
	done    chan struct{}
	once    sync.Once
	mu      sync.Mutex
	err     error
	signals []os.Signal
}

func (p *Process) Role() models.ProcessRole {
	return p.Spec.Role
}

func (p *Process) Pid() int {
	return p.pid
}

func (p *Process) Signal(sig os.Signal) error {
	p.rec.Record("signal:%s", p.Spec.Role)

	p.mu.Lock()
	p.signals = append(p.signals, sig)
	exit := p.ExitOnSignal
	p.mu.Unlock()

	if exit {
		p.Exit(nil)
	}

	return nil
}

func (p *Process) Signals() []os.Signal {
	p.mu.Lock()
	defer p.mu.Unlock()

	return append([]os.Signal(nil), p.signals...)
}

func (p *Process) Wait(ctx context.Context) error {
	select {
	case <-p.done:
		p.rec.Record("waited:%s", p.Spec.Role)

		return p.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *Process) Done() <-chan struct{} {
	return p.done
}

// Exit makes the process exit with err. Only the first call has an effect.
func (p *Process) Exit(err error) {
	p.once.Do(func() {
		p.mu.Lock()
		p.err = err
		p.mu.Unlock()
		p.rec.Record("exit:%s", p.Spec.Role)
		close(p.done)
	})
}

// Exited reports whether the process has exited.
func (p *Process) Exited() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}
