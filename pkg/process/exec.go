package process

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"

	"github.com/firecracker-microvm/firecracker-go-sdk"
	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"
	"golang.org/x/sys/unix"

	"bubbles/pkg/defaults"
	berrors "bubbles/pkg/errors"
	"bubbles/pkg/log"
	"bubbles/pkg/models"
	"bubbles/pkg/ports"
)

// Runner starts processes with os/exec. Output is appended to the files
// named by the process spec through fs.
type Runner struct {
	fs afero.Fs
}

func NewRunner(fs afero.Fs) ports.ProcessRunner {
	return &Runner{fs: fs}
}

// Start launches the process. The process outlives ctx, it is only stopped
// by signalling it.
func (r *Runner) Start(ctx context.Context, spec ports.ProcessSpec) (ports.Process, error) {
	logger := log.GetLogger(ctx).WithFields(logrus.Fields{
		"role": spec.Role,
		"bin":  spec.Bin,
	})

	builder := firecracker.VMCommandBuilder{}.
		WithBin(spec.Bin).
		WithArgs(spec.Args).
		WithStdin(&bytes.Buffer{})

	var closers []io.Closer

	if spec.StdoutPath != "" {
		stdout, err := r.fs.OpenFile(spec.StdoutPath, os.O_WRONLY|os.O_CREATE|os.O_APPEND, defaults.DataFilePerm)
		if err != nil {
			return nil, fmt.Errorf("opening stdout file %s: %w", spec.StdoutPath, err)
		}

		closers = append(closers, stdout)
		builder = builder.WithStdout(stdout)
	}

	if spec.StderrPath != "" {
		stderr, err := r.fs.OpenFile(spec.StderrPath, os.O_WRONLY|os.O_CREATE|os.O_APPEND, defaults.DataFilePerm)
		if err != nil {
			closeAll(closers)

			return nil, fmt.Errorf("opening stderr file %s: %w", spec.StderrPath, err)
		}

		closers = append(closers, stderr)
		builder = builder.WithStderr(stderr)
	}

	cmd := builder.Build(context.Background()) //nolint: contextcheck // the process is owned by the caller, not ctx.
	cmd.Dir = spec.Dir

	if len(spec.Env) > 0 {
		cmd.Env = append(os.Environ(), spec.Env...)
	}

	logger.Debugf("starting process with args %v", spec.Args)

	if err := cmd.Start(); err != nil {
		closeAll(closers)

		return nil, fmt.Errorf("starting %s process: %w", spec.Role, err)
	}

	proc := &execProcess{
		role: spec.Role,
		cmd:  cmd,
		done: make(chan struct{}),
	}

	// Reap the process
	go func() {
		proc.err = cmd.Wait()
		closeAll(closers)
		close(proc.done)

		logger.WithField("pid", cmd.Process.Pid).Debugf("process exited: %v", proc.err)
	}()

	return proc, nil
}

// CheckExecutable verifies path exists and may be executed by this user.
func (r *Runner) CheckExecutable(path string) error {
	if err := unix.Access(path, unix.X_OK); err != nil {
		return berrors.NewExecutableError(path, err)
	}

	return nil
}

type execProcess struct {
	role models.ProcessRole
	cmd  *exec.Cmd
	done chan struct{}
	err  error
}

func (p *execProcess) Role() models.ProcessRole {
	return p.role
}

func (p *execProcess) Pid() int {
	return p.cmd.Process.Pid
}

func (p *execProcess) Signal(sig os.Signal) error {
	select {
	case <-p.done:
		return nil
	default:
	}

	if err := p.cmd.Process.Signal(sig); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return fmt.Errorf("signalling %s process %d: %w", p.role, p.Pid(), err)
	}

	return nil
}

func (p *execProcess) Wait(ctx context.Context) error {
	select {
	case <-p.done:
		return p.err
	case <-ctx.Done():
		return fmt.Errorf("waiting for %s process: %w", p.role, ctx.Err())
	}
}

func (p *execProcess) Done() <-chan struct{} {
	return p.done
}

func closeAll(closers []io.Closer) {
	for _, c := range closers {
		_ = c.Close()
	}
}
