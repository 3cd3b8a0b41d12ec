package guest

import (
	"context"
	"fmt"
	"os"
	"os/exec"

	"bubbles/pkg/log"
)

// ExecutorConfig configures the commands run inside the guest.
type ExecutorConfig struct {
	// PowerOffCommand is run to power the guest off.
	PowerOffCommand []string
	// TerminalCommand opens a terminal emulator.
	TerminalCommand []string
	// TerminalDir is the working directory of the terminal.
	TerminalDir string
	// RuntimeDir is exported as XDG_RUNTIME_DIR so the terminal finds the display session.
	RuntimeDir string
}

// CommandExecutor starts the configured commands and does not wait for them.
type CommandExecutor struct {
	cfg *ExecutorConfig
}

func NewCommandExecutor(cfg *ExecutorConfig) *CommandExecutor {
	return &CommandExecutor{cfg: cfg}
}

func (e *CommandExecutor) PowerOff(ctx context.Context) error {
	return e.spawn(ctx, e.cfg.PowerOffCommand, "", nil)
}

func (e *CommandExecutor) SpawnTerminal(ctx context.Context) error {
	env := append(os.Environ(), "XDG_RUNTIME_DIR="+e.cfg.RuntimeDir)

	return e.spawn(ctx, e.cfg.TerminalCommand, e.cfg.TerminalDir, env)
}

func (e *CommandExecutor) spawn(ctx context.Context, command []string, dir string, env []string) error {
	if len(command) == 0 {
		return fmt.Errorf("no command configured")
	}

	cmd := exec.Command(command[0], command[1:]...) //nolint: gosec // commands come from agent flags.
	cmd.Dir = dir
	cmd.Env = env

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("starting %s: %w", command[0], err)
	}

	log.GetLogger(ctx).WithField("pid", cmd.Process.Pid).Infof("started %s", command[0])

	// Reap the process
	go func() { _ = cmd.Wait() }()

	return nil
}
