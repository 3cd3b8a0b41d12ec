// Package agent is the guest side of the control channel. It runs inside
// every bubble and answers the host over a virtual socket.
package agent

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"time"

	"github.com/mdlayher/vsock"
	"github.com/spf13/cobra"
	"golang.org/x/sys/unix"

	"bubbles/internal/version"
	"bubbles/pkg/defaults"
	"bubbles/pkg/flags"
	"bubbles/pkg/guest"
	"bubbles/pkg/log"
)

const shutdownTimeout = 5 * time.Second

// Config of the guest agent.
type Config struct {
	Logging log.Config
	// VSockPort is the virtual socket port to listen on.
	VSockPort uint32
	// Listen is a TCP address to listen on instead of the virtual socket.
	Listen   string
	Executor guest.ExecutorConfig
}

func NewCommand() *cobra.Command {
	cfg := &Config{}

	cmd := &cobra.Command{
		Use:          "bubbles-agent",
		Short:        "Answer control requests from the bubbles host",
		Version:      version.Version,
		SilenceUsage: true,
		Args:         cobra.NoArgs,
		PreRunE: func(c *cobra.Command, _ []string) error {
			flags.BindCommandToViper(c)

			if err := log.Configure(&cfg.Logging); err != nil {
				return fmt.Errorf("configuring logging: %w", err)
			}

			return nil
		},
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd.Context(), cfg)
		},
	}

	log.AddFlagsToCommand(cmd, &cfg.Logging)

	cmd.Flags().Uint32Var(&cfg.VSockPort,
		"vsock-port",
		defaults.AgentVSockPort,
		"The virtual socket port to listen on.")

	cmd.Flags().StringVar(&cfg.Listen,
		"listen",
		"",
		"A TCP address to listen on instead of the virtual socket, for development.")

	cmd.Flags().StringSliceVar(&cfg.Executor.PowerOffCommand,
		"poweroff-command",
		[]string{"sudo", "shutdown", "-h", "now"},
		"The command powering the guest off.")

	cmd.Flags().StringSliceVar(&cfg.Executor.TerminalCommand,
		"terminal-command",
		[]string{defaults.GuestTerminalEmulator},
		"The command opening a terminal window.")

	cmd.Flags().StringVar(&cfg.Executor.TerminalDir,
		"terminal-dir",
		defaults.GuestTerminalDir,
		"The working directory of new terminals.")

	cmd.Flags().StringVar(&cfg.Executor.RuntimeDir,
		"runtime-dir",
		defaults.GuestRuntimeDir,
		"The XDG_RUNTIME_DIR of the display session.")

	return cmd
}

// Listen opens the listener described by cfg.
func Listen(cfg *Config) (net.Listener, error) {
	if cfg.Listen != "" {
		listener, err := net.Listen("tcp", cfg.Listen)
		if err != nil {
			return nil, fmt.Errorf("listening on %s: %w", cfg.Listen, err)
		}

		return listener, nil
	}

	listener, err := vsock.Listen(cfg.VSockPort, nil)
	if err != nil {
		return nil, fmt.Errorf("listening on vsock port %d: %w", cfg.VSockPort, err)
	}

	return listener, nil
}

func run(ctx context.Context, cfg *Config) error {
	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, unix.SIGTERM)
	defer cancel()

	listener, err := Listen(cfg)
	if err != nil {
		return err
	}

	return Serve(ctx, listener, guest.NewCommandExecutor(&cfg.Executor))
}

// Serve answers control requests on listener until ctx is done.
func Serve(ctx context.Context, listener net.Listener, executor guest.Executor) error {
	logger := log.GetLogger(ctx)

	server := &http.Server{
		Handler:           guest.NewHandler(ctx, executor),
		ReadHeaderTimeout: shutdownTimeout,
	}

	go func() {
		<-ctx.Done()
		logger.Info("shutting down agent")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		_ = server.Shutdown(shutdownCtx)
	}()

	logger.Infof("agent listening on %s", listener.Addr())

	if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("serving control requests: %w", err)
	}

	return nil
}
