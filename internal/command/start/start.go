package start

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/sys/unix"

	cmdflags "bubbles/internal/command/flags"
	"bubbles/internal/config"
	"bubbles/internal/inject"
	"bubbles/pkg/app"
	"bubbles/pkg/flags"
	"bubbles/pkg/log"
	"bubbles/pkg/models"
	"bubbles/pkg/processors"
)

const metricsShutdownTimeout = 5 * time.Second

func NewCommand(cfg *config.Config) (*cobra.Command, error) {
	cmd := &cobra.Command{
		Use:   "start <name>",
		Short: "Start a vm and keep it running until interrupted",
		Args:  cobra.ExactArgs(1),
		PreRunE: func(c *cobra.Command, _ []string) error {
			flags.BindCommandToViper(c)

			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), cfg, cmd.OutOrStdout(), args[0])
		},
	}

	cmdflags.AddMetricsFlagsToCommand(cmd, cfg)

	return cmd, nil
}

func run(ctx context.Context, cfg *config.Config, out io.Writer, name string) error {
	logger := log.GetLogger(ctx).WithField("vm", name)

	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, unix.SIGTERM)
	defer cancel()

	a, _, err := inject.New(cfg)
	if err != nil {
		return err
	}

	if cfg.MetricsEndpoint != "" {
		server := serveMetrics(ctx, cfg.MetricsEndpoint)
		defer func() {
			shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), metricsShutdownTimeout)
			defer cancelShutdown()

			_ = server.Shutdown(shutdownCtx)
		}()
	}

	subscription := processors.NewStatusProcessor(a, func(_ context.Context, evt models.StatusEvent) bool {
		if evt.VM != name {
			return true
		}

		fmt.Fprintf(out, "%s: %s\n", evt.VM, evt.Status)

		return evt.Status != models.NotRunning
	}).Subscribe()

	reported := make(chan struct{})
	go func() {
		defer close(reported)

		if err := subscription.Run(context.WithoutCancel(ctx)); err != nil {
			logger.Errorf("processing status events: %s", err)
		}
	}()

	session, err := a.Start(ctx, name)
	if err != nil {
		return err
	}

	select {
	case <-session.Done():
		<-reported

		return session.Err()
	case <-ctx.Done():
	}

	logger.Info("interrupted, stopping vm")

	if err := stopWhenReady(a, session); err != nil {
		return err
	}

	<-reported

	return session.Err()
}

// stopWhenReady stops the session's VM once it finished booting. A boot in
// progress cannot be cancelled.
func stopWhenReady(a app.App, session *app.Session) error {
	select {
	case <-session.Ready():
	case <-session.Done():
		return nil
	}

	if err := a.Stop(context.Background(), session.VM); err != nil {
		return fmt.Errorf("stopping vm %s: %w", session.VM, err)
	}

	return nil
}

func serveMetrics(ctx context.Context, endpoint string) *http.Server {
	logger := log.GetLogger(ctx)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	server := &http.Server{
		Addr:              endpoint,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Infof("serving metrics on %s", endpoint)

		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Errorf("serving metrics: %s", err)
		}
	}()

	return server
}
