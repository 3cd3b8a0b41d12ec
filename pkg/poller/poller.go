// Package poller retries readiness probes until they succeed. There is no
// push notification for the conditions the orchestrator waits on, so each
// startup step is polled with a fixed delay.
package poller

import (
	"context"
	"fmt"
	"os/exec"
	"time"

	"github.com/spf13/afero"

	"bubbles/pkg/log"
)

// Probe checks a condition once. A nil error means the condition holds.
type Probe func(ctx context.Context) error

// AwaitCondition runs probe until it succeeds, sleeping interval between
// attempts. It never gives up by itself, only a done ctx ends the loop
// early. Probe failures are never returned, only the context error.
func AwaitCondition(ctx context.Context, probe Probe, interval time.Duration) error {
	logger := log.GetLogger(ctx)

	timer := time.NewTimer(0)
	defer timer.Stop()

	for attempt := 1; ; attempt++ {
		select {
		case <-ctx.Done():
			return fmt.Errorf("waiting for condition after %d attempts: %w", attempt-1, ctx.Err())
		case <-timer.C:
		}

		err := probe(ctx)
		if err == nil {
			logger.WithField("attempts", attempt).Debug("condition met")

			return nil
		}

		logger.WithField("attempt", attempt).Tracef("condition not met: %s", err)
		timer.Reset(interval)
	}
}

// PathExists succeeds once path exists on fs.
func PathExists(fs afero.Fs, path string) Probe {
	return func(_ context.Context) error {
		exists, err := afero.Exists(fs, path)
		if err != nil {
			return fmt.Errorf("checking %s: %w", path, err)
		}

		if !exists {
			return fmt.Errorf("%s does not exist yet", path)
		}

		return nil
	}
}

// Checker is anything able to confirm readiness with a single request.
type Checker interface {
	Ready(ctx context.Context) error
}

// Ready succeeds once checker reports readiness.
func Ready(checker Checker) Probe {
	return checker.Ready
}

// Command succeeds once the probing command exits with status zero. Every
// attempt is a fresh process.
func Command(bin string, args ...string) Probe {
	return func(ctx context.Context) error {
		if err := exec.CommandContext(ctx, bin, args...).Run(); err != nil {
			return fmt.Errorf("running probe %s: %w", bin, err)
		}

		return nil
	}
}
