package processors_test

import (
	"context"
	"testing"
	"time"

	g "github.com/onsi/gomega"

	"bubbles/pkg/models"
	"bubbles/pkg/processors"
	"bubbles/pkg/state"
)

func TestStatusProcessor_stopsWhenHandlerReturnsFalse(t *testing.T) {
	g.RegisterTestingT(t)

	machine := state.New(nil)

	var seen []models.VMStatus
	sub := processors.NewStatusProcessor(machine, func(_ context.Context, evt models.StatusEvent) bool {
		seen = append(seen, evt.Status)

		return evt.Status != models.NotRunning
	}).Subscribe()

	op, err := machine.Begin("vm1")
	g.Expect(err).NotTo(g.HaveOccurred())
	g.Expect(op.Running()).To(g.Succeed())
	g.Expect(op.Stopping()).To(g.Succeed())
	g.Expect(op.NotRunning(nil)).To(g.Succeed())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	g.Expect(sub.Run(ctx)).To(g.Succeed())
	g.Expect(seen).To(g.Equal([]models.VMStatus{
		models.InFlux, models.Running, models.InFlux, models.NotRunning,
	}))
}

func TestStatusProcessor_contextDone(t *testing.T) {
	g.RegisterTestingT(t)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	g.Expect(processors.NewStatusProcessor(state.New(nil), nil).Run(ctx)).To(g.Succeed())

	deadline, cancelDeadline := context.WithTimeout(context.Background(), time.Millisecond)
	defer cancelDeadline()

	g.Expect(processors.NewStatusProcessor(state.New(nil), nil).Run(deadline)).To(g.MatchError(context.DeadlineExceeded))
}
