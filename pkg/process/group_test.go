package process_test

import (
	"context"
	"testing"

	g "github.com/onsi/gomega"
	"golang.org/x/sys/unix"

	"bubbles/pkg/models"
	"bubbles/pkg/ports"
	"bubbles/pkg/process"
	"bubbles/pkg/process/processtest"
)

func TestGroup_terminateNewestFirst(t *testing.T) {
	g.RegisterTestingT(t)

	runner := processtest.NewRunner()
	group := &process.Group{}

	for _, role := range []models.ProcessRole{models.RoleBridge, models.RoleNetworkBackend} {
		proc, err := runner.Start(context.Background(), ports.ProcessSpec{Role: role})
		g.Expect(err).NotTo(g.HaveOccurred())
		group.Add(proc)
	}

	g.Expect(group.Terminate(context.Background(), unix.SIGTERM)).To(g.Succeed())
	g.Expect(runner.Recorder.Events()).To(g.Equal([]string{
		"start:bridge",
		"start:network-backend",
		"signal:network-backend",
		"exit:network-backend",
		"signal:bridge",
		"exit:bridge",
		"waited:network-backend",
		"waited:bridge",
	}))
	g.Expect(runner.Last(models.RoleBridge).Signals()).To(g.ConsistOf(unix.SIGTERM))

	// Released groups terminate nothing.
	g.Expect(group.Terminate(context.Background(), unix.SIGTERM)).To(g.Succeed())
	g.Expect(runner.Recorder.Events()).To(g.HaveLen(8))
}

func TestGroup_release(t *testing.T) {
	g.RegisterTestingT(t)

	runner := processtest.NewRunner()
	group := &process.Group{}

	proc, err := runner.Start(context.Background(), ports.ProcessSpec{Role: models.RoleHypervisor})
	g.Expect(err).NotTo(g.HaveOccurred())
	group.Add(proc)

	g.Expect(group.Release()).To(g.ConsistOf(proc))
	g.Expect(group.Terminate(context.Background(), unix.SIGTERM)).To(g.Succeed())
	g.Expect(runner.Last(models.RoleHypervisor).Exited()).To(g.BeFalse())
}
