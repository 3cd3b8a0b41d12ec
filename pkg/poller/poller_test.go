package poller_test

import (
	"context"
	"errors"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	g "github.com/onsi/gomega"
	"github.com/spf13/afero"

	"bubbles/pkg/poller"
)

func TestAwaitCondition_retriesUntilSuccess(t *testing.T) {
	g.RegisterTestingT(t)

	var calls atomic.Int32

	probe := func(context.Context) error {
		if calls.Add(1) < 4 {
			return errors.New("not yet")
		}

		return nil
	}

	err := poller.AwaitCondition(context.Background(), probe, time.Millisecond)

	g.Expect(err).NotTo(g.HaveOccurred())
	g.Expect(calls.Load()).To(g.BeEquivalentTo(4))
}

func TestAwaitCondition_contextEndsLoop(t *testing.T) {
	g.RegisterTestingT(t)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	err := poller.AwaitCondition(ctx, func(context.Context) error { return errors.New("never") }, time.Millisecond)

	g.Expect(err).To(g.MatchError(context.DeadlineExceeded))
}

func TestPathExists(t *testing.T) {
	g.RegisterTestingT(t)

	fs := afero.NewMemMapFs()
	probe := poller.PathExists(fs, "/tmp/passt_socket_dev")

	g.Expect(probe(context.Background())).NotTo(g.Succeed())

	g.Expect(afero.WriteFile(fs, "/tmp/passt_socket_dev", nil, 0o644)).To(g.Succeed())

	g.Expect(probe(context.Background())).To(g.Succeed())
}

func TestAwaitCondition_pathCreatedLater(t *testing.T) {
	g.RegisterTestingT(t)

	fs := afero.NewMemMapFs()
	path := filepath.Join("/run", "sock")

	go func() {
		time.Sleep(10 * time.Millisecond)
		_ = afero.WriteFile(fs, path, nil, 0o644)
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	g.Expect(poller.AwaitCondition(ctx, poller.PathExists(fs, path), time.Millisecond)).To(g.Succeed())
}

func TestCommand(t *testing.T) {
	g.RegisterTestingT(t)

	g.Expect(poller.Command("true")(context.Background())).To(g.Succeed())
	g.Expect(poller.Command("false")(context.Background())).NotTo(g.Succeed())
}
