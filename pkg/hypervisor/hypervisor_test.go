package hypervisor_test

import (
	"testing"

	g "github.com/onsi/gomega"
	"github.com/spf13/afero"

	"bubbles/internal/config"
	berrors "bubbles/pkg/errors"
	"bubbles/pkg/hypervisor"
	"bubbles/pkg/process/processtest"
)

func TestNewFromConfig(t *testing.T) {
	g.RegisterTestingT(t)

	cfg := &config.Config{ToolsDir: "/home/user/bubbles", Provider: "crosvm", CPUs: 4, Memory: "7000MiB", GuestCID: 3}

	providers, err := hypervisor.NewFromConfig(cfg, processtest.NewRunner(), afero.NewMemMapFs())
	g.Expect(err).NotTo(g.HaveOccurred())
	g.Expect(providers).To(g.HaveKey("crosvm"))
}

func TestNewFromConfig_noProvider(t *testing.T) {
	g.RegisterTestingT(t)

	_, err := hypervisor.NewFromConfig(&config.Config{}, processtest.NewRunner(), afero.NewMemMapFs())
	g.Expect(err).To(g.MatchError(berrors.ErrProviderRequired))

	_, err = hypervisor.NewFromConfig(&config.Config{ToolsDir: "/tools", Provider: "qemu"}, processtest.NewRunner(), afero.NewMemMapFs())
	g.Expect(err).To(g.MatchError(berrors.ErrProviderRequired))
	g.Expect(err).To(g.MatchError(g.ContainSubstring("qemu")))
}
