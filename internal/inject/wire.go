//go:build wireinject
// +build wireinject

package inject

import (
	"github.com/google/wire"
	"github.com/spf13/afero"

	"bubbles/internal/config"
	"bubbles/pkg/app"
	"bubbles/pkg/guest"
	"bubbles/pkg/hypervisor"
	"bubbles/pkg/images"
	"bubbles/pkg/network"
	"bubbles/pkg/ports"
	"bubbles/pkg/process"
	"bubbles/pkg/registry"
)

func InitializePorts(cfg *config.Config) (*ports.Collection, error) {
	wire.Build(
		registry.New,
		wire.Bind(new(ports.VMRepository), new(*registry.Registry)),
		images.New,
		wire.Bind(new(ports.ImageService), new(*images.Store)),
		hypervisor.NewFromConfig,
		network.New,
		guest.NewClientFactory,
		process.NewRunner,
		registryConfig,
		imagesConfig,
		networkConfig,
		appPorts,
		afero.NewOsFs,
	)

	return nil, nil
}

func InitializeApp(cfg *config.Config, ports *ports.Collection) app.App {
	wire.Build(app.New, appConfig)

	return nil
}
