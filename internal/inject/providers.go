package inject

import (
	"path/filepath"
	"time"

	"github.com/spf13/afero"

	"bubbles/internal/config"
	"bubbles/pkg/app"
	"bubbles/pkg/defaults"
	"bubbles/pkg/images"
	"bubbles/pkg/models"
	"bubbles/pkg/network"
	"bubbles/pkg/ports"
	"bubbles/pkg/registry"
)

func appConfig(cfg *config.Config) *app.Config {
	return &app.Config{
		Provider:     cfg.Provider,
		DefaultImage: cfg.Image,
		PollInterval: cfg.PollInterval,
		ReadyTimeout: cfg.ReadyTimeout,
		StopTimeout:  cfg.StopTimeout,
	}
}

func registryConfig(cfg *config.Config) *registry.Config {
	return &registry.Config{
		StorageRoot:      cfg.StorageRoot,
		NetworkSocketDir: cfg.NetworkSocketDir,
		Hardware: models.Hardware{
			CPUs:   cfg.CPUs,
			Memory: cfg.Memory,
		},
		FirstGuestCID: cfg.GuestCID,
	}
}

func imagesConfig(cfg *config.Config, repo *registry.Registry) *images.Config {
	return &images.Config{
		Root:            repo.ImagesRoot(),
		DownloadCommand: cfg.DownloadCommand,
		Catalog:         images.DefaultCatalog(),
	}
}

func networkConfig(cfg *config.Config) *network.Config {
	return &network.Config{
		ForwarderBin: filepath.Join(cfg.ToolsDir, defaults.SocketForwarderBinName),
		BackendBin:   filepath.Join(cfg.ToolsDir, defaults.NetworkBackendBinName),
		GuestCID:     cfg.GuestCID,
		AgentPort:    cfg.AgentPort,
		PollInterval: cfg.PollInterval,
	}
}

func appPorts(
	repo ports.VMRepository,
	providers map[string]ports.HypervisorService,
	networkSvc ports.NetworkService,
	guestFactory ports.GuestClientFactory,
	imageSvc ports.ImageService,
	fs afero.Fs,
) *ports.Collection {
	return &ports.Collection{
		Repo:        repo,
		Hypervisors: providers,
		Network:     networkSvc,
		Guest:       guestFactory,
		Images:      imageSvc,
		FileSystem:  fs,
		Clock:       time.Now,
	}
}
