package hypervisor

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/afero"

	"bubbles/internal/config"
	"bubbles/pkg/defaults"
	berrors "bubbles/pkg/errors"
	"bubbles/pkg/hypervisor/crosvm"
	"bubbles/pkg/models"
	"bubbles/pkg/ports"
)

// NewFromConfig will create instances of the vm providers based on the config.
func NewFromConfig(cfg *config.Config, runner ports.ProcessRunner, fs afero.Fs) (map[string]ports.HypervisorService, error) {
	providers := map[string]ports.HypervisorService{}

	if cfg.ToolsDir != "" {
		providers[crosvm.HypervisorName] = crosvm.New(&crosvm.Config{
			CrosvmBin: filepath.Join(cfg.ToolsDir, defaults.HypervisorBinName),
			Hardware: models.Hardware{
				CPUs:   cfg.CPUs,
				Memory: cfg.Memory,
			},
			GuestCID: cfg.GuestCID,
		}, runner, fs)
	}

	if len(providers) == 0 {
		return nil, berrors.ErrProviderRequired
	}

	if _, ok := providers[cfg.Provider]; !ok {
		return nil, fmt.Errorf("provider %q is not enabled: %w", cfg.Provider, berrors.ErrProviderRequired)
	}

	return providers, nil
}
