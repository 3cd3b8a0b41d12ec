package inject

import (
	"fmt"

	"bubbles/internal/config"
	"bubbles/pkg/app"
	"bubbles/pkg/ports"
)

// New builds the ports and the app for cfg.
func New(cfg *config.Config) (app.App, *ports.Collection, error) {
	collection, err := InitializePorts(cfg)
	if err != nil {
		return nil, nil, fmt.Errorf("initializing ports: %w", err)
	}

	return InitializeApp(cfg, collection), collection, nil
}
