package ports

import (
	"context"

	"bubbles/pkg/models"
	"bubbles/pkg/registry"
)

// VMRepository is the port definition for the directory backed VM registry.
type VMRepository interface {
	// List returns every VM below the storage root with a status derived from the filesystem.
	List(ctx context.Context) ([]models.VM, error)
	// Get returns a single VM.
	Get(ctx context.Context, name string) (models.VM, error)
	// Create copies the assets of image into a new VM directory.
	Create(ctx context.Context, name, image string) (models.VM, error)
	// State returns the path accessor for a VM.
	State(name string) *registry.State
}
