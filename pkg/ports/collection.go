package ports

import (
	"time"

	"github.com/spf13/afero"
)

type Collection struct {
	Repo        VMRepository
	Hypervisors map[string]HypervisorService
	Network     NetworkService
	Guest       GuestClientFactory
	Images      ImageService
	FileSystem  afero.Fs
	Clock       func() time.Time
}
