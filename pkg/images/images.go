// Package images manages the base images new VMs are copied from.
package images

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"

	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"
	"golang.org/x/sys/unix"

	"bubbles/pkg/defaults"
	berrors "bubbles/pkg/errors"
	"bubbles/pkg/filelock"
	"bubbles/pkg/log"
	"bubbles/pkg/models"
	"bubbles/pkg/ports"
	"bubbles/pkg/process"
)

// Config for the image store.
type Config struct {
	// Root is the directory holding one directory per image.
	Root string
	// DownloadCommand is run to fetch an image into Root.
	DownloadCommand string
	// Catalog lists the images that can be downloaded.
	Catalog []models.Image
}

// Store is shared by every bubbles process through per image download
// locks below Root.
type Store struct {
	config *Config
	runner ports.ProcessRunner
	fs     afero.Fs
}

func New(cfg *Config, runner ports.ProcessRunner, fs afero.Fs) *Store {
	return &Store{
		config: cfg,
		runner: runner,
		fs:     fs,
	}
}

// DefaultCatalog holds the images known without configuration.
func DefaultCatalog() []models.Image {
	return []models.Image{
		{Name: defaults.Image, DisplayName: defaults.ImageDisplayName},
	}
}

func (s *Store) List(ctx context.Context) ([]models.Image, error) {
	images := make([]models.Image, 0, len(s.config.Catalog))

	for _, image := range s.config.Catalog {
		status, err := s.Status(ctx, image.Name)
		if err != nil {
			return nil, err
		}

		image.Status = status
		images = append(images, image)
	}

	return images, nil
}

// Status reports Downloading while a download of name runs, Present when
// every asset is in place and NotPresent otherwise.
func (s *Store) Status(_ context.Context, name string) (models.ImageStatus, error) {
	if err := s.fs.MkdirAll(s.config.Root, defaults.DataDirPerm); err != nil {
		return models.ImageNotPresent, fmt.Errorf("creating image root %s: %w", s.config.Root, err)
	}

	downloading, err := filelock.Held(s.fs, s.lockPath(name))
	if err != nil {
		return models.ImageNotPresent, err
	}

	if downloading {
		return models.ImageDownloading, nil
	}

	present, err := s.present(name)
	if err != nil {
		return models.ImageNotPresent, err
	}

	if present {
		return models.ImagePresent, nil
	}

	return models.ImageNotPresent, nil
}

// Download runs the download command for name and waits for it. Only one
// download of an image runs at a time, in any process, a second request
// fails right away. When ctx ends first the command is terminated and the
// image stays Downloading until it exited.
func (s *Store) Download(ctx context.Context, name string) error {
	logger := log.GetLogger(ctx).WithFields(logrus.Fields{
		"service": "images",
		"image":   name,
	})

	if !s.known(name) {
		return fmt.Errorf("%s: %w", name, berrors.ErrUnknownImage)
	}

	if err := s.fs.MkdirAll(s.config.Root, defaults.DataDirPerm); err != nil {
		return fmt.Errorf("creating image root %s: %w", s.config.Root, err)
	}

	lock, err := filelock.TryAcquire(s.fs, s.lockPath(name))
	if errors.Is(err, berrors.ErrLockHeld) {
		return berrors.ErrDownloadInProgress
	}

	if err != nil {
		return fmt.Errorf("locking image %s: %w", name, err)
	}

	release := func() {
		if err := lock.Release(); err != nil {
			logger.Warnf("releasing download lock: %s", err)
		}
	}

	logger.Info("downloading image")

	proc, err := s.runner.Start(ctx, ports.ProcessSpec{
		Role: models.RoleDownloader,
		Bin:  s.config.DownloadCommand,
		Env: []string{
			"BUBBLES_IMAGE=" + name,
			"BUBBLES_IMAGE_DIR=" + s.dir(name),
		},
		StdoutPath: filepath.Join(s.config.Root, name+".download.stdout"),
		StderrPath: filepath.Join(s.config.Root, name+".download.stderr"),
	})
	if err != nil {
		release()

		return fmt.Errorf("starting image download: %w", err)
	}

	waitErr := proc.Wait(ctx)

	select {
	case <-proc.Done():
	default:
		logger.Warn("download cancelled, terminating download command")

		if err := process.Stop(context.WithoutCancel(ctx), unix.SIGTERM, proc); err != nil {
			logger.Warnf("stopping download command: %s", err)
		}
	}

	release()

	if waitErr != nil {
		return fmt.Errorf("downloading image %s: %w", name, waitErr)
	}

	present, err := s.present(name)
	if err != nil {
		return err
	}

	if !present {
		return fmt.Errorf("download finished without assets: %w", berrors.ErrImageNotPresent)
	}

	logger.Info("image downloaded")

	return nil
}

func (s *Store) dir(name string) string {
	return filepath.Join(s.config.Root, name)
}

func (s *Store) lockPath(name string) string {
	return filepath.Join(s.config.Root, "."+name+".download.lock")
}

func (s *Store) known(name string) bool {
	for _, image := range s.config.Catalog {
		if image.Name == name {
			return true
		}
	}

	return false
}

func (s *Store) present(name string) (bool, error) {
	for _, file := range defaults.AssetFiles {
		path := filepath.Join(s.dir(name), file)

		exists, err := afero.Exists(s.fs, path)
		if err != nil {
			return false, fmt.Errorf("checking %s: %w", path, err)
		}

		if !exists {
			return false, nil
		}
	}

	return true, nil
}
