// Package filelock provides exclusive advisory locks on files of an afero.Fs.
//
// On the OS filesystem a lock is a flock(2) held through an open file, so
// it is shared by every bubbles process and released when the holder dies.
// Other filesystems only exist inside the current process and are locked
// through an in-process table.
package filelock

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/spf13/afero"
	"golang.org/x/sys/unix"

	"bubbles/pkg/defaults"
	berrors "bubbles/pkg/errors"
)

const retryInterval = 50 * time.Millisecond

type fdFile interface {
	Fd() uintptr
}

type memKey struct {
	fs   afero.Fs
	path string
}

var (
	memMu    sync.Mutex
	memLocks = map[memKey]struct{}{}
)

// Lock is a held lock. Release it exactly once.
type Lock struct {
	path    string
	file    afero.File
	release func() error
	once    sync.Once
}

func (l *Lock) Path() string {
	return l.path
}

// Write replaces the contents of the lock file with data. Other processes
// may read it with ReadFile while the lock is held.
func (l *Lock) Write(data []byte) error {
	if err := l.file.Truncate(0); err != nil {
		return fmt.Errorf("truncating lock file %s: %w", l.path, err)
	}

	if _, err := l.file.WriteAt(data, 0); err != nil {
		return fmt.Errorf("writing lock file %s: %w", l.path, err)
	}

	return nil
}

// Release gives the lock up. Later calls do nothing.
func (l *Lock) Release() error {
	var err error

	l.once.Do(func() {
		err = l.release()
		if closeErr := l.file.Close(); err == nil && closeErr != nil {
			err = fmt.Errorf("closing lock file %s: %w", l.path, closeErr)
		}
	})

	return err
}

// TryAcquire takes the lock at path without waiting. It returns
// ErrLockHeld when someone else holds it.
func TryAcquire(fs afero.Fs, path string) (*Lock, error) {
	if err := fs.MkdirAll(filepath.Dir(path), defaults.DataDirPerm); err != nil {
		return nil, fmt.Errorf("creating lock directory for %s: %w", path, err)
	}

	file, err := fs.OpenFile(path, os.O_RDWR|os.O_CREATE, defaults.DataFilePerm)
	if err != nil {
		return nil, fmt.Errorf("opening lock file %s: %w", path, err)
	}

	if f, ok := file.(fdFile); ok {
		fd := int(f.Fd())

		if err := unix.Flock(fd, unix.LOCK_EX|unix.LOCK_NB); err != nil {
			file.Close()

			if errors.Is(err, unix.EWOULDBLOCK) {
				return nil, fmt.Errorf("%s: %w", path, berrors.ErrLockHeld)
			}

			return nil, fmt.Errorf("locking %s: %w", path, err)
		}

		return &Lock{
			path: path,
			file: file,
			release: func() error {
				return unix.Flock(fd, unix.LOCK_UN)
			},
		}, nil
	}

	key := memKey{fs: fs, path: path}

	memMu.Lock()
	defer memMu.Unlock()

	if _, held := memLocks[key]; held {
		file.Close()

		return nil, fmt.Errorf("%s: %w", path, berrors.ErrLockHeld)
	}

	memLocks[key] = struct{}{}

	return &Lock{
		path: path,
		file: file,
		release: func() error {
			memMu.Lock()
			delete(memLocks, key)
			memMu.Unlock()

			return nil
		},
	}, nil
}

// Acquire waits until the lock at path is free and takes it.
func Acquire(ctx context.Context, fs afero.Fs, path string) (*Lock, error) {
	ticker := time.NewTicker(retryInterval)
	defer ticker.Stop()

	for {
		lock, err := TryAcquire(fs, path)
		if !errors.Is(err, berrors.ErrLockHeld) {
			return lock, err
		}

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("waiting for lock %s: %w", path, ctx.Err())
		case <-ticker.C:
		}
	}
}

// Held reports whether anyone holds the lock at path. A missing lock file
// is a free lock.
func Held(fs afero.Fs, path string) (bool, error) {
	file, err := fs.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}

	if err != nil {
		return false, fmt.Errorf("opening lock file %s: %w", path, err)
	}

	defer file.Close()

	if f, ok := file.(fdFile); ok {
		fd := int(f.Fd())

		// A shared lock conflicts with the exclusive one of a holder only.
		if err := unix.Flock(fd, unix.LOCK_SH|unix.LOCK_NB); err != nil {
			if errors.Is(err, unix.EWOULDBLOCK) {
				return true, nil
			}

			return false, fmt.Errorf("probing lock %s: %w", path, err)
		}

		_ = unix.Flock(fd, unix.LOCK_UN)

		return false, nil
	}

	memMu.Lock()
	defer memMu.Unlock()

	_, held := memLocks[memKey{fs: fs, path: path}]

	return held, nil
}
