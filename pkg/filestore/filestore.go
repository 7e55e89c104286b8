// Package filestore abstracts the persistent file store as a capability:
// existence checks, move/copy/delete, and free-space queries. The
// coordinator consumes it during prechecks and cleanup.
package filestore

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"syscall"

	"github.com/gofrs/flock"
)

// Store is the capability surface the core depends on.
type Store interface {
	Exists(path string) bool
	FreeSpace(path string) (uint64, error)
	Move(ctx context.Context, src, dst string) error
	Copy(ctx context.Context, src, dst string) error
	Delete(path string) error

	// ProbeWritable verifies the directory holding path accepts writes.
	ProbeWritable(path string) error

	// Claim takes an advisory lock on the output path for the duration of
	// a job, preventing two writers from racing on the same target. The
	// returned release func is idempotent.
	Claim(path string) (release func(), err error)
}

// Local implements Store against the local filesystem.
type Local struct {
	mu    sync.Mutex
	locks map[string]*flock.Flock
}

// NewLocal creates a local file store.
func NewLocal() *Local {
	return &Local{locks: make(map[string]*flock.Flock)}
}

// Exists reports whether path names an existing file or directory.
func (l *Local) Exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// FreeSpace returns the bytes available to unprivileged writes on the
// filesystem holding path.
func (l *Local) FreeSpace(path string) (uint64, error) {
	dir := path
	if !l.Exists(dir) {
		dir = filepath.Dir(dir)
	}
	var stat syscall.Statfs_t
	if err := syscall.Statfs(dir, &stat); err != nil {
		return 0, fmt.Errorf("statfs %s: %w", dir, err)
	}
	return stat.Bavail * uint64(stat.Bsize), nil
}

// ProbeWritable creates and removes a probe file next to path.
func (l *Local) ProbeWritable(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create output dir %s: %w", dir, err)
	}
	probe, err := os.CreateTemp(dir, ".write-probe-*")
	if err != nil {
		return fmt.Errorf("output dir %s not writable: %w", dir, err)
	}
	name := probe.Name()
	_ = probe.Close()
	return os.Remove(name)
}

// Move renames src to dst, falling back to copy+delete across filesystems.
func (l *Local) Move(ctx context.Context, src, dst string) error {
	if err := os.Rename(src, dst); err == nil {
		return nil
	}
	if err := l.Copy(ctx, src, dst); err != nil {
		return err
	}
	return os.Remove(src)
}

// Copy duplicates src at dst, honoring ctx cancellation between chunks.
func (l *Local) Copy(ctx context.Context, src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("open %s: %w", src, err)
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return fmt.Errorf("create %s: %w", dst, err)
	}
	defer out.Close()

	buf := make([]byte, 1<<20)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		n, rerr := in.Read(buf)
		if n > 0 {
			if _, werr := out.Write(buf[:n]); werr != nil {
				return fmt.Errorf("write %s: %w", dst, werr)
			}
		}
		if rerr == io.EOF {
			return nil
		}
		if rerr != nil {
			return fmt.Errorf("read %s: %w", src, rerr)
		}
	}
}

// Delete removes path. Missing files are not an error.
func (l *Local) Delete(path string) error {
	err := os.Remove(path)
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// Claim locks path's sidecar lockfile until release is called.
func (l *Local) Claim(path string) (func(), error) {
	lockPath := path + ".lock"
	fl := flock.New(lockPath)
	ok, err := fl.TryLock()
	if err != nil {
		return nil, fmt.Errorf("lock %s: %w", lockPath, err)
	}
	if !ok {
		return nil, fmt.Errorf("output %s is claimed by another writer", path)
	}

	l.mu.Lock()
	l.locks[path] = fl
	l.mu.Unlock()

	var once sync.Once
	release := func() {
		once.Do(func() {
			_ = fl.Unlock()
			_ = os.Remove(lockPath)
			l.mu.Lock()
			delete(l.locks, path)
			l.mu.Unlock()
		})
	}
	return release, nil
}
