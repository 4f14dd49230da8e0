package filesystem

import (
	"errors"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"syscall"
	"time"

	"render-export/internal/logging"
)

// VolumeResolver maps file paths to volume labels for metrics, using the
// longest matching directory prefix.
type VolumeResolver struct {
	mounts []volumeMount
}

type volumeMount struct {
	path string // absolute, with trailing slash
	name string
}

// NewVolumeResolver creates a resolver from volume name to directory, e.g.
//
//	NewVolumeResolver(map[string]string{"work": cfg.WorkDir, "output": "/exports"})
func NewVolumeResolver(volumes map[string]string) *VolumeResolver {
	mounts := make([]volumeMount, 0, len(volumes))
	for name, path := range volumes {
		if path == "" {
			continue
		}
		abs, err := filepath.Abs(path)
		if err != nil {
			abs = path
		}
		if !strings.HasSuffix(abs, "/") {
			abs += "/"
		}
		mounts = append(mounts, volumeMount{path: abs, name: name})
	}

	sort.Slice(mounts, func(i, j int) bool {
		return len(mounts[i].path) > len(mounts[j].path)
	})

	return &VolumeResolver{mounts: mounts}
}

// Resolve returns the volume label for path, or "unknown".
func (vr *VolumeResolver) Resolve(path string) string {
	if vr == nil {
		return "unknown"
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return "unknown"
	}
	for _, m := range vr.mounts {
		if strings.HasPrefix(abs+"/", m.path) {
			return m.name
		}
	}
	return "unknown"
}

var defaultResolver *VolumeResolver

// SetDefaultVolumeResolver sets the package-level volume resolver.
// Call this once at startup after loading configuration.
func SetDefaultVolumeResolver(vr *VolumeResolver) {
	defaultResolver = vr
}

// RetryConfig configures retry behavior for filesystem operations
type RetryConfig struct {
	MaxRetries     int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	// VolumeResolver overrides the package-level resolver.
	VolumeResolver *VolumeResolver
}

// DefaultRetryConfig returns sensible defaults for NFS retry behavior
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:     3,
		InitialBackoff: 50 * time.Millisecond,
		MaxBackoff:     500 * time.Millisecond,
	}
}

func (c RetryConfig) resolveVolume(path string) string {
	if c.VolumeResolver != nil {
		return c.VolumeResolver.Resolve(path)
	}
	return defaultResolver.Resolve(path)
}

// IsStale reports whether err is a stale NFS file handle (ESTALE).
func IsStale(err error) bool {
	var errno syscall.Errno
	return errors.As(err, &errno) && errno == syscall.ESTALE
}

// withRetry runs fn until it succeeds, fails with a non-stale error, or
// MaxRetries stale errors have been retried.
func withRetry(op, path string, cfg RetryConfig, fn func() error) error {
	obs := defaultObserver
	volume := cfg.resolveVolume(path)
	start := time.Now()
	backoff := cfg.InitialBackoff

	var err error
	for attempt := 0; ; attempt++ {
		err = fn()
		if err == nil {
			if attempt > 0 {
				logging.Info("NFS %s succeeded on retry %d for %s", op, attempt, path)
				obs.ObserveRetrySuccess(op, volume)
			}
			break
		}
		if !IsStale(err) {
			break
		}

		obs.ObserveStaleError(op, volume)
		if attempt >= cfg.MaxRetries {
			logging.Warn("NFS %s failed after %d retries for %s: %v", op, cfg.MaxRetries, path, err)
			obs.ObserveRetryFailure(op, volume)
			break
		}

		obs.ObserveRetryAttempt(op, volume)
		logging.Debug("NFS %s stale file handle for %s, retrying in %v (attempt %d/%d)",
			op, path, backoff, attempt+1, cfg.MaxRetries)
		time.Sleep(backoff)
		backoff = min(backoff*2, cfg.MaxBackoff)
	}

	obs.ObserveOperation(op, volume, time.Since(start).Seconds(), err)
	return err
}

// StatWithRetry performs os.Stat, retrying stale file handles.
func StatWithRetry(path string, cfg RetryConfig) (os.FileInfo, error) {
	var info os.FileInfo
	err := withRetry("stat", path, cfg, func() error {
		var err error
		info, err = os.Stat(path)
		return err
	})
	return info, err
}

// OpenWithRetry performs os.Open, retrying stale file handles.
func OpenWithRetry(path string, cfg RetryConfig) (*os.File, error) {
	var f *os.File
	err := withRetry("open", path, cfg, func() error {
		var err error
		f, err = os.Open(path)
		return err
	})
	return f, err
}

// ReadFileWithRetry performs os.ReadFile, retrying stale file handles.
func ReadFileWithRetry(path string, cfg RetryConfig) ([]byte, error) {
	var data []byte
	err := withRetry("read", path, cfg, func() error {
		var err error
		data, err = os.ReadFile(path)
		return err
	})
	return data, err
}

// RenameWithRetry performs os.Rename, retrying stale file handles. The
// volume label is taken from the destination.
func RenameWithRetry(src, dst string, cfg RetryConfig) error {
	return withRetry("rename", dst, cfg, func() error {
		return os.Rename(src, dst)
	})
}

// MoveFile renames src to dst, copying across filesystems when rename
// fails with EXDEV.
func MoveFile(src, dst string, cfg RetryConfig) error {
	err := RenameWithRetry(src, dst, cfg)
	if err == nil || !errors.Is(err, syscall.EXDEV) {
		return err
	}

	in, err := OpenWithRetry(src, cfg)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		_ = os.Remove(dst)
		return err
	}
	if err := out.Close(); err != nil {
		_ = os.Remove(dst)
		return err
	}
	return os.Remove(src)
}
