// Package issuerwatch keeps the allowed issuers root in step with an issuer
// list file. When the file changes the watcher rebuilds the Merkle root and
// rotates the policy as admin.
package issuerwatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/oraculo/zkattest/pkg/attest"
	"github.com/oraculo/zkattest/pkg/issuers"
)

// DefaultDebounce coalesces the burst of events an editor emits on save.
const DefaultDebounce = 200 * time.Millisecond

// Rotator reads and rotates the verifier configuration.
type Rotator interface {
	Get(ctx context.Context) (*attest.VerifierConfig, error)
	RotateIssuersRoot(ctx context.Context, caller attest.Identity, newRoot attest.Hash256) (*attest.VerifierConfig, error)
}

// ErrorCallback is called when an error occurs during watching.
type ErrorCallback func(err error)

// Watcher watches one issuer list file.
type Watcher struct {
	path    string
	admin   attest.Identity
	rotator Rotator
	logger  *slog.Logger
	fsw     *fsnotify.Watcher

	debounce time.Duration
	onError  ErrorCallback
	rotated  atomic.Int64

	mu      sync.Mutex // serializes Sync
	done    chan struct{}
	closeMu sync.Once
}

// New creates a watcher for path. The file's directory is watched so that
// editors replacing the file by rename are noticed.
func New(path string, admin attest.Identity, rotator Rotator, logger *slog.Logger) (*Watcher, error) {
	dir := filepath.Dir(path)
	info, err := os.Stat(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("issuer list directory does not exist: %s", dir)
		}
		return nil, fmt.Errorf("cannot access issuer list directory: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("not a directory: %s", dir)
	}
	if logger == nil {
		logger = slog.Default()
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := fsw.Add(dir); err != nil {
		fsw.Close()
		return nil, err
	}

	return &Watcher{
		path:     filepath.Clean(path),
		admin:    admin,
		rotator:  rotator,
		logger:   logger,
		fsw:      fsw,
		debounce: DefaultDebounce,
		done:     make(chan struct{}),
	}, nil
}

// SetDebounce sets the quiet period before a change is applied.
func (w *Watcher) SetDebounce(d time.Duration) {
	w.debounce = d
}

// SetErrorCallback sets a callback function that will be called when errors occur.
func (w *Watcher) SetErrorCallback(cb ErrorCallback) {
	w.onError = cb
}

// Rotations returns the number of rotations this watcher performed.
func (w *Watcher) Rotations() int64 {
	return w.rotated.Load()
}

// Sync loads the issuer list and rotates the root if it differs from the
// current policy. It reports whether a rotation happened.
func (w *Watcher) Sync(ctx context.Context) (bool, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	set, err := issuers.LoadFile(w.path)
	if err != nil {
		return false, err
	}
	cfg, err := w.rotator.Get(ctx)
	if err != nil {
		return false, fmt.Errorf("load verifier config: %w", err)
	}

	root := set.Root()
	if root == cfg.AllowedIssuersRoot {
		return false, nil
	}
	if _, err := w.rotator.RotateIssuersRoot(ctx, w.admin, root); err != nil {
		return false, fmt.Errorf("rotate issuers root: %w", err)
	}

	w.rotated.Add(1)
	w.logger.Info("issuer list applied",
		"path", w.path,
		"issuers", set.Len(),
		"root", root.String(),
	)
	return true, nil
}

// Start begins watching for changes (blocking).
// Returns when the context is cancelled or Close() is called.
func (w *Watcher) Start(ctx context.Context) {
	var (
		timer   *time.Timer
		pending <-chan time.Time
	)
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.done:
			return

		case event, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) == 0 {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(w.debounce)
			} else {
				if !timer.Stop() {
					select {
					case <-timer.C:
					default:
					}
				}
				timer.Reset(w.debounce)
			}
			pending = timer.C

		case <-pending:
			pending = nil
			if _, err := w.Sync(ctx); err != nil && !errors.Is(err, context.Canceled) {
				w.logger.Warn("failed to apply issuer list", "path", w.path, "error", err)
				w.report(err)
			}

		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.report(err)
		}
	}
}

func (w *Watcher) report(err error) {
	if w.onError != nil {
		w.onError(err)
	}
}

// Close stops the watcher and signals Start() to return.
func (w *Watcher) Close() error {
	w.closeMu.Do(func() { close(w.done) })
	return w.fsw.Close()
}
