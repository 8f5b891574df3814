// Package ledger is the key-value host that stores policy, nonce and
// attestation accounts. Writes happen inside transactions that are atomic
// across keys; a backend reports contention on a key with ErrConflict.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/mr-tron/base58"
)

var (
	// ErrNotFound is returned by Get for a missing key.
	ErrNotFound = errors.New("ledger: not found")

	// ErrExists is returned by Create when the key already holds a value.
	ErrExists = errors.New("ledger: key exists")

	// ErrConflict is returned by Update when a concurrent transaction touched
	// the same keys. The transaction had no effect and may be retried.
	ErrConflict = errors.New("ledger: transaction conflict")

	// ErrClosed is returned after Close.
	ErrClosed = errors.New("ledger: store closed")
)

// Key is a 32-byte account address.
type Key [32]byte

// String returns the base58 encoding.
func (k Key) String() string {
	return base58.Encode(k[:])
}

// Reader reads accounts.
type Reader interface {
	Get(key Key) ([]byte, error)
}

// Txn reads and writes accounts inside one atomic transaction.
type Txn interface {
	Reader

	// Put writes value at key, replacing any previous value.
	Put(key Key, value []byte) error

	// Create writes value at key, failing with ErrExists if key holds a value.
	Create(key Key, value []byte) error
}

// Store is a transactional account store.
type Store interface {
	// View runs fn against a consistent snapshot.
	View(ctx context.Context, fn func(Reader) error) error

	// Update runs fn in a read-write transaction. If fn returns an error the
	// transaction is discarded and nothing is written.
	Update(ctx context.Context, fn func(Txn) error) error

	Close() error
}

// Backend names.
const (
	BackendMemory = "memory"
	BackendBadger = "badger"
	BackendSQL    = "sql"
)

// Options selects and configures a backend.
type Options struct {
	Backend string
	// Path is the Badger directory. Empty runs Badger in memory.
	Path string
	// Driver is "sqlite" or "postgres" for the SQL backend.
	Driver string
	DSN    string
	Logger *slog.Logger
}

// Open creates the backend named by opts.Backend.
func Open(opts Options) (Store, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	switch opts.Backend {
	case "", BackendMemory:
		return NewMemory(), nil
	case BackendBadger:
		b, err := OpenBadger(opts.Path, logger)
		if err != nil {
			return nil, err
		}
		return b, nil
	case BackendSQL:
		s, err := OpenSQL(opts.Driver, opts.DSN, logger)
		if err != nil {
			return nil, err
		}
		return s, nil
	default:
		return nil, fmt.Errorf("unknown ledger backend %q", opts.Backend)
	}
}

// DefaultAttempts bounds UpdateRetry for callers without their own setting.
const DefaultAttempts = 3

// UpdateRetry runs s.Update, rerunning fn while the store reports
// ErrConflict, at most attempts times. The last ErrConflict is returned if
// every attempt conflicted.
func UpdateRetry(ctx context.Context, s Store, attempts int, fn func(Txn) error) error {
	if attempts < 1 {
		attempts = 1
	}
	var err error
	for i := 0; i < attempts; i++ {
		err = s.Update(ctx, fn)
		if !errors.Is(err, ErrConflict) {
			return err
		}
	}
	return err
}
