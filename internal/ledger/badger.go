package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	badgerdb "github.com/dgraph-io/badger/v3"
)

// Badger is a Store on BadgerDB. Badger detects read-write conflicts between
// concurrent transactions; the loser of a race fails with ErrConflict.
type Badger struct {
	db *badgerdb.DB
}

// OpenBadger opens or creates a Badger store at path. An empty path opens an
// in-memory database.
func OpenBadger(path string, logger *slog.Logger) (*Badger, error) {
	var opts badgerdb.Options
	if path == "" {
		opts = badgerdb.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(path, 0o700); err != nil {
			return nil, fmt.Errorf("create ledger dir: %w", err)
		}
		opts = badgerdb.DefaultOptions(path)
		opts.SyncWrites = true
	}
	opts.Logger = badgerLogger{logger: logger.With("component", "badger")}

	db, err := badgerdb.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger: %w", err)
	}
	return &Badger{db: db}, nil
}

// View implements Store.
func (b *Badger) View(ctx context.Context, fn func(Reader) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return b.db.View(func(txn *badgerdb.Txn) error {
		return fn(&badgerTxn{txn: txn})
	})
}

// Update implements Store.
func (b *Badger) Update(ctx context.Context, fn func(Txn) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	err := b.db.Update(func(txn *badgerdb.Txn) error {
		return fn(&badgerTxn{txn: txn})
	})
	if errors.Is(err, badgerdb.ErrConflict) {
		return ErrConflict
	}
	return err
}

// Close implements Store.
func (b *Badger) Close() error {
	return b.db.Close()
}

type badgerTxn struct {
	txn *badgerdb.Txn
}

func (t *badgerTxn) Get(key Key) ([]byte, error) {
	item, err := t.txn.Get(key[:])
	if errors.Is(err, badgerdb.ErrKeyNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", key, err)
	}
	val, err := item.ValueCopy(nil)
	if err != nil {
		return nil, fmt.Errorf("copy value %s: %w", key, err)
	}
	return val, nil
}

func (t *badgerTxn) Put(key Key, value []byte) error {
	if err := t.txn.Set(key[:], clone(value)); err != nil {
		return fmt.Errorf("set %s: %w", key, err)
	}
	return nil
}

func (t *badgerTxn) Create(key Key, value []byte) error {
	_, err := t.Get(key)
	switch {
	case err == nil:
		return ErrExists
	case !errors.Is(err, ErrNotFound):
		return err
	}
	return t.Put(key, value)
}

// badgerLogger routes Badger's printf-style logging to slog.
type badgerLogger struct {
	logger *slog.Logger
}

func (l badgerLogger) Errorf(format string, args ...interface{}) {
	l.logger.Error(fmt.Sprintf(format, args...))
}

func (l badgerLogger) Warningf(format string, args ...interface{}) {
	l.logger.Warn(fmt.Sprintf(format, args...))
}

func (l badgerLogger) Infof(format string, args ...interface{}) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}

func (l badgerLogger) Debugf(format string, args ...interface{}) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}
