package ledger

import (
	"context"
	"sync"
)

// Memory is an in-process Store. Update transactions are serialized, so
// Memory never reports ErrConflict.
type Memory struct {
	mu       sync.RWMutex
	accounts map[Key][]byte
	closed   bool
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{accounts: make(map[Key][]byte)}
}

// View implements Store.
func (m *Memory) View(ctx context.Context, fn func(Reader) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return ErrClosed
	}
	return fn(&memTxn{base: m.accounts})
}

// Update implements Store.
func (m *Memory) Update(ctx context.Context, fn func(Txn) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}

	tx := &memTxn{base: m.accounts, writes: make(map[Key][]byte)}
	if err := fn(tx); err != nil {
		return err
	}
	for k, v := range tx.writes {
		m.accounts[k] = v
	}
	return nil
}

// Close implements Store.
func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

type memTxn struct {
	base   map[Key][]byte
	writes map[Key][]byte
}

func (t *memTxn) Get(key Key) ([]byte, error) {
	if v, ok := t.writes[key]; ok {
		return clone(v), nil
	}
	if v, ok := t.base[key]; ok {
		return clone(v), nil
	}
	return nil, ErrNotFound
}

func (t *memTxn) Put(key Key, value []byte) error {
	t.writes[key] = clone(value)
	return nil
}

func (t *memTxn) Create(key Key, value []byte) error {
	if _, err := t.Get(key); err == nil {
		return ErrExists
	}
	return t.Put(key, value)
}

func clone(b []byte) []byte {
	return append([]byte(nil), b...)
}
