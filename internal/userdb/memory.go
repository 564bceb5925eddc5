package userdb

import (
	"context"
	"errors"
	"sync"
)

var errConnClosed = errors.New("userdb: handle closed")

// MemoryStore keeps accounts in process memory. Every handle dialed from one
// store shares its accounts.
type MemoryStore struct {
	mu    sync.RWMutex
	users map[string]string
}

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{users: make(map[string]string)}
}

// Dial returns a new handle on the store.
func (s *MemoryStore) Dial(context.Context) (Conn, error) {
	return &memoryConn{store: s}, nil
}

// Len returns the number of stored accounts.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.users)
}

type memoryConn struct {
	store  *MemoryStore
	mu     sync.Mutex
	closed bool
}

func (c *memoryConn) check() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errConnClosed
	}
	return nil
}

func (c *memoryConn) LookupPassword(_ context.Context, user string) (string, bool, error) {
	if err := c.check(); err != nil {
		return "", false, err
	}
	c.store.mu.RLock()
	defer c.store.mu.RUnlock()
	hash, ok := c.store.users[user]
	return hash, ok, nil
}

func (c *memoryConn) CreateUser(_ context.Context, user, hash string) (bool, error) {
	if err := c.check(); err != nil {
		return false, err
	}
	if user == "" || hash == "" {
		return false, ErrEmptyCredentials
	}
	c.store.mu.Lock()
	defer c.store.mu.Unlock()
	if _, exists := c.store.users[user]; exists {
		return false, nil
	}
	c.store.users[user] = hash
	return true, nil
}

func (c *memoryConn) EnsureSchema(context.Context) error {
	return c.check()
}

func (c *memoryConn) Close(context.Context) error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	return nil
}
