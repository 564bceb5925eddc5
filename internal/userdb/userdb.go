// Package userdb provides the user account handles lent by the database pool
// to the login and register endpoints.
package userdb

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"pkt.systems/tinyhttpd/internal/dbpool"
)

// ErrEmptyCredentials is returned when a user name or password hash is empty.
var ErrEmptyCredentials = errors.New("userdb: empty user name or password")

// Conn is one backend handle.
type Conn interface {
	dbpool.Conn
	// LookupPassword returns the stored password hash for user.
	LookupPassword(ctx context.Context, user string) (hash string, found bool, err error)
	// CreateUser stores user with hash. It reports false when the user already
	// exists.
	CreateUser(ctx context.Context, user, hash string) (bool, error)
	// EnsureSchema creates the backing table when missing.
	EnsureSchema(ctx context.Context) error
}

// Dialer returns a dialer for dsn. Supported schemes are mem:// and
// postgres:// (or postgresql://).
func Dialer(dsn string) (dbpool.Dialer[Conn], error) {
	dsn = strings.TrimSpace(dsn)
	u, err := url.Parse(dsn)
	if err != nil {
		return nil, fmt.Errorf("userdb: parse dsn: %w", err)
	}
	switch strings.ToLower(u.Scheme) {
	case "mem", "memory":
		store := NewMemoryStore()
		return store.Dial, nil
	case "postgres", "postgresql":
		return func(ctx context.Context) (Conn, error) {
			return dialPostgres(ctx, dsn)
		}, nil
	case "":
		return nil, fmt.Errorf("userdb: dsn %q has no scheme", dsn)
	default:
		return nil, fmt.Errorf("userdb: unsupported scheme %q", u.Scheme)
	}
}

// Redact hides the password component of dsn for logging.
func Redact(dsn string) string {
	u, err := url.Parse(dsn)
	if err != nil || u.User == nil {
		return dsn
	}
	return u.Redacted()
}
