package userdb

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
)

const (
	createUsersTable = `CREATE TABLE IF NOT EXISTS users (
	username TEXT PRIMARY KEY,
	passwd   TEXT NOT NULL
)`
	selectPassword = `SELECT passwd FROM users WHERE username = $1`
	insertUser     = `INSERT INTO users (username, passwd) VALUES ($1, $2) ON CONFLICT (username) DO NOTHING`
)

type postgresConn struct {
	conn *pgx.Conn
}

func dialPostgres(ctx context.Context, dsn string) (Conn, error) {
	conn, err := pgx.Connect(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("userdb: connect postgres: %w", err)
	}
	return &postgresConn{conn: conn}, nil
}

func (c *postgresConn) LookupPassword(ctx context.Context, user string) (string, bool, error) {
	var hash string
	err := c.conn.QueryRow(ctx, selectPassword, user).Scan(&hash)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("userdb: lookup %q: %w", user, err)
	}
	return hash, true, nil
}

func (c *postgresConn) CreateUser(ctx context.Context, user, hash string) (bool, error) {
	if user == "" || hash == "" {
		return false, ErrEmptyCredentials
	}
	tag, err := c.conn.Exec(ctx, insertUser, user, hash)
	if err != nil {
		return false, fmt.Errorf("userdb: create %q: %w", user, err)
	}
	return tag.RowsAffected() == 1, nil
}

func (c *postgresConn) EnsureSchema(ctx context.Context) error {
	if _, err := c.conn.Exec(ctx, createUsersTable); err != nil {
		return fmt.Errorf("userdb: ensure schema: %w", err)
	}
	return nil
}

func (c *postgresConn) Close(ctx context.Context) error {
	return c.conn.Close(ctx)
}
