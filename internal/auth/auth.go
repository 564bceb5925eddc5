// Package auth implements the login and register business handlers served
// on the form endpoints.
package auth

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"

	"golang.org/x/crypto/bcrypt"

	"pkt.systems/pslog"
	"pkt.systems/tinyhttpd/internal/svcfields"
	"pkt.systems/tinyhttpd/internal/userdb"
)

// Form field names posted by the bundled pages.
const (
	FieldUser     = "user"
	FieldPassword = "password"
)

// Handler verifies and registers accounts.
type Handler struct {
	cost   int
	logger pslog.Logger
	// register is serialised so two concurrent sign-ups of one name cannot
	// both observe it as free.
	register sync.Mutex
}

// Config controls Handler.
type Config struct {
	// BcryptCost defaults to bcrypt.DefaultCost.
	BcryptCost int
	Logger     pslog.Logger
}

// New returns a Handler.
func New(cfg Config) (*Handler, error) {
	cost := cfg.BcryptCost
	if cost == 0 {
		cost = bcrypt.DefaultCost
	}
	if cost < bcrypt.MinCost || cost > bcrypt.MaxCost {
		return nil, fmt.Errorf("auth: bcrypt cost %d outside [%d,%d]", cost, bcrypt.MinCost, bcrypt.MaxCost)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	return &Handler{cost: cost, logger: svcfields.WithSubsystem(logger, "http.auth")}, nil
}

// HashPassword returns the bcrypt hash stored for password.
func (h *Handler) HashPassword(password string) (string, error) {
	return HashPassword(password, h.cost)
}

// HashPassword hashes password with cost.
func HashPassword(password string, cost int) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), cost)
	if err != nil {
		return "", fmt.Errorf("auth: hash password: %w", err)
	}
	return string(hash), nil
}

func credentials(form url.Values) (string, string, bool) {
	user := strings.TrimSpace(form.Get(FieldUser))
	password := form.Get(FieldPassword)
	return user, password, user != "" && password != ""
}

// Login reports whether form carries a known user and matching password.
func (h *Handler) Login(ctx context.Context, db userdb.Conn, form url.Values) (bool, error) {
	user, password, ok := credentials(form)
	if !ok {
		return false, nil
	}
	hash, found, err := db.LookupPassword(ctx, user)
	if err != nil {
		return false, err
	}
	if !found {
		h.logger.Debug("tinyhttpd.auth.login.unknown_user", "user", user)
		return false, nil
	}
	err = bcrypt.CompareHashAndPassword([]byte(hash), []byte(password))
	switch {
	case err == nil:
		h.logger.Info("tinyhttpd.auth.login.success", "user", user)
		return true, nil
	case errors.Is(err, bcrypt.ErrMismatchedHashAndPassword):
		h.logger.Debug("tinyhttpd.auth.login.mismatch", "user", user)
		return false, nil
	default:
		return false, fmt.Errorf("auth: compare hash for %q: %w", user, err)
	}
}

// Register creates the account named in form. It reports false when the
// name is taken or the form is incomplete.
func (h *Handler) Register(ctx context.Context, db userdb.Conn, form url.Values) (bool, error) {
	user, password, ok := credentials(form)
	if !ok {
		return false, nil
	}
	hash, err := h.HashPassword(password)
	if errors.Is(err, bcrypt.ErrPasswordTooLong) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	h.register.Lock()
	defer h.register.Unlock()
	if _, found, err := db.LookupPassword(ctx, user); err != nil {
		return false, err
	} else if found {
		h.logger.Debug("tinyhttpd.auth.register.taken", "user", user)
		return false, nil
	}
	created, err := db.CreateUser(ctx, user, hash)
	if err != nil {
		return false, err
	}
	if created {
		h.logger.Info("tinyhttpd.auth.register.created", "user", user)
	}
	return created, nil
}
