// Package session tracks who is logged in on this device.
package session

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/example/rider-agent/internal/api"
	"github.com/example/rider-agent/internal/logging"
	"github.com/example/rider-agent/internal/models"
	"github.com/example/rider-agent/internal/tokenstore"
)

type Auth interface {
	Login(ctx context.Context, phone, password string) (*api.LoginResponse, error)
	Logout(ctx context.Context) error
	Profile(ctx context.Context) (*models.RiderProfile, error)
}

// Store holds the current user. Authentication itself is derived from the
// token store on every check, so a refresh or an expiry elsewhere is seen
// immediately.
type Store struct {
	auth   Auth
	tokens tokenstore.Store
	logger *slog.Logger
	now    func() time.Time

	mu      sync.RWMutex
	user    *models.User
	profile *models.RiderProfile
}

func New(auth Auth, tokens tokenstore.Store, logger *slog.Logger) *Store {
	return &Store{auth: auth, tokens: tokens, logger: logging.OrDefault(logger), now: time.Now}
}

// IsAuthenticated reports whether the stored tokens can still make
// authenticated calls: either the access token is live, or a refresh token
// is there to exchange for a new one on the first 401. JWT expiry is read
// without verifying the signature; opaque tokens count as valid while
// present.
func (s *Store) IsAuthenticated(ctx context.Context) bool {
	if s.usable(s.tokens.GetAuthToken(ctx)) {
		return true
	}
	return s.usable(s.tokens.GetRefreshToken(ctx))
}

func (s *Store) usable(tok string, err error) bool {
	if err != nil || tok == "" {
		return false
	}
	exp, ok := tokenExpiry(tok)
	if !ok {
		return true
	}
	return s.now().Before(exp)
}

func tokenExpiry(token string) (time.Time, bool) {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return time.Time{}, false
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return time.Time{}, false
	}
	return exp.Time, true
}

// Login authenticates; tokens are persisted by the API client.
func (s *Store) Login(ctx context.Context, phone, password string) (models.User, error) {
	resp, err := s.auth.Login(ctx, phone, password)
	if err != nil {
		return models.User{}, err
	}
	s.mu.Lock()
	u := resp.User
	s.user = &u
	s.profile = nil
	s.mu.Unlock()
	s.logger.Info("session_login", "user_id", u.ID)
	return u, nil
}

// Restore loads the profile for tokens persisted by an earlier run. An
// access token that expired while the agent was down is refreshed by the
// API client on the way.
func (s *Store) Restore(ctx context.Context) (*models.RiderProfile, error) {
	if !s.IsAuthenticated(ctx) {
		return nil, api.ErrNotAuthenticated
	}
	p, err := s.auth.Profile(ctx)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	u := p.User
	s.user = &u
	s.profile = p
	s.mu.Unlock()
	return p, nil
}

// Logout revokes the session server-side (best effort) and forgets the user.
func (s *Store) Logout(ctx context.Context) error {
	err := s.auth.Logout(ctx)
	s.Expire()
	if err != nil {
		s.logger.Warn("session_logout_failed", "error", err)
	}
	return err
}

// Expire forgets the user without contacting the server. Tokens are already
// gone when this runs after a failed refresh.
func (s *Store) Expire() {
	s.mu.Lock()
	s.user = nil
	s.profile = nil
	s.mu.Unlock()
}

func (s *Store) User() (models.User, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.user == nil {
		return models.User{}, false
	}
	return *s.user, true
}

// Profile returns the rider profile loaded by Restore, if any.
func (s *Store) Profile() (models.RiderProfile, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.profile == nil {
		return models.RiderProfile{}, false
	}
	return *s.profile, true
}

// RiderID is the current user's id, or "" when logged out.
func (s *Store) RiderID() string {
	u, _ := s.User()
	return u.ID
}
