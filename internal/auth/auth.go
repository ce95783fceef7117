// Package auth provides credential verification and bearer token issuance
// for the gateway. Passwords are stored as bcrypt hashes and tokens are
// HS256-signed JWTs carrying the principal in the subject claim.
package auth

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v4"
	"github.com/google/uuid"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/jmoiron/sqlx"
	"golang.org/x/crypto/bcrypt"

	"github.com/S-Corkum/vllm-gateway/internal/observability"
)

// Common errors. Callers surface all of them as the same opaque 401 so the
// API never distinguishes an unknown user from a wrong password.
var (
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrTokenExpired       = errors.New("token expired")
	ErrInvalidToken       = errors.New("invalid token")
)

// ClockSkewLeeway is the tolerance applied to issued-at and not-before
// claims. Expiry is checked strictly so a zero-lifetime token is dead on
// arrival.
const ClockSkewLeeway = 30 * time.Second

// Claims represents the JWT payload for issued tokens.
type Claims struct {
	jwt.RegisteredClaims
	Username string `json:"username,omitempty"`
}

// Valid implements jwt.Claims. Expiry is strict; issuance timestamps from a
// peer clock up to ClockSkewLeeway ahead are accepted.
func (c *Claims) Valid() error {
	now := time.Now()
	if c.ExpiresAt == nil {
		return ErrInvalidToken
	}
	if !now.Before(c.ExpiresAt.Time) {
		return ErrTokenExpired
	}
	if c.NotBefore != nil && now.Add(ClockSkewLeeway).Before(c.NotBefore.Time) {
		return ErrInvalidToken
	}
	if c.IssuedAt != nil && now.Add(ClockSkewLeeway).Before(c.IssuedAt.Time) {
		return ErrInvalidToken
	}
	return nil
}

// ServiceConfig holds token signing parameters.
type ServiceConfig struct {
	Secret     string
	Expiration time.Duration
	CacheSize  int
	CacheTTL   time.Duration
}

type verifiedEntry struct {
	principal string
	expiresAt time.Time
}

// Service verifies credentials and issues bearer tokens. Users live in an
// in-memory map; when a database handle is provided, lookups fall through to
// the users table so operators can manage accounts out of band.
type Service struct {
	config ServiceConfig
	db     *sqlx.DB
	logger observability.Logger

	mu    sync.RWMutex
	users map[string]string

	verified *expirable.LRU[string, verifiedEntry]
}

// NewService creates an auth service. db may be nil for memory-only operation.
func NewService(config ServiceConfig, db *sqlx.DB, logger observability.Logger) *Service {
	if logger == nil {
		logger = observability.NewNoopLogger()
	}
	if config.CacheSize <= 0 {
		config.CacheSize = 1024
	}
	if config.CacheTTL <= 0 {
		config.CacheTTL = 5 * time.Minute
	}

	return &Service{
		config:   config,
		db:       db,
		logger:   logger,
		users:    make(map[string]string),
		verified: expirable.NewLRU[string, verifiedEntry](config.CacheSize, nil, config.CacheTTL),
	}
}

// SeedDefaultUsers registers the development account used by the examples
// and scenario tests.
func (s *Service) SeedDefaultUsers() error {
	if err := s.AddUser("testuser", "password123"); err != nil {
		return err
	}
	s.logger.Info("Seeded default user", map[string]interface{}{"username": "testuser"})
	return nil
}

// AddUser hashes the password and registers the user in memory.
func (s *Service) AddUser(username, password string) error {
	if username == "" {
		return fmt.Errorf("username cannot be empty")
	}
	hash, err := HashPassword(password)
	if err != nil {
		return fmt.Errorf("hash password: %w", err)
	}

	s.mu.Lock()
	s.users[username] = hash
	s.mu.Unlock()
	return nil
}

// dummyHash is compared against when the username is unknown so lookup
// misses cost the same as a mismatched password.
var dummyHash = func() string {
	h, _ := bcrypt.GenerateFromPassword([]byte("gateway-dummy-credential"), bcrypt.DefaultCost)
	return string(h)
}()

// IssueToken verifies the credential pair and returns a signed bearer token.
func (s *Service) IssueToken(ctx context.Context, username, password string) (string, error) {
	hash, found := s.lookupHash(ctx, username)
	if !found {
		// Unknown users still pay the bcrypt compare.
		_ = bcrypt.CompareHashAndPassword([]byte(dummyHash), []byte(password))
		return "", ErrInvalidCredentials
	}
	if !CheckPassword(password, hash) {
		return "", ErrInvalidCredentials
	}

	now := time.Now()
	claims := &Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   username,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.config.Expiration)),
			ID:        uuid.NewString(),
		},
		Username: username,
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(s.config.Secret))
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

// VerifyToken validates signature, expiry, and structure, returning the
// embedded principal.
func (s *Service) VerifyToken(ctx context.Context, tokenString string) (string, error) {
	if tokenString == "" || s.config.Secret == "" {
		return "", ErrInvalidToken
	}

	if entry, ok := s.verified.Get(tokenString); ok {
		if time.Now().Before(entry.expiresAt) {
			return entry.principal, nil
		}
		s.verified.Remove(tokenString)
	}

	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return []byte(s.config.Secret), nil
	})
	if err != nil {
		if errors.Is(err, ErrTokenExpired) {
			return "", ErrTokenExpired
		}
		return "", ErrInvalidToken
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return "", ErrInvalidToken
	}
	principal := claims.Subject
	if principal == "" {
		principal = claims.Username
	}
	if principal == "" {
		return "", ErrInvalidToken
	}

	s.verified.Add(tokenString, verifiedEntry{principal: principal, expiresAt: claims.ExpiresAt.Time})
	return principal, nil
}

// lookupHash returns the stored bcrypt hash for a username, consulting the
// in-memory table first and the database when configured.
func (s *Service) lookupHash(ctx context.Context, username string) (string, bool) {
	s.mu.RLock()
	hash, ok := s.users[username]
	s.mu.RUnlock()
	if ok {
		return hash, true
	}

	if s.db == nil {
		return "", false
	}

	var dbHash string
	query := `SELECT password_hash FROM users WHERE username = $1 AND active = true`
	if err := s.db.GetContext(ctx, &dbHash, query, username); err != nil {
		if !errors.Is(err, sql.ErrNoRows) {
			s.logger.Warn("User lookup failed", map[string]interface{}{
				"username": username,
				"error":    err.Error(),
			})
		}
		return "", false
	}
	return dbHash, true
}

// HashPassword hashes a password using bcrypt.
func HashPassword(password string) (string, error) {
	bytes, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	return string(bytes), err
}

// CheckPassword compares a password with its hash in constant time.
func CheckPassword(password, hash string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) == nil
}
