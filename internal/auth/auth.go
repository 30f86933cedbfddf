// Package auth handles admin accounts and API bearer tokens.
package auth

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"

	"github.com/skypass/fleetwatch/internal/config"
	"github.com/skypass/fleetwatch/internal/store"
	"github.com/skypass/fleetwatch/internal/types"
)

const (
	minPasswordLength = 8
	maxPasswordLength = 72 // bcrypt input limit
)

var (
	ErrInvalidInput = errors.New("invalid input")
	ErrUnauthorized = errors.New("unauthorized")
)

// Repository is the slice of store.Store the auth service needs.
type Repository interface {
	GetAdmin(ctx context.Context, username string) (*types.Admin, error)
	SaveAdmin(ctx context.Context, admin *types.Admin) error
}

// Claims identify the admin behind a token.
type Claims struct {
	Username string `json:"username"`
	jwt.RegisteredClaims
}

// Service issues and verifies admin tokens.
type Service struct {
	repo      Repository
	jwtSecret []byte
	tokenTTL  time.Duration
	now       func() time.Time
}

// NewService builds a Service. With no configured secret a random one is
// generated, so tokens do not survive a restart.
func NewService(repo Repository, cfg config.AuthConfig) (*Service, error) {
	secret := []byte(cfg.JWTSecret)
	if len(secret) == 0 {
		var err error
		if secret, err = randomBytes(32); err != nil {
			return nil, err
		}
	}
	ttl := cfg.TokenTTL
	if ttl <= 0 {
		ttl = 12 * time.Hour
	}
	return &Service{
		repo:      repo,
		jwtSecret: secret,
		tokenTTL:  ttl,
		now:       time.Now,
	}, nil
}

// EnsureAdmin creates the admin account if it does not exist. When password
// is empty a random one is generated and returned so the caller can show it
// once; otherwise generated is empty.
func (s *Service) EnsureAdmin(ctx context.Context, username, password string) (generated string, err error) {
	username = strings.TrimSpace(username)
	if username == "" {
		return "", fmt.Errorf("%w: admin username is required", ErrInvalidInput)
	}

	_, err = s.repo.GetAdmin(ctx, username)
	if err == nil {
		return "", nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return "", err
	}

	if password == "" {
		raw, err := randomBytes(12)
		if err != nil {
			return "", err
		}
		password = base64.RawURLEncoding.EncodeToString(raw)
		generated = password
	}
	if err := s.SetPassword(ctx, username, password); err != nil {
		return "", err
	}
	return generated, nil
}

// Login checks credentials and returns a signed token and its lifetime in
// seconds.
func (s *Service) Login(ctx context.Context, username, password string) (string, int64, error) {
	if strings.TrimSpace(username) == "" || password == "" {
		return "", 0, ErrInvalidInput
	}

	admin, err := s.repo.GetAdmin(ctx, username)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return "", 0, ErrUnauthorized
		}
		return "", 0, err
	}
	if err := bcrypt.CompareHashAndPassword([]byte(admin.PasswordHash), []byte(password)); err != nil {
		return "", 0, ErrUnauthorized
	}
	return s.generateToken(admin)
}

// ChangePassword replaces the password after verifying the current one.
func (s *Service) ChangePassword(ctx context.Context, username, current, next string) error {
	admin, err := s.repo.GetAdmin(ctx, username)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return ErrUnauthorized
		}
		return err
	}
	if err := bcrypt.CompareHashAndPassword([]byte(admin.PasswordHash), []byte(current)); err != nil {
		return ErrUnauthorized
	}
	return s.SetPassword(ctx, username, next)
}

// SetPassword creates or updates an admin without checking the old password.
func (s *Service) SetPassword(ctx context.Context, username, password string) error {
	if err := validatePassword(password); err != nil {
		return err
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return err
	}
	return s.repo.SaveAdmin(ctx, &types.Admin{
		Username:     username,
		PasswordHash: string(hash),
		UpdatedAt:    s.now().UTC(),
	})
}

// ParseToken verifies a bearer token.
func (s *Service) ParseToken(tokenStr string) (*Claims, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenStr, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, ErrUnauthorized
		}
		return s.jwtSecret, nil
	}, jwt.WithTimeFunc(s.now))
	if err != nil || !token.Valid || claims.Username == "" {
		return nil, ErrUnauthorized
	}
	return claims, nil
}

func (s *Service) generateToken(admin *types.Admin) (string, int64, error) {
	now := s.now()
	claims := Claims{
		Username: admin.Username,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   strconv.FormatUint(uint64(admin.ID), 10),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.tokenTTL)),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.jwtSecret)
	if err != nil {
		return "", 0, err
	}
	return signed, int64(s.tokenTTL.Seconds()), nil
}

func validatePassword(password string) error {
	if len(password) < minPasswordLength {
		return fmt.Errorf("%w: password must be at least %d characters", ErrInvalidInput, minPasswordLength)
	}
	if len(password) > maxPasswordLength {
		return fmt.Errorf("%w: password must be at most %d bytes", ErrInvalidInput, maxPasswordLength)
	}
	return nil
}

func randomBytes(n int) ([]byte, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return nil, err
	}
	return b, nil
}
