// Package auth issues and verifies the signed tokens that gate the terminal
// channel and the room endpoints, and owns password hashing for user
// accounts.
package auth

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/golang-jwt/jwt/v4"
	"golang.org/x/crypto/bcrypt"
)

var (
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrInvalidToken       = errors.New("invalid token")
)

var usernamePattern = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)

// UserRepo is the persistence the auth service needs. Implemented by
// store.Users.
type UserRepo interface {
	Create(ctx context.Context, username, passwordHash string) error
	PasswordHash(ctx context.Context, username string) (string, error)
}

// Service signs up and logs in users and mints HS256 tokens for them.
type Service struct {
	repo     UserRepo
	secret   []byte
	tokenTTL time.Duration
}

func NewService(repo UserRepo, secret string) *Service {
	return &Service{repo: repo, secret: []byte(secret), tokenTTL: 72 * time.Hour}
}

// Signup registers a new account and returns a token for it.
func (s *Service) Signup(ctx context.Context, username, password string) (string, error) {
	if len(username) < 3 || len(username) > 50 || !usernamePattern.MatchString(username) {
		return "", errors.New("username must be 3-50 characters of letters, numbers, underscores, and hyphens")
	}
	if len(password) < 6 {
		return "", errors.New("password must be at least 6 characters")
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("hashing password: %w", err)
	}
	if err := s.repo.Create(ctx, username, string(hash)); err != nil {
		return "", err
	}
	return s.IssueToken(username)
}

// Login verifies the password and returns a fresh token.
func (s *Service) Login(ctx context.Context, username, password string) (string, error) {
	hash, err := s.repo.PasswordHash(ctx, username)
	if err != nil {
		return "", ErrInvalidCredentials
	}
	if err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)); err != nil {
		return "", ErrInvalidCredentials
	}
	return s.IssueToken(username)
}

// IssueToken mints a signed token whose subject is the username.
func (s *Service) IssueToken(subject string) (string, error) {
	claims := jwt.MapClaims{
		"sub": subject,
		"exp": time.Now().Add(s.tokenTTL).Unix(),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(s.secret)
}

// Verify parses and validates a token, returning its subject. Failure means
// the caller rejects the request; it is never a server error.
func (s *Service) Verify(tokenStr string) (string, error) {
	token, err := jwt.Parse(tokenStr, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return s.secret, nil
	})
	if err != nil {
		return "", ErrInvalidToken
	}
	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok || !token.Valid {
		return "", ErrInvalidToken
	}
	sub, ok := claims["sub"].(string)
	if !ok {
		return "", ErrInvalidToken
	}
	return sub, nil
}
