// Package auth issues and checks operator tokens for the console API.
package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"
)

const issuer = "audiodeck"

var (
	ErrNoSecret     = errors.New("auth secret not configured")
	ErrInvalidToken = errors.New("invalid token")
)

// Claims 操作员令牌内容
type Claims struct {
	Operator string `json:"operator"`
	jwt.RegisteredClaims
}

// Authenticator signs and verifies HS256 tokens with one shared secret.
type Authenticator struct {
	secret       []byte
	passwordHash string
	ttl          time.Duration
	now          func() time.Time
}

// New creates an authenticator. passwordHash is the bcrypt hash checked at
// login; an empty hash disables password login.
func New(secret, passwordHash string, ttl time.Duration) *Authenticator {
	if ttl <= 0 {
		ttl = 12 * time.Hour
	}
	return &Authenticator{
		secret:       []byte(secret),
		passwordHash: passwordHash,
		ttl:          ttl,
		now:          time.Now,
	}
}

// Enabled reports whether a secret is configured.
func (a *Authenticator) Enabled() bool {
	return a != nil && len(a.secret) > 0
}

// Login checks the password and returns a fresh token.
func (a *Authenticator) Login(operator, password string) (string, error) {
	if a.passwordHash == "" || !CheckPasswordHash(password, a.passwordHash) {
		return "", ErrInvalidToken
	}
	return a.GenerateToken(operator)
}

// GenerateToken signs a token for operator.
func (a *Authenticator) GenerateToken(operator string) (string, error) {
	if !a.Enabled() {
		return "", ErrNoSecret
	}
	now := a.now()
	claims := Claims{
		Operator: operator,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    issuer,
			Subject:   operator,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(a.ttl)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(a.secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, nil
}

// ParseToken validates signature, issuer and expiry.
func (a *Authenticator) ParseToken(tokenString string) (*Claims, error) {
	if !a.Enabled() {
		return nil, ErrNoSecret
	}
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (interface{}, error) {
		return a.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(issuer),
		jwt.WithTimeFunc(a.now),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !token.Valid {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

// HashPassword generates a bcrypt hash of the password.
func HashPassword(password string) (string, error) {
	bytes, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("failed to hash password: %w", err)
	}
	return string(bytes), nil
}

// CheckPasswordHash compares a password with a bcrypt hash.
func CheckPasswordHash(password, hash string) bool {
	err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(password))
	return err == nil
}
