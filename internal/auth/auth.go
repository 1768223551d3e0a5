// Package auth validates bearer tokens issued by the identity provider.
package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/smallbiznis/entitle/internal/config"
)

const (
	RoleUser     = "user"
	RoleOperator = "operator"
)

var (
	ErrUnauthorized  = errors.New("unauthorized")
	ErrNotConfigured = errors.New("auth secret not configured")
)

// Claims represents the JWT token claims.
type Claims struct {
	UserID string `json:"uid"`
	Role   string `json:"role"`
	jwt.RegisteredClaims
}

// Identity is the authenticated caller passed explicitly into core operations.
type Identity struct {
	UserID string
	Role   string
}

type Verifier struct {
	secret []byte
	leeway time.Duration
}

func NewVerifier(cfg config.Config) *Verifier {
	return &Verifier{
		secret: []byte(strings.TrimSpace(cfg.AuthJWTSecret)),
		leeway: 30 * time.Second,
	}
}

// ValidateToken validates a bearer token and returns the caller identity.
func (v *Verifier) ValidateToken(tokenStr string) (*Identity, error) {
	if len(v.secret) == 0 {
		return nil, ErrNotConfigured
	}
	token, err := jwt.ParseWithClaims(tokenStr, &Claims{}, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return v.secret, nil
	}, jwt.WithLeeway(v.leeway), jwt.WithExpirationRequired())
	if err != nil {
		return nil, ErrUnauthorized
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid || strings.TrimSpace(claims.UserID) == "" {
		return nil, ErrUnauthorized
	}

	role := strings.TrimSpace(claims.Role)
	if role == "" {
		role = RoleUser
	}
	return &Identity{UserID: claims.UserID, Role: role}, nil
}

// Issue signs a token; used by tests and local tooling.
func (v *Verifier) Issue(userID, role string, ttl time.Duration) (string, error) {
	if len(v.secret) == 0 {
		return "", ErrNotConfigured
	}
	now := time.Now()
	claims := &Claims{
		UserID: userID,
		Role:   role,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
			ID:        uuid.New().String(),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(v.secret)
}
