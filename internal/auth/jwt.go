// Package auth validates bearer tokens issued by the marketplace's identity
// service and guards the payment API.
package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwt"
)

// ErrInvalidToken indicates the token failed validation.
var ErrInvalidToken = errors.New("auth: invalid token")

// Claims is the subset of token claims this subsystem consumes.
type Claims struct {
	UserID string
	Email  string
}

// Service validates HS256 access tokens.
type Service struct {
	secret []byte
}

// NewService builds a validator over the shared signing secret.
func NewService(secret string) *Service {
	return &Service{secret: []byte(secret)}
}

// ParseAccessToken validates signature and temporal claims, then extracts the
// caller identity.
func (s *Service) ParseAccessToken(raw string) (Claims, error) {
	tok, err := jwt.ParseString(strings.TrimSpace(raw),
		jwt.WithKey(jwa.HS256, s.secret),
		jwt.WithValidate(true),
		jwt.WithAcceptableSkew(30*time.Second),
	)
	if err != nil {
		return Claims{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	sub := tok.Subject()
	if sub == "" {
		return Claims{}, fmt.Errorf("%w: missing subject", ErrInvalidToken)
	}
	claims := Claims{UserID: sub}
	if v, ok := tok.Get("email"); ok {
		if email, ok := v.(string); ok {
			claims.Email = email
		}
	}
	return claims, nil
}
