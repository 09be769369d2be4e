// Package auth verifies the bearer tokens issued by the account service.
// Registration and login live outside this codebase; the token is the trust
// boundary. Tokens are HS256 JWTs carrying the user id and category.
package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ErrInvalidToken is returned for malformed, expired, or mis-signed tokens.
var ErrInvalidToken = errors.New("auth: invalid token")

// Claims are the verified facts carried by a token.
type Claims struct {
	UserID   string
	Category string
}

type tokenClaims struct {
	Category string `json:"cat"`
	jwt.RegisteredClaims
}

// Verifier validates bearer tokens against the shared signing secret.
type Verifier struct {
	secret []byte
}

// NewVerifier creates a Verifier for the given HS256 secret.
func NewVerifier(secret string) *Verifier {
	return &Verifier{secret: []byte(secret)}
}

// Verify parses and validates a token string, returning its claims.
func (v *Verifier) Verify(tokenString string) (*Claims, error) {
	var claims tokenClaims
	token, err := jwt.ParseWithClaims(tokenString, &claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("auth: unexpected signing method %v", t.Header["alg"])
		}
		return v.secret, nil
	})
	if err != nil || !token.Valid {
		return nil, ErrInvalidToken
	}
	if claims.Subject == "" || claims.Category == "" {
		return nil, ErrInvalidToken
	}
	return &Claims{UserID: claims.Subject, Category: claims.Category}, nil
}

// Issue signs a token for the given user. The account service normally does
// this; it is exported here for tests and local tooling.
func (v *Verifier) Issue(userID, category string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := tokenClaims{
		Category: category,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(v.secret)
	if err != nil {
		return "", fmt.Errorf("auth: sign token: %w", err)
	}
	return signed, nil
}
