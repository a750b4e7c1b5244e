// ABOUTME: JWT verification for the token carried by connection.init
// ABOUTME: HS256 signing with a configured secret; expiry maps to the AUTH_EXPIRED error code

package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/2389/coven-relay/internal/protocol"
)

// Token errors
var (
	ErrInvalidToken = errors.New("invalid token")
	ErrExpiredToken = errors.New("token expired")
	ErrMissingClaim = errors.New("missing required claim")
	ErrMissingToken = errors.New("token required")
)

// TokenVerifier checks a connection token and returns the principal it names.
type TokenVerifier interface {
	Verify(tokenString string) (principalID string, err error)
}

// JWTVerifier implements TokenVerifier using HS256 signed JWTs.
type JWTVerifier struct {
	secret []byte
	now    func() time.Time
}

// NewJWTVerifier creates a verifier for secret.
func NewJWTVerifier(secret []byte) *JWTVerifier {
	return &JWTVerifier{secret: secret, now: time.Now}
}

// WithTimeFunc overrides the time source used for exp and iat checks.
func (v *JWTVerifier) WithTimeFunc(now func() time.Time) *JWTVerifier {
	v.now = now
	return v
}

// Verify validates the token and extracts the principal ID from the "sub" claim.
func (v *JWTVerifier) Verify(tokenString string) (principalID string, err error) {
	if tokenString == "" {
		return "", ErrMissingToken
	}
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return v.secret, nil
	}, jwt.WithTimeFunc(v.now), jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return "", ErrExpiredToken
		}
		return "", fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !token.Valid {
		return "", ErrInvalidToken
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return "", ErrInvalidToken
	}
	sub, ok := claims["sub"].(string)
	if !ok || sub == "" {
		return "", fmt.Errorf("%w: sub", ErrMissingClaim)
	}
	return sub, nil
}

// Generate signs a token for principalID that expires after expiresIn.
func (v *JWTVerifier) Generate(principalID string, expiresIn time.Duration) (string, error) {
	now := v.now()
	claims := jwt.MapClaims{
		"sub": principalID,
		"iat": now.Unix(),
		"exp": now.Add(expiresIn).Unix(),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(v.secret)
}

// ErrorFor converts a verification failure into the error envelope payload
// sent before the gateway closes the connection. Every token failure is
// reported as AUTH_EXPIRED so the client stops reconnecting with it.
func ErrorFor(err error) protocol.ErrorPayload {
	switch {
	case errors.Is(err, ErrExpiredToken):
		return protocol.NewError(protocol.CodeAuthExpired, "token expired")
	case errors.Is(err, ErrMissingToken):
		return protocol.NewError(protocol.CodeAuthExpired, "token required")
	default:
		return protocol.NewError(protocol.CodeAuthExpired, "token rejected: %v", err)
	}
}
