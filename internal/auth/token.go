package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/fleetdesk/fleetdesk/internal/models"
	"github.com/golang-jwt/jwt/v5"
)

// Claims is the decoded payload of an access token. Generation carries
// the account's token generation at issuance time ("tv" on the wire);
// verifiers compare it against the account's current generation so a
// single integer bump invalidates every outstanding token.
type Claims struct {
	Subject    string
	Generation int64
	ExpiresAt  time.Time
	IssuedAt   time.Time
}

type accessClaims struct {
	TokenGeneration int64 `json:"tv"`
	jwt.RegisteredClaims
}

// TokenManager signs and verifies access tokens. Verification is tried
// against the active signing key first, then each previously valid key in
// order, so signing keys can rotate without invalidating live sessions.
type TokenManager struct {
	signingKey   []byte
	previousKeys [][]byte
}

// NewTokenManager creates a TokenManager. previousKeys may be empty.
func NewTokenManager(signingKey string, previousKeys []string) (*TokenManager, error) {
	if signingKey == "" {
		return nil, fmt.Errorf("signing key is required")
	}

	tm := &TokenManager{signingKey: []byte(signingKey)}
	for _, key := range previousKeys {
		if key == "" {
			continue
		}
		tm.previousKeys = append(tm.previousKeys, []byte(key))
	}
	return tm, nil
}

// CreateAccessToken signs a {sub, exp, iat, tv} payload with the active key.
func (tm *TokenManager) CreateAccessToken(subject string, generation int64, ttl time.Duration) (string, error) {
	now := time.Now()

	claims := &accessClaims{
		TokenGeneration: generation,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(tm.signingKey)
	if err != nil {
		return "", fmt.Errorf("failed to sign access token: %w", err)
	}
	return signed, nil
}

// DecodeAccessToken verifies signature and expiry. The first key that
// yields a structurally valid, signature-valid, unexpired token wins; if
// none does, the result is ErrInvalidCredentials regardless of cause.
func (tm *TokenManager) DecodeAccessToken(tokenString string) (*Claims, error) {
	keys := make([][]byte, 0, 1+len(tm.previousKeys))
	keys = append(keys, tm.signingKey)
	keys = append(keys, tm.previousKeys...)

	for _, key := range keys {
		claims, err := tm.decodeWithKey(tokenString, key)
		if err == nil {
			return claims, nil
		}
		// An expired token fails against every key; no point retrying.
		if errors.Is(err, jwt.ErrTokenExpired) {
			break
		}
	}

	return nil, models.ErrInvalidCredentials
}

func (tm *TokenManager) decodeWithKey(tokenString string, key []byte) (*Claims, error) {
	claims := &accessClaims{}

	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return key, nil
	}, jwt.WithExpirationRequired())
	if err != nil {
		return nil, err
	}
	if !token.Valid || claims.Subject == "" {
		return nil, models.ErrInvalidCredentials
	}

	decoded := &Claims{
		Subject:    claims.Subject,
		Generation: claims.TokenGeneration,
		ExpiresAt:  claims.ExpiresAt.Time,
	}
	if claims.IssuedAt != nil {
		decoded.IssuedAt = claims.IssuedAt.Time
	}
	return decoded, nil
}
