package orchestrator

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// RunClaims scope a callback token to a single run.
type RunClaims struct {
	RunID string `json:"run_id"`
	jwt.RegisteredClaims
}

// MintRunToken issues the short-lived bearer token a container uses to
// authenticate callbacks for its own run.
func MintRunToken(runID, secret string, ttl time.Duration) (string, error) {
	if ttl <= 0 {
		ttl = time.Hour
	}
	now := time.Now()
	claims := RunClaims{
		RunID: runID,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   runID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(secret))
	if err != nil {
		return "", fmt.Errorf("sign run token: %w", err)
	}
	return signed, nil
}

// ParseRunToken validates a run token and returns its claims.
func ParseRunToken(tokenString, secret string) (*RunClaims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &RunClaims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return []byte(secret), nil
	})
	if err != nil {
		return nil, fmt.Errorf("parse run token: %w", err)
	}
	claims, ok := token.Claims.(*RunClaims)
	if !ok || !token.Valid {
		return nil, errors.New("invalid run token")
	}
	return claims, nil
}
