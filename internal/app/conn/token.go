package conn

import (
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// TokenExpiry reads the exp claim without verifying the signature; the
// signaling service verifies. ok is false for opaque or exp-less tokens.
func TokenExpiry(token string) (exp time.Time, ok bool) {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return time.Time{}, false
	}
	nd, err := claims.GetExpirationTime()
	if err != nil || nd == nil {
		return time.Time{}, false
	}
	return nd.Time, true
}

// CheckToken rejects missing tokens and tokens already past their exp.
func CheckToken(token string, now time.Time) error {
	if token == "" {
		return ErrTokenMissing
	}
	if exp, ok := TokenExpiry(token); ok && !now.Before(exp) {
		return ErrTokenExpired
	}
	return nil
}
