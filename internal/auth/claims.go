package auth

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// The client never verifies token signatures; that is the backend's job.
// It only reads the self-describing claims it needs: exp for proactive
// refresh scheduling and sub for the user id.

// Expiry returns the expiry instant embedded in the access token. A token
// without an exp claim yields the zero time and no error; callers treat
// that as "cannot schedule" rather than a failure.
func Expiry(token string) (time.Time, error) {
	claims, err := decode(token)
	if err != nil {
		return time.Time{}, err
	}

	exp, err := claims.GetExpirationTime()
	if err != nil {
		return time.Time{}, fmt.Errorf("reading exp claim: %w", err)
	}

	if exp == nil {
		return time.Time{}, nil
	}

	return exp.Time, nil
}

// Subject returns the sub claim of the access token.
func Subject(token string) (string, error) {
	claims, err := decode(token)
	if err != nil {
		return "", err
	}

	sub, err := claims.GetSubject()
	if err != nil {
		return "", fmt.Errorf("reading sub claim: %w", err)
	}

	return sub, nil
}

func decode(token string) (jwt.MapClaims, error) {
	claims := jwt.MapClaims{}

	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return nil, fmt.Errorf("decoding token: %w", err)
	}

	return claims, nil
}
