package bundle

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// DownloadClaims signs (slug, version, expiresAt) for the artifact-download
// boundary spec §6 describes ("signed-URL tokens sign (slug, version,
// expiresAt)"). Grounded on the teacher's internal/controller/auth.Claims
// (jwt.RegisteredClaims embedded, HS256 signing via a shared secret).
type DownloadClaims struct {
	jwt.RegisteredClaims
	Slug    string `json:"slug"`
	Version string `json:"version"`
}

// TokenSigner issues and validates bundle download tokens. The HTTP route
// that actually streams the artifact is out of this engine's scope (spec's
// "thin HTTP route layer" Non-goal); this is the library logic that route
// would call.
type TokenSigner struct {
	secret []byte
	ttl    time.Duration
}

// NewTokenSigner builds a TokenSigner with the given HMAC secret and token
// lifetime (zero defaults to 15 minutes).
func NewTokenSigner(secret []byte, ttl time.Duration) *TokenSigner {
	if ttl <= 0 {
		ttl = 15 * time.Minute
	}
	return &TokenSigner{secret: secret, ttl: ttl}
}

// Sign returns a signed download token for (slug, version) and the time it
// expires at.
func (s *TokenSigner) Sign(slug, version string) (string, time.Time, error) {
	now := time.Now().UTC()
	expiresAt := now.Add(s.ttl)
	claims := DownloadClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
		Slug:    slug,
		Version: version,
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(s.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("signing bundle download token: %w", err)
	}
	return signed, expiresAt, nil
}

// Validate parses tokenString and returns the (slug, version) it was
// issued for, rejecting expired or tampered tokens.
func (s *TokenSigner) Validate(tokenString string) (slug, version string, err error) {
	if tokenString == "" {
		return "", "", fmt.Errorf("download token is empty")
	}
	token, err := jwt.ParseWithClaims(tokenString, &DownloadClaims{}, func(t *jwt.Token) (interface{}, error) {
		if t.Method.Alg() != "HS256" {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Method.Alg())
		}
		return s.secret, nil
	})
	if err != nil {
		return "", "", fmt.Errorf("parsing bundle download token: %w", err)
	}
	claims, ok := token.Claims.(*DownloadClaims)
	if !ok || !token.Valid {
		return "", "", fmt.Errorf("bundle download token is invalid")
	}
	return claims.Slug, claims.Version, nil
}
