package auth

import (
	"fmt"
	"math"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"sapporo/internal/wes/apierr"
	"sapporo/internal/wes/model"
)

// minSecretKeyBytes matches the length floor original_source/sapporo's
// startup check enforces for SAPPORO_AUTH_CONFIG's secret_key.
const minSecretKeyBytes = 32

const defaultExpiresDeltaHours = 24.0

// bundledDefaultSecretKey is the placeholder value shipped in example
// auth-config documentation for operators to copy and override. A deployment
// that never replaces it would sign every token with a publicly known key.
const bundledDefaultSecretKey = "change-me-to-a-random-32-byte-secret-before-deploying-to-production"

// minShannonEntropyBitsPerByte is the floor below which a secret is treated
// as low-entropy padding rather than randomness (spec §4.5). A random hex
// string sits around 4 bits/byte and base64 around 6; this only rejects
// degenerate cases like long runs of a repeated character or word.
const minShannonEntropyBitsPerByte = 3.0

// shannonEntropy computes the Shannon entropy of s in bits per byte.
func shannonEntropy(s string) float64 {
	if len(s) == 0 {
		return 0
	}
	var counts [256]int
	for i := 0; i < len(s); i++ {
		counts[s[i]]++
	}
	entropy := 0.0
	n := float64(len(s))
	for _, c := range counts {
		if c == 0 {
			continue
		}
		p := float64(c) / n
		entropy -= p * math.Log2(p)
	}
	return entropy
}

// Claims is the sapporo-mode JWT payload.
type Claims struct {
	jwt.RegisteredClaims
	Username string `json:"username"`
}

// LocalIssuer issues and verifies HS256 tokens for idp_provider "sapporo".
type LocalIssuer struct {
	cfg   model.SapporoAuthConfig
	users map[string]string // username -> password hash
}

// NewLocalIssuer validates the secret key strength (spec §4.5, R8) before
// returning an issuer; a weak secret must fail service startup, not the
// first login attempt. The length, default-match, and entropy checks are
// gated to non-debug builds, since local development commonly runs with a
// throwaway or short secret and shouldn't have to fight startup to do so.
func NewLocalIssuer(cfg model.SapporoAuthConfig, debug bool) (*LocalIssuer, error) {
	if !debug {
		if len(cfg.SecretKey) < minSecretKeyBytes {
			return nil, fmt.Errorf("sapporo_auth_config.secret_key must be at least %d bytes", minSecretKeyBytes)
		}
		if cfg.SecretKey == bundledDefaultSecretKey {
			return nil, fmt.Errorf("sapporo_auth_config.secret_key must not be the bundled default placeholder")
		}
		if entropy := shannonEntropy(cfg.SecretKey); entropy < minShannonEntropyBitsPerByte {
			return nil, fmt.Errorf("sapporo_auth_config.secret_key has low entropy (%.2f bits/byte, need at least %.2f)", entropy, minShannonEntropyBitsPerByte)
		}
	}
	users := make(map[string]string, len(cfg.Users))
	for _, u := range cfg.Users {
		users[u.Username] = u.PasswordHash
	}
	return &LocalIssuer{cfg: cfg, users: users}, nil
}

// Authenticate checks a username/password pair and issues a signed token.
func (li *LocalIssuer) Authenticate(username, password string) (string, error) {
	hash, ok := li.users[username]
	if !ok || !CheckPassword(password, hash) {
		return "", apierr.New(apierr.KindUnauthenticated, "invalid username or password")
	}

	delta := defaultExpiresDeltaHours
	if li.cfg.ExpiresDeltaHours != nil {
		delta = *li.cfg.ExpiresDeltaHours
	}
	now := time.Now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   username,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(time.Duration(delta * float64(time.Hour)))),
		},
		Username: username,
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(li.cfg.SecretKey))
	if err != nil {
		return "", apierr.Wrap(apierr.KindInternal, "sign token", err)
	}
	return signed, nil
}

// Verify parses and validates a sapporo-mode bearer token, returning the
// bound username.
func (li *LocalIssuer) Verify(tokenString string) (string, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return []byte(li.cfg.SecretKey), nil
	})
	if err != nil || !token.Valid {
		return "", apierr.New(apierr.KindUnauthenticated, "invalid or expired token")
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || claims.Username == "" {
		return "", apierr.New(apierr.KindUnauthenticated, "invalid token claims")
	}
	return claims.Username, nil
}
