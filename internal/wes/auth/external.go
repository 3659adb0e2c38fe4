package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/MicahParks/keyfunc/v3"
	"github.com/golang-jwt/jwt/v5"
	"github.com/redis/go-redis/v9"

	"sapporo/internal/wes/apierr"
	"sapporo/internal/wes/model"
)

const (
	discoveryCacheTTL = time.Hour
	jwksCacheTTL      = 5 * time.Minute
)

// discoveryDoc is the subset of an OIDC discovery document this
// Authenticator relies on.
type discoveryDoc struct {
	JWKSURI string `json:"jwks_uri"`
	Issuer  string `json:"issuer"`
}

// ExternalVerifier verifies bearer tokens issued by a third-party OIDC IdP
// (idp_provider "external", spec §4.5). It caches the discovery document and
// the JWKS on independent TTLs, and refetches the key set exactly once on a
// kid-miss before rejecting the token — this bounds an attacker's ability to
// force unbounded IdP traffic via crafted kid values.
type ExternalVerifier struct {
	cfg    model.ExternalAuthConfig
	client *http.Client
	cache  *redis.Client // nil unless jwks_cache_redis_addr is set

	mu           sync.Mutex
	discovery    *discoveryDoc
	discoveredAt time.Time
	jwks         keyfunc.Keyfunc
	jwksAt       time.Time
}

// discoveryCacheKey is where the shared discovery document lives in Redis,
// namespaced so it can share a keyspace with unrelated services.
func discoveryCacheKey(idpURL string) string {
	return "sapporo:oidc-discovery:" + idpURL
}

// NewExternalVerifier validates the IdP URL scheme (spec R9: plaintext HTTP
// IdPs are rejected unless SAPPORO_ALLOW_INSECURE_IDP is set) before
// returning a verifier.
func NewExternalVerifier(cfg model.ExternalAuthConfig, allowInsecure bool) (*ExternalVerifier, error) {
	u, err := url.Parse(cfg.IdPURL)
	if err != nil {
		return nil, fmt.Errorf("invalid idp_url: %w", err)
	}
	if u.Scheme != "https" && !allowInsecure {
		return nil, fmt.Errorf("idp_url must use https unless SAPPORO_ALLOW_INSECURE_IDP is set")
	}
	ev := &ExternalVerifier{
		cfg:    cfg,
		client: &http.Client{Timeout: 10 * time.Second},
	}
	if cfg.JWKSCacheRedisAddr != "" {
		ev.cache = redis.NewClient(&redis.Options{Addr: cfg.JWKSCacheRedisAddr})
	}
	return ev, nil
}

// Verify validates a bearer token's signature, audience and expiry against
// the configured IdP, returning the subject claim as the bound username.
func (ev *ExternalVerifier) Verify(ctx context.Context, tokenString string) (string, error) {
	sub, _, err := ev.VerifyClaims(ctx, tokenString)
	return sub, err
}

// VerifyClaims is Verify plus the full claim set, for GET /me (spec
// §"GET /me") to echo back to the caller.
func (ev *ExternalVerifier) VerifyClaims(ctx context.Context, tokenString string) (string, jwt.MapClaims, error) {
	kf, issuer, err := ev.keyfunc(ctx, tokenString, false)
	if err != nil {
		return "", nil, apierr.Wrap(apierr.KindUpstream, "fetch identity provider keys", err)
	}

	claims := jwt.MapClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, kf.Keyfunc, jwt.WithValidMethods([]string{"RS256", "RS384", "RS512"}))
	if err != nil {
		// A kid the current key set doesn't recognize might mean the IdP
		// rotated keys; refetch once before giving up (spec §4.5).
		if strings.Contains(err.Error(), "could not find") || strings.Contains(err.Error(), "kid") {
			var refetchErr error
			kf, issuer, refetchErr = ev.keyfunc(ctx, tokenString, true)
			if refetchErr == nil {
				token, err = jwt.ParseWithClaims(tokenString, claims, kf.Keyfunc, jwt.WithValidMethods([]string{"RS256", "RS384", "RS512"}))
			}
		}
		if err != nil {
			return "", nil, apierr.New(apierr.KindUnauthenticated, "invalid or expired token")
		}
	}
	if !token.Valid {
		return "", nil, apierr.New(apierr.KindUnauthenticated, "invalid or expired token")
	}

	if issuer != "" {
		iss, _ := claims.GetIssuer()
		if iss != issuer {
			return "", nil, apierr.New(apierr.KindUnauthenticated, "token issuer does not match identity provider")
		}
	}

	if ev.cfg.JWTAudience != "" {
		aud, _ := claims.GetAudience()
		if !containsAudience(aud, ev.cfg.JWTAudience) {
			return "", nil, apierr.New(apierr.KindUnauthenticated, "token audience does not match configured jwt_audience")
		}
	}

	sub, err := claims.GetSubject()
	if err != nil || sub == "" {
		return "", nil, apierr.New(apierr.KindUnauthenticated, "token has no subject claim")
	}
	return sub, claims, nil
}

// keyfunc returns the current JWKS keyfunc plus the discovery document's
// issuer, so the caller can check a token's iss claim against it (spec
// §4.5).
func (ev *ExternalVerifier) keyfunc(ctx context.Context, tokenString string, forceRefresh bool) (keyfunc.Keyfunc, string, error) {
	ev.mu.Lock()
	defer ev.mu.Unlock()

	if !forceRefresh && ev.jwks != nil && time.Since(ev.jwksAt) < jwksCacheTTL {
		return ev.jwks, ev.discovery.Issuer, nil
	}

	doc, err := ev.discoveryDocLocked(ctx)
	if err != nil {
		return nil, "", err
	}

	kf, err := keyfunc.NewDefaultCtx(ctx, []string{doc.JWKSURI})
	if err != nil {
		return nil, "", fmt.Errorf("build keyfunc from %s: %w", doc.JWKSURI, err)
	}
	ev.jwks = kf
	ev.jwksAt = time.Now()
	return kf, doc.Issuer, nil
}

func (ev *ExternalVerifier) discoveryDocLocked(ctx context.Context) (*discoveryDoc, error) {
	if ev.discovery != nil && time.Since(ev.discoveredAt) < discoveryCacheTTL {
		return ev.discovery, nil
	}

	if ev.cache != nil {
		if doc, ok := ev.discoveryFromCache(ctx); ok {
			ev.discovery = doc
			ev.discoveredAt = time.Now()
			return doc, nil
		}
	}

	wellKnown := strings.TrimSuffix(ev.cfg.IdPURL, "/") + "/.well-known/openid-configuration"
	doc, err := fetchDiscoveryWithRetry(ctx, ev.client, wellKnown)
	if err != nil {
		return nil, err
	}
	ev.discovery = doc
	ev.discoveredAt = time.Now()
	if ev.cache != nil {
		ev.storeDiscoveryInCache(ctx, doc)
	}
	return doc, nil
}

// discoveryFromCache checks the shared Redis cache before falling back to an
// HTTP fetch. A cache miss or a Redis error is silent: the IdP fetch below
// is the source of truth, Redis is only ever a shortcut around it.
func (ev *ExternalVerifier) discoveryFromCache(ctx context.Context) (*discoveryDoc, bool) {
	raw, err := ev.cache.Get(ctx, discoveryCacheKey(ev.cfg.IdPURL)).Result()
	if err != nil || raw == "" {
		return nil, false
	}
	var doc discoveryDoc
	if err := json.Unmarshal([]byte(raw), &doc); err != nil || doc.JWKSURI == "" {
		return nil, false
	}
	return &doc, true
}

func (ev *ExternalVerifier) storeDiscoveryInCache(ctx context.Context, doc *discoveryDoc) {
	raw, err := json.Marshal(doc)
	if err != nil {
		return
	}
	_ = ev.cache.Set(ctx, discoveryCacheKey(ev.cfg.IdPURL), raw, discoveryCacheTTL).Err()
}

// retryBackoffs is spec §5's fixed schedule for transient HTTP failures
// talking to the IdP: up to 3 retries at 0.5s/1.0s/2.0s.
var retryBackoffs = []time.Duration{500 * time.Millisecond, time.Second, 2 * time.Second}

func fetchDiscoveryWithRetry(ctx context.Context, client *http.Client, url string) (*discoveryDoc, error) {
	var lastErr error
	for attempt := 0; ; attempt++ {
		doc, err := fetchDiscoveryOnce(ctx, client, url)
		if err == nil {
			return doc, nil
		}
		lastErr = err
		if attempt >= len(retryBackoffs) {
			break
		}
		select {
		case <-time.After(retryBackoffs[attempt]):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return nil, lastErr
}

func fetchDiscoveryOnce(ctx context.Context, client *http.Client, url string) (*discoveryDoc, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("discovery document fetch returned %d", resp.StatusCode)
	}
	var doc discoveryDoc
	if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
		return nil, fmt.Errorf("decode discovery document: %w", err)
	}
	if doc.JWKSURI == "" {
		return nil, fmt.Errorf("discovery document has no jwks_uri")
	}
	return &doc, nil
}

func containsAudience(auds []string, want string) bool {
	for _, a := range auds {
		if a == want {
			return true
		}
	}
	return false
}
