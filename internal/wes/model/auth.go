package model

// IdPProvider selects the Authenticator's operating mode (spec §3, §4.5).
type IdPProvider string

const (
	IdPSapporo  IdPProvider = "sapporo"
	IdPExternal IdPProvider = "external"
)

// SapporoUser is one local-mode account entry.
type SapporoUser struct {
	Username     string `yaml:"username" json:"username"`
	PasswordHash string `yaml:"password_hash" json:"password_hash"`
}

// SapporoAuthConfig configures local JWT issuance.
type SapporoAuthConfig struct {
	SecretKey         string        `yaml:"secret_key" json:"secret_key"`
	ExpiresDeltaHours *float64      `yaml:"expires_delta_hours" json:"expires_delta_hours"`
	Users             []SapporoUser `yaml:"users" json:"users"`
}

// ExternalAuthConfig configures verification against a third-party OIDC IdP.
type ExternalAuthConfig struct {
	IdPURL       string `yaml:"idp_url" json:"idp_url"`
	JWTAudience  string `yaml:"jwt_audience" json:"jwt_audience"`
	ClientMode   string `yaml:"client_mode" json:"client_mode"` // public | confidential
	ClientID     string `yaml:"client_id" json:"client_id"`
	ClientSecret string `yaml:"client_secret" json:"client_secret"`
	// JWKSCacheRedisAddr, when set, shares the OIDC discovery document across
	// every replica of this service through Redis instead of each process
	// hitting the IdP's .well-known endpoint independently on every restart.
	// Empty disables it; the in-process TTL cache is always used regardless.
	JWKSCacheRedisAddr string `yaml:"jwks_cache_redis_addr" json:"jwks_cache_redis_addr"`
}

// AuthConfig is the top-level --auth-config document (spec §3).
type AuthConfig struct {
	AuthEnabled       bool               `yaml:"auth_enabled" json:"auth_enabled"`
	IdPProvider       IdPProvider        `yaml:"idp_provider" json:"idp_provider"`
	SapporoAuthConfig SapporoAuthConfig  `yaml:"sapporo_auth_config" json:"sapporo_auth_config"`
	ExternalConfig    ExternalAuthConfig `yaml:"external_config" json:"external_config"`
}
