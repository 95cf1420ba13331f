package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/lestrrat-go/jwx/v2/jwt"
)

// Roles recognized in tokens. Workers authenticate as system; operator
// tooling as admin; dashboards as read-only.
const (
	RoleAdmin    = "admin"
	RoleSystem   = "system"
	RoleReadOnly = "read-only"
)

// Claims is what the API layer needs to know about a caller.
type Claims struct {
	Subject string
	Roles   []string
}

// HasRole reports whether the caller carries the given role.
func (c *Claims) HasRole(role string) bool {
	for _, r := range c.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// Verifier validates a bearer token and extracts its claims.
type Verifier interface {
	Verify(ctx context.Context, token string) (*Claims, error)
}

// openidConfig is the subset of the OpenID discovery document we use.
type openidConfig struct {
	Issuer        string `json:"issuer"`
	TokenEndpoint string `json:"token_endpoint"`
	JWKSURI       string `json:"jwks_uri"`
}

// discover fetches {openidURL}/.well-known/openid-configuration.
func discover(ctx context.Context, openidURL string) (*openidConfig, error) {
	url := strings.TrimSuffix(openidURL, "/") + "/.well-known/openid-configuration"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build discovery request: %w", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch OpenID configuration from %s: %w", url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("OpenID configuration fetch returned %d from %s", resp.StatusCode, url)
	}

	var cfg openidConfig
	if err := json.NewDecoder(resp.Body).Decode(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode OpenID configuration: %w", err)
	}
	if cfg.JWKSURI == "" {
		return nil, fmt.Errorf("OpenID configuration from %s has no jwks_uri", url)
	}
	return &cfg, nil
}

// KeycloakVerifier validates tokens against a Keycloak-style provider:
// RS256 signatures from a cached JWKS, a fixed audience, and client
// roles under resource_access.{audience}.roles.
type KeycloakVerifier struct {
	audience string
	jwksURL  string
	cache    *jwk.Cache
	static   jwk.Set
}

// NewKeycloakVerifier discovers the provider's JWKS endpoint and starts
// a refreshing key cache. An auth-provider outage after startup keeps
// serving the last good key set.
func NewKeycloakVerifier(ctx context.Context, openidURL, audience string) (*KeycloakVerifier, error) {
	cfg, err := discover(ctx, openidURL)
	if err != nil {
		return nil, err
	}

	cache := jwk.NewCache(ctx)
	if err := cache.Register(cfg.JWKSURI, jwk.WithMinRefreshInterval(15*time.Minute)); err != nil {
		return nil, fmt.Errorf("failed to register JWKS endpoint: %w", err)
	}
	// Fetch once now so a bad issuer fails startup, not the first request.
	if _, err := cache.Refresh(ctx, cfg.JWKSURI); err != nil {
		return nil, fmt.Errorf("failed to fetch JWKS from %s: %w", cfg.JWKSURI, err)
	}

	return &KeycloakVerifier{
		audience: audience,
		jwksURL:  cfg.JWKSURI,
		cache:    cache,
	}, nil
}

// NewStaticVerifier validates against a fixed key set. Used by tests
// and by deployments that pin keys.
func NewStaticVerifier(set jwk.Set, audience string) *KeycloakVerifier {
	return &KeycloakVerifier{audience: audience, static: set}
}

func (v *KeycloakVerifier) keySet(ctx context.Context) (jwk.Set, error) {
	if v.static != nil {
		return v.static, nil
	}
	return v.cache.Get(ctx, v.jwksURL)
}

// Verify checks signature, expiry and audience, then extracts roles.
func (v *KeycloakVerifier) Verify(ctx context.Context, token string) (*Claims, error) {
	set, err := v.keySet(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load verification keys: %w", err)
	}

	tok, err := jwt.Parse([]byte(token),
		jwt.WithKeySet(set),
		jwt.WithValidate(true),
		jwt.WithAudience(v.audience),
		jwt.WithAcceptableSkew(30*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("token rejected: %w", err)
	}

	return &Claims{
		Subject: tok.Subject(),
		Roles:   clientRoles(tok, v.audience),
	}, nil
}

// clientRoles digs the role list out of the Keycloak claim shape
// resource_access.{client}.roles.
func clientRoles(tok jwt.Token, client string) []string {
	ra, ok := tok.Get("resource_access")
	if !ok {
		return nil
	}
	byClient, ok := ra.(map[string]interface{})
	if !ok {
		return nil
	}
	entry, ok := byClient[client].(map[string]interface{})
	if !ok {
		return nil
	}
	raw, ok := entry["roles"].([]interface{})
	if !ok {
		return nil
	}
	roles := make([]string, 0, len(raw))
	for _, r := range raw {
		if s, ok := r.(string); ok {
			roles = append(roles, s)
		}
	}
	return roles
}
