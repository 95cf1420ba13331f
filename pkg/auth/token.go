package auth

import (
	"context"
	"fmt"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
)

// NewClientCredentials builds a self-refreshing token source for a
// worker's service account. The token endpoint is discovered from the
// provider's OpenID configuration, so workers only configure the realm
// URL, client ID and secret.
func NewClientCredentials(ctx context.Context, openidURL, clientID, clientSecret string) (oauth2.TokenSource, error) {
	cfg, err := discover(ctx, openidURL)
	if err != nil {
		return nil, err
	}
	if cfg.TokenEndpoint == "" {
		return nil, fmt.Errorf("OpenID configuration from %s has no token_endpoint", openidURL)
	}

	cc := clientcredentials.Config{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		TokenURL:     cfg.TokenEndpoint,
	}
	return cc.TokenSource(ctx), nil
}
