package framework

import (
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/lestrrat-go/jwx/v2/jwt"
	"github.com/stretchr/testify/require"

	"github.com/coldpoint/permafrost/pkg/auth"
)

const (
	// Audience is the token audience the coordinator verifies and the
	// resource_access key client roles are read from.
	Audience = "long-term-archive"

	// AdminClientID is granted the admin role by the test issuer. Any
	// other client id gets the system role a stage worker runs with.
	AdminClientID = "admin-cli"

	// WorkerClientID is the client id stage workers authenticate as.
	WorkerClientID = "stage-worker"

	// ClientSecret is accepted for every client id.
	ClientSecret = "test-secret"
)

// Issuer is a stand-in OpenID provider. It signs RS256 tokens with a
// throwaway key and serves the discovery and token endpoints the
// client-credentials flow needs, so workers authenticate end to end
// and the coordinator verifies their tokens for real.
type Issuer struct {
	URL string

	priv jwk.Key
	keys jwk.Set
}

// NewIssuer generates a signing key and starts the provider endpoints.
func NewIssuer(t *testing.T) *Issuer {
	t.Helper()

	raw, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	priv, err := jwk.FromRaw(raw)
	require.NoError(t, err)
	require.NoError(t, priv.Set(jwk.KeyIDKey, "pipeline-test-key"))
	require.NoError(t, priv.Set(jwk.AlgorithmKey, jwa.RS256))
	pub, err := priv.PublicKey()
	require.NoError(t, err)
	keys := jwk.NewSet()
	require.NoError(t, keys.AddKey(pub))

	i := &Issuer{priv: priv, keys: keys}
	srv := httptest.NewServer(i.routes())
	t.Cleanup(srv.Close)
	i.URL = srv.URL
	return i
}

// KeySet returns the public keys the coordinator verifies against.
func (i *Issuer) KeySet() jwk.Set { return i.keys }

// Mint signs a token carrying one application role.
func (i *Issuer) Mint(t *testing.T, subject, role string) string {
	t.Helper()
	signed, err := i.sign(subject, role)
	require.NoError(t, err)
	return signed
}

func (i *Issuer) sign(subject, role string) (string, error) {
	tok, err := jwt.NewBuilder().
		Subject(subject).
		Audience([]string{Audience}).
		IssuedAt(time.Now()).
		Expiration(time.Now().Add(time.Hour)).
		Claim("resource_access", map[string]any{
			Audience: map[string]any{"roles": []string{role}},
		}).
		Build()
	if err != nil {
		return "", err
	}
	signed, err := jwt.Sign(tok, jwt.WithKey(jwa.RS256, i.priv))
	if err != nil {
		return "", err
	}
	return string(signed), nil
}

func (i *Issuer) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /.well-known/openid-configuration", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"issuer":         i.URL,
			"token_endpoint": i.URL + "/token",
			"jwks_uri":       i.URL + "/jwks",
		})
	})
	mux.HandleFunc("GET /jwks", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, i.keys)
	})
	mux.HandleFunc("POST /token", i.token)
	return mux
}

// token implements just enough of the client_credentials grant. The
// client id arrives via basic auth or the form body depending on which
// auth style the oauth2 package settles on; any secret is accepted.
func (i *Issuer) token(w http.ResponseWriter, r *http.Request) {
	clientID, _, ok := r.BasicAuth()
	if !ok {
		if err := r.ParseForm(); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid_request"})
			return
		}
		clientID = r.PostFormValue("client_id")
	}
	if clientID == "" {
		writeJSON(w, http.StatusUnauthorized, map[string]any{"error": "invalid_client"})
		return
	}
	role := auth.RoleSystem
	if clientID == AdminClientID {
		role = auth.RoleAdmin
	}
	signed, err := i.sign(clientID, role)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": "server_error"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"access_token": signed,
		"token_type":   "Bearer",
		"expires_in":   3600,
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
