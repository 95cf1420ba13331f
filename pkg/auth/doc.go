/*
Package auth verifies the bearer tokens presented to the coordinator.

Tokens are JWTs minted by a Keycloak realm through the OAuth2 client
credentials flow. The coordinator never talks to Keycloak per request:
it verifies signatures locally against the realm's published JWKS.

# Verifiers

Verifier is the one-method interface the API middleware consumes.

KeycloakVerifier is the production implementation. Construction
discovers the realm's jwks_uri from /.well-known/openid-configuration
and primes a jwk.Cache; a realm that cannot be reached at startup is a
fatal configuration error, while later refresh failures serve the
cached key set. Key rotation is picked up on the cache's refresh
schedule without a process restart.

NewStaticVerifier wraps a fixed key set. Tests mint their own RS256
keys and verify against them without any discovery endpoint.

# Verification

Verify checks the signature against the key set, the exp/iat claims
with 30 seconds of clock skew, and the audience. It returns the
caller's identity as Claims: the token subject plus the client roles
granted for this audience.

# Roles

Keycloak encodes client roles under resource_access:

	{
	  "resource_access": {
	    "long-term-archive": {"roles": ["system"]}
	  }
	}

The pipeline uses three: admin (operators, full access), system (stage
workers), and read-only (dashboards). What each role may do per method
is the API middleware's decision, not this package's.
*/
package auth
