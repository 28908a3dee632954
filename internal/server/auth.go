package server

import (
	"context"
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/kaalabs/hue-gateway/internal/config"
	"github.com/kaalabs/hue-gateway/internal/dispatch"
)

type credentialKey struct{}

// authenticator checks request credentials against the configured token and
// API key lists. With no credentials configured, all requests are admitted
// as a single anonymous identity.
type authenticator struct {
	tokens  []string
	apiKeys []string
}

func newAuthenticator(cfg config.AuthConfig) *authenticator {
	return &authenticator{tokens: cfg.Tokens, apiKeys: cfg.APIKeys}
}

func (a *authenticator) open() bool {
	return len(a.tokens) == 0 && len(a.apiKeys) == 0
}

func (a *authenticator) middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		cred, ok := a.authenticate(r)
		if !ok {
			writeEnvelope(w, errorEnvelope("", "", "unauthorized", "Missing or invalid credentials"), http.StatusUnauthorized)
			return
		}
		ctx := context.WithValue(r.Context(), credentialKey{}, cred)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (a *authenticator) authenticate(r *http.Request) (dispatch.Credential, bool) {
	if a.open() {
		return dispatch.Credential{Scheme: "anonymous"}, true
	}

	if header := r.Header.Get("Authorization"); header != "" {
		token, found := strings.CutPrefix(header, "Bearer ")
		if found && matchSecret(token, a.tokens) {
			return dispatch.Credential{Scheme: "bearer", Secret: token}, true
		}
		return dispatch.Credential{}, false
	}

	if key := r.Header.Get("X-API-Key"); key != "" {
		if matchSecret(key, a.apiKeys) {
			return dispatch.Credential{Scheme: "apikey", Secret: key}, true
		}
	}
	return dispatch.Credential{}, false
}

// matchSecret compares in constant time against every configured secret so
// timing does not reveal which prefix matched.
func matchSecret(candidate string, secrets []string) bool {
	matched := false
	for _, secret := range secrets {
		if subtle.ConstantTimeCompare([]byte(candidate), []byte(secret)) == 1 {
			matched = true
		}
	}
	return matched
}

// credentialFrom returns the authenticated credential stored by the
// middleware. Handlers behind the middleware can rely on it being present.
func credentialFrom(ctx context.Context) dispatch.Credential {
	cred, _ := ctx.Value(credentialKey{}).(dispatch.Credential)
	return cred
}
