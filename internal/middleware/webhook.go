package middleware

import (
	"crypto/subtle"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/darkden-lab/relay/internal/httputil"
)

// WebhookSecretHeader carries the shared secret on inbound signal calls.
const WebhookSecretHeader = "X-Webhook-Secret"

// WebhookSecret guards machine-to-machine endpoints with a shared secret.
// With no secret configured every request is refused.
func WebhookSecret(secret string) mux.MiddlewareFunc {
	expected := []byte(secret)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if len(expected) == 0 {
				httputil.WriteError(w, http.StatusServiceUnavailable, "webhooks are not configured")
				return
			}
			got := []byte(r.Header.Get(WebhookSecretHeader))
			if subtle.ConstantTimeCompare(got, expected) != 1 {
				httputil.WriteError(w, http.StatusUnauthorized, "invalid webhook secret")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
