package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestWebhookSecret(t *testing.T) {
	tests := []struct {
		name       string
		configured string
		presented  string
		want       int
	}{
		{"matching secret", "s3cret", "s3cret", http.StatusOK},
		{"wrong secret", "s3cret", "guess", http.StatusUnauthorized},
		{"missing header", "s3cret", "", http.StatusUnauthorized},
		{"prefix of secret", "s3cret", "s3c", http.StatusUnauthorized},
		{"not configured", "", "anything", http.StatusServiceUnavailable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/api/webhooks/handoff", nil)
			if tt.presented != "" {
				req.Header.Set(WebhookSecretHeader, tt.presented)
			}
			rec := httptest.NewRecorder()
			WebhookSecret(tt.configured)(okHandler).ServeHTTP(rec, req)

			if rec.Code != tt.want {
				t.Errorf("expected %d, got %d", tt.want, rec.Code)
			}
		})
	}
}
