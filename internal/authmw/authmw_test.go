package authmw

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

var okHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
})

func serve(h http.Handler, authorization string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, "/api/v1/cases", http.NoBody)
	if authorization != "" {
		req.Header.Set("Authorization", authorization)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestBearerToken(t *testing.T) {
	t.Parallel()

	h := BearerToken("current-token", "", "previous-token")(okHandler)

	tests := []struct {
		name   string
		header string
		want   int
	}{
		{"current token", "Bearer current-token", http.StatusOK},
		{"rotated token", "Bearer previous-token", http.StatusOK},
		{"wrong token", "Bearer nope", http.StatusUnauthorized},
		{"empty bearer", "Bearer ", http.StatusUnauthorized},
		{"missing header", "", http.StatusUnauthorized},
		{"basic auth", "Basic dXNlcjpwYXNz", http.StatusUnauthorized},
		{"lowercase scheme", "bearer current-token", http.StatusUnauthorized},
		{"token prefix", "Bearer current", http.StatusUnauthorized},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := serve(h, tt.header).Code; got != tt.want {
				t.Errorf("status = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestBearerToken_DenyResponse(t *testing.T) {
	t.Parallel()

	rec := serve(BearerToken("secret")(okHandler), "Bearer wrong")

	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type = %q", ct)
	}
	if rec.Header().Get("WWW-Authenticate") == "" {
		t.Error("missing WWW-Authenticate header")
	}
	if !strings.Contains(rec.Body.String(), `"error":"invalid token"`) {
		t.Errorf("body = %s", rec.Body.String())
	}
}

func TestBearerToken_NoTokensConfigured(t *testing.T) {
	t.Parallel()

	h := BearerToken("", "  ")(okHandler)
	if got := serve(h, "Bearer ").Code; got != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401 when no tokens are configured", got)
	}
}
