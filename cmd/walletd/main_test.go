package main

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestCORSMiddleware(t *testing.T) {
	const allowed = "http://localhost:5173"

	reached := false
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reached = true
		w.WriteHeader(http.StatusOK)
	})

	tests := []struct {
		name        string
		allowed     string
		method      string
		origin      string
		wantStatus  int
		wantReached bool
		wantAllow   string
	}{
		{
			name:        "native client without origin",
			allowed:     allowed,
			method:      http.MethodPost,
			wantStatus:  http.StatusOK,
			wantReached: true,
		},
		{
			name:        "configured origin",
			allowed:     allowed,
			method:      http.MethodPost,
			origin:      allowed,
			wantStatus:  http.StatusOK,
			wantReached: true,
			wantAllow:   allowed,
		},
		{
			name:       "configured origin preflight",
			allowed:    allowed,
			method:     http.MethodOptions,
			origin:     allowed,
			wantStatus: http.StatusNoContent,
			wantAllow:  allowed,
		},
		{
			name:       "foreign origin",
			allowed:    allowed,
			method:     http.MethodPost,
			origin:     "https://evil.example",
			wantStatus: http.StatusForbidden,
		},
		{
			name:       "foreign origin preflight",
			allowed:    allowed,
			method:     http.MethodOptions,
			origin:     "https://evil.example",
			wantStatus: http.StatusForbidden,
		},
		{
			name:       "no origin configured",
			method:     http.MethodPost,
			origin:     allowed,
			wantStatus: http.StatusForbidden,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reached = false
			req := httptest.NewRequest(tt.method, "/ebondhu.wallet.v1.WalletService/GetBalance", nil)
			if tt.origin != "" {
				req.Header.Set("Origin", tt.origin)
			}
			rec := httptest.NewRecorder()

			corsMiddleware(tt.allowed, next).ServeHTTP(rec, req)

			if rec.Code != tt.wantStatus {
				t.Errorf("Expected status %d, got %d", tt.wantStatus, rec.Code)
			}
			if reached != tt.wantReached {
				t.Errorf("Expected handler reached=%v, got %v", tt.wantReached, reached)
			}
			if got := rec.Header().Get("Access-Control-Allow-Origin"); got != tt.wantAllow {
				t.Errorf("Expected Access-Control-Allow-Origin %q, got %q", tt.wantAllow, got)
			}
		})
	}
}
