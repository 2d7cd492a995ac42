package api

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/framesnap/framesnap/internal/failure"
	"github.com/framesnap/framesnap/internal/settings"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func testSettings(t *testing.T) (*settings.Store, string) {
	t.Helper()
	db, err := settings.Open(filepath.Join(t.TempDir(), "settings.db"), nil)
	if err != nil {
		t.Fatalf("settings.Open() error = %v", err)
	}
	t.Cleanup(func() { db.Close() })
	store := settings.NewStore(db.Conn())
	token, err := settings.EnsureAuthToken(context.Background(), store)
	if err != nil {
		t.Fatal(err)
	}
	return store, token
}

func decodeJSONBody(t *testing.T, rr *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var body map[string]interface{}
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode body %q: %v", rr.Body.String(), err)
	}
	return body
}

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func TestIsAllowedOrigin(t *testing.T) {
	allowed := []string{
		"http://localhost:3000",
		"http://localhost",
		"https://localhost:8443",
		"http://127.0.0.1:3000",
		"http://127.0.0.1",
		"http://[::1]:5173",
	}
	for _, origin := range allowed {
		if !isAllowedOrigin(origin) {
			t.Errorf("isAllowedOrigin(%q) = false, want true", origin)
		}
	}

	denied := []string{
		"https://evil.com",
		"http://localhost.evil.com",
		"http://192.168.1.1:3000",
		"",
		"ftp://localhost:3000",
		"http://localhost:not-a-port",
		"http://localhost:3000/path",
		"http://user@localhost:3000",
	}
	for _, origin := range denied {
		if isAllowedOrigin(origin) {
			t.Errorf("isAllowedOrigin(%q) = true, want false", origin)
		}
	}
}

func TestIsLoopbackRemoteAddr(t *testing.T) {
	cases := []struct {
		addr string
		want bool
	}{
		{"127.0.0.1:12345", true},
		{"[::1]:12345", true},
		{"::1", true},
		{"[::1]", true},
		{"127.0.0.1", true},
		{"8.8.8.8:12345", false},
		{"192.168.1.1:8080", false},
		{"not-an-ip:1234", false},
		{"", false},
		{"garbage", false},
	}
	for _, tc := range cases {
		if got := isLoopbackRemoteAddr(tc.addr); got != tc.want {
			t.Errorf("isLoopbackRemoteAddr(%q) = %v, want %v", tc.addr, got, tc.want)
		}
	}
}

func TestCORSAllowlist(t *testing.T) {
	tests := []struct {
		name       string
		method     string
		origin     string
		wantStatus int
		wantACAO   string
	}{
		{"allowed get", http.MethodGet, "http://localhost:3000", http.StatusOK, "http://localhost:3000"},
		{"denied get still served", http.MethodGet, "https://evil.com", http.StatusOK, ""},
		{"no origin", http.MethodGet, "", http.StatusOK, ""},
		{"allowed preflight", http.MethodOptions, "http://127.0.0.1:5173", http.StatusNoContent, "http://127.0.0.1:5173"},
		{"denied preflight", http.MethodOptions, "https://evil.com", http.StatusForbidden, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			called := false
			handler := CORSAllowlist()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				called = true
				w.WriteHeader(http.StatusOK)
			}))
			req := httptest.NewRequest(tt.method, "/extractions", nil)
			if tt.origin != "" {
				req.Header.Set("Origin", tt.origin)
			}
			rr := httptest.NewRecorder()
			handler.ServeHTTP(rr, req)

			if rr.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d", rr.Code, tt.wantStatus)
			}
			if got := rr.Header().Get("Access-Control-Allow-Origin"); got != tt.wantACAO {
				t.Errorf("ACAO = %q, want %q", got, tt.wantACAO)
			}
			if tt.method == http.MethodOptions && called {
				t.Error("handler should not be called for preflight")
			}
		})
	}
}

func TestCORSAllowlist_PreflightHeaders(t *testing.T) {
	handler := CORSAllowlist()(okHandler())
	req := httptest.NewRequest(http.MethodOptions, "/extractions/x/frames/a.png", nil)
	req.Header.Set("Origin", "http://localhost:3000")
	req.Header.Set("Access-Control-Request-Headers", "range,authorization")
	rr := httptest.NewRecorder()
	rr.Header().Set("Vary", "Accept-Encoding")

	handler.ServeHTTP(rr, req)

	allow := rr.Header().Get("Access-Control-Allow-Headers")
	for _, h := range []string{"Range", "Authorization"} {
		if !strings.Contains(allow, h) {
			t.Errorf("Access-Control-Allow-Headers = %q, missing %s", allow, h)
		}
	}
	vary := rr.Header().Values("Vary")
	if len(vary) != 2 || vary[0] != "Accept-Encoding" || vary[1] != "Origin" {
		t.Errorf("Vary = %v, want Accept-Encoding and Origin", vary)
	}
}

func TestLoopbackGuard(t *testing.T) {
	tests := []struct {
		addr string
		want int
	}{
		{"127.0.0.1:12345", http.StatusOK},
		{"[::1]:12345", http.StatusOK},
		{"8.8.8.8:12345", http.StatusForbidden},
	}
	for _, tt := range tests {
		t.Run(tt.addr, func(t *testing.T) {
			handler := LoopbackGuard(testLogger())(okHandler())
			req := httptest.NewRequest(http.MethodGet, "/preview", nil)
			req.RemoteAddr = tt.addr
			rr := httptest.NewRecorder()
			handler.ServeHTTP(rr, req)
			if rr.Code != tt.want {
				t.Fatalf("status = %d, want %d", rr.Code, tt.want)
			}
			if tt.want == http.StatusForbidden {
				if code := decodeJSONBody(t, rr)["code"]; code != "Forbidden" {
					t.Errorf("code = %v, want Forbidden", code)
				}
			}
		})
	}
}

func TestAuthMiddleware(t *testing.T) {
	store, token := testSettings(t)

	tests := []struct {
		name   string
		header string
		want   int
	}{
		{"missing", "", http.StatusUnauthorized},
		{"wrong scheme", "Basic " + token, http.StatusUnauthorized},
		{"wrong token", "Bearer nope", http.StatusUnauthorized},
		{"valid", "Bearer " + token, http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			handler := AuthMiddleware(store, testLogger())(okHandler())
			req := httptest.NewRequest(http.MethodGet, "/status", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rr := httptest.NewRecorder()
			handler.ServeHTTP(rr, req)
			if rr.Code != tt.want {
				t.Errorf("status = %d, want %d", rr.Code, tt.want)
			}
		})
	}
}

func TestRequestIDMiddleware(t *testing.T) {
	var seen string
	handler := RequestIDMiddleware()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen, _ = r.Context().Value(RequestIDKey).(string)
	}))
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/health", nil))

	if len(seen) != 8 {
		t.Errorf("request id = %q, want 8 characters", seen)
	}
	if got := rr.Header().Get("X-Request-ID"); got != seen {
		t.Errorf("X-Request-ID = %q, want %q", got, seen)
	}
}

func TestRecoveryMiddleware(t *testing.T) {
	handler := RecoveryMiddleware(testLogger())(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("boom")
	}))
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/status", nil))

	if rr.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", rr.Code)
	}
	if code := decodeJSONBody(t, rr)["code"]; code != "Internal" {
		t.Errorf("code = %v", code)
	}
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{fmt.Errorf("run x: %w", failure.ErrNotFound), http.StatusNotFound},
		{failure.ErrBusy, http.StatusTooManyRequests},
		{failure.ErrInvalidTimestamp, http.StatusBadRequest},
		{failure.ErrNameCollision, http.StatusBadRequest},
		{failure.ErrOpenFailed, http.StatusUnprocessableEntity},
		{context.Canceled, http.StatusServiceUnavailable},
		{failure.ErrDiskFull, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		if got := statusFor(tt.err); got != tt.want {
			t.Errorf("statusFor(%v) = %d, want %d", tt.err, got, tt.want)
		}
	}
}
