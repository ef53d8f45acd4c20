package middleware

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func TestAuth(t *testing.T) {
	tests := []struct {
		name   string
		token  string
		setup  func(*http.Request)
		path   string
		method string
		want   int
	}{
		{"disabled passes", "", nil, "/api/orders", http.MethodPost, http.StatusOK},
		{"health exempt", "secret", nil, "/api/health", http.MethodGet, http.StatusOK},
		{"missing token", "secret", nil, "/api/orders", http.MethodPost, http.StatusUnauthorized},
		{
			"bearer accepted", "secret",
			func(r *http.Request) { r.Header.Set("Authorization", "Bearer secret") },
			"/api/orders", http.MethodPost, http.StatusOK,
		},
		{
			"api key accepted", "secret",
			func(r *http.Request) { r.Header.Set("X-API-Key", "secret") },
			"/api/orders", http.MethodPost, http.StatusOK,
		},
		{
			"wrong token rejected", "secret",
			func(r *http.Request) { r.Header.Set("Authorization", "Bearer nope") },
			"/api/orders", http.MethodPost, http.StatusUnauthorized,
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(tc.method, tc.path, nil)
			if tc.setup != nil {
				tc.setup(req)
			}
			rec := httptest.NewRecorder()
			Auth(tc.token)(okHandler()).ServeHTTP(rec, req)
			if rec.Code != tc.want {
				t.Fatalf("status = %d, want %d", rec.Code, tc.want)
			}
		})
	}
}

func TestCORS(t *testing.T) {
	chain := CORS([]string{"https://app.example"})(okHandler())

	t.Run("allowed origin gets headers", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/api/health", nil)
		req.Header.Set("Origin", "https://APP.example")
		rec := httptest.NewRecorder()
		chain.ServeHTTP(rec, req)
		if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "https://APP.example" {
			t.Fatalf("allow-origin = %q, want the request origin echoed", got)
		}
	})

	t.Run("unknown origin gets none", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/api/health", nil)
		req.Header.Set("Origin", "https://evil.example")
		rec := httptest.NewRecorder()
		chain.ServeHTTP(rec, req)
		if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "" {
			t.Fatalf("allow-origin = %q, want empty", got)
		}
	})

	t.Run("preflight answered directly", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodOptions, "/api/orders", nil)
		req.Header.Set("Origin", "https://app.example")
		rec := httptest.NewRecorder()
		chain.ServeHTTP(rec, req)
		if rec.Code != http.StatusNoContent {
			t.Fatalf("preflight status = %d, want 204", rec.Code)
		}
	})

	t.Run("empty list allows all", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/api/health", nil)
		req.Header.Set("Origin", "https://anywhere.example")
		rec := httptest.NewRecorder()
		CORS(nil)(okHandler()).ServeHTTP(rec, req)
		if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "https://anywhere.example" {
			t.Fatalf("allow-origin = %q, want echoed origin", got)
		}
	})
}

type stubLimiter struct {
	allow bool
	err   error
	key   string
}

func (s *stubLimiter) Allow(_ context.Context, key string, _ int, _ time.Duration) (bool, error) {
	s.key = key
	return s.allow, s.err
}

func TestRateLimit(t *testing.T) {
	t.Run("over budget gets 429", func(t *testing.T) {
		lim := &stubLimiter{allow: false}
		req := httptest.NewRequest(http.MethodGet, "/api/books/P", nil)
		req.Header.Set("X-Forwarded-For", "203.0.113.7, 10.0.0.1")
		rec := httptest.NewRecorder()
		RateLimit(lim, 10, time.Minute)(okHandler()).ServeHTTP(rec, req)
		if rec.Code != http.StatusTooManyRequests {
			t.Fatalf("status = %d, want 429", rec.Code)
		}
		if lim.key != "rl:http:203.0.113.7" {
			t.Fatalf("limiter key = %q, want forwarded client ip", lim.key)
		}
	})

	t.Run("limiter failure fails open", func(t *testing.T) {
		lim := &stubLimiter{err: errors.New("redis down")}
		req := httptest.NewRequest(http.MethodGet, "/api/books/P", nil)
		rec := httptest.NewRecorder()
		RateLimit(lim, 10, time.Minute)(okHandler()).ServeHTTP(rec, req)
		if rec.Code != http.StatusOK {
			t.Fatalf("status = %d, want 200 on limiter failure", rec.Code)
		}
	})
}
