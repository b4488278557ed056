package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

type fakeHook struct {
	name string
	hits atomic.Int32
}

func (f *fakeHook) Name() string { return f.name }

func (f *fakeHook) WebhookHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		f.hits.Add(1)
		w.WriteHeader(http.StatusOK)
	})
}

func TestHealthz(t *testing.T) {
	s := New(Config{})

	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("GET /healthz = %d, want 200", rec.Code)
	}
	if got := rec.Body.String(); got != "ok\n" {
		t.Errorf("body = %q, want ok", got)
	}

	rec = httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/healthz", nil))
	if rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("POST /healthz = %d, want 405", rec.Code)
	}
}

func TestStatus(t *testing.T) {
	s := New(Config{Token: "tok1"},
		WithVersion("1.2.3"),
		WithChannelStatus(func() map[string]bool {
			return map[string]bool{"telegram": true, "wework": false}
		}),
		WithTurnCount(func() int { return 3 }),
		WithEndpointHealth(func() []EndpointHealth {
			return []EndpointHealth{
				{Name: "primary", Model: "claude-sonnet-4", Healthy: true, Current: true},
				{Name: "backup", Model: "gpt-4o", Healthy: false},
			}
		}),
	)

	cases := []struct {
		name string
		auth string
		want int
	}{
		{"missing token", "", http.StatusUnauthorized},
		{"wrong token", "Bearer nope", http.StatusUnauthorized},
		{"raw token without scheme", "tok1", http.StatusUnauthorized},
		{"valid token", "Bearer tok1", http.StatusOK},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/status", nil)
			if tc.auth != "" {
				req.Header.Set("Authorization", tc.auth)
			}
			rec := httptest.NewRecorder()
			s.Handler().ServeHTTP(rec, req)
			if rec.Code != tc.want {
				t.Fatalf("status = %d, want %d", rec.Code, tc.want)
			}
		})
	}

	req := httptest.NewRequest(http.MethodGet, "/status", nil)
	req.Header.Set("Authorization", "Bearer tok1")
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	var payload map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &payload); err != nil {
		t.Fatalf("decode status: %v", err)
	}
	if payload["status"] != "ok" {
		t.Errorf("status field = %v", payload["status"])
	}
	if payload["version"] != "1.2.3" {
		t.Errorf("version = %v", payload["version"])
	}
	if payload["active_turns"] != float64(3) {
		t.Errorf("active_turns = %v", payload["active_turns"])
	}
	chs, ok := payload["channels"].(map[string]any)
	if !ok || chs["telegram"] != true || chs["wework"] != false {
		t.Errorf("channels = %v", payload["channels"])
	}
	eps, ok := payload["endpoints"].([]any)
	if !ok || len(eps) != 2 {
		t.Fatalf("endpoints = %v", payload["endpoints"])
	}
	first, _ := eps[0].(map[string]any)
	if first["name"] != "primary" || first["current"] != true {
		t.Errorf("first endpoint = %v", first)
	}
}

func TestStatusOpenWithoutToken(t *testing.T) {
	s := New(Config{})
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/status", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status without token = %d, want 200", rec.Code)
	}
}

func TestWebhookRateLimit(t *testing.T) {
	s := New(Config{RateLimitPerMin: 2})
	hook := &fakeHook{name: "wework"}
	s.Mount(hook)

	post := func(remote string) int {
		req := httptest.NewRequest(http.MethodPost, "/webhook/wework", nil)
		req.RemoteAddr = remote
		rec := httptest.NewRecorder()
		s.Handler().ServeHTTP(rec, req)
		return rec.Code
	}

	for i := 0; i < 2; i++ {
		if code := post("10.0.0.1:5000"); code != http.StatusOK {
			t.Fatalf("request %d = %d, want 200", i+1, code)
		}
	}
	if code := post("10.0.0.1:5001"); code != http.StatusTooManyRequests {
		t.Errorf("third request = %d, want 429", code)
	}
	// Another peer gets its own window.
	if code := post("10.0.0.2:5000"); code != http.StatusOK {
		t.Errorf("other peer = %d, want 200", code)
	}
	if got := hook.hits.Load(); got != 3 {
		t.Errorf("handler hits = %d, want 3", got)
	}
}

func TestMountPathIsolation(t *testing.T) {
	s := New(Config{})
	s.Mount(&fakeHook{name: "feishu"})

	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/webhook/feishu", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("mounted route = %d, want 200", rec.Code)
	}

	rec = httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/webhook/qqbot", nil))
	if rec.Code != http.StatusNotFound {
		t.Errorf("unmounted route = %d, want 404", rec.Code)
	}
}

func TestStartServesAndShutsDown(t *testing.T) {
	s := New(Config{Host: "127.0.0.1", Port: 0})
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- s.Start(ctx) }()

	deadline := time.Now().Add(3 * time.Second)
	for s.Addr() == "" {
		if time.Now().After(deadline) {
			cancel()
			t.Fatal("server never bound")
		}
		time.Sleep(10 * time.Millisecond)
	}

	resp, err := http.Get("http://" + s.Addr() + "/healthz")
	if err != nil {
		cancel()
		t.Fatalf("GET healthz: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("healthz over tcp = %d, want 200", resp.StatusCode)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Start returned %v, want nil after cancel", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("Start did not return after cancel")
	}
}
