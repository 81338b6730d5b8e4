package auth

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
)

func whoamiBody(token string, active bool) string {
	activeStr := "false"
	if active {
		activeStr = "true"
	}
	return `{"data":{"whoami":{"token":"` + token + `","subscription":{"active":` + activeStr + `}}}}`
}

func TestRefreshCachesToken(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		if got := r.Header.Get("Authorization"); got != "Bearer refresh-cred" {
			t.Errorf("Authorization = %q; want Bearer refresh-cred", got)
		}
		if _, err := w.Write([]byte(whoamiBody("access-1", true))); err != nil {
			t.Errorf("write response: %v", err)
		}
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "refresh-cred", srv.Client())

	token, err := c.GetTokenMaybeRefresh(context.Background())
	if err != nil {
		t.Fatalf("GetTokenMaybeRefresh() error = %v", err)
	}
	if token != "access-1" {
		t.Fatalf("token = %q; want access-1", token)
	}
	if !c.SubscriptionActive() {
		t.Fatal("SubscriptionActive() = false; want true")
	}

	// Fresh token is served from cache without another whoami.
	token, err = c.GetTokenMaybeRefresh(context.Background())
	if err != nil {
		t.Fatalf("GetTokenMaybeRefresh() error = %v", err)
	}
	if token != "access-1" {
		t.Fatalf("cached token = %q; want access-1", token)
	}
	if got := atomic.LoadInt32(&calls); got != 1 {
		t.Fatalf("whoami calls = %d; want 1", got)
	}
}

func TestUnauthorizedMeansSignedOut(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "stale-cred", srv.Client())

	token, err := c.GetTokenMaybeRefresh(context.Background())
	if err != nil {
		t.Fatalf("GetTokenMaybeRefresh() error = %v; want nil for signed-out", err)
	}
	if token != "" {
		t.Fatalf("token = %q; want empty", token)
	}
	if c.SubscriptionActive() {
		t.Fatal("SubscriptionActive() = true after 401; want false")
	}
}

func TestServerErrorSurfaces(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "cred", srv.Client())

	if _, err := c.GetTokenMaybeRefresh(context.Background()); err == nil {
		t.Fatal("expected error for 502 response")
	}
}

func TestInactiveSubscriptionStillReturnsToken(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, err := w.Write([]byte(whoamiBody("access-2", false))); err != nil {
			t.Errorf("write response: %v", err)
		}
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "cred", srv.Client())

	token, err := c.GetTokenMaybeRefresh(context.Background())
	if err != nil {
		t.Fatalf("GetTokenMaybeRefresh() error = %v", err)
	}
	if token != "access-2" {
		t.Fatalf("token = %q; want access-2", token)
	}
	if c.SubscriptionActive() {
		t.Fatal("SubscriptionActive() = true; want false")
	}
}
