package account

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/claudegate/claudegate/internal/config"
	"github.com/claudegate/claudegate/internal/transport"
)

func newTestAuthenticator(t *testing.T, tokenURL string) (*Authenticator, *Store) {
	t.Helper()
	s := newTestStore(t)
	plain, err := transport.NewPlain(transport.Options{
		ConnectTimeout: 5 * time.Second,
		ReadTimeout:    5 * time.Second,
		OverallTimeout: 10 * time.Second,
	})
	if err != nil {
		t.Fatalf("plain client: %v", err)
	}
	cfg := &config.Config{
		OAuthClientID: "client-id",
		OAuthTokenURL: tokenURL,
	}
	return NewAuthenticator(s, cfg, plain, nil, nil), s
}

func TestConcurrentRefreshSingleflight(t *testing.T) {
	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		time.Sleep(50 * time.Millisecond) // widen the race window
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"access_token":"new-access","refresh_token":"new-refresh","expires_in":3600}`))
	}))
	defer srv.Close()

	auth, s := newTestAuthenticator(t, srv.URL)
	seedAccount(t, s, "org-a", func(a *Account) {
		a.OAuth.ExpiresAt = time.Now().Add(-time.Minute).UTC() // already expired
	})

	const callers = 8
	var wg sync.WaitGroup
	tokens := make([]string, callers)
	errs := make([]error, callers)
	for i := range callers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			tokens[i], errs[i] = auth.AccessToken(context.Background(), "org-a")
		}()
	}
	wg.Wait()

	for i := range callers {
		if errs[i] != nil {
			t.Fatalf("caller %d: %v", i, errs[i])
		}
		if tokens[i] != "new-access" {
			t.Fatalf("caller %d got token %q", i, tokens[i])
		}
	}
	if n := calls.Load(); n != 1 {
		t.Fatalf("network refresh ran %d times, want exactly 1", n)
	}

	a, _ := s.Get("org-a")
	if a.OAuth.RefreshToken != "new-refresh" {
		t.Fatalf("refresh token not rotated: %q", a.OAuth.RefreshToken)
	}
}

func TestRefreshFailureMarksBundleInvalid(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"invalid_grant"}`, http.StatusBadRequest)
	}))
	defer srv.Close()

	auth, s := newTestAuthenticator(t, srv.URL)
	seedAccount(t, s, "org-a", func(a *Account) {
		a.OAuth.ExpiresAt = time.Now().Add(-time.Minute).UTC()
	})

	if _, err := auth.AccessToken(context.Background(), "org-a"); !errors.Is(err, ErrRefreshFailed) {
		t.Fatalf("err = %v, want ErrRefreshFailed", err)
	}

	a, _ := s.Get("org-a")
	if !a.OAuth.Invalid {
		t.Fatal("bundle not marked invalid after failed refresh")
	}

	// Subsequent calls fail fast without another network attempt.
	if _, err := auth.AccessToken(context.Background(), "org-a"); !errors.Is(err, ErrRefreshFailed) {
		t.Fatalf("second err = %v, want ErrRefreshFailed", err)
	}
}

func TestFreshTokenSkipsRefresh(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("token endpoint should not be called")
	}))
	defer srv.Close()

	auth, s := newTestAuthenticator(t, srv.URL)
	seedAccount(t, s, "org-a", nil)

	tok, err := auth.AccessToken(context.Background(), "org-a")
	if err != nil {
		t.Fatalf("AccessToken: %v", err)
	}
	if tok != "access-org-a" {
		t.Fatalf("token = %q, want access-org-a", tok)
	}
}

func TestExtractCode(t *testing.T) {
	cases := map[string]string{
		"https://example.com/callback?code=abc123&state=xyz": "abc123",
		"abc123#state":   "abc123",
		"code=abc123":    "abc123",
		"  abc123  ":     "abc123",
		"abc123&foo=bar": "abc123",
	}
	for in, want := range cases {
		if got := ExtractCode(in); got != want {
			t.Fatalf("ExtractCode(%q) = %q, want %q", in, got, want)
		}
	}
}
