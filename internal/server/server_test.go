package server

import (
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/claudegate/claudegate/internal/account"
	"github.com/claudegate/claudegate/internal/config"
	"github.com/claudegate/claudegate/internal/events"
	"github.com/claudegate/claudegate/internal/stats"
	"github.com/claudegate/claudegate/internal/transport"
)

func newTestServer(t *testing.T) (*Server, *httptest.Server) {
	t.Helper()
	dataDir := t.TempDir()

	cfg := &config.Config{
		Host:             "127.0.0.1",
		Port:             0,
		DataDir:          dataDir,
		AdminKeys:        []string{"admin-key"},
		ClientKeys:       []string{"client-key"},
		ConnectTimeout:   5 * time.Second,
		ReadTimeout:      5 * time.Second,
		RequestTimeout:   10 * time.Second,
		Retries:          2,
		ClaudeAPIURL:     "http://unreachable.invalid/v1/messages",
		ClaudeAPIVersion: "2023-06-01",
		ClaudeWebURL:     "http://unreachable.invalid",
	}

	settings, err := config.OpenSettings(dataDir)
	if err != nil {
		t.Fatalf("settings: %v", err)
	}
	accounts := account.NewStore(dataDir, account.NewCrypto("test-secret"))
	statsStore, err := stats.Open(dataDir)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	t.Cleanup(func() { statsStore.Close() })

	plain, err := transport.NewPlain(transport.Options{ConnectTimeout: time.Second, ReadTimeout: time.Second})
	if err != nil {
		t.Fatalf("transport: %v", err)
	}

	bus := events.NewBus(16)
	logs := events.NewLogHandler(slog.LevelError, 16, bus)

	srv, err := New(cfg, settings, accounts, statsStore, plain, nil, bus, logs, "test")
	if err != nil {
		t.Fatalf("server: %v", err)
	}
	ts := httptest.NewServer(srv.httpServer.Handler)
	t.Cleanup(ts.Close)
	return srv, ts
}

func TestMessagesRequiresClientKey(t *testing.T) {
	_, ts := newTestServer(t)

	resp, err := http.Post(ts.URL+"/v1/messages", "application/json", strings.NewReader(`{}`))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", resp.StatusCode)
	}
}

func TestMessagesRejectsBadJSON(t *testing.T) {
	_, ts := newTestServer(t)

	req, _ := http.NewRequest(http.MethodPost, ts.URL+"/v1/messages", strings.NewReader(`{not json`))
	req.Header.Set("x-api-key", "client-key")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("do: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
}

func TestAdminKeyIsNotClientKey(t *testing.T) {
	_, ts := newTestServer(t)

	req, _ := http.NewRequest(http.MethodGet, ts.URL+"/api/admin/settings", nil)
	req.Header.Set("Authorization", "Bearer client-key")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("do: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", resp.StatusCode)
	}

	req.Header.Set("Authorization", "Bearer admin-key")
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("do: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
}

func TestHealthOpen(t *testing.T) {
	_, ts := newTestServer(t)

	resp, err := http.Get(ts.URL + "/health")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
}

func TestAccountAdminRoundTrip(t *testing.T) {
	srv, ts := newTestServer(t)

	body := `{"organization_uuid":"org-1","cookie_value":"sk-cookie","capabilities":["chat","claude_pro"]}`
	req, _ := http.NewRequest(http.MethodPost, ts.URL+"/api/admin/accounts", strings.NewReader(body))
	req.Header.Set("x-api-key", "admin-key")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create status = %d, want 201", resp.StatusCode)
	}

	a, ok := srv.accounts.Get("org-1")
	if !ok {
		t.Fatal("account not stored")
	}
	if a.AuthType() != account.AuthWeb {
		t.Fatalf("auth type %s, want web", a.AuthType())
	}
}
