package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/claudegate/claudegate/internal/account"
	"github.com/claudegate/claudegate/internal/claudeweb"
	"github.com/claudegate/claudegate/internal/config"
	"github.com/claudegate/claudegate/internal/events"
	"github.com/claudegate/claudegate/internal/pipeline"
	"github.com/claudegate/claudegate/internal/scheduler"
	"github.com/claudegate/claudegate/internal/stats"
	"github.com/claudegate/claudegate/internal/tokenizer"
	"github.com/claudegate/claudegate/internal/toolcall"
	"github.com/claudegate/claudegate/internal/transport"
	"github.com/claudegate/claudegate/internal/websession"
)

// Server wires the process-wide services and the HTTP surface.
type Server struct {
	cfg      *config.Config
	settings *config.Settings
	accounts *account.Store
	auth     *account.Authenticator
	sessions *websession.Manager
	tracker  *toolcall.Tracker
	selector *scheduler.Selector
	stats    *stats.Store
	bus      *events.Bus
	logs     *events.LogHandler
	engine   *pipeline.Engine
	services *pipeline.Services

	httpServer *http.Server
	version    string
	startTime  time.Time
}

// New constructs the full service graph. webClient is nil when the
// fingerprinted transport variant is unavailable on this platform; the web
// transport is then disabled process-wide.
func New(
	cfg *config.Config,
	settings *config.Settings,
	accounts *account.Store,
	statsStore *stats.Store,
	plainClient *transport.Client,
	webClient *transport.Client,
	bus *events.Bus,
	logs *events.LogHandler,
	version string,
) (*Server, error) {
	auth := account.NewAuthenticator(accounts, cfg, plainClient, webClient, bus)

	var web *claudeweb.Client
	if webClient != nil {
		web = claudeweb.New(webClient, cfg.ClaudeWebURL)
	}
	sessions := websession.NewManager(web, settings, bus)
	tracker := toolcall.NewTracker(settings.Get().ToolCallExpiry(), bus)

	selector, err := scheduler.New(accounts, web.Enabled())
	if err != nil {
		return nil, err
	}

	svc := &pipeline.Services{
		Accounts: accounts,
		Auth:     auth,
		Sessions: sessions,
		Tracker:  tracker,
		Selector: selector,
		Web:      web,
		API:      plainClient,
		Counter:  tokenizer.NewCounter(),
		Settings: settings,
		Config:   cfg,
		Stats:    statsStore,
		Bus:      bus,
	}

	s := &Server{
		cfg:       cfg,
		settings:  settings,
		accounts:  accounts,
		auth:      auth,
		sessions:  sessions,
		tracker:   tracker,
		selector:  selector,
		stats:     statsStore,
		bus:       bus,
		logs:      logs,
		engine:    pipeline.NewEngine(svc),
		services:  svc,
		version:   version,
		startTime: time.Now(),
	}

	mux := http.NewServeMux()
	s.registerRoutes(mux)

	s.httpServer = &http.Server{
		Addr:           fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler:        requestLogger(mux),
		ReadTimeout:    30 * time.Second,
		MaxHeaderBytes: 1 << 20,
	}
	return s, nil
}

func (s *Server) registerRoutes(mux *http.ServeMux) {
	clientAuth := func(h http.HandlerFunc) http.Handler {
		return requireKey(s.cfg.ClientKeys, h)
	}
	adminAuth := func(h http.HandlerFunc) http.Handler {
		return requireKey(s.cfg.AdminKeys, h)
	}

	// Public API
	mux.Handle("POST /v1/messages", clientAuth(s.handleMessages))

	// Admin: accounts
	mux.Handle("GET /api/admin/accounts", adminAuth(s.handleListAccounts))
	mux.Handle("POST /api/admin/accounts", adminAuth(s.handleCreateAccounts))
	mux.Handle("GET /api/admin/accounts/{id}", adminAuth(s.handleGetAccount))
	mux.Handle("PUT /api/admin/accounts/{id}", adminAuth(s.handleUpdateAccount))
	mux.Handle("DELETE /api/admin/accounts/{id}", adminAuth(s.handleDeleteAccount))
	mux.Handle("POST /api/admin/accounts/oauth/authorize-url", adminAuth(s.handleAuthorizeURL))
	mux.Handle("POST /api/admin/accounts/oauth/exchange", adminAuth(s.handleOAuthExchange))
	mux.Handle("POST /api/admin/accounts/{id}/reauthenticate", adminAuth(s.handleReauthenticate))

	// Admin: settings, statistics, observability
	mux.Handle("GET /api/admin/settings", adminAuth(s.handleGetSettings))
	mux.Handle("PUT /api/admin/settings", adminAuth(s.handlePutSettings))
	mux.Handle("GET /api/admin/statistics", adminAuth(s.handleStatistics))
	mux.Handle("GET /api/admin/events", adminAuth(s.handleEvents))
	mux.Handle("GET /api/admin/logs", adminAuth(s.handleLogs))

	mux.HandleFunc("GET /health", s.handleHealth)
}

// Run starts the server and the background loops, blocking until shutdown.
// Teardown happens in reverse construction order.
func (s *Server) Run() error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go s.accounts.Run(ctx)
	go s.sessions.Run(ctx)
	go s.tracker.Run(ctx, 30*time.Second)

	watcher, err := config.WatchSettings(s.settings)
	if err != nil {
		slog.Warn("settings watcher unavailable", "error", err)
	} else {
		defer watcher.Close()
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("server listening", "addr", s.httpServer.Addr)
		errCh <- s.httpServer.ListenAndServe()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case sig := <-sigCh:
		slog.Info("shutdown signal received", "signal", sig)
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer shutdownCancel()
		err := s.httpServer.Shutdown(shutdownCtx)
		cancel() // stop background loops; the account store flushes on exit
		if ferr := s.accounts.Flush(); ferr != nil {
			slog.Error("account store flush failed", "error", ferr)
		}
		return err
	}
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		slog.Debug("request", "method", r.Method, "path", r.URL.Path, "remote", r.RemoteAddr)
		next.ServeHTTP(w, r)
	})
}
