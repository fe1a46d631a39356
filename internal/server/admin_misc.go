package server

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/claudegate/claudegate/internal/api"
)

func (s *Server) handleGetSettings(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.settings.Get())
}

func (s *Server) handlePutSettings(w http.ResponseWriter, r *http.Request) {
	body, err := readBody(r)
	if err != nil {
		api.WriteError(w, api.NewError(api.CodeRequestInvalid, "unreadable body"))
		return
	}

	// Start from the current snapshot so partial updates work.
	next := s.settings.Get()
	if err := json.Unmarshal(body, &next); err != nil {
		api.WriteError(w, api.NewError(api.CodeRequestInvalid, "invalid settings payload"))
		return
	}
	if err := s.settings.Update(next); err != nil {
		api.WriteError(w, api.NewError(api.CodeRequestInvalid, "%v", err))
		return
	}
	writeJSON(w, http.StatusOK, s.settings.Get())
}

func (s *Server) handleStatistics(w http.ResponseWriter, r *http.Request) {
	rows, err := s.stats.Summary(r.Context())
	if err != nil {
		api.WriteError(w, api.NewError(api.CodeInternal, "statistics unavailable: %v", err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"uptime_s": int(time.Since(s.startTime).Seconds()),
		"usage":    rows,
	})
}

// handleEvents streams the domain event feed as SSE, starting with the
// retained ring.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		api.WriteError(w, api.NewError(api.CodeInternal, "streaming unsupported"))
		return
	}

	id, ch, recent := s.bus.Subscribe()
	defer s.bus.Unsubscribe(id)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)

	write := func(v any) {
		data, _ := json.Marshal(v)
		fmt.Fprintf(w, "data: %s\n\n", data)
		flusher.Flush()
	}
	for _, e := range recent {
		write(e)
	}

	for {
		select {
		case <-r.Context().Done():
			return
		case e, ok := <-ch:
			if !ok {
				return
			}
			write(e)
		}
	}
}

func (s *Server) handleLogs(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.logs.Recent())
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := "ok"
	code := http.StatusOK
	if err := s.stats.Ping(r.Context()); err != nil {
		status = "degraded"
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, map[string]any{
		"status":        status,
		"version":       s.version,
		"web_transport": s.services.Web.Enabled(),
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func readBody(r *http.Request) ([]byte, error) {
	defer r.Body.Close()
	return io.ReadAll(io.LimitReader(r.Body, 10<<20))
}
