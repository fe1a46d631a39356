package server

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/claudegate/claudegate/internal/api"
	"github.com/claudegate/claudegate/internal/pipeline"
)

const maxRequestBody = 50 << 20

// handleMessages is the public chat completions endpoint. It validates and
// parses the body, then hands the request to the pipeline; the client's
// disconnect cancels the pipeline context.
func (s *Server) handleMessages(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBody)
	raw, err := io.ReadAll(r.Body)
	if err != nil {
		api.WriteError(w, api.NewError(api.CodeRequestInvalid, "request body unreadable or oversize"))
		return
	}

	var req api.MessagesRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		api.WriteError(w, api.NewError(api.CodeRequestInvalid, "invalid JSON body: %v", err))
		return
	}

	pc := pipeline.NewContext(s.services, &req, clientKey(r.Context()), w)
	if apiErr := s.engine.Run(r.Context(), pc); apiErr != nil {
		if apiErr.Code == api.CodeSessionExhausted || apiErr.Code == api.CodeUpstreamQuota {
			w.Header().Set("Retry-After", "30")
		}
		api.WriteError(w, apiErr)
	}
}
