package pipeline

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/claudegate/claudegate/internal/api"
)

// fakeWeb emulates the scraped web interface: conversation CRUD plus a
// scripted queue of completion streams.
type fakeWeb struct {
	mu          sync.Mutex
	completions []string // scripted raw completion texts, consumed in order
	requests    []webRequest
	deleted     []string
}

type webRequest struct {
	ConvID string
	Prompt string
}

func (f *fakeWeb) server(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/organizations/{org}/chat_conversations", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusCreated)
		w.Write([]byte(`{}`))
	})
	mux.HandleFunc("DELETE /api/organizations/{org}/chat_conversations/{id}", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		f.deleted = append(f.deleted, r.PathValue("id"))
		f.mu.Unlock()
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("POST /api/organizations/{org}/chat_conversations/{id}/completion", func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Prompt string `json:"prompt"`
		}
		json.NewDecoder(r.Body).Decode(&body)

		f.mu.Lock()
		f.requests = append(f.requests, webRequest{ConvID: r.PathValue("id"), Prompt: body.Prompt})
		var text string
		if len(f.completions) > 0 {
			text = f.completions[0]
			f.completions = f.completions[1:]
		}
		f.mu.Unlock()

		w.Header().Set("Content-Type", "text/event-stream")
		// Stream in small chunks to exercise cross-delta scanning.
		for i := 0; i < len(text); i += 7 {
			end := i + 7
			if end > len(text) {
				end = len(text)
			}
			chunk, _ := json.Marshal(text[i:end])
			fmt.Fprintf(w, "data: {\"type\":\"completion\",\"completion\":%s}\n\n", chunk)
		}
		fmt.Fprint(w, "data: {\"type\":\"completion_end\"}\n\n")
		if fl, ok := w.(http.Flusher); ok {
			fl.Flush()
		}
	})
	return httptest.NewServer(mux)
}

func (f *fakeWeb) recorded() []webRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]webRequest(nil), f.requests...)
}

var weatherTool = api.Tool{
	Name:        "get_weather",
	Description: "Current weather for a city",
	InputSchema: []byte(`{"type":"object","properties":{"city":{"type":"string"}}}`),
}

func TestWebToolUseFlow(t *testing.T) {
	fw := &fakeWeb{completions: []string{
		"Checking.\n```tool_use\n{\"name\":\"get_weather\",\"input\":{\"city\":\"Paris\"}}\n```\n",
	}}
	up := fw.server(t)
	defer up.Close()

	h := newHarness(t, "http://unreachable.invalid", up.URL, true)
	h.seedWeb(t, "org-web")

	req := userRequest("weather in Paris?", true)
	req.Tools = []api.Tool{weatherTool}

	rec, apiErr := h.run(t, req)
	if apiErr != nil {
		t.Fatalf("run: %v", apiErr)
	}

	events := parseSSE(t, rec.Body.String())
	checkEventInvariants(t, events)

	var toolStart *api.StreamEvent
	var inputJSON string
	var stopReason string
	for i := range events {
		e := &events[i]
		switch e.Type {
		case api.EventContentBlockStart:
			if e.ContentBlock != nil && e.ContentBlock.Type == "tool_use" {
				toolStart = e
			}
		case api.EventContentBlockDelta:
			if e.Delta != nil && e.Delta.Type == "input_json_delta" {
				inputJSON += e.Delta.PartialJSON
			}
		case api.EventMessageDelta:
			stopReason = e.Delta.StopReason
		}
	}

	if toolStart == nil {
		t.Fatalf("no tool_use block emitted:\n%s", rec.Body.String())
	}
	if toolStart.ContentBlock.Name != "get_weather" {
		t.Fatalf("tool name %q", toolStart.ContentBlock.Name)
	}
	id := toolStart.ContentBlock.ID
	if !strings.HasPrefix(id, "toolu_") {
		t.Fatalf("synthetic id %q", id)
	}
	if inputJSON != `{"city":"Paris"}` {
		t.Fatalf("input json %q", inputJSON)
	}
	if stopReason != "tool_use" {
		t.Fatalf("stop_reason %q, want tool_use", stopReason)
	}

	// The id is registered and the originating conversation is kept alive.
	reqs := fw.recorded()
	if len(reqs) != 1 {
		t.Fatalf("completions = %d, want 1", len(reqs))
	}
	if !h.svc.Tracker.HasPendingFor(reqs[0].ConvID) {
		t.Fatal("pending tool call not registered for the conversation")
	}
	if h.svc.Sessions.Count("org-web") != 1 {
		t.Fatal("conversation was not kept for the tool_result")
	}

	// The system section of the prompt carried the tool definitions.
	if !strings.Contains(reqs[0].Prompt, "get_weather") {
		t.Fatal("tool definition missing from transcript")
	}
}

func TestToolResultReentry(t *testing.T) {
	fw := &fakeWeb{completions: []string{
		"```tool_use\n{\"name\":\"get_weather\",\"input\":{\"city\":\"Paris\"}}\n```\n",
		"It is sunny in Paris.",
	}}
	up := fw.server(t)
	defer up.Close()

	h := newHarness(t, "http://unreachable.invalid", up.URL, true)
	h.seedWeb(t, "org-web")

	first := userRequest("weather in Paris?", true)
	first.Tools = []api.Tool{weatherTool}

	rec, apiErr := h.run(t, first)
	if apiErr != nil {
		t.Fatalf("first run: %v", apiErr)
	}

	var toolID string
	for _, e := range parseSSE(t, rec.Body.String()) {
		if e.Type == api.EventContentBlockStart && e.ContentBlock != nil && e.ContentBlock.Type == "tool_use" {
			toolID = e.ContentBlock.ID
		}
	}
	if toolID == "" {
		t.Fatal("no tool id from first round")
	}

	second := &api.MessagesRequest{
		Model:  testModel,
		Stream: true,
		Tools:  []api.Tool{weatherTool},
		Messages: []api.Message{
			first.Messages[0],
			{Role: "assistant", Content: api.MessageContent{Blocks: []api.ContentBlock{{
				Type: "tool_use", ID: toolID, Name: "get_weather", Input: []byte(`{"city":"Paris"}`),
			}}}},
			{Role: "user", Content: api.MessageContent{Blocks: []api.ContentBlock{{
				Type: "tool_result", ToolUseID: toolID, Content: []byte(`"sunny"`),
			}}}},
		},
	}

	rec2, apiErr := h.run(t, second)
	if apiErr != nil {
		t.Fatalf("second run: %v", apiErr)
	}
	events := parseSSE(t, rec2.Body.String())
	checkEventInvariants(t, events)
	if got := collectText(events); got != "It is sunny in Paris." {
		t.Fatalf("continuation text %q", got)
	}

	reqs := fw.recorded()
	if len(reqs) != 2 {
		t.Fatalf("completions = %d, want 2", len(reqs))
	}
	if reqs[0].ConvID != reqs[1].ConvID {
		t.Fatalf("reentry used a different conversation: %s vs %s", reqs[0].ConvID, reqs[1].ConvID)
	}
	if !strings.Contains(reqs[1].Prompt, "Tool result: sunny") {
		t.Fatalf("tool result not rendered in transcript:\n%s", reqs[1].Prompt)
	}

	// Consumed exactly once.
	if h.svc.Tracker.HasPendingFor(reqs[0].ConvID) {
		t.Fatal("tool call still pending after resolution")
	}
}

func TestWebPlainCompletion(t *testing.T) {
	fw := &fakeWeb{completions: []string{"Hello from the web."}}
	up := fw.server(t)
	defer up.Close()

	h := newHarness(t, "http://unreachable.invalid", up.URL, true)
	h.seedWeb(t, "org-web")

	rec, apiErr := h.run(t, userRequest("hi", false))
	if apiErr != nil {
		t.Fatalf("run: %v", apiErr)
	}

	var resp api.MessagesResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("parse: %v", err)
	}
	if resp.Model != testModel {
		t.Fatalf("model %q not injected", resp.Model)
	}
	var text string
	for _, b := range resp.Content {
		if b.Type == "text" {
			text += b.Text
		}
	}
	if text != "Hello from the web." {
		t.Fatalf("text %q", text)
	}
	if resp.StopReason == nil || *resp.StopReason != "end_turn" {
		t.Fatalf("stop_reason %v", resp.StopReason)
	}
}
