package adapt

import (
	"strings"
	"testing"

	"github.com/claudegate/claudegate/internal/api"
)

func textTurn(role, text string) api.Message {
	return api.Message{
		Role:    role,
		Content: api.MessageContent{Blocks: []api.ContentBlock{{Type: "text", Text: text}}},
	}
}

func TestTranscriptLabelsAndTermination(t *testing.T) {
	req := &api.MessagesRequest{
		Model:  "claude-3-5-sonnet-20241022",
		System: api.SystemPrompt{Blocks: []api.ContentBlock{{Type: "text", Text: "Be terse."}}},
		Messages: []api.Message{
			textTurn("user", "hi"),
			textTurn("assistant", "hello"),
			textTurn("user", "how are you?"),
		},
	}

	out, images := BuildTranscript(req, TranscriptOptions{HumanName: "H", AssistantName: "A"})
	if len(images) != 0 {
		t.Fatalf("unexpected images: %d", len(images))
	}
	if !strings.HasPrefix(out, "Be terse.") {
		t.Fatalf("system prompt not leading: %q", out[:40])
	}
	for _, want := range []string{"\n\nH: hi", "\n\nA: hello", "\n\nH: how are you?"} {
		if !strings.Contains(out, want) {
			t.Fatalf("transcript missing %q:\n%s", want, out)
		}
	}
	if !strings.HasSuffix(out, "\n\nA:") {
		t.Fatalf("transcript must end with the assistant label, got %q", out[len(out)-12:])
	}
}

func TestUseRealRolesOverridesNames(t *testing.T) {
	req := &api.MessagesRequest{Messages: []api.Message{textTurn("user", "hi")}}

	out, _ := BuildTranscript(req, TranscriptOptions{
		HumanName: "H", AssistantName: "A", UseRealRoles: true,
	})
	if !strings.Contains(out, "Human: hi") || !strings.HasSuffix(out, "Assistant:") {
		t.Fatalf("real roles not applied:\n%s", out)
	}
}

func TestPaddingLengthExact(t *testing.T) {
	for _, n := range []int{0, 1, 50, 1000} {
		if got := len(Padding(n)); got != n {
			t.Fatalf("Padding(%d) length = %d", n, got)
		}
	}
	if Padding(100) != Padding(100) {
		t.Fatal("padding must be deterministic")
	}
}

func TestTranscriptPaddingApplied(t *testing.T) {
	req := &api.MessagesRequest{Messages: []api.Message{textTurn("user", "hi")}}

	out, _ := BuildTranscript(req, TranscriptOptions{PadtxtLength: 64})
	if !strings.Contains(out, Padding(64)) {
		t.Fatal("padding text missing from transcript")
	}
}

func TestToolPromptAndResultRendering(t *testing.T) {
	req := &api.MessagesRequest{
		Tools: []api.Tool{{Name: "get_weather", InputSchema: []byte(`{"type":"object"}`)}},
		Messages: []api.Message{
			textTurn("user", "weather in Paris?"),
			{Role: "assistant", Content: api.MessageContent{Blocks: []api.ContentBlock{{
				Type: "tool_use", ID: "toolu_x", Name: "get_weather", Input: []byte(`{"city":"Paris"}`),
			}}}},
			{Role: "user", Content: api.MessageContent{Blocks: []api.ContentBlock{{
				Type: "tool_result", ToolUseID: "toolu_x", Content: []byte(`"sunny"`),
			}}}},
		},
	}

	out, _ := BuildTranscript(req, TranscriptOptions{})
	if !strings.Contains(out, "get_weather") {
		t.Fatal("tool definition missing from system section")
	}
	if !strings.Contains(out, FenceOpen) {
		t.Fatal("calling convention missing")
	}
	if !strings.Contains(out, "Tool result: sunny") {
		t.Fatalf("tool result not rendered:\n%s", out)
	}
}

func TestImagesCollectedForUpload(t *testing.T) {
	req := &api.MessagesRequest{
		Messages: []api.Message{{
			Role: "user",
			Content: api.MessageContent{Blocks: []api.ContentBlock{
				{Type: "text", Text: "what is this?"},
				{Type: "image", Source: &api.ImageSource{Type: "base64", MediaType: "image/png", Data: "AAAA"}},
			}},
		}},
	}

	out, images := BuildTranscript(req, TranscriptOptions{})
	if len(images) != 1 || images[0].MediaType != "image/png" {
		t.Fatalf("images = %+v", images)
	}
	if !strings.Contains(out, "[image #1]") {
		t.Fatal("image placeholder missing")
	}
}

func TestProbeDetection(t *testing.T) {
	probe := &api.MessagesRequest{Messages: []api.Message{textTurn("user", "Warmup")}}
	if !IsProbe(probe) {
		t.Fatal("warmup not detected")
	}

	real := &api.MessagesRequest{Messages: []api.Message{textTurn("user", "hello there")}}
	if IsProbe(real) {
		t.Fatal("real request misdetected as probe")
	}

	events := ProbeEvents("claude-3-5-haiku-20241022")
	if events[0].Type != api.EventMessageStart || events[len(events)-1].Type != api.EventMessageStop {
		t.Fatal("probe events malformed")
	}
	if events[0].Message.Model != "claude-3-5-haiku-20241022" {
		t.Fatalf("probe model = %q", events[0].Message.Model)
	}
}
