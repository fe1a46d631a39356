package adapt

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/claudegate/claudegate/internal/api"
)

// TranscriptOptions control the labelled-transcript adaptation.
type TranscriptOptions struct {
	HumanName     string
	AssistantName string
	// UseRealRoles renders the upstream-native "Human"/"Assistant" labels
	// instead of the configured names.
	UseRealRoles bool
	PadtxtLength int
}

func (o TranscriptOptions) labels() (human, assistant string) {
	if o.UseRealRoles {
		return "Human", "Assistant"
	}
	human, assistant = o.HumanName, o.AssistantName
	if human == "" {
		human = "Human"
	}
	if assistant == "" {
		assistant = "Assistant"
	}
	return human, assistant
}

// BuildTranscript flattens a messages request into the single synthetic user
// turn the web interface expects: system prompt (with tool definitions and
// optional padding), each prior turn under its label, ending with the
// assistant label to elicit a continuation. Image blocks are returned for
// out-of-band upload and referenced by position.
func BuildTranscript(req *api.MessagesRequest, opts TranscriptOptions) (string, []api.ImageSource) {
	human, assistant := opts.labels()

	var b strings.Builder
	var images []api.ImageSource

	if sys := req.System.Text(); sys != "" {
		b.WriteString(sys)
	}
	if len(req.Tools) > 0 {
		if b.Len() > 0 {
			b.WriteString("\n\n")
		}
		b.WriteString(ToolPrompt(req.Tools))
	}
	if opts.PadtxtLength > 0 {
		if b.Len() > 0 {
			b.WriteString("\n\n")
		}
		b.WriteString(Padding(opts.PadtxtLength))
	}

	for _, msg := range req.Messages {
		label := human
		if msg.Role == "assistant" {
			label = assistant
		}
		b.WriteString("\n\n")
		b.WriteString(label)
		b.WriteString(": ")
		b.WriteString(renderTurn(msg, &images))
	}

	b.WriteString("\n\n")
	b.WriteString(assistant)
	b.WriteString(":")
	return b.String(), images
}

func renderTurn(msg api.Message, images *[]api.ImageSource) string {
	var parts []string
	for _, block := range msg.Content.Blocks {
		switch block.Type {
		case "text":
			parts = append(parts, block.Text)
		case "image":
			if block.Source != nil {
				*images = append(*images, *block.Source)
			}
			if block.Source != nil && block.Source.Type == "url" {
				parts = append(parts, fmt.Sprintf("[image #%d: %s]", len(*images), block.Source.URL))
			} else {
				parts = append(parts, fmt.Sprintf("[image #%d]", len(*images)))
			}
		case "tool_use":
			parts = append(parts, renderToolUse(block))
		case "tool_result":
			parts = append(parts, "Tool result: "+block.ToolResultText())
		}
	}
	return strings.Join(parts, "\n")
}

func renderToolUse(block api.ContentBlock) string {
	call := map[string]json.RawMessage{
		"name":  json.RawMessage(fmt.Sprintf("%q", block.Name)),
		"input": block.Input,
	}
	if len(block.Input) == 0 {
		call["input"] = json.RawMessage("{}")
	}
	data, _ := json.Marshal(call)
	return FenceOpen + "\n" + string(data) + "\n" + FenceClose
}

// ToolPrompt serializes tool definitions into the system prompt together with
// the fenced-JSON calling convention the response scanner recognizes.
func ToolPrompt(tools []api.Tool) string {
	var b strings.Builder
	b.WriteString("You have access to the following tools, defined as JSON schemas:\n")
	for _, t := range tools {
		def, _ := json.Marshal(t)
		b.WriteString("\n")
		b.Write(def)
		b.WriteString("\n")
	}
	b.WriteString("\nTo call a tool, reply with exactly one fenced block of the form:\n")
	b.WriteString(FenceOpen + "\n")
	b.WriteString(`{"name": "<tool name>", "input": {<arguments>}}` + "\n")
	b.WriteString(FenceClose + "\n")
	b.WriteString("and stop. The result will be provided in the next turn as \"Tool result: ...\".")
	return b.String()
}

// paddingPhrase is deterministic filler appended to the system prompt to
// stabilize prompt caching across sessions.
const paddingPhrase = "The quiet afternoon settled over the valley while distant hills held their shape against a pale sky. "

// Padding returns exactly n bytes of deterministic filler text.
func Padding(n int) string {
	if n <= 0 {
		return ""
	}
	var b strings.Builder
	b.Grow(n)
	for b.Len() < n {
		b.WriteString(paddingPhrase)
	}
	return b.String()[:n]
}
