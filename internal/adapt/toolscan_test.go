package adapt

import "testing"

func TestScannerDetectsFencedCallAcrossDeltas(t *testing.T) {
	s := NewToolCallScanner()

	var text string
	var call *ToolCall
	for _, d := range []string{
		"Let me check.\n``", "`tool_use\n{\"name\":\"get_weather\",",
		"\"input\":{\"city\":\"Paris\"}}", "\n```\n",
	} {
		emit, c := s.Feed(d)
		text += emit
		if c != nil {
			call = c
		}
	}

	if text != "Let me check.\n" {
		t.Fatalf("plain text = %q", text)
	}
	if call == nil {
		t.Fatal("no call detected")
	}
	if call.Name != "get_weather" {
		t.Fatalf("call name = %q", call.Name)
	}
	if string(call.Input) != `{"city":"Paris"}` {
		t.Fatalf("call input = %s", call.Input)
	}
}

func TestScannerPassesOrdinaryText(t *testing.T) {
	s := NewToolCallScanner()

	var text string
	for _, d := range []string{"plain ", "text with `back", "ticks` inside"} {
		emit, c := s.Feed(d)
		if c != nil {
			t.Fatal("spurious tool call")
		}
		text += emit
	}
	text += s.Flush()

	if text != "plain text with `backticks` inside" {
		t.Fatalf("text = %q", text)
	}
}

func TestScannerEmitsNothingAfterCall(t *testing.T) {
	s := NewToolCallScanner()

	_, call := s.Feed("```tool_use\n{\"name\":\"f\",\"input\":{}}\n```")
	if call == nil {
		t.Fatal("no call detected")
	}
	emit, c := s.Feed("trailing chatter")
	if emit != "" || c != nil {
		t.Fatalf("post-call feed returned (%q, %v)", emit, c)
	}
}

func TestScannerFlushReturnsHeldPrefix(t *testing.T) {
	s := NewToolCallScanner()

	emit, _ := s.Feed("ends with ``")
	if emit != "ends with " {
		t.Fatalf("emit = %q", emit)
	}
	if got := s.Flush(); got != "``" {
		t.Fatalf("flush = %q", got)
	}
}
