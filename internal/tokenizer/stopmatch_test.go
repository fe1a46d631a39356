package tokenizer

import "testing"

func feedAll(t *testing.T, m *StopMatcher, deltas ...string) (string, bool) {
	t.Helper()
	var out string
	for _, d := range deltas {
		emit, stopped := m.Feed(d)
		out += emit
		if stopped {
			return out, true
		}
	}
	out += m.Flush()
	return out, false
}

func TestStopAcrossDeltaBoundary(t *testing.T) {
	m := NewStopMatcher([]string{"world"})

	out, stopped := feedAll(t, m, "Hello, wo", "rld! Good")
	if !stopped {
		t.Fatal("expected a stop match")
	}
	if out != "Hello, " {
		t.Fatalf("emitted %q, want %q", out, "Hello, ")
	}
	if m.Matched() != "world" {
		t.Fatalf("matched %q, want %q", m.Matched(), "world")
	}
	if m.EmittedOffset() != len("Hello, ") {
		t.Fatalf("offset %d, want %d", m.EmittedOffset(), len("Hello, "))
	}
}

func TestStopEqualToEntireResponse(t *testing.T) {
	m := NewStopMatcher([]string{"DONE"})

	out, stopped := feedAll(t, m, "DO", "NE")
	if !stopped {
		t.Fatal("expected a stop match")
	}
	if out != "" {
		t.Fatalf("emitted %q, want empty", out)
	}
}

func TestNoMatchFlushesHeldTail(t *testing.T) {
	m := NewStopMatcher([]string{"world"})

	out, stopped := feedAll(t, m, "say wo", "w")
	if stopped {
		t.Fatal("unexpected stop")
	}
	if out != "say wow" {
		t.Fatalf("emitted %q, want %q", out, "say wow")
	}
}

func TestEarliestSequenceWins(t *testing.T) {
	m := NewStopMatcher([]string{"beta", "alpha"})

	out, stopped := feedAll(t, m, "x alpha y beta")
	if !stopped {
		t.Fatal("expected a stop match")
	}
	if m.Matched() != "alpha" {
		t.Fatalf("matched %q, want alpha", m.Matched())
	}
	if out != "x " {
		t.Fatalf("emitted %q, want %q", out, "x ")
	}
}

func TestFeedAfterMatchEmitsNothing(t *testing.T) {
	m := NewStopMatcher([]string{"stop"})

	if _, stopped := m.Feed("before stop after"); !stopped {
		t.Fatal("expected a stop match")
	}
	emit, stopped := m.Feed("more text")
	if !stopped || emit != "" {
		t.Fatalf("post-match feed returned (%q, %v)", emit, stopped)
	}
}

func TestInactiveMatcherPassesThrough(t *testing.T) {
	m := NewStopMatcher(nil)
	if m.Active() {
		t.Fatal("matcher should be inactive")
	}
	emit, stopped := m.Feed("anything")
	if stopped || emit != "anything" {
		t.Fatalf("passthrough returned (%q, %v)", emit, stopped)
	}
}

func TestRepeatedPartialPrefixes(t *testing.T) {
	m := NewStopMatcher([]string{"aab"})

	out, stopped := feedAll(t, m, "a", "a", "a", "b")
	if !stopped {
		t.Fatal("expected a stop match")
	}
	if out != "a" {
		t.Fatalf("emitted %q, want %q", out, "a")
	}
}
