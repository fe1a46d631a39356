package tokenizer

import (
	"errors"
	"testing"

	"github.com/claudegate/claudegate/internal/api"
)

func TestUnknownModelRejected(t *testing.T) {
	c := NewCounter()

	if _, err := c.CountText("gpt-4o", "hello"); !errors.Is(err, ErrUnknownModel) {
		t.Fatalf("CountText err = %v, want ErrUnknownModel", err)
	}
	if _, err := c.Stream("llama-3"); !errors.Is(err, ErrUnknownModel) {
		t.Fatalf("Stream err = %v, want ErrUnknownModel", err)
	}
}

func TestKnownModelFamilies(t *testing.T) {
	for _, model := range []string{
		"claude-3-5-sonnet-20241022",
		"claude-opus-4-20250514",
		"claude-haiku-4-5",
		"claude-2.1",
	} {
		if !KnownModel(model) {
			t.Fatalf("KnownModel(%q) = false", model)
		}
	}
	if KnownModel("gemini-pro") {
		t.Fatal("KnownModel(gemini-pro) = true")
	}
}

func TestImageBlockFixedCost(t *testing.T) {
	c := NewCounter()

	n, err := c.CountBlock("claude-3-5-sonnet-20241022", api.ContentBlock{
		Type:   "image",
		Source: &api.ImageSource{Type: "base64", MediaType: "image/png", Data: "xxxx"},
	})
	if err != nil {
		t.Fatalf("CountBlock: %v", err)
	}
	if n != ImageTokenCost {
		t.Fatalf("image cost = %d, want %d", n, ImageTokenCost)
	}
}

func TestCountTextPositive(t *testing.T) {
	c := NewCounter()

	n, err := c.CountText("claude-3-5-sonnet-20241022", "The quick brown fox jumps over the lazy dog.")
	if err != nil {
		t.Skipf("encoding unavailable: %v", err)
	}
	if n <= 0 {
		t.Fatalf("count = %d, want > 0", n)
	}
}

func TestStreamCounterAccumulates(t *testing.T) {
	c := NewCounter()

	sc, err := c.Stream("claude-3-5-sonnet-20241022")
	if err != nil {
		t.Fatalf("Stream: %v", err)
	}
	a, err := sc.Feed("Hello, ")
	if err != nil {
		t.Skipf("encoding unavailable: %v", err)
	}
	b, err := sc.Feed("world!")
	if err != nil {
		t.Fatalf("Feed: %v", err)
	}
	if b <= a || sc.Total() != b {
		t.Fatalf("totals not monotonic: %d then %d (Total %d)", a, b, sc.Total())
	}
}
