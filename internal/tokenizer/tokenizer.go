package tokenizer

import (
	"encoding/json"
	"errors"
	"strings"
	"sync"

	tiktoken "github.com/pkoukk/tiktoken-go"

	"github.com/claudegate/claudegate/internal/api"
)

// ErrUnknownModel is returned for models outside the supported families.
var ErrUnknownModel = errors.New("unknown model")

// ImageTokenCost is the fixed accounting cost of one image block.
const ImageTokenCost = 1568

// modelFamilies lists the recognized model name prefixes.
var modelFamilies = []string{
	"claude-opus",
	"claude-sonnet",
	"claude-haiku",
	"claude-3",
	"claude-2",
	"claude-instant",
}

// KnownModel reports whether the model belongs to a supported family.
func KnownModel(model string) bool {
	lower := strings.ToLower(model)
	for _, fam := range modelFamilies {
		if strings.HasPrefix(lower, fam) {
			return true
		}
	}
	return false
}

// Counter is a deterministic token estimator over the cl100k_base vocabulary.
// The encoding is loaded once and shared.
type Counter struct {
	once sync.Once
	enc  *tiktoken.Tiktoken
	err  error
}

func NewCounter() *Counter {
	return &Counter{}
}

func (c *Counter) encoder() (*tiktoken.Tiktoken, error) {
	c.once.Do(func() {
		c.enc, c.err = tiktoken.GetEncoding("cl100k_base")
	})
	return c.enc, c.err
}

// CountText returns the token count of a text fragment.
func (c *Counter) CountText(model, text string) (int, error) {
	if !KnownModel(model) {
		return 0, ErrUnknownModel
	}
	enc, err := c.encoder()
	if err != nil {
		return 0, err
	}
	return len(enc.Encode(text, nil, nil)), nil
}

// CountBlock returns the token count of one content block. Images cost a
// fixed amount; tool blocks are counted over their serialized form.
func (c *Counter) CountBlock(model string, b api.ContentBlock) (int, error) {
	switch b.Type {
	case "text":
		return c.CountText(model, b.Text)
	case "image":
		if !KnownModel(model) {
			return 0, ErrUnknownModel
		}
		return ImageTokenCost, nil
	case "tool_use", "tool_result":
		data, err := json.Marshal(b)
		if err != nil {
			return 0, err
		}
		return c.CountText(model, string(data))
	}
	return c.CountText(model, b.Text)
}

// CountRequest estimates the input token total of a request: system prompt,
// all message blocks with per-message framing overhead, serialized tool
// definitions, and reply priming.
func (c *Counter) CountRequest(req *api.MessagesRequest) (int, error) {
	total := 0

	if !req.System.IsEmpty() {
		n, err := c.CountText(req.Model, req.System.Text())
		if err != nil {
			return 0, err
		}
		total += n
	}

	for _, msg := range req.Messages {
		// Role framing overhead per turn.
		total += 4
		for _, b := range msg.Content.Blocks {
			n, err := c.CountBlock(req.Model, b)
			if err != nil {
				return 0, err
			}
			total += n
		}
	}

	for _, tool := range req.Tools {
		data, err := json.Marshal(tool)
		if err != nil {
			return 0, err
		}
		n, err := c.CountText(req.Model, string(data))
		if err != nil {
			return 0, err
		}
		total += n
	}

	// Reply priming.
	total += 3
	return total, nil
}

// StreamCounter accumulates output token totals from successive text deltas.
type StreamCounter struct {
	counter *Counter
	model   string
	total   int
}

func (c *Counter) Stream(model string) (*StreamCounter, error) {
	if !KnownModel(model) {
		return nil, ErrUnknownModel
	}
	return &StreamCounter{counter: c, model: model}, nil
}

// Feed counts a delta and returns the running total.
func (sc *StreamCounter) Feed(delta string) (int, error) {
	if delta != "" {
		n, err := sc.counter.CountText(sc.model, delta)
		if err != nil {
			return sc.total, err
		}
		sc.total += n
	}
	return sc.total, nil
}

// Total returns the running total.
func (sc *StreamCounter) Total() int { return sc.total }
