package scheduler

import (
	"crypto/sha256"
	"encoding/hex"
	"io"

	"github.com/claudegate/claudegate/internal/api"
)

// Fingerprint derives the prompt-cache affinity key from prefix-stable
// request content: the system prompt plus every turn except the last. A
// resend of the same history yields the same fingerprint; appending a turn
// moves the previous final turn into the prefix and so changes it. It doubles
// as the web conversation-key.
// Recomputed on every request; never cached.
func Fingerprint(system api.SystemPrompt, messages []api.Message) string {
	h := sha256.New()

	io.WriteString(h, "system:")
	io.WriteString(h, system.Text())

	for i, msg := range messages {
		if i == len(messages)-1 {
			break
		}
		io.WriteString(h, "\x00")
		io.WriteString(h, msg.Role)
		io.WriteString(h, ":")
		for _, b := range msg.Content.Blocks {
			io.WriteString(h, b.Type)
			io.WriteString(h, "|")
			io.WriteString(h, b.Text)
			io.WriteString(h, "|")
			io.WriteString(h, b.ToolUseID)
			io.WriteString(h, "|")
			io.WriteString(h, b.ID)
		}
	}

	sum := h.Sum(nil)
	return hex.EncodeToString(sum[:16])
}
