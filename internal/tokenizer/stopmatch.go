package tokenizer

import "strings"

// StopMatcher scans a text delta stream for the first occurrence of any
// watched stop sequence. It evaluates the stream as one contiguous byte
// sequence across delta boundaries: text that could still become the start of
// a match is withheld until disambiguated, so no emitted prefix ever contains
// a stop sequence.
type StopMatcher struct {
	stops   []string
	held    string
	matched string
	emitted int
	done    bool
}

func NewStopMatcher(stops []string) *StopMatcher {
	kept := make([]string, 0, len(stops))
	for _, s := range stops {
		if s != "" {
			kept = append(kept, s)
		}
	}
	return &StopMatcher{stops: kept}
}

// Active reports whether any sequences are being watched.
func (m *StopMatcher) Active() bool { return len(m.stops) > 0 }

// Feed consumes the next delta and returns the text safe to emit plus
// whether a stop sequence completed. After a match, further feeds emit
// nothing.
func (m *StopMatcher) Feed(delta string) (emit string, stopped bool) {
	if m.done {
		return "", true
	}
	if len(m.stops) == 0 {
		m.emitted += len(delta)
		return delta, false
	}

	buf := m.held + delta

	// Earliest match across the watch list wins; ties break on the longer
	// sequence so the truncation point is stable.
	matchAt, matchLen := -1, 0
	for _, s := range m.stops {
		if i := strings.Index(buf, s); i >= 0 {
			if matchAt == -1 || i < matchAt || (i == matchAt && len(s) > matchLen) {
				matchAt, matchLen = i, len(s)
				m.matched = s
			}
		}
	}
	if matchAt >= 0 {
		m.done = true
		m.held = ""
		m.emitted += matchAt
		return buf[:matchAt], true
	}

	// Withhold the longest suffix that is a proper prefix of some stop
	// sequence; it may complete in a later delta.
	hold := 0
	for _, s := range m.stops {
		max := len(s) - 1
		if max > len(buf) {
			max = len(buf)
		}
		for n := max; n > hold; n-- {
			if strings.HasSuffix(buf, s[:n]) {
				hold = n
				break
			}
		}
	}
	cut := len(buf) - hold
	m.held = buf[cut:]
	m.emitted += cut
	return buf[:cut], false
}

// Flush returns any withheld text at stream end, when no match completed.
func (m *StopMatcher) Flush() string {
	if m.done {
		return ""
	}
	out := m.held
	m.held = ""
	m.emitted += len(out)
	return out
}

// Matched returns the stop sequence that completed, or "".
func (m *StopMatcher) Matched() string { return m.matched }

// EmittedOffset returns the byte offset of text released so far; after a
// match this is the exact offset at which the sequence began.
func (m *StopMatcher) EmittedOffset() int { return m.emitted }
