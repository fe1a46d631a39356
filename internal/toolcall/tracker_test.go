package toolcall

import (
	"container/heap"
	"errors"
	"strings"
	"testing"
	"time"
)

func TestRegisterResolve(t *testing.T) {
	tr := NewTracker(time.Minute, nil)

	id := tr.Register("org-a", "conv-1")
	if !strings.HasPrefix(id, "toolu_") {
		t.Fatalf("id %q lacks the synthetic prefix", id)
	}

	p, err := tr.Resolve(id)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if p.AccountID != "org-a" || p.ConversationID != "conv-1" {
		t.Fatalf("resolved %+v", p)
	}

	// An id resolves exactly once.
	if _, err := tr.Resolve(id); !errors.Is(err, ErrUnknownToolCall) {
		t.Fatalf("second resolve err = %v, want ErrUnknownToolCall", err)
	}
}

func TestUnknownID(t *testing.T) {
	tr := NewTracker(time.Minute, nil)
	if _, err := tr.Resolve("toolu_doesnotexist"); !errors.Is(err, ErrUnknownToolCall) {
		t.Fatalf("err = %v, want ErrUnknownToolCall", err)
	}
}

func TestIDsAreUnique(t *testing.T) {
	tr := NewTracker(time.Minute, nil)
	seen := make(map[string]bool)
	for range 200 {
		id := tr.Register("org-a", "conv-1")
		if seen[id] {
			t.Fatalf("id %q reused", id)
		}
		seen[id] = true
	}
}

func TestSweepExpiresOldEntries(t *testing.T) {
	tr := NewTracker(time.Minute, nil)

	old := tr.Register("org-a", "conv-1")
	fresh := tr.Register("org-a", "conv-2")
	tr.mu.Lock()
	tr.pending[old].CreatedAt = time.Now().Add(-2 * time.Minute)
	heap.Init(&tr.queue) // re-establish order after backdating
	tr.mu.Unlock()

	tr.sweep(time.Now())

	if _, err := tr.Resolve(old); !errors.Is(err, ErrUnknownToolCall) {
		t.Fatalf("expired id still resolvable: %v", err)
	}
	if _, err := tr.Resolve(fresh); err != nil {
		t.Fatalf("fresh id swept: %v", err)
	}
}

func TestHasPendingFor(t *testing.T) {
	tr := NewTracker(time.Minute, nil)

	id := tr.Register("org-a", "conv-1")
	if !tr.HasPendingFor("conv-1") {
		t.Fatal("conv-1 should have a pending call")
	}
	if tr.HasPendingFor("conv-2") {
		t.Fatal("conv-2 should not have a pending call")
	}

	tr.Resolve(id)
	if tr.HasPendingFor("conv-1") {
		t.Fatal("resolved call still reported pending")
	}
}
