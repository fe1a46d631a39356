package config

import (
	"testing"
	"time"
)

func TestSettingsDefaultsAndPersistence(t *testing.T) {
	dir := t.TempDir()

	s, err := OpenSettings(dir)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	snap := s.Get()
	if snap.MaxSessionsPerAccount != 3 {
		t.Fatalf("default max sessions = %d, want 3", snap.MaxSessionsPerAccount)
	}
	if snap.IdleTimeout() != 5*time.Minute {
		t.Fatalf("default idle timeout = %s", snap.IdleTimeout())
	}
	if snap.HumanName != "Human" || snap.AssistantName != "Assistant" {
		t.Fatalf("default labels %q/%q", snap.HumanName, snap.AssistantName)
	}

	snap.PreserveChats = true
	snap.PadtxtLength = 512
	if err := s.Update(snap); err != nil {
		t.Fatalf("update: %v", err)
	}

	s2, err := OpenSettings(dir)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	got := s2.Get()
	if !got.PreserveChats || got.PadtxtLength != 512 {
		t.Fatalf("persisted snapshot %+v", got)
	}
}

func TestSettingsRejectInvalid(t *testing.T) {
	s, err := OpenSettings(t.TempDir())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	bad := s.Get()
	bad.MaxSessionsPerAccount = 0
	if err := s.Update(bad); err == nil {
		t.Fatal("zero session cap accepted")
	}
	bad = s.Get()
	bad.PadtxtLength = -1
	if err := s.Update(bad); err == nil {
		t.Fatal("negative padtxt accepted")
	}
}
