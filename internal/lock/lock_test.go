package lock

import (
	"os"
	"testing"
	"time"
)

func withFakes(t *testing.T, alive bool, started string, looksLikeClaude bool) {
	t.Helper()
	origAlive, origStart, origCmd := pidAlive, ProcStartTime, commandLooksLikeClaude
	pidAlive = func(int) bool { return alive }
	ProcStartTime = func(int) (string, error) {
		if started == "" {
			return "", os.ErrNotExist
		}
		return started, nil
	}
	commandLooksLikeClaude = func(int) bool { return looksLikeClaude }
	t.Cleanup(func() {
		pidAlive, ProcStartTime, commandLooksLikeClaude = origAlive, origStart, origCmd
	})
}

func TestHashPath_Deterministic(t *testing.T) {
	if HashPath("/a/b/") != HashPath("/a/b") {
		t.Fatal("hash should normalize trailing slash")
	}
	if HashPath("/a/b") == HashPath("/a/c") {
		t.Fatal("different paths should hash differently")
	}
}

func TestCreateAndVerify(t *testing.T) {
	base := t.TempDir()
	withFakes(t, true, "Wed Jan 1 00:00:00 2026", true)

	ok, err := Create(base, "/u/p", "s1", 111)
	if err != nil || !ok {
		t.Fatalf("create failed: ok=%v err=%v", ok, err)
	}
	if !IsSessionRunning(base, "/u/p") {
		t.Fatal("expected lock to be valid")
	}

	// Second create while still valid is a no-op failure (already locked).
	ok2, err := Create(base, "/u/p", "s2", 222)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ok2 {
		t.Fatal("expected create to report false when a valid lock exists")
	}
}

func TestVerify_LegacyLockRequiresClaudeNameAndAge(t *testing.T) {
	base := t.TempDir()
	withFakes(t, true, "", true)
	if _, err := Create(base, "/u/legacy", "s1", 123); err != nil {
		t.Fatal(err)
	}
	if !IsSessionRunning(base, "/u/legacy") {
		t.Fatal("expected legacy lock with claude-looking command to verify")
	}

	// Flip to non-claude command: should now fail.
	withFakes(t, true, "", false)
	if IsSessionRunning(base, "/u/legacy") {
		t.Fatal("expected legacy lock without claude command to fail verification")
	}
}

func TestVerify_LegacyLockTooOldRejected(t *testing.T) {
	base := t.TempDir()
	withFakes(t, true, "", true)
	dir := DirFor(base, "/u/old")
	if _, err := Create(base, "/u/old", "s1", 1); err != nil {
		t.Fatal(err)
	}
	old := time.Now().Add(-25 * time.Hour)
	if err := os.Chtimes(dir, old, old); err != nil {
		t.Fatal(err)
	}
	if IsSessionRunning(base, "/u/old") {
		t.Fatal("expected 24h+ legacy lock to be rejected")
	}
}

func TestIsSessionRunning_NoChildInheritance(t *testing.T) {
	base := t.TempDir()
	withFakes(t, true, "Wed Jan 1 00:00:00 2026", true)
	if _, err := Create(base, "/p", "s1", 1); err != nil {
		t.Fatal(err)
	}
	if IsSessionRunning(base, "/p/child") {
		t.Fatal("a lock at /p must not make /p/child appear running")
	}

	if _, err := Create(base, "/p/child", "s2", 2); err != nil {
		t.Fatal(err)
	}
	if !IsSessionRunning(base, "/p/child") {
		t.Fatal("expected /p/child lock itself to verify")
	}
}

func TestFindChildLock(t *testing.T) {
	base := t.TempDir()
	withFakes(t, true, "Wed Jan 1 00:00:00 2026", true)
	if _, err := Create(base, "/p/child", "s1", 1); err != nil {
		t.Fatal(err)
	}
	l, ok := FindChildLock(base, "/p")
	if !ok || l.Path != "/p/child" {
		t.Fatalf("expected to find child lock, got %+v ok=%v", l, ok)
	}
	if _, ok := FindChildLock(base, "/p/child"); ok {
		t.Fatal("a lock at exactly the queried path is not a child of itself")
	}
}

func TestReconcileOrphaned(t *testing.T) {
	base := t.TempDir()
	withFakes(t, true, "Wed Jan 1 00:00:00 2026", true)
	if _, err := Create(base, "/p", "s1", 99); err != nil {
		t.Fatal(err)
	}

	// Known PID set contains 99: lock must survive.
	if err := ReconcileOrphaned(base, "/p", map[int]bool{99: true}); err != nil {
		t.Fatal(err)
	}
	if !IsSessionRunning(base, "/p") {
		t.Fatal("lock referenced by a session record must not be reconciled away")
	}

	// Known PID set does not contain 99: lock is orphaned and removed.
	if err := ReconcileOrphaned(base, "/p", map[int]bool{}); err != nil {
		t.Fatal(err)
	}
	if IsSessionRunning(base, "/p") {
		t.Fatal("expected orphaned lock to be removed")
	}
}
