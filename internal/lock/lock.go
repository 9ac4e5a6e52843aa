// Package lock implements the session lock layer: per-project-path
// filesystem locks verified by PID liveness and process start time.
package lock

import (
	"crypto/md5" //nolint:gosec // content-addressing, not a security boundary
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/mira-voss/capacitord/internal/identity"
)

// Meta is the contents of a lock directory's meta.json.
type Meta struct {
	PID         int    `json:"pid"`
	Path        string `json:"path"`
	ProcStarted string `json:"proc_started,omitempty"`
	Created     string `json:"created"`
}

// Lock describes a discovered lock directory.
type Lock struct {
	Dir     string
	PID     int
	Path    string
	Meta    Meta
	ModTime time.Time
}

var (
	// ErrAlreadyLocked describes a destination path that a valid lock
	// already owns. Create does not return it; Create reports that case as
	// (false, nil).
	ErrAlreadyLocked = errors.New("path already locked by a live session")
)

const procStartTolerance = 2 * time.Second
const legacyLockMaxAge = 24 * time.Hour

// HashPath renders the 128-bit content-addressable hash of a normalized
// path, lowercase hex, as used for the lock directory name.
func HashPath(path string) string {
	norm := identity.Normalize(path)
	sum := md5.Sum([]byte(norm)) //nolint:gosec
	return hex.EncodeToString(sum[:])
}

// DirFor returns the lock directory path for a given base dir and project
// path.
func DirFor(base, path string) string {
	return filepath.Join(base, HashPath(path)+".lock")
}

// Create best-effort creates a lock directory for path under base, owned by
// pid. If a valid lock already exists there, it returns (false, nil) — the
// caller does not hold the lock. It returns (true, nil) on success.
func Create(base, path, sessionID string, pid int) (bool, error) {
	_ = sessionID // session id is not persisted in meta.json; kept so call sites mirror Release
	dir := DirFor(base, path)

	// The check-then-create below is not atomic by itself; an flock on a
	// sibling file serializes racing Create calls for the same path across
	// processes (two rapid launches racing).
	if err := os.MkdirAll(base, 0755); err != nil {
		return false, fmt.Errorf("creating lock base dir: %w", err)
	}
	release, err := FlockAcquire(flockPathFor(base, path))
	if err != nil {
		return false, fmt.Errorf("acquiring create flock: %w", err)
	}
	defer release()

	if l, ok := readLock(dir); ok && Verify(l) {
		return false, nil
	}
	// Stale or absent: remove any leftover directory and recreate.
	_ = os.RemoveAll(dir)

	if err := os.MkdirAll(dir, 0755); err != nil {
		return false, fmt.Errorf("creating lock dir: %w", err)
	}

	started := ""
	if st, err := ProcStartTime(pid); err == nil && st != "" {
		started = st
	}

	meta := Meta{
		PID:         pid,
		Path:        identity.Normalize(path),
		ProcStarted: started,
		Created:     time.Now().UTC().Format(time.RFC3339),
	}

	if err := writeMeta(dir, meta); err != nil {
		_ = os.RemoveAll(dir)
		return false, err
	}
	if err := os.WriteFile(filepath.Join(dir, "pid"), []byte(strconv.Itoa(pid)), 0644); err != nil {
		_ = os.RemoveAll(dir)
		return false, err
	}
	return true, nil
}

func writeMeta(dir string, meta Meta) error {
	data, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("marshaling lock meta: %w", err)
	}
	return os.WriteFile(filepath.Join(dir, "meta.json"), data, 0644)
}

// Release removes the lock directory for path if it's owned by pid.
func Release(base, path string, pid int) error {
	release, err := FlockAcquire(flockPathFor(base, path))
	if err != nil {
		return fmt.Errorf("acquiring release flock: %w", err)
	}
	defer release()

	dir := DirFor(base, path)
	l, ok := readLock(dir)
	if !ok {
		return nil
	}
	if l.PID != pid {
		return nil
	}
	return os.RemoveAll(dir)
}

// flockPathFor is the sibling advisory-lock file guarding create/release
// races for path's lock directory. It lives alongside, not inside, the lock
// directory so RemoveAll(dir) never removes the flock file out from under a
// concurrent holder of its fd.
func flockPathFor(base, path string) string {
	return filepath.Join(base, HashPath(path)+".flock")
}

func readLock(dir string) (Lock, bool) {
	info, err := os.Stat(dir)
	if err != nil {
		return Lock{}, false
	}
	pidData, err := os.ReadFile(filepath.Join(dir, "pid"))
	if err != nil {
		return Lock{}, false
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(pidData)))
	if err != nil {
		return Lock{}, false
	}
	metaData, err := os.ReadFile(filepath.Join(dir, "meta.json"))
	if err != nil {
		return Lock{}, false
	}
	var meta Meta
	if err := json.Unmarshal(metaData, &meta); err != nil {
		return Lock{}, false
	}
	return Lock{Dir: dir, PID: pid, Path: meta.Path, Meta: meta, ModTime: info.ModTime()}, true
}

// Verify implements the lock validity rule: pid alive, and either
// proc_started matches within tolerance, or (legacy) a command-name check
// plus a 24h age cap.
func Verify(l Lock) bool {
	if !pidAlive(l.PID) {
		return false
	}
	if l.Meta.ProcStarted != "" {
		current, err := ProcStartTime(l.PID)
		if err != nil {
			return false
		}
		return startTimesClose(l.Meta.ProcStarted, current)
	}

	// Legacy lock: no proc_started recorded.
	if time.Since(l.ModTime) > legacyLockMaxAge {
		return false
	}
	return commandLooksLikeClaude(l.PID)
}

func startTimesClose(a, b string) bool {
	if a == b {
		return true
	}
	ta, errA := time.Parse(time.ANSIC, a)
	tb, errB := time.Parse(time.ANSIC, b)
	if errA != nil || errB != nil {
		return false
	}
	d := ta.Sub(tb)
	if d < 0 {
		d = -d
	}
	return d <= procStartTolerance
}

// ProcStartTime returns the OS-reported start time of pid via ps(1), in the
// same textual form ps emits (`ps -o lstart=`). Returns "" with an error if
// the OS cannot answer (tests override for determinism).
var ProcStartTime = func(pid int) (string, error) {
	cmd := exec.Command("ps", "-o", "lstart=", "-p", strconv.Itoa(pid))
	cmd.Env = append(os.Environ(), "LC_ALL=C")
	out, err := cmd.Output()
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(out)), nil
}

var pidAlive = func(pid int) bool {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	// On Unix, FindProcess always succeeds; signal 0 checks liveness.
	return proc.Signal(syscall.Signal(0)) == nil
}

var commandLooksLikeClaude = func(pid int) bool {
	cmd := exec.Command("ps", "-o", "comm=,args=", "-p", strconv.Itoa(pid))
	out, err := cmd.Output()
	if err != nil {
		return false
	}
	return strings.Contains(strings.ToLower(string(out)), "claude")
}

// IsSessionRunning reports whether path has a valid lock. Child-path locks
// do not imply ownership of a parent.
func IsSessionRunning(base, path string) bool {
	dir := DirFor(base, path)
	l, ok := readLock(dir)
	return ok && Verify(l)
}

// List enumerates every lock directory under base.
func List(base string) []Lock {
	entries, err := os.ReadDir(base)
	if err != nil {
		return nil
	}
	var locks []Lock
	for _, e := range entries {
		if !e.IsDir() || !strings.HasSuffix(e.Name(), ".lock") {
			continue
		}
		if l, ok := readLock(filepath.Join(base, e.Name())); ok {
			locks = append(locks, l)
		}
	}
	return locks
}

// FindChildLock finds a lock whose stored path is a proper descendant of
// the normalized parent path.
func FindChildLock(base, parent string) (Lock, bool) {
	return FindMatchingChildLock(base, parent, 0, "")
}

// FindMatchingChildLock is FindChildLock additionally filtered by an
// optional pid and/or exact stored path, used to disambiguate when multiple
// children exist. pid==0 and path=="" mean "no filter".
func FindMatchingChildLock(base, parent string, pid int, path string) (Lock, bool) {
	p := identity.Normalize(parent)
	prefix := p + "/"
	if p == "/" {
		prefix = "/"
	}

	var candidates []Lock
	for _, l := range List(base) {
		if !Verify(l) {
			continue
		}
		if l.Path == p {
			continue // not a proper descendant
		}
		if p != "/" && !strings.HasPrefix(l.Path, prefix) {
			continue
		}
		if p == "/" && l.Path == "/" {
			continue
		}
		if pid != 0 && l.PID != pid {
			continue
		}
		if path != "" && l.Path != path {
			continue
		}
		candidates = append(candidates, l)
	}
	if len(candidates) == 0 {
		return Lock{}, false
	}

	sort.Slice(candidates, func(i, j int) bool {
		ci, cj := candidates[i], candidates[j]
		ti, erri := time.Parse(time.RFC3339, ci.Meta.Created)
		tj, errj := time.Parse(time.RFC3339, cj.Meta.Created)
		if erri == nil && errj == nil && !ti.Equal(tj) {
			return ti.After(tj)
		}
		return ci.Path > cj.Path
	})
	return candidates[0], true
}

// RunningPIDs returns the set of PIDs referenced by verified locks under
// base, used by reconciliation callers that need to cross-reference against
// session records.
func RunningPIDs(base string) map[int]bool {
	pids := make(map[int]bool)
	for _, l := range List(base) {
		if Verify(l) {
			pids[l.PID] = true
		}
	}
	return pids
}

// ReconcileOrphaned removes the lock for path if its PID is verified alive
// but knownPIDs (typically, PIDs referenced by session records) does not
// contain it — the raced-launch case.
func ReconcileOrphaned(base, path string, knownPIDs map[int]bool) error {
	dir := DirFor(base, path)
	l, ok := readLock(dir)
	if !ok {
		return nil
	}
	if !pidAlive(l.PID) {
		return nil
	}
	if knownPIDs[l.PID] {
		return nil
	}
	return os.RemoveAll(dir)
}
