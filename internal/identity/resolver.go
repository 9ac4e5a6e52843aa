// Package identity derives a canonical project root from a working
// directory or file path using boundary markers.
package identity

import (
	"bufio"
	"os"
	"path/filepath"
	"strings"
)

const maxWalkDepth = 20

// marker priority: lower number wins. Multiple names can share a priority.
var markerPriority = map[string]int{
	"CLAUDE.md": 1,

	".git": 2,

	"package.json":    3,
	"Cargo.toml":      3,
	"pyproject.toml":  3,
	"go.mod":          3,
	"pubspec.yaml":    3,
	"Project.toml":    3,
	"deno.json":       3,

	"Makefile":        4,
	"CMakeLists.txt":  4,
}

var ignoredDirNames = map[string]bool{
	"node_modules": true, "vendor": true, ".git": true, "__pycache__": true,
	"target": true, "dist": true, "build": true, ".next": true, ".output": true,
	"venv": true, ".venv": true, "env": true, ".turbo": true, ".cache": true,
}

// Identity is a resolved project boundary: its filesystem path and a stable
// id (normally equal to Path, except for worktree canonicalization).
type Identity struct {
	Path string
	ID   string
}

// Resolve walks up from the directory containing path (path may itself be a
// directory) looking for project markers, in priority order.
// Returns the zero Identity and false if no boundary was found within
// maxWalkDepth levels or before reaching the user's home directory.
func Resolve(path string) (Identity, bool) {
	start := path
	if info, err := os.Stat(path); err == nil && !info.IsDir() {
		start = filepath.Dir(path)
	}
	start = normalize(start)

	home, _ := os.UserHomeDir()
	home = normalize(home)

	type found struct {
		dir      string
		priority int
	}
	var best *found

	dir := start
	for depth := 0; depth < maxWalkDepth; depth++ {
		// An ignored directory (node_modules, vendor, ...) invalidates any
		// boundary accumulated below it: whatever matched down there was
		// inside the ignored subtree. The walk continues above it, where
		// matches count again. The ignored directory itself is not scanned.
		if ignoredDirNames[filepath.Base(dir)] {
			best = nil
			if dir == home || dir == "/" {
				break
			}
			parent := filepath.Dir(dir)
			if parent == dir {
				break
			}
			dir = parent
			continue
		}

		if m, prio := scanDir(dir); m != "" {
			if prio == 1 {
				// CLAUDE.md at a non-ignored level wins immediately.
				return Identity{Path: dir, ID: dir}, true
			}
			if best == nil || prio < best.priority {
				best = &found{dir: dir, priority: prio}
			}
		}

		if dir == home || dir == "/" {
			break
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}

	if best == nil {
		return Identity{}, false
	}

	resolved := Identity{Path: best.dir, ID: best.dir}
	if wt, ok := resolveWorktree(best.dir); ok {
		resolved.ID = wt
	}
	return resolved, true
}

// scanDir returns the highest-priority marker name found directly in dir (and
// its priority), or "" if none.
func scanDir(dir string) (string, int) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return "", 0
	}
	names := make(map[string]bool, len(entries))
	for _, e := range entries {
		names[e.Name()] = true
	}

	bestName := ""
	bestPrio := 1 << 30
	for name, prio := range markerPriority {
		if names[name] && prio < bestPrio {
			bestPrio = prio
			bestName = name
		}
	}
	return bestName, bestPrio
}

// resolveWorktree checks whether dir's ".git" is a worktree file
// ("gitdir: <path>") pointing at a gitdir with a "commondir" file, and if so
// returns the canonicalized common directory.
func resolveWorktree(dir string) (string, bool) {
	gitPath := filepath.Join(dir, ".git")
	info, err := os.Stat(gitPath)
	if err != nil || info.IsDir() {
		return "", false
	}

	f, err := os.Open(gitPath)
	if err != nil {
		return "", false
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	var gitdir string
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if rest, ok := strings.CutPrefix(line, "gitdir:"); ok {
			gitdir = strings.TrimSpace(rest)
			break
		}
	}
	if gitdir == "" {
		return "", false
	}
	if !filepath.IsAbs(gitdir) {
		gitdir = filepath.Join(dir, gitdir)
	}

	commonFile := filepath.Join(gitdir, "commondir")
	data, err := os.ReadFile(commonFile)
	if err != nil {
		return "", false
	}
	common := strings.TrimSpace(string(data))
	if common == "" {
		return "", false
	}
	if !filepath.IsAbs(common) {
		common = filepath.Join(gitdir, common)
	}
	return normalize(filepath.Dir(common)), true
}

// normalize applies the boundary rule: strip trailing slashes, root stays
// "/". No case-folding, no symlink resolution.
func normalize(p string) string {
	if p == "" {
		return p
	}
	if p == "/" {
		return "/"
	}
	for len(p) > 1 && strings.HasSuffix(p, "/") {
		p = p[:len(p)-1]
	}
	return p
}

// Normalize exports the path-normalization rule for other packages (routing,
// lock) that must agree on what "the same path" means.
func Normalize(p string) string {
	return normalize(p)
}
