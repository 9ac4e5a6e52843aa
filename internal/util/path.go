// Package util holds small path helpers shared by config loading and the
// CLI.
package util

import (
	"os"
	"strings"
	"sync"
)

var (
	homeDir     string
	homeDirOnce sync.Once
)

func cachedHomeDir() string {
	homeDirOnce.Do(func() {
		homeDir, _ = os.UserHomeDir()
	})
	return homeDir
}

// ExpandHome rewrites a leading "~/" to the user's home directory, so
// operator-supplied paths in TOML config and env vars behave the way a
// shell user expects. Paths without the prefix, and environments where the
// home directory is unknown, pass through unchanged.
func ExpandHome(path string) string {
	if !strings.HasPrefix(path, "~/") {
		return path
	}
	home := cachedHomeDir()
	if home == "" {
		return path
	}
	return home + path[1:]
}
