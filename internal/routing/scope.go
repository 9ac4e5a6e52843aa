package routing

import (
	"strings"

	"github.com/mira-voss/capacitord/internal/identity"
)

// scoreScope implements the scope scoring table.
func scoreScope(cfg Config, workspaceID, projectPath, sessionName, candidatePath string) (quality int, name string) {
	projectPath = identity.Normalize(projectPath)
	candidatePath = identity.Normalize(candidatePath)

	if binding, ok := cfg.WorkspaceBindings[workspaceID]; ok {
		if sessionName != "" {
			for _, s := range binding.PreferredSessions {
				if s == sessionName {
					return 4, "workspace_binding_exact"
				}
			}
		}
		for _, pattern := range binding.PathPatterns {
			if matchesPattern(pattern, projectPath) && matchesPattern(pattern, candidatePath) {
				return 3, "workspace_binding_pattern"
			}
		}
	}

	if candidatePath != "" && candidatePath == projectPath {
		return 3, "path_exact"
	}

	if candidatePath != "" && (isProperPrefix(candidatePath, projectPath) || isProperPrefix(projectPath, candidatePath)) {
		return 2, "path_parent"
	}

	return 1, "global_fallback"
}

// matchesPattern matches a workspace-binding pattern: exact match after
// normalization, or (if the pattern ends in "/**") a proper-prefix-or-equal
// match on the prefix.
func matchesPattern(pattern, path string) bool {
	pattern = strings.TrimRight(pattern, "/")
	if strings.HasSuffix(pattern, "/**") {
		prefix := strings.TrimSuffix(pattern, "/**")
		prefix = identity.Normalize(prefix)
		return path == prefix || isProperPrefix(prefix, path)
	}
	return identity.Normalize(pattern) == path
}

// isProperPrefix reports whether prefix is a `/`-delimited proper ancestor
// of path.
func isProperPrefix(prefix, path string) bool {
	if prefix == path {
		return false
	}
	if prefix == "/" {
		return path != ""
	}
	withSlash := prefix + "/"
	return len(path) > len(withSlash) && path[:len(withSlash)] == withSlash
}

// pathScoped reports whether candidatePath is exactly projectPath or a
// descendant of it.
func pathScoped(projectPath, candidatePath string) bool {
	if candidatePath == "" {
		return false
	}
	projectPath = identity.Normalize(projectPath)
	candidatePath = identity.Normalize(candidatePath)
	return candidatePath == projectPath || isProperPrefix(projectPath, candidatePath)
}

// sessionScoped reports whether sessionName equals the last path component
// of projectPath.
func sessionScoped(projectPath, sessionName string) bool {
	if sessionName == "" {
		return false
	}
	p := identity.Normalize(projectPath)
	idx := strings.LastIndexByte(p, '/')
	last := p[idx+1:]
	return last != "" && last == sessionName
}

func workspaceScoped(scopeName string) bool {
	return strings.HasPrefix(scopeName, "workspace_binding_")
}
