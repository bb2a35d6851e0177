package config

import (
	"os"
	"path/filepath"
	"strings"
)

const defaultBaseDir = ".tagall"

// Paths holds resolved filesystem paths for agent data.
type Paths struct {
	Base        string // ~/.tagall
	Config      string // ~/.tagall/config.yaml
	Credentials string // ~/.tagall/credentials, owned by the backend
	Logs        string // ~/.tagall/logs
	Data        string // ~/.tagall/data
}

// ResolvePaths computes all standard paths from the home directory.
// If TAGALL_HOME is set, it overrides the default base directory.
func ResolvePaths() (Paths, error) {
	base := os.Getenv("TAGALL_HOME")
	if base == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return Paths{}, err
		}
		base = filepath.Join(home, defaultBaseDir)
	}

	return Paths{
		Base:        base,
		Config:      filepath.Join(base, "config.yaml"),
		Credentials: filepath.Join(base, "credentials"),
		Logs:        filepath.Join(base, "logs"),
		Data:        filepath.Join(base, "data"),
	}, nil
}

// Database returns the default audit database location.
func (p Paths) Database() string {
	return filepath.Join(p.Data, "tagall.db")
}

// EnsureDirs creates all standard directories if they don't exist.
func (p Paths) EnsureDirs() error {
	dirs := []string{p.Base, p.Credentials, p.Logs, p.Data}
	for _, d := range dirs {
		if err := os.MkdirAll(d, 0o700); err != nil {
			return err
		}
	}
	return nil
}

// blockedKeys are keys that must never appear in config paths.
var blockedKeys = map[string]bool{
	"__proto__":   true,
	"prototype":   true,
	"constructor": true,
}

// ParseConfigPath splits a dot-separated config path into segments.
// Returns an error if any segment is blocked or empty.
func ParseConfigPath(raw string) ([]string, error) {
	if raw == "" {
		return nil, &ConfigError{Message: "empty config path"}
	}
	parts := strings.Split(raw, ".")
	for _, p := range parts {
		if p == "" {
			return nil, &ConfigError{Message: "config path contains empty segment"}
		}
		if blockedKeys[p] {
			return nil, &ConfigError{Message: "config path contains blocked key: " + p}
		}
	}
	return parts, nil
}

// GetValueAtPath traverses a nested map using the given path segments.
func GetValueAtPath(root map[string]any, path []string) (any, bool) {
	parent, ok := walk(root, path, false)
	if !ok {
		return nil, false
	}
	v, ok := parent[path[len(path)-1]]
	return v, ok
}

// SetValueAtPath sets a value in a nested map, creating intermediate maps
// as needed. A scalar in the way is replaced by a map.
func SetValueAtPath(root map[string]any, path []string, value any) {
	if parent, ok := walk(root, path, true); ok {
		parent[path[len(path)-1]] = value
	}
}

// UnsetValueAtPath removes a value at the given path. Returns true if removed.
func UnsetValueAtPath(root map[string]any, path []string) bool {
	parent, ok := walk(root, path, false)
	if !ok {
		return false
	}
	last := path[len(path)-1]
	if _, ok := parent[last]; !ok {
		return false
	}
	delete(parent, last)
	return true
}

// walk returns the map holding the final segment of path.
func walk(root map[string]any, path []string, create bool) (map[string]any, bool) {
	if len(path) == 0 {
		return nil, false
	}
	current := root
	for _, key := range path[:len(path)-1] {
		next, ok := current[key].(map[string]any)
		if !ok {
			if !create {
				return nil, false
			}
			next = map[string]any{}
			current[key] = next
		}
		current = next
	}
	return current, true
}
