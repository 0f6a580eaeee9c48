// Package config holds the registry of known configuration keys, their
// defaults, and the helpers used to load and validate them with koanf.
package config

import (
	"sort"
	"strings"
	"sync"

	"github.com/agnivade/levenshtein"
)

// KeyInfo contains metadata about a known configuration key.
type KeyInfo struct {
	Key         string      // The full config key path (e.g., "server.port")
	Description string      // Human-readable description of what this config does
	Type        string      // Type hint: "string", "int", "bool", "duration", "[]string", etc.
	Default     interface{} // Optional default value
	Required    bool        // If true, loading fails when the key is empty
	Secret      bool        // If true, the value is never printed
	Deprecated  bool        // If true, this key is deprecated
	ReplacedBy  string      // If deprecated, the new key to use instead
}

// Registry holds all known configuration keys.
type Registry struct {
	mu   sync.RWMutex
	keys map[string]KeyInfo
}

// NewRegistry returns a registry populated with the given keys.
func NewRegistry(infos ...KeyInfo) *Registry {
	r := &Registry{keys: make(map[string]KeyInfo, len(infos))}
	r.Register(infos...)
	return r
}

// Register adds keys to the registry, replacing existing entries.
func (r *Registry) Register(infos ...KeyInfo) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, info := range infos {
		r.keys[info.Key] = info
	}
}

// RegisterDeprecated registers a deprecated configuration key and its
// replacement.
func (r *Registry) RegisterDeprecated(oldKey, newKey string) {
	r.Register(KeyInfo{
		Key:        oldKey,
		Deprecated: true,
		ReplacedBy: newKey,
	})
}

// Lookup returns metadata for a registered config key.
func (r *Registry) Lookup(key string) (KeyInfo, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	info, exists := r.keys[key]
	return info, exists
}

// Keys returns all registered config keys sorted alphabetically.
func (r *Registry) Keys() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	keys := make([]string, 0, len(r.keys))
	for k := range r.keys {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Defaults returns a map of all registered config keys with their default
// values. Only keys that have a non-nil Default value are included.
func (r *Registry) Defaults() map[string]interface{} {
	r.mu.RLock()
	defer r.mu.RUnlock()

	defaults := make(map[string]interface{})
	for key, info := range r.keys {
		if info.Default != nil {
			defaults[key] = info.Default
		}
	}
	return defaults
}

// Required returns the registered keys that must have a value.
func (r *Registry) Required() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []string
	for key, info := range r.keys {
		if info.Required {
			out = append(out, key)
		}
	}
	sort.Strings(out)
	return out
}

// Similar finds registered keys that are similar to the given key. Returns up
// to maxResults keys sorted by similarity (most similar first).
//
// Keys within an edit distance of 3 are candidates. Keys sharing the same
// namespace get a one point bonus.
func (r *Registry) Similar(key string, maxResults int) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	type scored struct {
		key   string
		score int // Lower is better
	}

	var candidates []scored
	keyPrefix := getPrefix(key)

	for registeredKey, info := range r.keys {
		if info.Deprecated {
			continue
		}
		score := similarity(key, registeredKey, keyPrefix)
		if score <= 3 {
			candidates = append(candidates, scored{registeredKey, score})
		}
	}

	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].score == candidates[j].score {
			return candidates[i].key < candidates[j].key
		}
		return candidates[i].score < candidates[j].score
	})

	result := make([]string, 0, maxResults)
	for i := 0; i < len(candidates) && i < maxResults; i++ {
		result = append(result, candidates[i].key)
	}
	return result
}

// hasRegisteredPrefix checks if any registered key is a namespace of the given
// key, which allows free-form maps under a registered key.
func (r *Registry) hasRegisteredPrefix(key string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	parts := strings.Split(key, ".")
	for i := len(parts) - 1; i > 0; i-- {
		if _, exists := r.keys[strings.Join(parts[:i], ".")]; exists {
			return true
		}
	}
	return false
}

// similarity returns a similarity score between two keys, lower is more
// similar.
func similarity(key1, key2, key1Prefix string) int {
	distance := levenshtein.ComputeDistance(key1, key2)
	if key1Prefix != "" && key1Prefix == getPrefix(key2) && distance > 0 {
		distance--
	}
	return distance
}

// getPrefix extracts the prefix of a hierarchical key.
// For "server.security.hstsExpiration", returns "server.security"
func getPrefix(key string) string {
	lastDot := strings.LastIndex(key, ".")
	if lastDot == -1 {
		return ""
	}
	return key[:lastDot]
}
