package config

import (
	"fmt"
	"strings"

	"github.com/knadh/koanf/v2"
)

// ValidationWarning represents a configuration warning for unknown or
// potentially misspelled keys.
type ValidationWarning struct {
	Key         string
	Suggestions []string
}

func (w ValidationWarning) String() string {
	msg := fmt.Sprintf("'%s' is not a known config key", w.Key)
	switch len(w.Suggestions) {
	case 0:
	case 1:
		msg += fmt.Sprintf(". Did you mean '%s'?", w.Suggestions[0])
	default:
		msg += ". Did you mean one of these?\n"
		for _, suggestion := range w.Suggestions {
			msg += fmt.Sprintf("    - %s\n", suggestion)
		}
	}
	return msg
}

// Validate checks all loaded configuration keys against the registry and
// returns warnings for unknown or deprecated keys, with suggestions.
func (r *Registry) Validate(k *koanf.Koanf) []ValidationWarning {
	var warnings []ValidationWarning

	for _, key := range k.Keys() {
		if info, exists := r.Lookup(key); exists {
			if info.Deprecated {
				warnings = append(warnings, ValidationWarning{
					Key:         key,
					Suggestions: []string{info.ReplacedBy},
				})
			}
			continue
		}
		if r.hasRegisteredPrefix(key) {
			continue
		}
		warnings = append(warnings, ValidationWarning{
			Key:         key,
			Suggestions: r.Similar(key, 3),
		})
	}

	return warnings
}

// MissingRequired returns the required keys that have no value in k.
func (r *Registry) MissingRequired(k *koanf.Koanf) []string {
	var missing []string
	for _, key := range r.Required() {
		if strings.TrimSpace(k.String(key)) == "" {
			missing = append(missing, key)
		}
	}
	return missing
}

// FormatWarnings formats validation warnings into a readable message.
func FormatWarnings(warnings []ValidationWarning) string {
	if len(warnings) == 0 {
		return ""
	}

	var sb strings.Builder
	sb.WriteString("configuration warnings detected:\n")
	for _, warning := range warnings {
		lines := strings.Split(warning.String(), "\n")
		for i, line := range lines {
			if line == "" {
				continue
			}
			if i == 0 {
				sb.WriteString(fmt.Sprintf("  - %s\n", line))
			} else {
				sb.WriteString(fmt.Sprintf("    %s\n", line))
			}
		}
	}
	return sb.String()
}
