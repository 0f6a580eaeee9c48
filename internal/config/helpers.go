package config

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/iancoleman/strcase"
)

// EnvPrefix is the prefix of environment variables read into the config.
const EnvPrefix = "RELAY__"

// SearchForConfig recursively searches for a config file starting from
// startDir and walking up the directory tree until found or reaching the root.
func SearchForConfig(filename string, startDir string) string {
	d, err := filepath.Abs(startDir)
	if err != nil {
		return ""
	}

	p := filepath.Join(d, filename)
	if _, err = os.Stat(p); err == nil {
		return p
	}

	parentDir := filepath.Dir(d)
	if parentDir == d {
		return ""
	}
	return SearchForConfig(filename, parentDir)
}

// TransformEnv converts RELAY__AUTH__SIGNING_KEY to auth.signingKey.
//
//   - The RELAY__ prefix is removed
//   - Double underscores (__) become dots (.)
//   - Each segment is converted to lower camel case
func TransformEnv(s string) string {
	s = strings.ToLower(strings.TrimPrefix(s, EnvPrefix))
	segments := strings.Split(s, "__")
	for i, segment := range segments {
		segments[i] = strcase.ToLowerCamel(segment)
	}
	return strings.Join(segments, ".")
}
