package config

import (
	"testing"

	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidate(t *testing.T) {
	r := testRegistry()
	r.Register(KeyInfo{Key: "provider.extra", Type: "map"})
	r.RegisterDeprecated("auth.secret", "auth.signingKey")

	k := koanf.New(".")
	require.NoError(t, k.Load(confmap.Provider(map[string]interface{}{
		"server.port":          8000,
		"server.prot":          9000,
		"auth.secret":          "x",
		"provider.extra.hd":    "example.com",
		"totally.unknown.conf": true,
	}, "."), nil))

	warnings := r.Validate(k)

	byKey := map[string]ValidationWarning{}
	for _, w := range warnings {
		byKey[w.Key] = w
	}
	assert.Len(t, byKey, 3)
	assert.Equal(t, []string{"server.port"}, byKey["server.prot"].Suggestions[:1])
	assert.Equal(t, []string{"auth.signingKey"}, byKey["auth.secret"].Suggestions)
	assert.Contains(t, byKey, "totally.unknown.conf")
	assert.NotContains(t, byKey, "provider.extra.hd", "keys under a registered namespace are allowed")
}

func TestMissingRequired(t *testing.T) {
	r := testRegistry()
	k := koanf.New(".")
	assert.Equal(t, []string{"auth.signingKey"}, r.MissingRequired(k))

	require.NoError(t, k.Load(confmap.Provider(map[string]interface{}{"auth.signingKey": "s3cret"}, "."), nil))
	assert.Empty(t, r.MissingRequired(k))
}

func TestFormatWarnings(t *testing.T) {
	assert.Empty(t, FormatWarnings(nil))

	out := FormatWarnings([]ValidationWarning{
		{Key: "server.prot", Suggestions: []string{"server.port"}},
		{Key: "x", Suggestions: []string{"a", "b"}},
	})
	assert.Contains(t, out, "  - 'server.prot' is not a known config key. Did you mean 'server.port'?")
	assert.Contains(t, out, "    - a")
}
