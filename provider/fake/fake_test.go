package fake

import (
	"net/url"
	"testing"

	"github.com/dpup/authrelay/errors"
	"github.com/dpup/authrelay/provider"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAuthCodeURLPointsAtCallback(t *testing.T) {
	p := New("http://localhost:8082/auth/fake/callback", WithDefaultSubject("u1"))

	u, err := url.Parse(p.AuthCodeURL("st"))
	require.NoError(t, err)
	assert.Equal(t, "/auth/fake/callback", u.Path)
	assert.Equal(t, "u1", u.Query().Get("code"))
	assert.Equal(t, "st", u.Query().Get("state"))
}

func TestIdentify(t *testing.T) {
	custom := provider.Identity{ExternalID: "custom", Email: "c@x.com", Provider: ProviderName}
	p := New("", WithIdentity("special", custom))
	ctx := t.Context()

	id, err := p.Identify(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, "u1", id.ExternalID)
	assert.Equal(t, "u1@example.com", id.Email)

	id, err = p.Identify(ctx, "special")
	require.NoError(t, err)
	assert.Equal(t, custom, id)

	_, err = p.Identify(ctx, "")
	require.ErrorIs(t, err, provider.ErrMissingCode)
	assert.Equal(t, 3, p.Calls())
}

func TestFailWith(t *testing.T) {
	p := New("")
	p.FailWith(errors.Mark(provider.ErrRejected, 0))

	_, err := p.Identify(t.Context(), "u1")
	require.ErrorIs(t, err, provider.ErrRejected)

	p.FailWith(nil)
	_, err = p.Identify(t.Context(), "u1")
	require.NoError(t, err)
}
