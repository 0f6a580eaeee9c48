package provider

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"time"

	"github.com/dpup/authrelay/errors"
	"github.com/dpup/authrelay/token"
	"github.com/google/uuid"
)

// DefaultStateExpiration bounds how long a user may take at the provider.
const DefaultStateExpiration = 5 * time.Minute

// State is carried through the provider round trip in the `state` parameter.
// It is signed so the callback can be verified without server side storage.
type State struct {
	Nonce     string    `json:"n"`
	Provider  string    `json:"p"`
	TimeStamp time.Time `json:"t"`
	Signature string    `json:"sig,omitempty"`
}

func (s *State) encode() string {
	b, _ := json.Marshal(s)
	return base64.RawURLEncoding.EncodeToString(b)
}

// StateOption configures a StateCodec.
type StateOption func(*StateCodec)

// WithStateExpiration overrides DefaultStateExpiration.
func WithStateExpiration(d time.Duration) StateOption {
	return func(c *StateCodec) {
		if d > 0 {
			c.expiration = d
		}
	}
}

// WithStateClock replaces time.Now, for tests.
func WithStateClock(now func() time.Time) StateOption {
	return func(c *StateCodec) {
		c.now = now
	}
}

// StateCodec issues and verifies signed state values.
type StateCodec struct {
	key        []byte
	expiration time.Duration
	now        func() time.Time
}

// NewStateCodec derives a state signing key from secret. The key differs from
// the one used for session tokens.
func NewStateCodec(secret string, opts ...StateOption) (*StateCodec, error) {
	if secret == "" {
		return nil, errors.Mark(token.ErrMissingSecret, 0)
	}
	key, err := token.DeriveKey(secret, token.PurposeState)
	if err != nil {
		return nil, errors.Cause(token.ErrMissingSecret, err)
	}
	c := &StateCodec{
		key:        key,
		expiration: DefaultStateExpiration,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// New returns an encoded state for a login with the named provider.
func (c *StateCodec) New(providerName string) string {
	s := &State{
		Nonce:     uuid.NewString(),
		Provider:  providerName,
		TimeStamp: c.now().UTC(),
	}
	s.Signature = c.sign(s)
	return s.encode()
}

// Verify checks that raw was issued by this codec for providerName and has not
// expired.
func (c *StateCodec) Verify(raw, providerName string) (*State, error) {
	if raw == "" {
		return nil, errors.Cause(ErrInvalidState, errors.New("state parameter is empty"))
	}
	b, err := base64.RawURLEncoding.DecodeString(raw)
	if err != nil {
		return nil, errors.Cause(ErrInvalidState, errors.New("state parameter is not base64 encoded"))
	}
	var state State
	if err := json.Unmarshal(b, &state); err != nil {
		return nil, errors.Cause(ErrInvalidState, errors.New("state parameter json decode failed"))
	}

	actual, err := hex.DecodeString(state.Signature)
	if err != nil || !hmac.Equal(actual, c.mac(&state)) {
		return nil, errors.Cause(ErrInvalidState, errors.New("state parameter has invalid signature"))
	}
	if state.Provider != providerName {
		return nil, errors.Cause(ErrInvalidState, errors.Errorf("state was issued for provider %q", state.Provider))
	}
	if !c.now().Before(state.TimeStamp.Add(c.expiration)) {
		return nil, errors.Cause(ErrInvalidState, errors.New("state parameter has expired"))
	}
	return &state, nil
}

func (c *StateCodec) sign(s *State) string {
	return hex.EncodeToString(c.mac(s))
}

// mac signs the state with the signature field cleared.
func (c *StateCodec) mac(s *State) []byte {
	unsigned := *s
	unsigned.Signature = ""
	h := hmac.New(sha256.New, c.key)
	h.Write([]byte(unsigned.encode()))
	return h.Sum(nil)
}
