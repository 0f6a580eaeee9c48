package google

import (
	"encoding/json"
	"io"
	"strconv"

	"github.com/dpup/authrelay/errors"
	"github.com/dpup/authrelay/provider"
)

// Profile endpoint queried with the user's access token.
const userInfoEndpoint = "https://www.googleapis.com/oauth2/v3/userinfo"

// UserInfo is the subset of the Google profile the relay uses. The same shape
// is returned by the userinfo endpoint and found in ID token claims.
type UserInfo struct {
	ID            string `json:"sub"`
	Email         string `json:"email"`
	EmailVerified *bool  `json:"email_verified,omitempty"`
	Name          string `json:"name"`
	GivenName     string `json:"given_name"`
	FamilyName    string `json:"family_name"`
	Picture       string `json:"picture"`
	Locale        string `json:"locale"`
	Hd            string `json:"hd"`
}

// IsConfirmed returns true if Google reports the email as verified.
func (u *UserInfo) IsConfirmed() bool {
	return u.EmailVerified != nil && *u.EmailVerified
}

// Identity converts the profile to a provider identity. Only identifiers are
// kept.
func (u *UserInfo) Identity() provider.Identity {
	return provider.Identity{
		ExternalID:    u.ID,
		Email:         u.Email,
		EmailVerified: u.IsConfirmed(),
		Name:          u.Name,
		Provider:      ProviderName,
	}
}

// UserInfoFromJSON decodes a userinfo response body.
func UserInfoFromJSON(r io.Reader) (*UserInfo, error) {
	var u UserInfo
	if err := json.NewDecoder(io.LimitReader(r, 1<<20)).Decode(&u); err != nil {
		return nil, errors.Cause(provider.ErrRejected, errors.Errorf("google: failed to decode user info: %s", err))
	}
	return &u, nil
}

// UserInfoFromClaims builds a profile from ID token claims. Google encodes
// email_verified as a bool, or as a string in older tokens.
func UserInfoFromClaims(claims map[string]interface{}) (*UserInfo, error) {
	sub, ok := claims["sub"].(string)
	if !ok || sub == "" {
		return nil, errors.Cause(provider.ErrRejected, errors.New("google: id token has no subject"))
	}
	u := &UserInfo{
		ID:         sub,
		Email:      stringClaim(claims, "email"),
		Name:       stringClaim(claims, "name"),
		GivenName:  stringClaim(claims, "given_name"),
		FamilyName: stringClaim(claims, "family_name"),
		Picture:    stringClaim(claims, "picture"),
		Locale:     stringClaim(claims, "locale"),
		Hd:         stringClaim(claims, "hd"),
	}
	switch v := claims["email_verified"].(type) {
	case bool:
		u.EmailVerified = &v
	case string:
		if b, err := strconv.ParseBool(v); err == nil {
			u.EmailVerified = &b
		}
	}
	return u, nil
}

func stringClaim(claims map[string]interface{}, key string) string {
	s, _ := claims[key].(string)
	return s
}
