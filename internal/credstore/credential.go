// Package credstore implements durable persistence for the single active
// third-party credential across heterogeneous storage backends.
package credstore

import "time"

// Credential is the managed secret: the provider-issued access token, the
// longer-lived refresh token used to renew it, and the absolute expiry of the
// access token. Updates are always wholesale replacements; no field is ever
// mutated in place.
type Credential struct {
	AccessToken  string    `json:"access_token"`
	TokenType    string    `json:"token_type,omitempty"`
	RefreshToken string    `json:"refresh_token"`
	Scope        string    `json:"scope,omitempty"`
	ExpiresAt    time.Time `json:"expires_at"`
}

// Valid reports whether the access token is still usable at the given time,
// with skew subtracted from the stated expiry so callers refresh before the
// provider actually starts rejecting it.
func (c *Credential) Valid(at time.Time, skew time.Duration) bool {
	if c == nil || c.AccessToken == "" {
		return false
	}
	return at.Before(c.ExpiresAt.Add(-skew))
}
