// Package pool manages the upstream account credentials: durable storage,
// round-robin checkout, token refresh and permanent disablement.
package pool

import (
	"encoding/json"
	"time"
)

// expiryMargin is how long before the recorded expiry a token is already
// treated as stale, so requests never ride a token into its final seconds.
const expiryMargin = 5 * time.Minute

// Account is one upstream project identity with its refresh material and
// the currently cached short-lived access token.
type Account struct {
	ProjectID      string `json:"project_id"`
	RefreshToken   string `json:"refresh_token"`
	AccessToken    string `json:"access_token,omitempty"`
	ExpiresAt      int64  `json:"expires_at,omitempty"`
	Enabled        bool   `json:"enabled"`
	DisabledReason string `json:"disabled_reason,omitempty"`
	// SessionID scopes the correlation caches for requests served by this
	// account. Optional; assigned by external tooling.
	SessionID string `json:"session_id,omitempty"`
}

// UnmarshalJSON defaults Enabled to true when the field is absent, matching
// the persisted format where only disabled accounts carry the flag.
func (a *Account) UnmarshalJSON(data []byte) error {
	type accountAlias Account
	aux := struct {
		Enabled *bool `json:"enabled"`
		*accountAlias
	}{accountAlias: (*accountAlias)(a)}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	if aux.Enabled == nil {
		a.Enabled = true
	} else {
		a.Enabled = *aux.Enabled
	}
	return nil
}

// TokenExpired reports whether the cached access token is missing or within
// the safety margin of its expiry.
func (a *Account) TokenExpired(now time.Time) bool {
	if a.AccessToken == "" || a.ExpiresAt == 0 {
		return true
	}
	return a.ExpiresAt < now.Add(expiryMargin).Unix()
}
