package account

import (
	"encoding/json"
	"time"
)

// Capability tags which model tiers an account may serve over OAuth.
type Capability string

const (
	CapChat Capability = "chat"
	CapPro  Capability = "claude_pro"
	CapMax  Capability = "claude_max"
)

// ValidCapability reports membership in the fixed capability enum.
func ValidCapability(c Capability) bool {
	return c == CapChat || c == CapPro || c == CapMax
}

// AuthPreference is the admin-chosen transport preference.
type AuthPreference string

const (
	PreferAuto  AuthPreference = "auto"
	PreferOAuth AuthPreference = "oauth"
	PreferWeb   AuthPreference = "web"
)

// AuthType is derived from which credentials an account holds.
type AuthType string

const (
	AuthNone AuthType = "none"
	AuthOAuth AuthType = "oauth"
	AuthWeb  AuthType = "web"
	AuthBoth AuthType = "both"
)

// TokenBundle is an OAuth credential set.
type TokenBundle struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token"`
	ExpiresAt    time.Time `json:"expires_at"`
	Scopes       []string  `json:"scopes,omitempty"`
	// Invalid is set when a refresh fails; the selector then avoids the
	// OAuth transport for this account until re-authentication.
	Invalid bool `json:"invalid,omitempty"`
}

// Expired reports whether the bundle needs a refresh, applying the skew so
// tokens are renewed shortly before their actual expiry.
func (b *TokenBundle) Expired(now time.Time, skew time.Duration) bool {
	return !now.Add(skew).Before(b.ExpiresAt)
}

// Account is one upstream organization with its credentials and quota state.
type Account struct {
	Version          int                  `json:"version"`
	OrganizationUUID string               `json:"organization_uuid"`
	CookieValue      string               `json:"cookie_value,omitempty"`
	OAuth            *TokenBundle         `json:"oauth,omitempty"`
	Capabilities     []Capability         `json:"capabilities"`
	PreferredAuth    AuthPreference       `json:"preferred_auth"`
	Cooldowns        map[string]time.Time `json:"cooldowns,omitempty"`
	UsageCount       int64                `json:"usage_count"`
	LastUsedAt       *time.Time           `json:"last_used_at,omitempty"`
	CreatedAt        time.Time            `json:"created_at"`
	UpdatedAt        time.Time            `json:"updated_at"`

	// Extra preserves fields written by newer versions across a round-trip.
	Extra map[string]json.RawMessage `json:"-"`
}

var knownAccountKeys = map[string]bool{
	"version": true, "organization_uuid": true, "cookie_value": true,
	"oauth": true, "capabilities": true, "preferred_auth": true,
	"cooldowns": true, "usage_count": true, "last_used_at": true,
	"created_at": true, "updated_at": true,
}

func (a *Account) UnmarshalJSON(data []byte) error {
	type alias Account
	var aa alias
	if err := json.Unmarshal(data, &aa); err != nil {
		return err
	}
	*a = Account(aa)

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	for k, v := range raw {
		if knownAccountKeys[k] {
			continue
		}
		if a.Extra == nil {
			a.Extra = make(map[string]json.RawMessage)
		}
		a.Extra[k] = v
	}
	return nil
}

func (a Account) MarshalJSON() ([]byte, error) {
	type alias Account
	data, err := json.Marshal(alias(a))
	if err != nil {
		return nil, err
	}
	if len(a.Extra) == 0 {
		return data, nil
	}
	var base map[string]json.RawMessage
	if err := json.Unmarshal(data, &base); err != nil {
		return nil, err
	}
	for k, v := range a.Extra {
		base[k] = v
	}
	return json.Marshal(base)
}

// AuthType derives the credential classification.
func (a *Account) AuthType() AuthType {
	hasOAuth := a.OAuth != nil && a.OAuth.AccessToken != ""
	hasCookie := a.CookieValue != ""
	switch {
	case hasOAuth && hasCookie:
		return AuthBoth
	case hasOAuth:
		return AuthOAuth
	case hasCookie:
		return AuthWeb
	}
	return AuthNone
}

// HasCapability reports whether the account carries the capability.
func (a *Account) HasCapability(c Capability) bool {
	for _, have := range a.Capabilities {
		if have == c {
			return true
		}
	}
	return false
}

// CoolingDown reports whether the (account, model) pair is inside its
// cooldown window.
func (a *Account) CoolingDown(model string, now time.Time) bool {
	until, ok := a.Cooldowns[model]
	return ok && now.Before(until)
}

// Clone returns a deep copy safe to hand to readers.
func (a *Account) Clone() *Account {
	c := *a
	if a.OAuth != nil {
		bundle := *a.OAuth
		bundle.Scopes = append([]string(nil), a.OAuth.Scopes...)
		c.OAuth = &bundle
	}
	c.Capabilities = append([]Capability(nil), a.Capabilities...)
	if a.Cooldowns != nil {
		c.Cooldowns = make(map[string]time.Time, len(a.Cooldowns))
		for k, v := range a.Cooldowns {
			c.Cooldowns[k] = v
		}
	}
	if a.LastUsedAt != nil {
		t := *a.LastUsedAt
		c.LastUsedAt = &t
	}
	if a.Extra != nil {
		c.Extra = make(map[string]json.RawMessage, len(a.Extra))
		for k, v := range a.Extra {
			c.Extra[k] = v
		}
	}
	return &c
}
