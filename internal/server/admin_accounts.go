package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/claudegate/claudegate/internal/account"
	"github.com/claudegate/claudegate/internal/api"
)

// accountView is the admin representation; credentials never leave the store
// in responses, only their derived auth type.
type accountView struct {
	OrganizationUUID string                 `json:"organization_uuid"`
	AuthType         account.AuthType       `json:"auth_type"`
	Capabilities     []account.Capability   `json:"capabilities"`
	PreferredAuth    account.AuthPreference `json:"preferred_auth"`
	Cooldowns        map[string]time.Time   `json:"cooldowns,omitempty"`
	UsageCount       int64                  `json:"usage_count"`
	LastUsedAt       *time.Time             `json:"last_used_at,omitempty"`
	CreatedAt        time.Time              `json:"created_at"`
	UpdatedAt        time.Time              `json:"updated_at"`
	OAuthInvalid     bool                   `json:"oauth_invalid,omitempty"`
	SessionsLive     int                    `json:"sessions_live"`
}

func (s *Server) viewOf(a *account.Account) accountView {
	v := accountView{
		OrganizationUUID: a.OrganizationUUID,
		AuthType:         a.AuthType(),
		Capabilities:     a.Capabilities,
		PreferredAuth:    a.PreferredAuth,
		Cooldowns:        a.Cooldowns,
		UsageCount:       a.UsageCount,
		LastUsedAt:       a.LastUsedAt,
		CreatedAt:        a.CreatedAt,
		UpdatedAt:        a.UpdatedAt,
		SessionsLive:     s.sessions.Count(a.OrganizationUUID),
	}
	if a.OAuth != nil {
		v.OAuthInvalid = a.OAuth.Invalid
	}
	return v
}

func (s *Server) handleListAccounts(w http.ResponseWriter, r *http.Request) {
	list := s.accounts.List()
	views := make([]accountView, 0, len(list))
	for _, a := range list {
		views = append(views, s.viewOf(a))
	}
	writeJSON(w, http.StatusOK, views)
}

func (s *Server) handleGetAccount(w http.ResponseWriter, r *http.Request) {
	a, ok := s.accounts.Get(r.PathValue("id"))
	if !ok {
		api.WriteError(w, api.NewError(api.CodeRequestInvalid, "account not found"))
		return
	}
	writeJSON(w, http.StatusOK, s.viewOf(a))
}

type accountInput struct {
	OrganizationUUID string                 `json:"organization_uuid"`
	CookieValue      string                 `json:"cookie_value,omitempty"`
	Capabilities     []account.Capability   `json:"capabilities,omitempty"`
	PreferredAuth    account.AuthPreference `json:"preferred_auth,omitempty"`
}

// handleCreateAccounts accepts one account (cookie paste) or a list (batch
// import).
func (s *Server) handleCreateAccounts(w http.ResponseWriter, r *http.Request) {
	body, err := readBody(r)
	if err != nil {
		api.WriteError(w, api.NewError(api.CodeRequestInvalid, "unreadable body"))
		return
	}

	var inputs []accountInput
	if err := json.Unmarshal(body, &inputs); err != nil {
		var one accountInput
		if err := json.Unmarshal(body, &one); err != nil {
			api.WriteError(w, api.NewError(api.CodeRequestInvalid, "invalid account payload"))
			return
		}
		inputs = []accountInput{one}
	}

	var created []accountView
	for _, in := range inputs {
		caps := in.Capabilities
		if len(caps) == 0 {
			caps = []account.Capability{account.CapChat}
		}
		a := &account.Account{
			OrganizationUUID: in.OrganizationUUID,
			CookieValue:      in.CookieValue,
			Capabilities:     caps,
			PreferredAuth:    in.PreferredAuth,
		}
		if err := s.accounts.Create(a); err != nil {
			if errors.Is(err, account.ErrExists) {
				api.WriteError(w, api.NewError(api.CodeRequestInvalid, "account %s already exists", in.OrganizationUUID))
				return
			}
			api.WriteError(w, api.NewError(api.CodeRequestInvalid, "%v", err))
			return
		}
		stored, _ := s.accounts.Get(in.OrganizationUUID)
		created = append(created, s.viewOf(stored))
	}
	writeJSON(w, http.StatusCreated, created)
}

func (s *Server) handleUpdateAccount(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	body, err := readBody(r)
	if err != nil {
		api.WriteError(w, api.NewError(api.CodeRequestInvalid, "unreadable body"))
		return
	}

	var in struct {
		CookieValue   *string                 `json:"cookie_value"`
		Capabilities  *[]account.Capability   `json:"capabilities"`
		PreferredAuth *account.AuthPreference `json:"preferred_auth"`
	}
	if err := json.Unmarshal(body, &in); err != nil {
		api.WriteError(w, api.NewError(api.CodeRequestInvalid, "invalid payload"))
		return
	}

	updated, err := s.accounts.Update(id, func(a *account.Account) error {
		if in.CookieValue != nil {
			a.CookieValue = *in.CookieValue
		}
		if in.Capabilities != nil {
			for _, c := range *in.Capabilities {
				if !account.ValidCapability(c) {
					return errors.New("invalid capability " + string(c))
				}
			}
			a.Capabilities = *in.Capabilities
		}
		if in.PreferredAuth != nil {
			a.PreferredAuth = *in.PreferredAuth
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, account.ErrNotFound) {
			api.WriteError(w, api.NewError(api.CodeRequestInvalid, "account not found"))
			return
		}
		api.WriteError(w, api.NewError(api.CodeRequestInvalid, "%v", err))
		return
	}
	writeJSON(w, http.StatusOK, s.viewOf(updated))
}

func (s *Server) handleDeleteAccount(w http.ResponseWriter, r *http.Request) {
	if err := s.accounts.Delete(r.PathValue("id")); err != nil {
		api.WriteError(w, api.NewError(api.CodeRequestInvalid, "account not found"))
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"deleted": true})
}

func (s *Server) handleAuthorizeURL(w http.ResponseWriter, r *http.Request) {
	url, verifier, state, err := s.auth.GenerateAuthURL()
	if err != nil {
		api.WriteError(w, api.NewError(api.CodeInternal, "%v", err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"authorize_url": url,
		"pkce_verifier": verifier,
		"state":         state,
	})
}

func (s *Server) handleOAuthExchange(w http.ResponseWriter, r *http.Request) {
	body, err := readBody(r)
	if err != nil {
		api.WriteError(w, api.NewError(api.CodeRequestInvalid, "unreadable body"))
		return
	}
	var in struct {
		OrganizationUUID string               `json:"organization_uuid"`
		Code             string               `json:"code"`
		PKCEVerifier     string               `json:"pkce_verifier"`
		Capabilities     []account.Capability `json:"capabilities"`
	}
	if err := json.Unmarshal(body, &in); err != nil || in.OrganizationUUID == "" || in.Code == "" {
		api.WriteError(w, api.NewError(api.CodeRequestInvalid, "organization_uuid and code required"))
		return
	}

	acct, err := s.auth.ExchangeCode(r.Context(), in.OrganizationUUID, in.Code, in.PKCEVerifier, in.Capabilities)
	if err != nil {
		api.WriteError(w, api.NewError(api.CodeUpstreamTransient, "oauth exchange failed: %v", err))
		return
	}
	writeJSON(w, http.StatusOK, s.viewOf(acct))
}

func (s *Server) handleReauthenticate(w http.ResponseWriter, r *http.Request) {
	acct, err := s.auth.ExchangeFromCookie(r.Context(), r.PathValue("id"))
	if err != nil {
		if errors.Is(err, account.ErrNotFound) {
			api.WriteError(w, api.NewError(api.CodeRequestInvalid, "account not found"))
			return
		}
		api.WriteError(w, api.NewError(api.CodeUpstreamTransient, "reauthentication failed: %v", err))
		return
	}
	writeJSON(w, http.StatusOK, s.viewOf(acct))
}
