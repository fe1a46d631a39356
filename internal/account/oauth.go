package account

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/claudegate/claudegate/internal/config"
	"github.com/claudegate/claudegate/internal/events"
	"github.com/claudegate/claudegate/internal/transport"
)

var (
	ErrExchangeFailed = errors.New("oauth exchange failed")
	ErrRefreshFailed  = errors.New("oauth refresh failed")
	ErrNoOAuth        = errors.New("account has no oauth bundle")
)

const oauthScope = "org:create_api_key user:profile user:inference"

// Authenticator exchanges authorization codes for token bundles, bootstraps
// OAuth from a session cookie, and refreshes expired bundles on demand.
// Concurrent refreshes for one account collapse onto a single network call.
type Authenticator struct {
	store *Store
	cfg   *config.Config
	plain *transport.Client
	web   *transport.Client // fingerprinted; nil when the variant is unavailable
	bus   *events.Bus

	group singleflight.Group
	skew  time.Duration
}

func NewAuthenticator(store *Store, cfg *config.Config, plain, web *transport.Client, bus *events.Bus) *Authenticator {
	return &Authenticator{
		store: store,
		cfg:   cfg,
		plain: plain,
		web:   web,
		bus:   bus,
		skew:  60 * time.Second,
	}
}

// tokenResponse is the provider's token endpoint response.
type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int    `json:"expires_in"`
	Scope        string `json:"scope"`
}

func (t *tokenResponse) bundle(now time.Time) *TokenBundle {
	var scopes []string
	if t.Scope != "" {
		scopes = strings.Fields(t.Scope)
	}
	return &TokenBundle{
		AccessToken:  t.AccessToken,
		RefreshToken: t.RefreshToken,
		ExpiresAt:    now.Add(time.Duration(t.ExpiresIn) * time.Second).UTC(),
		Scopes:       scopes,
	}
}

// GenerateAuthURL creates a PKCE-secured authorization URL for the manual
// browser flow. The verifier and state must be echoed back on exchange.
func (a *Authenticator) GenerateAuthURL() (authURL, verifier, state string, err error) {
	verifier, challenge, err := generatePKCE()
	if err != nil {
		return "", "", "", fmt.Errorf("generate PKCE: %w", err)
	}
	state = randomToken()

	params := url.Values{
		"code":                  {"true"},
		"client_id":             {a.cfg.OAuthClientID},
		"response_type":         {"code"},
		"redirect_uri":          {a.cfg.OAuthRedirectURI},
		"scope":                 {oauthScope},
		"state":                 {state},
		"code_challenge":        {challenge},
		"code_challenge_method": {"S256"},
	}
	return a.cfg.OAuthAuthorizeURL + "?" + params.Encode(), verifier, state, nil
}

// ExchangeCode posts the authorization-code grant, attaches the resulting
// bundle to the organization's account (creating it when needed), and assigns
// capabilities.
func (a *Authenticator) ExchangeCode(ctx context.Context, org, code, verifier string, caps []Capability) (*Account, error) {
	tok, err := a.postTokenGrant(ctx, map[string]string{
		"grant_type":    "authorization_code",
		"client_id":     a.cfg.OAuthClientID,
		"code":          ExtractCode(code),
		"redirect_uri":  a.cfg.OAuthRedirectURI,
		"code_verifier": verifier,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrExchangeFailed, err)
	}

	bundle := tok.bundle(time.Now())
	if _, ok := a.store.Get(org); ok {
		return a.store.Update(org, func(acct *Account) error {
			acct.OAuth = bundle
			if len(caps) > 0 {
				acct.Capabilities = caps
			}
			return nil
		})
	}

	acct := &Account{
		OrganizationUUID: org,
		OAuth:            bundle,
		Capabilities:     caps,
		PreferredAuth:    PreferAuto,
	}
	if err := a.store.Create(acct); err != nil {
		return nil, err
	}
	created, _ := a.store.Get(org)
	return created, nil
}

// ExchangeFromCookie runs the provider's authorization flow headlessly using
// the account's session cookie over the browser-emulating transport, then
// completes the code exchange. Used by the admin bootstrap path and on demand
// when a web-only account first needs API features.
func (a *Authenticator) ExchangeFromCookie(ctx context.Context, accountID string) (*Account, error) {
	if a.web == nil {
		return nil, fmt.Errorf("%w: web transport unavailable", ErrExchangeFailed)
	}
	acct, ok := a.store.Get(accountID)
	if !ok {
		return nil, ErrNotFound
	}
	if acct.CookieValue == "" {
		return nil, fmt.Errorf("%w: account has no cookie", ErrExchangeFailed)
	}

	verifier, challenge, err := generatePKCE()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrExchangeFailed, err)
	}

	body, _ := json.Marshal(map[string]any{
		"response_type":         "code",
		"client_id":             a.cfg.OAuthClientID,
		"redirect_uri":          a.cfg.OAuthRedirectURI,
		"scope":                 oauthScope,
		"state":                 randomToken(),
		"code_challenge":        challenge,
		"code_challenge_method": "S256",
		"organization_uuid":     acct.OrganizationUUID,
	})
	hdr := make(http.Header)
	hdr.Set("Content-Type", "application/json")
	hdr.Set("Accept", "application/json")
	hdr.Set("Cookie", "sessionKey="+acct.CookieValue)

	resp, err := a.web.Do(ctx, &transport.Request{
		Method: http.MethodPost,
		URL:    a.cfg.OAuthAuthorizeURL,
		Header: hdr,
		Body:   body,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrExchangeFailed, err)
	}
	respBody, err := resp.Body.ReadAll(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrExchangeFailed, err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: authorize returned %d: %s", ErrExchangeFailed, resp.StatusCode, truncate(respBody, 200))
	}

	var authz struct {
		RedirectURI string `json:"redirect_uri"`
	}
	if err := json.Unmarshal(respBody, &authz); err != nil {
		return nil, fmt.Errorf("%w: parse authorize response: %w", ErrExchangeFailed, err)
	}
	code := ExtractCode(authz.RedirectURI)
	if code == "" {
		return nil, fmt.Errorf("%w: no code in authorize response", ErrExchangeFailed)
	}

	return a.ExchangeCode(ctx, acct.OrganizationUUID, code, verifier, nil)
}

// AccessToken returns a valid access token for the account, refreshing first
// when the bundle is expired or about to expire.
func (a *Authenticator) AccessToken(ctx context.Context, accountID string) (string, error) {
	acct, ok := a.store.Get(accountID)
	if !ok {
		return "", ErrNotFound
	}
	if acct.OAuth == nil || acct.OAuth.AccessToken == "" {
		return "", ErrNoOAuth
	}
	if acct.OAuth.Invalid {
		return "", ErrRefreshFailed
	}
	if !acct.OAuth.Expired(time.Now(), a.skew) {
		return acct.OAuth.AccessToken, nil
	}
	return a.Refresh(ctx, accountID)
}

// Refresh replaces the bundle via the refresh grant. Concurrent callers for
// the same account wait on a single in-flight network refresh.
func (a *Authenticator) Refresh(ctx context.Context, accountID string) (string, error) {
	v, err, _ := a.group.Do(accountID, func() (any, error) {
		token, err := a.refresh(ctx, accountID)
		return token, err
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

func (a *Authenticator) refresh(ctx context.Context, accountID string) (string, error) {
	acct, ok := a.store.Get(accountID)
	if !ok {
		return "", ErrNotFound
	}
	if acct.OAuth == nil || acct.OAuth.RefreshToken == "" {
		return "", ErrNoOAuth
	}
	// A queued caller may arrive just after the previous flight finished.
	if !acct.OAuth.Invalid && !acct.OAuth.Expired(time.Now(), a.skew) {
		return acct.OAuth.AccessToken, nil
	}

	tok, err := a.postTokenGrant(ctx, map[string]string{
		"grant_type":    "refresh_token",
		"refresh_token": acct.OAuth.RefreshToken,
		"client_id":     a.cfg.OAuthClientID,
	})
	if err != nil {
		_, _ = a.store.Update(accountID, func(acct *Account) error {
			if acct.OAuth != nil {
				acct.OAuth.Invalid = true
			}
			return nil
		})
		if a.bus != nil {
			a.bus.Publish(events.Event{Type: events.EventRefreshFailed, AccountID: accountID, Message: err.Error()})
			a.bus.Publish(events.Event{Type: events.EventAccountDemoted, AccountID: accountID, Message: "oauth refresh failed, web transport only"})
		}
		return "", fmt.Errorf("%w: %w", ErrRefreshFailed, err)
	}

	bundle := tok.bundle(time.Now())
	if bundle.RefreshToken == "" {
		bundle.RefreshToken = acct.OAuth.RefreshToken
	}
	if _, err := a.store.Update(accountID, func(acct *Account) error {
		acct.OAuth = bundle
		return nil
	}); err != nil {
		return "", err
	}
	if a.bus != nil {
		a.bus.Publish(events.Event{Type: events.EventTokenRefresh, AccountID: accountID, Message: "token refreshed"})
	}
	return bundle.AccessToken, nil
}

func (a *Authenticator) postTokenGrant(ctx context.Context, grant map[string]string) (*tokenResponse, error) {
	body, _ := json.Marshal(grant)

	hdr := make(http.Header)
	hdr.Set("Content-Type", "application/json")
	hdr.Set("Accept", "application/json")

	resp, err := a.plain.Do(ctx, &transport.Request{
		Method: http.MethodPost,
		URL:    a.cfg.OAuthTokenURL,
		Header: hdr,
		Body:   body,
	})
	if err != nil {
		return nil, err
	}
	respBody, err := resp.Body.ReadAll(ctx)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("token endpoint returned %d: %s", resp.StatusCode, truncate(respBody, 200))
	}

	var tok tokenResponse
	if err := json.Unmarshal(respBody, &tok); err != nil {
		return nil, fmt.Errorf("parse token response: %w", err)
	}
	if tok.AccessToken == "" {
		return nil, errors.New("empty access_token in response")
	}
	return &tok, nil
}

// ExtractCode pulls the authorization code out of a callback URL or a raw
// pasted code string.
func ExtractCode(callback string) string {
	s := strings.TrimSpace(callback)
	if s == "" {
		return ""
	}

	parsed, err := url.Parse(s)
	if err != nil || parsed.Scheme == "" {
		// Raw code input may carry fragments or params like "code#state".
		if i := strings.IndexAny(s, "#&?"); i >= 0 {
			s = s[:i]
		}
		return strings.TrimSpace(strings.TrimPrefix(s, "code="))
	}
	if code := parsed.Query().Get("code"); code != "" {
		return code
	}
	return strings.TrimSpace(s)
}

// --- PKCE helpers ---

func generatePKCE() (verifier, challenge string, err error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", "", err
	}
	verifier = base64.RawURLEncoding.EncodeToString(b)
	h := sha256.Sum256([]byte(verifier))
	challenge = base64.RawURLEncoding.EncodeToString(h[:])
	return verifier, challenge, nil
}

func randomToken() string {
	b := make([]byte, 32)
	rand.Read(b)
	return base64.RawURLEncoding.EncodeToString(b)
}

func truncate(b []byte, max int) string {
	if len(b) <= max {
		return string(b)
	}
	return string(b[:max]) + "..."
}
