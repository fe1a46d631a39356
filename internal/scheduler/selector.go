package scheduler

import (
	"errors"
	"sort"
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/claudegate/claudegate/internal/account"
)

// Transport names the concrete upstream interface used for a request.
type Transport string

const (
	TransportOAuth Transport = "oauth"
	TransportWeb   Transport = "web"
)

// ErrNoAccount: no account admits the requested model on any transport.
var ErrNoAccount = errors.New("no account available")

// Options parameterize one selection.
type Options struct {
	Model       string
	Fingerprint string
	// PinAccountID/PinTransport force the choice (tool_result reentry).
	PinAccountID string
	PinTransport Transport
	// Exclude lists accounts that already failed during this request.
	Exclude []string
}

// Selector picks the (account, transport) pair for a request under
// capability, quota, and preference constraints, with a soft prompt-cache
// affinity preference.
type Selector struct {
	accounts   *account.Store
	affinity   *lru.Cache[string, string] // fingerprint → account id
	webEnabled bool
}

func New(accounts *account.Store, webEnabled bool) (*Selector, error) {
	aff, err := lru.New[string, string](4096)
	if err != nil {
		return nil, err
	}
	return &Selector{accounts: accounts, affinity: aff, webEnabled: webEnabled}, nil
}

// Select returns the account and transport for a request.
func (s *Selector) Select(opts Options) (*account.Account, Transport, error) {
	now := time.Now()

	if opts.PinAccountID != "" {
		acct, ok := s.accounts.Get(opts.PinAccountID)
		if !ok {
			return nil, "", ErrNoAccount
		}
		tr := opts.PinTransport
		if tr == "" {
			tr = TransportWeb
		}
		return acct, tr, nil
	}

	all := s.accounts.List()
	candidates := all[:0]
	for _, a := range all {
		if !contains(opts.Exclude, a.OrganizationUUID) {
			candidates = append(candidates, a)
		}
	}

	// OAuth first: native features and no connection pressure. Web is the
	// fallback transport.
	for _, tr := range []Transport{TransportOAuth, TransportWeb} {
		var pool []*account.Account
		for _, a := range candidates {
			if s.eligible(a, tr, opts.Model, now) {
				pool = append(pool, a)
			}
		}
		if len(pool) == 0 {
			continue
		}

		if acct := s.affinityPick(opts.Fingerprint, pool); acct != nil {
			return acct, tr, nil
		}

		sort.Slice(pool, func(i, j int) bool {
			if pool[i].UsageCount != pool[j].UsageCount {
				return pool[i].UsageCount < pool[j].UsageCount
			}
			ti, tj := lastUsed(pool[i]), lastUsed(pool[j])
			if !ti.Equal(tj) {
				return ti.Before(tj)
			}
			return pool[i].OrganizationUUID < pool[j].OrganizationUUID
		})
		return pool[0], tr, nil
	}

	return nil, "", ErrNoAccount
}

// RecordAffinity remembers which account served a request fingerprint so the
// next request in the same logical session hits the same prompt cache.
func (s *Selector) RecordAffinity(fingerprint, accountID string) {
	if fingerprint == "" || accountID == "" {
		return
	}
	s.affinity.Add(fingerprint, accountID)
}

func (s *Selector) affinityPick(fingerprint string, pool []*account.Account) *account.Account {
	if fingerprint == "" {
		return nil
	}
	id, ok := s.affinity.Get(fingerprint)
	if !ok {
		return nil
	}
	for _, a := range pool {
		if a.OrganizationUUID == id {
			return a
		}
	}
	return nil
}

func (s *Selector) eligible(a *account.Account, tr Transport, model string, now time.Time) bool {
	if a.CoolingDown(model, now) {
		return false
	}
	switch tr {
	case TransportOAuth:
		if a.OAuth == nil || a.OAuth.AccessToken == "" || a.OAuth.Invalid {
			return false
		}
		if a.PreferredAuth == account.PreferWeb {
			return false
		}
		return tierAdmits(a, model)
	case TransportWeb:
		if !s.webEnabled || a.CookieValue == "" {
			return false
		}
		// An oauth-preferring account still serves web when its bundle is
		// missing or unusable.
		if a.PreferredAuth == account.PreferOAuth &&
			a.OAuth != nil && a.OAuth.AccessToken != "" && !a.OAuth.Invalid {
			return false
		}
		return true
	}
	return false
}

// tierAdmits checks the capability tier the model requires over OAuth:
// Opus needs claude_max; Sonnet and Haiku need claude_pro or claude_max;
// everything else runs on the basic chat tier.
func tierAdmits(a *account.Account, model string) bool {
	lower := strings.ToLower(model)
	switch {
	case strings.Contains(lower, "opus"):
		return a.HasCapability(account.CapMax)
	case strings.Contains(lower, "sonnet"), strings.Contains(lower, "haiku"):
		return a.HasCapability(account.CapPro) || a.HasCapability(account.CapMax)
	}
	return a.HasCapability(account.CapChat) ||
		a.HasCapability(account.CapPro) || a.HasCapability(account.CapMax)
}

func lastUsed(a *account.Account) time.Time {
	if a.LastUsedAt == nil {
		return time.Time{}
	}
	return *a.LastUsedAt
}

func contains(list []string, item string) bool {
	for _, v := range list {
		if v == item {
			return true
		}
	}
	return false
}
