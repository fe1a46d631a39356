package websession

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/claudegate/claudegate/internal/account"
	"github.com/claudegate/claudegate/internal/config"
	"github.com/claudegate/claudegate/internal/events"
)

var (
	// ErrSessionBusy: the conversation-key is already held by a pipeline.
	ErrSessionBusy = errors.New("session busy")
	// ErrSessionExhausted: the account is at its concurrent-conversation cap.
	ErrSessionExhausted = errors.New("session exhausted")
	// ErrConversationGone: a pinned conversation no longer exists locally.
	ErrConversationGone = errors.New("conversation gone")
)

// ConversationClient is the upstream surface the manager needs.
type ConversationClient interface {
	CreateConversation(ctx context.Context, acct *account.Account) (string, error)
	DeleteConversation(ctx context.Context, acct *account.Account, convID string) error
}

// Conversation is one live upstream web conversation. Field access is guarded
// by the owning account's lock.
type Conversation struct {
	AccountID    string
	Key          string
	UpstreamID   string
	LastActivity time.Time
	active       bool

	acct *account.Account
}

// Account returns the credential snapshot the conversation was opened with.
func (c *Conversation) Account() *account.Account { return c.acct }

type accountSessions struct {
	mu    sync.Mutex
	convs map[string]*Conversation // conversation-key → conversation
}

// Manager maps (account, conversation-key) to live upstream conversations,
// enforces the per-account cap, and reaps idle conversations.
type Manager struct {
	mu        sync.RWMutex
	byAccount map[string]*accountSessions

	client   ConversationClient
	settings *config.Settings
	bus      *events.Bus
}

func NewManager(client ConversationClient, settings *config.Settings, bus *events.Bus) *Manager {
	return &Manager{
		byAccount: make(map[string]*accountSessions),
		client:    client,
		settings:  settings,
		bus:       bus,
	}
}

func (m *Manager) accountFor(id string) *accountSessions {
	m.mu.Lock()
	defer m.mu.Unlock()
	as, ok := m.byAccount[id]
	if !ok {
		as = &accountSessions{convs: make(map[string]*Conversation)}
		m.byAccount[id] = as
	}
	return as
}

// Acquire returns the live conversation for (account, key), opening one
// upstream when none exists. It fails fast: a key in active use returns
// ErrSessionBusy, an account at capacity returns ErrSessionExhausted.
func (m *Manager) Acquire(ctx context.Context, acct *account.Account, key string) (*Conversation, error) {
	as := m.accountFor(acct.OrganizationUUID)
	max := m.settings.Get().MaxSessionsPerAccount

	as.mu.Lock()
	if conv, ok := as.convs[key]; ok {
		if conv.active {
			as.mu.Unlock()
			return nil, ErrSessionBusy
		}
		conv.active = true
		conv.LastActivity = time.Now()
		conv.acct = acct.Clone()
		as.mu.Unlock()
		return conv, nil
	}
	if len(as.convs) >= max {
		as.mu.Unlock()
		return nil, ErrSessionExhausted
	}
	// Reserve the slot before the upstream round-trip so concurrent
	// acquires see the cap and the key as taken.
	conv := &Conversation{
		AccountID:    acct.OrganizationUUID,
		Key:          key,
		LastActivity: time.Now(),
		active:       true,
		acct:         acct.Clone(),
	}
	as.convs[key] = conv
	as.mu.Unlock()

	upstreamID, err := m.client.CreateConversation(ctx, acct)
	as.mu.Lock()
	if err != nil {
		delete(as.convs, key)
		as.mu.Unlock()
		return nil, err
	}
	conv.UpstreamID = upstreamID
	as.mu.Unlock()

	if m.bus != nil {
		m.bus.Publish(events.Event{
			Type:      events.EventSessionOpen,
			AccountID: acct.OrganizationUUID,
			Message:   "conversation opened",
		})
	}
	return conv, nil
}

// AcquireByUpstreamID pins a request to an existing conversation, used when a
// tool_result message must continue the turn that produced the tool call.
func (m *Manager) AcquireByUpstreamID(accountID, upstreamID string) (*Conversation, error) {
	m.mu.RLock()
	as, ok := m.byAccount[accountID]
	m.mu.RUnlock()
	if !ok {
		return nil, ErrConversationGone
	}

	as.mu.Lock()
	defer as.mu.Unlock()
	for _, conv := range as.convs {
		if conv.UpstreamID != upstreamID {
			continue
		}
		if conv.active {
			return nil, ErrSessionBusy
		}
		conv.active = true
		conv.LastActivity = time.Now()
		return conv, nil
	}
	return nil, ErrConversationGone
}

// Release marks the conversation idle. With keep=false the conversation is
// removed and deleted upstream regardless of the preserve-chats option; the
// option only governs the sweeper.
func (m *Manager) Release(conv *Conversation, keep bool) {
	as := m.accountFor(conv.AccountID)

	as.mu.Lock()
	conv.active = false
	conv.LastActivity = time.Now()
	if keep {
		as.mu.Unlock()
		return
	}
	delete(as.convs, conv.Key)
	as.mu.Unlock()

	go m.deleteUpstream(conv)
}

// Count returns the number of live conversations held by an account.
func (m *Manager) Count(accountID string) int {
	m.mu.RLock()
	as, ok := m.byAccount[accountID]
	m.mu.RUnlock()
	if !ok {
		return 0
	}
	as.mu.Lock()
	defer as.mu.Unlock()
	return len(as.convs)
}

// Run drives the periodic sweeper until ctx is canceled.
func (m *Manager) Run(ctx context.Context) {
	for {
		interval := m.settings.Get().SweepInterval()
		select {
		case <-ctx.Done():
			return
		case <-time.After(interval):
			m.sweep(time.Now())
		}
	}
}

// sweep removes conversations idle past the timeout. When preserve-chats is
// set only the local entry is dropped and the upstream conversation is left
// intact. Errors are logged and never stop the loop.
func (m *Manager) sweep(now time.Time) {
	snap := m.settings.Get()
	idle := snap.IdleTimeout()

	m.mu.RLock()
	all := make([]*accountSessions, 0, len(m.byAccount))
	for _, as := range m.byAccount {
		all = append(all, as)
	}
	m.mu.RUnlock()

	for _, as := range all {
		var reaped []*Conversation
		as.mu.Lock()
		for key, conv := range as.convs {
			if conv.active {
				continue
			}
			if now.Sub(conv.LastActivity) < idle {
				continue
			}
			delete(as.convs, key)
			reaped = append(reaped, conv)
		}
		as.mu.Unlock()

		for _, conv := range reaped {
			if !snap.PreserveChats {
				m.deleteUpstream(conv)
			}
			if m.bus != nil {
				m.bus.Publish(events.Event{
					Type:      events.EventSessionReap,
					AccountID: conv.AccountID,
					Message:   "idle conversation reaped",
				})
			}
		}
	}
}

func (m *Manager) deleteUpstream(conv *Conversation) {
	if conv.UpstreamID == "" || conv.acct == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := m.client.DeleteConversation(ctx, conv.acct, conv.UpstreamID); err != nil {
		slog.Warn("upstream conversation delete failed",
			"accountId", conv.AccountID, "conversationId", conv.UpstreamID, "error", err)
	}
}
