package pipeline

import (
	"net/http"

	"github.com/claudegate/claudegate/internal/account"
	"github.com/claudegate/claudegate/internal/api"
	"github.com/claudegate/claudegate/internal/claudeweb"
	"github.com/claudegate/claudegate/internal/config"
	"github.com/claudegate/claudegate/internal/events"
	"github.com/claudegate/claudegate/internal/scheduler"
	"github.com/claudegate/claudegate/internal/stats"
	"github.com/claudegate/claudegate/internal/tokenizer"
	"github.com/claudegate/claudegate/internal/toolcall"
	"github.com/claudegate/claudegate/internal/transport"
	"github.com/claudegate/claudegate/internal/websession"
)

// Services are the process-wide collaborators handed to every pipeline run.
// Constructed once at startup; the pipeline never reaches for global state.
type Services struct {
	Accounts *account.Store
	Auth     *account.Authenticator
	Sessions *websession.Manager
	Tracker  *toolcall.Tracker
	Selector *scheduler.Selector
	Web      *claudeweb.Client
	API      *transport.Client
	Counter  *tokenizer.Counter
	Settings *config.Settings
	Config   *config.Config
	Stats    *stats.Store
	Bus      *events.Bus
}

// wireFormat tags which upstream wire shape the dispatch produced.
type wireFormat int

const (
	wireNone wireFormat = iota
	wireAPI
	wireWeb
)

// Context is the per-request record threaded through the stages.
type Context struct {
	Req         *api.MessagesRequest
	ClientKey   string
	Fingerprint string

	// Client connection; the terminal stages write to it.
	Writer http.ResponseWriter

	// Selection results.
	Account   *account.Account
	Transport scheduler.Transport

	// Web-mode state.
	Conversation      *websession.Conversation
	pinAccountID      string
	pinConversationID string

	// Short-circuit events produced by pre stages (probe, max_tokens=0).
	canned []api.StreamEvent

	// Dispatch results.
	upstream *transport.Response
	format   wireFormat

	// Accounting.
	InputTokens int
	Collector   *Collector

	toolUseEmitted bool
	firstByteSent  bool

	svc *Services
}

// NewContext builds the per-request context.
func NewContext(svc *Services, req *api.MessagesRequest, clientKey string, w http.ResponseWriter) *Context {
	return &Context{
		Req:       req,
		ClientKey: clientKey,
		Writer:    w,
		Collector: &Collector{},
		svc:       svc,
	}
}
