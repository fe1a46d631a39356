package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/claudegate/claudegate/internal/account"
	"github.com/claudegate/claudegate/internal/api"
	"github.com/claudegate/claudegate/internal/scheduler"
	"github.com/claudegate/claudegate/internal/toolcall"
	"github.com/claudegate/claudegate/internal/websession"
)

// quotaError marks an upstream rate-limit observation; the engine reacts by
// cooling the (account, model) pair down and re-selecting.
type quotaError struct {
	accountID  string
	retryAfter time.Duration
}

func (e *quotaError) Error() string {
	return fmt.Sprintf("upstream quota on account %s (retry after %s)", e.accountID, e.retryAfter)
}

// excludeError marks an account as unusable for this request (auth loss,
// repeated transient failures); the engine excludes it and re-selects.
type excludeError struct {
	accountID string
	cause     error
}

func (e *excludeError) Error() string {
	return fmt.Sprintf("account %s unusable: %v", e.accountID, e.cause)
}

func (e *excludeError) Unwrap() error { return e.cause }

// toAPIError maps any pipeline failure onto the client-facing taxonomy.
func toAPIError(err error) *api.Error {
	var ae *api.Error
	if errors.As(err, &ae) {
		return ae
	}

	switch {
	case errors.Is(err, scheduler.ErrNoAccount):
		return api.NewError(api.CodeNoAccountAvailable, "no account available for the requested model")
	case errors.Is(err, websession.ErrSessionBusy):
		return api.NewError(api.CodeSessionBusy, "conversation already in use, retry shortly")
	case errors.Is(err, websession.ErrSessionExhausted):
		return api.NewError(api.CodeSessionExhausted, "account session limit reached, retry later")
	case errors.Is(err, websession.ErrConversationGone):
		return api.NewError(api.CodeUnknownToolCall, "originating conversation no longer exists")
	case errors.Is(err, toolcall.ErrUnknownToolCall):
		return api.NewError(api.CodeUnknownToolCall, "tool_use id is not registered or has expired")
	case errors.Is(err, account.ErrRefreshFailed):
		return api.NewError(api.CodeUpstreamTransient, "upstream authentication unavailable")
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return api.NewError(api.CodeStreamCut, "request cancelled")
	}

	var qe *quotaError
	if errors.As(err, &qe) {
		return api.NewError(api.CodeUpstreamQuota, "upstream rate limit, retry later")
	}

	return api.NewError(api.CodeUpstreamTransient, "upstream request failed")
}
