package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/claudegate/claudegate/internal/api"
	"github.com/claudegate/claudegate/internal/events"
	"github.com/claudegate/claudegate/internal/scheduler"
	"github.com/claudegate/claudegate/internal/transport"
)

const oauthBetaHeader = "oauth-2025-04-20"

// claudeAPIStage dispatches over the official OAuth API. Retries are bounded
// to the window before any byte reaches the client: only the initial POST is
// retried, never an open stream.
type claudeAPIStage struct{}

func (claudeAPIStage) Name() string { return "claude-api" }
func (claudeAPIStage) Kind() Kind   { return KindDispatch }

func (claudeAPIStage) Matches(pc *Context) bool { return pc.Transport == scheduler.TransportOAuth }

func (claudeAPIStage) Dispatch(ctx context.Context, pc *Context) error {
	token, err := pc.svc.Auth.AccessToken(ctx, pc.Account.OrganizationUUID)
	if err != nil {
		return &excludeError{accountID: pc.Account.OrganizationUUID, cause: err}
	}

	body, err := buildAPIBody(pc.Req)
	if err != nil {
		return api.NewError(api.CodeInternal, "marshal upstream request")
	}

	hdr := make(http.Header)
	hdr.Set("Content-Type", "application/json")
	hdr.Set("Accept", "text/event-stream")
	hdr.Set("Authorization", "Bearer "+token)
	hdr.Set("anthropic-version", pc.svc.Config.ClaudeAPIVersion)
	hdr.Set("anthropic-beta", oauthBetaHeader)

	op := func() (*transport.Response, error) {
		resp, err := pc.svc.API.Do(ctx, &transport.Request{
			Method: http.MethodPost,
			URL:    pc.svc.Config.ClaudeAPIURL,
			Header: hdr,
			Body:   body,
			Stream: true,
		})
		if err != nil {
			return nil, err // connect failures are retryable
		}
		if resp.StatusCode == http.StatusOK {
			return resp, nil
		}

		errBody, _ := resp.Body.ReadAll(ctx)
		resp.Body.Close()
		return nil, classifyUpstreamStatus(pc, resp.StatusCode, resp.Header, errBody)
	}

	expo := backoff.NewExponentialBackOff()
	expo.InitialInterval = 500 * time.Millisecond
	resp, err := backoff.Retry(ctx, op,
		backoff.WithBackOff(expo),
		backoff.WithMaxTries(uint(pc.svc.Config.Retries)),
	)
	if err != nil {
		return err
	}

	pc.upstream = resp
	pc.format = wireAPI
	return nil
}

// buildAPIBody translates the client request to the provider's native shape.
// The upstream is always streamed; the terminal stages decide what the client
// sees.
func buildAPIBody(req *api.MessagesRequest) ([]byte, error) {
	up := *req
	up.Stream = true
	return json.Marshal(&up)
}

// classifyUpstreamStatus converts a non-200 dispatch answer into the retry
// taxonomy: quota observations cool the account down and force re-selection,
// auth losses exclude the account, 5xx retries in place, anything else is
// fatal.
func classifyUpstreamStatus(pc *Context, status int, hdr http.Header, body []byte) error {
	switch {
	case status == http.StatusTooManyRequests:
		retryAfter := parseRetryAfter(hdr)
		until := time.Now().Add(retryAfter)
		_ = pc.svc.Accounts.MarkCooldown(pc.Account.OrganizationUUID, pc.Req.Model, until)
		if pc.svc.Bus != nil {
			pc.svc.Bus.Publish(events.Event{
				Type:      events.EventCooldown,
				AccountID: pc.Account.OrganizationUUID,
				Model:     pc.Req.Model,
				Message:   "upstream rate limit, cooling down until " + until.UTC().Format(time.RFC3339),
			})
		}
		return backoff.Permanent(&quotaError{accountID: pc.Account.OrganizationUUID, retryAfter: retryAfter})

	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return backoff.Permanent(&excludeError{
			accountID: pc.Account.OrganizationUUID,
			cause:     fmt.Errorf("upstream auth rejected (%d)", status),
		})

	case status >= 500:
		return fmt.Errorf("upstream %d: %s", status, truncateBytes(body, 120))

	default:
		return backoff.Permanent(api.NewError(api.CodeUpstreamFatal, "upstream rejected the request (%d)", status))
	}
}

func parseRetryAfter(hdr http.Header) time.Duration {
	if v := hdr.Get("Retry-After"); v != "" {
		if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
			return time.Duration(secs) * time.Second
		}
	}
	return 60 * time.Second
}

func truncateBytes(b []byte, max int) string {
	if len(b) <= max {
		return string(b)
	}
	return string(b[:max]) + "..."
}
