package pipeline

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/claudegate/claudegate/internal/api"
	"github.com/claudegate/claudegate/internal/scheduler"
)

// Kind tags a stage's capability; the runner drives each kind differently.
type Kind int

const (
	KindPre Kind = iota
	KindDispatch
	KindPost
	KindTerminal
)

// Stage is the shared surface of all pipeline stages.
type Stage interface {
	Name() string
	Kind() Kind
}

// PreStage mutates the request side of the context and may short-circuit.
type PreStage interface {
	Stage
	Prepare(ctx context.Context, pc *Context) error
}

// DispatchStage makes the upstream call and begins streaming. The dispatch
// stages are mutually exclusive on the transport decision.
type DispatchStage interface {
	Stage
	Matches(pc *Context) bool
	Dispatch(ctx context.Context, pc *Context) error
}

// PostStage transforms the event stream by wrapping its source.
type PostStage interface {
	Stage
	Wrap(pc *Context, src EventSource) EventSource
}

// TerminalStage consumes the stream and emits the client response.
type TerminalStage interface {
	Stage
	Matches(pc *Context) bool
	Emit(ctx context.Context, pc *Context, src EventSource) error
}

// Engine executes the fixed, ordered stage chain against a request context.
// The stage list is defined by construction; there is no discovery.
type Engine struct {
	svc    *Services
	stages []Stage
}

func NewEngine(svc *Services) *Engine {
	return &Engine{
		svc: svc,
		stages: []Stage{
			testMessageStage{},
			toolResultStage{},
			claudeAPIStage{},
			claudeWebStage{},
			eventParsingStage{},
			modelInjectorStage{},
			stopSequenceStage{},
			toolCallStage{},
			messageCollectorStage{},
			tokenCounterStage{},
			streamingResponseStage{},
			nonStreamingResponseStage{},
		},
	}
}

// Run executes the pipeline. A non-nil return means nothing has been written
// to the client yet and the caller must render the error; in-stream failures
// are terminated in-band by the terminal stage.
func (e *Engine) Run(ctx context.Context, pc *Context) (apiErr *api.Error) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("pipeline panic", "panic", r)
			apiErr = api.NewError(api.CodeInternal, "internal error")
		}
	}()

	for _, st := range e.stages {
		pre, ok := st.(PreStage)
		if !ok {
			continue
		}
		if err := pre.Prepare(ctx, pc); err != nil {
			return toAPIError(err)
		}
	}

	var src EventSource
	if pc.canned != nil {
		src = newSliceSource(pc.canned)
	} else {
		if err := e.dispatch(ctx, pc); err != nil {
			e.cleanup(ctx, pc, err)
			return toAPIError(err)
		}
		src = eventParsingStage{}.Source(pc)
	}
	for _, st := range e.stages {
		if post, ok := st.(PostStage); ok {
			if _, isParser := st.(eventParsingStage); isParser {
				continue
			}
			src = post.Wrap(pc, src)
		}
	}
	defer src.Close()

	var emitErr error
	for _, st := range e.stages {
		term, ok := st.(TerminalStage)
		if !ok || !term.Matches(pc) {
			continue
		}
		emitErr = term.Emit(ctx, pc, src)
		break
	}

	e.cleanup(ctx, pc, emitErr)

	if emitErr != nil && !pc.firstByteSent {
		return toAPIError(emitErr)
	}
	return nil
}

// dispatch selects an account and runs the matching dispatch stage, failing
// over to another candidate on quota observations and unusable accounts.
func (e *Engine) dispatch(ctx context.Context, pc *Context) error {
	pinned := pc.pinAccountID != ""
	var exclude []string
	var lastErr error

	attempts := pc.svc.Config.Retries
	if attempts < 1 {
		attempts = 1
	}
	for range attempts {
		if err := ctx.Err(); err != nil {
			return err
		}

		opts := scheduler.Options{
			Model:       pc.Req.Model,
			Fingerprint: pc.Fingerprint,
			Exclude:     exclude,
		}
		if pinned {
			opts.PinAccountID = pc.pinAccountID
			opts.PinTransport = scheduler.TransportWeb
		}
		acct, tr, err := pc.svc.Selector.Select(opts)
		if err != nil {
			if lastErr != nil {
				return lastErr
			}
			return err
		}
		pc.Account = acct
		pc.Transport = tr

		var ds DispatchStage
		for _, st := range e.stages {
			if d, ok := st.(DispatchStage); ok && d.Matches(pc) {
				ds = d
				break
			}
		}
		if ds == nil {
			return api.NewError(api.CodeInternal, "no dispatch stage for transport %s", tr)
		}

		err = ds.Dispatch(ctx, pc)
		if err == nil {
			return nil
		}
		lastErr = err

		if pinned {
			return err
		}

		var qe *quotaError
		var xe *excludeError
		switch {
		case errors.As(err, &qe):
			exclude = append(exclude, qe.accountID)
		case errors.As(err, &xe):
			exclude = append(exclude, xe.accountID)
			slog.Warn("account excluded for this request", "accountId", xe.accountID, "error", xe.cause)
		default:
			return err
		}
	}
	return lastErr
}

// cleanup releases the session, settles load-balancing state, and records
// usage. A cancelled or failed request without a pending tool call drops its
// conversation; one that emitted a tool_use keeps it so the tool_result can
// be delivered.
func (e *Engine) cleanup(ctx context.Context, pc *Context, emitErr error) {
	if pc.Conversation != nil {
		keep := true
		interrupted := ctx.Err() != nil || emitErr != nil
		if interrupted && !pc.toolUseEmitted &&
			!pc.svc.Tracker.HasPendingFor(pc.Conversation.UpstreamID) {
			keep = false
		}
		pc.svc.Sessions.Release(pc.Conversation, keep)
		pc.Conversation = nil
	}

	if pc.Account == nil || pc.format == wireNone {
		return
	}
	id := pc.Account.OrganizationUUID
	pc.svc.Accounts.NoteUse(id)
	pc.svc.Selector.RecordAffinity(pc.Fingerprint, id)

	if pc.svc.Stats != nil {
		statsCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		usage := pc.Collector.Usage
		if err := pc.svc.Stats.Record(statsCtx, id, pc.Req.Model, string(pc.Transport),
			usage.InputTokens, usage.OutputTokens); err != nil {
			slog.Warn("usage record failed", "error", err)
		}
	}
}
