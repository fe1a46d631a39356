package pipeline

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/claudegate/claudegate/internal/adapt"
	"github.com/claudegate/claudegate/internal/api"
	"github.com/claudegate/claudegate/internal/claudeweb"
	"github.com/claudegate/claudegate/internal/scheduler"
	"github.com/claudegate/claudegate/internal/transport"
)

// claudeWebStage dispatches through the scraped web interface: acquire the
// conversation for this logical session, flatten the history into the
// synthetic transcript, upload images out-of-band, and stream the completion.
type claudeWebStage struct{}

func (claudeWebStage) Name() string { return "claude-web" }
func (claudeWebStage) Kind() Kind   { return KindDispatch }

func (claudeWebStage) Matches(pc *Context) bool { return pc.Transport == scheduler.TransportWeb }

func (claudeWebStage) Dispatch(ctx context.Context, pc *Context) error {
	if !pc.svc.Web.Enabled() {
		return api.NewError(api.CodeNoAccountAvailable, "web transport disabled")
	}

	var conv = pc.Conversation
	var err error
	if conv == nil {
		if pc.pinConversationID != "" {
			conv, err = pc.svc.Sessions.AcquireByUpstreamID(pc.Account.OrganizationUUID, pc.pinConversationID)
		} else {
			conv, err = pc.svc.Sessions.Acquire(ctx, pc.Account, pc.Fingerprint)
		}
		if err != nil {
			return err
		}
		pc.Conversation = conv
	}

	snap := pc.svc.Settings.Get()
	prompt, images := adapt.BuildTranscript(pc.Req, adapt.TranscriptOptions{
		HumanName:     snap.HumanName,
		AssistantName: snap.AssistantName,
		UseRealRoles:  snap.UseRealRoles,
		PadtxtLength:  snap.PadtxtLength,
	})

	var fileIDs []string
	for _, img := range images {
		if img.Type != "base64" {
			// External URLs were validated earlier; they ride along inside
			// the transcript placeholder and need no upload.
			continue
		}
		if !validBase64(img.Data) {
			return api.NewError(api.CodeRequestInvalid, "image data is not valid base64")
		}
		id, err := pc.svc.Web.UploadImage(ctx, pc.Account, img.MediaType, img.Data)
		if err != nil {
			pc.svc.Sessions.Release(conv, pc.svc.Tracker.HasPendingFor(conv.UpstreamID))
			pc.Conversation = nil
			return webDispatchError(pc, err)
		}
		fileIDs = append(fileIDs, id)
	}

	op := func() (*transport.Response, error) {
		resp, err := pc.svc.Web.SendCompletion(ctx, pc.Account, conv.UpstreamID, prompt, fileIDs)
		if err != nil {
			return nil, err
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
		pc.svc.Sessions.Release(conv, pc.svc.Tracker.HasPendingFor(conv.UpstreamID))
		pc.Conversation = nil
		return err
	}

	pc.upstream = resp
	pc.format = wireWeb
	return nil
}

func webDispatchError(pc *Context, err error) error {
	var se *claudeweb.StatusError
	if errors.As(err, &se) {
		return classifyUpstreamStatus(pc, se.Status, http.Header{}, se.Body)
	}
	return fmt.Errorf("web dispatch: %w", err)
}

func validBase64(s string) bool {
	_, err := base64.StdEncoding.DecodeString(s)
	return err == nil
}
