package claudeweb

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/google/uuid"

	"github.com/claudegate/claudegate/internal/account"
	"github.com/claudegate/claudegate/internal/transport"
)

const userAgent = "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/131.0.0.0 Safari/537.36"

// Client drives the scraped web interface over the browser-emulating
// transport. All requests carry the account's session cookie.
type Client struct {
	web     *transport.Client
	baseURL string
}

func New(web *transport.Client, baseURL string) *Client {
	return &Client{web: web, baseURL: baseURL}
}

// Enabled reports whether the fingerprinted transport variant is available.
func (c *Client) Enabled() bool { return c != nil && c.web != nil }

// CreateConversation opens a new upstream conversation and returns its id.
func (c *Client) CreateConversation(ctx context.Context, acct *account.Account) (string, error) {
	id := uuid.NewString()
	body, _ := json.Marshal(map[string]string{"uuid": id, "name": ""})

	resp, err := c.web.Do(ctx, &transport.Request{
		Method: http.MethodPost,
		URL:    fmt.Sprintf("%s/api/organizations/%s/chat_conversations", c.baseURL, acct.OrganizationUUID),
		Header: c.headers(acct, false),
		Body:   body,
	})
	if err != nil {
		return "", err
	}
	respBody, err := resp.Body.ReadAll(ctx)
	if err != nil {
		return "", err
	}
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return "", &StatusError{Status: resp.StatusCode, Body: respBody}
	}
	return id, nil
}

// DeleteConversation removes an upstream conversation.
func (c *Client) DeleteConversation(ctx context.Context, acct *account.Account, convID string) error {
	resp, err := c.web.Do(ctx, &transport.Request{
		Method: http.MethodDelete,
		URL:    fmt.Sprintf("%s/api/organizations/%s/chat_conversations/%s", c.baseURL, acct.OrganizationUUID, convID),
		Header: c.headers(acct, false),
	})
	if err != nil {
		return err
	}
	respBody, err := resp.Body.ReadAll(ctx)
	if err != nil {
		return err
	}
	if resp.StatusCode >= 300 && resp.StatusCode != http.StatusNotFound {
		return &StatusError{Status: resp.StatusCode, Body: respBody}
	}
	return nil
}

// SendCompletion posts the synthetic transcript as a single user turn and
// returns the streaming response. Status handling is the caller's.
func (c *Client) SendCompletion(ctx context.Context, acct *account.Account, convID, prompt string, fileIDs []string) (*transport.Response, error) {
	payload := map[string]any{
		"prompt":         prompt,
		"attachments":    []any{},
		"files":          fileIDs,
		"rendering_mode": "raw",
	}
	if fileIDs == nil {
		payload["files"] = []string{}
	}
	body, _ := json.Marshal(payload)

	return c.web.Do(ctx, &transport.Request{
		Method: http.MethodPost,
		URL:    fmt.Sprintf("%s/api/organizations/%s/chat_conversations/%s/completion", c.baseURL, acct.OrganizationUUID, convID),
		Header: c.headers(acct, true),
		Body:   body,
		Stream: true,
	})
}

// UploadImage uploads image bytes out-of-band and returns the upstream file
// id to reference from a completion.
func (c *Client) UploadImage(ctx context.Context, acct *account.Account, mediaType string, data string) (string, error) {
	body, _ := json.Marshal(map[string]string{
		"file_name": uuid.NewString(),
		"file_type": mediaType,
		"data":      data,
	})

	resp, err := c.web.Do(ctx, &transport.Request{
		Method: http.MethodPost,
		URL:    fmt.Sprintf("%s/api/organizations/%s/upload", c.baseURL, acct.OrganizationUUID),
		Header: c.headers(acct, false),
		Body:   body,
	})
	if err != nil {
		return "", err
	}
	respBody, err := resp.Body.ReadAll(ctx)
	if err != nil {
		return "", err
	}
	if resp.StatusCode != http.StatusOK {
		return "", &StatusError{Status: resp.StatusCode, Body: respBody}
	}

	var out struct {
		FileUUID string `json:"file_uuid"`
	}
	if err := json.Unmarshal(respBody, &out); err != nil {
		return "", fmt.Errorf("parse upload response: %w", err)
	}
	if out.FileUUID == "" {
		return "", fmt.Errorf("upload returned no file_uuid")
	}
	return out.FileUUID, nil
}

func (c *Client) headers(acct *account.Account, stream bool) http.Header {
	h := make(http.Header)
	h.Set("Content-Type", "application/json")
	h.Set("Cookie", "sessionKey="+acct.CookieValue)
	h.Set("Origin", c.baseURL)
	h.Set("Referer", c.baseURL+"/chats")
	h.Set("User-Agent", userAgent)
	if stream {
		h.Set("Accept", "text/event-stream")
	} else {
		h.Set("Accept", "application/json")
	}
	return h
}

// StatusError is a non-2xx answer from the web interface.
type StatusError struct {
	Status int
	Body   []byte
}

func (e *StatusError) Error() string {
	b := e.Body
	if len(b) > 200 {
		b = b[:200]
	}
	return fmt.Sprintf("web interface returned %d: %s", e.Status, b)
}
