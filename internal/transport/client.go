package transport

import (
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"time"

	"golang.org/x/net/http2"
)

// Variant selects how the client presents itself on the wire.
type Variant int

const (
	// Plain uses ordinary TLS; suitable for the official API.
	Plain Variant = iota
	// Fingerprinted emulates a Chrome TLS hello and HTTP/2 settings;
	// required by the web interface.
	Fingerprinted
)

// Options carries the per-phase timeout knobs and the optional upstream proxy.
type Options struct {
	ProxyURL       string
	ConnectTimeout time.Duration
	ReadTimeout    time.Duration
	// OverallTimeout bounds non-streaming requests. Streaming requests are
	// bounded by connect + per-read only, so long completions survive.
	OverallTimeout time.Duration
}

// Request is a transport-level request.
type Request struct {
	Method string
	URL    string
	Header http.Header
	Body   []byte
	// Stream disables the overall timeout and keeps the body open for
	// chunked consumption.
	Stream bool
}

// Response pairs the response head with a cancellable chunk stream.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       *StreamBody
}

// Client issues requests over one wire variant.
type Client struct {
	variant Variant
	opts    Options
	httpc   *http.Client
}

func (c *Client) Variant() Variant { return c.variant }

// NewPlain builds an ordinary-TLS client.
func NewPlain(opts Options) (*Client, error) {
	dialer := &net.Dialer{Timeout: opts.ConnectTimeout}
	t := &http.Transport{
		DialContext:         dialer.DialContext,
		MaxIdleConnsPerHost: 4,
		IdleConnTimeout:     5 * time.Minute,
		ForceAttemptHTTP2:   true,
	}
	if opts.ProxyURL != "" {
		u, err := url.Parse(opts.ProxyURL)
		if err != nil {
			return nil, fmt.Errorf("proxy url: %w", err)
		}
		switch u.Scheme {
		case "socks5":
			t.DialContext = socks5NetDialer(u, opts.ConnectTimeout)
		default:
			t.Proxy = http.ProxyURL(u)
		}
	}
	return &Client{variant: Plain, opts: opts, httpc: &http.Client{Transport: t}}, nil
}

// NewFingerprinted builds the browser-emulating client: HTTP/2 over a utls
// Chrome ClientHello, optionally tunnelled through the upstream proxy.
func NewFingerprinted(opts Options) (*Client, error) {
	dialTLS := func(ctx context.Context, network, addr string, _ *tls.Config) (net.Conn, error) {
		if opts.ConnectTimeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, opts.ConnectTimeout)
			defer cancel()
		}
		return dialUTLS(ctx, network, addr)
	}
	if opts.ProxyURL != "" {
		u, err := url.Parse(opts.ProxyURL)
		if err != nil {
			return nil, fmt.Errorf("proxy url: %w", err)
		}
		pd, err := proxyDialer(u)
		if err != nil {
			return nil, err
		}
		dialTLS = func(ctx context.Context, network, addr string, _ *tls.Config) (net.Conn, error) {
			if opts.ConnectTimeout > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, opts.ConnectTimeout)
				defer cancel()
			}
			return pd(ctx, network, addr)
		}
	}
	t := &http2.Transport{DialTLSContext: dialTLS}
	return &Client{variant: Fingerprinted, opts: opts, httpc: &http.Client{Transport: t}}, nil
}

// Do executes the request. Failures before the response head are classified
// KindConnect; body failures are classified by the StreamBody.
func (c *Client) Do(ctx context.Context, r *Request) (*Response, error) {
	var cancel context.CancelFunc
	if !r.Stream && c.opts.OverallTimeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, c.opts.OverallTimeout)
	}

	var body *bytes.Reader
	if r.Body != nil {
		body = bytes.NewReader(r.Body)
	} else {
		body = bytes.NewReader(nil)
	}
	req, err := http.NewRequestWithContext(ctx, r.Method, r.URL, body)
	if err != nil {
		if cancel != nil {
			cancel()
		}
		return nil, &Error{Kind: KindConnect, Err: err}
	}
	if r.Header != nil {
		req.Header = r.Header.Clone()
	}

	resp, err := c.httpc.Do(req)
	if err != nil {
		if cancel != nil {
			cancel()
		}
		return nil, &Error{Kind: KindConnect, Err: err}
	}

	return &Response{
		StatusCode: resp.StatusCode,
		Header:     resp.Header,
		Body:       newStreamBody(resp.Body, c.opts.ReadTimeout, cancel),
	}, nil
}
