// Package outbound posts serialized webhook payloads to callback URLs.
package outbound

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	neturl "net/url"
	"syscall"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/Strob0t/sentry-webhooks/internal/version"
)

// DefaultTimeout bounds a single delivery when no timeout is configured.
const DefaultTimeout = 3 * time.Second

// maxDrain caps how much of a response body is read before closing it.
const maxDrain = 64 << 10

// StatusError reports a response outside the 2xx range, redirects included.
type StatusError struct {
	StatusCode int
	Location   string
}

func (e *StatusError) Error() string {
	if e.Location != "" {
		return fmt.Sprintf("webhook responded %d (redirect to %s not followed)", e.StatusCode, e.Location)
	}
	return fmt.Sprintf("webhook responded %d", e.StatusCode)
}

// Result describes one delivery attempt.
type Result struct {
	URL        string
	StatusCode int
	Duration   time.Duration
	Err        error
}

// OK reports whether the target accepted the payload.
func (r Result) OK() bool { return r.Err == nil }

// Sender performs single POST deliveries without following redirects.
type Sender struct {
	client    *http.Client
	userAgent string
	timeout   time.Duration
}

// Option configures a Sender.
type Option func(*Sender)

// WithTimeout overrides DefaultTimeout.
func WithTimeout(d time.Duration) Option {
	return func(s *Sender) {
		if d > 0 {
			s.timeout = d
		}
	}
}

// WithUserAgent overrides the version-derived User-Agent.
func WithUserAgent(ua string) Option {
	return func(s *Sender) {
		if ua != "" {
			s.userAgent = ua
		}
	}
}

// WithTransport replaces the base round tripper (tests, custom dialers).
func WithTransport(rt http.RoundTripper) Option {
	return func(s *Sender) {
		s.client.Transport = otelhttp.NewTransport(rt)
	}
}

// WithDialControl installs control as the dialer's Control hook, so every
// connection is checked against the address really dialed. Proxies are
// disabled: with a proxy the dialed address would be the proxy's.
func WithDialControl(control func(network, address string, c syscall.RawConn) error) Option {
	return func(s *Sender) {
		base := http.DefaultTransport.(*http.Transport).Clone()
		base.Proxy = nil
		base.DialContext = (&net.Dialer{
			Timeout:   30 * time.Second,
			KeepAlive: 30 * time.Second,
			Control:   control,
		}).DialContext
		s.client.Transport = otelhttp.NewTransport(base)
	}
}

// NewSender creates a Sender with an instrumented transport.
func NewSender(opts ...Option) *Sender {
	s := &Sender{
		client: &http.Client{
			Transport: otelhttp.NewTransport(http.DefaultTransport),
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		userAgent: version.UserAgent(),
		timeout:   DefaultTimeout,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Timeout returns the per-delivery deadline.
func (s *Sender) Timeout() time.Duration { return s.timeout }

// Send posts body to url once. Every failure is reported in Result.Err.
func (s *Sender) Send(ctx context.Context, url string, body []byte) Result {
	start := time.Now()
	res := Result{URL: url}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		res.Err = fmt.Errorf("webhook request: %w", withoutURL(err))
		res.Duration = time.Since(start)
		return res
	}
	req.Header.Set("User-Agent", s.userAgent)
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req) //nolint:gosec // target validated against disallowed networks by caller
	if err != nil {
		res.Err = fmt.Errorf("webhook send: %w", withoutURL(err))
		res.Duration = time.Since(start)
		return res
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxDrain))

	res.StatusCode = resp.StatusCode
	res.Duration = time.Since(start)
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		res.Err = &StatusError{StatusCode: resp.StatusCode, Location: resp.Header.Get("Location")}
	}
	return res
}

// withoutURL drops the *url.Error wrapper, whose message repeats the full
// webhook URL including any token in its path.
func withoutURL(err error) error {
	var ue *neturl.Error
	if errors.As(err, &ue) {
		return ue.Err
	}
	return err
}
