// Package proxy forwards matched requests to their route upstreams.
// Responses are fully buffered so the gateway can transform and cache
// them; retries replay the buffered request body.
package proxy

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"math/rand/v2"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rentora/apigw/internal/observability"
	"github.com/rentora/apigw/internal/router"
)

// hopHeaders are connection-scoped headers never forwarded in either
// direction.
var hopHeaders = []string{
	"Connection",
	"Proxy-Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

const (
	defaultMaxRequestBody = 1 << 20
	defaultBaseBackoff    = 100 * time.Millisecond
	defaultMaxBackoff     = 5 * time.Second
	backoffJitterFactor   = 0.25

	viaProduct = "rentora-apigw"
)

// Response is a fully buffered upstream response.
type Response struct {
	Status int
	Header http.Header
	Body   []byte
}

// Forwarder sends requests upstream over a shared transport.
type Forwarder struct {
	transport      http.RoundTripper
	logger         observability.Logger
	maxRequestBody int64
	baseBackoff    time.Duration
	maxBackoff     time.Duration
}

// Option configures a Forwarder.
type Option func(*Forwarder)

// WithLogger sets the forwarder logger.
func WithLogger(logger observability.Logger) Option {
	return func(f *Forwarder) {
		f.logger = logger
	}
}

// WithTransport overrides the upstream transport.
func WithTransport(transport http.RoundTripper) Option {
	return func(f *Forwarder) {
		f.transport = transport
	}
}

// WithMaxRequestBody caps the request body replay buffer.
func WithMaxRequestBody(n int64) Option {
	return func(f *Forwarder) {
		f.maxRequestBody = n
	}
}

// WithBackoff sets the retry backoff base and cap.
func WithBackoff(base, maxBackoff time.Duration) Option {
	return func(f *Forwarder) {
		f.baseBackoff = base
		f.maxBackoff = maxBackoff
	}
}

// NewForwarder creates a Forwarder with the default transport.
func NewForwarder(opts ...Option) *Forwarder {
	f := &Forwarder{
		transport:      NewTransport(nil),
		logger:         observability.NopLogger(),
		maxRequestBody: defaultMaxRequestBody,
		baseBackoff:    defaultBaseBackoff,
		maxBackoff:     defaultMaxBackoff,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Forward sends the request to the route's upstream and returns the
// buffered response. Transport errors, timeouts and 502/503/504
// responses are retried up to route.RetryCount times with exponential
// backoff, never past the route deadline.
func (f *Forwarder) Forward(ctx context.Context, route *router.Route, r *http.Request) (*Response, error) {
	target := UpstreamURL(route, r)

	if route.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, route.Timeout)
		defer cancel()
	}

	body, err := f.bufferBody(r)
	if err != nil {
		return nil, NewProxyError("buffer_body", route.ID, target.String(),
			"request body exceeds the replay buffer", err)
	}

	var lastErr error
	for attempt := 0; ; attempt++ {
		out, sent, buildErr := f.buildRequest(ctx, r, target, body)
		if buildErr != nil {
			return nil, NewProxyError("build_request", route.ID, target.String(),
				"failed to build upstream request", buildErr)
		}

		start := time.Now()
		resp, rtErr := f.transport.RoundTrip(out)
		recordUpstreamDuration(route.ServiceID(), time.Since(start))

		if rtErr != nil {
			lastErr = rtErr
			if attempt >= route.RetryCount || !retryableAfterTransportError(r.Method, sent.sent()) {
				return nil, f.classify(route, target, lastErr)
			}
		} else if !retryableStatus(resp.StatusCode) || attempt >= route.RetryCount {
			return f.readResponse(route, target, resp)
		}

		delay, ok := f.nextBackoff(ctx, attempt)
		if !ok {
			// No room for another attempt before the deadline.
			if rtErr == nil {
				return f.readResponse(route, target, resp)
			}
			return nil, f.classify(route, target, lastErr)
		}

		if rtErr == nil {
			lastErr = fmt.Errorf("upstream returned %d", resp.StatusCode)
			drainAndClose(resp.Body)
		}

		recordRetry(route.ID)
		f.logger.Debug("retrying upstream request",
			observability.String("route", route.ID),
			observability.Int("attempt", attempt+1),
			observability.Duration("backoff", delay),
			observability.Error(lastErr),
		)

		if err := f.sleep(ctx, delay); err != nil {
			return nil, f.classify(route, target, err)
		}
	}
}

// UpstreamURL builds the upstream URL for a request. Wildcard routes
// append the path remainder after the route prefix to the upstream
// path; exact routes forward the upstream path as configured. The
// query string passes through untouched.
func UpstreamURL(route *router.Route, r *http.Request) *url.URL {
	u := *route.Upstream
	if route.Wildcard() {
		u.Path = joinPath(route.Upstream.Path, route.StripPrefix(r.URL.Path))
	}
	if u.Path == "" {
		u.Path = "/"
	}
	u.RawQuery = r.URL.RawQuery
	u.Fragment = ""
	return &u
}

func joinPath(base, rest string) string {
	base = strings.TrimSuffix(base, "/")
	if rest == "" {
		if base == "" {
			return "/"
		}
		return base
	}
	return base + rest
}

// bufferBody reads the request body into memory so retries can replay
// it. Bodies over the cap are refused rather than silently truncated.
func (f *Forwarder) bufferBody(r *http.Request) ([]byte, error) {
	if r.Body == nil || r.Body == http.NoBody {
		return nil, nil
	}
	defer r.Body.Close()

	body, err := io.ReadAll(io.LimitReader(r.Body, f.maxRequestBody+1))
	if err != nil {
		return nil, fmt.Errorf("read request body: %w", err)
	}
	if int64(len(body)) > f.maxRequestBody {
		return nil, ErrBodyTooLarge
	}
	return body, nil
}

func (f *Forwarder) buildRequest(ctx context.Context, r *http.Request, target *url.URL, body []byte) (*http.Request, *bodyTracker, error) {
	tracker := &bodyTracker{}

	var reader io.Reader
	if len(body) > 0 {
		tracker.r = bytes.NewReader(body)
		reader = tracker
	}

	out, err := http.NewRequestWithContext(ctx, r.Method, target.String(), reader)
	if err != nil {
		return nil, nil, err
	}
	if len(body) > 0 {
		out.ContentLength = int64(len(body))
	}

	for k, vv := range r.Header {
		if isHopHeader(k) {
			continue
		}
		for _, v := range vv {
			out.Header.Add(k, v)
		}
	}

	if clientIP, _, splitErr := net.SplitHostPort(r.RemoteAddr); splitErr == nil {
		if prior := r.Header.Get("X-Forwarded-For"); prior != "" {
			clientIP = prior + ", " + clientIP
		}
		out.Header.Set("X-Forwarded-For", clientIP)
	}

	proto := "http"
	if r.TLS != nil {
		proto = "https"
	}
	out.Header.Set("X-Forwarded-Proto", proto)
	out.Header.Set("X-Forwarded-Host", r.Host)

	via := "1.1 " + viaProduct
	if prior := r.Header.Get("Via"); prior != "" {
		via = prior + ", " + via
	}
	out.Header.Set("Via", via)

	out.Host = target.Host

	return out, tracker, nil
}

func (f *Forwarder) readResponse(route *router.Route, target *url.URL, resp *http.Response) (*Response, error) {
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		// The response started; it cannot be replayed.
		return nil, f.classify(route, target, fmt.Errorf("read upstream response: %w", err))
	}

	header := resp.Header.Clone()
	for _, h := range hopHeaders {
		header.Del(h)
	}
	header.Set("Via", "1.1 "+viaProduct)

	return &Response{
		Status: resp.StatusCode,
		Header: header,
		Body:   body,
	}, nil
}

// classify maps a transport failure to the upstream error taxonomy.
func (f *Forwarder) classify(route *router.Route, target *url.URL, err error) error {
	switch {
	case isTimeoutError(err):
		recordUpstreamError(route.ServiceID(), "timeout")
		return NewProxyError("forward", route.ID, target.String(), err.Error(), ErrUpstreamTimeout)
	case errors.Is(err, context.Canceled):
		return NewProxyError("forward", route.ID, target.String(), "request cancelled", err)
	default:
		recordUpstreamError(route.ServiceID(), "unavailable")
		return NewProxyError("forward", route.ID, target.String(), err.Error(), ErrUpstreamUnavailable)
	}
}

func isTimeoutError(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// retryableStatus reports whether the upstream response status calls
// for another attempt.
func retryableStatus(status int) bool {
	switch status {
	case http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return true
	default:
		return false
	}
}

// retryableAfterTransportError reports whether the method may be
// resent after a transport failure. Idempotent methods always may;
// others only when no body bytes went out.
func retryableAfterTransportError(method string, bodySent bool) bool {
	switch method {
	case http.MethodGet, http.MethodHead, http.MethodOptions,
		http.MethodTrace, http.MethodPut, http.MethodDelete:
		return true
	default:
		return !bodySent
	}
}

// nextBackoff returns the delay before the next attempt, or false when
// the delay would run past the context deadline.
func (f *Forwarder) nextBackoff(ctx context.Context, attempt int) (time.Duration, bool) {
	backoff := float64(f.baseBackoff) * math.Pow(2, float64(attempt))
	backoff += backoff * backoffJitterFactor * rand.Float64()
	if backoff > float64(f.maxBackoff) {
		backoff = float64(f.maxBackoff)
	}

	delay := time.Duration(backoff)
	if deadline, ok := ctx.Deadline(); ok && time.Now().Add(delay).After(deadline) {
		return 0, false
	}
	return delay, true
}

func (f *Forwarder) sleep(ctx context.Context, delay time.Duration) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(delay):
		return nil
	}
}

func isHopHeader(name string) bool {
	for _, h := range hopHeaders {
		if http.CanonicalHeaderKey(name) == h {
			return true
		}
	}
	return false
}

func drainAndClose(body io.ReadCloser) {
	_, _ = io.Copy(io.Discard, io.LimitReader(body, 4096))
	_ = body.Close()
}

// bodyTracker counts body bytes handed to the transport so retry
// decisions can tell whether anything went out.
type bodyTracker struct {
	r *bytes.Reader
	n int64
}

func (t *bodyTracker) Read(p []byte) (int, error) {
	n, err := t.r.Read(p)
	t.n += int64(n)
	return n, err
}

func (t *bodyTracker) sent() bool {
	return t.n > 0
}
