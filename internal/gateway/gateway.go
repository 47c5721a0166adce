// Package gateway is the single egress point for upstream HTTP traffic.
// Every request is SSRF-validated, rate limited per host, sent with
// polite headers and retried with exponential backoff on transient
// failures. The address the validator approved is pinned for the dial so
// a DNS rebind between validation and connect cannot redirect the
// request; every redirect hop goes through the same validation and gets
// its own pin.
package gateway

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"git.home.luguber.info/inful/watchdog/internal/logfields"
	"git.home.luguber.info/inful/watchdog/internal/retry"
	"git.home.luguber.info/inful/watchdog/internal/werrors"
)

const (
	attemptTimeout = 30 * time.Second
	maxBodyBytes   = 10 << 20 // 10 MB
)

var pdfMagic = []byte("%PDF-")

// Response is a fully buffered upstream response.
type Response struct {
	StatusCode  int
	Header      http.Header
	Body        []byte
	FinalURL    string
	ContentType string
}

// Text returns the body as a string.
func (r *Response) Text() string { return string(r.Body) }

type ipResolver interface {
	LookupIPAddr(ctx context.Context, host string) ([]net.IPAddr, error)
}

// Gateway issues validated outbound requests.
type Gateway struct {
	client   *http.Client
	limiter  *hostLimiter
	resolver ipResolver
	policy   retry.Policy
	ua       string
	sleep    func(context.Context, time.Duration) error
}

// Option mutates a Gateway during construction; used by tests to swap
// the resolver and the sleep function.
type Option func(*Gateway)

// WithResolver replaces the DNS resolver.
func WithResolver(r ipResolver) Option { return func(g *Gateway) { g.resolver = r } }

// WithSleep replaces the inter-retry sleep.
func WithSleep(fn func(context.Context, time.Duration) error) Option {
	return func(g *Gateway) { g.sleep = fn }
}

type pinKey struct{}

// pinnedAddrs carries the validator-approved address for every
// hostname a request touches. The initial host is pinned before the
// first dial; redirect hops add theirs from CheckRedirect.
type pinnedAddrs struct {
	mu     sync.Mutex
	byHost map[string]net.IP
}

func newPinnedAddrs(host string, ip net.IP) *pinnedAddrs {
	return &pinnedAddrs{byHost: map[string]net.IP{host: ip}}
}

func (p *pinnedAddrs) set(host string, ip net.IP) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.byHost[host] = ip
}

func (p *pinnedAddrs) get(host string) (net.IP, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	ip, ok := p.byHost[host]
	return ip, ok
}

// New constructs a Gateway with polite defaults: identifying UA,
// Finnish Accept-Language, per-host rate limiting.
func New(userAgent string, rps float64, opts ...Option) *Gateway {
	g := &Gateway{
		limiter:  newHostLimiter(rps),
		resolver: net.DefaultResolver,
		policy:   retry.GatewayPolicy(),
		ua:       userAgent,
		sleep:    sleepCtx,
	}

	dialer := &net.Dialer{Timeout: 10 * time.Second}
	transport := &http.Transport{
		// Dial the address the validator approved, not whatever the
		// hostname resolves to at connect time.
		DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
			if pins, ok := ctx.Value(pinKey{}).(*pinnedAddrs); ok {
				host, port, err := net.SplitHostPort(addr)
				if err != nil {
					return nil, err
				}
				ip, ok := pins.get(host)
				if !ok {
					return nil, fmt.Errorf("no validated address for %q", host)
				}
				addr = net.JoinHostPort(ip.String(), port)
			}
			return dialer.DialContext(ctx, network, addr)
		},
		MaxIdleConnsPerHost: 2,
		IdleConnTimeout:     90 * time.Second,
	}
	g.client = &http.Client{
		Transport: transport,
		// Per-attempt deadlines come from the request context.
		Timeout: 0,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if len(via) >= 5 {
				return errors.New("too many redirects")
			}
			pins, ok := req.Context().Value(pinKey{}).(*pinnedAddrs)
			if !ok {
				return nil
			}
			// A redirect target is as untrusted as the original URL:
			// validate it and pin its address for the upcoming dial.
			_, ip, err := g.validateURL(req.Context(), req.URL.String())
			if err != nil {
				return err
			}
			pins.set(req.URL.Hostname(), ip)
			return nil
		},
	}

	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Fetch retrieves url with validation, rate limiting and retries.
func (g *Gateway) Fetch(ctx context.Context, rawURL string) (*Response, error) {
	u, ip, err := g.validateURL(ctx, rawURL)
	if err != nil {
		return nil, err
	}

	if err := g.limiter.Wait(ctx, u.Hostname()); err != nil {
		return nil, werrors.WrapRetryable(err, werrors.KindTimeout, "rate limiter wait")
	}

	pins := newPinnedAddrs(u.Hostname(), ip)
	var lastErr error
	for attempt := 0; ; attempt++ {
		resp, err := g.attempt(ctx, u.String(), pins)
		if err == nil {
			return resp, nil
		}
		lastErr = err
		if !werrors.IsRetryable(err) || attempt >= g.policy.MaxRetries {
			return nil, err
		}

		delay := g.policy.Delay(attempt + 1)
		if ra, ok := retryAfter(err); ok {
			delay = ra
		}
		slog.Debug("retrying fetch",
			logfields.URL(u.String()),
			slog.Int("attempt", attempt+1),
			slog.Duration("delay", delay),
			logfields.Error(err))
		if err := g.sleep(ctx, delay); err != nil {
			return nil, werrors.WrapRetryable(lastErr, werrors.KindTimeout, "canceled during backoff")
		}
	}
}

// Download fetches url and writes the body to destPath, fsyncing before
// return so a later DB commit never references a half-written file.
// expectedMIME, when non-empty, must match the Content-Type header or
// the body's magic bytes. Returns the byte count and detected MIME.
func (g *Gateway) Download(ctx context.Context, rawURL, destPath, expectedMIME string) (int64, string, error) {
	resp, err := g.Fetch(ctx, rawURL)
	if err != nil {
		return 0, "", err
	}

	mime := strings.TrimSpace(strings.SplitN(resp.ContentType, ";", 2)[0])
	if expectedMIME != "" && mime != expectedMIME {
		if !magicMatches(expectedMIME, resp.Body) {
			return 0, "", werrors.Newf(werrors.KindContentMismatch,
				"expected %s, got %q without matching magic bytes", expectedMIME, mime)
		}
		mime = expectedMIME
	}

	if err := os.MkdirAll(filepath.Dir(destPath), 0o755); err != nil {
		return 0, "", werrors.Wrap(err, werrors.KindStorage, "create storage dir")
	}
	f, err := os.Create(destPath)
	if err != nil {
		return 0, "", werrors.Wrap(err, werrors.KindStorage, "create "+destPath)
	}
	defer f.Close()
	n, err := f.Write(resp.Body)
	if err != nil {
		return 0, "", werrors.Wrap(err, werrors.KindStorage, "write "+destPath)
	}
	if err := f.Sync(); err != nil {
		return 0, "", werrors.Wrap(err, werrors.KindStorage, "sync "+destPath)
	}
	return int64(n), mime, nil
}

func magicMatches(expectedMIME string, body []byte) bool {
	switch expectedMIME {
	case "application/pdf":
		return bytes.HasPrefix(body, pdfMagic)
	default:
		return false
	}
}

// attempt performs one request with the 30 s per-attempt deadline.
func (g *Gateway) attempt(ctx context.Context, url string, pins *pinnedAddrs) (*Response, error) {
	actx, cancel := context.WithTimeout(context.WithValue(ctx, pinKey{}, pins), attemptTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(actx, http.MethodGet, url, nil)
	if err != nil {
		return nil, werrors.Wrap(err, werrors.KindTransport, "build request")
	}
	req.Header.Set("User-Agent", g.ua)
	req.Header.Set("Accept-Language", "fi-FI,fi;q=0.9,en;q=0.8")
	req.Header.Set("Accept-Encoding", "gzip, deflate, br")

	resp, err := g.client.Do(req)
	if err != nil {
		if isTimeout(err) {
			return nil, werrors.WrapRetryable(err, werrors.KindTimeout, "request timed out")
		}
		// Redirect validation surfaces classified errors through the
		// client's url.Error wrapper; keep their kind and retryability.
		var we *werrors.Error
		if errors.As(err, &we) {
			return nil, err
		}
		return nil, werrors.WrapRetryable(err, werrors.KindTransport, "request failed")
	}
	defer resp.Body.Close()

	if err := classifyStatus(resp); err != nil {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return nil, err
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes+1))
	if err != nil {
		if isTimeout(err) {
			return nil, werrors.WrapRetryable(err, werrors.KindTimeout, "body read timed out")
		}
		return nil, werrors.WrapRetryable(err, werrors.KindTransport, "read body")
	}
	if len(body) > maxBodyBytes {
		return nil, werrors.Newf(werrors.KindOversize, "body exceeds %d bytes", maxBodyBytes)
	}

	return &Response{
		StatusCode:  resp.StatusCode,
		Header:      resp.Header,
		Body:        body,
		FinalURL:    resp.Request.URL.String(),
		ContentType: resp.Header.Get("Content-Type"),
	}, nil
}

// statusError carries the Retry-After hint alongside the classified kind.
type statusError struct {
	err        *werrors.Error
	retryAfter time.Duration
	hasHint    bool
}

func (e *statusError) Error() string { return e.err.Error() }
func (e *statusError) Unwrap() error { return e.err }

func classifyStatus(resp *http.Response) error {
	code := resp.StatusCode
	switch {
	case code >= 200 && code < 300:
		return nil
	case code >= 500, code == http.StatusTooManyRequests, code == http.StatusRequestTimeout:
		kind := werrors.KindStatus5xx
		if code < 500 {
			kind = werrors.KindStatus4xx
		}
		se := &statusError{err: werrors.Retryable(kind, fmt.Sprintf("HTTP %d", code))}
		if ra := resp.Header.Get("Retry-After"); ra != "" {
			if secs, err := strconv.Atoi(ra); err == nil && secs >= 0 {
				se.retryAfter = time.Duration(secs) * time.Second
				se.hasHint = true
			}
		}
		return se
	default:
		return werrors.Newf(werrors.KindStatus4xx, "HTTP %d", code)
	}
}

func retryAfter(err error) (time.Duration, bool) {
	var se *statusError
	if errors.As(err, &se) && se.hasHint {
		return se.retryAfter, true
	}
	return 0, false
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
