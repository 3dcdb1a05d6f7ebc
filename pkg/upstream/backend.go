// Package upstream implements the HTTP backend contract:
// refresh(request, reply_out) issues a conditional GET against a peer
// or the origin, honoring redirects, timeouts, and the stale-if-error
// fallback.
package upstream

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/ryandielhenn/distcache/internal/obs"
)

// Backend is the contract every route target (self/origin or a peer)
// satisfies. If the stale-if-error fallback applies, Refresh returns
// NotModified and extends reply's staleness window in place. On an
// error return, the only field it may have changed is Errno, set from
// an errno echoed by the peer or origin.
type Backend interface {
	Refresh(ctx context.Context, req *Request, reply *Reply) (Result, error)
}

// URLBuilder turns a request's URL stem into the absolute URL to fetch.
// The coordinator supplies a builder that targets the origin directly,
// or one that targets a peer's base URL; for peer routes the stem it
// receives already carries the "/p/<minorver>" prefix.
type URLBuilder func(stem string) string

// HTTPBackend is the concrete Backend used for both the direct-origin
// route and every peer route; only the URLBuilder and timeouts differ
// between the two — peer timeouts are typically tighter than origin
// timeouts.
type HTTPBackend struct {
	client         *http.Client
	build          URLBuilder
	connectTimeout time.Duration
	transferTimeout time.Duration
}

// NewHTTPBackend constructs a Backend with the given URL builder and
// connect/transfer timeouts, and a redirect cap.
func NewHTTPBackend(build URLBuilder, connectTimeout, transferTimeout time.Duration, maxRedirects int) *HTTPBackend {
	dialer := &net.Dialer{Timeout: connectTimeout}
	transport := &http.Transport{
		DialContext:           dialer.DialContext,
		ResponseHeaderTimeout: transferTimeout,
	}
	client := &http.Client{
		Transport: transport,
		Timeout:   connectTimeout + transferTimeout,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if len(via) >= maxRedirects {
				return fmt.Errorf("stopped after %d redirects", maxRedirects)
			}
			return nil
		},
	}
	return &HTTPBackend{
		client:          client,
		build:           build,
		connectTimeout:  connectTimeout,
		transferTimeout: transferTimeout,
	}
}

// Refresh implements Backend.
func (b *HTTPBackend) Refresh(ctx context.Context, req *Request, reply *Reply) (Result, error) {
	url := b.build(req.URLStem)

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return Modified, fmt.Errorf("upstream: building request: %w", err)
	}

	// When NoCache is set, never send If-None-Match: every such request
	// must trigger a full body transfer.
	if !req.NoCache && reply.Valid && reply.ETag != 0 {
		httpReq.Header.Set("If-None-Match", etagHeader(reply.ETag))
	}

	resp, err := b.client.Do(httpReq)
	if err != nil {
		return b.fallbackOrError(reply, req, 0, err)
	}
	defer resp.Body.Close()

	errno := parseErrno(resp.Header)

	switch {
	case resp.StatusCode == http.StatusNotModified:
		reply.LastRefresh = time.Now()
		reply.Expires = reply.LastRefresh.Add(parseMaxAge(resp.Header, 0))
		return NotModified, nil

	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return b.fallbackOrError(reply, req, errno, fmt.Errorf("upstream: reading body: %w", err))
		}
		now := time.Now()
		reply.Valid = true
		reply.Errno = errno
		reply.Content = body
		reply.ContentEncoding = resp.Header.Get("Content-Encoding")
		reply.LastRefresh = now
		reply.SWR, reply.Expires = parseCacheControl(resp.Header, now)
		reply.ETag = parseETag(resp.Header.Get("ETag"))
		reply.EstaleCookie = resp.Header.Get("X-Distcache-Estale-Cookie")
		reply.Fingerprint = fingerprint(body)
		return Modified, nil

	default:
		return b.fallbackOrError(reply, req, errno, fmt.Errorf("upstream: unexpected status %d", resp.StatusCode))
	}
}

// fallbackOrError implements the stale-if-error rule: if reply is
// still within its window, extend it and report NotModified instead of
// propagating err. Otherwise, a nonzero errno echoed by the peer or
// origin is recorded on reply before the error is returned, rather
// than being silently dropped.
func (b *HTTPBackend) fallbackOrError(reply *Reply, req *Request, errno int32, err error) (Result, error) {
	now := time.Now()
	if reply.Valid && reply.WithinStaleIfError(now, req.StaleIfError) {
		obs.L().Infow("upstream: serving stale-if-error", "err", err)
		reply.Expires = now.Add(reply.SWR)
		return NotModified, nil
	}
	if errno != 0 {
		reply.Errno = errno
	}
	return Modified, err
}

// parseErrno reads the protocol-private X-Distcache-Errno header
// echoed back by a peer or origin, defaulting to 0 (no error) if it is
// absent or unparsable.
func parseErrno(h http.Header) int32 {
	v := h.Get("X-Distcache-Errno")
	if v == "" {
		return 0
	}
	n, err := strconv.ParseInt(v, 10, 32)
	if err != nil {
		return 0
	}
	return int32(n)
}

func etagHeader(etag uint64) string {
	return `"` + strconv.FormatUint(etag, 16) + `"`
}

func parseETag(h string) uint64 {
	h = strings.Trim(h, `"`)
	v, _ := strconv.ParseUint(h, 16, 64)
	return v
}

// parseCacheControl extracts max-age and stale-while-revalidate,
// returning (swr, expires).
func parseCacheControl(h http.Header, now time.Time) (time.Duration, time.Time) {
	cc := h.Get("Cache-Control")
	maxAge := parseMaxAge(h, 60*time.Second)
	swr := parseDirectiveSeconds(cc, "stale-while-revalidate", 0)
	return swr, now.Add(maxAge)
}

func parseMaxAge(h http.Header, def time.Duration) time.Duration {
	cc := h.Get("Cache-Control")
	return parseDirectiveSeconds(cc, "max-age", def)
}

func parseDirectiveSeconds(cacheControl, directive string, def time.Duration) time.Duration {
	for _, part := range strings.Split(cacheControl, ",") {
		part = strings.TrimSpace(part)
		name, val, ok := strings.Cut(part, "=")
		if !ok || !strings.EqualFold(strings.TrimSpace(name), directive) {
			continue
		}
		secs, err := strconv.Atoi(strings.TrimSpace(val))
		if err != nil {
			continue
		}
		return time.Duration(secs) * time.Second
	}
	return def
}
