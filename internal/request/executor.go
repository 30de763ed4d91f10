// Package request implements the per-user HTTP execution context: issuing
// named requests, measuring latency, classifying success, and feeding the
// metrics pipeline. The underlying HTTP client is treated as an opaque
// collaborator behind the HTTPDoer interface.
package request

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"gander/internal/record"
	"gander/internal/throttle"
)

// HTTPDoer is the external collaborator boundary: anything capable of
// issuing an *http.Request and returning an *http.Response.
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Sink is where an Executor posts RawRequest/DebugRecord events. Satisfied
// by *stats.Aggregator; declared here (rather than imported from stats) so
// this package has no dependency on the metrics pipeline's internals.
type Sink interface {
	Send(record.Raw) bool
	SendDebug(record.Debug)
}

// Response is the narrow view of an HTTP response the spec requires:
// headers, body, status, final URL, and a redirect flag, plus the
// bookkeeping an update record needs to find the request it revises.
type Response struct {
	Raw        *http.Response
	Body       []byte
	FinalURL   string
	Redirected bool

	elapsedMs      int64
	name           string
	userID         uint64
	method         string
	url            string
	responseTimeMs int64
	success        bool
}

// Config configures an Executor for one user.
type Config struct {
	BaseURL      *url.URL
	Headers      map[string]string
	StickyFollow bool
	// SuccessCodes, if non-empty, is the exact set of status codes treated
	// as success (--status-codes). Empty means the default: status < 400.
	SuccessCodes map[int]bool
}

// Executor is a per-user HTTP client wrapper. It is never shared between
// users — cookies/connection state live in the underlying http.Client, one
// per user.
type Executor struct {
	mu sync.Mutex

	cfg       Config
	client    HTTPDoer
	throttle  *throttle.Limiter
	sink      Sink
	userID    uint64
	startedAt time.Time
}

func New(cfg Config, client HTTPDoer, lim *throttle.Limiter, sink Sink, userID uint64, startedAt time.Time) *Executor {
	return &Executor{cfg: cfg, client: client, throttle: lim, sink: sink, userID: userID, startedAt: startedAt}
}

func (e *Executor) Get(ctx context.Context, path string) (*Response, error) {
	return e.Request(ctx, http.MethodGet, path, "", nil)
}

func (e *Executor) Post(ctx context.Context, path string, body io.Reader) (*Response, error) {
	return e.Request(ctx, http.MethodPost, path, "", body)
}

func (e *Executor) Put(ctx context.Context, path string, body io.Reader) (*Response, error) {
	return e.Request(ctx, http.MethodPut, path, "", body)
}

func (e *Executor) Delete(ctx context.Context, path string) (*Response, error) {
	return e.Request(ctx, http.MethodDelete, path, "", nil)
}

func (e *Executor) Head(ctx context.Context, path string) (*Response, error) {
	return e.Request(ctx, http.MethodHead, path, "", nil)
}

// Request issues a single named request. nameOverride, if non-empty, wins
// over the derived path-based name.
func (e *Executor) Request(ctx context.Context, method, path, nameOverride string, body io.Reader) (*Response, error) {
	target, err := e.resolve(path)
	if err != nil {
		return nil, err
	}

	name := nameOverride
	if name == "" {
		name = stripQuery(target.Path)
	}

	if err := e.throttle.Acquire(ctx); err != nil {
		return nil, err
	}

	var bodyBytes []byte
	if body != nil {
		if bodyBytes, err = io.ReadAll(body); err != nil {
			return nil, err
		}
	}

	t0 := time.Now()
	var bodyReader io.Reader
	if bodyBytes != nil {
		bodyReader = bytes.NewReader(bodyBytes)
	}
	httpReq, err := http.NewRequestWithContext(ctx, method, target.String(), bodyReader)
	if err != nil {
		return nil, err
	}
	for k, v := range e.cfg.Headers {
		httpReq.Header.Set(k, v)
	}

	resp, doErr := e.client.Do(httpReq)
	t1 := time.Now()

	elapsedMs := t0.Sub(e.startedAt).Milliseconds()
	responseTimeMs := t1.Sub(t0).Milliseconds()

	out := &Response{
		elapsedMs:      elapsedMs,
		name:           name,
		userID:         e.userID,
		method:         method,
		url:            target.String(),
		responseTimeMs: responseTimeMs,
	}

	statusCode := 0
	if doErr == nil && resp != nil {
		statusCode = resp.StatusCode
		out.Raw = resp
		out.FinalURL = target.String()
		if resp.Request != nil && resp.Request.URL != nil {
			out.FinalURL = resp.Request.URL.String()
		}
		out.Redirected = out.FinalURL != target.String()

		bodyBytes, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		out.Body = bodyBytes

		if out.Redirected && e.cfg.StickyFollow {
			if finalURL, parseErr := url.Parse(out.FinalURL); parseErr == nil {
				e.mu.Lock()
				e.cfg.BaseURL = &url.URL{Scheme: finalURL.Scheme, Host: finalURL.Host}
				e.mu.Unlock()
			}
		}
	}

	out.success = e.classify(statusCode, doErr)

	rec := record.Raw{
		ElapsedMs:      elapsedMs,
		Method:         method,
		URL:            target.String(),
		FinalURL:       out.FinalURL,
		Name:           name,
		Redirected:     out.Redirected,
		ResponseTimeMs: responseTimeMs,
		StatusCode:     statusCode,
		Success:        out.success,
		UserID:         e.userID,
		IssuedAt:       t0,
	}
	e.sink.Send(rec)
	out.responseTimeMs = responseTimeMs

	return out, doErr
}

func (e *Executor) classify(statusCode int, doErr error) bool {
	if doErr != nil || statusCode == 0 {
		return false
	}
	if len(e.cfg.SuccessCodes) > 0 {
		return e.cfg.SuccessCodes[statusCode]
	}
	return statusCode < 400
}

// SetSuccess flips a prior Response to success, emitting an update record.
func (e *Executor) SetSuccess(resp *Response) {
	e.flip(resp, true)
}

// SetFailure flips a prior Response to failure, emitting an update record
// and logging reason to the debug sink.
func (e *Executor) SetFailure(resp *Response, reason string) {
	e.flip(resp, false)
	e.LogDebug("set_failure", nil, nil, reason)
}

func (e *Executor) flip(resp *Response, success bool) {
	if resp.success == success {
		return
	}
	resp.success = success

	statusCode := 0
	if resp.Raw != nil {
		statusCode = resp.Raw.StatusCode
	}

	e.sink.Send(record.Raw{
		ElapsedMs:      resp.elapsedMs,
		Method:         resp.method,
		URL:            resp.url,
		FinalURL:       resp.FinalURL,
		Name:           resp.name,
		Redirected:     resp.Redirected,
		ResponseTimeMs: resp.responseTimeMs,
		StatusCode:     statusCode,
		Success:        success,
		Update:         true,
		UserID:         resp.userID,
		IssuedAt:       time.Now(),
	})
}

// LogDebug posts a DebugRecord to the debug sink, ignored if none is
// attached.
func (e *Executor) LogDebug(tag string, req *record.Raw, headers map[string]string, body string) {
	e.sink.SendDebug(record.Debug{Tag: tag, Request: req, Headers: headers, Body: body})
}

func (e *Executor) resolve(path string) (*url.URL, error) {
	ref, err := url.Parse(path)
	if err != nil {
		return nil, err
	}
	if ref.IsAbs() {
		return ref, nil
	}

	e.mu.Lock()
	base := e.cfg.BaseURL
	e.mu.Unlock()

	if base == nil {
		return ref, nil
	}
	return base.ResolveReference(ref), nil
}

func stripQuery(path string) string {
	if i := strings.IndexByte(path, '?'); i >= 0 {
		return path[:i]
	}
	return path
}
