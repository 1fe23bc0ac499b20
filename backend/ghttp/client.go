package ghttp

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/alttch/sshare/backend/pool"
	"github.com/alttch/sshare/internal"
	"github.com/alttch/sshare/pkg/errs"
	"github.com/cenkalti/backoff/v4"
)

const (
	defaultChunkSize      = 4 << 20
	defaultRetryBackoff   = 500 * time.Millisecond
	defaultRequestTimeout = 60 * time.Second
	maxRetryInterval      = 30 * time.Second
	maxErrorBody          = 64 << 10
)

// ErrRequestTimeout is the cause attached to requests that ran past the
// per-operation timeout.
var ErrRequestTimeout = errors.New("request timed out")

type Options struct {
	// BaseURL of the share server, e.g. https://share.example.org.
	BaseURL        string
	Token          string
	ChunkSize      int64
	MaxRetries     int
	RetryBackoff   time.Duration
	RequestTimeout time.Duration
	UserAgent      string
}

// RetryFunc is told about every retry before the client sleeps.
type RetryFunc func(attempt int, wait time.Duration, err error)

// Client speaks the share server's HTTP API. It owns retries and resumption;
// callers observe progress through hooks.
type Client struct {
	opts    Options
	base    string
	clients *HttpClientPool
	buffers *pool.BufferPool
}

func NewClient(opts Options, clients *HttpClientPool) (*Client, error) {
	if clients == nil {
		return nil, errors.New("client pool is required")
	}
	base := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	if base != "" {
		u, err := url.Parse(base)
		if err != nil || (u.Scheme != "https" && u.Scheme != "http") || u.Host == "" {
			return nil, errs.Usagef("configure client", "server url %q must be an http(s) URL", opts.BaseURL)
		}
	}
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = defaultChunkSize
	}
	if opts.MaxRetries < 0 {
		opts.MaxRetries = 0
	}
	if opts.RetryBackoff <= 0 {
		opts.RetryBackoff = defaultRetryBackoff
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = defaultRequestTimeout
	}
	if opts.UserAgent == "" {
		opts.UserAgent = internal.UserAgent()
	}
	return &Client{
		opts:    opts,
		base:    base,
		clients: clients,
		buffers: pool.NewBufferPool(int(opts.ChunkSize)),
	}, nil
}

func (c *Client) BaseURL() string { return c.base }

func (c *Client) ChunkSize() int64 { return c.opts.ChunkSize }

// Probe asks the server for its capabilities.
func (c *Client) Probe(ctx context.Context) (*Capabilities, error) {
	if err := c.requireBase("ping"); err != nil {
		return nil, err
	}
	var caps Capabilities
	err := c.retry(ctx, "ping", nil, func() error {
		_, err := c.do(ctx, call{
			op:     "ping",
			key:    "ping",
			method: http.MethodGet,
			url:    c.endpoint("", "ping"),
			out:    &caps,
		})
		return err
	})
	if err != nil {
		return nil, err
	}
	return &caps, nil
}

// Info fetches the metadata of a share.
func (c *Client) Info(ctx context.Context, link ShareLink) (*ShareInfo, error) {
	var info ShareInfo
	err := c.retry(ctx, "share info", nil, func() error {
		_, err := c.do(ctx, call{
			op:         "share info",
			key:        link.ID,
			method:     http.MethodGet,
			url:        c.endpoint(link.Base, "shares", link.ID, "info"),
			shareToken: link.Token,
			out:        &info,
		})
		return err
	})
	if err != nil {
		return nil, err
	}
	return &info, nil
}

// Delete removes a share from the server.
func (c *Client) Delete(ctx context.Context, link ShareLink) error {
	return c.retry(ctx, "delete share", nil, func() error {
		_, err := c.do(ctx, call{
			op:         "delete share",
			key:        link.ID,
			method:     http.MethodDelete,
			url:        c.endpoint(link.Base, "shares", link.ID),
			auth:       true,
			shareToken: link.Token,
		})
		return err
	})
}

// LinkFor turns a completed upload into a share link.
func (c *Client) LinkFor(ack *ServerAck) (ShareLink, error) {
	return linkFromAck(ack, c.base)
}

func (c *Client) requireBase(op string) error {
	if c.base == "" {
		return errs.Usagef(op, "no server configured; set server_url or pass --server-url")
	}
	return nil
}

func (c *Client) endpoint(base string, elems ...string) string {
	if base == "" {
		base = c.base
	}
	escaped := make([]string, len(elems))
	for i, e := range elems {
		escaped[i] = url.PathEscape(e)
	}
	return strings.TrimRight(base, "/") + APIPrefix + "/" + strings.Join(escaped, "/")
}

type call struct {
	op     string
	key    string
	method string
	url    string
	// in is JSON encoded unless it is an io.Reader, which is sent as is with
	// contentType.
	in          any
	contentType string
	header      http.Header
	auth        bool
	shareToken  string
	out         any
	// conflictTemporary makes 409 retryable; used where the client can
	// resynchronise with the server before trying again.
	conflictTemporary bool
}

// do performs a single request bounded by the request timeout and decodes a
// JSON answer into cl.out.
func (c *Client) do(ctx context.Context, cl call) (http.Header, error) {
	reqCtx, cancel := context.WithTimeoutCause(ctx, c.opts.RequestTimeout, ErrRequestTimeout)
	defer cancel()

	var body io.Reader
	contentType := cl.contentType
	switch in := cl.in.(type) {
	case nil:
	case io.Reader:
		body = in
	default:
		raw, err := json.Marshal(in)
		if err != nil {
			return nil, fmt.Errorf("%s: encode request: %w", cl.op, err)
		}
		body = bytes.NewReader(raw)
		contentType = "application/json"
	}

	req, err := http.NewRequestWithContext(reqCtx, cl.method, cl.url, body)
	if err != nil {
		return nil, errs.Usage(cl.op, err)
	}
	for k, vs := range cl.header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	req.Header.Set("Accept", "application/json")
	c.decorate(req, cl.auth, cl.shareToken)

	httpClient, err := c.clients.Get(ctx, cl.key)
	if err != nil {
		return nil, c.transportError(ctx, cl.op, err)
	}
	defer c.clients.Put(httpClient)

	resp, err := httpClient.Do(req)
	if err != nil {
		return nil, c.transportError(ctx, cl.op, causeOf(reqCtx, err))
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		serr := statusError(cl.op, resp)
		if cl.conflictTemporary && resp.StatusCode == http.StatusConflict {
			var e *errs.Error
			if errors.As(serr, &e) {
				e.Temporary = true
			}
		}
		return resp.Header, serr
	}
	if cl.out != nil && cl.method != http.MethodHead {
		if err := json.NewDecoder(resp.Body).Decode(cl.out); err != nil {
			if reqCtx.Err() != nil {
				return nil, c.transportError(ctx, cl.op, causeOf(reqCtx, err))
			}
			return nil, errs.Server(cl.op, resp.StatusCode, fmt.Errorf("decode response: %w", err))
		}
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxErrorBody))
	return resp.Header, nil
}

func (c *Client) decorate(req *http.Request, auth bool, shareToken string) {
	req.Header.Set("User-Agent", c.opts.UserAgent)
	if auth && c.opts.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.opts.Token)
	}
	if shareToken != "" {
		req.Header.Set(HeaderShareToken, shareToken)
	}
}

// causeOf prefers the cancellation cause of ctx over the raw error.
func causeOf(ctx context.Context, err error) error {
	if ctx.Err() == nil {
		return err
	}
	if cause := context.Cause(ctx); cause != nil && !errors.Is(err, cause) {
		return fmt.Errorf("%w: %v", cause, err)
	}
	return err
}

// transportError classifies a failure that produced no HTTP answer. When the
// caller's context is done its error is returned unchanged.
func (c *Client) transportError(ctx context.Context, op string, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	if errors.Is(err, ErrPoolOffline) || errors.Is(err, ErrZeroCapacity) {
		return errs.Usage(op, err)
	}
	return errs.Network(op, err)
}

func retriableStatus(code int) bool {
	switch code {
	case http.StatusRequestTimeout,
		http.StatusTooEarly,
		http.StatusTooManyRequests,
		http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	}
	return false
}

func statusError(op string, resp *http.Response) error {
	var cause error
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	var body ErrorBody
	if err := json.Unmarshal(raw, &body); err == nil && (body.Error != "" || body.Message != "") {
		cause = errors.New(body.String())
	} else if text := strings.TrimSpace(string(raw)); text != "" {
		cause = errors.New(text)
	}

	code := resp.StatusCode
	switch {
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		return errs.Auth(op, code, cause)
	case retriableStatus(code):
		return errs.TemporaryServer(op, code, cause)
	default:
		return errs.Server(op, code, cause)
	}
}

func (c *Client) newBackOff(ctx context.Context) backoff.BackOff {
	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = c.opts.RetryBackoff
	exp.MaxInterval = max(maxRetryInterval, c.opts.RetryBackoff)
	exp.MaxElapsedTime = 0
	exp.Reset()
	return backoff.WithContext(backoff.WithMaxRetries(exp, uint64(c.opts.MaxRetries)), ctx)
}

// retry runs fn until it succeeds, fails permanently or the retry budget is
// spent. An exhausted budget is reported as a network error wrapping the
// last failure.
func (c *Client) retry(ctx context.Context, op string, onRetry RetryFunc, fn func() error) error {
	attempt := 0
	err := backoff.RetryNotify(func() error {
		attempt++
		err := fn()
		if err != nil && !errs.Retryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}, c.newBackOff(ctx), func(err error, wait time.Duration) {
		c.notifyRetry(op, attempt, wait, err, onRetry)
	})
	return c.finish(ctx, op, attempt, err)
}

func (c *Client) notifyRetry(op string, attempt int, wait time.Duration, err error, onRetry RetryFunc) {
	internal.Warn("transient failure, retrying", internal.Fields{
		internal.FieldMsg:     op,
		internal.FieldAttempt: attempt,
		internal.FieldBackoff: wait.String(),
		internal.FieldError:   err.Error(),
	})
	if onRetry != nil {
		onRetry(attempt, wait, err)
	}
}

func (c *Client) finish(ctx context.Context, op string, attempts int, err error) error {
	if err == nil {
		return nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil && errors.Is(err, ctxErr) {
		return err
	}
	if errs.Retryable(err) {
		return errs.Network(op, fmt.Errorf("giving up after %d attempts: %w", attempts, err))
	}
	return err
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

func parseOffsetHeader(h http.Header) (int64, error) {
	raw := h.Get(HeaderUploadOffset)
	if raw == "" {
		return 0, fmt.Errorf("missing %s header", HeaderUploadOffset)
	}
	off, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || off < 0 {
		return 0, fmt.Errorf("invalid %s header %q", HeaderUploadOffset, raw)
	}
	return off, nil
}
