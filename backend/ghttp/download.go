package ghttp

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/alttch/sshare/internal"
	"github.com/alttch/sshare/pkg/errs"
	"github.com/cenkalti/backoff/v4"
	digest "github.com/opencontainers/go-digest"
)

const readBufferSize = 256 << 10

// ErrStalled is the cause attached to downloads that received no data for
// longer than the request timeout.
var ErrStalled = errors.New("no data received within the request timeout")

// Stream is the body of a single share download request.
type Stream struct {
	Body io.ReadCloser
	// Offset is the position of the first byte of Body within the share.
	Offset int64
	// Size is the total size of the share, or -1 if the server did not say.
	Size         int64
	Digest       digest.Digest
	Name         string
	ContentType  string
	AcceptRanges bool

	release func()
	once    sync.Once
}

func (s *Stream) Close() error {
	err := s.Body.Close()
	s.once.Do(s.release)
	return err
}

// Fetch opens the share at offset. The server may ignore the range, in which
// case the returned stream starts at offset 0.
func (c *Client) Fetch(ctx context.Context, link ShareLink, offset int64) (*Stream, error) {
	const op = "download"
	attemptCtx, cancel := context.WithCancelCause(ctx)
	watchdog := time.AfterFunc(c.opts.RequestTimeout, func() { cancel(ErrStalled) })

	req, err := http.NewRequestWithContext(attemptCtx, http.MethodGet, c.endpoint(link.Base, "shares", link.ID), nil)
	if err != nil {
		watchdog.Stop()
		cancel(nil)
		return nil, errs.Usage(op, err)
	}
	if offset > 0 {
		req.Header.Set("Range", fmt.Sprintf("bytes=%d-", offset))
	}
	c.decorate(req, false, link.Token)

	httpClient, err := c.clients.Get(ctx, link.ID)
	if err != nil {
		watchdog.Stop()
		cancel(nil)
		return nil, c.transportError(ctx, op, err)
	}
	release := func() {
		watchdog.Stop()
		cancel(nil)
		_ = c.clients.Put(httpClient)
	}

	resp, err := httpClient.Do(req)
	if err != nil {
		release()
		return nil, c.transportError(ctx, op, causeOf(attemptCtx, err))
	}

	s := &Stream{
		Size:         -1,
		Name:         resp.Header.Get(HeaderShareName),
		ContentType:  resp.Header.Get("Content-Type"),
		AcceptRanges: strings.Contains(resp.Header.Get("Accept-Ranges"), "bytes"),
		release:      release,
	}
	if raw := resp.Header.Get(HeaderContentDigest); raw != "" {
		s.Digest = digest.Digest(raw)
	}

	switch resp.StatusCode {
	case http.StatusOK:
		s.Offset = 0
		s.Size = resp.ContentLength
	case http.StatusPartialContent:
		start, total, err := parseContentRange(resp.Header.Get("Content-Range"))
		if err != nil {
			resp.Body.Close()
			release()
			return nil, errs.Server(op, resp.StatusCode, err)
		}
		s.Offset = start
		s.Size = total
		s.AcceptRanges = true
	default:
		serr := statusError(op, resp)
		resp.Body.Close()
		release()
		return nil, serr
	}
	s.Body = &idleReader{rc: resp.Body, ctx: attemptCtx, timer: watchdog, timeout: c.opts.RequestTimeout}
	return s, nil
}

// FetchHooks lets the caller follow a download. All hooks run on the
// downloading goroutine and may be nil.
type FetchHooks struct {
	// OnStream is called for every response before its body is read.
	OnStream func(s *Stream)
	// OnData receives, in order, every byte received.
	OnData func(p []byte) error
	// OnRewind is called when the download restarts at offset.
	OnRewind func(offset int64) error
	OnRetry  RetryFunc
}

// FetchResult describes a finished download.
type FetchResult struct {
	Size        int64
	Digest      digest.Digest
	Name        string
	ContentType string
}

// Download streams the share into hooks.OnData starting at offset. Transient
// failures resume with a range request when the server honours ranges and
// restart from zero otherwise.
func (c *Client) Download(ctx context.Context, link ShareLink, offset int64, hooks FetchHooks) (*FetchResult, error) {
	const op = "download"
	acked := offset
	var res FetchResult
	b := c.newBackOff(ctx)
	attempts := 1
	rangeReset := false
	for {
		progressed, err := c.fetchOnce(ctx, link, &acked, hooks, &res)
		if err == nil {
			return &res, nil
		}
		if errs.StatusOf(err) == http.StatusRequestedRangeNotSatisfiable && acked > 0 && !rangeReset {
			// local data is longer than the share; start over
			rangeReset = true
			if err := rewind(hooks, 0); err != nil {
				return nil, err
			}
			acked = 0
			continue
		}
		if !errs.Retryable(err) {
			return nil, c.finish(ctx, op, attempts, err)
		}
		if progressed {
			b.Reset()
		}
		wait := b.NextBackOff()
		if wait == backoff.Stop {
			return nil, c.finish(ctx, op, attempts, err)
		}
		c.notifyRetry(op, attempts, wait, err, hooks.OnRetry)
		if err := sleepCtx(ctx, wait); err != nil {
			return nil, err
		}
		attempts++
	}
}

func rewind(hooks FetchHooks, offset int64) error {
	if hooks.OnRewind == nil {
		return nil
	}
	return hooks.OnRewind(offset)
}

func (c *Client) fetchOnce(ctx context.Context, link ShareLink, acked *int64, hooks FetchHooks, res *FetchResult) (bool, error) {
	s, err := c.Fetch(ctx, link, *acked)
	if err != nil {
		return false, err
	}
	defer s.Close()

	if s.Offset != *acked {
		internal.Warn("server ignored range request, restarting download", internal.Fields{
			internal.FieldShare:  link.ID,
			internal.FieldOffset: *acked,
		})
		if err := rewind(hooks, s.Offset); err != nil {
			return false, err
		}
		*acked = s.Offset
	}
	res.Size = s.Size
	res.Name = s.Name
	res.ContentType = s.ContentType
	if s.Digest != "" {
		res.Digest = s.Digest
	}
	if hooks.OnStream != nil {
		hooks.OnStream(s)
	}

	buf := c.buffers.GetBuffer(readBufferSize)
	defer c.buffers.PutBuffer(buf)
	progressed := false
	for {
		n, rerr := s.Body.Read(buf)
		if n > 0 {
			if hooks.OnData != nil {
				if err := hooks.OnData(buf[:n]); err != nil {
					return progressed, err
				}
			}
			*acked += int64(n)
			progressed = true
		}
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			return progressed, c.transportError(ctx, "download", rerr)
		}
	}
	if s.Size >= 0 && *acked != s.Size {
		return progressed, errs.Network("download", fmt.Errorf("stream ended at byte %d of %d: %w", *acked, s.Size, io.ErrUnexpectedEOF))
	}
	res.Size = *acked
	return progressed, nil
}

// parseContentRange parses "bytes start-end/total".
func parseContentRange(v string) (start, total int64, err error) {
	rest, ok := strings.CutPrefix(strings.TrimSpace(v), "bytes ")
	if !ok {
		return 0, 0, fmt.Errorf("invalid Content-Range %q", v)
	}
	span, size, ok := strings.Cut(rest, "/")
	if !ok {
		return 0, 0, fmt.Errorf("invalid Content-Range %q", v)
	}
	first, _, ok := strings.Cut(span, "-")
	if !ok {
		return 0, 0, fmt.Errorf("invalid Content-Range %q", v)
	}
	if start, err = strconv.ParseInt(first, 10, 64); err != nil {
		return 0, 0, fmt.Errorf("invalid Content-Range %q", v)
	}
	if size == "*" {
		return start, -1, nil
	}
	if total, err = strconv.ParseInt(size, 10, 64); err != nil {
		return 0, 0, fmt.Errorf("invalid Content-Range %q", v)
	}
	return start, total, nil
}

// idleReader cancels the request when no data arrives within timeout.
type idleReader struct {
	rc      io.ReadCloser
	ctx     context.Context
	timer   *time.Timer
	timeout time.Duration
}

func (r *idleReader) Read(p []byte) (int, error) {
	n, err := r.rc.Read(p)
	if n > 0 {
		r.timer.Reset(r.timeout)
	}
	if err != nil && err != io.EOF && r.ctx.Err() != nil {
		err = causeOf(r.ctx, err)
	}
	return n, err
}

func (r *idleReader) Close() error {
	return r.rc.Close()
}
