package ghttp

import (
	"context"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"strconv"
	"time"

	"github.com/alttch/sshare/backend/chunker"
	"github.com/alttch/sshare/internal"
	"github.com/alttch/sshare/pkg/errs"
	"github.com/cenkalti/backoff/v4"
	"github.com/gabriel-vasile/mimetype"
	digest "github.com/opencontainers/go-digest"
)

type UploadParams struct {
	Name        string
	Size        int64
	Algorithm   digest.Algorithm
	ContentType string
	// Expires is the requested share lifetime; zero selects the server default.
	Expires time.Duration
	OneShot bool
	// ResumeID continues an upload session opened by an earlier run.
	// ResumeOffset is the offset the caller's digest state corresponds to.
	ResumeID     string
	ResumeOffset int64
}

// SendHooks lets the caller follow an upload. All hooks run on the sending
// goroutine and may be nil.
type SendHooks struct {
	// OnSession is called whenever an upload session is opened.
	OnSession func(sess UploadSession)
	// OnAck receives, in order, the bytes the server has acknowledged.
	OnAck func(offset int64, p []byte) error
	// OnRewind is called when the upload restarts at offset.
	OnRewind func(offset int64) error
	OnRetry  RetryFunc
}

func (h SendHooks) session(s UploadSession) {
	if h.OnSession != nil {
		h.OnSession(s)
	}
}

func (h SendHooks) ack(offset int64, p []byte) error {
	if h.OnAck == nil {
		return nil
	}
	return h.OnAck(offset, p)
}

func (h SendHooks) rewind(offset int64) error {
	if h.OnRewind == nil {
		return nil
	}
	return h.OnRewind(offset)
}

type sendState struct {
	src         io.ReaderAt
	params      UploadParams
	hooks       SendHooks
	session     UploadSession
	acked       int64
	chunkSize   int64
	needResync  bool
	contentType string
}

// Send uploads size bytes from src and completes the upload session. The
// upload resumes from the server's acknowledged offset after transient
// failures when the server supports it, and restarts from zero otherwise.
func (c *Client) Send(ctx context.Context, src io.ReaderAt, params UploadParams, hooks SendHooks) (*ServerAck, error) {
	const op = "upload"
	if err := c.requireBase(op); err != nil {
		return nil, err
	}
	if params.Size < 0 {
		return nil, errs.Usagef(op, "negative size %d", params.Size)
	}
	if params.Algorithm == "" {
		params.Algorithm = digest.Canonical
	}
	st := &sendState{src: src, params: params, hooks: hooks, contentType: params.ContentType}
	if st.contentType == "" {
		st.contentType = "application/octet-stream"
	}

	if err := c.openSession(ctx, st); err != nil {
		return nil, err
	}

	b := c.newBackOff(ctx)
	attempts := 1
	for st.acked < params.Size {
		progressed, err := c.sendChunks(ctx, st)
		if err == nil {
			break
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
		c.notifyRetry("upload chunk", attempts, wait, err, hooks.OnRetry)
		if err := sleepCtx(ctx, wait); err != nil {
			return nil, err
		}
		attempts++
	}

	var ack ServerAck
	err := c.retry(ctx, "complete upload", hooks.OnRetry, func() error {
		_, err := c.do(ctx, call{
			op:     "complete upload",
			key:    st.session.ID,
			method: http.MethodPost,
			url:    c.endpoint("", "uploads", st.session.ID, "complete"),
			auth:   true,
			out:    &ack,
		})
		return err
	})
	if err != nil {
		return nil, err
	}
	if ack.Size != params.Size {
		return nil, errs.Integrity("complete upload", fmt.Errorf("server stored %d bytes, sent %d", ack.Size, params.Size))
	}
	internal.Debug("upload completed", internal.Fields{
		internal.FieldUpload: st.session.ID,
		internal.FieldShare:  ack.ID,
		internal.FieldDigest: ack.Checksum.String(),
	})
	return &ack, nil
}

func (c *Client) openSession(ctx context.Context, st *sendState) error {
	if st.params.ResumeID != "" {
		st.session = UploadSession{ID: st.params.ResumeID, Resumable: true}
		st.acked = st.params.ResumeOffset
		return c.retry(ctx, "resume upload", st.hooks.OnRetry, func() error {
			return c.resync(ctx, st)
		})
	}
	if err := c.retry(ctx, "create upload", st.hooks.OnRetry, func() error {
		return c.createSession(ctx, st)
	}); err != nil {
		return err
	}
	if st.session.Offset > 0 {
		return c.catchUp(st, st.session.Offset)
	}
	return nil
}

func (c *Client) createSession(ctx context.Context, st *sendState) error {
	req := CreateUploadRequest{
		Name:        st.params.Name,
		Size:        st.params.Size,
		Algorithm:   st.params.Algorithm.String(),
		ContentType: st.contentType,
		Expires:     int64(st.params.Expires / time.Second),
		OneShot:     st.params.OneShot,
	}
	var sess UploadSession
	if _, err := c.do(ctx, call{
		op:     "create upload",
		key:    "create:" + st.params.Name,
		method: http.MethodPost,
		url:    c.endpoint("", "uploads"),
		in:     req,
		auth:   true,
		out:    &sess,
	}); err != nil {
		return err
	}
	if sess.ID == "" {
		return errs.Server("create upload", http.StatusOK, fmt.Errorf("server returned no upload id"))
	}
	if sess.Offset < 0 || sess.Offset > st.params.Size {
		sess.Offset = 0
	}
	st.session = sess
	st.acked = 0
	st.chunkSize = c.opts.ChunkSize
	if sess.ChunkSize > 0 && sess.ChunkSize < st.chunkSize {
		st.chunkSize = sess.ChunkSize
	}
	internal.Debug("upload session opened", internal.Fields{
		internal.FieldUpload: sess.ID,
		internal.FieldSize:   st.params.Size,
		"resumable":          sess.Resumable,
	})
	st.hooks.session(sess)
	return nil
}

// resync realigns the local acknowledged offset with the server after a
// failed exchange.
func (c *Client) resync(ctx context.Context, st *sendState) error {
	if st.chunkSize == 0 {
		st.chunkSize = c.opts.ChunkSize
	}
	if !st.session.Resumable {
		return c.restart(ctx, st, "server does not support resumable uploads")
	}
	h, err := c.do(ctx, call{
		op:     "query upload offset",
		key:    st.session.ID,
		method: http.MethodHead,
		url:    c.endpoint("", "uploads", st.session.ID),
		auth:   true,
	})
	if err != nil {
		switch {
		case errs.IsNotFound(err):
			return c.restart(ctx, st, "upload session no longer exists")
		case errs.StatusOf(err) == http.StatusMethodNotAllowed:
			st.session.Resumable = false
			return c.restart(ctx, st, "server does not support resumable uploads")
		}
		return err
	}
	off, err := parseOffsetHeader(h)
	if err != nil {
		return errs.Server("query upload offset", http.StatusOK, err)
	}

	switch {
	case off == st.acked:
		return nil
	case off > st.acked && off <= st.params.Size:
		return c.catchUp(st, off)
	default:
		return c.restart(ctx, st, fmt.Sprintf("server offset %d is behind acknowledged offset %d", off, st.acked))
	}
}

func (c *Client) restart(ctx context.Context, st *sendState, reason string) error {
	internal.Warn("restarting upload from the beginning", internal.Fields{
		internal.FieldUpload: st.session.ID,
		internal.FieldOffset: st.acked,
		internal.FieldMsg:    reason,
	})
	if err := c.createSession(ctx, st); err != nil {
		return err
	}
	if err := st.hooks.rewind(0); err != nil {
		return err
	}
	if st.session.Offset > 0 {
		return c.catchUp(st, st.session.Offset)
	}
	return nil
}

// catchUp acknowledges [acked, off) locally; the server already holds these
// bytes, typically because a response was lost after the chunk was stored.
func (c *Client) catchUp(st *sendState, off int64) error {
	for st.acked < off {
		n := min(st.chunkSize, off-st.acked)
		buf := c.buffers.GetBuffer(int(n))
		if err := readFull(st.src, buf, st.acked, st.params.Name); err != nil {
			c.buffers.PutBuffer(buf)
			return err
		}
		err := st.hooks.ack(st.acked, buf)
		c.buffers.PutBuffer(buf)
		if err != nil {
			return err
		}
		st.acked += n
	}
	return nil
}

func (c *Client) sendChunks(ctx context.Context, st *sendState) (bool, error) {
	progressed := false
	if st.needResync {
		if err := c.resync(ctx, st); err != nil {
			return false, err
		}
		st.needResync = false
	}

	ckr, err := chunker.NewChunker(st.session.ID, st.params.Size, st.chunkSize)
	if err != nil {
		return false, errs.Usage("upload", err)
	}
	ckr.Seek(st.acked)
	for {
		next, ok := ckr.NextChunk()
		if !ok {
			return progressed, nil
		}
		buf := c.buffers.GetBuffer(int(next.Length()))
		if err := readFull(st.src, buf, next.Offset(), st.params.Name); err != nil {
			c.buffers.PutBuffer(buf)
			return progressed, err
		}
		chunk := chunker.NewFileChunk(st.session.ID, next.Offset(), next.Length(), next.LastPart(), buf)

		off, err := c.patchChunk(ctx, st, chunk)
		if err != nil {
			c.buffers.PutBuffer(buf)
			st.needResync = true
			return progressed, err
		}
		if off <= chunk.Offset() || off > chunk.End() {
			c.buffers.PutBuffer(buf)
			st.needResync = true
			return progressed, errs.Network("upload chunk", fmt.Errorf("server acknowledged offset %d for chunk %d-%d", off, chunk.Offset(), chunk.End()))
		}
		err = st.hooks.ack(chunk.Offset(), buf[:off-chunk.Offset()])
		st.acked = off
		progressed = true
		c.buffers.PutBuffer(buf)
		if err != nil {
			return progressed, err
		}
		ckr.Seek(st.acked)
	}
}

func (c *Client) patchChunk(ctx context.Context, st *sendState, chunk *chunker.FileChunk) (int64, error) {
	pr, pw := io.Pipe()
	defer pr.Close()
	mw := multipart.NewWriter(pw)
	go func() {
		pw.CloseWithError(writeChunkPart(mw, chunk, st.contentType))
	}()

	var resp OffsetResponse
	_, err := c.do(ctx, call{
		op:                "upload chunk",
		key:               st.session.ID,
		method:            http.MethodPatch,
		url:               c.endpoint("", "uploads", st.session.ID),
		in:                pr,
		contentType:       mw.FormDataContentType(),
		header:            http.Header{HeaderUploadOffset: []string{strconv.FormatInt(chunk.Offset(), 10)}},
		auth:              true,
		out:               &resp,
		conflictTemporary: true,
	})
	if err != nil {
		return 0, err
	}
	return resp.Offset, nil
}

func writeChunkPart(mw *multipart.Writer, chunk chunker.Chunk, contentType string) error {
	if err := mw.WriteField("offset", strconv.FormatInt(chunk.Offset(), 10)); err != nil {
		return err
	}
	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", `form-data; name="chunk"; filename="chunk"`)
	h.Set("Content-Type", contentType)
	part, err := mw.CreatePart(h)
	if err != nil {
		return err
	}
	if _, err := part.Write(chunk.Data()); err != nil {
		return err
	}
	return mw.Close()
}

func readFull(src io.ReaderAt, buf []byte, off int64, name string) error {
	n, err := src.ReadAt(buf, off)
	if n == len(buf) {
		return nil
	}
	if err == nil || err == io.EOF {
		err = fmt.Errorf("short read at offset %d: %w", off, io.ErrUnexpectedEOF)
	}
	return errs.LocalIO("read", name, err)
}

// DetectContentType sniffs the media type from the head of src.
func DetectContentType(src io.ReaderAt, size int64) string {
	if size <= 0 {
		return "application/octet-stream"
	}
	mt, err := mimetype.DetectReader(io.NewSectionReader(src, 0, min(size, 3072)))
	if err != nil {
		return "application/octet-stream"
	}
	return mt.String()
}
