package server

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/alttch/sshare/backend/ghttp"
	"github.com/alttch/sshare/internal"
	"github.com/alttch/sshare/server/log"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	digest "github.com/opencontainers/go-digest"
	"github.com/pterm/pterm"
)

var supportedAlgorithms = []digest.Algorithm{digest.SHA256, digest.SHA384, digest.SHA512}

type upload struct {
	mu        sync.Mutex
	id        string
	req       ghttp.CreateUploadRequest
	digester  digest.Digester
	offset    int64
	lastSeen  time.Time
	completed *ghttp.ServerAck
}

func (u *upload) touched() time.Time {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.lastSeen
}

func abort(c *gin.Context, status int, msg string) {
	c.AbortWithStatusJSON(status, ghttp.ErrorBody{
		Error:   strings.ToLower(http.StatusText(status)),
		Message: msg,
	})
}

func (s *Server) requireToken(c *gin.Context) {
	if len(s.opts.Tokens) == 0 {
		c.Next()
		return
	}
	token, ok := strings.CutPrefix(c.GetHeader("Authorization"), "Bearer ")
	if !ok || token == "" {
		c.Header("WWW-Authenticate", `Bearer realm="sshare"`)
		abort(c, http.StatusUnauthorized, "bearer token required")
		return
	}
	for _, t := range s.opts.Tokens {
		if subtle.ConstantTimeCompare([]byte(t), []byte(token)) == 1 {
			c.Next()
			return
		}
	}
	abort(c, http.StatusForbidden, "token not accepted")
}

func (s *Server) ping(c *gin.Context) {
	algs := make([]string, 0, len(supportedAlgorithms))
	for _, a := range supportedAlgorithms {
		algs = append(algs, a.String())
	}
	c.JSON(http.StatusOK, ghttp.Capabilities{
		Version:    internal.Version,
		Resumable:  s.opts.Resumable,
		Algorithms: algs,
		MaxSize:    s.opts.MaxSize,
		ChunkSize:  s.opts.ChunkSize,
	})
}

func (s *Server) createUpload(c *gin.Context) {
	var req ghttp.CreateUploadRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abort(c, http.StatusBadRequest, "invalid upload request: "+err.Error())
		return
	}
	if req.Size < 0 {
		abort(c, http.StatusBadRequest, "size must not be negative")
		return
	}
	if req.Size > s.opts.MaxSize {
		abort(c, http.StatusRequestEntityTooLarge, fmt.Sprintf("size %d exceeds limit %d", req.Size, s.opts.MaxSize))
		return
	}
	if req.Algorithm == "" {
		req.Algorithm = digest.Canonical.String()
	}
	alg := digest.Algorithm(req.Algorithm)
	if !alg.Available() {
		abort(c, http.StatusBadRequest, fmt.Sprintf("unsupported algorithm %q", req.Algorithm))
		return
	}
	if req.Expires < 0 {
		abort(c, http.StatusBadRequest, "expires must not be negative")
		return
	}

	u := &upload{
		id:       uuid.NewString(),
		req:      req,
		digester: alg.Digester(),
		lastSeen: s.opts.Now(),
	}
	if err := s.store.CreatePart(u.id); err != nil {
		_ = c.Error(err)
		abort(c, http.StatusInternalServerError, "could not allocate upload")
		return
	}
	s.mu.Lock()
	s.uploads[u.id] = u
	s.mu.Unlock()

	c.JSON(http.StatusCreated, ghttp.UploadSession{
		ID:        u.id,
		Offset:    0,
		Resumable: s.opts.Resumable,
		ChunkSize: s.opts.ChunkSize,
	})
}

func (s *Server) lookupUpload(c *gin.Context) (*upload, bool) {
	s.mu.Lock()
	u, ok := s.uploads[c.Param("id")]
	s.mu.Unlock()
	if !ok {
		abort(c, http.StatusNotFound, "unknown upload session")
	}
	return u, ok
}

func (s *Server) uploadOffset(c *gin.Context) {
	if !s.opts.Resumable {
		abort(c, http.StatusMethodNotAllowed, "resumable uploads are disabled")
		return
	}
	u, ok := s.lookupUpload(c)
	if !ok {
		return
	}
	u.mu.Lock()
	off := u.offset
	u.mu.Unlock()
	c.Header(ghttp.HeaderUploadOffset, strconv.FormatInt(off, 10))
	c.Header("Cache-Control", "no-store")
	c.Status(http.StatusOK)
}

func (s *Server) patchUpload(c *gin.Context) {
	u, ok := s.lookupUpload(c)
	if !ok {
		return
	}
	mr, err := c.Request.MultipartReader()
	if err != nil {
		abort(c, http.StatusBadRequest, "expected multipart body: "+err.Error())
		return
	}

	offset := int64(-1)
	if h := c.GetHeader(ghttp.HeaderUploadOffset); h != "" {
		if offset, err = strconv.ParseInt(h, 10, 64); err != nil {
			abort(c, http.StatusBadRequest, "invalid Upload-Offset header")
			return
		}
	}
	var data []byte
	for {
		part, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			abort(c, http.StatusBadRequest, "malformed multipart body: "+err.Error())
			return
		}
		switch part.FormName() {
		case "offset":
			raw, err := io.ReadAll(io.LimitReader(part, 32))
			if err != nil {
				abort(c, http.StatusBadRequest, "unreadable offset field")
				return
			}
			if offset, err = strconv.ParseInt(strings.TrimSpace(string(raw)), 10, 64); err != nil {
				abort(c, http.StatusBadRequest, "invalid offset field")
				return
			}
		case "chunk":
			data, err = io.ReadAll(io.LimitReader(part, s.opts.ChunkSize+1))
			if err != nil {
				abort(c, http.StatusBadRequest, "chunk body interrupted: "+err.Error())
				return
			}
			if int64(len(data)) > s.opts.ChunkSize {
				abort(c, http.StatusRequestEntityTooLarge, fmt.Sprintf("chunk exceeds %d bytes", s.opts.ChunkSize))
				return
			}
		}
		part.Close()
	}
	if offset < 0 || data == nil {
		abort(c, http.StatusBadRequest, "offset and chunk are required")
		return
	}

	u.mu.Lock()
	defer u.mu.Unlock()
	u.lastSeen = s.opts.Now()
	if u.completed != nil {
		abort(c, http.StatusConflict, "upload already completed")
		return
	}
	if offset != u.offset {
		cur := u.offset
		c.Header(ghttp.HeaderUploadOffset, strconv.FormatInt(cur, 10))
		c.AbortWithStatusJSON(http.StatusConflict, ghttp.ErrorBody{
			Error:   "conflict",
			Message: fmt.Sprintf("expected offset %d, got %d", cur, offset),
			Offset:  &cur,
		})
		return
	}
	if offset+int64(len(data)) > u.req.Size {
		abort(c, http.StatusRequestEntityTooLarge, "chunk runs past the declared size")
		return
	}
	if err := s.store.WritePart(u.id, offset, data); err != nil {
		_ = c.Error(err)
		abort(c, http.StatusInternalServerError, "could not store chunk")
		return
	}
	_, _ = u.digester.Hash().Write(data)
	u.offset += int64(len(data))

	c.Header(ghttp.HeaderUploadOffset, strconv.FormatInt(u.offset, 10))
	c.JSON(http.StatusOK, ghttp.OffsetResponse{Offset: u.offset})
}

func (s *Server) completeUpload(c *gin.Context) {
	u, ok := s.lookupUpload(c)
	if !ok {
		return
	}
	u.mu.Lock()
	defer u.mu.Unlock()
	u.lastSeen = s.opts.Now()
	if u.completed != nil {
		c.JSON(http.StatusOK, u.completed)
		return
	}
	if u.offset != u.req.Size {
		abort(c, http.StatusConflict, fmt.Sprintf("upload incomplete: %d of %d bytes", u.offset, u.req.Size))
		return
	}

	now := s.opts.Now()
	lifetime := time.Duration(u.req.Expires) * time.Second
	if lifetime <= 0 {
		lifetime = s.opts.DefaultExpires
	}
	if s.opts.MaxExpires > 0 && lifetime > s.opts.MaxExpires {
		lifetime = s.opts.MaxExpires
	}
	name := u.req.Name
	if name == "" {
		name = "download.bin"
	}

	meta := &shareMeta{
		ShareInfo: ghttp.ShareInfo{
			ID:          shareID(),
			Name:        name,
			Size:        u.offset,
			Checksum:    u.digester.Digest(),
			ContentType: u.req.ContentType,
			CreatedAt:   now.UTC(),
			Expires:     now.Add(lifetime).UTC(),
			OneShot:     u.req.OneShot,
		},
		Token: randomToken(),
	}
	if err := s.store.Publish(u.id, meta); err != nil {
		_ = c.Error(err)
		abort(c, http.StatusInternalServerError, "could not publish share")
		return
	}

	link := ghttp.ShareLink{Base: s.publicBase(c), ID: meta.ID, Token: meta.Token}
	u.completed = &ghttp.ServerAck{
		ID:       meta.ID,
		URL:      link.URL(),
		Checksum: meta.Checksum,
		Size:     meta.Size,
		Expires:  meta.Expires,
		Token:    meta.Token,
	}
	log.Structured(&pterm.Success, "share published", log.Fields{
		log.FieldShare:  meta.ID,
		log.FieldUpload: u.id,
		"size":          meta.Size,
		"digest":        meta.Checksum,
	})
	c.JSON(http.StatusCreated, u.completed)
}

func (s *Server) publicBase(c *gin.Context) string {
	if s.opts.PublicURL != "" {
		return s.opts.PublicURL
	}
	scheme := "http"
	if c.Request.TLS != nil || strings.EqualFold(c.GetHeader("X-Forwarded-Proto"), "https") {
		scheme = "https"
	}
	return scheme + "://" + c.Request.Host
}

func shareToken(c *gin.Context) string {
	if t := c.GetHeader(ghttp.HeaderShareToken); t != "" {
		return t
	}
	return c.Query("token")
}

// loadShare resolves the share in the path and checks its token and expiry.
func (s *Server) loadShare(c *gin.Context) (*shareMeta, bool) {
	id := c.Param("id")
	meta, err := s.store.LoadMeta(id)
	if errors.Is(err, errNoShare) {
		abort(c, http.StatusNotFound, "share not found")
		return nil, false
	}
	if err != nil {
		_ = c.Error(err)
		abort(c, http.StatusInternalServerError, "share metadata unreadable")
		return nil, false
	}
	if subtle.ConstantTimeCompare([]byte(meta.Token), []byte(shareToken(c))) != 1 {
		abort(c, http.StatusForbidden, "invalid share token")
		return nil, false
	}
	if meta.expired(s.opts.Now()) {
		_ = s.store.Delete(id)
		abort(c, http.StatusGone, "share expired")
		return nil, false
	}
	return meta, true
}

func (s *Server) shareInfo(c *gin.Context) {
	meta, ok := s.loadShare(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, meta.ShareInfo)
}

func (s *Server) deleteShare(c *gin.Context) {
	meta, ok := s.loadShare(c)
	if !ok {
		return
	}
	if err := s.store.Delete(meta.ID); err != nil {
		_ = c.Error(err)
		abort(c, http.StatusInternalServerError, "could not delete share")
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) getShare(c *gin.Context) {
	meta, ok := s.loadShare(c)
	if !ok {
		return
	}
	f, err := s.store.Open(meta.ID)
	if err != nil {
		_ = c.Error(err)
		abort(c, http.StatusNotFound, "share data missing")
		return
	}
	defer f.Close()

	c.Header(ghttp.HeaderContentDigest, meta.Checksum.String())
	c.Header(ghttp.HeaderShareName, meta.Name)
	c.Header("Content-Disposition", fmt.Sprintf("attachment; filename=%q", meta.Name))
	ct := meta.ContentType
	if ct == "" {
		ct = "application/octet-stream"
	}
	c.Header("Content-Type", ct)

	http.ServeContent(c.Writer, c.Request, meta.Name, meta.CreatedAt, f)

	written := int64(max(c.Writer.Size(), 0))
	if meta.OneShot && c.Request.Method == http.MethodGet && c.Writer.Status() < 300 &&
		rangeStart(c.GetHeader("Range"))+written >= meta.Size {
		if err := s.store.Delete(meta.ID); err != nil {
			_ = c.Error(err)
		}
	}
}

// rangeStart returns N for "bytes=N-..." and 0 otherwise.
func rangeStart(h string) int64 {
	spec, ok := strings.CutPrefix(h, "bytes=")
	if !ok {
		return 0
	}
	first, _, _ := strings.Cut(spec, "-")
	n, err := strconv.ParseInt(strings.TrimSpace(first), 10, 64)
	if err != nil {
		return 0
	}
	return n
}

func shareID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

func randomToken() string {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		panic(err)
	}
	return hex.EncodeToString(b)
}
