package ghttp

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/alttch/sshare/pkg/errs"
	digest "github.com/opencontainers/go-digest"
)

// APIPrefix is the path under the server base URL that carries the API.
const APIPrefix = "/api/v1"

// Wire header names.
const (
	HeaderUploadOffset  = "Upload-Offset"
	HeaderContentDigest = "X-Content-Digest"
	HeaderShareToken    = "X-Share-Token"
	HeaderShareName     = "X-Share-Name"
)

// Capabilities is the answer to GET /ping.
type Capabilities struct {
	Version    string   `json:"version" yaml:"version"`
	Resumable  bool     `json:"resumable" yaml:"resumable"`
	Algorithms []string `json:"algorithms" yaml:"algorithms"`
	MaxSize    int64    `json:"max_size" yaml:"max_size"`
	ChunkSize  int64    `json:"chunk_size,omitempty" yaml:"chunk_size,omitempty"`
}

// Supports reports whether the server can verify alg.
func (c *Capabilities) Supports(alg digest.Algorithm) bool {
	if len(c.Algorithms) == 0 {
		return alg == digest.SHA256
	}
	for _, a := range c.Algorithms {
		if digest.Algorithm(a) == alg {
			return true
		}
	}
	return false
}

// CreateUploadRequest is the body of POST /uploads.
type CreateUploadRequest struct {
	Name        string `json:"name"`
	Size        int64  `json:"size"`
	Algorithm   string `json:"algorithm"`
	ContentType string `json:"content_type,omitempty"`
	// Expires is a lifetime in seconds; zero selects the server default.
	Expires int64 `json:"expires,omitempty"`
	OneShot bool  `json:"one_shot,omitempty"`
}

// UploadSession is the server side view of an upload in progress.
type UploadSession struct {
	ID        string `json:"upload_id"`
	Offset    int64  `json:"offset"`
	Resumable bool   `json:"resumable"`
	ChunkSize int64  `json:"chunk_size,omitempty"`
}

// OffsetResponse is returned by PATCH /uploads/{id}.
type OffsetResponse struct {
	Offset int64 `json:"offset"`
}

// ServerAck is the server's acknowledgement of a completed upload.
type ServerAck struct {
	ID       string        `json:"id" yaml:"id"`
	URL      string        `json:"url" yaml:"url"`
	Checksum digest.Digest `json:"checksum" yaml:"checksum"`
	Size     int64         `json:"size" yaml:"size"`
	Expires  time.Time     `json:"expires,omitempty" yaml:"expires,omitempty"`
	Token    string        `json:"token,omitempty" yaml:"token,omitempty"`
}

// ShareInfo describes a stored share.
type ShareInfo struct {
	ID          string        `json:"id" yaml:"id"`
	Name        string        `json:"name" yaml:"name"`
	Size        int64         `json:"size" yaml:"size"`
	Checksum    digest.Digest `json:"checksum" yaml:"checksum"`
	ContentType string        `json:"content_type,omitempty" yaml:"content_type,omitempty"`
	CreatedAt   time.Time     `json:"created_at" yaml:"created_at"`
	Expires     time.Time     `json:"expires,omitempty" yaml:"expires,omitempty"`
	OneShot     bool          `json:"one_shot" yaml:"one_shot"`
}

// ErrorBody is the JSON error envelope used by the server.
type ErrorBody struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
	Offset  *int64 `json:"offset,omitempty"`
}

func (e ErrorBody) String() string {
	switch {
	case e.Message != "" && e.Error != "":
		return e.Error + ": " + e.Message
	case e.Message != "":
		return e.Message
	default:
		return e.Error
	}
}

// ShareLink identifies a share on a particular server.
type ShareLink struct {
	// Base is the server base URL without the API prefix.
	Base  string `json:"base" yaml:"base"`
	ID    string `json:"id" yaml:"id"`
	Token string `json:"token,omitempty" yaml:"token,omitempty"`
	// Expires is known for links created by this client.
	Expires time.Time `json:"expires,omitempty" yaml:"expires,omitempty"`
}

var shareIDPattern = regexp.MustCompile(`^[A-Za-z0-9_\-]{4,128}$`)

// URL renders the shareable form of the link.
func (l ShareLink) URL() string {
	u := strings.TrimRight(l.Base, "/") + "/s/" + url.PathEscape(l.ID)
	if l.Token != "" {
		u += "?token=" + url.QueryEscape(l.Token)
	}
	return u
}

func (l ShareLink) String() string { return l.URL() }

// ParseShareLink accepts a full share URL (https://host/s/<id>?token=...,
// or the API form .../api/v1/shares/<id>) or a bare share ID resolved
// against defaultBase.
func ParseShareLink(raw, defaultBase string) (ShareLink, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ShareLink{}, errs.Usagef("parse link", "empty share link")
	}

	if !strings.Contains(raw, "://") {
		id, token, _ := strings.Cut(raw, "?token=")
		if !shareIDPattern.MatchString(id) {
			return ShareLink{}, errs.Usagef("parse link", "%q is neither a share URL nor a share id", raw)
		}
		if defaultBase == "" {
			return ShareLink{}, errs.Usagef("parse link", "share id %q given but no server is configured", id)
		}
		return ShareLink{Base: strings.TrimRight(defaultBase, "/"), ID: id, Token: token}, nil
	}

	u, err := url.Parse(raw)
	if err != nil {
		return ShareLink{}, errs.Usage("parse link", err)
	}
	if u.Scheme != "https" && u.Scheme != "http" {
		return ShareLink{}, errs.Usagef("parse link", "unsupported scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return ShareLink{}, errs.Usagef("parse link", "share link %q has no host", raw)
	}

	p := u.EscapedPath()
	var prefix, id string
	for _, marker := range []string{APIPrefix + "/shares/", "/s/"} {
		if i := strings.LastIndex(p, marker); i >= 0 {
			prefix, id = p[:i], p[i+len(marker):]
			break
		}
	}
	id = strings.TrimSuffix(id, "/info")
	id = strings.TrimSuffix(id, "/")
	if unescaped, err := url.PathUnescape(id); err == nil {
		id = unescaped
	}
	if !shareIDPattern.MatchString(id) {
		return ShareLink{}, errs.Usagef("parse link", "share link %q does not name a share", raw)
	}

	token := u.Query().Get("token")
	if token == "" {
		token = u.Fragment
	}
	return ShareLink{
		Base:  u.Scheme + "://" + u.Host + prefix,
		ID:    id,
		Token: token,
	}, nil
}

func linkFromAck(ack *ServerAck, base string) (ShareLink, error) {
	if ack.URL != "" {
		link, err := ParseShareLink(ack.URL, base)
		if err != nil {
			return ShareLink{}, errs.Server("complete upload", 0, fmt.Errorf("unusable share url %q: %w", ack.URL, err))
		}
		if link.Token == "" {
			link.Token = ack.Token
		}
		link.Expires = ack.Expires
		return link, nil
	}
	if !shareIDPattern.MatchString(ack.ID) {
		return ShareLink{}, errs.Server("complete upload", 0, fmt.Errorf("server returned invalid share id %q", ack.ID))
	}
	return ShareLink{Base: base, ID: ack.ID, Token: ack.Token, Expires: ack.Expires}, nil
}
