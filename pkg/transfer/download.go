package transfer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/alttch/sshare/backend"
	"github.com/alttch/sshare/backend/ghttp"
	"github.com/alttch/sshare/internal"
	"github.com/alttch/sshare/pkg/errs"
	"github.com/alttch/sshare/pkg/integrity"
	digest "github.com/opencontainers/go-digest"
	"gopkg.in/yaml.v3"
)

// PartSuffix marks a download that has not been verified yet.
const PartSuffix = ".sshare-part"

// PartInfoSuffix is appended to the partial file's name for the record of
// which share the partial data belongs to.
const PartInfoSuffix = ".yaml"

// partInfo identifies the share a partial download was fetched from. A part
// is only resumed when its record names the same share and digest.
type partInfo struct {
	Share  string        `yaml:"share"`
	Digest digest.Digest `yaml:"digest"`
	Size   int64         `yaml:"size"`
}

// DownloadResult describes a finished download.
type DownloadResult struct {
	SessionID string        `json:"session_id" yaml:"session_id"`
	ShareID   string        `json:"share_id" yaml:"share_id"`
	Path      string        `json:"path" yaml:"path"`
	Size      int64         `json:"size" yaml:"size"`
	Digest    digest.Digest `json:"digest" yaml:"digest"`
	ResumedAt int64         `json:"resumed_at,omitempty" yaml:"resumed_at,omitempty"`
	// Skipped is set when the destination already held the content.
	Skipped bool          `json:"skipped,omitempty" yaml:"skipped,omitempty"`
	Retries int           `json:"retries" yaml:"retries"`
	Elapsed time.Duration `json:"elapsed" yaml:"elapsed"`
}

// Download fetches the share named by req.Source into req.Destination. The
// data lands in <dest>.sshare-part and is renamed into place only after its
// digest matches the one the server recorded at upload time.
func (o *Orchestrator) Download(ctx context.Context, req Request) (*DownloadResult, error) {
	sess, err := newSession(req, integrity.DefaultAlgorithm)
	if err != nil {
		return nil, err
	}
	defer o.track(sess)()

	res, err := o.download(ctx, sess)
	if err != nil {
		err = sess.fail(err)
	}
	o.finish(sess, err)
	return res, err
}

func (o *Orchestrator) download(ctx context.Context, sess *Session) (*DownloadResult, error) {
	const op = "download"
	req := sess.Request
	link, err := ghttp.ParseShareLink(req.Source, o.client.BaseURL())
	if err != nil {
		return nil, err
	}
	if err := sess.transition(StateInProgress); err != nil {
		return nil, err
	}

	info, err := o.client.Info(ctx, link)
	if err != nil {
		return nil, err
	}
	if req.ExpectedSize > 0 && info.Size != req.ExpectedSize {
		return nil, errs.Integrity(op, fmt.Errorf("share is %d bytes, expected %d", info.Size, req.ExpectedSize))
	}
	expected := info.Checksum
	if expected == "" {
		return nil, errs.Integrity(op, errors.New("server metadata has no content digest"))
	}
	if err := expected.Validate(); err != nil {
		return nil, errs.Integrity(op, fmt.Errorf("server digest %q: %w", expected, err))
	}
	if req.Algorithm != "" && req.Algorithm != expected.Algorithm() {
		return nil, errs.Integrity(op, fmt.Errorf("share was digested with %s, %s requested", expected.Algorithm(), req.Algorithm))
	}
	// the digest on record decides the algorithm
	if err := sess.useAlgorithm(expected.Algorithm()); err != nil {
		return nil, err
	}

	dest, err := resolveDestination(req.Destination, info)
	if err != nil {
		return nil, err
	}
	result := &DownloadResult{SessionID: sess.ID, ShareID: link.ID, Path: dest, Size: info.Size, Digest: expected}

	skip, err := checkOverwrite(dest, req.Overwrite, expected)
	if err != nil {
		return nil, err
	}
	if skip {
		internal.Info("destination already holds the share, skipping", internal.Fields{
			internal.FieldPath:   dest,
			internal.FieldDigest: expected.String(),
		})
		result.Skipped = true
		return result, sess.transition(StateCompleted)
	}

	part := dest + PartSuffix
	if err := internal.EnsureParentDir(part); err != nil {
		return nil, errs.LocalIO("create", part, err)
	}
	want := partInfo{Share: link.ID, Digest: expected, Size: info.Size}
	f, offset, err := o.openPart(sess, part, want)
	if err != nil {
		return nil, err
	}
	closed := false
	defer func() {
		if !closed {
			f.Close()
		}
	}()
	result.ResumedAt = offset

	sink := o.sink(filepath.Base(dest), info.Size)
	defer sink.Close()
	if offset > 0 {
		sink.OnBytes(offset, info.Size)
	}

	var streamDigest digest.Digest
	hooks := ghttp.FetchHooks{
		OnStream: func(s *ghttp.Stream) { streamDigest = s.Digest },
		OnData: func(p []byte) error {
			pos := sess.Transferred()
			if _, err := f.WriteAt(p, pos); err != nil {
				return errs.LocalIO("write", part, err)
			}
			o.collector.ObserveDiskWrite(len(p))
			resent, err := sess.ack(op, pos, p)
			if err != nil {
				return err
			}
			o.collector.ObserveReceive(len(p) - int(resent))
			sink.OnBytes(int64(len(p)), info.Size)
			return nil
		},
		OnRewind: func(off int64) error {
			if err := sess.rewind(op, off); err != nil {
				return err
			}
			if err := f.Truncate(off); err != nil {
				return errs.LocalIO("truncate", part, err)
			}
			sink.Rewind(off)
			return nil
		},
		OnRetry: func(int, time.Duration, error) {
			sess.retried()
			o.collector.ObserveRetry()
		},
	}

	if _, err := o.client.Download(ctx, link, offset, hooks); err != nil {
		return nil, err
	}

	if err := f.Sync(); err != nil {
		return nil, errs.LocalIO("sync", part, err)
	}
	closed = true
	if err := f.Close(); err != nil {
		return nil, errs.LocalIO("close", part, err)
	}

	if got := sess.Transferred(); got != info.Size {
		o.collector.ObserveIntegrityFailure()
		return nil, errs.Integrity(op, fmt.Errorf("received %d bytes, share is %d", got, info.Size))
	}
	local := sess.finalize()
	if streamDigest != "" && streamDigest != expected {
		o.collector.ObserveIntegrityFailure()
		return nil, errs.Integrity(op, fmt.Errorf("server sent digest %s, metadata says %s", streamDigest, expected))
	}
	if err := integrity.Verify(op, local, expected); err != nil {
		o.collector.ObserveIntegrityFailure()
		internal.Warn("downloaded data failed verification; kept as partial file", internal.Fields{
			internal.FieldPath:  part,
			internal.FieldError: err.Error(),
		})
		return nil, err
	}

	if err := os.Rename(part, dest); err != nil {
		return nil, errs.LocalIO("rename", dest, err)
	}
	removePartInfo(part)
	if err := sess.transition(StateCompleted); err != nil {
		return nil, err
	}

	internal.Info("download complete", internal.Fields{
		internal.FieldPath:   dest,
		internal.FieldShare:  link.ID,
		internal.FieldSize:   info.Size,
		internal.FieldDigest: local.String(),
	})
	result.Digest = local
	result.Retries = sess.Retries()
	result.Elapsed = sess.Elapsed()
	return result, nil
}

// openPart opens the partial file and replays its content through the
// verifier so the download can continue where an earlier run stopped. A part
// left by another share, or one already as long as the share (it failed
// verification before), is discarded.
func (o *Orchestrator) openPart(sess *Session, part string, want partInfo) (*os.File, int64, error) {
	f, err := os.OpenFile(part, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, 0, errs.LocalIO("open", part, err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, 0, errs.LocalIO("stat", part, err)
	}
	have := info.Size()
	if have > 0 {
		fields := internal.Fields{internal.FieldPath: part, internal.FieldSize: have}
		prev, err := readPartInfo(part)
		switch {
		case err != nil:
			fields[internal.FieldError] = err.Error()
			internal.Warn("discarding partial download of unknown origin", fields)
			have = 0
		case *prev != want:
			fields[internal.FieldShare] = prev.Share
			internal.Warn("discarding partial download of a different share", fields)
			have = 0
		case have >= want.Size:
			internal.Warn("discarding stale partial download", fields)
			have = 0
		}
		if have == 0 {
			if err := f.Truncate(0); err != nil {
				f.Close()
				return nil, 0, errs.LocalIO("truncate", part, err)
			}
		}
	}
	if err := writePartInfo(part, want); err != nil {
		f.Close()
		return nil, 0, errs.LocalIO("write", part+PartInfoSuffix, err)
	}
	if have == 0 {
		return f, 0, nil
	}

	sess.mu.Lock()
	n, err := sess.verifier.ReadFrom(io.LimitReader(f, have))
	if err == nil {
		sess.transferred = n
		sess.highWater = n
	}
	sess.mu.Unlock()
	if err != nil || n != have {
		f.Close()
		if err == nil {
			err = io.ErrUnexpectedEOF
		}
		return nil, 0, errs.LocalIO("read", part, err)
	}
	o.collector.ObserveDiskRead(int(have))
	internal.Info("resuming partial download", internal.Fields{
		internal.FieldPath:   part,
		internal.FieldOffset: have,
	})
	return f, have, nil
}

func readPartInfo(part string) (*partInfo, error) {
	raw, err := os.ReadFile(part + PartInfoSuffix)
	if err != nil {
		return nil, err
	}
	var pi partInfo
	if err := yaml.Unmarshal(raw, &pi); err != nil {
		return nil, fmt.Errorf("parse %s: %w", part+PartInfoSuffix, err)
	}
	return &pi, nil
}

func writePartInfo(part string, pi partInfo) error {
	raw, err := yaml.Marshal(pi)
	if err != nil {
		return err
	}
	target := part + PartInfoSuffix
	tmp := target + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, target)
}

func removePartInfo(part string) {
	if err := os.Remove(part + PartInfoSuffix); err != nil && !errors.Is(err, fs.ErrNotExist) {
		internal.Debug("could not remove partial download record", internal.Fields{
			internal.FieldPath:  part + PartInfoSuffix,
			internal.FieldError: err.Error(),
		})
	}
}

// resolveDestination picks the output path. An empty destination uses the
// share name in the working directory; an existing directory receives the
// share name inside it.
func resolveDestination(dest string, info *ghttp.ShareInfo) (string, error) {
	name := safeName(info)
	if dest == "" {
		return filepath.Abs(name)
	}
	dest = internal.ExpandPath(dest)
	if st, err := os.Stat(dest); err == nil && st.IsDir() {
		dest = filepath.Join(dest, name)
	} else if strings.HasSuffix(dest, string(os.PathSeparator)) {
		dest = filepath.Join(dest, name)
	}
	abs, err := filepath.Abs(dest)
	if err != nil {
		return "", errs.LocalIO("resolve", dest, err)
	}
	return abs, nil
}

// safeName reduces a server supplied name to a single path element.
func safeName(info *ghttp.ShareInfo) string {
	name := filepath.Base(filepath.Clean("/" + strings.ReplaceAll(info.Name, "\\", "/")))
	if name == "/" || name == "." || name == ".." || name == "" {
		return info.ID
	}
	return name
}

// checkOverwrite applies the overwrite policy. It returns true when the
// download can be skipped because dest already holds the expected content.
func checkOverwrite(dest string, policy backend.OverwritePolicy, expected digest.Digest) (bool, error) {
	st, err := os.Stat(dest)
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, errs.LocalIO("stat", dest, err)
	}
	if st.IsDir() {
		return false, errs.Usagef("download", "%s is a directory", dest)
	}
	switch policy {
	case backend.ALWAYS:
		return false, nil
	case backend.IF_DIFFERENT:
		f, err := os.Open(dest)
		if err != nil {
			return false, errs.LocalIO("open", dest, err)
		}
		defer f.Close()
		have, err := integrity.Sum(expected.Algorithm(), f)
		if err != nil {
			return false, errs.LocalIO("read", dest, err)
		}
		return have == expected, nil
	default:
		return false, errs.Usagef("download", "%s already exists (use --overwrite)", dest)
	}
}
