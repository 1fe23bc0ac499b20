package transfer

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/alttch/sshare/backend"
	"github.com/alttch/sshare/backend/ghttp"
	"github.com/alttch/sshare/backend/pool"
	"github.com/alttch/sshare/internal"
	"github.com/alttch/sshare/pkg/errs"
	"github.com/alttch/sshare/pkg/integrity"
	digest "github.com/opencontainers/go-digest"
)

// UploadResult describes a finished upload.
type UploadResult struct {
	SessionID string          `json:"session_id" yaml:"session_id"`
	Path      string          `json:"path" yaml:"path"`
	Name      string          `json:"name" yaml:"name"`
	Size      int64           `json:"size" yaml:"size"`
	Digest    digest.Digest   `json:"digest" yaml:"digest"`
	Link      ghttp.ShareLink `json:"-" yaml:"-"`
	URL       string          `json:"url" yaml:"url"`
	Expires   time.Time       `json:"expires,omitempty" yaml:"expires,omitempty"`
	ResumedAt int64           `json:"resumed_at,omitempty" yaml:"resumed_at,omitempty"`
	Retries   int             `json:"retries" yaml:"retries"`
	Elapsed   time.Duration   `json:"elapsed" yaml:"elapsed"`
}

// Upload sends the file at req.Source and returns its share link once the
// server's digest matches the local one.
func (o *Orchestrator) Upload(ctx context.Context, req Request) (*UploadResult, error) {
	alg := req.Algorithm
	if alg == "" {
		alg = integrity.DefaultAlgorithm
	}
	sess, err := newSession(req, alg)
	if err != nil {
		return nil, err
	}
	defer o.track(sess)()

	res, err := o.upload(ctx, sess, alg)
	if err != nil {
		err = sess.fail(err)
	}
	o.finish(sess, err)
	return res, err
}

func (o *Orchestrator) upload(ctx context.Context, sess *Session, alg digest.Algorithm) (*UploadResult, error) {
	const op = "upload"
	req := sess.Request
	path, err := filepath.Abs(internal.ExpandPath(req.Source))
	if err != nil {
		return nil, errs.LocalIO("open", req.Source, err)
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, errs.LocalIO("open", path, err)
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return nil, errs.LocalIO("stat", path, err)
	}
	if !info.Mode().IsRegular() {
		return nil, errs.Usagef(op, "%s is not a regular file", path)
	}
	size := info.Size()
	if req.ExpectedSize > 0 && req.ExpectedSize != size {
		return nil, errs.LocalIO("stat", path, fmt.Errorf("file is %d bytes, expected %d", size, req.ExpectedSize))
	}
	name := req.Name
	if name == "" {
		name = filepath.Base(path)
	}

	if err := sess.transition(StateInProgress); err != nil {
		return nil, err
	}

	params := ghttp.UploadParams{
		Name:        name,
		Size:        size,
		Algorithm:   alg,
		ContentType: ghttp.DetectContentType(f, size),
		Expires:     req.Expires,
		OneShot:     req.OneShot,
	}

	key := backend.JournalKey(o.client.BaseURL(), path)
	entry := &backend.JournalEntry{
		Key:     key,
		Server:  o.client.BaseURL(),
		Path:    path,
		Name:    name,
		Size:    size,
		ModTime: info.ModTime().UTC(),
		Expires: req.Expires,
		OneShot: req.OneShot,
	}
	resumedAt := o.resumeUpload(sess, entry, &params)

	sink := o.sink(name, size)
	defer sink.Close()
	if resumedAt > 0 {
		sink.OnBytes(resumedAt, size)
	}

	src := &countingReaderAt{r: f, observe: o.collector.ObserveDiskRead}
	hooks := ghttp.SendHooks{
		OnSession: func(s ghttp.UploadSession) {
			// A new server session means the journalled offset was not honoured.
			resumedAt = 0
			sess.setUploadID(s.ID)
			entry.UploadID = s.ID
			entry.Checkpoint = integrity.Checkpoint{Algorithm: alg}
			o.saveJournal(entry)
		},
		OnAck: func(off int64, p []byte) error {
			resent, err := sess.ack(op, off, p)
			if err != nil {
				return err
			}
			o.collector.ObserveSend(int(resent), true)
			o.collector.ObserveSend(len(p)-int(resent), false)
			sink.OnBytes(int64(len(p)), size)
			if o.journal != nil {
				if cp, err := sess.Checkpoint(); err == nil {
					entry.Checkpoint = cp
					o.saveJournal(entry)
				}
			}
			return nil
		},
		OnRewind: func(off int64) error {
			if err := sess.rewind(op, off); err != nil {
				return err
			}
			sink.Rewind(off)
			return nil
		},
		OnRetry: func(int, time.Duration, error) {
			sess.retried()
			o.collector.ObserveRetry()
		},
	}

	ack, err := o.client.Send(ctx, src, params, hooks)
	if err != nil {
		if !keepJournal(err) {
			o.removeJournal(key)
		}
		return nil, err
	}

	if got := sess.Transferred(); got != size {
		o.removeJournal(key)
		return nil, errs.Integrity(op, fmt.Errorf("acknowledged %d bytes of %d", got, size))
	}
	local := sess.finalize()
	link, linkErr := o.client.LinkFor(ack)
	if err := integrity.Verify(op, local, ack.Checksum); err != nil {
		o.collector.ObserveIntegrityFailure()
		o.removeJournal(key)
		if linkErr == nil {
			o.discard(link)
		}
		return nil, err
	}
	if linkErr != nil {
		return nil, linkErr
	}
	o.removeJournal(key)
	if err := sess.transition(StateCompleted); err != nil {
		return nil, err
	}

	internal.Info("upload complete", internal.Fields{
		internal.FieldPath:   path,
		internal.FieldShare:  link.ID,
		internal.FieldSize:   size,
		internal.FieldDigest: local.String(),
	})
	return &UploadResult{
		SessionID: sess.ID,
		Path:      path,
		Name:      name,
		Size:      size,
		Digest:    local,
		Link:      link,
		URL:       link.URL(),
		Expires:   link.Expires,
		ResumedAt: resumedAt,
		Retries:   sess.Retries(),
		Elapsed:   sess.Elapsed(),
	}, nil
}

// resumeUpload restores a journalled upload of the same file. It returns the
// offset the upload continues from.
func (o *Orchestrator) resumeUpload(sess *Session, entry *backend.JournalEntry, params *ghttp.UploadParams) int64 {
	if o.journal == nil {
		return 0
	}
	prev, err := o.journal.Load(entry.Key)
	if err != nil {
		if !errors.Is(err, backend.ErrNoJournalEntry) {
			internal.Warn("ignoring unreadable resume journal entry", internal.Fields{
				internal.FieldPath:  entry.Path,
				internal.FieldError: err.Error(),
			})
		}
		return 0
	}
	fields := internal.Fields{internal.FieldPath: entry.Path, internal.FieldUpload: prev.UploadID}
	switch {
	case !sess.Request.Resume:
		internal.Debug("discarding earlier upload state; resume not requested", fields)
	case !prev.Matches(entry.Size, entry.ModTime):
		internal.Warn("file changed since the interrupted upload, starting over", fields)
	case prev.UploadID == "" || prev.Checkpoint.Algorithm != params.Algorithm:
		internal.Warn("interrupted upload used different settings, starting over", fields)
	case prev.Name != entry.Name || prev.Expires != entry.Expires || prev.OneShot != entry.OneShot:
		internal.Warn("share settings changed since the interrupted upload, starting over", fields)
	default:
		if err := sess.resumeFrom(prev.Checkpoint); err != nil {
			fields[internal.FieldError] = err.Error()
			internal.Warn("cannot restore digest state, starting over", fields)
			break
		}
		params.ResumeID = prev.UploadID
		params.ResumeOffset = prev.Offset()
		entry.UploadID = prev.UploadID
		entry.Checkpoint = prev.Checkpoint
		entry.StartedAt = prev.StartedAt
		fields[internal.FieldOffset] = prev.Offset()
		internal.Info("resuming interrupted upload", fields)
		return prev.Offset()
	}
	o.removeJournal(entry.Key)
	return 0
}

func (o *Orchestrator) saveJournal(entry *backend.JournalEntry) {
	if o.journal == nil {
		return
	}
	if err := o.journal.Save(entry); err != nil {
		internal.Warn("could not record upload state", internal.Fields{
			internal.FieldPath:  entry.Path,
			internal.FieldError: err.Error(),
		})
	}
}

func (o *Orchestrator) removeJournal(key string) {
	if o.journal == nil {
		return
	}
	_ = o.journal.Remove(key)
}

// keepJournal reports whether a failed upload may be continued later.
func keepJournal(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	return errs.KindOf(err) == errs.KindNetwork
}

// discard deletes a share whose content did not verify. Failures are only
// logged; the integrity error is what the caller needs to see.
func (o *Orchestrator) discard(link ghttp.ShareLink) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := o.client.Delete(ctx, link); err != nil {
		internal.Warn("could not delete unverified share", internal.Fields{
			internal.FieldShare: link.ID,
			internal.FieldError: err.Error(),
		})
	}
}

// UploadOutcome pairs a request from UploadMany with its result.
type UploadOutcome struct {
	Request Request
	Result  *UploadResult
	Err     error
}

// UploadMany uploads every request with bounded concurrency. Each file runs
// its own session; outcomes are returned in request order.
func (o *Orchestrator) UploadMany(ctx context.Context, reqs []Request) []UploadOutcome {
	type task struct {
		idx int
		req Request
	}
	out := make([]UploadOutcome, len(reqs))
	for i, r := range reqs {
		out[i].Request = r
	}

	wp := pool.NewWorkerPool[task](min(o.concurrency, max(len(reqs), 1)), len(reqs))
	for i, r := range reqs {
		wp.Ingress() <- task{idx: i, req: r}
	}
	wp.CloseIngress()
	wp.Run(ctx, func(ctx context.Context, t task) {
		res, err := o.Upload(ctx, t.req)
		out[t.idx].Result = res
		out[t.idx].Err = err
		if err != nil {
			wp.PublishError(err)
		}
	})
	o.reportFailures(wp.Errors())

	for i := range out {
		if out[i].Result == nil && out[i].Err == nil {
			out[i].Err = ctx.Err()
		}
	}
	return out
}

// reportFailures logs the failures published by the workers of one batch.
// Run has returned, so nothing sends on errc any more.
func (o *Orchestrator) reportFailures(errc <-chan error) int {
	n := 0
	for {
		select {
		case err := <-errc:
			n++
			internal.Debug("batch upload failed", internal.Fields{internal.FieldError: err.Error()})
		default:
			if n > 0 {
				internal.Warn("some uploads in the batch failed", internal.Fields{"failed": n})
			}
			return n
		}
	}
}
