// Package transfer sequences the transport, the integrity verifier and the
// progress reporter for each upload or download.
package transfer

import (
	"errors"
	"io"
	"sync"

	"github.com/alttch/sshare/backend"
	"github.com/alttch/sshare/backend/ghttp"
	"github.com/alttch/sshare/internal"
	"github.com/alttch/sshare/pkg/metrics"
	"github.com/alttch/sshare/pkg/progress"
)

// ProgressFactory creates the reporter for one transfer. label is the file
// name shown to the user.
type ProgressFactory func(label string, total int64) progress.Reporter

type Option func(*Orchestrator)

// WithJournal persists upload state so interrupted uploads can be resumed.
func WithJournal(j backend.Journal) Option {
	return func(o *Orchestrator) { o.journal = j }
}

func WithCollector(c *metrics.TransferCollector) Option {
	return func(o *Orchestrator) { o.collector = c }
}

func WithProgress(f ProgressFactory) Option {
	return func(o *Orchestrator) { o.progress = f }
}

// WithConcurrency bounds the number of files UploadMany sends at once.
func WithConcurrency(n int) Option {
	return func(o *Orchestrator) {
		if n > 0 {
			o.concurrency = n
		}
	}
}

type Orchestrator struct {
	client      *ghttp.Client
	journal     backend.Journal
	collector   *metrics.TransferCollector
	progress    ProgressFactory
	concurrency int

	mu       sync.Mutex
	sessions map[string]*Session
}

func New(client *ghttp.Client, opts ...Option) (*Orchestrator, error) {
	if client == nil {
		return nil, errors.New("transport client is required")
	}
	o := &Orchestrator{
		client:      client,
		concurrency: 2,
		sessions:    make(map[string]*Session),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o, nil
}

// Sessions returns the sessions currently in progress.
func (o *Orchestrator) Sessions() []*Session {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]*Session, 0, len(o.sessions))
	for _, s := range o.sessions {
		out = append(out, s)
	}
	return out
}

func (o *Orchestrator) track(s *Session) func() {
	o.mu.Lock()
	o.sessions[s.ID] = s
	o.mu.Unlock()
	return func() {
		o.mu.Lock()
		delete(o.sessions, s.ID)
		o.mu.Unlock()
	}
}

func (o *Orchestrator) sink(label string, total int64) *progress.Sink {
	var r progress.Reporter
	if o.progress != nil {
		r = o.progress(label, total)
	}
	return progress.NewSink(r, total)
}

func (o *Orchestrator) finish(s *Session, err error) {
	o.collector.ObserveResult(err)
	if err != nil {
		internal.Debug("transfer failed", internal.Fields{
			internal.FieldSession: s.ID,
			internal.FieldPath:    s.Request.Source,
			internal.FieldOffset:  s.Transferred(),
			internal.FieldError:   err.Error(),
		})
	}
}

// countingReaderAt reports bytes read from disk.
type countingReaderAt struct {
	r       io.ReaderAt
	observe func(int)
}

func (c *countingReaderAt) ReadAt(p []byte, off int64) (int, error) {
	n, err := c.r.ReadAt(p, off)
	c.observe(n)
	return n, err
}
