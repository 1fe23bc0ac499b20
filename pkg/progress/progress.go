// Package progress delivers byte counts from a running transfer to whatever
// renders them, without letting the renderer slow the transfer down.
package progress

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/alttch/sshare/internal"
)

// Reporter receives transfer progress. n is the number of newly acknowledged
// bytes and is negative when a transfer restarts from an earlier offset.
// total is zero when the size is unknown.
type Reporter interface {
	OnBytes(n, total int64)
}

// Func adapts a plain function to Reporter.
type Func func(n, total int64)

func (f Func) OnBytes(n, total int64) { f(n, total) }

// Nop discards progress.
type Nop struct{}

func (Nop) OnBytes(int64, int64) {}

// Closer is implemented by reporters that hold terminal resources.
type Closer interface {
	Close() error
}

const defaultCloseTimeout = 2 * time.Second

// Sink sits between a transfer and a Reporter. OnBytes only updates atomic
// counters and signals the render goroutine, so a slow or stuck renderer
// never stalls the transfer. Bursts of updates are coalesced into a single
// OnBytes call on the reporter.
type Sink struct {
	reporter Reporter

	done     atomic.Int64
	total    atomic.Int64
	rendered int64

	wake    chan struct{}
	stop    chan struct{}
	stopped chan struct{}
	once    sync.Once

	closeTimeout time.Duration
	panics       atomic.Int64
}

// NewSink starts the render goroutine for r. A nil r behaves like Nop.
func NewSink(r Reporter, total int64) *Sink {
	if r == nil {
		r = Nop{}
	}
	s := &Sink{
		reporter:     r,
		wake:         make(chan struct{}, 1),
		stop:         make(chan struct{}),
		stopped:      make(chan struct{}),
		closeTimeout: defaultCloseTimeout,
	}
	s.total.Store(total)
	go s.run()
	return s
}

// OnBytes records n acknowledged bytes. It never blocks.
func (s *Sink) OnBytes(n, total int64) {
	s.done.Add(n)
	if total > 0 {
		s.total.Store(total)
	}
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Rewind moves the acknowledged count back to offset.
func (s *Sink) Rewind(offset int64) {
	s.done.Store(offset)
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Done is the number of acknowledged bytes.
func (s *Sink) Done() int64 {
	return s.done.Load()
}

// Fraction is the completed share of the transfer in [0, 1]. A transfer of
// unknown or zero size reports 0 until it is closed.
func (s *Sink) Fraction() float64 {
	total := s.total.Load()
	if total <= 0 {
		return 0
	}
	f := float64(s.done.Load()) / float64(total)
	if f > 1 {
		return 1
	}
	return f
}

func (s *Sink) run() {
	defer close(s.stopped)
	for {
		select {
		case <-s.wake:
			s.flush()
		case <-s.stop:
			s.flush()
			return
		}
	}
}

func (s *Sink) flush() {
	current := s.done.Load()
	delta := current - s.rendered
	if delta == 0 {
		return
	}
	s.rendered = current
	s.deliver(delta, s.total.Load())
}

func (s *Sink) deliver(n, total int64) {
	defer func() {
		if r := recover(); r != nil {
			if s.panics.Add(1) == 1 {
				internal.Warn("progress reporter panicked; further output suppressed", internal.Fields{
					internal.FieldError: fmt.Sprint(r),
				})
			}
		}
	}()
	if s.panics.Load() > 0 {
		return
	}
	s.reporter.OnBytes(n, total)
}

// Close flushes pending progress and stops the render goroutine. It waits a
// bounded amount of time for the reporter; a reporter that does not return in
// time is abandoned.
func (s *Sink) Close() error {
	s.once.Do(func() { close(s.stop) })
	select {
	case <-s.stopped:
	case <-time.After(s.closeTimeout):
		return nil
	}
	if c, ok := s.reporter.(Closer); ok {
		return c.Close()
	}
	return nil
}
