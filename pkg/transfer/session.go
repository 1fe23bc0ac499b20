package transfer

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/alttch/sshare/backend"
	"github.com/alttch/sshare/pkg/errs"
	"github.com/alttch/sshare/pkg/integrity"
	"github.com/google/uuid"
	digest "github.com/opencontainers/go-digest"
)

type State int

const (
	StatePending State = iota
	StateInProgress
	StateCompleted
	StateFailed
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateInProgress:
		return "in_progress"
	case StateCompleted:
		return "completed"
	case StateFailed:
		return "failed"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

var ErrIllegalTransition = errors.New("illegal state transition")

// allowed lists legal transitions. InProgress may be re-entered on retry.
var allowed = map[State][]State{
	StatePending:    {StateInProgress, StateFailed},
	StateInProgress: {StateInProgress, StateCompleted, StateFailed},
}

// Request describes one transfer. It is not modified once handed to the
// orchestrator.
type Request struct {
	// Source is a local path for uploads and a share link or id for downloads.
	Source string
	// Destination is the local path or directory of a download. Unused for
	// uploads.
	Destination string
	// ExpectedSize is checked against the actual size when positive.
	ExpectedSize int64
	Algorithm    digest.Algorithm

	// Upload options.
	Name    string
	Expires time.Duration
	OneShot bool
	Resume  bool

	// Download options.
	Overwrite backend.OverwritePolicy
}

// Session is the state of one transfer. Only the orchestrator and the
// transport callbacks it installs mutate it.
type Session struct {
	ID      string
	Request Request

	mu          sync.Mutex
	state       State
	verifier    *integrity.Verifier
	transferred int64
	// highWater is the furthest offset ever acknowledged; bytes below it are
	// being sent or received for the second time.
	highWater  int64
	retries    int
	rewinds    int
	uploadID   string
	startedAt  time.Time
	finishedAt time.Time
	err        error
}

func newSession(req Request, alg digest.Algorithm) (*Session, error) {
	v, err := integrity.New(alg)
	if err != nil {
		return nil, err
	}
	return &Session{
		ID:       uuid.NewString(),
		Request:  req,
		state:    StatePending,
		verifier: v,
	}, nil
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Transferred is the number of bytes acknowledged and hashed so far.
func (s *Session) Transferred() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.transferred
}

func (s *Session) Retries() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.retries
}

func (s *Session) Rewinds() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rewinds
}

func (s *Session) UploadID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.uploadID
}

// Err is the failure that ended the session, if any.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *Session) Elapsed() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.startedAt.IsZero() {
		return 0
	}
	end := s.finishedAt
	if end.IsZero() {
		end = time.Now()
	}
	return end.Sub(s.startedAt)
}

// Checkpoint captures the digest state at the acknowledged offset.
func (s *Session) Checkpoint() (integrity.Checkpoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.verifier.Checkpoint()
}

func (s *Session) transition(to State) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.transitionLocked(to)
}

func (s *Session) transitionLocked(to State) error {
	for _, next := range allowed[s.state] {
		if next == to {
			if to == StateInProgress && s.startedAt.IsZero() {
				s.startedAt = time.Now()
			}
			if to == StateCompleted || to == StateFailed {
				s.finishedAt = time.Now()
			}
			s.state = to
			return nil
		}
	}
	return fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, s.state, to)
}

// fail moves the session to Failed and returns err unchanged.
func (s *Session) fail(err error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateFailed && s.state != StateCompleted {
		_ = s.transitionLocked(StateFailed)
		s.err = err
	}
	return err
}

// useAlgorithm replaces the verifier of a session that has not hashed
// anything yet.
func (s *Session) useAlgorithm(alg digest.Algorithm) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.verifier.Algorithm() == alg {
		return nil
	}
	if s.transferred != 0 {
		return fmt.Errorf("cannot change digest algorithm after %d bytes", s.transferred)
	}
	v, err := integrity.New(alg)
	if err != nil {
		return errs.Integrity("download", err)
	}
	s.verifier = v
	return nil
}

// resumeFrom restores the digest state of an earlier run.
func (s *Session) resumeFrom(cp integrity.Checkpoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.verifier.Restore(cp); err != nil {
		return err
	}
	s.transferred = cp.Offset
	s.highWater = max(s.highWater, cp.Offset)
	return nil
}

// ack feeds the bytes acknowledged at off into the digest. It returns how
// many of them had been acknowledged before, i.e. were resent.
func (s *Session) ack(op string, off int64, p []byte) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if off != s.transferred {
		return 0, errs.Integrity(op, fmt.Errorf("acknowledged offset %d does not follow %d", off, s.transferred))
	}
	s.verifier.Update(p)
	s.transferred += int64(len(p))
	resent := min(s.highWater, s.transferred) - off
	if resent < 0 {
		resent = 0
	}
	s.highWater = max(s.highWater, s.transferred)
	return resent, nil
}

// rewind moves the session back to off. Only a restart from zero or a no-op
// rewind can be honoured; hash state for other offsets is not kept.
func (s *Session) rewind(op string, off int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch off {
	case s.transferred:
		return nil
	case 0:
		s.verifier.Reset()
		s.transferred = 0
		s.rewinds++
		return nil
	}
	return errs.Server(op, 0, fmt.Errorf("cannot resume at offset %d, have %d", off, s.transferred))
}

func (s *Session) retried() {
	s.mu.Lock()
	s.retries++
	s.mu.Unlock()
}

func (s *Session) setUploadID(id string) {
	s.mu.Lock()
	s.uploadID = id
	s.mu.Unlock()
}

func (s *Session) finalize() digest.Digest {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.verifier.Finalize()
}
