package transfer

import (
	"errors"
	"testing"

	"github.com/alttch/sshare/pkg/errs"
	"github.com/alttch/sshare/pkg/integrity"
	digest "github.com/opencontainers/go-digest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSessionTransitions(t *testing.T) {
	tests := []struct {
		name  string
		path  []State
		legal bool
	}{
		{"happy path", []State{StateInProgress, StateCompleted}, true},
		{"retry re-enters in progress", []State{StateInProgress, StateInProgress, StateCompleted}, true},
		{"fail before start", []State{StateFailed}, true},
		{"complete without starting", []State{StateCompleted}, false},
		{"leave completed", []State{StateInProgress, StateCompleted, StateInProgress}, false},
		{"leave failed", []State{StateInProgress, StateFailed, StateCompleted}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, err := newSession(Request{}, integrity.DefaultAlgorithm)
			require.NoError(t, err)
			var last error
			for _, to := range tt.path {
				if last = s.transition(to); last != nil {
					break
				}
			}
			if tt.legal {
				assert.NoError(t, last)
				assert.Equal(t, tt.path[len(tt.path)-1], s.State())
			} else {
				assert.ErrorIs(t, last, ErrIllegalTransition)
			}
		})
	}
}

func TestSessionFailKeepsFirstError(t *testing.T) {
	s, err := newSession(Request{}, integrity.DefaultAlgorithm)
	require.NoError(t, err)
	require.NoError(t, s.transition(StateInProgress))

	first := errors.New("first")
	assert.Same(t, first, s.fail(first))
	_ = s.fail(errors.New("second"))
	assert.Equal(t, StateFailed, s.State())
	assert.Equal(t, first, s.Err())
}

func TestSessionAckAndRewind(t *testing.T) {
	s, err := newSession(Request{}, integrity.DefaultAlgorithm)
	require.NoError(t, err)

	resent, err := s.ack("upload", 0, []byte("hello "))
	require.NoError(t, err)
	assert.Zero(t, resent)

	_, err = s.ack("upload", 2, []byte("x"))
	assert.ErrorIs(t, err, errs.ErrIntegrity)

	require.NoError(t, s.rewind("upload", 6), "rewind to the current offset is a no-op")
	assert.Equal(t, 0, s.Rewinds())

	assert.ErrorIs(t, s.rewind("upload", 3), errs.ErrServer)

	require.NoError(t, s.rewind("upload", 0))
	assert.Equal(t, 1, s.Rewinds())
	assert.Zero(t, s.Transferred())

	resent, err = s.ack("upload", 0, []byte("hello world"))
	require.NoError(t, err)
	assert.Equal(t, int64(6), resent)
	assert.Equal(t, digest.FromString("hello world"), s.finalize())
}

func TestSessionResumeFromCheckpoint(t *testing.T) {
	a, err := newSession(Request{}, integrity.DefaultAlgorithm)
	require.NoError(t, err)
	_, err = a.ack("upload", 0, []byte("resumable "))
	require.NoError(t, err)
	cp, err := a.Checkpoint()
	require.NoError(t, err)

	b, err := newSession(Request{}, integrity.DefaultAlgorithm)
	require.NoError(t, err)
	require.NoError(t, b.resumeFrom(cp))
	assert.Equal(t, int64(10), b.Transferred())
	resent, err := b.ack("upload", 10, []byte("upload"))
	require.NoError(t, err)
	assert.Zero(t, resent)
	assert.Equal(t, digest.FromString("resumable upload"), b.finalize())
}

func TestSessionUseAlgorithm(t *testing.T) {
	s, err := newSession(Request{}, digest.SHA256)
	require.NoError(t, err)
	require.NoError(t, s.useAlgorithm(digest.SHA512))
	_, err = s.ack("download", 0, []byte("abc"))
	require.NoError(t, err)
	assert.Error(t, s.useAlgorithm(digest.SHA256))
	assert.Equal(t, digest.SHA512.FromString("abc"), s.finalize())
}
