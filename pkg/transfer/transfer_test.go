package transfer_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alttch/sshare/backend"
	"github.com/alttch/sshare/backend/ghttp"
	"github.com/alttch/sshare/pkg/errs"
	"github.com/alttch/sshare/pkg/metrics"
	"github.com/alttch/sshare/pkg/progress"
	"github.com/alttch/sshare/pkg/transfer"
	"github.com/alttch/sshare/server"
	"github.com/gin-gonic/gin"
	digest "github.com/opencontainers/go-digest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const token = "upload-token"

func TestMain(m *testing.M) {
	gin.SetMode(gin.TestMode)
	os.Exit(m.Run())
}

type interceptor struct {
	next http.Handler
	mu   sync.Mutex
	hook func(w http.ResponseWriter, r *http.Request) bool
}

func (i *interceptor) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	i.mu.Lock()
	hook := i.hook
	i.mu.Unlock()
	if hook != nil && hook(w, r) {
		return
	}
	i.next.ServeHTTP(w, r)
}

func (i *interceptor) set(hook func(w http.ResponseWriter, r *http.Request) bool) {
	i.mu.Lock()
	i.hook = hook
	i.mu.Unlock()
}

type fixtureOptions struct {
	chunk      int64
	resumable  bool
	maxRetries int
}

type fixture struct {
	t         *testing.T
	dir       string
	ic        *interceptor
	client    *ghttp.Client
	orch      *transfer.Orchestrator
	collector *metrics.TransferCollector
	journal   *backend.YamlJournal
	progress  atomic.Int64
}

func newFixture(t *testing.T, fo fixtureOptions) *fixture {
	t.Helper()
	if fo.chunk == 0 {
		fo.chunk = 1024
	}
	if fo.maxRetries == 0 {
		fo.maxRetries = 3
	}
	srv, err := server.New(server.Options{
		DataDir:   t.TempDir(),
		Tokens:    []string{token},
		ChunkSize: fo.chunk,
		MaxSize:   64 << 20,
		Resumable: fo.resumable,
	})
	require.NoError(t, err)
	ic := &interceptor{next: srv.Handler()}
	ts := httptest.NewServer(ic)
	t.Cleanup(ts.Close)

	clients, err := ghttp.NewHttpClientPool(4, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = clients.ShutDown() })
	client, err := ghttp.NewClient(ghttp.Options{
		BaseURL:        ts.URL,
		Token:          token,
		ChunkSize:      fo.chunk,
		MaxRetries:     max(fo.maxRetries, 0),
		RetryBackoff:   time.Millisecond,
		RequestTimeout: 5 * time.Second,
	}, clients)
	require.NoError(t, err)

	f := &fixture{t: t, dir: t.TempDir(), ic: ic, client: client, collector: metrics.NewTransferCollector("")}
	f.journal, err = backend.NewYamlJournal(filepath.Join(f.dir, "journal"))
	require.NoError(t, err)
	f.orch, err = transfer.New(client,
		transfer.WithJournal(f.journal),
		transfer.WithCollector(f.collector),
		transfer.WithConcurrency(2),
		transfer.WithProgress(func(string, int64) progress.Reporter {
			return progress.Func(func(n, _ int64) { f.progress.Add(n) })
		}),
	)
	require.NoError(t, err)
	return f
}

func (f *fixture) writeFile(name string, data []byte) string {
	f.t.Helper()
	p := filepath.Join(f.dir, name)
	require.NoError(f.t, os.WriteFile(p, data, 0o644))
	return p
}

func (f *fixture) outDir() string {
	f.t.Helper()
	d := filepath.Join(f.dir, "out")
	require.NoError(f.t, os.MkdirAll(d, 0o755))
	return d
}

func payload(n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(i*7 ^ i>>9)
	}
	return b
}

func patchOffset(r *http.Request) int64 {
	off, _ := strconv.ParseInt(r.Header.Get(ghttp.HeaderUploadOffset), 10, 64)
	return off
}

func isShareGet(r *http.Request) bool {
	return r.Method == http.MethodGet && bytes.Contains([]byte(r.URL.Path), []byte("/shares/")) &&
		!bytes.HasSuffix([]byte(r.URL.Path), []byte("/info"))
}

func TestRoundTripSizes(t *testing.T) {
	for _, size := range []int{0, 1, 1023, 1024, 1025, 5000} {
		t.Run(strconv.Itoa(size), func(t *testing.T) {
			f := newFixture(t, fixtureOptions{resumable: true})
			data := payload(size)
			src := f.writeFile("data.bin", data)

			up, err := f.orch.Upload(context.Background(), transfer.Request{Source: src})
			require.NoError(t, err)
			assert.Equal(t, digest.FromBytes(data), up.Digest)
			assert.Equal(t, int64(size), up.Size)
			assert.Equal(t, "data.bin", up.Name)
			assert.Equal(t, int64(size), f.progress.Load())

			down, err := f.orch.Download(context.Background(), transfer.Request{Source: up.URL, Destination: f.outDir()})
			require.NoError(t, err)
			assert.Equal(t, filepath.Join(f.outDir(), "data.bin"), down.Path)
			assert.Equal(t, up.Digest, down.Digest)

			got, err := os.ReadFile(down.Path)
			require.NoError(t, err)
			assert.Equal(t, data, got)
			assert.NoFileExists(t, down.Path+transfer.PartSuffix)
			assert.NoFileExists(t, down.Path+transfer.PartSuffix+transfer.PartInfoSuffix)

			entries, err := f.journal.List()
			require.NoError(t, err)
			assert.Empty(t, entries)
			s := f.collector.Snapshot()
			assert.Equal(t, uint64(2), s.Completed)
			assert.Equal(t, uint64(size), s.BytesSent)
			assert.Equal(t, uint64(size), s.BytesReceived)
		})
	}
}

func TestUploadWithForcedRetryAtHalfway(t *testing.T) {
	const size = 10 << 20
	f := newFixture(t, fixtureOptions{chunk: 1 << 20, resumable: true})
	data := payload(size)
	src := f.writeFile("big.bin", data)

	clean, err := f.orch.Upload(context.Background(), transfer.Request{Source: src, Name: "clean.bin"})
	require.NoError(t, err)

	var failed atomic.Bool
	f.ic.set(func(w http.ResponseWriter, r *http.Request) bool {
		if r.Method != http.MethodPatch || patchOffset(r) < size/2 || !failed.CompareAndSwap(false, true) {
			return false
		}
		// stored, but the answer is lost
		f.ic.next.ServeHTTP(httptest.NewRecorder(), r)
		w.WriteHeader(http.StatusBadGateway)
		return true
	})

	retried, err := f.orch.Upload(context.Background(), transfer.Request{Source: src})
	require.NoError(t, err)
	assert.True(t, failed.Load())
	assert.Equal(t, 1, retried.Retries)
	assert.Equal(t, clean.Digest, retried.Digest)
	assert.Equal(t, digest.FromBytes(data), retried.Digest)

	out := filepath.Join(f.dir, "copy.bin")
	f.ic.set(nil)
	_, err = f.orch.Download(context.Background(), transfer.Request{Source: retried.URL, Destination: out})
	require.NoError(t, err)
	got, err := os.ReadFile(out)
	require.NoError(t, err)
	assert.True(t, bytes.Equal(data, got))
}

func TestUploadRestartsOnNonResumableServer(t *testing.T) {
	f := newFixture(t, fixtureOptions{resumable: false})
	data := payload(6000)
	src := f.writeFile("data.bin", data)

	var patches atomic.Int32
	f.ic.set(func(w http.ResponseWriter, r *http.Request) bool {
		if r.Method == http.MethodPatch && patches.Add(1) == 4 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return true
		}
		return false
	})

	res, err := f.orch.Upload(context.Background(), transfer.Request{Source: src})
	require.NoError(t, err)
	assert.Equal(t, digest.FromBytes(data), res.Digest)
	assert.Equal(t, int64(6000), f.progress.Load(), "progress rewinds with the transfer")

	s := f.collector.Snapshot()
	assert.Equal(t, uint64(6000), s.BytesSent)
	assert.Equal(t, uint64(3072), s.BytesResent)
	assert.Equal(t, uint64(1), s.Retries)
}

func TestUploadDigestMismatchDeletesShare(t *testing.T) {
	f := newFixture(t, fixtureOptions{resumable: true})
	src := f.writeFile("data.bin", payload(3000))

	var (
		mu       sync.Mutex
		tampered ghttp.ServerAck
	)
	f.ic.set(func(w http.ResponseWriter, r *http.Request) bool {
		if r.Method != http.MethodPost || !bytes.HasSuffix([]byte(r.URL.Path), []byte("/complete")) {
			return false
		}
		rec := httptest.NewRecorder()
		f.ic.next.ServeHTTP(rec, r)
		mu.Lock()
		_ = json.Unmarshal(rec.Body.Bytes(), &tampered)
		tampered.Checksum = digest.FromString("something else")
		body, _ := json.Marshal(tampered)
		mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(rec.Code)
		_, _ = w.Write(body)
		return true
	})

	_, err := f.orch.Upload(context.Background(), transfer.Request{Source: src})
	require.Error(t, err)
	assert.ErrorIs(t, err, errs.ErrIntegrity)
	assert.Equal(t, uint64(1), f.collector.Snapshot().IntegrityFailures)

	f.ic.set(nil)
	mu.Lock()
	link, err := f.client.LinkFor(&tampered)
	mu.Unlock()
	require.NoError(t, err)
	_, err = f.client.Info(context.Background(), link)
	assert.True(t, errs.IsNotFound(err), "unverified share should be deleted, got %v", err)
}

func TestDownloadDigestMismatchKeepsPartialFile(t *testing.T) {
	f := newFixture(t, fixtureOptions{resumable: true})
	data := payload(4000)
	up, err := f.orch.Upload(context.Background(), transfer.Request{Source: f.writeFile("data.bin", data)})
	require.NoError(t, err)

	f.ic.set(func(w http.ResponseWriter, r *http.Request) bool {
		if r.Method != http.MethodGet || !bytes.HasSuffix([]byte(r.URL.Path), []byte("/info")) {
			return false
		}
		rec := httptest.NewRecorder()
		f.ic.next.ServeHTTP(rec, r)
		var info ghttp.ShareInfo
		_ = json.Unmarshal(rec.Body.Bytes(), &info)
		info.Checksum = digest.FromString("not the content")
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(info)
		return true
	})

	dest := filepath.Join(f.dir, "out.bin")
	_, err = f.orch.Download(context.Background(), transfer.Request{Source: up.URL, Destination: dest})
	require.Error(t, err)
	assert.ErrorIs(t, err, errs.ErrIntegrity)
	assert.NoFileExists(t, dest)
	part, err := os.ReadFile(dest + transfer.PartSuffix)
	require.NoError(t, err)
	assert.Equal(t, data, part)

	// a later run discards the full-length part and fetches again
	f.ic.set(nil)
	res, err := f.orch.Download(context.Background(), transfer.Request{Source: up.URL, Destination: dest})
	require.NoError(t, err)
	assert.Zero(t, res.ResumedAt)
	got, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, data, got)
}

func TestDownloadPermanentFailure(t *testing.T) {
	f := newFixture(t, fixtureOptions{resumable: true, maxRetries: 2})
	up, err := f.orch.Upload(context.Background(), transfer.Request{Source: f.writeFile("data.bin", payload(100))})
	require.NoError(t, err)

	var gets atomic.Int32
	f.ic.set(func(w http.ResponseWriter, r *http.Request) bool {
		if !isShareGet(r) {
			return false
		}
		gets.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
		return true
	})

	dest := filepath.Join(f.dir, "out.bin")
	_, err = f.orch.Download(context.Background(), transfer.Request{Source: up.URL, Destination: dest})
	require.Error(t, err)
	assert.ErrorIs(t, err, errs.ErrNetwork)
	assert.Equal(t, int32(3), gets.Load())
	assert.NoFileExists(t, dest)
	assert.Equal(t, uint64(1), f.collector.Snapshot().Failed)
}

func TestUploadPermanentFailureKeepsJournal(t *testing.T) {
	f := newFixture(t, fixtureOptions{resumable: true, maxRetries: -1})
	data := payload(4096)
	src := f.writeFile("data.bin", data)

	f.ic.set(func(w http.ResponseWriter, r *http.Request) bool {
		if r.Method == http.MethodPatch && patchOffset(r) >= 2048 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return true
		}
		return false
	})
	_, err := f.orch.Upload(context.Background(), transfer.Request{Source: src})
	require.Error(t, err)
	assert.ErrorIs(t, err, errs.ErrNetwork)

	entries, err := f.journal.List()
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, int64(2048), entries[0].Offset())
	assert.NotEmpty(t, entries[0].UploadID)

	f.ic.set(nil)
	res, err := f.orch.Upload(context.Background(), transfer.Request{Source: src, Resume: true})
	require.NoError(t, err)
	assert.Equal(t, int64(2048), res.ResumedAt)
	assert.Equal(t, digest.FromBytes(data), res.Digest)

	entries, err = f.journal.List()
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func interruptAt(t *testing.T, f *fixture, src string, off int64) {
	t.Helper()
	f.ic.set(func(w http.ResponseWriter, r *http.Request) bool {
		if r.Method == http.MethodPatch && patchOffset(r) >= off {
			w.WriteHeader(http.StatusServiceUnavailable)
			return true
		}
		return false
	})
	_, err := f.orch.Upload(context.Background(), transfer.Request{Source: src})
	require.Error(t, err)
	f.ic.set(nil)
}

func TestUploadResumeStartsOverWhenShareSettingsChange(t *testing.T) {
	f := newFixture(t, fixtureOptions{resumable: true, maxRetries: -1})
	data := payload(4096)
	src := f.writeFile("data.bin", data)
	interruptAt(t, f, src, 2048)

	res, err := f.orch.Upload(context.Background(), transfer.Request{
		Source:  src,
		Resume:  true,
		OneShot: true,
		Name:    "renamed.bin",
	})
	require.NoError(t, err)
	assert.Zero(t, res.ResumedAt)
	assert.Equal(t, "renamed.bin", res.Name)

	info, err := f.client.Info(context.Background(), res.Link)
	require.NoError(t, err)
	assert.True(t, info.OneShot)
	assert.Equal(t, "renamed.bin", info.Name)
	assert.Equal(t, digest.FromBytes(data), info.Checksum)
}

func TestUploadResumedAtReflectsServerRestart(t *testing.T) {
	f := newFixture(t, fixtureOptions{resumable: true, maxRetries: -1})
	data := payload(4096)
	src := f.writeFile("data.bin", data)
	interruptAt(t, f, src, 2048)

	// The server forgot the session, so the upload starts from zero.
	f.ic.set(func(w http.ResponseWriter, r *http.Request) bool {
		if r.Method == http.MethodHead && bytes.Contains([]byte(r.URL.Path), []byte("/uploads/")) {
			w.WriteHeader(http.StatusNotFound)
			return true
		}
		return false
	})
	res, err := f.orch.Upload(context.Background(), transfer.Request{Source: src, Resume: true})
	require.NoError(t, err)
	assert.Zero(t, res.ResumedAt)
	assert.Equal(t, digest.FromBytes(data), res.Digest)
}

func TestUploadIgnoresJournalWithoutResume(t *testing.T) {
	f := newFixture(t, fixtureOptions{resumable: true, maxRetries: -1})
	src := f.writeFile("data.bin", payload(4096))
	f.ic.set(func(w http.ResponseWriter, r *http.Request) bool {
		if r.Method == http.MethodPatch && patchOffset(r) >= 1024 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return true
		}
		return false
	})
	_, err := f.orch.Upload(context.Background(), transfer.Request{Source: src})
	require.Error(t, err)

	f.ic.set(nil)
	res, err := f.orch.Upload(context.Background(), transfer.Request{Source: src})
	require.NoError(t, err)
	assert.Zero(t, res.ResumedAt)
}

// cutShareBody serves only the first n bytes of every full-range share GET
// and then drops the connection.
func cutShareBody(f *fixture, n int) {
	f.ic.set(func(w http.ResponseWriter, r *http.Request) bool {
		if !isShareGet(r) || r.Header.Get("Range") != "" {
			return false
		}
		rec := httptest.NewRecorder()
		f.ic.next.ServeHTTP(rec, r)
		for k, v := range rec.Header() {
			w.Header()[k] = v
		}
		w.WriteHeader(rec.Code)
		_, _ = w.Write(rec.Body.Bytes()[:n])
		if fl, ok := w.(http.Flusher); ok {
			fl.Flush()
		}
		return true
	})
}

func TestDownloadResumesPartialFile(t *testing.T) {
	f := newFixture(t, fixtureOptions{resumable: true, maxRetries: -1})
	data := payload(3000)
	up, err := f.orch.Upload(context.Background(), transfer.Request{Source: f.writeFile("data.bin", data)})
	require.NoError(t, err)

	out := f.outDir()
	cutShareBody(f, 1000)
	_, err = f.orch.Download(context.Background(), transfer.Request{Source: up.URL, Destination: out})
	require.Error(t, err)
	part := filepath.Join(out, "data.bin"+transfer.PartSuffix)
	have, err := os.ReadFile(part)
	require.NoError(t, err)
	require.Equal(t, data[:1000], have)
	assert.FileExists(t, part+transfer.PartInfoSuffix)

	var ranges []string
	var mu sync.Mutex
	f.ic.set(func(w http.ResponseWriter, r *http.Request) bool {
		if isShareGet(r) {
			mu.Lock()
			ranges = append(ranges, r.Header.Get("Range"))
			mu.Unlock()
		}
		return false
	})

	res, err := f.orch.Download(context.Background(), transfer.Request{Source: up.URL, Destination: out})
	require.NoError(t, err)
	assert.Equal(t, int64(1000), res.ResumedAt)
	mu.Lock()
	assert.Equal(t, []string{"bytes=1000-"}, ranges)
	mu.Unlock()
	got, err := os.ReadFile(res.Path)
	require.NoError(t, err)
	assert.Equal(t, data, got)
	assert.NoFileExists(t, part)
	assert.NoFileExists(t, part+transfer.PartInfoSuffix)
	assert.Equal(t, uint64(3000), f.collector.Snapshot().BytesReceived)
}

func TestDownloadDiscardsPartOfAnotherShare(t *testing.T) {
	f := newFixture(t, fixtureOptions{resumable: true, maxRetries: -1})
	first, err := f.orch.Upload(context.Background(), transfer.Request{Source: f.writeFile("a.bin", payload(3000))})
	require.NoError(t, err)
	other := bytes.Repeat([]byte("b"), 5000)
	second, err := f.orch.Upload(context.Background(), transfer.Request{Source: f.writeFile("b.bin", other)})
	require.NoError(t, err)

	dest := filepath.Join(f.dir, "out.bin")
	cutShareBody(f, 1000)
	_, err = f.orch.Download(context.Background(), transfer.Request{Source: first.URL, Destination: dest})
	require.Error(t, err)
	st, err := os.Stat(dest + transfer.PartSuffix)
	require.NoError(t, err)
	require.Equal(t, int64(1000), st.Size())

	var ranges []string
	var mu sync.Mutex
	f.ic.set(func(w http.ResponseWriter, r *http.Request) bool {
		if isShareGet(r) {
			mu.Lock()
			ranges = append(ranges, r.Header.Get("Range"))
			mu.Unlock()
		}
		return false
	})
	res, err := f.orch.Download(context.Background(), transfer.Request{Source: second.URL, Destination: dest})
	require.NoError(t, err)
	assert.Zero(t, res.ResumedAt)
	assert.Equal(t, second.Digest, res.Digest)
	mu.Lock()
	assert.Equal(t, []string{""}, ranges)
	mu.Unlock()
	got, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, other, got)
}

func TestDownloadOverwritePolicies(t *testing.T) {
	f := newFixture(t, fixtureOptions{resumable: true})
	data := payload(2000)
	up, err := f.orch.Upload(context.Background(), transfer.Request{Source: f.writeFile("data.bin", data)})
	require.NoError(t, err)
	dest := filepath.Join(f.dir, "existing.bin")

	require.NoError(t, os.WriteFile(dest, []byte("old"), 0o644))
	_, err = f.orch.Download(context.Background(), transfer.Request{Source: up.URL, Destination: dest})
	assert.ErrorIs(t, err, errs.ErrUsage)

	res, err := f.orch.Download(context.Background(), transfer.Request{Source: up.URL, Destination: dest, Overwrite: backend.IF_DIFFERENT})
	require.NoError(t, err)
	assert.False(t, res.Skipped)

	res, err = f.orch.Download(context.Background(), transfer.Request{Source: up.URL, Destination: dest, Overwrite: backend.IF_DIFFERENT})
	require.NoError(t, err)
	assert.True(t, res.Skipped)

	require.NoError(t, os.WriteFile(dest, []byte("old"), 0o644))
	_, err = f.orch.Download(context.Background(), transfer.Request{Source: up.URL, Destination: dest, Overwrite: backend.ALWAYS})
	require.NoError(t, err)
	got, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, data, got)
}

func TestDownloadByBareID(t *testing.T) {
	f := newFixture(t, fixtureOptions{resumable: true})
	data := payload(10)
	up, err := f.orch.Upload(context.Background(), transfer.Request{Source: f.writeFile("data.bin", data)})
	require.NoError(t, err)

	src := up.Link.ID + "?token=" + up.Link.Token
	res, err := f.orch.Download(context.Background(), transfer.Request{Source: src, Destination: filepath.Join(f.dir, "x.bin")})
	require.NoError(t, err)
	assert.Equal(t, up.Digest, res.Digest)

	_, err = f.orch.Download(context.Background(), transfer.Request{Source: up.Link.ID, Destination: filepath.Join(f.dir, "y.bin")})
	assert.ErrorIs(t, err, errs.ErrAuth, "share token is required")
}

func TestUploadMany(t *testing.T) {
	f := newFixture(t, fixtureOptions{resumable: true})
	var reqs []transfer.Request
	for i, n := range []int{10, 2000, 5000} {
		reqs = append(reqs, transfer.Request{Source: f.writeFile("f"+strconv.Itoa(i), payload(n))})
	}
	reqs = append(reqs, transfer.Request{Source: filepath.Join(f.dir, "missing")})

	out := f.orch.UploadMany(context.Background(), reqs)
	require.Len(t, out, 4)
	for i, n := range []int{10, 2000, 5000} {
		require.NoError(t, out[i].Err)
		assert.Equal(t, reqs[i].Source, out[i].Request.Source)
		assert.Equal(t, digest.FromBytes(payload(n)), out[i].Result.Digest)
	}
	assert.ErrorIs(t, out[3].Err, errs.ErrLocalIO)
	assert.Empty(t, f.orch.Sessions())
}

func TestUploadCancelled(t *testing.T) {
	f := newFixture(t, fixtureOptions{resumable: true})
	src := f.writeFile("data.bin", payload(5000))
	ctx, cancel := context.WithCancel(context.Background())
	f.ic.set(func(w http.ResponseWriter, r *http.Request) bool {
		if r.Method == http.MethodPatch && patchOffset(r) >= 2048 {
			_, _ = io.Copy(io.Discard, r.Body)
			cancel()
			select {
			case <-r.Context().Done():
			case <-time.After(5 * time.Second):
			}
			return true
		}
		return false
	})

	_, err := f.orch.Upload(ctx, transfer.Request{Source: src})
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.Canceled), "got %v", err)

	entries, err := f.journal.List()
	require.NoError(t, err)
	require.Len(t, entries, 1, "interrupted uploads stay resumable")
}
