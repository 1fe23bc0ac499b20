package cli

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/json"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/alttch/sshare/backend/ghttp"
	"github.com/alttch/sshare/pkg/transfer"
	"github.com/alttch/sshare/server"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testToken = "cli-token"

type cliFixture struct {
	dir    string
	config string
	url    string
}

func newCLIFixture(t *testing.T) *cliFixture {
	t.Helper()
	gin.SetMode(gin.TestMode)
	home := t.TempDir()
	t.Setenv("HOME", home)

	srv, err := server.New(server.Options{
		DataDir:   t.TempDir(),
		Tokens:    []string{testToken},
		ChunkSize: 4096,
		Resumable: true,
	})
	require.NoError(t, err)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	return &cliFixture{
		dir:    t.TempDir(),
		config: filepath.Join(home, ".sshare", "config.yml"),
		url:    ts.URL,
	}
}

// run executes the command line with the fixture's config file and returns
// the exit code with captured stdout and stderr.
func (f *cliFixture) run(t *testing.T, args ...string) (int, string, string) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	full := append([]string{"--config", f.config, "--no-progress"}, args...)
	code := Execute(context.Background(), full, &stdout, &stderr)
	return code, stdout.String(), stderr.String()
}

func (f *cliFixture) server(args ...string) []string {
	return append([]string{"--server-url", f.url, "--token", testToken}, args...)
}

func TestUploadThenDownload(t *testing.T) {
	f := newCLIFixture(t)
	data := make([]byte, 10_000)
	_, _ = rand.Read(data)
	src := filepath.Join(f.dir, "payload.bin")
	require.NoError(t, os.WriteFile(src, data, 0o644))

	code, out, errOut := f.run(t, f.server("upload", src, "-o", "json", "--expires", "1h")...)
	require.Equal(t, ExitOK, code, errOut)

	var reports []uploadReport
	require.NoError(t, json.Unmarshal([]byte(out), &reports))
	require.Len(t, reports, 1)
	require.NotNil(t, reports[0].Result)
	up := reports[0].Result
	assert.Empty(t, reports[0].Error)
	assert.EqualValues(t, len(data), up.Size)
	assert.Equal(t, "payload.bin", up.Name)
	require.NotEmpty(t, up.URL)

	dst := filepath.Join(f.dir, "copy.bin")
	code, out, errOut = f.run(t, f.server("download", up.URL, dst, "-o", "json")...)
	require.Equal(t, ExitOK, code, errOut)

	var down transfer.DownloadResult
	require.NoError(t, json.Unmarshal([]byte(out), &down))
	assert.Equal(t, up.Digest, down.Digest)
	got, err := os.ReadFile(dst)
	require.NoError(t, err)
	assert.Equal(t, data, got)

	// The destination exists and the default policy is never.
	code, _, _ = f.run(t, f.server("download", up.URL, dst)...)
	assert.Equal(t, ExitUsage, code)

	code, out, errOut = f.run(t, f.server("info", up.URL, "-o", "json")...)
	require.Equal(t, ExitOK, code, errOut)
	var info ghttp.ShareInfo
	require.NoError(t, json.Unmarshal([]byte(out), &info))
	assert.Equal(t, up.Digest, info.Checksum)

	code, _, errOut = f.run(t, f.server("delete", up.URL)...)
	require.Equal(t, ExitOK, code, errOut)
	code, _, _ = f.run(t, f.server("info", up.URL)...)
	assert.Equal(t, ExitServer, code)
}

func TestRootUploadsFileArguments(t *testing.T) {
	f := newCLIFixture(t)
	src := filepath.Join(f.dir, "notes.txt")
	require.NoError(t, os.WriteFile(src, []byte("hello"), 0o644))

	code, out, errOut := f.run(t, f.server(src, "-o", "yaml", "--one-shot")...)
	require.Equal(t, ExitOK, code, errOut)
	assert.Contains(t, out, "name: notes.txt")
	assert.Contains(t, out, "url: ")
}

func TestUploadWithWrongToken(t *testing.T) {
	f := newCLIFixture(t)
	src := filepath.Join(f.dir, "a.txt")
	require.NoError(t, os.WriteFile(src, []byte("a"), 0o644))

	code, _, errOut := f.run(t, "--server-url", f.url, "--token", "wrong", "upload", src)
	assert.Equal(t, ExitAuth, code)
	assert.NotEmpty(t, errOut)
}

func TestUsageErrors(t *testing.T) {
	f := newCLIFixture(t)
	cases := map[string][]string{
		"missing link":   {"download"},
		"unknown flag":   {"ping", "--no-such-flag"},
		"bad format":     f.server("ping", "-o", "xml"),
		"no server":      {"upload", filepath.Join(f.dir, "x")},
		"bad overwrite":  f.server("download", "abcdef?token=x", "--overwrite", "sometimes"),
		"bad config url": {"--server-url", "ftp://example.org", "ping"},
	}
	for name, args := range cases {
		t.Run(name, func(t *testing.T) {
			code, _, _ := f.run(t, args...)
			assert.Equal(t, ExitUsage, code)
		})
	}
}

func TestPingReportsCapabilities(t *testing.T) {
	f := newCLIFixture(t)
	code, out, errOut := f.run(t, f.server("ping", "-o", "json")...)
	require.Equal(t, ExitOK, code, errOut)

	var caps ghttp.Capabilities
	require.NoError(t, json.Unmarshal([]byte(out), &caps))
	assert.True(t, caps.Resumable)
	assert.Contains(t, caps.Algorithms, "sha256")
}

func TestRemoteLifecycle(t *testing.T) {
	f := newCLIFixture(t)

	code, _, errOut := f.run(t, "remote", "add", "home", f.url, "--token", testToken)
	require.Equal(t, ExitOK, code, errOut)
	code, _, _ = f.run(t, "remote", "add", "home", f.url)
	assert.Equal(t, ExitUsage, code)

	code, out, errOut := f.run(t, "remote", "list", "-o", "json")
	require.Equal(t, ExitOK, code, errOut)
	var remotes []struct {
		Name     string `json:"name"`
		URL      string `json:"url"`
		HasToken bool   `json:"has_token"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &remotes))
	require.Len(t, remotes, 1)
	assert.Equal(t, "home", remotes[0].Name)
	assert.True(t, remotes[0].HasToken)
	assert.NotContains(t, out, testToken)

	code, _, errOut = f.run(t, "--remote", "home", "ping")
	require.Equal(t, ExitOK, code, errOut)

	code, _, errOut = f.run(t, "remote", "rm", "home")
	require.Equal(t, ExitOK, code, errOut)
	code, _, _ = f.run(t, "remote", "rm", "home")
	assert.Equal(t, ExitUsage, code)
	code, _, _ = f.run(t, "--remote", "home", "ping")
	assert.Equal(t, ExitUsage, code)
}

func TestConfigSetAndShow(t *testing.T) {
	f := newCLIFixture(t)

	code, _, errOut := f.run(t, "config", "set", "--checksum", "sha512", "--expires", "7d", "--token", "s3cret")
	require.Equal(t, ExitOK, code, errOut)

	code, out, errOut := f.run(t, "config", "show", "-o", "json")
	require.Equal(t, ExitOK, code, errOut)
	var view configView
	require.NoError(t, json.Unmarshal([]byte(out), &view))
	assert.Equal(t, "sha512", view.Checksum)
	assert.Equal(t, "7d", view.Expires)
	assert.Equal(t, "********", view.Token)

	code, out, _ = f.run(t, "config", "show", "--show-secrets")
	require.Equal(t, ExitOK, code)
	assert.Contains(t, out, "token: s3cret")

	code, _, _ = f.run(t, "config", "set")
	assert.Equal(t, ExitUsage, code)
	code, _, _ = f.run(t, "config", "set", "--checksum", "md4")
	assert.Equal(t, ExitUsage, code)
}

func TestPendingListsInterruptedUploads(t *testing.T) {
	f := newCLIFixture(t)
	code, out, errOut := f.run(t, "pending", "-o", "json")
	require.Equal(t, ExitOK, code, errOut)
	assert.JSONEq(t, "[]", out)
}
