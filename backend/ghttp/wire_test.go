package ghttp

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alttch/sshare/pkg/errs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseShareLink(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		base    string
		want    ShareLink
		wantErr bool
	}{
		{
			name: "public url with token",
			raw:  "https://share.example.org/s/abcd1234?token=secret",
			want: ShareLink{Base: "https://share.example.org", ID: "abcd1234", Token: "secret"},
		},
		{
			name: "api url behind prefix",
			raw:  "https://example.org/files/api/v1/shares/abcd1234/info",
			want: ShareLink{Base: "https://example.org/files", ID: "abcd1234"},
		},
		{
			name: "token in fragment",
			raw:  "http://127.0.0.1:8443/s/abcd1234#frag",
			want: ShareLink{Base: "http://127.0.0.1:8443", ID: "abcd1234", Token: "frag"},
		},
		{
			name: "bare id",
			raw:  "abcd1234?token=t",
			base: "https://share.example.org/",
			want: ShareLink{Base: "https://share.example.org", ID: "abcd1234", Token: "t"},
		},
		{name: "bare id without server", raw: "abcd1234", wantErr: true},
		{name: "empty", raw: "  ", wantErr: true},
		{name: "ftp scheme", raw: "ftp://example.org/s/abcd1234", wantErr: true},
		{name: "no share path", raw: "https://example.org/other/abcd1234", wantErr: true},
		{name: "id too short", raw: "abc", base: "https://example.org", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseShareLink(tt.raw, tt.base)
			if tt.wantErr {
				require.Error(t, err)
				assert.ErrorIs(t, err, errs.ErrUsage)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestShareLinkURLRoundTrip(t *testing.T) {
	link := ShareLink{Base: "https://share.example.org", ID: "abcd_1234", Token: "a b+c"}
	parsed, err := ParseShareLink(link.URL(), "")
	require.NoError(t, err)
	assert.Equal(t, link, parsed)
}

func TestLinkFromAck(t *testing.T) {
	exp := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

	link, err := linkFromAck(&ServerAck{ID: "abcd1234", Token: "t", Expires: exp}, "https://a.example")
	require.NoError(t, err)
	assert.Equal(t, ShareLink{Base: "https://a.example", ID: "abcd1234", Token: "t", Expires: exp}, link)

	link, err = linkFromAck(&ServerAck{ID: "abcd1234", URL: "https://b.example/s/abcd1234", Token: "t"}, "https://a.example")
	require.NoError(t, err)
	assert.Equal(t, "https://b.example", link.Base)
	assert.Equal(t, "t", link.Token)

	_, err = linkFromAck(&ServerAck{ID: "../x"}, "https://a.example")
	assert.ErrorIs(t, err, errs.ErrServer)
}

func TestParseContentRange(t *testing.T) {
	start, total, err := parseContentRange("bytes 100-199/1000")
	require.NoError(t, err)
	assert.Equal(t, int64(100), start)
	assert.Equal(t, int64(1000), total)

	start, total, err = parseContentRange("bytes 5-9/*")
	require.NoError(t, err)
	assert.Equal(t, int64(5), start)
	assert.Equal(t, int64(-1), total)

	for _, bad := range []string{"", "items 1-2/3", "bytes 1-2", "bytes x-2/3", "bytes 1-2/y"} {
		_, _, err := parseContentRange(bad)
		assert.Error(t, err, bad)
	}
}

func TestCapabilitiesSupports(t *testing.T) {
	assert.True(t, (&Capabilities{}).Supports("sha256"))
	assert.False(t, (&Capabilities{}).Supports("sha512"))
	caps := &Capabilities{Algorithms: []string{"sha256", "sha512"}}
	assert.True(t, caps.Supports("sha512"))
	assert.False(t, caps.Supports("sha384"))
}

func TestHttpClientPool(t *testing.T) {
	pool, err := NewHttpClientPool(1, nil)
	require.NoError(t, err)
	ctx := context.Background()

	a, err := pool.Get(ctx, "a")
	require.NoError(t, err)
	again, err := pool.Get(ctx, "a")
	require.NoError(t, err)
	assert.Same(t, a, again, "same key shares a client")
	assert.Equal(t, 0, pool.Available())

	waitCtx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	_, err = pool.Get(waitCtx, "b")
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	got := make(chan error, 1)
	go func() {
		c, err := pool.Get(ctx, "b")
		if err == nil {
			err = pool.Put(c)
		}
		got <- err
	}()

	require.NoError(t, pool.Put(a))
	select {
	case <-got:
		t.Fatal("client released while still referenced")
	case <-time.After(20 * time.Millisecond):
	}
	require.NoError(t, pool.Put(again))
	select {
	case err := <-got:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("waiter was not woken")
	}
	assert.Equal(t, 1, pool.Available())

	require.NoError(t, pool.ShutDown())
	_, err = pool.Get(ctx, "c")
	assert.True(t, errors.Is(err, ErrPoolOffline))
}

func TestHttpClientPoolResize(t *testing.T) {
	pool, err := NewHttpClientPool(0, nil)
	require.NoError(t, err)
	_, err = pool.Get(context.Background(), "a")
	assert.ErrorIs(t, err, ErrZeroCapacity)

	require.NoError(t, pool.SetPoolSize(2))
	assert.Equal(t, 2, pool.Capacity())
	assert.Equal(t, 2, pool.Available())
	c, err := pool.Get(context.Background(), "a")
	require.NoError(t, err)
	assert.Error(t, pool.SetPoolSize(0))
	require.NoError(t, pool.Put(c))
	require.NoError(t, pool.SetPoolSize(1))
	assert.Equal(t, 1, pool.Available())
}
