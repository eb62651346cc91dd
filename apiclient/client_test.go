package apiclient

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) (*Client, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	c := New(Config{
		BaseURL:          srv.URL,
		RequestTimeout:   2 * time.Second,
		FailureThreshold: 3,
		BreakerTimeout:   time.Second,
		MaxAttempts:      2,
		RetryDelay:       time.Millisecond,
	})
	return c, srv
}

func TestListTorrents(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/torrents", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`[{"id":"abc","name":"show","files":[{"index":0,"path":"a.mkv","length":10}]}]`))
	})

	out, err := c.ListTorrents(context.Background())
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, "abc", out[0].ID)
}

func TestGetTorrentNotFound(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		w.Write([]byte("missing"))
	})

	_, err := c.GetTorrent(context.Background(), "nope")
	require.Error(t, err)
}

func TestReadRangeHonorsPartialContent(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "bytes=10-", r.Header.Get("Range"))
		w.Header().Set("Content-Range", "bytes 10-19/20")
		w.WriteHeader(http.StatusPartialContent)
		w.Write([]byte("0123456789"))
	})

	res, err := c.ReadRange(context.Background(), "abc", 0, 10)
	require.NoError(t, err)
	defer res.Body.Close()
	assert.True(t, res.Status206)
}

func TestReadRangeToleratesPlain200(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("wholefilebytes"))
	})

	res, err := c.ReadRange(context.Background(), "abc", 0, 5)
	require.NoError(t, err)
	defer res.Body.Close()
	assert.False(t, res.Status206)
}

func TestGetTorrentServesFromCache(t *testing.T) {
	requests := 0
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		requests++
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"id":"abc","name":"show","files":[],"piece_length":16384,"num_pieces":2}`))
	})

	first, err := c.GetTorrent(context.Background(), "abc")
	require.NoError(t, err)
	second, err := c.GetTorrent(context.Background(), "abc")
	require.NoError(t, err)

	assert.Equal(t, 1, requests)
	assert.Equal(t, first, second)
}

func TestForgetTorrentEvictsCache(t *testing.T) {
	requests := 0
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		requests++
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"id":"abc","name":"show","files":[]}`))
	})

	_, err := c.GetTorrent(context.Background(), "abc")
	require.NoError(t, err)
	c.ForgetTorrent("abc")
	_, err = c.GetTorrent(context.Background(), "abc")
	require.NoError(t, err)

	assert.Equal(t, 2, requests)
}

func TestHasPieceCachesBitfieldPerTorrent(t *testing.T) {
	requests := 0
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		requests++
		assert.Equal(t, "/torrents/abc/haves", r.URL.Path)
		assert.Equal(t, "application/octet-stream", r.Header.Get("Accept"))
		w.Header().Set("x-bitfield-len", "10")
		w.Write([]byte{0b00000101}) // pieces 0 and 2 set, LSB-first
	})

	have0, err := c.HasPiece(context.Background(), "abc", 0)
	require.NoError(t, err)
	have1, err := c.HasPiece(context.Background(), "abc", 1)
	require.NoError(t, err)
	have2, err := c.HasPiece(context.Background(), "abc", 2)
	require.NoError(t, err)

	assert.True(t, have0)
	assert.False(t, have1)
	assert.True(t, have2)
	assert.Equal(t, 1, requests)
}

func TestGetPieceBitfieldRejectsMissingLenHeader(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte{0xff})
	})

	_, err := c.GetPieceBitfield(context.Background(), "abc")
	require.Error(t, err)
}

func TestHealthCheckRetriesThenFails(t *testing.T) {
	attempts := 0
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		attempts++
		w.WriteHeader(http.StatusServiceUnavailable)
	})

	err := c.HealthCheck(context.Background())
	require.Error(t, err)
	assert.Equal(t, 2, attempts)
}
