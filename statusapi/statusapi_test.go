package statusapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rqbitfuse/rqbitfuse/apiclient"
	"github.com/rqbitfuse/rqbitfuse/bridge"
	"github.com/rqbitfuse/rqbitfuse/handle"
	"github.com/rqbitfuse/rqbitfuse/rcache"
	"github.com/rqbitfuse/rqbitfuse/stream"
)

func newTestServer(t *testing.T, daemonHandler http.HandlerFunc) *httptest.Server {
	t.Helper()
	daemon := httptest.NewServer(daemonHandler)
	t.Cleanup(daemon.Close)

	client := apiclient.New(apiclient.Config{
		BaseURL:          daemon.URL,
		RequestTimeout:   2 * time.Second,
		FailureThreshold: 3,
		BreakerTimeout:   time.Second,
		MaxAttempts:      1,
		RetryDelay:       time.Millisecond,
	})
	streams := stream.New(client, stream.Config{MaxStreams: 5})
	t.Cleanup(streams.Close)
	br := bridge.New(bridge.Config{QueueCapacity: 8, OpTimeout: time.Second, Grace: time.Second},
		streams.Read,
		client.HasPiece,
		func(ctx context.Context, torrentID string) error { return nil },
	)
	t.Cleanup(br.Shutdown)

	srv := NewServer(Deps{
		Client:     client,
		Handles:    handle.NewManager(),
		Streams:    streams,
		Bridge:     br,
		CacheStats: func() rcache.Stats { return rcache.Stats{Hits: 3, Misses: 1} },
	}, zerolog.Nop())

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return ts
}

func TestGetStatus(t *testing.T) {
	ts := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	resp, err := http.Get(ts.URL + "/status")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var status Status
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&status))
	assert.Equal(t, "closed", status.BreakerState)
	assert.EqualValues(t, 3, status.CacheHits)
	assert.EqualValues(t, 1, status.CacheMisses)
}

func TestListTorrents(t *testing.T) {
	ts := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`[{"id":"abc","name":"show","files":[{"index":0,"path":"a.mkv","length":10}]}]`))
	})

	resp, err := http.Get(ts.URL + "/torrents")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var out []TorrentInfo
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	require.Len(t, out, 1)
	assert.Equal(t, "abc", out[0].ID)
	assert.Equal(t, []string{"a.mkv"}, out[0].Files)
}
