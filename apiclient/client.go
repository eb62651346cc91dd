// Package apiclient talks to the remote torrent daemon's HTTP API. It
// is the only package in rqbitfuse that performs network I/O; every
// call is wrapped in the circuit breaker/retry layer in
// apiclient/breaker before it reaches the wire.
package apiclient

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"

	"github.com/rqbitfuse/rqbitfuse/apiclient/breaker"
	"github.com/rqbitfuse/rqbitfuse/errs"
	"github.com/rqbitfuse/rqbitfuse/rcache"
)

// Client is a thin, breaker-wrapped HTTP client for the daemon API.
type Client struct {
	baseURL    string
	authHeader string
	httpClient *http.Client

	breaker *breaker.Breaker
	retry   breaker.RetryPolicy

	// torrentCache holds GetTorrent responses: piece length and file
	// layout never change for the lifetime of a torrent, so repeated
	// Getattr-driven lookups don't need to hit the daemon every time.
	torrentCache *rcache.Cache[*TorrentDetail]
	// pieceCache holds whole-torrent piece bitfields behind a short
	// TTL, keyed by torrent ID; download progress changes them, so a
	// stale hit just means a prefetch decision lags the swarm by a
	// few seconds.
	pieceCache *rcache.Cache[*PieceBitfield]

	// torrentFlight collapses concurrent GetTorrent cache misses for the
	// same ID into a single daemon request, so a burst of Getattr calls
	// across a torrent's files doesn't fan out one request each.
	torrentFlight singleflight.Group

	log zerolog.Logger
}

// Config configures Client.
type Config struct {
	BaseURL string
	// Username/Password enable HTTP basic auth against the daemon, if set.
	Username, Password string

	RequestTimeout time.Duration

	FailureThreshold uint32
	BreakerTimeout   time.Duration

	MaxAttempts int
	RetryDelay  time.Duration

	// TorrentCacheTTL/PieceCacheTTL override each cache's default TTL.
	// Zero uses rcache.DefaultConfig's TTL for the torrent cache and 5s
	// for the piece cache.
	TorrentCacheTTL time.Duration
	PieceCacheTTL   time.Duration
}

// New builds a Client from cfg.
func New(cfg Config) *Client {
	var authHeader string
	if cfg.Username != "" || cfg.Password != "" {
		creds := base64.StdEncoding.EncodeToString([]byte(cfg.Username + ":" + cfg.Password))
		authHeader = "Basic " + creds
	}

	torrentCfg := rcache.DefaultConfig()
	if cfg.TorrentCacheTTL > 0 {
		torrentCfg.DefaultTTL = cfg.TorrentCacheTTL
	}
	pieceCfg := rcache.DefaultConfig()
	pieceCfg.DefaultTTL = 5 * time.Second
	if cfg.PieceCacheTTL > 0 {
		pieceCfg.DefaultTTL = cfg.PieceCacheTTL
	}

	torrentCache, err := rcache.New[*TorrentDetail](torrentCfg)
	if err != nil {
		panic(fmt.Sprintf("apiclient: building torrent cache: %v", err))
	}
	pieceCache, err := rcache.New[*PieceBitfield](pieceCfg)
	if err != nil {
		panic(fmt.Sprintf("apiclient: building piece cache: %v", err))
	}

	return &Client{
		baseURL:      cfg.BaseURL,
		authHeader:   authHeader,
		httpClient:   &http.Client{Timeout: cfg.RequestTimeout},
		breaker:      breaker.New(cfg.FailureThreshold, cfg.BreakerTimeout),
		retry:        breaker.RetryPolicy{MaxAttempts: cfg.MaxAttempts, BaseDelay: cfg.RetryDelay},
		torrentCache: torrentCache,
		pieceCache:   pieceCache,
		log:          log.Logger.With().Str("component", "api-client").Logger(),
	}
}

// BreakerState reports the current circuit breaker state, for
// diagnostics callers such as statusapi.
func (c *Client) BreakerState() breaker.State {
	return c.breaker.CurrentState()
}

// CacheStats reports combined hit/miss counters across the torrent
// metadata and piece-availability caches.
func (c *Client) CacheStats() rcache.Stats {
	t := c.torrentCache.Stats()
	p := c.pieceCache.Stats()
	return rcache.Stats{Hits: t.Hits + p.Hits, Misses: t.Misses + p.Misses}
}

// Close releases the client's internal caches.
func (c *Client) Close() {
	c.torrentCache.Close()
	c.pieceCache.Close()
}

func (c *Client) do(ctx context.Context, method, path string, headers map[string]string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, nil)
	if err != nil {
		return nil, errs.Wrap(errs.InvalidArgument, "building request", err)
	}
	if c.authHeader != "" {
		req.Header.Set("Authorization", c.authHeader)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, errs.NewTimedOut(err.Error())
		}
		return nil, errs.Wrap(errs.NetworkError, "request failed", err)
	}
	if resp.StatusCode >= 400 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		resp.Body.Close()
		return nil, errs.NewAPIError(resp.StatusCode, string(body))
	}
	return resp, nil
}

func (c *Client) getJSON(ctx context.Context, path string, out any) error {
	return breaker.Do(ctx, c.breaker, c.retry, func(ctx context.Context) error {
		resp, err := c.do(ctx, http.MethodGet, path, nil)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return errs.Wrap(errs.ParseError, "decoding response", err)
		}
		return nil
	})
}

// ListTorrents returns every torrent currently loaded by the daemon.
func (c *Client) ListTorrents(ctx context.Context) ([]TorrentSummary, error) {
	var out []TorrentSummary
	if err := c.getJSON(ctx, "/torrents", &out); err != nil {
		return nil, err
	}
	return out, nil
}

// GetTorrent fetches full detail for a single torrent, serving from
// torrentCache when available and collapsing concurrent misses for
// the same id into one daemon request.
func (c *Client) GetTorrent(ctx context.Context, id string) (*TorrentDetail, error) {
	if cached, ok := c.torrentCache.Get(id); ok {
		return cached, nil
	}
	v, err, _ := c.torrentFlight.Do(id, func() (any, error) {
		if cached, ok := c.torrentCache.Get(id); ok {
			return cached, nil
		}
		var out TorrentDetail
		if err := c.getJSON(ctx, "/torrents/"+id, &out); err != nil {
			return nil, err
		}
		c.torrentCache.Insert(id, &out)
		return &out, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*TorrentDetail), nil
}

// ForgetTorrent evicts any cached state for a torrent that has left
// the swarm, so a later reused torrent ID doesn't serve stale metadata.
func (c *Client) ForgetTorrent(id string) {
	c.torrentCache.Remove(id)
}

// RangeResult is the outcome of a ranged read against the daemon.
type RangeResult struct {
	Body io.ReadCloser
	// Status206 reports whether the daemon honored the range request
	// with a 206 Partial Content response, as opposed to returning the
	// whole file with 200 OK (which callers must then skip into
	// client-side; see the stream package).
	Status206 bool
}

// ReadRange opens a streaming ranged read of a torrent file starting
// at offset. The caller is responsible for closing Body.
func (c *Client) ReadRange(ctx context.Context, torrentID string, fileIndex int, offset int64) (*RangeResult, error) {
	var result *RangeResult
	err := breaker.Do(ctx, c.breaker, c.retry, func(ctx context.Context) error {
		rangeHeader := "bytes=" + strconv.FormatInt(offset, 10) + "-"
		resp, err := c.do(ctx, http.MethodGet, fmt.Sprintf("/torrents/%s/stream/%d", torrentID, fileIndex), map[string]string{"Range": rangeHeader})
		if err != nil {
			return err
		}
		result = &RangeResult{Body: resp.Body, Status206: resp.StatusCode == http.StatusPartialContent}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// bitfieldLenHeader names the header the daemon uses to report the
// number of pieces packed into a /haves response body. A response
// missing it is rejected outright: without it there is no way to tell
// a short read from a genuinely small bitfield, or to bound HasPiece's
// indexing safely.
const bitfieldLenHeader = "x-bitfield-len"

// GetPieceBitfield fetches the daemon's record of which pieces of
// torrentID have been downloaded, serving from pieceCache when
// available. The wire format is a byte-packed, LSB-first bitfield
// whose piece count is carried out-of-band in the x-bitfield-len
// response header.
func (c *Client) GetPieceBitfield(ctx context.Context, torrentID string) (*PieceBitfield, error) {
	if cached, ok := c.pieceCache.Get(torrentID); ok {
		return cached, nil
	}

	var bf *PieceBitfield
	err := breaker.Do(ctx, c.breaker, c.retry, func(ctx context.Context) error {
		resp, err := c.do(ctx, http.MethodGet, "/torrents/"+torrentID+"/haves", map[string]string{"Accept": "application/octet-stream"})
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		lenHeader := resp.Header.Get(bitfieldLenHeader)
		if lenHeader == "" {
			return errs.NewParseError("haves response missing " + bitfieldLenHeader + " header")
		}
		numPieces, err := strconv.Atoi(lenHeader)
		if err != nil || numPieces < 0 {
			return errs.Wrap(errs.ParseError, "invalid "+bitfieldLenHeader+" header", err)
		}

		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return errs.Wrap(errs.NetworkError, "reading bitfield body", err)
		}
		bf = newPieceBitfield(body, numPieces)
		return nil
	})
	if err != nil {
		return nil, err
	}

	c.pieceCache.Insert(torrentID, bf)
	return bf, nil
}

// HasPiece reports whether the daemon already has the given piece
// downloaded for torrentID, consulting the torrent's cached bitfield.
func (c *Client) HasPiece(ctx context.Context, torrentID string, piece int) (bool, error) {
	bf, err := c.GetPieceBitfield(ctx, torrentID)
	if err != nil {
		return false, err
	}
	return bf.HasPiece(piece), nil
}

// HealthCheck verifies the daemon is reachable. fusefs.Init calls it at
// mount time and logs an error when it fails; the mount is not aborted.
func (c *Client) HealthCheck(ctx context.Context) error {
	return breaker.Do(ctx, c.breaker, c.retry, func(ctx context.Context) error {
		resp, err := c.do(ctx, http.MethodGet, "/health", nil)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		return nil
	})
}
