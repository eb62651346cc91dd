// Package statusapi exposes a small read-only gin HTTP surface for
// diagnosing a running mount: overall health and the torrents the
// daemon currently reports. It never accepts a write.
package statusapi

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/rqbitfuse/rqbitfuse/apiclient"
	"github.com/rqbitfuse/rqbitfuse/apiclient/breaker"
	"github.com/rqbitfuse/rqbitfuse/bridge"
	"github.com/rqbitfuse/rqbitfuse/handle"
	"github.com/rqbitfuse/rqbitfuse/rcache"
	"github.com/rqbitfuse/rqbitfuse/stream"
)

// TorrentInfo mirrors a projected torrent's identity, not its mutable state.
type TorrentInfo struct {
	ID    string   `json:"id"`
	Name  string   `json:"name"`
	Files []string `json:"files"`
}

// Status summarizes the running mount's health.
type Status struct {
	BreakerState string `json:"breaker_state"`
	OpenHandles  int    `json:"open_handles"`
	OpenStreams  int    `json:"open_streams"`
	CacheHits    uint64 `json:"cache_hits"`
	CacheMisses  uint64 `json:"cache_misses"`
}

// Error is the JSON body returned for any non-2xx response.
type Error struct {
	Error string `json:"error"`
}

// Deps is everything the status surface reads from to answer requests.
// GET /status reads only the other components' own state; GET /torrents
// asks the daemon through Client.ListTorrents.
type Deps struct {
	Client     *apiclient.Client
	Handles    *handle.Manager
	Streams    *stream.Manager
	Bridge     *bridge.Worker
	CacheStats func() rcache.Stats
}

// Server wraps a gin.Engine serving the diagnostics routes.
type Server struct {
	router *gin.Engine
	deps   Deps
	log    zerolog.Logger
}

// NewServer builds a status server with a gin router's usual
// middleware/route-grouping shape.
func NewServer(deps Deps, log zerolog.Logger) *Server {
	gin.SetMode(gin.ReleaseMode)
	s := &Server{
		router: gin.New(),
		deps:   deps,
		log:    log.With().Str("component", "statusapi").Logger(),
	}
	s.router.Use(gin.Recovery())
	s.router.Use(s.logRequest)
	s.setupRoutes()
	return s
}

func (s *Server) logRequest(c *gin.Context) {
	c.Next()
	s.log.Debug().
		Str("method", c.Request.Method).
		Str("path", c.Request.URL.Path).
		Int("status", c.Writer.Status()).
		Msg("status api request")
}

func (s *Server) setupRoutes() {
	s.router.GET("/status", s.getStatus)
	s.router.GET("/torrents", s.listTorrents)
}

// Handler returns the http.Handler to pass to an http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) getStatus(c *gin.Context) {
	stats := s.deps.CacheStats()
	c.JSON(http.StatusOK, Status{
		BreakerState: breakerStateName(s.deps.Client.BreakerState()),
		OpenHandles:  s.deps.Handles.Len(),
		OpenStreams:  s.deps.Streams.Stats(),
		CacheHits:    stats.Hits,
		CacheMisses:  stats.Misses,
	})
}

func (s *Server) listTorrents(c *gin.Context) {
	torrents, err := s.deps.Client.ListTorrents(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusBadGateway, Error{Error: err.Error()})
		return
	}
	out := make([]TorrentInfo, 0, len(torrents))
	for _, t := range torrents {
		files := make([]string, 0, len(t.Files))
		for _, f := range t.Files {
			files = append(files, f.Path)
		}
		out = append(out, TorrentInfo{ID: t.ID, Name: t.Name, Files: files})
	}
	c.JSON(http.StatusOK, out)
}

func breakerStateName(s breaker.State) string {
	switch s {
	case breaker.Closed:
		return "closed"
	case breaker.Open:
		return "open"
	case breaker.HalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}
