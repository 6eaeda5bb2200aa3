package server

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/ssd-technologies/umbra/internal/filecache"
	"github.com/ssd-technologies/umbra/internal/keys"
	"github.com/ssd-technologies/umbra/internal/ratelimit"
	"github.com/ssd-technologies/umbra/internal/remote"
	"github.com/ssd-technologies/umbra/internal/replication"
	"github.com/ssd-technologies/umbra/internal/storage"
)

// Deps are the components the API serves.
type Deps struct {
	DB         *storage.DB
	Cache      *filecache.Cache
	Keys       *keys.Ring
	Remote     remote.Store
	Replicator *replication.Replicator
}

type Option func(*Server)

func WithLogger(l zerolog.Logger) Option {
	return func(s *Server) { s.logger = l }
}

// WithHub sets the hub that feeds GET /api/events. The same hub should be
// installed as the cache's event hook.
func WithHub(h *Hub) Option {
	return func(s *Server) { s.hub = h }
}

// WithRegistry serves reg on GET /metrics and registers the server's own
// collectors with it.
func WithRegistry(reg *prometheus.Registry) Option {
	return func(s *Server) { s.registry = reg }
}

// WithUploadLimit caps uploads per client IP.
func WithUploadLimit(rate int, period time.Duration) Option {
	return func(s *Server) { s.uploads = ratelimit.NewPerKey(rate, period) }
}

func WithReplicationInterval(d time.Duration) Option {
	return func(s *Server) { s.replicationInterval = d }
}

// Server is the HTTP front end of the cache.
type Server struct {
	db       *storage.DB
	cache    *filecache.Cache
	keys     *keys.Ring
	remote   remote.Store
	repl     *replication.Replicator
	hub      *Hub
	registry *prometheus.Registry
	uploads  *ratelimit.PerKey
	status   *prometheus.GaugeVec
	logger   zerolog.Logger

	replicationInterval time.Duration

	mux *http.ServeMux
}

// New creates a Server with all routes registered.
func New(d Deps, opts ...Option) *Server {
	s := &Server{
		db:                  d.DB,
		cache:               d.Cache,
		keys:                d.Keys,
		remote:              d.Remote,
		repl:                d.Replicator,
		logger:              zerolog.Nop(),
		uploads:             ratelimit.NewPerKey(30, time.Minute),
		replicationInterval: 30 * time.Second,
		mux:                 http.NewServeMux(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.hub == nil {
		s.hub = NewHub(s.logger)
	}
	if s.registry == nil {
		s.registry = prometheus.NewRegistry()
	}
	s.status = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "umbra_files",
		Help: "Catalogued files by replication status.",
	}, []string{"status"})
	s.registry.MustRegister(s.status)
	s.routes()
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET /api/health", s.handleHealth)

	// Files
	s.mux.HandleFunc("POST /api/files", s.handleUploadFile)
	s.mux.HandleFunc("GET /api/files", s.handleListFiles)
	s.mux.HandleFunc("GET /api/files/{id}", s.handleGetFile)
	s.mux.HandleFunc("GET /api/files/{id}/content", s.handleFileContent)
	s.mux.HandleFunc("DELETE /api/files/{id}", s.handleDeleteFile)

	// Cache
	s.mux.HandleFunc("GET /api/cache", s.handleCacheStats)
	s.mux.HandleFunc("GET /api/events", s.handleEvents)

	s.mux.Handle("GET /metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":  "ok",
		"service": "umbra",
	})
}

// writeJSON writes a JSON response with the given status code.
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// writeError writes a JSON error response with the given status code and message.
func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
