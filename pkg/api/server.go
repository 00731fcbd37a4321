package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/vesselworks/flotilla/pkg/blacklist"
	"github.com/vesselworks/flotilla/pkg/metrics"
	"github.com/vesselworks/flotilla/pkg/progress"
	"github.com/vesselworks/flotilla/pkg/types"
)

// PoolView is the slice of the warm pool the admin surface reads and prods.
type PoolView interface {
	Stats() (types.PoolStats, error)
	List() ([]*types.PooledVM, error)
	Release(id string) error
	Remove(ctx context.Context, id string, destroy bool) error
}

// BlacklistView reads the node blacklist.
type BlacklistView interface {
	Snapshot() []blacklist.Entry
}

// DeploymentView reads tracked deployment progress.
type DeploymentView interface {
	List() []progress.Deployment
	Get(agentID string) (progress.Deployment, bool)
}

// Availability reports whether authenticated marketplace operations can
// succeed.
type Availability interface {
	Available() bool
}

// Deps carries everything the admin server serves. Nil fields degrade the
// matching endpoints rather than crash them.
type Deps struct {
	Pool        PoolView
	Blacklist   BlacklistView
	Deployments DeploymentView
	Broker      *progress.Broker
	Marketplace Availability
	Version     string
}

// Server is the local admin HTTP surface: liveness and readiness probes,
// prometheus metrics, and read-mostly views over the orchestrator's state.
type Server struct {
	deps Deps
	mux  *http.ServeMux
	srv  *http.Server

	closeOnce sync.Once
	done      chan struct{}
}

// NewServer builds the admin server listening on addr once started.
func NewServer(addr string, deps Deps) *Server {
	s := &Server{
		deps: deps,
		mux:  http.NewServeMux(),
		done: make(chan struct{}),
	}

	s.mux.HandleFunc("/health", withMetrics("/health", s.healthHandler))
	s.mux.HandleFunc("/ready", withMetrics("/ready", s.readyHandler))
	s.mux.Handle("/metrics", metrics.Handler())
	s.mux.HandleFunc("/v1/pool", withMetrics("/v1/pool", s.poolHandler))
	s.mux.HandleFunc("/v1/pool/", withMetrics("/v1/pool/{id}", s.poolItemHandler))
	s.mux.HandleFunc("/v1/blacklist", withMetrics("/v1/blacklist", s.blacklistHandler))
	s.mux.HandleFunc("/v1/deployments", withMetrics("/v1/deployments", s.deploymentsHandler))
	s.mux.HandleFunc("/v1/deployments/", withMetrics("/v1/deployments/{agent}", s.deploymentItemHandler))
	// Not metrics-wrapped: a long-lived stream would dominate the
	// duration histogram.
	s.mux.HandleFunc("/v1/events", s.eventsHandler)

	s.srv = &http.Server{
		Addr:        addr,
		Handler:     s.mux,
		ReadTimeout: 5 * time.Second,
		// No WriteTimeout: /v1/events holds its connection open.
		IdleTimeout: 60 * time.Second,
	}
	return s
}

// Start serves until Shutdown. Returns http.ErrServerClosed after a clean
// shutdown, matching net/http.
func (s *Server) Start() error {
	return s.srv.ListenAndServe()
}

// Shutdown stops event streams and drains in-flight requests until ctx
// expires.
func (s *Server) Shutdown(ctx context.Context) error {
	s.closeOnce.Do(func() { close(s.done) })
	return s.srv.Shutdown(ctx)
}

// Handler returns the routing handler for embedding and tests.
func (s *Server) Handler() http.Handler {
	return s.mux
}

// HealthResponse represents the liveness check response.
type HealthResponse struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
	Version   string    `json:"version,omitempty"`
}

// ReadyResponse represents the readiness check response.
type ReadyResponse struct {
	Status    string            `json:"status"`
	Timestamp time.Time         `json:"timestamp"`
	Checks    map[string]string `json:"checks"`
	Message   string            `json:"message,omitempty"`
}

// healthHandler implements /health: 200 whenever the process is alive.
func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	writeJSON(w, http.StatusOK, HealthResponse{
		Status:    "healthy",
		Timestamp: time.Now(),
		Version:   s.deps.Version,
	})
}

// readyHandler implements /ready. The pool store is the one dependency
// that makes the orchestrator unusable when broken; a marketplace client
// without a credential still serves every read path, so it degrades the
// check text without flipping readiness.
func (s *Server) readyHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	checks := make(map[string]string)
	ready := true
	var message string

	if s.deps.Pool != nil {
		if _, err := s.deps.Pool.Stats(); err != nil {
			checks["pool_store"] = fmt.Sprintf("error: %v", err)
			ready = false
			message = "Pool store not accessible"
		} else {
			checks["pool_store"] = "ok"
		}
	} else {
		checks["pool_store"] = "not initialized"
		ready = false
		message = "Pool not initialized"
	}

	if s.deps.Marketplace != nil {
		if s.deps.Marketplace.Available() {
			checks["marketplace"] = "ok"
		} else {
			checks["marketplace"] = "read-only (no account key)"
		}
	} else {
		checks["marketplace"] = "not initialized"
		ready = false
		if message == "" {
			message = "Marketplace client not initialized"
		}
	}

	status := "ready"
	statusCode := http.StatusOK
	if !ready {
		status = "not ready"
		statusCode = http.StatusServiceUnavailable
	}

	writeJSON(w, statusCode, ReadyResponse{
		Status:    status,
		Timestamp: time.Now(),
		Checks:    checks,
		Message:   message,
	})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// statusRecorder captures the status code a handler writes.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// withMetrics records request count and latency under the route name.
func withMetrics(route string, h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		begin := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		h(rec, r)
		metrics.APIRequestsTotal.WithLabelValues(route, strconv.Itoa(rec.status)).Inc()
		metrics.APIRequestDuration.WithLabelValues(route).Observe(time.Since(begin).Seconds())
	}
}
