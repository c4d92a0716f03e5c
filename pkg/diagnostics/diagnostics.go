// Package diagnostics exposes a small HTTP + WebSocket introspection
// surface over a running PowerPlant: pool/group snapshots, the known
// peer table, and Prometheus metrics. Grounded on the router/websocket
// shape of cmd/noisefs-webui/main.go, narrowed to read-only introspection
// endpoints.
package diagnostics

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/entropic-systems/nucleus/pkg/logging"
	"github.com/entropic-systems/nucleus/pkg/scheduler"
	"github.com/entropic-systems/nucleus/pkg/transport"
)

// Metrics are the Prometheus gauges this server refreshes from a fresh
// snapshot on every /metrics request and on every broadcast tick,
// mirroring the "/metrics" handler noisefs-webui exposes alongside its
// JSON API.
type Metrics struct {
	QueueDepth  *prometheus.GaugeVec
	GroupActive *prometheus.GaugeVec
	PeerCount   prometheus.Gauge
}

func newMetrics(reg *prometheus.Registry) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		QueueDepth: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "nucleus",
			Subsystem: "scheduler",
			Name:      "pool_queue_depth",
			Help:      "Number of tasks currently queued per pool.",
		}, []string{"pool"}),
		GroupActive: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "nucleus",
			Subsystem: "scheduler",
			Name:      "group_active_tasks",
			Help:      "Number of tasks currently running per concurrency group.",
		}, []string{"group"}),
		PeerCount: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "nucleus",
			Subsystem: "transport",
			Name:      "peer_count",
			Help:      "Number of currently known network peers.",
		}),
	}
}

// Server is the diagnostics HTTP server.
type Server struct {
	addr string
	log  *logging.Logger

	sch *scheduler.Scheduler
	tr  *transport.Transport

	registry *prometheus.Registry
	metrics  *Metrics

	router *mux.Router
	http   *http.Server

	upgrader websocket.Upgrader

	wsMu      sync.Mutex
	wsClients map[*websocket.Conn]chan interface{}
}

// New builds a diagnostics Server reading from sch and (optionally) tr.
func New(addr string, sch *scheduler.Scheduler, tr *transport.Transport, logger *logging.Logger) *Server {
	if logger == nil {
		logger = logging.GetGlobalLogger()
	}
	reg := prometheus.NewRegistry()
	s := &Server{
		addr:      addr,
		log:       logger.WithComponent("diagnostics"),
		sch:       sch,
		tr:        tr,
		registry:  reg,
		metrics:   newMetrics(reg),
		wsClients: make(map[*websocket.Conn]chan interface{}),
		upgrader:  websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }},
	}
	s.router = s.buildRouter()
	s.http = &http.Server{Addr: addr, Handler: s.router}
	return s
}

func (s *Server) buildRouter() *mux.Router {
	r := mux.NewRouter()
	api := r.PathPrefix("/api").Subrouter()
	api.HandleFunc("/pools", s.handlePools).Methods("GET")
	api.HandleFunc("/groups", s.handleGroups).Methods("GET")
	api.HandleFunc("/peers", s.handlePeers).Methods("GET")
	metrics := promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{})
	r.HandleFunc("/metrics", func(w http.ResponseWriter, req *http.Request) {
		s.updateMetrics(s.sch.Snapshot())
		metrics.ServeHTTP(w, req)
	}).Methods("GET")
	r.HandleFunc("/ws", s.handleWebSocket)
	return r
}

// Start begins serving in the background. ListenAndServe errors other
// than http.ErrServerClosed are logged, matching the teacher's
// log.Fatal-on-serve-error call site loosened to a logged error since a
// diagnostics server failing to bind should not take the plant down.
func (s *Server) Start() {
	go func() {
		if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.log.Error("diagnostics server stopped", map[string]interface{}{"error": err.Error()})
		}
	}()
	go s.broadcastLoop()
}

// Stop closes the HTTP server's listeners and connections immediately
// (http.Server.Close); it does not wait for in-flight requests.
func (s *Server) Stop() {
	_ = s.http.Close()
}

func sendJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Server) handlePools(w http.ResponseWriter, r *http.Request) {
	snap := s.sch.Snapshot()
	sendJSON(w, snap.Pools)
}

func (s *Server) handleGroups(w http.ResponseWriter, r *http.Request) {
	snap := s.sch.Snapshot()
	sendJSON(w, snap.Groups)
}

func (s *Server) handlePeers(w http.ResponseWriter, r *http.Request) {
	if s.tr == nil {
		sendJSON(w, []transport.PeerInfo{})
		return
	}
	sendJSON(w, s.tr.Peers())
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("websocket upgrade failed", map[string]interface{}{"error": err.Error()})
		return
	}

	ch := make(chan interface{}, 16)
	s.wsMu.Lock()
	s.wsClients[conn] = ch
	s.wsMu.Unlock()

	defer func() {
		s.wsMu.Lock()
		delete(s.wsClients, conn)
		s.wsMu.Unlock()
		close(ch)
		_ = conn.Close()
	}()

	go func() {
		for msg := range ch {
			if err := conn.WriteJSON(msg); err != nil {
				return
			}
		}
	}()

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (s *Server) updateMetrics(snap scheduler.Stats) {
	for pool, st := range snap.Pools {
		s.metrics.QueueDepth.WithLabelValues(poolLabel(pool)).Set(float64(st.QueueDepth))
	}
	for group, st := range snap.Groups {
		s.metrics.GroupActive.WithLabelValues(groupLabel(group)).Set(float64(st.Active))
	}
	if s.tr != nil {
		s.metrics.PeerCount.Set(float64(len(s.tr.Peers())))
	}
}

// broadcastLoop periodically refreshes the Prometheus gauges and pushes
// a snapshot to every connected WebSocket client.
func (s *Server) broadcastLoop() {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for range ticker.C {
		snap := s.sch.Snapshot()
		s.updateMetrics(snap)

		s.wsMu.Lock()
		for _, ch := range s.wsClients {
			select {
			case ch <- snap:
			default:
			}
		}
		s.wsMu.Unlock()
	}
}
