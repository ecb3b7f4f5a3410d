package server

import (
	"encoding/json"
	"fmt"
	"log"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/openfsd/openfsd/pkg/auth"
	"github.com/openfsd/openfsd/pkg/protocol"
)

// requestQueueSize bounds the dispatcher's inbound queue across all
// connections.
const requestQueueSize = 1000

// Authenticator validates account credentials at login.
type Authenticator interface {
	Authenticate(networkID, password string) (*auth.UserRecord, error)
}

// WhitelistChecker validates the client software identifier presented during
// identification.
type WhitelistChecker interface {
	IsClientAllowed(clientID string) error
}

// Server is the FSD relay server: one TCP listener, one dispatcher, one
// broadcast bus, plus optional HTTP surfaces for metrics and WebSocket
// clients.
type Server struct {
	config    Config
	registry  *Registry
	bus       *Bus
	auth      Authenticator
	whitelist WhitelistChecker
	listener  net.Listener
	requests  chan request
	shutdown  chan struct{}
	wg        sync.WaitGroup
	metrics   *Metrics
	startTime time.Time
}

// Prometheus collectors register globally, so they are created once per
// process even when multiple Server values exist (as in tests).
var (
	metricsOnce   sync.Once
	sharedMetrics *Metrics
)

// NewServer creates a server instance. It does not listen yet; call Start.
func NewServer(config Config, authenticator Authenticator, whitelist WhitelistChecker) (*Server, error) {
	if err := initLoggers(); err != nil {
		return nil, fmt.Errorf("failed to initialize loggers: %w", err)
	}

	metricsOnce.Do(func() {
		sharedMetrics = NewMetrics()
	})

	return &Server{
		config:    config,
		registry:  NewRegistry(),
		bus:       NewBus(),
		auth:      authenticator,
		whitelist: whitelist,
		requests:  make(chan request, requestQueueSize),
		shutdown:  make(chan struct{}),
		metrics:   sharedMetrics,
		startTime: time.Now(),
	}, nil
}

// Start binds the FSD listener and launches the dispatcher, heartbeat, accept
// loop and HTTP servers. It returns once everything is running.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Address, s.config.Port)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	s.listener = listener

	log.Printf("FSD server %s v%s listening on %s", s.config.ServerName, s.config.ServerVersion, listener.Addr())

	s.wg.Add(1)
	go s.dispatchLoop()

	s.wg.Add(1)
	go s.heartbeatLoop()

	// Metrics HTTP server (internal only - never expose publicly!)
	if s.config.MetricsPort > 0 {
		go func() {
			metricsRouter := mux.NewRouter()
			metricsRouter.Handle("/metrics", promhttp.Handler())
			metricsRouter.HandleFunc("/health", s.HealthHandler)
			metricsAddr := fmt.Sprintf(":%d", s.config.MetricsPort)
			log.Printf("Metrics server listening on %s (/metrics, /health) - INTERNAL ONLY", metricsAddr)
			if err := http.ListenAndServe(metricsAddr, metricsRouter); err != nil {
				log.Printf("Metrics server error: %v", err)
			}
		}()
	}

	// Public HTTP server for /status.json and the WebSocket transport
	if s.config.HTTPPort > 0 {
		go func() {
			publicRouter := mux.NewRouter()
			publicRouter.HandleFunc("/status.json", s.StatusHandler)
			publicRouter.HandleFunc("/ws", s.HandleWebSocket)
			publicAddr := fmt.Sprintf(":%d", s.config.HTTPPort)
			log.Printf("Public HTTP server listening on %s (/status.json, /ws)", publicAddr)
			if err := http.ListenAndServe(publicAddr, publicRouter); err != nil {
				log.Printf("Public HTTP server error: %v", err)
			}
		}()
	}

	s.wg.Add(1)
	go s.acceptLoop()

	return nil
}

// Addr returns the FSD listener address, useful when Port was 0.
func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Stop gracefully stops the server.
func (s *Server) Stop() error {
	log.Println("Graceful shutdown initiated...")

	close(s.shutdown)

	if s.listener != nil {
		s.listener.Close()
		s.listener = nil
		log.Println("TCP listener closed")
	}

	// Closing the bus closes every subscription channel, which stops each
	// connection's write loop and in turn closes its socket.
	s.bus.Close()

	log.Println("Waiting for background goroutines to finish...")
	s.wg.Wait()

	log.Println("Graceful shutdown complete")
	return nil
}

// acceptLoop accepts incoming FSD connections. Admission is a read of the
// live session count before the handler registers itself; two racing accepts
// can briefly overshoot the limit by one, which is acceptable for a soft cap.
func (s *Server) acceptLoop() {
	defer s.wg.Done()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.shutdown:
				return
			default:
				log.Printf("Accept error: %v", err)
				continue
			}
		}

		if s.registry.Count() >= s.config.MaxClients {
			log.Printf("Max clients reached, rejecting connection from %s", conn.RemoteAddr())
			conn.Close()
			continue
		}

		log.Printf("Accepted connection from %s", conn.RemoteAddr())
		s.wg.Add(1)
		go s.handleConnection(conn)
	}
}

// heartbeatLoop broadcasts the keepalive packet on a fixed interval. The
// server origin bypasses self-exclusion so every client receives it.
func (s *Server) heartbeatLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.shutdown:
			return
		case <-ticker.C:
			s.broadcast(ServerOrigin, &protocol.Packet{
				Type:        protocol.Client,
				Command:     "DL",
				Source:      "SERVER",
				Destination: "*",
				Data:        []string{"0", "0"},
			})
		}
	}
}

// HealthHandler reports liveness for the internal HTTP server.
func (s *Server) HealthHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(http.StatusOK)
	fmt.Fprintln(w, "OK")
}

// StatusHandler serves a public JSON summary of the server.
func (s *Server) StatusHandler(w http.ResponseWriter, r *http.Request) {
	status := struct {
		ServerName    string `json:"server_name"`
		Version       string `json:"version"`
		UptimeSeconds int64  `json:"uptime_seconds"`
		Clients       int    `json:"clients"`
		MaxClients    int    `json:"max_clients"`
	}{
		ServerName:    s.config.ServerName,
		Version:       s.config.ServerVersion,
		UptimeSeconds: int64(time.Since(s.startTime).Seconds()),
		Clients:       s.registry.Count(),
		MaxClients:    s.config.MaxClients,
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(status); err != nil {
		errorLog.Printf("Failed to encode status response: %v", err)
	}
}
