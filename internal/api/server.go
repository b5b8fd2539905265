// Package api serves the HTTP gateway of a node: status, the client data
// API, the websocket event stream and Prometheus metrics.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/grpc-ecosystem/grpc-gateway/v2/runtime"

	"github.com/zde37/rangedht/internal/dht"
	"github.com/zde37/rangedht/internal/metrics"
	"github.com/zde37/rangedht/internal/topology"
	"github.com/zde37/rangedht/pkg"
)

// maxBodySize bounds an uploaded object.
const maxBodySize = 32 * 1024 * 1024

// Server represents the HTTP API gateway server.
type Server struct {
	httpServer *http.Server
	listener   net.Listener
	wsHub      *WebSocketHub
	node       *dht.Node
	metrics    *metrics.Collector
	logger     *pkg.Logger
}

// NewServer creates a new HTTP API gateway server for node. Events published
// to hub are streamed on /api/ws.
func NewServer(node *dht.Node, hub *WebSocketHub, m *metrics.Collector, logger *pkg.Logger) (*Server, error) {
	if node == nil {
		return nil, fmt.Errorf("node cannot be nil")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger cannot be nil")
	}
	if hub == nil {
		hub = NewWebSocketHub(logger)
	}

	return &Server{
		logger:  logger.WithFields(pkg.Fields{"component": "http_api"}),
		node:    node,
		metrics: m,
		wsHub:   hub,
	}, nil
}

// Handler builds the routing tree.
func (s *Server) Handler() http.Handler {
	mux := runtime.NewServeMux()
	routes := []struct {
		method  string
		pattern string
		handler runtime.HandlerFunc
	}{
		{http.MethodGet, "/api/v1/node", s.nodeHandler},
		{http.MethodGet, "/api/v1/ranges", s.rangesHandler},
		{http.MethodGet, "/api/v1/neighbours", s.neighboursHandler},
		{http.MethodPut, "/api/v1/data", s.putDataHandler},
		{http.MethodGet, "/api/v1/data/{key}", s.getDataHandler},
		{http.MethodDelete, "/api/v1/data/{key}", s.deleteDataHandler},
		{http.MethodGet, "/api/v1/keys/{key}", s.keysHandler},
		{http.MethodPost, "/api/v1/keys", s.newKeysHandler},
		{http.MethodPost, "/api/v1/repair", s.repairHandler},
	}
	for _, r := range routes {
		if err := mux.HandlePath(r.method, r.pattern, r.handler); err != nil {
			// patterns are static
			panic(err)
		}
	}

	httpMux := http.NewServeMux()
	httpMux.Handle("/api/v1/", corsMiddleware(mux))
	httpMux.HandleFunc("/api/ws", s.wsHub.HandleWebSocket)
	httpMux.HandleFunc("/health", s.healthHandler)
	httpMux.Handle("/metrics", s.metrics.Handler())
	return httpMux
}

// Start starts the HTTP server. Port 0 picks a free port.
func (s *Server) Start(port int) error {
	listener, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}
	s.listener = listener

	go s.wsHub.Run()

	s.httpServer = &http.Server{
		Handler:      s.Handler(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	s.logger.Info().
		Str("address", listener.Addr().String()).
		Msg("Starting HTTP API server")

	go func() {
		if err := s.httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error().Err(err).Msg("HTTP server error")
		}
	}()
	return nil
}

// Addr returns the bound address once started.
func (s *Server) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Stop gracefully stops the HTTP server.
func (s *Server) Stop() error {
	s.logger.Info().Msg("Stopping HTTP API server")

	if s.wsHub != nil {
		s.wsHub.Stop()
	}

	if s.httpServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := s.httpServer.Shutdown(ctx); err != nil {
			return fmt.Errorf("failed to shutdown HTTP server: %w", err)
		}
	}
	return nil
}

// NodeInfo is the body of GET /api/v1/node.
type NodeInfo struct {
	Address     string         `json:"address"`
	Status      dht.Status     `json:"status"`
	Range       string         `json:"range,omitempty"`
	ModIndex    uint64         `json:"mod_index"`
	Blocks      int            `json:"blocks"`
	Replicas    int            `json:"replicas"`
	FreePercent float64        `json:"free_percent"`
	Topology    topology.Stats `json:"topology"`
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "dht": string(s.node.Status())})
}

func (s *Server) nodeHandler(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	op := s.node.Operator()
	info := NodeInfo{
		Address:  s.node.Self(),
		Status:   s.node.Status(),
		ModIndex: op.RangeTable().ModIndex(),
		Replicas: s.node.Store().Replicas().Count(),
		Topology: op.Stats(),
	}
	if part := op.LocalPartition(); part != nil {
		info.Range = part.String()
		info.Blocks = part.Count()
	}
	if free, err := s.node.Store().FreePercent(); err == nil {
		info.FreePercent = free
	}
	writeJSON(w, http.StatusOK, info)
}

func (s *Server) rangesHandler(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	data, err := s.node.Operator().RangeTable().Dump()
	if err != nil {
		writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write(data)
}

func (s *Server) neighboursHandler(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	writeJSON(w, http.StatusOK, s.node.Operator().Stats())
}

func (s *Server) putDataHandler(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	params, err := clientParams(r, r.URL.Query().Get("key"))
	if err != nil {
		writeError(w, err)
		return
	}
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodySize))
	if err != nil {
		writeError(w, fmt.Errorf("%w: %v", errBadRequest, err))
		return
	}
	s.forward(w, r, dht.MethodClientPutData, params, body, http.StatusCreated)
}

func (s *Server) getDataHandler(w http.ResponseWriter, r *http.Request, vars map[string]string) {
	params, err := clientParams(r, vars["key"])
	if err != nil {
		writeError(w, err)
		return
	}
	resp, err := s.node.ClientCall(r.Context(), dht.MethodClientGetData, params, nil)
	if err != nil {
		writeError(w, err)
		return
	}
	var info dht.ClientData
	if err := resp.Decode(&info); err == nil {
		w.Header().Set("X-Checksum", info.Checksum)
		w.Header().Set("X-Replica-Count", strconv.Itoa(info.ReplicaCount))
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	w.WriteHeader(http.StatusOK)
	w.Write(resp.Binary)
}

func (s *Server) deleteDataHandler(w http.ResponseWriter, r *http.Request, vars map[string]string) {
	params, err := clientParams(r, vars["key"])
	if err != nil {
		writeError(w, err)
		return
	}
	s.forward(w, r, dht.MethodClientDeleteData, params, nil, http.StatusOK)
}

func (s *Server) keysHandler(w http.ResponseWriter, r *http.Request, vars map[string]string) {
	params, err := clientParams(r, vars["key"])
	if err != nil {
		writeError(w, err)
		return
	}
	s.forward(w, r, dht.MethodGetKeysInfo, params, nil, http.StatusOK)
}

func (s *Server) newKeysHandler(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	params, err := clientParams(r, "")
	if err != nil {
		writeError(w, err)
		return
	}
	s.forward(w, r, dht.MethodPutKeysInfo, params, nil, http.StatusCreated)
}

func (s *Server) repairHandler(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	s.forward(w, r, dht.MethodRepairDataBlocks, nil, nil, http.StatusOK)
}

// forward runs a client method and writes its JSON result.
func (s *Server) forward(w http.ResponseWriter, r *http.Request, method string, params any, body []byte, okStatus int) {
	resp, err := s.node.ClientCall(r.Context(), method, params, body)
	if err != nil {
		s.logger.Debug().Err(err).Str("method", method).Msg("Client call failed")
		writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(okStatus)
	w.Write(resp.Params)
}

var errBadRequest = errors.New("bad request")

func clientParams(r *http.Request, key string) (dht.ClientParams, error) {
	p := dht.ClientParams{Key: key}
	if v := r.URL.Query().Get("replicas"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return p, fmt.Errorf("%w: replicas must be a number", errBadRequest)
		}
		p.ReplicaCount = &n
	}
	return p, nil
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

// statusFor maps node errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, errBadRequest), errors.Is(err, pkg.ErrChecksumMismatch), errors.Is(err, pkg.ErrInvalidKey):
		return http.StatusBadRequest
	case errors.Is(err, pkg.ErrNoData):
		return http.StatusNotFound
	case errors.Is(err, pkg.ErrPermissionDenied):
		return http.StatusForbidden
	case errors.Is(err, pkg.ErrOldData):
		return http.StatusConflict
	case errors.Is(err, pkg.ErrNodeNotReady):
		return http.StatusServiceUnavailable
	case errors.Is(err, pkg.ErrNoFreeSpace):
		return http.StatusInsufficientStorage
	case errors.Is(err, pkg.ErrOperationTimeout):
		return http.StatusGatewayTimeout
	}
	return http.StatusInternalServerError
}

func writeError(w http.ResponseWriter, err error) {
	body := map[string]string{"error": err.Error()}
	var remote *topology.RemoteError
	if errors.As(err, &remote) {
		body["code"] = remote.Code.String()
	}
	writeJSON(w, statusFor(err), body)
}

// corsMiddleware adds CORS headers to responses.
func corsMiddleware(h http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		h.ServeHTTP(w, r)
	})
}
