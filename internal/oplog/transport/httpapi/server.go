package httpapi

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"log"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/localfirst/opsync/internal/oplog"
	"github.com/localfirst/opsync/internal/oplog/transport"
)

// Routes served by Server.
const (
	PathUpload   = "/api/ops/upload"
	PathDownload = "/api/ops/download"
	PathAck      = "/api/ops/ack"
	PathHealth   = "/health"
)

// MaxUploadBatch caps ops per upload request.
const MaxUploadBatch = 1000

// UploadRequest is the body of POST /api/ops/upload.
type UploadRequest struct {
	ClientID           string            `json:"clientId"`
	LastKnownServerSeq int64             `json:"lastKnownServerSeq"`
	Ops                []oplog.Operation `json:"ops"`
}

// AckRequest is the body of POST /api/ops/ack.
type AckRequest struct {
	ClientID string `json:"clientId"`
	Seq      int64  `json:"seq"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// ServerConfig holds server configuration.
type ServerConfig struct {
	// Addr to listen on (default: ":8787")
	Addr string

	// Token, when set, is required as a bearer token on /api routes.
	Token string

	// Logger for server activity (default: log.Default())
	Logger *log.Logger
}

// DefaultServerConfig returns sensible defaults.
func DefaultServerConfig() *ServerConfig {
	return &ServerConfig{
		Addr:   ":8787",
		Logger: log.Default(),
	}
}

// Server exposes a transport.Server over HTTP.
type Server struct {
	backend  transport.Server
	config   *ServerConfig
	listener net.Listener
	server   *http.Server
	wg       sync.WaitGroup
	logger   *log.Logger
}

// NewServer creates an HTTP server for backend.
func NewServer(backend transport.Server, config *ServerConfig) (*Server, error) {
	if backend == nil {
		return nil, fmt.Errorf("backend cannot be nil")
	}
	if config == nil {
		config = DefaultServerConfig()
	}
	if config.Addr == "" {
		config.Addr = ":8787"
	}
	if config.Logger == nil {
		config.Logger = log.Default()
	}
	return &Server{backend: backend, config: config, logger: config.Logger}, nil
}

// Handler returns the route mux.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc(PathUpload, s.authorized(s.handleUpload))
	mux.HandleFunc(PathDownload, s.authorized(s.handleDownload))
	mux.HandleFunc(PathAck, s.authorized(s.handleAck))
	mux.HandleFunc(PathHealth, s.handleHealth)
	return mux
}

// Start listens and serves in the background.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.config.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.config.Addr, err)
	}
	s.listener = ln

	s.server = &http.Server{
		Handler:      s.Handler(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.logger.Printf("Sync server listening on %s", ln.Addr())
		if err := s.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.logger.Printf("Server error: %v", err)
		}
	}()
	return nil
}

// Stop gracefully shuts down the server.
func (s *Server) Stop() error {
	if s.server == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("server shutdown error: %w", err)
	}
	s.wg.Wait()
	s.logger.Println("Sync server stopped")
	return nil
}

// Addr returns the listening address.
func (s *Server) Addr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.config.Addr
}

func (s *Server) authorized(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.config.Token != "" {
			got := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
			if subtle.ConstantTimeCompare([]byte(got), []byte(s.config.Token)) != 1 {
				writeJSON(w, http.StatusUnauthorized, errorResponse{Error: "unauthorized"})
				return
			}
		}
		next(w, r)
	}
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSON(w, http.StatusMethodNotAllowed, errorResponse{Error: "method not allowed"})
		return
	}

	var req UploadRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 32<<20)).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: fmt.Sprintf("invalid request: %v", err)})
		return
	}
	if req.ClientID == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "clientId is required"})
		return
	}
	if len(req.Ops) > MaxUploadBatch {
		writeJSON(w, http.StatusRequestEntityTooLarge, errorResponse{Error: fmt.Sprintf("at most %d ops per upload", MaxUploadBatch)})
		return
	}

	resp, err := s.backend.Upload(r.Context(), req.Ops, req.ClientID, req.LastKnownServerSeq)
	if err != nil {
		s.logger.Printf("Upload from %s failed: %v", req.ClientID, err)
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "upload failed"})
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeJSON(w, http.StatusMethodNotAllowed, errorResponse{Error: "method not allowed"})
		return
	}

	q := r.URL.Query()
	since, err := parseInt(q.Get("since"), 0)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid since"})
		return
	}
	limit, err := parseInt(q.Get("limit"), transport.DefaultPiggybackLimit)
	if err != nil || limit <= 0 {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid limit"})
		return
	}

	resp, err := s.backend.Download(r.Context(), since, q.Get("exclude"), int(limit))
	if err != nil {
		s.logger.Printf("Download since %d failed: %v", since, err)
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "download failed"})
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleAck(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSON(w, http.StatusMethodNotAllowed, errorResponse{Error: "method not allowed"})
		return
	}

	var req AckRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ClientID == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid ack"})
		return
	}
	if err := s.backend.Acknowledge(r.Context(), req.ClientID, req.Seq); err != nil {
		s.logger.Printf("Ack from %s failed: %v", req.ClientID, err)
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "ack failed"})
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func parseInt(s string, def int64) (int64, error) {
	if s == "" {
		return def, nil
	}
	return strconv.ParseInt(s, 10, 64)
}
