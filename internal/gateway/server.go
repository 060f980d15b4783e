// Package gateway is the remote file store: it keeps record metadata in a
// metadata store and file content in a storage backend, and serves both over
// HTTP.
package gateway

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/filedeck/filedeck/internal/auth"
	"github.com/filedeck/filedeck/internal/cors"
	"github.com/filedeck/filedeck/internal/events"
	"github.com/filedeck/filedeck/internal/logging"
	"github.com/filedeck/filedeck/internal/metadata"
	"github.com/filedeck/filedeck/internal/metrics"
	"github.com/filedeck/filedeck/internal/storage"
	"github.com/filedeck/filedeck/pkg/client"
	"github.com/filedeck/filedeck/pkg/protocol"
)

// Options configure a Server.
type Options struct {
	// MaxUploadSize bounds the body of one upload request.
	MaxUploadSize int64
	// Auth, when set, requires a bearer token on every route but /health.
	Auth *auth.Auth
	// AllowedOrigins are the browser origins answered with CORS headers.
	AllowedOrigins []string
}

// Server is the gateway HTTP server.
type Server struct {
	store       metadata.Store
	storage     storage.Backend
	broadcaster *events.Broadcaster
	opts        Options
	now         func() time.Time
}

// NewServer creates a new server.
func NewServer(store metadata.Store, backend storage.Backend, broadcaster *events.Broadcaster, opts Options) *Server {
	if opts.MaxUploadSize <= 0 {
		opts.MaxUploadSize = 100 * 1024 * 1024
	}
	return &Server{
		store:       store,
		storage:     backend,
		broadcaster: broadcaster,
		opts:        opts,
		now:         time.Now,
	}
}

// Handler returns the HTTP handler with all routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET "+client.FilesPath, s.handleList)
	mux.HandleFunc("POST "+client.FilesPath, s.handleUpload)
	mux.HandleFunc("DELETE "+client.FilesPath, s.handleDelete)
	mux.HandleFunc("GET "+client.ContentPath, s.handleContent)
	mux.Handle("GET "+client.EventsPath, s.broadcaster)

	var h http.Handler = metrics.Middleware(mux)
	if s.opts.Auth != nil {
		h = s.opts.Auth.Middleware(h, client.HealthPath)
	}
	h = cors.Middleware(s.opts.AllowedOrigins)(h)
	return logging.Middleware(h)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "ok", "storage": s.storage.Type()})
}

// handleList handles GET /api/v1/files.
func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	entries, err := s.store.List(r.Context())
	if err != nil {
		logging.WithContext(r.Context()).Error("list files failed", zap.Error(err))
		s.sendError(w, http.StatusInternalServerError, "failed to list files")
		return
	}

	payloads := make([]protocol.FilePayload, 0, len(entries))
	for _, e := range entries {
		payloads = append(payloads, protocol.FromRecord(e.Record))
	}
	s.sendJSON(w, http.StatusOK, payloads)
}

// handleContent handles GET /api/v1/content?name=. The first record stored
// under the name wins. With encoding=base64 the content is sent as a JSON
// string.
func (s *Server) handleContent(w http.ResponseWriter, r *http.Request) {
	name := r.URL.Query().Get("name")
	if name == "" {
		s.sendError(w, http.StatusBadRequest, "name required")
		return
	}

	entry, err := s.store.FindByKey(r.Context(), name)
	if errors.Is(err, metadata.ErrNotFound) {
		s.sendError(w, http.StatusNotFound, "file not found")
		return
	}
	if err != nil {
		logging.WithContext(r.Context()).Error("find file failed", zap.String("name", name), zap.Error(err))
		s.sendError(w, http.StatusInternalServerError, "failed to find file")
		return
	}

	body, size, err := s.storage.GetObject(r.Context(), entry.ObjectKey)
	if err != nil {
		metrics.RecordContentDownload(0, false)
		logging.WithContext(r.Context()).Error("read content failed",
			zap.String("name", name), zap.String("object", entry.ObjectKey), zap.Error(err))
		s.sendError(w, http.StatusInternalServerError, "failed to read content")
		return
	}
	defer body.Close()

	if r.URL.Query().Get("encoding") == "base64" {
		data, err := io.ReadAll(body)
		if err != nil {
			metrics.RecordContentDownload(0, false)
			s.sendError(w, http.StatusInternalServerError, "failed to read content")
			return
		}
		metrics.RecordContentDownload(int64(len(data)), true)
		s.sendJSON(w, http.StatusOK, base64.StdEncoding.EncodeToString(data))
		return
	}

	contentType := entry.Record.MimeType
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Length", strconv.FormatInt(size, 10))
	w.WriteHeader(http.StatusOK)
	n, err := io.Copy(w, body)
	if err != nil {
		logging.WithContext(r.Context()).Warn("content copy interrupted", zap.String("name", name), zap.Error(err))
	}
	metrics.RecordContentDownload(n, err == nil)
}

// handleDelete handles DELETE /api/v1/files?name=. Every record stored under
// the name goes, together with its content.
func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	name := r.URL.Query().Get("name")
	if name == "" {
		s.sendError(w, http.StatusBadRequest, "name required")
		return
	}

	removed, err := s.store.DeleteByKey(r.Context(), name)
	if err != nil {
		logging.WithContext(r.Context()).Error("delete file failed", zap.String("name", name), zap.Error(err))
		s.sendError(w, http.StatusInternalServerError, "failed to delete file")
		return
	}
	if len(removed) == 0 {
		s.sendError(w, http.StatusNotFound, "file not found")
		return
	}

	for _, e := range removed {
		if err := s.storage.DeleteObject(r.Context(), e.ObjectKey); err != nil {
			logging.WithContext(r.Context()).Warn("orphaned object",
				zap.String("name", name), zap.String("object", e.ObjectKey), zap.Error(err))
		}
	}

	s.broadcaster.Publish(protocol.Event{Type: protocol.EventRemoved, Key: name, Count: len(removed)})
	logging.WithContext(r.Context()).Info("file deleted", zap.String("name", name), zap.Int("records", len(removed)))
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) sendJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func (s *Server) sendError(w http.ResponseWriter, code int, message string) {
	s.sendJSON(w, code, protocol.ErrorResponse{
		Error: message,
		Code:  code,
	})
}
