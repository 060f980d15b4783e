// Package api provides the filedeck HTTP server: the browser-facing view of
// the file catalog and its directory tree.
package api

import (
	"bytes"
	"compress/gzip"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"

	"github.com/gabriel-vasile/mimetype"
	"go.uber.org/zap"

	"github.com/filedeck/filedeck/internal/cors"
	"github.com/filedeck/filedeck/internal/events"
	"github.com/filedeck/filedeck/internal/filesync"
	"github.com/filedeck/filedeck/internal/logging"
	"github.com/filedeck/filedeck/internal/metrics"
	"github.com/filedeck/filedeck/pkg/client"
	"github.com/filedeck/filedeck/pkg/protocol"
	"github.com/filedeck/filedeck/pkg/tree"
)

// Pool gzip writers to reduce allocations on tree responses.
var gzipPool = sync.Pool{
	New: func() any { return gzip.NewWriter(nil) },
}

// GatewayStatus reports whether the gateway answered recently.
type GatewayStatus interface {
	IsOnline() bool
}

// Options configure a Server.
type Options struct {
	MaxUploadSize  int64
	AllowedOrigins []string
	// Gateway, when set, is reported by /health.
	Gateway GatewayStatus
}

// Server is the HTTP server.
type Server struct {
	controller  *filesync.Controller
	broadcaster *events.Broadcaster
	opts        Options
}

// NewServer creates a new server.
func NewServer(controller *filesync.Controller, broadcaster *events.Broadcaster, opts Options) *Server {
	if opts.MaxUploadSize <= 0 {
		opts.MaxUploadSize = 100 * 1024 * 1024
	}
	return &Server{
		controller:  controller,
		broadcaster: broadcaster,
		opts:        opts,
	}
}

// Handler returns the HTTP handler with all routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", s.handleHealth)

	mux.HandleFunc("GET /api/v1/tree", s.handleTree)
	mux.HandleFunc("GET /api/v1/files", s.handleFiles)
	mux.HandleFunc("PUT /api/v1/search", s.handleSearch)
	mux.HandleFunc("POST /api/v1/refresh", s.handleRefresh)
	mux.HandleFunc("POST /api/v1/files", s.handleUpload)
	mux.HandleFunc("DELETE /api/v1/files", s.handleDelete)
	mux.HandleFunc("GET /api/v1/content", s.handleContent)
	mux.Handle("GET /api/v1/events", s.broadcaster)

	h := metrics.Middleware(mux)
	h = cors.Middleware(s.opts.AllowedOrigins)(h)
	return logging.Middleware(h)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := map[string]any{
		"status":    "ok",
		"records":   s.controller.Snapshot().Total,
		"in_flight": s.controller.InFlight(),
	}
	if s.opts.Gateway != nil {
		gw := "offline"
		if s.opts.Gateway.IsOnline() {
			gw = "online"
		}
		status["gateway"] = gw
	}
	s.sendJSON(w, http.StatusOK, status)
}

// handleTree handles GET /api/v1/tree. With ?key= only the subtree rooted at
// that node is returned.
func (s *Server) handleTree(w http.ResponseWriter, r *http.Request) {
	snap := s.controller.Snapshot()
	forest := snap.Forest

	if r.URL.Query().Has("key") {
		node := tree.FindByKey(forest, r.URL.Query().Get("key"))
		if node == nil {
			s.sendError(w, http.StatusNotFound, "node not found")
			return
		}
		forest = forest[:0:0]
		forest = append(forest, node)
	}

	s.sendCompressed(w, r, protocol.TreeResponse{
		Forest:     forest,
		Nodes:      tree.CountNodes(forest),
		SearchTerm: snap.SearchTerm,
	})
}

// handleFiles handles GET /api/v1/files. A q parameter filters this listing
// only; the stored search term changes through PUT /api/v1/search.
func (s *Server) handleFiles(w http.ResponseWriter, r *http.Request) {
	snap := s.controller.Snapshot()
	records, term := snap.Visible, snap.SearchTerm
	if r.URL.Query().Has("q") {
		term = r.URL.Query().Get("q")
		records = s.controller.Filter(term)
	}

	files := make([]protocol.FilePayload, 0, len(records))
	for _, rec := range records {
		files = append(files, protocol.FromRecord(rec))
	}
	s.sendJSON(w, http.StatusOK, protocol.FilesResponse{
		Files:      files,
		Total:      snap.Total,
		SearchTerm: term,
	})
}

// handleSearch handles PUT /api/v1/search.
func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	var req protocol.SearchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.sendError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	snap := s.controller.Search(req.Term)
	s.sendCompressed(w, r, protocol.TreeResponse{
		Forest:     snap.Forest,
		Nodes:      tree.CountNodes(snap.Forest),
		SearchTerm: snap.SearchTerm,
	})
}

// handleRefresh handles POST /api/v1/refresh.
func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	if err := s.controller.Refresh(r.Context()); err != nil {
		s.sendGatewayError(w, r, err)
		return
	}
	snap := s.controller.Snapshot()
	s.sendCompressed(w, r, protocol.TreeResponse{
		Forest:     snap.Forest,
		Nodes:      tree.CountNodes(snap.Forest),
		SearchTerm: snap.SearchTerm,
	})
}

// handleUpload handles POST /api/v1/files. The parts of the "files" field
// are forwarded to the gateway in one request.
func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	limit := s.opts.MaxUploadSize
	if r.ContentLength > limit {
		s.sendError(w, http.StatusRequestEntityTooLarge, fmt.Sprintf("upload too large: max %d bytes", limit))
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, limit)

	mr, err := r.MultipartReader()
	if err != nil {
		s.sendError(w, http.StatusBadRequest, "multipart body required")
		return
	}

	var files []client.UploadFile
	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			s.sendBodyError(w, err)
			return
		}
		name := client.PartFileName(part)
		if part.FormName() != client.UploadField || name == "" {
			part.Close()
			continue
		}
		data, err := io.ReadAll(part)
		part.Close()
		if err != nil {
			s.sendBodyError(w, err)
			return
		}
		files = append(files, client.UploadFile{
			Name:        name,
			ContentType: part.Header.Get("Content-Type"),
			Content:     bytes.NewReader(data),
		})
	}
	if len(files) == 0 {
		s.sendError(w, http.StatusBadRequest, "no files in field "+client.UploadField)
		return
	}

	records, err := s.controller.Upload(r.Context(), files)
	if err != nil {
		s.sendGatewayError(w, r, err)
		return
	}

	stored := make([]protocol.FilePayload, 0, len(records))
	for _, rec := range records {
		stored = append(stored, protocol.FromRecord(rec))
	}
	snap := s.controller.Snapshot()
	s.sendJSON(w, http.StatusCreated, protocol.FilesResponse{
		Files:      stored,
		Total:      snap.Total,
		SearchTerm: snap.SearchTerm,
	})
}

// handleContent handles GET /api/v1/content?name=.
func (s *Server) handleContent(w http.ResponseWriter, r *http.Request) {
	name := r.URL.Query().Get("name")
	if name == "" {
		s.sendError(w, http.StatusBadRequest, "name required")
		return
	}

	data, err := s.controller.FetchContent(r.Context(), name)
	if err != nil {
		s.sendGatewayError(w, r, err)
		return
	}

	w.Header().Set("Content-Type", mimetype.Detect(data).String())
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	w.Header().Set("Cache-Control", "private, no-cache")
	w.WriteHeader(http.StatusOK)
	w.Write(data)
}

// handleDelete handles DELETE /api/v1/files?name=.
func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	name := r.URL.Query().Get("name")
	if name == "" {
		s.sendError(w, http.StatusBadRequest, "name required")
		return
	}

	if err := s.controller.Remove(r.Context(), name); err != nil {
		s.sendGatewayError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// sendGatewayError maps a failed gateway operation onto a response.
// Client errors reported by the gateway pass through; anything else is a bad
// gateway.
func (s *Server) sendGatewayError(w http.ResponseWriter, r *http.Request, err error) {
	code := http.StatusBadGateway
	switch se, ok := client.AsStatus(err); {
	case errors.Is(err, client.ErrNotFound):
		code = http.StatusNotFound
	case ok && se.StatusCode >= 400 && se.StatusCode < 500:
		code = se.StatusCode
	}

	logging.WithContext(r.Context()).Warn("gateway operation failed",
		zap.Int("status", code), zap.Error(err))
	s.sendJSON(w, code, protocol.ErrorResponse{
		Error:   http.StatusText(code),
		Code:    code,
		Details: err.Error(),
	})
}

func (s *Server) sendBodyError(w http.ResponseWriter, err error) {
	var maxErr *http.MaxBytesError
	if errors.As(err, &maxErr) {
		s.sendError(w, http.StatusRequestEntityTooLarge,
			fmt.Sprintf("upload too large: max %d bytes", s.opts.MaxUploadSize))
		return
	}
	s.sendError(w, http.StatusBadRequest, "invalid multipart body")
}

// sendCompressed writes v as JSON, gzipped when the client accepts it.
func (s *Server) sendCompressed(w http.ResponseWriter, r *http.Request, v any) {
	if !strings.Contains(r.Header.Get("Accept-Encoding"), "gzip") {
		s.sendJSON(w, http.StatusOK, v)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Content-Encoding", "gzip")
	w.Header().Add("Vary", "Accept-Encoding")
	w.WriteHeader(http.StatusOK)

	gz := gzipPool.Get().(*gzip.Writer)
	gz.Reset(w)
	defer gzipPool.Put(gz)
	if err := json.NewEncoder(gz).Encode(v); err != nil {
		logging.Warn("encode response failed", zap.Error(err))
	}
	gz.Close()
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
