package gateway

import (
	"archive/zip"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/filedeck/filedeck/internal/logging"
	"github.com/filedeck/filedeck/internal/metadata"
	"github.com/filedeck/filedeck/internal/metrics"
	"github.com/filedeck/filedeck/pkg/client"
	"github.com/filedeck/filedeck/pkg/models"
	"github.com/filedeck/filedeck/pkg/protocol"
)

var errTooLarge = errors.New("upload too large")

// upload is one file to store.
type upload struct {
	fileName     string
	path         string
	mimeType     string
	lastModified time.Time
	data         []byte
}

// handleUpload handles POST /api/v1/files. Each part of the "files" field
// is stored as one record; zip archives are expanded into one record per
// member. The stored records are returned in input order.
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

	stored := []protocol.FilePayload{}
	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			s.sendUploadError(w, r, err)
			return
		}
		fileName := client.PartFileName(part)
		if part.FormName() != client.UploadField || fileName == "" {
			part.Close()
			continue
		}

		data, err := io.ReadAll(part)
		part.Close()
		if err != nil {
			s.sendUploadError(w, r, err)
			return
		}

		uploads, err := s.expand(fileName, part.Header.Get("Content-Type"), data)
		if err != nil {
			s.sendUploadError(w, r, err)
			return
		}
		for _, u := range uploads {
			payload, err := s.storeFile(r.Context(), u)
			if err != nil {
				s.sendUploadError(w, r, err)
				return
			}
			stored = append(stored, payload)
		}
	}

	if len(stored) == 0 {
		s.sendError(w, http.StatusBadRequest, "no files in field "+client.UploadField)
		return
	}
	logging.WithContext(r.Context()).Info("files uploaded", zap.Int("count", len(stored)))
	s.sendJSON(w, http.StatusOK, stored)
}

func (s *Server) sendUploadError(w http.ResponseWriter, r *http.Request, err error) {
	metrics.RecordContentUpload(0, false)
	var maxErr *http.MaxBytesError
	switch {
	case errors.As(err, &maxErr), errors.Is(err, errTooLarge):
		s.sendError(w, http.StatusRequestEntityTooLarge,
			fmt.Sprintf("upload too large: max %d bytes", s.opts.MaxUploadSize))
	case errors.Is(err, zip.ErrFormat):
		s.sendError(w, http.StatusBadRequest, "invalid zip archive")
	default:
		logging.WithContext(r.Context()).Error("upload failed", zap.Error(err))
		s.sendError(w, http.StatusInternalServerError, "failed to store upload")
	}
}

// expand turns one uploaded part into the files to store.
func (s *Server) expand(fileName, contentType string, data []byte) ([]upload, error) {
	now := s.now().UTC()
	if !isZip(contentType) {
		return []upload{{
			fileName:     fileName,
			path:         fileName,
			mimeType:     contentType,
			lastModified: now,
			data:         data,
		}}, nil
	}

	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, fmt.Errorf("open archive %s: %w", fileName, err)
	}

	var (
		out   []upload
		total int64
	)
	for _, f := range zr.File {
		if strings.HasSuffix(f.Name, "/") || f.FileInfo().IsDir() {
			continue
		}
		content, err := readMember(f, s.opts.MaxUploadSize-total)
		if err != nil {
			return nil, fmt.Errorf("read %s from %s: %w", f.Name, fileName, err)
		}
		total += int64(len(content))

		modified := now
		if !f.Modified.IsZero() {
			modified = f.Modified.UTC()
		}
		out = append(out, upload{
			fileName:     f.Name[strings.LastIndex(f.Name, "/")+1:],
			path:         f.Name,
			lastModified: modified,
			data:         content,
		})
	}
	return out, nil
}

// readMember reads one archive member, refusing to inflate past budget.
func readMember(f *zip.File, budget int64) ([]byte, error) {
	rc, err := f.Open()
	if err != nil {
		return nil, err
	}
	defer rc.Close()

	content, err := io.ReadAll(io.LimitReader(rc, budget+1))
	if err != nil {
		return nil, err
	}
	if int64(len(content)) > budget {
		return nil, errTooLarge
	}
	return content, nil
}

// isZip reports whether the media type or subtype is exactly "zip".
func isZip(contentType string) bool {
	mt, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		mt = strings.ToLower(contentType)
	}
	for _, p := range strings.SplitN(mt, "/", 2) {
		if p == "zip" {
			return true
		}
	}
	return false
}

// storeFile writes the content under a fresh object key and records it.
func (s *Server) storeFile(ctx context.Context, u upload) (protocol.FilePayload, error) {
	mt := u.mimeType
	if mt == "" || mt == "application/octet-stream" {
		mt = mimetype.Detect(u.data).String()
	}

	objectKey := uuid.NewString()
	size := int64(len(u.data))
	if err := s.storage.PutObject(ctx, objectKey, bytes.NewReader(u.data), size); err != nil {
		return protocol.FilePayload{}, fmt.Errorf("store %s: %w", u.path, err)
	}

	entry, err := s.store.Insert(ctx, metadata.Entry{
		Record: models.FileRecord{
			FileName:     u.fileName,
			Path:         u.path,
			LastModified: u.lastModified,
			UploadedAt:   s.now().UTC(),
			Size:         size,
			MimeType:     mt,
		},
		ObjectKey: objectKey,
	})
	if err != nil {
		if derr := s.storage.DeleteObject(ctx, objectKey); derr != nil {
			logging.Warn("orphaned object", zap.String("object", objectKey), zap.Error(derr))
		}
		return protocol.FilePayload{}, fmt.Errorf("record %s: %w", u.path, err)
	}

	metrics.RecordContentUpload(size, true)
	s.broadcaster.Publish(protocol.Event{Type: protocol.EventCreated, Key: entry.Record.Key(), Count: 1})
	return protocol.FromRecord(entry.Record), nil
}
