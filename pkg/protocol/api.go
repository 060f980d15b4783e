// Package protocol defines the API request/response types shared by the
// gateway, its client and the filedeck service.
package protocol

import (
	"errors"
	"fmt"
	"time"

	"github.com/filedeck/filedeck/pkg/models"
)

// FilePayload is the wire shape of one file record, as returned by
// GET /api/v1/files and POST /api/v1/files on the gateway.
type FilePayload struct {
	ID           *int64    `json:"id,omitempty"`
	FileName     string    `json:"file_name"`
	LastModified Timestamp `json:"last_modified"`
	UploadedAt   Timestamp `json:"uploaded_at"`
	Size         int64     `json:"size"`
	MimeType     string    `json:"mimeType,omitempty"`
	Path         string    `json:"path,omitempty"`
	Content      []byte    `json:"content,omitempty"`
}

// Validate checks the fields a record cannot do without.
func (p FilePayload) Validate() error {
	var errs []error
	if p.FileName == "" {
		errs = append(errs, errors.New("file_name is required"))
	}
	if p.Size < 0 {
		errs = append(errs, fmt.Errorf("size %d is negative", p.Size))
	}
	if p.LastModified.IsZero() {
		errs = append(errs, errors.New("last_modified is required"))
	}
	if p.UploadedAt.IsZero() {
		errs = append(errs, errors.New("uploaded_at is required"))
	}
	return errors.Join(errs...)
}

// ToRecord maps the payload 1:1 onto a FileRecord.
func (p FilePayload) ToRecord() models.FileRecord {
	return models.FileRecord{
		ID:           p.ID,
		FileName:     p.FileName,
		Path:         p.Path,
		LastModified: p.LastModified.Time,
		UploadedAt:   p.UploadedAt.Time,
		Size:         p.Size,
		MimeType:     p.MimeType,
		Content:      p.Content,
	}
}

// FromRecord is the inverse of ToRecord.
func FromRecord(r models.FileRecord) FilePayload {
	return FilePayload{
		ID:           r.ID,
		FileName:     r.FileName,
		LastModified: Timestamp{r.LastModified},
		UploadedAt:   Timestamp{r.UploadedAt},
		Size:         r.Size,
		MimeType:     r.MimeType,
		Path:         r.Path,
		Content:      r.Content,
	}
}

// ToRecords validates and converts a batch. A single bad payload rejects the
// whole batch.
func ToRecords(payloads []FilePayload) ([]models.FileRecord, error) {
	records := make([]models.FileRecord, 0, len(payloads))
	for i, p := range payloads {
		if err := p.Validate(); err != nil {
			return nil, fmt.Errorf("record %d: %w", i, err)
		}
		records = append(records, p.ToRecord())
	}
	return records, nil
}

// ErrorResponse is returned on API errors.
type ErrorResponse struct {
	Error   string `json:"error"`
	Code    int    `json:"code"`
	Details string `json:"details,omitempty"`
}

// TreeResponse is returned by GET /api/v1/tree and GET /api/v1/tree/{key}.
type TreeResponse struct {
	Forest     []*models.TreeNode `json:"forest"`
	Nodes      int                `json:"nodes"`
	SearchTerm string             `json:"search_term,omitempty"`
}

// FilesResponse is returned by GET /api/v1/files on the filedeck service.
type FilesResponse struct {
	Files      []FilePayload `json:"files"`
	Total      int           `json:"total"`
	SearchTerm string        `json:"search_term,omitempty"`
}

// SearchRequest is the body for PUT /api/v1/search.
type SearchRequest struct {
	Term string `json:"term"`
}

// Event types published on the SSE streams.
const (
	EventRefresh = "refresh"
	EventUpload  = "upload"
	EventDelete  = "delete"
	EventSearch  = "search"
	EventCreated = "file.created"
	EventRemoved = "file.removed"
)

// Event is one server-sent event.
type Event struct {
	Type      string    `json:"type"`
	Key       string    `json:"key,omitempty"`
	Count     int       `json:"count,omitempty"`
	Total     int       `json:"total"`
	Timestamp time.Time `json:"timestamp"`
}
