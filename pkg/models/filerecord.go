// Package models contains the data types shared by the service and the gateway.
package models

import (
	"strings"
	"time"
)

// FileRecord is one file known to the remote store.
type FileRecord struct {
	ID           *int64    `json:"id,omitempty"`
	FileName     string    `json:"file_name"`
	Path         string    `json:"path,omitempty"`
	LastModified time.Time `json:"last_modified"`
	UploadedAt   time.Time `json:"uploaded_at"`
	Size         int64     `json:"size"`
	MimeType     string    `json:"mimeType,omitempty"`
	Content      []byte    `json:"-"`
}

// Key returns the name that identifies the record for delete and content
// fetch. Path-less records are keyed by their file name.
func (r FileRecord) Key() string {
	if r.Path != "" {
		return r.Path
	}
	return r.FileName
}

// Kind distinguishes folders from files in the tree.
type Kind string

const (
	KindFolder Kind = "folder"
	KindLeaf   Kind = "leaf"
)

// FileType is the icon classification of a tree node.
type FileType string

const (
	FileTypeFolder FileType = "folder"
	FileTypeImage  FileType = "image"
	FileTypePDF    FileType = "pdf"
	FileTypeVideo  FileType = "video"
	FileTypeDoc    FileType = "doc"
)

// FileTypeOf classifies a MIME type. Unknown and empty types are documents.
func FileTypeOf(mimeType string) FileType {
	mt := strings.ToLower(mimeType)
	switch {
	case strings.HasPrefix(mt, "image/"):
		return FileTypeImage
	case mt == "application/pdf":
		return FileTypePDF
	case strings.HasPrefix(mt, "video/"):
		return FileTypeVideo
	default:
		return FileTypeDoc
	}
}

// TreeNode is one position in the virtual directory tree.
type TreeNode struct {
	Key      string      `json:"key"`
	Label    string      `json:"label"`
	Kind     Kind        `json:"kind"`
	FileType FileType    `json:"file_type"`
	Children []*TreeNode `json:"children,omitempty"`

	// Leaf metadata, copied from the record placed at this node.
	RecordID *int64 `json:"record_id,omitempty"`
	Size     int64  `json:"size,omitempty"`
	MimeType string `json:"mime_type,omitempty"`
}

// IsFolder reports whether the node is a folder.
func (n *TreeNode) IsFolder() bool {
	return n.Kind == KindFolder
}

// CacheEntry describes a preview cached on local disk.
type CacheEntry struct {
	Key        string    `json:"key"`
	LocalPath  string    `json:"local_path"`
	Size       int64     `json:"size"`
	LastAccess time.Time `json:"last_access"`
}
