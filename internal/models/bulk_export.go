package models

import (
	"time"

	"github.com/google/uuid"
)

// BulkExportStatus represents the export job lifecycle.
const (
	BulkExportStatusQueued     = "queued"
	BulkExportStatusProcessing = "processing"
	BulkExportStatusCompleted  = "completed"
	BulkExportStatusFailed     = "failed"
)

// BulkExport is an archive assembled in the background and stored in S3.
type BulkExport struct {
	ID          uuid.UUID  `json:"id"`
	Status      string     `json:"status"`
	ItemCount   int        `json:"item_count"`
	Succeeded   int        `json:"succeeded"`
	Failed      int        `json:"failed"`
	FileName    string     `json:"file_name"`
	S3Key       string     `json:"s3_key,omitempty"`
	ArchiveSize int64      `json:"archive_size"`
	Error       string     `json:"error,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// BulkExportResult is what a finished export stores.
type BulkExportResult struct {
	FileName    string
	S3Key       string
	ArchiveSize int64
	Succeeded   int
	Failed      int
}
