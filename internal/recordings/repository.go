package recordings

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/contactlens/backend/internal/models"
)

// Repository handles bulk export persistence.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository creates a bulk export repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

const exportColumns = `id, status, item_count, succeeded, failed, COALESCE(file_name,''), COALESCE(s3_key,''), archive_size, COALESCE(error,''), created_at, updated_at, completed_at`

func scanExport(row pgx.Row) (*models.BulkExport, error) {
	var e models.BulkExport
	err := row.Scan(&e.ID, &e.Status, &e.ItemCount, &e.Succeeded, &e.Failed, &e.FileName, &e.S3Key, &e.ArchiveSize, &e.Error, &e.CreatedAt, &e.UpdatedAt, &e.CompletedAt)
	if err != nil {
		return nil, err
	}
	return &e, nil
}

// Create inserts a queued export holding items.
func (r *Repository) Create(ctx context.Context, items []models.RecordingRequestItem) (*models.BulkExport, error) {
	raw, err := json.Marshal(items)
	if err != nil {
		return nil, fmt.Errorf("marshal items: %w", err)
	}
	q := `INSERT INTO bulk_exports (status, items, item_count)
		VALUES ($1, $2, $3)
		RETURNING ` + exportColumns
	return scanExport(r.pool.QueryRow(ctx, q, models.BulkExportStatusQueued, raw, len(items)))
}

// GetByID returns an export, or nil if it does not exist.
func (r *Repository) GetByID(ctx context.Context, id uuid.UUID) (*models.BulkExport, error) {
	q := `SELECT ` + exportColumns + ` FROM bulk_exports WHERE id = $1`
	e, err := scanExport(r.pool.QueryRow(ctx, q, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return e, nil
}

// Items returns the recordings requested for an export.
func (r *Repository) Items(ctx context.Context, id uuid.UUID) ([]models.RecordingRequestItem, error) {
	const q = `SELECT items FROM bulk_exports WHERE id = $1`
	var raw []byte
	if err := r.pool.QueryRow(ctx, q, id).Scan(&raw); err != nil {
		return nil, err
	}
	var items []models.RecordingRequestItem
	if err := json.Unmarshal(raw, &items); err != nil {
		return nil, fmt.Errorf("decode items: %w", err)
	}
	return items, nil
}

// MarkProcessing moves a queued (or retried) export to processing.
func (r *Repository) MarkProcessing(ctx context.Context, id uuid.UUID) error {
	const q = `UPDATE bulk_exports SET status = $1, error = NULL, updated_at = NOW() WHERE id = $2`
	_, err := r.pool.Exec(ctx, q, models.BulkExportStatusProcessing, id)
	return err
}

// MarkCompleted stores where the archive went and how many recordings it holds.
func (r *Repository) MarkCompleted(ctx context.Context, id uuid.UUID, res models.BulkExportResult) error {
	const q = `UPDATE bulk_exports SET status = $1, file_name = $2, s3_key = $3, archive_size = $4, succeeded = $5, failed = $6,
		error = NULL, completed_at = NOW(), updated_at = NOW() WHERE id = $7`
	_, err := r.pool.Exec(ctx, q, models.BulkExportStatusCompleted, res.FileName, res.S3Key, res.ArchiveSize, res.Succeeded, res.Failed, id)
	return err
}

// MarkFailed records a fatal error for an export.
func (r *Repository) MarkFailed(ctx context.Context, id uuid.UUID, msg string) error {
	const q = `UPDATE bulk_exports SET status = $1, error = $2, updated_at = NOW() WHERE id = $3`
	_, err := r.pool.Exec(ctx, q, models.BulkExportStatusFailed, msg, id)
	return err
}
