package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"
	"go.uber.org/atomic"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/contactlens/backend/internal/bulk"
	"github.com/contactlens/backend/internal/models"
	"github.com/contactlens/backend/pkg/queue"
	"github.com/contactlens/backend/pkg/storage"
)

// ExportStore is the export persistence the worker needs. *recordings.Repository implements it.
type ExportStore interface {
	GetByID(ctx context.Context, id uuid.UUID) (*models.BulkExport, error)
	Items(ctx context.Context, id uuid.UUID) ([]models.RecordingRequestItem, error)
	MarkProcessing(ctx context.Context, id uuid.UUID) error
	MarkCompleted(ctx context.Context, id uuid.UUID, res models.BulkExportResult) error
	MarkFailed(ctx context.Context, id uuid.UUID, msg string) error
}

// Uploader stores finished archives. *storage.S3 implements it.
type Uploader interface {
	UploadExport(ctx context.Context, key, fileName string, body io.Reader) error
	DeleteExport(ctx context.Context, key string) error
}

// JobSource hands out export jobs. *queue.Queue implements it.
type JobSource interface {
	Dequeue(ctx context.Context) (*queue.Job, error)
	Retry(ctx context.Context, job *queue.Job) (bool, error)
}

// Assembler builds one archive from items. *bulk.Orchestrator implements it.
type Assembler interface {
	Assemble(ctx context.Context, items []models.RecordingRequestItem, out io.Writer) (*bulk.Result, error)
}

// ArchiveRecorder observes finished archives (e.g. metrics).
type ArchiveRecorder interface {
	ArchiveFinished(started time.Time, err error)
}

// BulkExportProcessor processes bulk export jobs: assemble the archive, stream it to S3, update DB.
type BulkExportProcessor struct {
	store          ExportStore
	uploader       Uploader
	jobs           JobSource
	assembler      Assembler
	recorder       ArchiveRecorder
	filenamePrefix string
	backoff        time.Duration
	processed      atomic.Int64
	logger         *zap.Logger
	now            func() time.Time
}

// NewBulkExportProcessor creates a bulk export processor.
func NewBulkExportProcessor(store ExportStore, uploader Uploader, jobs JobSource, assembler Assembler, filenamePrefix string, logger *zap.Logger) *BulkExportProcessor {
	if logger == nil {
		logger = zap.NewNop()
	}
	if filenamePrefix == "" {
		filenamePrefix = "recordings"
	}
	return &BulkExportProcessor{
		store:          store,
		uploader:       uploader,
		jobs:           jobs,
		assembler:      assembler,
		filenamePrefix: filenamePrefix,
		backoff:        queue.RetryBackoff,
		logger:         logger,
		now:            time.Now,
	}
}

// SetArchiveRecorder sets the optional archive observer.
func (p *BulkExportProcessor) SetArchiveRecorder(r ArchiveRecorder) { p.recorder = r }

// Processed returns how many jobs finished successfully.
func (p *BulkExportProcessor) Processed() int64 { return p.processed.Load() }

func decodePayload(job *queue.Job) (queue.BulkExportPayload, error) {
	var payload queue.BulkExportPayload
	if job.Type != queue.JobTypeBulkExport {
		return payload, fmt.Errorf("unknown job type: %s", job.Type)
	}
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return payload, fmt.Errorf("unmarshal payload: %w", err)
	}
	return payload, nil
}

// Process executes one bulk export job.
func (p *BulkExportProcessor) Process(ctx context.Context, job *queue.Job) error {
	payload, err := decodePayload(job)
	if err != nil {
		return err
	}
	export, err := p.store.GetByID(ctx, payload.ExportID)
	if err != nil {
		return fmt.Errorf("load export: %w", err)
	}
	if export == nil {
		return fmt.Errorf("export not found: %s", payload.ExportID)
	}
	if export.Status == models.BulkExportStatusCompleted {
		p.logger.Info("export already completed", zap.String("export_id", export.ID.String()))
		return nil
	}
	items, err := p.store.Items(ctx, export.ID)
	if err != nil {
		return fmt.Errorf("load items: %w", err)
	}
	if err := p.store.MarkProcessing(ctx, export.ID); err != nil {
		return fmt.Errorf("mark processing: %w", err)
	}

	started := p.now()
	fileName := bulk.ArchiveFileName(p.filenamePrefix, started)
	key := storage.ExportKey(export.ID.String(), fileName)

	res, err := p.assembleAndUpload(ctx, items, key, fileName)
	if p.recorder != nil {
		p.recorder.ArchiveFinished(started, err)
	}
	if err != nil {
		return err
	}

	result := models.BulkExportResult{
		FileName:    fileName,
		S3Key:       key,
		ArchiveSize: res.ArchiveSize,
		Succeeded:   len(res.Manifest.Entries),
		Failed:      len(res.Manifest.Errors),
	}
	if err := p.store.MarkCompleted(ctx, export.ID, result); err != nil {
		p.logger.Error("update export result failed", zap.Error(err), zap.String("export_id", export.ID.String()))
		if delErr := p.uploader.DeleteExport(ctx, key); delErr != nil {
			p.logger.Warn("delete orphaned export failed", zap.Error(delErr), zap.String("s3_key", key))
		}
		return fmt.Errorf("update db: %w", err)
	}

	p.processed.Inc()
	p.logger.Info("bulk export completed",
		zap.String("export_id", export.ID.String()),
		zap.String("s3_key", key),
		zap.Int("succeeded", result.Succeeded),
		zap.Int("failed", result.Failed),
		zap.Int64("bytes", result.ArchiveSize),
		zap.Duration("elapsed", time.Since(started)),
	)
	return nil
}

// assembleAndUpload pipes the archive straight into a multipart upload. A failure on either side
// closes the pipe with that error so the other side stops too.
func (p *BulkExportProcessor) assembleAndUpload(ctx context.Context, items []models.RecordingRequestItem, key, fileName string) (*bulk.Result, error) {
	pr, pw := io.Pipe()
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		err := p.uploader.UploadExport(gctx, key, fileName, pr)
		if err != nil {
			pr.CloseWithError(err)
			return fmt.Errorf("s3 upload: %w", err)
		}
		// Drain whatever the uploader left unread so the writer side cannot block.
		_, _ = io.Copy(io.Discard, pr)
		return nil
	})

	var res *bulk.Result
	g.Go(func() error {
		var err error
		res, err = p.assembler.Assemble(gctx, items, pw)
		pw.CloseWithError(err)
		if err != nil {
			return fmt.Errorf("assemble archive: %w", err)
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return res, nil
}

// handle processes one job and applies the retry / dead-letter policy on failure.
func (p *BulkExportProcessor) handle(ctx context.Context, job *queue.Job) error {
	p.logger.Debug("processing job", zap.String("job_id", job.ID), zap.String("type", string(job.Type)), zap.Int("attempt", job.Attempt))
	err := p.Process(ctx, job)
	if err == nil {
		return nil
	}
	p.logger.Error("job failed", zap.String("job_id", job.ID), zap.Error(err))

	if payload, pErr := decodePayload(job); pErr == nil {
		if mErr := p.store.MarkFailed(context.WithoutCancel(ctx), payload.ExportID, err.Error()); mErr != nil {
			p.logger.Error("mark export failed", zap.Error(mErr), zap.String("export_id", payload.ExportID.String()))
		}
	}
	if errors.Is(err, context.Canceled) {
		// Shutting down; leave the job to the retry policy on the next start.
		ctx = context.WithoutCancel(ctx)
	}
	if _, reErr := p.jobs.Retry(ctx, job); reErr != nil {
		p.logger.Error("retry enqueue failed", zap.Error(reErr))
	}
	return err
}

// Run starts the worker loop: dequeue, process, retry on error.
func (p *BulkExportProcessor) Run(ctx context.Context) {
	p.logger.Info("bulk export worker started")
	for {
		select {
		case <-ctx.Done():
			p.logger.Info("bulk export worker stopping")
			return
		default:
		}

		job, err := p.jobs.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil {
				continue
			}
			p.logger.Warn("dequeue error", zap.Error(err))
			p.sleep(ctx)
			continue
		}
		if job == nil {
			continue
		}
		if err := p.handle(ctx, job); err != nil {
			p.sleep(ctx)
		}
	}
}

func (p *BulkExportProcessor) sleep(ctx context.Context) {
	t := time.NewTimer(p.backoff)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
