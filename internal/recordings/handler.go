package recordings

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/samber/lo"
	"go.uber.org/zap"

	"github.com/contactlens/backend/internal/bulk"
	"github.com/contactlens/backend/internal/models"
	"github.com/contactlens/backend/pkg/queue"
	"github.com/contactlens/backend/pkg/response"
)

// Assembler builds one archive from items. *bulk.Orchestrator implements it.
type Assembler interface {
	Assemble(ctx context.Context, items []models.RecordingRequestItem, out io.Writer) (*bulk.Result, error)
}

// ExportStore persists background exports. *Repository implements it.
type ExportStore interface {
	Create(ctx context.Context, items []models.RecordingRequestItem) (*models.BulkExport, error)
	GetByID(ctx context.Context, id uuid.UUID) (*models.BulkExport, error)
	MarkFailed(ctx context.Context, id uuid.UUID, msg string) error
}

// JobQueue schedules background exports. *queue.Queue implements it.
type JobQueue interface {
	EnqueueBulkExport(ctx context.Context, payload queue.BulkExportPayload) (string, error)
}

// ExportLinker issues download links for finished exports. *storage.S3 implements it.
type ExportLinker interface {
	PresignExport(ctx context.Context, key string) (string, error)
	PresignExpire() time.Duration
}

// ArchiveRecorder observes finished archives (e.g. metrics).
type ArchiveRecorder interface {
	ArchiveFinished(started time.Time, err error)
}

// Options tunes the bulk endpoints.
type Options struct {
	FilenamePrefix string
	MaxItems       int
}

type bulkItemRequest struct {
	CallID      int64  `json:"callId"`
	RecID       int64  `json:"recId"`
	MetaURL     string `json:"metaUrl"`
	CreatedTime string `json:"created_time"`
	Phone       string `json:"phone"`
	Agent       string `json:"agent"`
}

type bulkRequest struct {
	Items []bulkItemRequest `json:"items"`
}

// exportView is a bulk export as returned by the API.
type exportView struct {
	*models.BulkExport
	DownloadURL string `json:"download_url,omitempty"`
	ExpiresIn   int    `json:"expires_in,omitempty"`
}

// Handler handles recording bulk retrieval endpoints.
type Handler struct {
	assembler Assembler
	opts      Options
	exports   ExportStore
	queue     JobQueue
	links     ExportLinker
	recorder  ArchiveRecorder
	logger    *zap.Logger
	now       func() time.Time
}

// NewHandler creates a recordings handler.
func NewHandler(assembler Assembler, opts Options, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.FilenamePrefix == "" {
		opts.FilenamePrefix = "recordings"
	}
	return &Handler{assembler: assembler, opts: opts, logger: logger, now: time.Now}
}

// SetExports enables background exports. Without it the export endpoints answer 503.
func (h *Handler) SetExports(store ExportStore, q JobQueue, links ExportLinker) {
	h.exports, h.queue, h.links = store, q, links
}

// SetArchiveRecorder sets the optional archive observer.
func (h *Handler) SetArchiveRecorder(r ArchiveRecorder) { h.recorder = r }

func (h *Handler) exportsEnabled() bool {
	return h.exports != nil && h.queue != nil && h.links != nil
}

// parseItems binds the body and applies the request-level checks.
func (h *Handler) parseItems(c *gin.Context) ([]models.RecordingRequestItem, error) {
	var req bulkRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, bulk.ErrNoItems
		}
		return nil, fmt.Errorf("invalid request body: %w", err)
	}
	if len(req.Items) == 0 {
		return nil, bulk.ErrNoItems
	}
	if h.opts.MaxItems > 0 && len(req.Items) > h.opts.MaxItems {
		return nil, fmt.Errorf("too many items: %d (max %d)", len(req.Items), h.opts.MaxItems)
	}
	return lo.Map(req.Items, func(it bulkItemRequest, _ int) models.RecordingRequestItem {
		return models.RecordingRequestItem{
			CallID:      it.CallID,
			RecID:       it.RecID,
			MetaURL:     strings.TrimSpace(it.MetaURL),
			CreatedTime: strings.TrimSpace(it.CreatedTime),
			Phone:       strings.TrimSpace(it.Phone),
			Agent:       strings.TrimSpace(it.Agent),
		}
	}), nil
}

// BulkDownload handles POST /recordings/bulk-download. The archive streams while recordings are
// still being fetched; failed recordings are listed in the archive's manifest.json.
func (h *Handler) BulkDownload(c *gin.Context) {
	items, err := h.parseItems(c)
	if err != nil {
		response.Text(c, http.StatusBadRequest, err.Error())
		return
	}

	started := h.now()
	fileName := bulk.ArchiveFileName(h.opts.FilenamePrefix, started)
	out := newArchiveStream(c, fileName)
	res, err := h.assembler.Assemble(c.Request.Context(), items, out)
	if h.recorder != nil {
		h.recorder.ArchiveFinished(started, err)
	}
	if err != nil {
		if !out.started {
			h.logger.Error("bulk download failed before streaming", zap.Error(err), zap.Int("items", len(items)))
			if errors.Is(err, bulk.ErrNoItems) {
				response.Text(c, http.StatusBadRequest, err.Error())
				return
			}
			response.Text(c, http.StatusInternalServerError, "failed to build archive")
			return
		}
		h.logger.Error("bulk download aborted mid-stream",
			zap.Error(err),
			zap.String("file", fileName),
			zap.Int64("bytes_sent", out.written),
		)
		panic(http.ErrAbortHandler)
	}
	h.logger.Info("bulk download sent",
		zap.String("file", fileName),
		zap.Int("items", len(items)),
		zap.Int("succeeded", len(res.Manifest.Entries)),
		zap.Int("failed", len(res.Manifest.Errors)),
		zap.Int64("bytes", res.ArchiveSize),
	)
}

// CreateBulkExport handles POST /recordings/bulk-exports. The archive is built by the export
// worker and uploaded to S3; poll GetBulkExport for the link.
func (h *Handler) CreateBulkExport(c *gin.Context) {
	if !h.exportsEnabled() {
		response.ServiceUnavailable(c, "bulk exports not configured")
		return
	}
	items, err := h.parseItems(c)
	if err != nil {
		response.BadRequest(c, err.Error())
		return
	}
	ctx := c.Request.Context()
	export, err := h.exports.Create(ctx, items)
	if err != nil {
		h.logger.Error("create bulk export failed", zap.Error(err))
		response.Internal(c, "failed to create export")
		return
	}
	jobID, err := h.queue.EnqueueBulkExport(ctx, queue.BulkExportPayload{ExportID: export.ID})
	if err != nil {
		h.logger.Error("enqueue bulk export failed", zap.Error(err), zap.String("export_id", export.ID.String()))
		if mErr := h.exports.MarkFailed(ctx, export.ID, "could not schedule export"); mErr != nil {
			h.logger.Error("mark export failed", zap.Error(mErr), zap.String("export_id", export.ID.String()))
		}
		response.ServiceUnavailable(c, "failed to schedule export")
		return
	}
	h.logger.Info("bulk export queued",
		zap.String("export_id", export.ID.String()),
		zap.String("job_id", jobID),
		zap.Int("items", len(items)),
	)
	response.Accepted(c, gin.H{"id": export.ID, "status": export.Status})
}

// GetBulkExport handles GET /recordings/bulk-exports/:id.
func (h *Handler) GetBulkExport(c *gin.Context) {
	if !h.exportsEnabled() {
		response.ServiceUnavailable(c, "bulk exports not configured")
		return
	}
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.BadRequest(c, "invalid export id")
		return
	}
	export, err := h.exports.GetByID(c.Request.Context(), id)
	if err != nil {
		h.logger.Error("get bulk export failed", zap.Error(err), zap.String("export_id", id.String()))
		response.Internal(c, "failed to load export")
		return
	}
	if export == nil {
		response.NotFound(c, "export not found")
		return
	}
	view := exportView{BulkExport: export}
	if export.Status == models.BulkExportStatusCompleted && export.S3Key != "" {
		url, err := h.links.PresignExport(c.Request.Context(), export.S3Key)
		if err != nil {
			h.logger.Error("presign export failed", zap.Error(err), zap.String("export_id", id.String()))
			response.Internal(c, "failed to generate download URL")
			return
		}
		view.DownloadURL = url
		view.ExpiresIn = int(h.links.PresignExpire().Seconds())
	}
	response.OK(c, view)
}

// archiveStream sends the download headers on the first byte and flushes every write, so the
// client sees progress and a failure before the first byte can still become a plain error.
type archiveStream struct {
	c        *gin.Context
	fileName string
	started  bool
	written  int64
}

func newArchiveStream(c *gin.Context, fileName string) *archiveStream {
	return &archiveStream{c: c, fileName: fileName}
}

func (s *archiveStream) Write(p []byte) (int, error) {
	if !s.started {
		s.started = true
		h := s.c.Writer.Header()
		h.Set("Content-Type", "application/zip")
		h.Set("Content-Disposition", fmt.Sprintf(`attachment; filename="%s"`, s.fileName))
		h.Set("Cache-Control", "no-store")
		h.Set("X-Content-Type-Options", "nosniff")
		s.c.Status(http.StatusOK)
	}
	n, err := s.c.Writer.Write(p)
	s.written += int64(n)
	if err != nil {
		return n, err
	}
	s.c.Writer.Flush()
	return n, nil
}
