package worker

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/contactlens/backend/internal/bulk"
	"github.com/contactlens/backend/internal/models"
	"github.com/contactlens/backend/pkg/queue"
)

type memStore struct {
	mu        sync.Mutex
	export    *models.BulkExport
	items     []models.RecordingRequestItem
	result    models.BulkExportResult
	failMsg   string
	statuses  []string
	updateErr error
}

func (m *memStore) GetByID(_ context.Context, id uuid.UUID) (*models.BulkExport, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.export == nil || m.export.ID != id {
		return nil, nil
	}
	cp := *m.export
	return &cp, nil
}

func (m *memStore) Items(context.Context, uuid.UUID) ([]models.RecordingRequestItem, error) {
	return m.items, nil
}

func (m *memStore) setStatus(s string) {
	m.export.Status = s
	m.statuses = append(m.statuses, s)
}

func (m *memStore) MarkProcessing(context.Context, uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.setStatus(models.BulkExportStatusProcessing)
	return nil
}

func (m *memStore) MarkCompleted(_ context.Context, _ uuid.UUID, res models.BulkExportResult) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.updateErr != nil {
		return m.updateErr
	}
	m.result = res
	m.setStatus(models.BulkExportStatusCompleted)
	return nil
}

func (m *memStore) MarkFailed(_ context.Context, _ uuid.UUID, msg string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failMsg = msg
	m.setStatus(models.BulkExportStatusFailed)
	return nil
}

type memUploader struct {
	mu      sync.Mutex
	objects map[string][]byte
	deleted []string
	failAt  int
}

func (u *memUploader) UploadExport(_ context.Context, key, _ string, body io.Reader) error {
	if u.failAt > 0 {
		buf := make([]byte, u.failAt)
		_, _ = io.ReadFull(body, buf)
		return errors.New("s3: SlowDown")
	}
	b, err := io.ReadAll(body)
	if err != nil {
		return err
	}
	u.mu.Lock()
	defer u.mu.Unlock()
	u.objects[key] = b
	return nil
}

func (u *memUploader) DeleteExport(_ context.Context, key string) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	delete(u.objects, key)
	u.deleted = append(u.deleted, key)
	return nil
}

type resolverFunc func(ctx context.Context, ref string) (string, error)

func (f resolverFunc) Resolve(ctx context.Context, ref string) (string, error) { return f(ctx, ref) }

type fetcherFunc func(ctx context.Context, url string) (io.ReadCloser, string, error)

func (f fetcherFunc) Fetch(ctx context.Context, url string) (io.ReadCloser, string, error) {
	return f(ctx, url)
}

func newOrchestrator(t *testing.T) *bulk.Orchestrator {
	res := resolverFunc(func(_ context.Context, ref string) (string, error) {
		if ref == "" {
			return "", errors.New("no download_url in metadata")
		}
		return ref, nil
	})
	fetch := fetcherFunc(func(_ context.Context, url string) (io.ReadCloser, string, error) {
		return io.NopCloser(strings.NewReader(strings.Repeat("a", 2048))), "audio/wav", nil
	})
	cfg := bulk.DefaultConfig()
	cfg.Retry = bulk.RetryPolicy{MaxAttempts: 1}
	return bulk.NewOrchestrator(res, fetch, cfg, zaptest.NewLogger(t))
}

func newJob(t *testing.T, id uuid.UUID) *queue.Job {
	raw, err := json.Marshal(queue.BulkExportPayload{ExportID: id})
	require.NoError(t, err)
	return &queue.Job{ID: "job-" + id.String()[:8], Type: queue.JobTypeBulkExport, Payload: raw}
}

func fixture() (*memStore, *memUploader) {
	store := &memStore{
		export: &models.BulkExport{ID: uuid.New(), Status: models.BulkExportStatusQueued, ItemCount: 2},
		items: []models.RecordingRequestItem{
			{CallID: 1, RecID: 10, MetaURL: "https://cdn/10.wav"},
			{CallID: 2, RecID: 20},
		},
	}
	return store, &memUploader{objects: make(map[string][]byte)}
}

func TestProcess_UploadsArchiveAndStoresResult(t *testing.T) {
	store, up := fixture()
	p := NewBulkExportProcessor(store, up, nil, newOrchestrator(t), "calls", zaptest.NewLogger(t))
	p.now = func() time.Time { return time.Date(2024, 2, 1, 8, 0, 0, 0, time.UTC) }

	require.NoError(t, p.Process(context.Background(), newJob(t, store.export.ID)))

	wantKey := "exports/" + store.export.ID.String() + "/calls_2024-02-01T08-00-00-000Z.zip"
	assert.Equal(t, wantKey, store.result.S3Key)
	assert.Equal(t, "calls_2024-02-01T08-00-00-000Z.zip", store.result.FileName)
	assert.Equal(t, 1, store.result.Succeeded)
	assert.Equal(t, 1, store.result.Failed)
	assert.Equal(t, []string{models.BulkExportStatusProcessing, models.BulkExportStatusCompleted}, store.statuses)
	assert.Equal(t, int64(1), p.Processed())

	obj := up.objects[wantKey]
	require.NotEmpty(t, obj)
	assert.Equal(t, int64(len(obj)), store.result.ArchiveSize)
	zr, err := zip.NewReader(bytes.NewReader(obj), int64(len(obj)))
	require.NoError(t, err)
	names := make([]string, 0, len(zr.File))
	for _, f := range zr.File {
		names = append(names, f.Name)
	}
	assert.Equal(t, []string{"unknown-date_call-1_rec-10.wav", bulk.ManifestName}, names)
}

func TestProcess_SkipsCompletedExport(t *testing.T) {
	store, up := fixture()
	store.export.Status = models.BulkExportStatusCompleted
	p := NewBulkExportProcessor(store, up, nil, newOrchestrator(t), "", nil)

	require.NoError(t, p.Process(context.Background(), newJob(t, store.export.ID)))
	assert.Empty(t, up.objects)
	assert.Empty(t, store.statuses)
}

func TestProcess_UploadFailureStopsAssembly(t *testing.T) {
	store, up := fixture()
	up.failAt = 16
	p := NewBulkExportProcessor(store, up, nil, newOrchestrator(t), "", nil)

	err := p.Process(context.Background(), newJob(t, store.export.ID))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "SlowDown")
	assert.Empty(t, up.objects)
}

func TestProcess_DBFailureDeletesObject(t *testing.T) {
	store, up := fixture()
	store.updateErr = errors.New("connection refused")
	p := NewBulkExportProcessor(store, up, nil, newOrchestrator(t), "", nil)

	err := p.Process(context.Background(), newJob(t, store.export.ID))
	require.ErrorContains(t, err, "update db")
	require.Len(t, up.deleted, 1)
	assert.Empty(t, up.objects)
}

func TestProcess_BadJobs(t *testing.T) {
	store, up := fixture()
	p := NewBulkExportProcessor(store, up, nil, newOrchestrator(t), "", nil)

	err := p.Process(context.Background(), &queue.Job{Type: "email"})
	assert.ErrorContains(t, err, "unknown job type")

	err = p.Process(context.Background(), newJob(t, uuid.New()))
	assert.ErrorContains(t, err, "export not found")
}

// scriptedJobs hands out jobs once, then blocks until ctx ends.
type scriptedJobs struct {
	mu      sync.Mutex
	pending []*queue.Job
	retried []*queue.Job
	dead    bool
}

func (s *scriptedJobs) Dequeue(ctx context.Context) (*queue.Job, error) {
	s.mu.Lock()
	if len(s.pending) > 0 {
		j := s.pending[0]
		s.pending = s.pending[1:]
		s.mu.Unlock()
		return j, nil
	}
	s.mu.Unlock()
	<-ctx.Done()
	return nil, ctx.Err()
}

func (s *scriptedJobs) Retry(_ context.Context, job *queue.Job) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job.Attempt++
	s.retried = append(s.retried, job)
	return s.dead, nil
}

func TestRun_FailedJobIsRetriedAndMarked(t *testing.T) {
	store, up := fixture()
	up.failAt = 1
	jobs := &scriptedJobs{pending: []*queue.Job{newJob(t, store.export.ID)}}
	p := NewBulkExportProcessor(store, up, jobs, newOrchestrator(t), "", zaptest.NewLogger(t))
	p.backoff = time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		p.Run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool {
		jobs.mu.Lock()
		defer jobs.mu.Unlock()
		return len(jobs.retried) == 1
	}, 5*time.Second, 10*time.Millisecond)
	cancel()
	<-done

	assert.Equal(t, 1, jobs.retried[0].Attempt)
	store.mu.Lock()
	defer store.mu.Unlock()
	assert.Equal(t, models.BulkExportStatusFailed, store.export.Status)
	assert.Contains(t, store.failMsg, "SlowDown")
}
