package recordings

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/contactlens/backend/internal/bulk"
	"github.com/contactlens/backend/internal/middleware"
	"github.com/contactlens/backend/internal/models"
	"github.com/contactlens/backend/internal/resolver"
	"github.com/contactlens/backend/pkg/queue"
	"github.com/contactlens/backend/pkg/response"
)

func init() { gin.SetMode(gin.TestMode) }

var fixedNow = time.Date(2024, 1, 5, 10, 30, 15, 123_000_000, time.UTC)

func newRouter(h *Handler) *gin.Engine {
	r := gin.New()
	r.Use(middleware.Recovery(zap.NewNop()))
	r.POST("/recordings/bulk-download", h.BulkDownload)
	r.POST("/recordings/bulk-exports", h.CreateBulkExport)
	r.GET("/recordings/bulk-exports/:id", h.GetBulkExport)
	return r
}

// upstream fakes the metadata service and the media CDN.
func upstream(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	var srv *httptest.Server
	mux.HandleFunc("/meta/ok", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, `{"recording":{"download_url":%q}}`, srv.URL+"/media/10")
	})
	mux.HandleFunc("/meta/empty", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"recording":{}}`)
	})
	mux.HandleFunc("/media/10", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "audio/mpeg")
		_, _ = w.Write(bytes.Repeat([]byte{7}, 1000))
	})
	srv = httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func newBulkHandler(t *testing.T, up *httptest.Server) *Handler {
	cfg := bulk.DefaultConfig()
	cfg.Retry = bulk.RetryPolicy{MaxAttempts: 3, BaseDelay: time.Millisecond}
	orch := bulk.NewOrchestrator(
		resolver.NewHTTPResolver(up.Client(), "", ""),
		bulk.NewHTTPFetcher(up.Client(), ""),
		cfg, zap.NewNop(),
	)
	h := NewHandler(orch, Options{FilenamePrefix: "recordings", MaxItems: 10}, zap.NewNop())
	h.now = func() time.Time { return fixedNow }
	return h
}

func postJSON(r http.Handler, path, body string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	r.ServeHTTP(w, req)
	return w
}

func readManifest(t *testing.T, body []byte) (map[string][]byte, bulk.Manifest) {
	t.Helper()
	zr, err := zip.NewReader(bytes.NewReader(body), int64(len(body)))
	require.NoError(t, err)
	files := make(map[string][]byte)
	for _, f := range zr.File {
		rc, err := f.Open()
		require.NoError(t, err)
		b, err := io.ReadAll(rc)
		require.NoError(t, err)
		rc.Close()
		files[f.Name] = b
	}
	var m bulk.Manifest
	require.NoError(t, json.Unmarshal(files[bulk.ManifestName], &m))
	return files, m
}

func TestBulkDownload_StreamsArchive(t *testing.T) {
	up := upstream(t)
	r := newRouter(newBulkHandler(t, up))

	body := fmt.Sprintf(`{"items":[
		{"callId":1,"recId":10,"metaUrl":%q,"created_time":"2024-01-05T00:00:00Z","phone":"+123","agent":"A Name"},
		{"callId":2,"recId":20,"metaUrl":%q}
	]}`, up.URL+"/meta/ok", up.URL+"/meta/empty")
	w := postJSON(r, "/recordings/bulk-download", body)

	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "application/zip", w.Header().Get("Content-Type"))
	assert.Equal(t, `attachment; filename="recordings_2024-01-05T10-30-15-123Z.zip"`, w.Header().Get("Content-Disposition"))
	assert.Equal(t, "no-store", w.Header().Get("Cache-Control"))

	files, m := readManifest(t, w.Body.Bytes())
	assert.Len(t, files["2024-01-05_call-1_rec-10_123_A_Name.mp3"], 1000)
	assert.Equal(t, 2, m.TotalCount)
	assert.Equal(t, []bulk.ManifestEntry{{CallID: 1, RecID: 10, FileName: "2024-01-05_call-1_rec-10_123_A_Name.mp3", ByteCount: 1000}}, m.Entries)
	assert.Equal(t, []bulk.ManifestError{{CallID: 2, RecID: 20, Message: "no download_url in metadata"}}, m.Errors)
}

func TestBulkDownload_ClientErrors(t *testing.T) {
	up := upstream(t)
	r := newRouter(newBulkHandler(t, up))

	tests := []struct {
		name string
		body string
		want string
	}{
		{"empty body", ``, "items must be a non-empty array"},
		{"no items", `{}`, "items must be a non-empty array"},
		{"empty items", `{"items":[]}`, "items must be a non-empty array"},
		{"not json", `items=1`, "invalid request body"},
		{"too many", `{"items":[` + strings.TrimSuffix(strings.Repeat(`{"callId":1,"recId":1,"metaUrl":"x"},`, 11), ",") + `]}`, "too many items"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := postJSON(r, "/recordings/bulk-download", tt.body)
			assert.Equal(t, http.StatusBadRequest, w.Code)
			assert.Contains(t, w.Header().Get("Content-Type"), "text/plain")
			assert.Contains(t, w.Body.String(), tt.want)
		})
	}
}

type assemblerFunc func(ctx context.Context, items []models.RecordingRequestItem, out io.Writer) (*bulk.Result, error)

func (f assemblerFunc) Assemble(ctx context.Context, items []models.RecordingRequestItem, out io.Writer) (*bulk.Result, error) {
	return f(ctx, items, out)
}

type archiveCounter struct {
	mu   sync.Mutex
	errs []error
}

func (a *archiveCounter) ArchiveFinished(_ time.Time, err error) {
	a.mu.Lock()
	a.errs = append(a.errs, err)
	a.mu.Unlock()
}

func TestBulkDownload_FailureBeforeStreamingIsPlainError(t *testing.T) {
	h := NewHandler(assemblerFunc(func(context.Context, []models.RecordingRequestItem, io.Writer) (*bulk.Result, error) {
		return nil, fmt.Errorf("%w: create entry: disk full", bulk.ErrArchive)
	}), Options{}, nil)
	rec := &archiveCounter{}
	h.SetArchiveRecorder(rec)

	w := postJSON(newRouter(h), "/recordings/bulk-download", `{"items":[{"callId":1,"recId":1,"metaUrl":"m"}]}`)
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Equal(t, "failed to build archive", w.Body.String())
	assert.Empty(t, w.Header().Get("Content-Disposition"))
	require.Len(t, rec.errs, 1)
	assert.Error(t, rec.errs[0])
}

func TestBulkDownload_FailureMidStreamAbortsConnection(t *testing.T) {
	h := NewHandler(assemblerFunc(func(_ context.Context, _ []models.RecordingRequestItem, out io.Writer) (*bulk.Result, error) {
		if _, err := out.Write(bytes.Repeat([]byte("PK"), 4096)); err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("%w: flate: internal error", bulk.ErrArchive)
	}), Options{}, nil)
	srv := httptest.NewServer(newRouter(h))
	defer srv.Close()

	resp, err := srv.Client().Post(srv.URL+"/recordings/bulk-download", "application/json",
		strings.NewReader(`{"items":[{"callId":1,"recId":1,"metaUrl":"m"}]}`))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/zip", resp.Header.Get("Content-Type"))
	_, err = io.ReadAll(resp.Body)
	assert.Error(t, err)
}

type memExports struct {
	mu      sync.Mutex
	rows    map[uuid.UUID]*models.BulkExport
	items   map[uuid.UUID][]models.RecordingRequestItem
	failMsg string
}

func newMemExports() *memExports {
	return &memExports{rows: make(map[uuid.UUID]*models.BulkExport), items: make(map[uuid.UUID][]models.RecordingRequestItem)}
}

func (m *memExports) Create(_ context.Context, items []models.RecordingRequestItem) (*models.BulkExport, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e := &models.BulkExport{ID: uuid.New(), Status: models.BulkExportStatusQueued, ItemCount: len(items), CreatedAt: fixedNow, UpdatedAt: fixedNow}
	m.rows[e.ID] = e
	m.items[e.ID] = items
	return e, nil
}

func (m *memExports) GetByID(_ context.Context, id uuid.UUID) (*models.BulkExport, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.rows[id], nil
}

func (m *memExports) MarkFailed(_ context.Context, id uuid.UUID, msg string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rows[id].Status = models.BulkExportStatusFailed
	m.rows[id].Error = msg
	m.failMsg = msg
	return nil
}

type fakeQueue struct {
	payloads []queue.BulkExportPayload
	err      error
}

func (q *fakeQueue) EnqueueBulkExport(_ context.Context, p queue.BulkExportPayload) (string, error) {
	if q.err != nil {
		return "", q.err
	}
	q.payloads = append(q.payloads, p)
	return "job-1", nil
}

type fakeLinks struct{}

func (fakeLinks) PresignExport(_ context.Context, key string) (string, error) {
	return "https://exports.s3.amazonaws.com/" + key + "?X-Amz-Signature=sig", nil
}

func (fakeLinks) PresignExpire() time.Duration { return 15 * time.Minute }

func decodeData(t *testing.T, w *httptest.ResponseRecorder, into any) {
	t.Helper()
	var body struct {
		Success bool            `json:"success"`
		Data    json.RawMessage `json:"data"`
		Error   string          `json:"error"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	require.True(t, body.Success, body.Error)
	require.NoError(t, json.Unmarshal(body.Data, into))
}

func TestBulkExports_Lifecycle(t *testing.T) {
	store := newMemExports()
	q := &fakeQueue{}
	h := NewHandler(assemblerFunc(nil), Options{}, nil)
	h.SetExports(store, q, fakeLinks{})
	r := newRouter(h)

	w := postJSON(r, "/recordings/bulk-exports", `{"items":[{"callId":1,"recId":10,"metaUrl":" m1 "}]}`)
	require.Equal(t, http.StatusAccepted, w.Code)
	var created struct {
		ID     uuid.UUID `json:"id"`
		Status string    `json:"status"`
	}
	decodeData(t, w, &created)
	assert.Equal(t, models.BulkExportStatusQueued, created.Status)
	require.Len(t, q.payloads, 1)
	assert.Equal(t, created.ID, q.payloads[0].ExportID)
	assert.Equal(t, "m1", store.items[created.ID][0].MetaURL)

	get := func() *httptest.ResponseRecorder {
		w := httptest.NewRecorder()
		r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/recordings/bulk-exports/"+created.ID.String(), nil))
		return w
	}
	w = get()
	require.Equal(t, http.StatusOK, w.Code)
	var view map[string]any
	decodeData(t, w, &view)
	assert.Equal(t, "queued", view["status"])
	assert.NotContains(t, view, "download_url")

	store.rows[created.ID].Status = models.BulkExportStatusCompleted
	store.rows[created.ID].S3Key = "exports/" + created.ID.String() + "/recordings_x.zip"
	w = get()
	require.Equal(t, http.StatusOK, w.Code)
	decodeData(t, w, &view)
	assert.Equal(t, "completed", view["status"])
	assert.Contains(t, view["download_url"], "X-Amz-Signature")
	assert.EqualValues(t, 900, view["expires_in"])
}

func TestBulkExports_Errors(t *testing.T) {
	disabled := newRouter(NewHandler(assemblerFunc(nil), Options{}, nil))
	w := postJSON(disabled, "/recordings/bulk-exports", `{"items":[{"callId":1}]}`)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)

	store := newMemExports()
	h := NewHandler(assemblerFunc(nil), Options{}, nil)
	h.SetExports(store, &fakeQueue{err: errors.New("redis down")}, fakeLinks{})
	r := newRouter(h)

	w = postJSON(r, "/recordings/bulk-exports", `{"items":[]}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	var body response.Body
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "items must be a non-empty array", body.Error)

	w = postJSON(r, "/recordings/bulk-exports", `{"items":[{"callId":1,"recId":1,"metaUrl":"m"}]}`)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Equal(t, "could not schedule export", store.failMsg)

	lookups := []struct {
		id   string
		want int
	}{
		{"not-a-uuid", http.StatusBadRequest},
		{uuid.NewString(), http.StatusNotFound},
	}
	for _, l := range lookups {
		w := httptest.NewRecorder()
		r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/recordings/bulk-exports/"+l.id, nil))
		assert.Equal(t, l.want, w.Code, l.id)
	}
}
