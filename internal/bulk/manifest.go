package bulk

import (
	"encoding/json"
	"sync"
	"time"
)

// ManifestName is the archive entry that carries the manifest.
const ManifestName = "manifest.json"

// ManifestEntry records one recording that made it into the archive.
type ManifestEntry struct {
	CallID    int64  `json:"callId"`
	RecID     int64  `json:"recId"`
	FileName  string `json:"fileName"`
	ByteCount int64  `json:"byteCount"`
}

// ManifestError records one recording that failed at any stage.
type ManifestError struct {
	CallID  int64  `json:"callId"`
	RecID   int64  `json:"recId"`
	Message string `json:"message"`
}

// Manifest describes what an archive contains and what could not be retrieved.
type Manifest struct {
	GeneratedAt time.Time       `json:"generated_at"`
	TotalCount  int             `json:"total_count"`
	Entries     []ManifestEntry `json:"entries"`
	Errors      []ManifestError `json:"errors"`
}

// ManifestRecorder is the accumulator shared by all item tasks of one archive.
type ManifestRecorder struct {
	mu sync.Mutex
	m  Manifest
}

// NewManifestRecorder starts an empty manifest for total items.
func NewManifestRecorder(total int, generatedAt time.Time) *ManifestRecorder {
	return &ManifestRecorder{m: Manifest{
		GeneratedAt: generatedAt.UTC(),
		TotalCount:  total,
		Entries:     []ManifestEntry{},
		Errors:      []ManifestError{},
	}}
}

// AddEntry appends a success record.
func (r *ManifestRecorder) AddEntry(e ManifestEntry) {
	r.mu.Lock()
	r.m.Entries = append(r.m.Entries, e)
	r.mu.Unlock()
}

// AddError appends a failure record.
func (r *ManifestRecorder) AddError(e ManifestError) {
	r.mu.Lock()
	r.m.Errors = append(r.m.Errors, e)
	r.mu.Unlock()
}

// Snapshot returns a copy of the manifest as recorded so far.
func (r *ManifestRecorder) Snapshot() Manifest {
	r.mu.Lock()
	defer r.mu.Unlock()
	m := r.m
	m.Entries = append([]ManifestEntry{}, r.m.Entries...)
	m.Errors = append([]ManifestError{}, r.m.Errors...)
	return m
}

// Marshal serializes the manifest as indented JSON.
func (m Manifest) Marshal() ([]byte, error) {
	return json.MarshalIndent(m, "", "  ")
}
