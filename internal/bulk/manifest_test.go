package bulk

import (
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestManifestRecorder_ConcurrentAppends(t *testing.T) {
	r := NewManifestRecorder(200, time.Now())
	var wg sync.WaitGroup
	for i := 0; i < 200; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if i%2 == 0 {
				r.AddEntry(ManifestEntry{CallID: int64(i), RecID: int64(i)})
			} else {
				r.AddError(ManifestError{CallID: int64(i), RecID: int64(i), Message: "x"})
			}
		}(i)
	}
	wg.Wait()

	m := r.Snapshot()
	assert.Equal(t, 200, m.TotalCount)
	assert.Len(t, m.Entries, 100)
	assert.Len(t, m.Errors, 100)
}

func TestManifest_JSONShape(t *testing.T) {
	at := time.Date(2024, 1, 5, 12, 0, 0, 0, time.UTC)
	r := NewManifestRecorder(1, at)
	data, err := r.Snapshot().Marshal()
	require.NoError(t, err)

	var raw map[string]any
	require.NoError(t, json.Unmarshal(data, &raw))
	assert.Equal(t, "2024-01-05T12:00:00Z", raw["generated_at"])
	assert.EqualValues(t, 1, raw["total_count"])
	assert.Equal(t, []any{}, raw["entries"])
	assert.Equal(t, []any{}, raw["errors"])

	r.AddEntry(ManifestEntry{CallID: 1, RecID: 10, FileName: "f.mp3", ByteCount: 1000})
	data, err = r.Snapshot().Marshal()
	require.NoError(t, err)
	assert.Contains(t, string(data), `"fileName": "f.mp3"`)
	assert.Contains(t, string(data), `"byteCount": 1000`)
}

func TestManifestRecorder_SnapshotIsCopy(t *testing.T) {
	r := NewManifestRecorder(2, time.Now())
	r.AddEntry(ManifestEntry{CallID: 1})
	snap := r.Snapshot()
	r.AddEntry(ManifestEntry{CallID: 2})
	assert.Len(t, snap.Entries, 1)
}
