package bulk

import (
	"fmt"
	"net/url"
	"path"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/contactlens/backend/internal/models"
)

const maxBaseNameLen = 120

var (
	unsafeNameChars = regexp.MustCompile(`[^A-Za-z0-9_.+-]+`)
	nonDigits       = regexp.MustCompile(`[^0-9]+`)
	leadingDate     = regexp.MustCompile(`^\d{4}-\d{2}-\d{2}`)

	// Checked in order; the first content-type fragment found wins.
	contentTypeExts = []struct{ fragment, ext string }{
		{"audio/mpeg", ".mp3"},
		{"audio/wav", ".wav"},
		{"audio/x-wav", ".wav"},
		{"audio/mp4", ".m4a"},
		{"x-m4a", ".m4a"},
		{"audio/ogg", ".ogg"},
		{"audio/webm", ".webm"},
	}
	audioExts = map[string]bool{".mp3": true, ".wav": true, ".m4a": true, ".ogg": true, ".webm": true}

	createdLayouts = []string{time.RFC3339Nano, "2006-01-02 15:04:05", "2006-01-02T15:04:05", "2006-01-02"}
)

// EntryName derives the archive entry name for a recording:
// {date}_call-{id}_rec-{id}[_{phone}][_{agent}]{ext}.
func EntryName(item models.RecordingRequestItem, contentType, sourceURL string) string {
	base := fmt.Sprintf("%s_call-%d_rec-%d", entryDate(item.CreatedTime), item.CallID, item.RecID)
	if phone := nonDigits.ReplaceAllString(item.Phone, ""); phone != "" {
		base += "_" + phone
	}
	if agent := SanitizeName(item.Agent); agent != "" {
		base += "_" + agent
	}
	return SanitizeName(base) + extensionFor(contentType, sourceURL)
}

// SanitizeName replaces runs of characters outside [A-Za-z0-9_.+-] with one underscore,
// trims underscores at both ends and truncates to 120 characters.
func SanitizeName(s string) string {
	s = unsafeNameChars.ReplaceAllString(s, "_")
	s = strings.Trim(s, "_")
	if len(s) > maxBaseNameLen {
		s = s[:maxBaseNameLen]
	}
	return s
}

func entryDate(created string) string {
	created = strings.TrimSpace(created)
	if created == "" {
		return "unknown-date"
	}
	for _, layout := range createdLayouts {
		if t, err := time.Parse(layout, created); err == nil {
			return t.UTC().Format("2006-01-02")
		}
	}
	if d := leadingDate.FindString(created); d != "" {
		return d
	}
	return "unknown-date"
}

func extensionFor(contentType, sourceURL string) string {
	ct := strings.ToLower(contentType)
	for _, m := range contentTypeExts {
		if strings.Contains(ct, m.fragment) {
			return m.ext
		}
	}
	if u, err := url.Parse(sourceURL); err == nil {
		if ext := strings.ToLower(path.Ext(u.Path)); audioExts[ext] {
			return ext
		}
	}
	return ".bin"
}

// nameRegistry hands out unique entry names within one archive.
// The first claim of a name keeps it; later claims get _2, _3, ... before the extension.
type nameRegistry struct {
	mu   sync.Mutex
	seen map[string]int
}

func newNameRegistry() *nameRegistry {
	return &nameRegistry{seen: make(map[string]int)}
}

func (r *nameRegistry) claim(name string) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := r.seen[name]
	r.seen[name] = n + 1
	if n == 0 {
		return name
	}
	ext := path.Ext(name)
	for {
		n++
		candidate := fmt.Sprintf("%s_%d%s", strings.TrimSuffix(name, ext), n, ext)
		if r.seen[candidate] == 0 {
			r.seen[candidate] = 1
			r.seen[name] = n
			return candidate
		}
	}
}
