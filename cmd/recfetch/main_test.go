package main

import (
	"archive/zip"
	"bytes"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/contactlens/backend/internal/auth"
	"github.com/contactlens/backend/internal/bulk"
)

func runCLI(t *testing.T, stdin string, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetIn(strings.NewReader(stdin))
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func isolateEnv(t *testing.T) {
	t.Helper()
	// config.Load reads .env from the working directory.
	t.Chdir(t.TempDir())
	for _, k := range []string{"DATABASE_URL", "REDIS_ADDR", "AWS_S3_EXPORTS_BUCKET", "UPSTREAM_AUTH_HEADER"} {
		t.Setenv(k, "")
	}
}

func TestArchiveCommand(t *testing.T) {
	isolateEnv(t)
	var srv *httptest.Server
	srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == "/meta/1":
			assert.Equal(t, "Bearer k", r.Header.Get("Authorization"))
			fmt.Fprintf(w, `{"recording":{"download_url":"%s/audio/1"}}`, srv.URL)
		case r.URL.Path == "/meta/2":
			fmt.Fprint(w, `{"recording":{}}`)
		case r.URL.Path == "/audio/1":
			w.Header().Set("Content-Type", "audio/mpeg")
			fmt.Fprint(w, "ID3-bytes")
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	items := fmt.Sprintf(`{"items":[
		{"callId":1,"recId":10,"metaUrl":"%[1]s/meta/1","created_time":"2024-01-05T09:30:00Z"},
		{"callId":2,"recId":20,"metaUrl":"%[1]s/meta/2"}]}`, srv.URL)
	itemsPath := filepath.Join(t.TempDir(), "items.json")
	require.NoError(t, os.WriteFile(itemsPath, []byte(items), 0o600))
	outPath := filepath.Join(t.TempDir(), "out.zip")

	out, err := runCLI(t, "", "archive", "--items", itemsPath, "--out", outPath, "--auth", "Bearer k", "-n", "2")
	require.NoError(t, err)
	assert.Contains(t, out, "Recordings: 2 total, 1 archived, 1 failed")
	assert.Contains(t, out, "call 2 rec 20: no download_url in metadata")

	zr, err := zip.OpenReader(outPath)
	require.NoError(t, err)
	defer zr.Close()
	names := make([]string, 0, len(zr.File))
	for _, f := range zr.File {
		names = append(names, f.Name)
	}
	assert.Equal(t, []string{"2024-01-05_call-1_rec-10.mp3", bulk.ManifestName}, names)
}

func TestArchiveCommand_NoItems(t *testing.T) {
	isolateEnv(t)
	_, err := runCLI(t, `{"items":[]}`, "archive", "--out", filepath.Join(t.TempDir(), "x.zip"))
	assert.ErrorIs(t, err, bulk.ErrNoItems)
}

func TestTokenCommand(t *testing.T) {
	t.Setenv("JWT_SECRET", "s3cret")
	out, err := runCLI(t, "", "token", "op-7", "--email", "op@example.com", "--role", auth.RoleAdmin)
	require.NoError(t, err)

	claims, err := auth.NewJWTService("s3cret", 0).Validate(strings.TrimSpace(out))
	require.NoError(t, err)
	assert.Equal(t, "op-7", claims.OperatorID)
	assert.Equal(t, auth.RoleAdmin, claims.Role)

	_, err = runCLI(t, "", "token", "op-7", "--role", "root")
	assert.ErrorContains(t, err, "unknown role")
}
