package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/contactlens/backend/config"
	"github.com/contactlens/backend/internal/app"
	"github.com/contactlens/backend/internal/bulk"
	"github.com/contactlens/backend/internal/models"
)

type archiveOptions struct {
	itemsPath   string
	outPath     string
	concurrency int
	auth        string
	verbose     bool
}

func newArchiveCommand() *cobra.Command {
	var opts archiveOptions
	cmd := &cobra.Command{
		Use:   "archive",
		Short: "Download recordings into a local zip with a manifest",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runArchive(cmd, opts)
		},
	}
	cmd.Flags().StringVarP(&opts.itemsPath, "items", "i", "-", `JSON file with {"items":[...]}, or "-" for stdin`)
	cmd.Flags().StringVarP(&opts.outPath, "out", "o", "", "Output zip path (default: <prefix>_<timestamp>.zip)")
	cmd.Flags().IntVarP(&opts.concurrency, "concurrency", "n", 0, "Recordings processed at once (default: BULK_CONCURRENCY)")
	cmd.Flags().StringVar(&opts.auth, "auth", "", "Authorization header for metadata requests (default: UPSTREAM_AUTH_HEADER)")
	cmd.Flags().BoolVarP(&opts.verbose, "verbose", "v", false, "Log per-recording progress")
	return cmd
}

func runArchive(cmd *cobra.Command, opts archiveOptions) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if opts.concurrency > 0 {
		cfg.Bulk.Concurrency = opts.concurrency
	}
	if opts.auth != "" {
		cfg.Upstream.AuthHeader = opts.auth
	}

	items, err := readItems(cmd.InOrStdin(), opts.itemsPath)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger := newCLILogger(opts.verbose)
	defer logger.Sync()

	// Only S3 is useful locally, for s3:// references.
	cfg.Database.URL = ""
	cfg.Redis.Addr = ""
	services, err := app.Open(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer services.Close()
	orchestrator := app.NewOrchestrator(cfg, services, nil, logger)

	outPath := opts.outPath
	if outPath == "" {
		outPath = bulk.ArchiveFileName(cfg.Bulk.FilenamePrefix, time.Now())
	}
	tmp, err := os.CreateTemp(filepath.Dir(outPath), ".recfetch-*.part")
	if err != nil {
		return fmt.Errorf("create output: %w", err)
	}
	defer os.Remove(tmp.Name())

	res, err := orchestrator.Assemble(ctx, items, tmp)
	if closeErr := tmp.Close(); err == nil && closeErr != nil {
		err = closeErr
	}
	if err != nil {
		return fmt.Errorf("build archive: %w", err)
	}
	if err := os.Rename(tmp.Name(), outPath); err != nil {
		return fmt.Errorf("move archive into place: %w", err)
	}

	printSummary(cmd.OutOrStdout(), outPath, res)
	return nil
}

func readItems(stdin io.Reader, path string) ([]models.RecordingRequestItem, error) {
	r := stdin
	if path != "-" {
		f, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("open items: %w", err)
		}
		defer f.Close()
		r = f
	}
	var req struct {
		Items []models.RecordingRequestItem `json:"items"`
	}
	if err := json.NewDecoder(r).Decode(&req); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, bulk.ErrNoItems
		}
		return nil, fmt.Errorf("decode items: %w", err)
	}
	if len(req.Items) == 0 {
		return nil, bulk.ErrNoItems
	}
	return req.Items, nil
}

func printSummary(w io.Writer, path string, res *bulk.Result) {
	m := res.Manifest
	fmt.Fprintf(w, "Wrote %s (%d bytes)\n", path, res.ArchiveSize)
	fmt.Fprintf(w, "Recordings: %d total, %d archived, %d failed\n", m.TotalCount, len(m.Entries), len(m.Errors))
	for _, e := range m.Errors {
		fmt.Fprintf(w, "  call %d rec %d: %s\n", e.CallID, e.RecID, e.Message)
	}
}

func newCLILogger(verbose bool) *zap.Logger {
	config := zap.NewDevelopmentConfig()
	config.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	config.Level = zap.NewAtomicLevelAt(zapcore.WarnLevel)
	if verbose {
		config.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
	}
	logger, err := config.Build()
	if err != nil {
		return zap.NewNop()
	}
	return logger
}
