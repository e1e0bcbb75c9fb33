// Package bulk assembles many remote recordings into one streamed zip archive.
package bulk

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/contactlens/backend/internal/models"
	"github.com/contactlens/backend/pkg/ziparchive"
)

var (
	// ErrNoItems is returned when an archive is requested for an empty item list.
	ErrNoItems = errors.New("items must be a non-empty array")
	// ErrArchive marks failures of the archive writer itself. They abort the whole archive.
	ErrArchive = errors.New("archive writer failed")
)

const streamChunkSize = 32 << 10

// Resolver turns a metadata reference into a time-limited download URL.
type Resolver interface {
	Resolve(ctx context.Context, ref string) (string, error)
}

// Config tunes one orchestrator.
type Config struct {
	// Concurrency is the ceiling on items past the pending state.
	Concurrency int
	// Retry applies to metadata resolution only.
	Retry RetryPolicy
	// ItemTimeout bounds the time one item spends resolving, fetching and reading its body.
	// Waiting on the archive writer is not counted. Zero means no deadline.
	ItemTimeout time.Duration
	// Archive configures the zip writer.
	Archive ziparchive.Config
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		Concurrency: 8,
		Retry:       DefaultRetryPolicy(),
		ItemTimeout: 5 * time.Minute,
	}
}

// Result summarizes a finished archive.
type Result struct {
	Manifest    Manifest
	ArchiveSize int64
}

// Orchestrator drives items through resolve, fetch and archive.
type Orchestrator struct {
	resolver Resolver
	fetcher  Fetcher
	cfg      Config
	observer Observer
	logger   *zap.Logger
	now      func() time.Time
}

// NewOrchestrator creates an orchestrator.
func NewOrchestrator(resolver Resolver, fetcher Fetcher, cfg Config, logger *zap.Logger) *Orchestrator {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Concurrency < 1 {
		cfg.Concurrency = DefaultConfig().Concurrency
	}
	if cfg.Retry.MaxAttempts < 1 {
		cfg.Retry = DefaultRetryPolicy()
	}
	return &Orchestrator{
		resolver: resolver,
		fetcher:  fetcher,
		cfg:      cfg,
		observer: nopObserver{},
		logger:   logger,
		now:      time.Now,
	}
}

// SetObserver installs a progress observer (e.g. metrics).
func (o *Orchestrator) SetObserver(obs Observer) {
	if obs == nil {
		obs = nopObserver{}
	}
	o.observer = obs
}

// Assemble streams a zip of all items into out, followed by the manifest entry.
// It returns only after every item has completed or failed. Item failures are recorded in
// the manifest; the returned error is non-nil only for empty input or a broken archive writer,
// in which case the bytes already sent to out do not form a valid container.
func (o *Orchestrator) Assemble(ctx context.Context, items []models.RecordingRequestItem, out io.Writer) (*Result, error) {
	if len(items) == 0 {
		return nil, ErrNoItems
	}
	started := o.now()
	zw := ziparchive.NewWriter(out, o.cfg.Archive)
	manifest := NewManifestRecorder(len(items), started)
	names := newNameRegistry()
	limiter := NewLimiter(o.cfg.Concurrency)

	g, gctx := errgroup.WithContext(ctx)
	for _, item := range items {
		o.observer.ItemState(item, StatePending, StatePending)
		g.Go(func() error {
			err := limiter.Run(gctx, func(ctx context.Context) error {
				return o.processItem(ctx, item, zw, names, manifest)
			})
			if err != nil && !errors.Is(err, ErrArchive) {
				// ctx ended before the item was admitted.
				o.recordFailure(item, StatePending, manifest, err)
				return nil
			}
			return err
		})
	}
	if err := g.Wait(); err != nil {
		_ = zw.Close()
		return nil, err
	}

	m := manifest.Snapshot()
	if err := o.writeManifest(zw, m); err != nil {
		_ = zw.Close()
		return nil, err
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrArchive, err)
	}
	o.logger.Info("archive assembled",
		zap.Int("items", len(items)),
		zap.Int("succeeded", len(m.Entries)),
		zap.Int("failed", len(m.Errors)),
		zap.Int64("archive_bytes", zw.BytesWritten()),
		zap.Int("peak_concurrency", limiter.Peak()),
		zap.Duration("elapsed", time.Since(started)),
	)
	return &Result{Manifest: m, ArchiveSize: zw.BytesWritten()}, nil
}

func (o *Orchestrator) processItem(ctx context.Context, item models.RecordingRequestItem, zw *ziparchive.Writer, names *nameRegistry, manifest *ManifestRecorder) error {
	parent := ctx
	ctx, budget := startItemBudget(ctx, o.cfg.ItemTimeout)
	defer budget.stop()

	state := StatePending
	advance := func(to State) {
		o.observer.ItemState(item, state, to)
		state = to
	}
	fail := func(err error) error {
		if parent.Err() == nil && errors.Is(err, context.Canceled) {
			if cause := context.Cause(ctx); cause != nil {
				err = cause
			}
		}
		o.recordFailure(item, state, manifest, err)
		return nil
	}
	// Writer failures end the whole archive; the item still needs a terminal state.
	abandon := func(err error) error {
		o.observer.ItemState(item, state, StateFailed)
		return err
	}

	advance(StateResolving)
	downloadURL, err := Retry(ctx, o.cfg.Retry, func(ctx context.Context) (string, error) {
		return o.resolver.Resolve(ctx, item.MetaURL)
	})
	if err != nil {
		return fail(err)
	}

	advance(StateFetching)
	body, contentType, err := o.fetcher.Fetch(ctx, downloadURL)
	if err != nil {
		return fail(err)
	}
	defer body.Close()

	name := names.claim(EntryName(item, contentType, downloadURL))
	budget.pause()
	entry, err := zw.AddEntry(name)
	budget.resume()
	if err != nil {
		return abandon(fmt.Errorf("%w: add entry %q: %w", ErrArchive, name, err))
	}

	advance(StateStreaming)
	n, err := o.stream(body, entry, budget)
	if err != nil {
		if errors.Is(err, ErrArchive) {
			return abandon(err)
		}
		if abortErr := entry.Abort(); abortErr != nil {
			return abandon(fmt.Errorf("%w: abort entry %q: %w", ErrArchive, name, abortErr))
		}
		return fail(err)
	}

	manifest.AddEntry(ManifestEntry{CallID: item.CallID, RecID: item.RecID, FileName: name, ByteCount: n})
	advance(StateCompleted)
	o.logger.Debug("recording archived",
		zap.Int64("call_id", item.CallID),
		zap.Int64("rec_id", item.RecID),
		zap.String("file", name),
		zap.Int64("bytes", n),
	)
	return nil
}

// stream copies body into entry chunk by chunk and seals it. Read failures are item-level;
// append failures come from the writer and are wrapped with ErrArchive. The item budget is
// paused while the writer is busy.
func (o *Orchestrator) stream(body io.Reader, entry *ziparchive.Entry, budget *itemBudget) (int64, error) {
	buf := make([]byte, streamChunkSize)
	var total int64
	for {
		n, readErr := body.Read(buf)
		if n > 0 {
			budget.pause()
			err := entry.Append(buf[:n], false)
			budget.resume()
			if err != nil {
				return total, fmt.Errorf("%w: %w", ErrArchive, err)
			}
			total += int64(n)
			o.observer.BytesStreamed(n)
		}
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			return total, fmt.Errorf("read body: %w", readErr)
		}
	}
	budget.pause()
	defer budget.resume()
	if err := entry.Seal(); err != nil {
		return total, fmt.Errorf("%w: %w", ErrArchive, err)
	}
	return total, nil
}

func (o *Orchestrator) writeManifest(zw *ziparchive.Writer, m Manifest) error {
	data, err := m.Marshal()
	if err != nil {
		return fmt.Errorf("marshal manifest: %w", err)
	}
	entry, err := zw.AddEntry(ManifestName)
	if err != nil {
		return fmt.Errorf("%w: add manifest: %w", ErrArchive, err)
	}
	if err := entry.Append(data, true); err != nil {
		return fmt.Errorf("%w: write manifest: %w", ErrArchive, err)
	}
	return nil
}

func (o *Orchestrator) recordFailure(item models.RecordingRequestItem, from State, manifest *ManifestRecorder, err error) {
	manifest.AddError(ManifestError{CallID: item.CallID, RecID: item.RecID, Message: err.Error()})
	o.observer.ItemState(item, from, StateFailed)
	o.logger.Warn("recording failed",
		zap.Int64("call_id", item.CallID),
		zap.Int64("rec_id", item.RecID),
		zap.String("state", from.String()),
		zap.Error(err),
	)
}

// ArchiveFileName builds "<prefix>_<ISO timestamp with ':' and '.' as '-'>.zip".
func ArchiveFileName(prefix string, t time.Time) string {
	ts := t.UTC().Format("2006-01-02T15:04:05.000Z07:00")
	ts = strings.NewReplacer(":", "-", ".", "-").Replace(ts)
	return fmt.Sprintf("%s_%s.zip", prefix, ts)
}
