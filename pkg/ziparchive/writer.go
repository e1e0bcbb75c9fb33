// Package ziparchive writes a zip container to a stream while entries are still being filled.
//
// A single goroutine owns the zip encoder. Producers add entries and append chunks through
// a channel, so any number of goroutines may fill different entries at the same time. The
// oldest unfinished entry streams straight to the output; chunks for later entries are
// spooled (memory first, then a temp file) until their turn comes.
package ziparchive

import (
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/klauspost/compress/flate"
	"github.com/klauspost/compress/zip"
	"go.uber.org/atomic"
)

var (
	// ErrClosed is returned for operations on a writer that has been closed.
	ErrClosed = errors.New("ziparchive: writer closed")
	// ErrEntrySealed is returned when appending to an entry after its final chunk.
	ErrEntrySealed = errors.New("ziparchive: entry sealed")
)

const (
	defaultSpoolThreshold = 8 << 20
	defaultQueueSize      = 16
)

// Config controls buffering and compression.
type Config struct {
	// SpoolThreshold is how many bytes a waiting entry keeps in memory before spilling to disk.
	SpoolThreshold int64
	// SpoolDir is where spill files are created; empty means os.TempDir().
	SpoolDir string
	// QueueSize is the capacity of the operation channel.
	QueueSize int
	// Store writes entries uncompressed instead of deflating them.
	Store bool
	// Level is the deflate level; zero means flate.BestSpeed.
	Level int
}

type opKind int

const (
	opAdd opKind = iota
	opAppend
	opAbort
	opClose
)

type op struct {
	kind  opKind
	entry *Entry
	data  []byte
	final bool
	reply chan error
}

// Writer is a streaming zip encoder safe for concurrent use by entry producers.
type Writer struct {
	cfg    Config
	method uint16
	ops    chan op
	done   chan struct{}
	out    *countingWriter
	zw     *zip.Writer
	queue  []*Entry
	active io.Writer
	err    error
}

// NewWriter starts the encoder goroutine writing to out.
func NewWriter(out io.Writer, cfg Config) *Writer {
	if cfg.SpoolThreshold <= 0 {
		cfg.SpoolThreshold = defaultSpoolThreshold
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = defaultQueueSize
	}
	if cfg.Level == 0 {
		cfg.Level = flate.BestSpeed
	}
	method := zip.Deflate
	if cfg.Store {
		method = zip.Store
	}
	cw := &countingWriter{w: out}
	zw := zip.NewWriter(cw)
	level := cfg.Level
	zw.RegisterCompressor(zip.Deflate, func(w io.Writer) (io.WriteCloser, error) {
		return flate.NewWriter(w, level)
	})
	w := &Writer{
		cfg:    cfg,
		method: method,
		ops:    make(chan op, cfg.QueueSize),
		done:   make(chan struct{}),
		out:    cw,
		zw:     zw,
	}
	go w.loop()
	return w
}

// AddEntry registers a new entry. Entries are laid out in the container in the order they are added.
func (w *Writer) AddEntry(name string) (*Entry, error) {
	e := &Entry{w: w, name: name, modified: time.Now()}
	if err := w.do(op{kind: opAdd, entry: e}); err != nil {
		return nil, err
	}
	return e, nil
}

// Close finalizes the container once every entry is sealed or aborted.
// It returns the first fatal encoding or output error, if any.
func (w *Writer) Close() error {
	return w.do(op{kind: opClose})
}

// BytesWritten reports how many container bytes reached the output so far.
func (w *Writer) BytesWritten() int64 {
	return w.out.n.Load()
}

func (w *Writer) do(o op) error {
	o.reply = make(chan error, 1)
	select {
	case w.ops <- o:
	case <-w.done:
		return ErrClosed
	}
	select {
	case err := <-o.reply:
		return err
	case <-w.done:
		select {
		case err := <-o.reply:
			return err
		default:
			return ErrClosed
		}
	}
}

func (w *Writer) loop() {
	defer close(w.done)
	for o := range w.ops {
		if o.kind == opClose {
			err := w.finish()
			o.reply <- err
			return
		}
		if w.err != nil {
			o.reply <- w.err
			continue
		}
		err := w.handle(o)
		if err != nil && !errors.Is(err, ErrEntrySealed) {
			w.fail(err)
		}
		o.reply <- err
	}
}

func (w *Writer) handle(o op) error {
	e := o.entry
	switch o.kind {
	case opAdd:
		e.spool = newSpool(w.cfg.SpoolThreshold, w.cfg.SpoolDir)
		w.queue = append(w.queue, e)
	case opAppend:
		if e.sealed || e.aborted {
			return ErrEntrySealed
		}
		if len(o.data) > 0 {
			var err error
			if w.isActive(e) {
				_, err = w.active.Write(o.data)
			} else {
				_, err = e.spool.Write(o.data)
			}
			if err != nil {
				return fmt.Errorf("write entry %q: %w", e.name, err)
			}
			e.size += int64(len(o.data))
		}
		if o.final {
			e.sealed = true
		}
	case opAbort:
		if e.sealed || e.aborted {
			return nil
		}
		e.aborted = true
		if !w.isActive(e) {
			e.spool.Release()
		}
	}
	return w.pump()
}

func (w *Writer) isActive(e *Entry) bool {
	return w.active != nil && len(w.queue) > 0 && w.queue[0] == e
}

// pump opens the head entry and retires finished ones until it reaches an entry still being filled.
func (w *Writer) pump() error {
	for len(w.queue) > 0 {
		head := w.queue[0]
		if w.active == nil {
			if head.aborted {
				head.spool.Release()
				w.queue = w.queue[1:]
				continue
			}
			fw, err := w.zw.CreateHeader(&zip.FileHeader{
				Name:     head.name,
				Method:   w.method,
				Modified: head.modified,
			})
			if err != nil {
				return fmt.Errorf("create entry %q: %w", head.name, err)
			}
			w.active = fw
			if err := head.spool.DrainTo(fw); err != nil {
				return fmt.Errorf("flush spooled entry %q: %w", head.name, err)
			}
		}
		if !head.sealed && !head.aborted {
			return nil
		}
		head.spool.Release()
		w.active = nil
		w.queue = w.queue[1:]
	}
	return nil
}

func (w *Writer) finish() error {
	if w.err != nil {
		w.releaseAll()
		return w.err
	}
	if open := len(w.queue); open > 0 {
		w.releaseAll()
		return fmt.Errorf("ziparchive: close with %d unfinished entries", open)
	}
	if err := w.zw.Close(); err != nil {
		return fmt.Errorf("finalize container: %w", err)
	}
	return nil
}

func (w *Writer) fail(err error) {
	w.err = err
	w.releaseAll()
}

func (w *Writer) releaseAll() {
	for _, e := range w.queue {
		e.spool.Release()
	}
	w.queue = nil
	w.active = nil
}

// Entry is a write-once member of the archive.
type Entry struct {
	w        *Writer
	name     string
	modified time.Time
	spool    *spool
	size     int64
	sealed   bool
	aborted  bool
}

// Name returns the entry's path inside the archive.
func (e *Entry) Name() string { return e.name }

// Size returns the bytes appended so far. Call it after Seal or Abort has returned.
func (e *Entry) Size() int64 { return e.size }

// Append adds a chunk; final seals the entry.
func (e *Entry) Append(p []byte, final bool) error {
	return e.w.do(op{kind: opAppend, entry: e, data: p, final: final})
}

// Write implements io.Writer by appending a non-final chunk.
func (e *Entry) Write(p []byte) (int, error) {
	if err := e.Append(p, false); err != nil {
		return 0, err
	}
	return len(p), nil
}

// Seal marks the entry complete.
func (e *Entry) Seal() error {
	return e.Append(nil, true)
}

// Abort abandons the entry. Bytes already streamed stay in the container as written;
// bytes still spooled are discarded and the entry never appears.
func (e *Entry) Abort() error {
	return e.w.do(op{kind: opAbort, entry: e})
}

type countingWriter struct {
	w io.Writer
	n atomic.Int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n.Add(int64(n))
	return n, err
}
