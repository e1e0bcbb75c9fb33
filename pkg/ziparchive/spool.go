package ziparchive

import (
	"bytes"
	"fmt"
	"io"
	"os"
)

// spool holds chunks for an entry that cannot stream yet.
// Data stays in memory up to threshold, then moves to a temp file.
type spool struct {
	threshold int64
	dir       string
	mem       bytes.Buffer
	file      *os.File
}

func newSpool(threshold int64, dir string) *spool {
	return &spool{threshold: threshold, dir: dir}
}

func (s *spool) Write(p []byte) (int, error) {
	if s.file == nil && int64(s.mem.Len()+len(p)) > s.threshold {
		f, err := os.CreateTemp(s.dir, "ziparchive-spool-*")
		if err != nil {
			return 0, fmt.Errorf("create spool file: %w", err)
		}
		if _, err := s.mem.WriteTo(f); err != nil {
			f.Close()
			os.Remove(f.Name())
			return 0, fmt.Errorf("spill to disk: %w", err)
		}
		s.file = f
	}
	if s.file != nil {
		return s.file.Write(p)
	}
	return s.mem.Write(p)
}

// DrainTo copies everything spooled so far into w and empties the spool.
func (s *spool) DrainTo(w io.Writer) error {
	if s.file != nil {
		if _, err := s.file.Seek(0, io.SeekStart); err != nil {
			return err
		}
		if _, err := io.Copy(w, s.file); err != nil {
			return err
		}
		s.Release()
		return nil
	}
	_, err := s.mem.WriteTo(w)
	return err
}

// Release drops buffered data and removes any spill file.
func (s *spool) Release() {
	s.mem = bytes.Buffer{}
	if s.file != nil {
		name := s.file.Name()
		s.file.Close()
		os.Remove(name)
		s.file = nil
	}
}
