package registry

import (
	"bytes"
	"io"
	"os"

	"github.com/rotisserie/eris"
)

// spool accumulates a download. Content stays in memory up to threshold
// bytes and moves to a temp file in dir once it grows past that. Close
// releases both and must be called on every path.
type spool struct {
	dir       string
	threshold int

	buf  bytes.Buffer
	file *os.File
	size int64
}

func newSpool(dir string, threshold int) *spool {
	return &spool{dir: dir, threshold: threshold}
}

func (s *spool) Write(p []byte) (int, error) {
	if s.file == nil && s.buf.Len()+len(p) > s.threshold {
		if err := s.spill(); err != nil {
			return 0, err
		}
	}

	var (
		n   int
		err error
	)
	if s.file != nil {
		n, err = s.file.Write(p)
		if err != nil {
			err = eris.Wrap(err, "registry: spool write")
		}
	} else {
		n, err = s.buf.Write(p)
	}
	s.size += int64(n)
	return n, err
}

func (s *spool) spill() error {
	f, err := os.CreateTemp(s.dir, "registry-download-*")
	if err != nil {
		return eris.Wrap(err, "registry: create spool file")
	}
	s.file = f
	if _, err := f.Write(s.buf.Bytes()); err != nil {
		return eris.Wrap(err, "registry: spill spool")
	}
	s.buf.Reset()
	return nil
}

// Spilled reports whether the content moved to disk.
func (s *spool) Spilled() bool {
	return s.file != nil
}

// Path returns the temp file path, or "" while the spool is in memory.
func (s *spool) Path() string {
	if s.file == nil {
		return ""
	}
	return s.file.Name()
}

func (s *spool) String() (string, error) {
	if s.file == nil {
		return s.buf.String(), nil
	}
	if _, err := s.file.Seek(0, io.SeekStart); err != nil {
		return "", eris.Wrap(err, "registry: rewind spool")
	}
	b, err := io.ReadAll(s.file)
	if err != nil {
		return "", eris.Wrap(err, "registry: read spool")
	}
	return string(b), nil
}

func (s *spool) Close() error {
	s.buf.Reset()
	s.size = 0
	if s.file == nil {
		return nil
	}
	name := s.file.Name()
	closeErr := s.file.Close()
	s.file = nil
	if err := os.Remove(name); err != nil && !os.IsNotExist(err) {
		return eris.Wrap(err, "registry: remove spool file")
	}
	return eris.Wrap(closeErr, "registry: close spool file")
}
