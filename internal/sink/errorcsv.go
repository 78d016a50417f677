package sink

import (
	"context"
	"encoding/csv"
	"os"
	"sync"

	"github.com/rotisserie/eris"
)

// ErrorColumns is the fixed header of the error ledger.
var ErrorColumns = []string{KeyRaw, KeyNormalized, KeyTarget, KeyKind}

// ErrorCSVSink appends failure records to a CSV ledger with a fixed column
// set. The file is created lazily on first write; when it is new or empty
// the header row is written first, otherwise rows are appended after the
// existing content.
type ErrorCSVSink struct {
	path string

	mu     sync.Mutex
	file   *os.File
	writer *csv.Writer
}

func NewErrorCSVSink(path string) *ErrorCSVSink {
	return &ErrorCSVSink{path: path}
}

func (s *ErrorCSVSink) Name() string { return "errors_csv" }

func (s *ErrorCSVSink) Write(_ context.Context, rec *Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.writer == nil {
		f, err := os.OpenFile(s.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return eris.Wrapf(err, "errors csv: open %s", s.path)
		}
		// A new or empty file gets the header; rows from a previous run are kept.
		info, err := f.Stat()
		if err != nil {
			f.Close()
			return eris.Wrapf(err, "errors csv: stat %s", s.path)
		}
		w := csv.NewWriter(f)

		if info.Size() == 0 {
			if err := w.Write(ErrorColumns); err != nil {
				f.Close()
				return eris.Wrapf(err, "errors csv: write header %s", s.path)
			}
			w.Flush()
			if err := w.Error(); err != nil {
				f.Close()
				return eris.Wrapf(err, "errors csv: flush header %s", s.path)
			}
		}

		s.file = f
		s.writer = w
	}

	row := make([]string, len(ErrorColumns))
	for i, col := range ErrorColumns {
		row[i] = rec.String(col)
	}

	if err := s.writer.Write(row); err != nil {
		return eris.Wrapf(err, "errors csv: write %s", s.path)
	}
	s.writer.Flush()
	return eris.Wrapf(s.writer.Error(), "errors csv: flush %s", s.path)
}

func (s *ErrorCSVSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.file == nil {
		return nil
	}
	err := s.file.Close()
	s.file = nil
	s.writer = nil
	return eris.Wrapf(err, "errors csv: close %s", s.path)
}
