package sink

import (
	"context"
	"os"
	"sync"

	"github.com/rotisserie/eris"
)

// JSONLinesSink appends one JSON object per line to a file. Existing content
// is kept across runs.
type JSONLinesSink struct {
	path string

	mu   sync.Mutex
	file *os.File
}

func NewJSONLinesSink(path string) *JSONLinesSink {
	return &JSONLinesSink{path: path}
}

func (s *JSONLinesSink) Name() string { return "jsonl" }

// Open creates the file if needed. Write calls Open lazily, so calling it
// up front only moves the failure to startup.
func (s *JSONLinesSink) Open(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.openLocked()
}

func (s *JSONLinesSink) openLocked() error {
	if s.file != nil {
		return nil
	}
	f, err := os.OpenFile(s.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return eris.Wrapf(err, "jsonl: open %s", s.path)
	}
	s.file = f
	return nil
}

func (s *JSONLinesSink) Write(_ context.Context, rec *Record) error {
	line, err := rec.MarshalJSON()
	if err != nil {
		return eris.Wrap(err, "jsonl: encode record")
	}
	line = append(line, '\n')

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.openLocked(); err != nil {
		return err
	}
	if _, err := s.file.Write(line); err != nil {
		return eris.Wrapf(err, "jsonl: write %s", s.path)
	}
	return nil
}

func (s *JSONLinesSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.file == nil {
		return nil
	}
	err := s.file.Close()
	s.file = nil
	return eris.Wrapf(err, "jsonl: close %s", s.path)
}
