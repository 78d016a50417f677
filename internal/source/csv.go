// Package source reads raw postal codes from a delimited file.
package source

import (
	"context"
	"encoding/csv"
	"errors"
	"io"
	"iter"
	"os"
	"slices"
	"strings"
	"sync"

	"github.com/rotisserie/eris"
	"golang.org/x/text/encoding/htmlindex"
	"golang.org/x/text/transform"
)

// ErrMissingColumn is returned by Open when the header lacks the configured
// column.
var ErrMissingColumn = errors.New("column not found in header")

// Options selects the column and describes the file format.
type Options struct {
	Column    string
	Delimiter rune
	// Encoding is a WHATWG label such as "latin1", "windows-1252" or "utf-8".
	Encoding string
}

// CSV yields the values of one column, one per data row. Empty cells and
// short rows yield "" so that every row still produces an outcome downstream.
type CSV struct {
	path   string
	file   io.Closer
	reader *csv.Reader
	header []string
	col    int

	mu   sync.Mutex
	err  error
	used bool
}

// Open opens path, decodes it and validates the header. Failures here are
// startup failures: unreadable file, unknown encoding or missing column.
func Open(path string, opts Options) (*CSV, error) {
	if opts.Delimiter == 0 {
		opts.Delimiter = ';'
	}
	if opts.Encoding == "" {
		opts.Encoding = "latin1"
	}

	enc, err := htmlindex.Get(opts.Encoding)
	if err != nil {
		return nil, eris.Wrapf(err, "source: unknown encoding %q", opts.Encoding)
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, eris.Wrapf(err, "source: open %s", path)
	}

	r := csv.NewReader(transform.NewReader(f, enc.NewDecoder()))
	r.Comma = opts.Delimiter
	r.FieldsPerRecord = -1
	r.LazyQuotes = true

	header, err := r.Read()
	if err != nil {
		f.Close()
		if err == io.EOF {
			return nil, eris.Errorf("source: %s is empty", path)
		}
		return nil, eris.Wrapf(err, "source: read header of %s", path)
	}
	if len(header) > 0 {
		header[0] = strings.TrimPrefix(header[0], "\ufeff")
	}
	for i := range header {
		header[i] = strings.TrimSpace(header[i])
	}

	col := slices.Index(header, opts.Column)
	if col < 0 {
		f.Close()
		return nil, eris.Wrapf(ErrMissingColumn, "source: %s has no column %q (have %v)", path, opts.Column, header)
	}

	return &CSV{path: path, file: f, reader: r, header: header, col: col}, nil
}

// Header returns the decoded header row.
func (c *CSV) Header() []string {
	return slices.Clone(c.header)
}

// Codes returns a single-use sequence over the selected column. Stopping the
// iteration early or cancelling ctx ends the read; a read error ends it too
// and is reported by Err.
func (c *CSV) Codes(ctx context.Context) iter.Seq[string] {
	return func(yield func(string) bool) {
		c.mu.Lock()
		if c.used {
			c.mu.Unlock()
			c.setErr(eris.Errorf("source: %s already consumed", c.path))
			return
		}
		c.used = true
		c.mu.Unlock()

		ctx, cancel := context.WithCancel(ctx)
		defer cancel()

		rows, errs := StreamRows(ctx, c.reader, StreamOptions{TrimSpace: true})
		for row := range rows {
			var v string
			if c.col < len(row) {
				v = row[c.col]
			}
			if !yield(v) {
				return
			}
		}
		if err := <-errs; err != nil && ctx.Err() == nil {
			c.setErr(err)
		}
	}
}

func (c *CSV) setErr(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err == nil {
		c.err = err
	}
}

// Err reports the first error met while iterating.
func (c *CSV) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

func (c *CSV) Close() error {
	return eris.Wrapf(c.file.Close(), "source: close %s", c.path)
}
