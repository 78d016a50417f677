package sink

import (
	"bytes"
	"context"
	"encoding/xml"
	"os"
	"sync"

	"github.com/rotisserie/eris"
)

// XMLSink writes every record as a child element of a single root element.
// Each record field becomes a nested element named after the key, in record
// order; no schema is imposed. Open writes the prolog and the opening root
// tag, Close writes the closing root tag.
type XMLSink struct {
	path    string
	rootTag string
	itemTag string

	mu      sync.Mutex
	file    *os.File
	started bool
}

func NewXMLSink(path, rootTag, itemTag string) *XMLSink {
	if rootTag == "" {
		rootTag = "enderecos"
	}
	if itemTag == "" {
		itemTag = "endereco"
	}
	return &XMLSink{path: path, rootTag: rootTag, itemTag: itemTag}
}

func (s *XMLSink) Name() string { return "xml" }

// Open truncates the file and writes the document header. Calling it twice
// is a no-op.
func (s *XMLSink) Open(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.beginLocked()
}

func (s *XMLSink) beginLocked() error {
	if s.started {
		return nil
	}
	f, err := os.OpenFile(s.path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return eris.Wrapf(err, "xml: open %s", s.path)
	}

	var b bytes.Buffer
	b.WriteString(xml.Header)
	b.WriteString("<" + s.rootTag + ">\n")
	if _, err := f.Write(b.Bytes()); err != nil {
		f.Close()
		return eris.Wrapf(err, "xml: write header %s", s.path)
	}

	s.file = f
	s.started = true
	return nil
}

func (s *XMLSink) Write(_ context.Context, rec *Record) error {
	var b bytes.Buffer
	b.WriteString("  <" + s.itemTag + ">\n")
	for _, k := range rec.Keys() {
		var key bytes.Buffer
		if err := xml.EscapeText(&key, []byte(k)); err != nil {
			return eris.Wrapf(err, "xml: escape key %q", k)
		}
		b.WriteString("    <")
		b.Write(key.Bytes())
		b.WriteString(">")
		if err := xml.EscapeText(&b, []byte(rec.String(k))); err != nil {
			return eris.Wrapf(err, "xml: escape value of %q", k)
		}
		b.WriteString("</")
		b.Write(key.Bytes())
		b.WriteString(">\n")
	}
	b.WriteString("  </" + s.itemTag + ">\n")

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.beginLocked(); err != nil {
		return err
	}
	if _, err := s.file.Write(b.Bytes()); err != nil {
		return eris.Wrapf(err, "xml: write %s", s.path)
	}
	return nil
}

// Close writes the closing root tag. It is a no-op when nothing was opened.
func (s *XMLSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.started {
		return nil
	}
	s.started = false

	_, werr := s.file.Write([]byte("</" + s.rootTag + ">\n"))
	cerr := s.file.Close()
	s.file = nil
	if werr != nil {
		return eris.Wrapf(werr, "xml: write footer %s", s.path)
	}
	return eris.Wrapf(cerr, "xml: close %s", s.path)
}
