package sink

import (
	"context"
	"errors"

	"github.com/rotisserie/eris"

	"cep-etl/internal/cep"
)

// ErrNoKey is returned when a record carries neither a canonical code nor the
// queried code, so no upsert key can be derived.
var ErrNoKey = errors.New("record has no postal code key")

// DocumentStore is the part of a document store the DocumentSink needs.
// Upsert must replace any document already stored under key.
type DocumentStore interface {
	Upsert(ctx context.Context, key string, doc []byte) error
}

// DocumentSink upserts every record into a document store, one document per
// postal code.
type DocumentSink struct {
	store DocumentStore
}

func NewDocumentSink(store DocumentStore) *DocumentSink {
	return &DocumentSink{store: store}
}

func (s *DocumentSink) Name() string { return "document_store" }

func (s *DocumentSink) Write(ctx context.Context, rec *Record) error {
	key, err := DocumentKey(rec)
	if err != nil {
		return err
	}
	doc, err := rec.MarshalJSON()
	if err != nil {
		return eris.Wrap(err, "document: encode record")
	}
	return eris.Wrapf(s.store.Upsert(ctx, key, doc), "document: upsert %s", key)
}

// DocumentKey picks the dedup key of a record: the canonical "cep" field when
// present, otherwise the queried code. Keys are reduced to their 8-digit form
// when possible, so "01001-000" and "01001000" land on the same document.
func DocumentKey(rec *Record) (string, error) {
	for _, field := range []string{KeyCEP, KeyQueried} {
		v := rec.String(field)
		if v == "" {
			continue
		}
		if code, ok := cep.Normalize(v); ok {
			return code, nil
		}
		return v, nil
	}
	return "", ErrNoKey
}
