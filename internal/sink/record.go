package sink

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"

	"github.com/rotisserie/eris"
)

// Reserved record keys.
const (
	// KeyQueried holds the normalized code that was looked up, so every
	// success record carries a stable join key even when the remote service
	// omits one.
	KeyQueried = "_cep_consultado"
	// KeyCEP is the canonical code field returned by the lookup service.
	KeyCEP = "cep"

	KeyRaw        = "cep_raw"
	KeyNormalized = "cep_normalizado"
	KeyTarget     = "url"
	KeyKind       = "erro"
)

// Record is an insertion-ordered mapping of field names to values. Sinks
// render fields in the order they were first set, without a fixed schema.
//
// A Record must not be mutated once it has been handed to a Dispatcher: all
// sinks read the same instance concurrently.
type Record struct {
	keys []string
	vals map[string]any
}

// NewRecord returns an empty record.
func NewRecord() *Record {
	return &Record{vals: make(map[string]any)}
}

// Set assigns v to key, appending key to the field order the first time it
// is seen.
func (r *Record) Set(key string, v any) {
	if r.vals == nil {
		r.vals = make(map[string]any)
	}
	if _, ok := r.vals[key]; !ok {
		r.keys = append(r.keys, key)
	}
	r.vals[key] = v
}

func (r *Record) Get(key string) (any, bool) {
	v, ok := r.vals[key]
	return v, ok
}

// String renders the value stored under key as text. Missing keys and nil
// values render as "".
func (r *Record) String(key string) string {
	v, ok := r.vals[key]
	if !ok {
		return ""
	}
	return formatValue(v)
}

// Keys returns the field names in insertion order.
func (r *Record) Keys() []string {
	out := make([]string, len(r.keys))
	copy(out, r.keys)
	return out
}

func (r *Record) Len() int { return len(r.keys) }

func (r *Record) Clone() *Record {
	c := &Record{keys: r.Keys(), vals: make(map[string]any, len(r.vals))}
	for k, v := range r.vals {
		c.vals[k] = v
	}
	return c
}

// MarshalJSON encodes the record as a JSON object preserving field order.
// Non-ASCII text is kept as is and HTML characters are not escaped.
func (r *Record) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)

	var out bytes.Buffer
	out.WriteByte('{')
	for i, k := range r.keys {
		if i > 0 {
			out.WriteByte(',')
		}
		buf.Reset()
		if err := enc.Encode(k); err != nil {
			return nil, err
		}
		out.Write(bytes.TrimRight(buf.Bytes(), "\n"))
		out.WriteByte(':')

		buf.Reset()
		if err := enc.Encode(r.vals[k]); err != nil {
			return nil, eris.Wrapf(err, "record: encode field %q", k)
		}
		out.Write(bytes.TrimRight(buf.Bytes(), "\n"))
	}
	out.WriteByte('}')
	return out.Bytes(), nil
}

// UnmarshalJSON decodes a JSON object, keeping the order of its top-level
// fields. Nested values decode as the encoding/json defaults.
func (r *Record) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	tok, err := dec.Token()
	if err != nil {
		return err
	}
	if d, ok := tok.(json.Delim); !ok || d != '{' {
		return eris.Errorf("record: expected a JSON object, got %v", tok)
	}

	r.keys = nil
	r.vals = make(map[string]any)
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return err
		}
		key, ok := tok.(string)
		if !ok {
			return eris.Errorf("record: expected an object key, got %v", tok)
		}
		var v any
		if err := dec.Decode(&v); err != nil {
			return err
		}
		r.Set(key, v)
	}
	if _, err := dec.Token(); err != nil {
		return err
	}
	if _, err := dec.Token(); err != io.EOF {
		return eris.New("record: trailing data after JSON object")
	}
	return nil
}

func formatValue(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case json.Number:
		return t.String()
	default:
		return fmt.Sprint(t)
	}
}
