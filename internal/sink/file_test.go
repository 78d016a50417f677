package sink

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"encoding/xml"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func addressRecord(code string) *Record {
	rec := NewRecord()
	rec.Set("cep", code[:5]+"-"+code[5:])
	rec.Set("logradouro", "Rua & Cia <Centro>")
	rec.Set("uf", "SP")
	rec.Set(KeyQueried, code)
	return rec
}

func failureRecord(raw, kind string) *Record {
	rec := NewRecord()
	rec.Set(KeyRaw, raw)
	rec.Set(KeyNormalized, "")
	rec.Set(KeyTarget, "")
	rec.Set(KeyKind, kind)
	return rec
}

func TestJSONLinesSink_AppendsOneObjectPerLine(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.json")
	s := NewJSONLinesSink(path)
	ctx := context.Background()

	require.NoError(t, s.Open(ctx))
	require.NoError(t, s.Write(ctx, addressRecord("01001000")))
	require.NoError(t, s.Write(ctx, addressRecord("58348000")))
	require.NoError(t, s.Close())

	// A second run appends.
	s2 := NewJSONLinesSink(path)
	require.NoError(t, s2.Write(ctx, addressRecord("01310100")))
	require.NoError(t, s2.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimRight(string(data), "\n"), "\n")
	require.Len(t, lines, 3)

	var first map[string]any
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &first))
	assert.Equal(t, "01001000", first[KeyQueried])
	assert.Contains(t, lines[0], "Rua & Cia <Centro>")
}

func TestXMLSink_Document(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.xml")
	s := NewXMLSink(path, "enderecos", "endereco")
	ctx := context.Background()

	require.NoError(t, s.Open(ctx))
	require.NoError(t, s.Write(ctx, addressRecord("01001000")))
	require.NoError(t, s.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	out := string(data)

	assert.True(t, strings.HasPrefix(out, `<?xml version="1.0" encoding="UTF-8"?>`))
	assert.Contains(t, out, "<logradouro>Rua &amp; Cia &lt;Centro&gt;</logradouro>")
	assert.True(t, strings.HasSuffix(out, "</enderecos>\n"))

	var doc struct {
		Items []struct {
			Fields []struct {
				XMLName xml.Name
				Value   string `xml:",chardata"`
			} `xml:",any"`
		} `xml:"endereco"`
	}
	require.NoError(t, xml.Unmarshal(data, &doc))
	require.Len(t, doc.Items, 1)

	var names []string
	for _, f := range doc.Items[0].Fields {
		names = append(names, f.XMLName.Local)
	}
	assert.Equal(t, []string{"cep", "logradouro", "uf", KeyQueried}, names)
}

func TestXMLSink_LazyOpenAndIdempotentClose(t *testing.T) {
	path := filepath.Join(t.TempDir(), "lazy.xml")
	s := NewXMLSink(path, "", "")

	require.NoError(t, s.Close(), "close before open is a no-op")
	require.NoError(t, s.Write(context.Background(), addressRecord("01001000")))
	require.NoError(t, s.Close())
	require.NoError(t, s.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, 1, strings.Count(string(data), "</enderecos>"))
}

func TestXMLSink_ConcurrentWritesDoNotInterleave(t *testing.T) {
	path := filepath.Join(t.TempDir(), "concurrent.xml")
	s := NewXMLSink(path, "root", "item")
	ctx := context.Background()
	require.NoError(t, s.Open(ctx))

	var wg sync.WaitGroup
	for i := range 50 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, s.Write(ctx, addressRecord(fmt.Sprintf("%08d", i))))
		}()
	}
	wg.Wait()
	require.NoError(t, s.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)

	var doc struct {
		Items []struct {
			Queried string `xml:"_cep_consultado"`
		} `xml:"item"`
	}
	require.NoError(t, xml.Unmarshal(data, &doc))
	assert.Len(t, doc.Items, 50)
}

func TestErrorCSVSink_LazyHeader(t *testing.T) {
	path := filepath.Join(t.TempDir(), "errors.csv")
	s := NewErrorCSVSink(path)

	_, err := os.Stat(path)
	require.True(t, os.IsNotExist(err), "file must not exist before the first write")

	ctx := context.Background()
	rec := NewRecord()
	rec.Set(KeyRaw, "01001-000")
	rec.Set(KeyNormalized, "01001000")
	rec.Set(KeyTarget, "https://viacep.com.br/ws/01001000/json/")
	rec.Set(KeyKind, "http_error:500")
	rec.Set("ignored", "not a ledger column")

	require.NoError(t, s.Write(ctx, rec))
	require.NoError(t, s.Write(ctx, failureRecord("ABC", "invalid_format")))
	require.NoError(t, s.Close())

	// Reopening an existing ledger must not repeat the header.
	s2 := NewErrorCSVSink(path)
	require.NoError(t, s2.Write(ctx, failureRecord("999", "invalid_format")))
	require.NoError(t, s2.Close())

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()
	rows, err := csv.NewReader(f).ReadAll()
	require.NoError(t, err)

	require.Len(t, rows, 4)
	assert.Equal(t, ErrorColumns, rows[0])
	assert.Equal(t, []string{"01001-000", "01001000", "https://viacep.com.br/ws/01001000/json/", "http_error:500"}, rows[1])
	assert.Equal(t, []string{"ABC", "", "", "invalid_format"}, rows[2])
	assert.Equal(t, "999", rows[3][0])
}

func TestErrorCSVSink_HeaderOnEmptyExistingFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "errors.csv")
	require.NoError(t, os.WriteFile(path, nil, 0o644))

	s := NewErrorCSVSink(path)
	require.NoError(t, s.Write(context.Background(), failureRecord("ABC", "invalid_format")))
	require.NoError(t, s.Close())

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()
	rows, err := csv.NewReader(f).ReadAll()
	require.NoError(t, err)

	require.Len(t, rows, 2)
	assert.Equal(t, ErrorColumns, rows[0])
	assert.Equal(t, []string{"ABC", "", "", "invalid_format"}, rows[1])
}
