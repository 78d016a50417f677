package sink

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	kafkago "github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memStore struct {
	mu   sync.Mutex
	docs map[string][]byte
	err  error
}

func (m *memStore) Upsert(_ context.Context, key string, doc []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	if m.docs == nil {
		m.docs = make(map[string][]byte)
	}
	m.docs[key] = doc
	return nil
}

func TestDocumentKey(t *testing.T) {
	tests := []struct {
		name   string
		fields map[string]string
		want   string
		err    error
	}{
		{"canonical cep normalized", map[string]string{KeyCEP: "01001-000", KeyQueried: "01001000"}, "01001000", nil},
		{"falls back to queried code", map[string]string{KeyQueried: "58348000"}, "58348000", nil},
		{"empty cep falls back", map[string]string{KeyCEP: "", KeyQueried: "58348000"}, "58348000", nil},
		{"unnormalizable cep kept verbatim", map[string]string{KeyCEP: "n/a"}, "n/a", nil},
		{"no key", map[string]string{"logradouro": "x"}, "", ErrNoKey},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			rec := NewRecord()
			for _, k := range []string{KeyCEP, KeyQueried, "logradouro"} {
				if v, ok := tc.fields[k]; ok {
					rec.Set(k, v)
				}
			}
			got, err := DocumentKey(rec)
			if tc.err != nil {
				assert.ErrorIs(t, err, tc.err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestDocumentSink_UpsertReplaces(t *testing.T) {
	store := &memStore{}
	s := NewDocumentSink(store)
	ctx := context.Background()

	first := addressRecord("01001000")
	second := addressRecord("01001000")
	second.Set("logradouro", "Praça da Sé")

	require.NoError(t, s.Write(ctx, first))
	require.NoError(t, s.Write(ctx, second))

	require.Len(t, store.docs, 1)
	var doc map[string]any
	require.NoError(t, json.Unmarshal(store.docs["01001000"], &doc))
	assert.Equal(t, "Praça da Sé", doc["logradouro"])
}

func TestDocumentSink_Errors(t *testing.T) {
	s := NewDocumentSink(&memStore{err: errors.New("connection reset")})

	err := s.Write(context.Background(), addressRecord("01001000"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connection reset")

	err = s.Write(context.Background(), NewRecord())
	assert.ErrorIs(t, err, ErrNoKey)
}

func TestRedisSink_SetsJSONByKey(t *testing.T) {
	mini := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mini.Addr()})
	s := NewRedisSink(client, "cep:")
	t.Cleanup(func() { s.Close() })

	ctx := context.Background()
	require.NoError(t, s.Write(ctx, addressRecord("01001000")))
	updated := addressRecord("01001000")
	updated.Set("uf", "RJ")
	require.NoError(t, s.Write(ctx, updated))

	got, err := mini.Get("cep:01001000")
	require.NoError(t, err)
	assert.Contains(t, got, `"uf":"RJ"`)
	assert.Len(t, mini.Keys(), 1)
}

type fakeKafkaWriter struct {
	mu     sync.Mutex
	msgs   []kafkago.Message
	closed bool
}

func (f *fakeKafkaWriter) WriteMessages(_ context.Context, msgs ...kafkago.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.msgs = append(f.msgs, msgs...)
	return nil
}

func (f *fakeKafkaWriter) Close() error {
	f.closed = true
	return nil
}

func TestKafkaSink_PublishesKeyedMessage(t *testing.T) {
	w := &fakeKafkaWriter{}
	s := NewKafkaSink(w)

	require.NoError(t, s.Write(context.Background(), addressRecord("58348000")))
	require.NoError(t, s.Close())

	require.Len(t, w.msgs, 1)
	assert.Equal(t, "58348000", string(w.msgs[0].Key))
	assert.True(t, json.Valid(w.msgs[0].Value))
	assert.True(t, w.closed)
}

func TestNewKafkaWriter(t *testing.T) {
	w := NewKafkaWriter([]string{"localhost:9092"}, "enderecos", 25*time.Millisecond)
	assert.Equal(t, "enderecos", w.Topic)
	assert.NotNil(t, w.Addr)
	assert.IsType(t, &kafkago.Hash{}, w.Balancer)
	assert.Equal(t, 25*time.Millisecond, w.BatchTimeout)
}

func TestNewKafkaWriterDefaultBatchTimeout(t *testing.T) {
	w := NewKafkaWriter([]string{"localhost:9092"}, "enderecos", 0)
	// kafka-go would otherwise wait a full second per single-message publish.
	assert.Equal(t, DefaultKafkaBatchTimeout, w.BatchTimeout)
	assert.Less(t, w.BatchTimeout, time.Second)
}

type flakySink struct {
	failures int
	calls    int
	closed   bool
}

func (f *flakySink) Write(_ context.Context, _ *Record) error {
	f.calls++
	if f.calls <= f.failures {
		return errors.New("transient")
	}
	return nil
}

func (f *flakySink) Name() string { return "flaky" }
func (f *flakySink) Close() error { f.closed = true; return nil }

func TestRetrySink(t *testing.T) {
	ctx := context.Background()

	t.Run("succeeds after transient failures", func(t *testing.T) {
		inner := &flakySink{failures: 2}
		s := NewRetrySink(inner, 3, 1)
		require.NoError(t, s.Write(ctx, addressRecord("01001000")))
		assert.Equal(t, 3, inner.calls)
	})

	t.Run("returns last error when attempts run out", func(t *testing.T) {
		inner := &flakySink{failures: 5}
		s := NewRetrySink(inner, 2, 1)
		require.Error(t, s.Write(ctx, addressRecord("01001000")))
		assert.Equal(t, 2, inner.calls)
	})

	t.Run("does not retry missing keys", func(t *testing.T) {
		inner := NewDocumentSink(&memStore{})
		s := NewRetrySink(inner, 3, 1)
		assert.ErrorIs(t, s.Write(ctx, NewRecord()), ErrNoKey)
	})

	t.Run("forwards name and close", func(t *testing.T) {
		inner := &flakySink{}
		s, ok := NewRetrySink(inner, 0, 0).(*RetrySink)
		require.True(t, ok)
		assert.Equal(t, "flaky", s.Name())
		require.NoError(t, s.Close())
		assert.True(t, inner.closed)
		assert.Equal(t, 1, s.attempts)
	})

	t.Run("nil inner sink is a nil Sink", func(t *testing.T) {
		var s Sink = NewRetrySink(nil, 3, 1)
		assert.True(t, s == nil)
	})
}
