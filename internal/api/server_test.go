package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cep-etl/internal/app"
	"cep-etl/internal/config"
	"cep-etl/internal/metrics"
)

type fixture struct {
	api    *httptest.Server
	server *Server
	dir    string
}

func newFixture(t *testing.T, rows int, lookupDelay time.Duration) *fixture {
	t.Helper()
	lookup := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if lookupDelay > 0 {
			select {
			case <-time.After(lookupDelay):
			case <-r.Context().Done():
				return
			}
		}
		w.Write([]byte(`{"cep":"01001-000","uf":"SP"}`))
	}))
	t.Cleanup(lookup.Close)

	dir := t.TempDir()
	var b strings.Builder
	b.WriteString("CEP Inicial\n")
	for i := range rows {
		fmt.Fprintf(&b, "%08d\n", 1001000+i)
	}
	input := filepath.Join(dir, "ceps.csv")
	require.NoError(t, os.WriteFile(input, []byte(b.String()), 0o644))

	base := config.Default()
	base.Input.Path = input
	base.Lookup.URLTemplate = lookup.URL + "/ws/{cep}/json/"
	base.Store.URI = "sqlite://" + filepath.Join(dir, "ceps.db")
	base.Output.JSONLPath = filepath.Join(dir, "enderecos.json")
	base.Output.XMLPath = filepath.Join(dir, "enderecos.xml")
	base.Output.ErrorsPath = filepath.Join(dir, "erros.csv")
	base.Workers = 2

	reg := prometheus.NewRegistry()
	s := NewServer(base, metrics.New(reg), reg)
	api := httptest.NewServer(s.Handler())
	t.Cleanup(func() {
		s.StopJobs()
		api.Close()
	})
	return &fixture{api: api, server: s, dir: dir}
}

func (f *fixture) createJob(t *testing.T, body string) (int, JobResponse) {
	t.Helper()
	resp, err := http.Post(f.api.URL+"/jobs", "application/json", strings.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	var out JobResponse
	if resp.StatusCode == http.StatusAccepted {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	}
	return resp.StatusCode, out
}

func (f *fixture) status(t *testing.T, id string) JobStatus {
	t.Helper()
	resp, err := http.Get(f.api.URL + "/jobs/" + id)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var st JobStatus
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&st))
	return st
}

func (f *fixture) waitJobs(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, f.server.Wait(ctx))
}

func TestJobLifecycle(t *testing.T) {
	f := newFixture(t, 12, 0)

	code, job := f.createJob(t, `{"workers": 3}`)
	require.Equal(t, http.StatusAccepted, code)
	require.NotEmpty(t, job.JobID)

	f.waitJobs(t)

	st := f.status(t, job.JobID)
	assert.Equal(t, StatusFinished, st.Status)
	assert.EqualValues(t, 12, st.Processed)
	assert.EqualValues(t, 12, st.OK)
	assert.Zero(t, st.Errors)
	assert.NotNil(t, st.FinishedAt)
	assert.Empty(t, st.Error)
}

func TestJobBuildError(t *testing.T) {
	f := newFixture(t, 1, 0)

	code, job := f.createJob(t, `{"input_path": "/does/not/exist.csv"}`)
	require.Equal(t, http.StatusAccepted, code)
	f.waitJobs(t)

	st := f.status(t, job.JobID)
	assert.Equal(t, StatusError, st.Status)
	assert.Contains(t, st.Error, "exist.csv")
}

func TestCancelRunningJob(t *testing.T) {
	f := newFixture(t, 500, 20*time.Millisecond)

	code, job := f.createJob(t, `{"workers": 1}`)
	require.Equal(t, http.StatusAccepted, code)

	require.Eventually(t, func() bool {
		return f.status(t, job.JobID).Status == StatusRunning
	}, 5*time.Second, 10*time.Millisecond)

	req, err := http.NewRequest(http.MethodDelete, f.api.URL+"/jobs/"+job.JobID, nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	f.waitJobs(t)
	st := f.status(t, job.JobID)
	assert.Equal(t, StatusCancelled, st.Status)
	assert.Less(t, st.Processed, int64(500))
	assert.Equal(t, st.Processed, st.OK+st.Errors)
	require.NotNil(t, st.FinishedAt)

	// Sinks were closed: the XML document is complete.
	xmlDoc, err := os.ReadFile(filepath.Join(f.dir, "enderecos.xml"))
	require.NoError(t, err)
	assert.True(t, strings.HasSuffix(string(xmlDoc), "</enderecos>\n"))
}

func TestBadRequests(t *testing.T) {
	f := newFixture(t, 1, 0)

	for _, body := range []string{
		`not json`,
		`{"workers": -1}`,
		`{"log_every": -5}`,
		`{"delimiter": ";;"}`,
		`{"rpc_url": "http://node"}`,
	} {
		t.Run(body, func(t *testing.T) {
			code, _ := f.createJob(t, body)
			assert.Equal(t, http.StatusBadRequest, code)
		})
	}
}

func TestUnknownJob(t *testing.T) {
	f := newFixture(t, 1, 0)

	resp, err := http.Get(f.api.URL + "/jobs/nope")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	req, err := http.NewRequest(http.MethodDelete, f.api.URL+"/jobs/nope", nil)
	require.NoError(t, err)
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestMetricsEndpoint(t *testing.T) {
	f := newFixture(t, 3, 0)

	_, _ = f.createJob(t, `{}`)
	f.waitJobs(t)

	resp, err := http.Get(f.api.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), `cepetl_lookups_total{outcome="success"} 3`)
}

func TestRecoveryMiddleware(t *testing.T) {
	h := recoveryMiddleware(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/jobs/x", nil))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestJobBuildErrorFromStore(t *testing.T) {
	f := newFixture(t, 1, 0)
	f.server.build = func(context.Context, *config.Config, *metrics.Metrics) (*app.Pipeline, error) {
		return nil, errors.New("store: ping postgres://***@db:5432/ceps: connection refused")
	}

	_, job := f.createJob(t, `{}`)
	f.waitJobs(t)

	st := f.status(t, job.JobID)
	assert.Equal(t, StatusError, st.Status)
	assert.Contains(t, st.Error, "connection refused")
	assert.Zero(t, st.Processed)
}
