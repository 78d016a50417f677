package provider

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rotisserie/eris"
	"golang.org/x/time/rate"

	"cep-etl/internal/sink"
)

// Placeholder is substituted with the normalized code in URL templates.
const Placeholder = "{cep}"

// ErrBadTemplate is returned by NewViaCEP when the endpoint template cannot
// produce valid URLs.
var ErrBadTemplate = errors.New("invalid endpoint template")

// ViaCEPOptions configures the HTTP provider.
type ViaCEPOptions struct {
	// URLTemplate is the endpoint with a {cep} placeholder,
	// e.g. https://viacep.com.br/ws/{cep}/json/.
	URLTemplate    string
	ConnectTimeout time.Duration
	// ReadTimeout bounds the whole request, body included.
	ReadTimeout time.Duration
	// RequestsPerSecond throttles all workers together. 0 disables it.
	RequestsPerSecond float64
}

// ViaCEP looks codes up over HTTP. Each worker gets its own *http.Client
// with its own transport, created on the worker's first call and reused for
// every later call of that worker, so keep-alive connections are never shared
// between workers.
type ViaCEP struct {
	template string
	opts     ViaCEPOptions
	limiter  *rate.Limiter

	sessions sync.Map // worker id -> *http.Client
	created  atomic.Int64
}

// NewViaCEP validates the template up front; a malformed template is a
// construction error, never a per-call failure.
func NewViaCEP(opts ViaCEPOptions) (*ViaCEP, error) {
	if strings.Count(opts.URLTemplate, Placeholder) != 1 {
		return nil, eris.Wrapf(ErrBadTemplate, "template %q must contain %s exactly once", opts.URLTemplate, Placeholder)
	}
	u, err := url.Parse(strings.Replace(opts.URLTemplate, Placeholder, "00000000", 1))
	if err != nil {
		return nil, eris.Wrapf(ErrBadTemplate, "template %q: %v", opts.URLTemplate, err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, eris.Wrapf(ErrBadTemplate, "template %q must be an absolute http(s) URL", opts.URLTemplate)
	}

	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = 3 * time.Second
	}
	if opts.ReadTimeout <= 0 {
		opts.ReadTimeout = 7 * time.Second
	}

	v := &ViaCEP{template: opts.URLTemplate, opts: opts}
	if opts.RequestsPerSecond > 0 {
		burst := int(opts.RequestsPerSecond)
		if burst < 1 {
			burst = 1
		}
		v.limiter = rate.NewLimiter(rate.Limit(opts.RequestsPerSecond), burst)
	}
	return v, nil
}

func (v *ViaCEP) Target(code string) string {
	return strings.Replace(v.template, Placeholder, code, 1)
}

// Sessions reports how many per-worker clients have been created.
func (v *ViaCEP) Sessions() int {
	return int(v.created.Load())
}

func (v *ViaCEP) session(worker int) *http.Client {
	if c, ok := v.sessions.Load(worker); ok {
		return c.(*http.Client)
	}
	c := &http.Client{
		Timeout: v.opts.ReadTimeout,
		Transport: &http.Transport{
			Proxy:               http.ProxyFromEnvironment,
			DialContext:         (&net.Dialer{Timeout: v.opts.ConnectTimeout, KeepAlive: 30 * time.Second}).DialContext,
			TLSHandshakeTimeout: v.opts.ConnectTimeout,
			MaxIdleConns:        2,
			MaxIdleConnsPerHost: 2,
			IdleConnTimeout:     90 * time.Second,
		},
	}
	// Only the owning worker reaches this point for a given id, so the store
	// never races with another creation.
	v.sessions.Store(worker, c)
	v.created.Add(1)
	return c
}

// CloseIdleConnections releases the keep-alive connections of every session.
func (v *ViaCEP) CloseIdleConnections() {
	v.sessions.Range(func(_, c any) bool {
		c.(*http.Client).CloseIdleConnections()
		return true
	})
}

// Fetch issues GET Target(code). Failures are classified, never retried:
//   - the request exceeds the read timeout: timeout
//   - any other transport error: request_exception
//   - status outside 2xx: http_error:<status>
//   - body is not a JSON object: decode_error
//   - body has "erro": true: not_found
//
// On success the record is the decoded body followed by the queried code
// under sink.KeyQueried.
func (v *ViaCEP) Fetch(ctx context.Context, worker int, code string) (*sink.Record, FailureKind) {
	if v.limiter != nil {
		if err := v.limiter.Wait(ctx); err != nil {
			return nil, KindRequestException
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, v.Target(code), nil)
	if err != nil {
		return nil, KindRequestException
	}
	req.Header.Set("Accept", "application/json")

	resp, err := v.session(worker).Do(req)
	if err != nil {
		return nil, classifyTransport(err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, classifyTransport(err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, HTTPError(resp.StatusCode)
	}

	rec := sink.NewRecord()
	if err := rec.UnmarshalJSON(body); err != nil {
		return nil, KindDecodeError
	}
	if notFound(rec) {
		return nil, KindNotFound
	}

	rec.Set(sink.KeyQueried, code)
	return rec, ""
}

func classifyTransport(err error) FailureKind {
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return KindTimeout
	}
	return KindRequestException
}

// notFound reports whether the body carries the "erro" sentinel. The service
// has sent it both as a boolean and as the string "true".
func notFound(rec *sink.Record) bool {
	v, ok := rec.Get("erro")
	if !ok {
		return false
	}
	switch t := v.(type) {
	case bool:
		return t
	case string:
		return strings.EqualFold(t, "true")
	}
	return false
}
