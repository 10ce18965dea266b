package httpclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/Checker-Finance/settlement/internal/metrics"
	"github.com/Checker-Finance/settlement/internal/rate"
	"github.com/Checker-Finance/settlement/internal/resilience"
)

// StatusError is a non-2xx response that the backend's error handler did not map.
type StatusError struct {
	Backend string
	Status  int
	Body    []byte
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s returned %d", e.Backend, e.Status)
}

// Temporary marks 5xx and 429 as worth retrying.
func (e *StatusError) Temporary() bool {
	return e.Status >= 500 || e.Status == http.StatusTooManyRequests
}

// TransportError is a failure to get any response at all.
type TransportError struct {
	Backend string
	Err     error
}

func (e *TransportError) Error() string   { return fmt.Sprintf("%s transport: %v", e.Backend, e.Err) }
func (e *TransportError) Unwrap() error   { return e.Err }
func (e *TransportError) Temporary() bool { return true }

// DecodeError is a 2xx response whose body does not match the expected shape.
type DecodeError struct {
	Backend string
	Err     error
}

func (e *DecodeError) Error() string   { return fmt.Sprintf("%s decode failed: %v", e.Backend, e.Err) }
func (e *DecodeError) Unwrap() error   { return e.Err }
func (e *DecodeError) Temporary() bool { return false }

// ErrorHandler maps a 4xx response to a backend-specific error. Returning nil
// accepts the response as success without decoding it.
type ErrorHandler func(status int, body []byte) error

// Executor handles rate-limited, policy-guarded HTTP execution with JSON decoding.
type Executor struct {
	logger       *zap.Logger
	rateMgr      *rate.Manager
	http         *http.Client
	policy       *resilience.Policy
	backend      string
	errorHandler ErrorHandler
}

// New creates an Executor. policy may be nil for a single unguarded attempt.
func New(
	logger *zap.Logger,
	rateMgr *rate.Manager,
	httpClient *http.Client,
	policy *resilience.Policy,
	backend string,
	errorHandler ErrorHandler,
) *Executor {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	return &Executor{
		logger:       logger,
		rateMgr:      rateMgr,
		http:         httpClient,
		policy:       policy,
		backend:      backend,
		errorHandler: errorHandler,
	}
}

// Backend names the remote system this executor talks to.
func (e *Executor) Backend() string { return e.backend }

// Request describes one logical call; it is rebuilt for every attempt so
// bodies are always re-sent in full.
type Request struct {
	Method  string
	URL     string
	Body    any
	Headers map[string]string
}

// DoJSON executes req under the executor's policy and JSON-decodes a 2xx body into out.
func (e *Executor) DoJSON(ctx context.Context, req Request, out any) error {
	var payload []byte
	if req.Body != nil {
		b, err := json.Marshal(req.Body)
		if err != nil {
			return fmt.Errorf("%s marshal request: %w", e.backend, err)
		}
		payload = b
	}

	attempt := func(ctx context.Context) error {
		return e.once(ctx, req, payload, out)
	}
	if e.policy == nil {
		return attempt(ctx)
	}
	return e.policy.Do(ctx, attempt)
}

func (e *Executor) once(ctx context.Context, req Request, payload []byte, out any) error {
	if e.rateMgr != nil {
		if err := e.rateMgr.Wait(ctx, e.backend); err != nil {
			return fmt.Errorf("rate limit wait: %w", err)
		}
	}

	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}
	httpReq, err := http.NewRequestWithContext(ctx, req.Method, req.URL, body)
	if err != nil {
		return &DecodeError{Backend: e.backend, Err: err}
	}
	if payload != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	httpReq.Header.Set("Accept", "application/json")
	for k, v := range req.Headers {
		httpReq.Header.Set(k, v)
	}

	start := time.Now()
	resp, err := e.http.Do(httpReq)
	metrics.ObserveDuration(metrics.BackendDuration, start, e.backend)
	if err != nil {
		metrics.IncBackend(e.backend, "transport_error")
		e.logger.Warn(e.backend+".http_failed",
			zap.String("url", req.URL),
			zap.Error(err))
		return &TransportError{Backend: e.backend, Err: err}
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, _ := io.ReadAll(resp.Body)
	elapsed := time.Since(start)

	if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
		metrics.IncBackend(e.backend, "server_error")
		e.logger.Warn(e.backend+".server_error",
			zap.Int("status", resp.StatusCode),
			zap.String("url", req.URL),
			zap.Duration("latency", elapsed))
		return &StatusError{Backend: e.backend, Status: resp.StatusCode, Body: respBody}
	}

	if resp.StatusCode >= 400 {
		metrics.IncBackend(e.backend, "client_error")
		if e.errorHandler != nil {
			return e.errorHandler(resp.StatusCode, respBody)
		}
		return &StatusError{Backend: e.backend, Status: resp.StatusCode, Body: respBody}
	}

	metrics.IncBackend(e.backend, "ok")
	if out != nil && len(respBody) > 0 {
		if err := json.Unmarshal(respBody, out); err != nil {
			e.logger.Warn(e.backend+".decode_failed",
				zap.Error(err),
				zap.String("url", req.URL))
			return &DecodeError{Backend: e.backend, Err: err}
		}
	}

	e.logger.Debug(e.backend+".http_success",
		zap.String("url", req.URL),
		zap.Int("status", resp.StatusCode),
		zap.Duration("elapsed", elapsed))
	return nil
}
