package httpclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/Checker-Finance/settlement/internal/resilience"
	"github.com/Checker-Finance/settlement/pkg/model"
)

func testPolicy(name string, attempts int) *resilience.Policy {
	return resilience.New(resilience.Config{
		Name:            name,
		MaxAttempts:     attempts,
		InitialInterval: time.Millisecond,
		MaxInterval:     2 * time.Millisecond,
		MinRequests:     1000,
	}, zap.NewNop())
}

func newExec(name string, attempts int, client *http.Client) *Executor {
	return New(zap.NewNop(), nil, client, testPolicy(name, attempts), name, nil)
}

// countingHandler returns failStatus for the first failCount calls, then 200 with body.
func countingHandler(failCount int, failStatus int, successBody []byte) (http.Handler, *atomic.Int32) {
	var n atomic.Int32
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if int(n.Add(1)) <= failCount {
			w.WriteHeader(failStatus)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(successBody)
	}), &n
}

// ─── Basic success ────────────────────────────────────────────────────────────

func TestDoJSON_SuccessFirstAttempt(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "secret", r.Header.Get("X-Api-Key"))
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(map[string]string{"result": "ok"})
	}))
	defer srv.Close()

	exec := newExec("ok", 3, srv.Client())

	var out map[string]string
	require.NoError(t, exec.DoJSON(context.Background(), Request{
		Method:  http.MethodGet,
		URL:     srv.URL,
		Headers: map[string]string{"X-Api-Key": "secret"},
	}, &out))
	assert.Equal(t, "ok", out["result"])
}

// ─── 5xx retry then success ───────────────────────────────────────────────────

func TestDoJSON_Retries5xxThenSucceeds(t *testing.T) {
	h, count := countingHandler(2, http.StatusBadGateway, []byte(`{"v":1}`))
	srv := httptest.NewServer(h)
	defer srv.Close()

	exec := newExec("retry5xx", 3, srv.Client())

	var out map[string]int
	require.NoError(t, exec.DoJSON(context.Background(), Request{Method: http.MethodGet, URL: srv.URL}, &out))
	assert.EqualValues(t, 3, count.Load())
	assert.Equal(t, 1, out["v"])
}

// ─── POST body is re-sent on retry ───────────────────────────────────────────

func TestDoJSON_PostBodyResentOnRetry(t *testing.T) {
	var mu sync.Mutex
	var received []string

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		mu.Lock()
		received = append(received, string(b))
		n := len(received)
		mu.Unlock()
		if n == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("{}"))
	}))
	defer srv.Close()

	exec := newExec("resend", 2, srv.Client())

	require.NoError(t, exec.DoJSON(context.Background(), Request{
		Method: http.MethodPost,
		URL:    srv.URL,
		Body:   map[string]string{"value": "hello"},
	}, nil))
	require.Len(t, received, 2)
	assert.JSONEq(t, `{"value":"hello"}`, received[0])
	assert.JSONEq(t, `{"value":"hello"}`, received[1], "retry must re-send the full body")
}

// ─── 4xx: no retry ────────────────────────────────────────────────────────────

func TestDoJSON_4xxNotRetried(t *testing.T) {
	var count atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		count.Add(1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	exec := newExec("no4xx", 3, srv.Client())

	err := exec.DoJSON(context.Background(), Request{Method: http.MethodGet, URL: srv.URL}, nil)
	require.Error(t, err)
	var se *StatusError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, http.StatusBadRequest, se.Status)
	assert.False(t, model.IsRetryable(err))
	assert.EqualValues(t, 1, count.Load(), "4xx must not be retried")
}

// ─── 429 is retried ──────────────────────────────────────────────────────────

func TestDoJSON_TooManyRequestsRetried(t *testing.T) {
	h, count := countingHandler(1, http.StatusTooManyRequests, []byte(`{}`))
	srv := httptest.NewServer(h)
	defer srv.Close()

	exec := newExec("retry429", 2, srv.Client())
	require.NoError(t, exec.DoJSON(context.Background(), Request{Method: http.MethodGet, URL: srv.URL}, nil))
	assert.EqualValues(t, 2, count.Load())
}

// ─── All retries exhausted ────────────────────────────────────────────────────

func TestDoJSON_ExhaustAllRetries(t *testing.T) {
	var count atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		count.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	exec := newExec("exhaust", 3, srv.Client())

	err := exec.DoJSON(context.Background(), Request{Method: http.MethodGet, URL: srv.URL}, nil)
	require.Error(t, err)
	assert.True(t, model.IsRetryable(err), "exhausted 5xx stays transient for the caller")
	assert.EqualValues(t, 3, count.Load())
}

// ─── Nil policy: single attempt only ─────────────────────────────────────────

func TestDoJSON_NilPolicySingleAttempt(t *testing.T) {
	var count atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		count.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	exec := New(zap.NewNop(), nil, srv.Client(), nil, "single", nil)
	require.Error(t, exec.DoJSON(context.Background(), Request{Method: http.MethodGet, URL: srv.URL}, nil))
	assert.EqualValues(t, 1, count.Load())
}

// ─── Custom error handler ────────────────────────────────────────────────────

func TestDoJSON_CustomErrorHandlerCalled(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
		_, _ = w.Write([]byte(`{"code":"INVALID"}`))
	}))
	defer srv.Close()

	exec := New(zap.NewNop(), nil, srv.Client(), testPolicy("handler", 3), "handler", func(status int, body []byte) error {
		return fmt.Errorf("backend %d: %s", status, body)
	})

	err := exec.DoJSON(context.Background(), Request{Method: http.MethodPost, URL: srv.URL}, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "422")
	assert.Contains(t, err.Error(), "INVALID")
}

func TestDoJSON_ErrorHandlerMayAccept(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusConflict)
	}))
	defer srv.Close()

	exec := New(zap.NewNop(), nil, srv.Client(), nil, "accept", func(status int, _ []byte) error {
		if status == http.StatusConflict {
			return nil
		}
		return fmt.Errorf("unexpected %d", status)
	})
	require.NoError(t, exec.DoJSON(context.Background(), Request{Method: http.MethodPost, URL: srv.URL}, nil))
}

// ─── JSON decode error ────────────────────────────────────────────────────────

func TestDoJSON_DecodeError(t *testing.T) {
	var count atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		count.Add(1)
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("not-json"))
	}))
	defer srv.Close()

	exec := newExec("decode", 3, srv.Client())

	var out map[string]string
	err := exec.DoJSON(context.Background(), Request{Method: http.MethodGet, URL: srv.URL}, &out)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "decode failed")
	assert.EqualValues(t, 1, count.Load(), "decode errors are not retried")
}

// ─── Transport error is transient ────────────────────────────────────────────

func TestDoJSON_TransportErrorTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {}))
	url := srv.URL
	srv.Close()

	exec := newExec("transport", 2, &http.Client{Timeout: time.Second})
	err := exec.DoJSON(context.Background(), Request{Method: http.MethodGet, URL: url}, nil)
	require.Error(t, err)
	var te *TransportError
	assert.True(t, errors.As(err, &te))
	assert.True(t, model.IsRetryable(err))
}
