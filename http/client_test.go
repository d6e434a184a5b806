package http

import (
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExecutePostsJSONBody(t *testing.T) {
	var gotBody string
	var gotContentType string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		buf, _ := io.ReadAll(r.Body)
		gotBody = string(buf)
		gotContentType = r.Header.Get("Content-Type")
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	req := NewRequest("POST", srv.URL)
	req.JSONBody = `{"name":"my-crate"}`
	resp, err := Execute(req)
	require.NoError(t, err)
	assert.True(t, resp.IsSuccess())
	assert.Equal(t, `{"name":"my-crate"}`, gotBody)
	assert.Equal(t, "application/json", gotContentType)
}

func TestExecuteRetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	req := NewRequest("POST", srv.URL)
	req.JSONBody = `{}`
	req.RetryCount = 3
	req.RetryInterval = time.Millisecond
	resp, err := Execute(req)
	require.NoError(t, err)
	assert.True(t, resp.IsSuccess())
	assert.Equal(t, int32(3), calls.Load())
}

func TestExecuteDoesNotRetryClientErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	req := NewRequest("POST", srv.URL)
	req.JSONBody = `{}`
	req.RetryCount = 5
	req.RetryInterval = time.Millisecond
	resp, err := Execute(req)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.True(t, resp.IsClientError())
	assert.Equal(t, int32(1), calls.Load())
}

func TestExecuteFailsAfterExhaustingRetries(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	req := NewRequest("GET", srv.URL)
	req.RetryCount = 2
	req.RetryInterval = time.Millisecond
	_, err := Execute(req)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "after 3 attempts")
}

func TestBackoffDelayDoubles(t *testing.T) {
	assert.Equal(t, time.Second, backoffDelay(0, time.Second))
	assert.Equal(t, 2*time.Second, backoffDelay(1, time.Second))
	assert.Equal(t, 4*time.Second, backoffDelay(2, time.Second))
}
