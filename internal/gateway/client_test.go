package gateway

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"verdict/pkg/platform/sentinel"
)

func TestClientRetriesServerErrors(t *testing.T) {
	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.Write([]byte("ok"))
	}))
	defer srv.Close()

	client := NewHTTPClient(time.Second, 2)
	resp, err := client.Do(context.Background(), http.MethodGet, srv.URL, nil)
	require.NoError(t, err)
	raw, err := ReadOK(resp)
	require.NoError(t, err)
	assert.Equal(t, []byte("ok"), raw)
	assert.EqualValues(t, 3, calls.Load())
}

func TestClientExhaustedRetriesAreUnavailable(t *testing.T) {
	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	client := NewHTTPClient(time.Second, 1)
	_, err := client.Do(context.Background(), http.MethodGet, srv.URL, nil)
	require.ErrorIs(t, err, sentinel.ErrUnavailable)
	assert.EqualValues(t, 2, calls.Load())
}

func TestClientNeverRetriesClientErrors(t *testing.T) {
	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	client := NewHTTPClient(time.Second, 3)
	resp, err := client.Do(context.Background(), http.MethodGet, srv.URL, nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.EqualValues(t, 1, calls.Load())
}

func TestReadOKRejectsNon2xx(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	client := NewHTTPClient(time.Second, 0)
	resp, err := client.Do(context.Background(), http.MethodGet, srv.URL, nil)
	require.NoError(t, err)
	_, err = ReadOK(resp)
	require.ErrorIs(t, err, sentinel.ErrUnavailable)
}
