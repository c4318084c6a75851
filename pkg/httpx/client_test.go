package httpx

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type headerSigner struct{ key, value string }

func (s headerSigner) SignRequest(req *http.Request) error {
	req.Header.Set(s.key, s.value)
	return nil
}

func TestGetReturnsBodyAndStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "token abc", r.Header.Get("Authorization"))
		assert.Equal(t, "NSE:INFY", r.URL.Query().Get("i"))
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"success"}`))
	}))
	defer srv.Close()

	client := NewClient(srv.URL, 2*time.Second, headerSigner{"Authorization", "token abc"})
	resp, err := client.Get(context.Background(), "/quote/ltp", url.Values{"i": {"NSE:INFY"}})
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, resp.ContentType, "json")
	assert.JSONEq(t, `{"status":"success"}`, string(resp.Body))
}

func TestGetRetriesServerFaults(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.Write([]byte("ok"))
	}))
	defer srv.Close()

	client := NewClient(srv.URL, 2*time.Second, nil)
	resp, err := client.Get(context.Background(), "/", nil)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, int32(3), calls.Load())
}

func TestPostFormDoesNotRetry(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		require.NoError(t, r.ParseForm())
		assert.Equal(t, "SELL", r.PostForm.Get("transaction_type"))
		w.WriteHeader(http.StatusBadGateway)
		w.Write([]byte(`{"status":"error"}`))
	}))
	defer srv.Close()

	client := NewClient(srv.URL, 2*time.Second, nil)
	resp, err := client.PostForm(context.Background(), "/orders/regular",
		url.Values{"transaction_type": {"SELL"}})
	require.NoError(t, err)
	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)
	assert.Equal(t, int32(1), calls.Load())
}

func TestClientErrorStatusIsNotATransportError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		w.Write([]byte(`{"status":"error","error_type":"TokenException"}`))
	}))
	defer srv.Close()

	client := NewClient(srv.URL, 2*time.Second, nil)
	resp, err := client.Get(context.Background(), "/user/profile", nil)
	require.NoError(t, err)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	assert.Contains(t, string(resp.Body), "TokenException")
}
