package decrypt

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewHTTPGateway_RequiresTokenURL(t *testing.T) {
	_, err := NewHTTPGateway(HTTPGatewayConfig{})
	require.Error(t, err)

	g, err := NewHTTPGateway(HTTPGatewayConfig{TokenURL: "http://crypto.local/token"})
	require.NoError(t, err)
	assert.Equal(t, DefaultRetryDelay, g.cfg.RetryDelay)
}

func TestHTTPGateway_RequestDecrypt(t *testing.T) {
	var got tokenRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "Bearer s3cret", r.Header.Get("Authorization"))
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	g, err := NewHTTPGateway(HTTPGatewayConfig{TokenURL: srv.URL, BearerToken: "s3cret"})
	require.NoError(t, err)

	err = g.RequestDecrypt(context.Background(), "URA", OperationDecrypt, "s3://archive/lta/a.p7", map[string]string{"agency": "LTA"}, "URA_REQ_1")
	require.NoError(t, err)
	assert.Equal(t, "URA_REQ_1", got.RequestID)
	assert.Equal(t, "URA", got.AppCode)
	assert.Equal(t, OperationDecrypt, got.Operation)
	assert.Equal(t, "s3://archive/lta/a.p7", got.FileName)
	assert.Equal(t, "LTA", got.Metadata["agency"])
}

func TestHTTPGateway_RetriesOnceOnServerError(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			http.Error(w, "try later", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	g, err := NewHTTPGateway(HTTPGatewayConfig{TokenURL: srv.URL, RetryDelay: time.Millisecond})
	require.NoError(t, err)

	require.NoError(t, g.RequestDecrypt(context.Background(), "URA", OperationDecrypt, "f", nil, "URA_REQ_1"))
	assert.Equal(t, int32(2), calls.Load())
}

func TestHTTPGateway_GivesUpAfterRetry(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "down", http.StatusBadGateway)
	}))
	defer srv.Close()

	g, err := NewHTTPGateway(HTTPGatewayConfig{TokenURL: srv.URL, RetryDelay: time.Millisecond})
	require.NoError(t, err)

	err = g.RequestDecrypt(context.Background(), "URA", OperationDecrypt, "f", nil, "URA_REQ_1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 502")
	assert.Equal(t, int32(2), calls.Load())
}

func TestHTTPGateway_NoRetryOnClientError(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "bad app code", http.StatusBadRequest)
	}))
	defer srv.Close()

	g, err := NewHTTPGateway(HTTPGatewayConfig{TokenURL: srv.URL, RetryDelay: time.Millisecond})
	require.NoError(t, err)

	err = g.RequestDecrypt(context.Background(), "URA", OperationDecrypt, "f", nil, "URA_REQ_1")
	require.Error(t, err)
	assert.Equal(t, int32(1), calls.Load())
}

func TestHTTPGateway_Decrypt(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req syncRequest
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		ct, err := base64.StdEncoding.DecodeString(req.Ciphertext)
		assert.NoError(t, err)
		// Toy cipher: reverse the bytes.
		for i, j := 0, len(ct)-1; i < j; i, j = i+1, j-1 {
			ct[i], ct[j] = ct[j], ct[i]
		}
		_ = json.NewEncoder(w).Encode(syncResponse{Plaintext: base64.StdEncoding.EncodeToString(ct)})
	}))
	defer srv.Close()

	g, err := NewHTTPGateway(HTTPGatewayConfig{TokenURL: srv.URL, SyncURL: srv.URL})
	require.NoError(t, err)

	got, err := g.Decrypt(context.Background(), "URA", "f", []byte("cba"))
	require.NoError(t, err)
	assert.Equal(t, "abc", string(got))

	g2, err := NewHTTPGateway(HTTPGatewayConfig{TokenURL: srv.URL})
	require.NoError(t, err)
	_, err = g2.Decrypt(context.Background(), "URA", "f", []byte("x"))
	assert.ErrorIs(t, err, ErrSyncUnsupported)
}
