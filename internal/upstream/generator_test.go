package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHTTPGenerator_Classifies(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/generate", r.URL.Path)
		var req Request
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))

		switch req.Params["mode"] {
		case "ok":
			w.Header().Set("Content-Type", "image/png")
			_, _ = w.Write([]byte("PNGDATA"))
		case "bad":
			w.WriteHeader(http.StatusUnprocessableEntity)
			_, _ = w.Write([]byte(`{"error":"prompt too long"}`))
		case "busy":
			w.WriteHeader(http.StatusTooManyRequests)
		case "slow":
			time.Sleep(200 * time.Millisecond)
		default:
			w.WriteHeader(http.StatusServiceUnavailable)
		}
	}))
	defer srv.Close()

	gen := NewHTTPGenerator(srv.Client())
	ctx := context.Background()
	call := func(mode string) (*Response, error) {
		return gen.Generate(ctx, srv.URL, Request{ServiceType: "image", Params: map[string]any{"mode": mode}})
	}

	resp, err := call("ok")
	require.NoError(t, err)
	assert.Equal(t, "image/png", resp.ContentType)
	assert.Equal(t, []byte("PNGDATA"), resp.Body)

	_, err = call("bad")
	assert.ErrorIs(t, err, ErrClient)
	var uerr *Error
	require.True(t, errors.As(err, &uerr))
	assert.Equal(t, http.StatusUnprocessableEntity, uerr.StatusCode)
	assert.Contains(t, string(uerr.Body), "prompt too long")

	_, err = call("busy")
	assert.ErrorIs(t, err, ErrTransient)

	_, err = call("down")
	assert.ErrorIs(t, err, ErrTransient)

	tctx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	_, err = gen.Generate(tctx, srv.URL, Request{ServiceType: "image", Params: map[string]any{"mode": "slow"}})
	require.True(t, errors.As(err, &uerr))
	assert.True(t, uerr.Timeout)
	assert.ErrorIs(t, err, ErrTransient)
}

func TestHTTPGenerator_TransportError(t *testing.T) {
	gen := NewHTTPGenerator(nil)
	_, err := gen.Generate(context.Background(), "http://127.0.0.1:1", Request{ServiceType: "text"})
	assert.ErrorIs(t, err, ErrTransient)
}

func TestHTTPGenerator_OversizedBodyIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "image/png")
		_, _ = w.Write(bytes.Repeat([]byte("x"), 17))
	}))
	defer srv.Close()

	gen := NewHTTPGenerator(srv.Client())
	gen.maxBody = 16

	resp, err := gen.Generate(context.Background(), srv.URL, Request{ServiceType: "image"})
	require.Error(t, err)
	assert.Nil(t, resp)
	assert.ErrorIs(t, err, ErrTransient)
	assert.Contains(t, err.Error(), "exceeds 16 bytes")

	gen.maxBody = 17
	resp, err = gen.Generate(context.Background(), srv.URL, Request{ServiceType: "image"})
	require.NoError(t, err)
	assert.Len(t, resp.Body, 17)
}

func TestDispatch_UnencodableRequestDoesNotBlameWorker(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
	}))
	defer srv.Close()

	p := NewPool(NewHTTPGenerator(srv.Client()), Config{MaxAttempts: 2, RetryDelay: time.Millisecond})
	w, _, err := p.Register(srv.URL, "text")
	require.NoError(t, err)

	_, err = p.Dispatch(context.Background(), Request{ServiceType: "text", Params: map[string]any{"cb": func() {}}})
	assert.ErrorIs(t, err, ErrClient)
	assert.Equal(t, int64(0), w.ErrorCount())
	assert.Equal(t, int32(0), hits.Load())
}
