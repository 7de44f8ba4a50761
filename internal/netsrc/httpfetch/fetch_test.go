package httpfetch

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/zsiec/streamcore/internal/capability"
	"github.com/zsiec/streamcore/internal/manifest"
	"github.com/zsiec/streamcore/internal/mediaerr"
)

func TestRequestFetchesSuccessfully(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("segment-bytes"))
	}))
	defer srv.Close()

	f := New(srv.Client())
	op := f.Request(context.Background(), manifest.Video, []string{srv.URL}, nil, capability.RetryParams{MaxAttempts: 1})
	resp, err := op.Wait(context.Background())
	if err != nil {
		t.Fatalf("Wait() error: %v", err)
	}
	if string(resp.Data) != "segment-bytes" {
		t.Fatalf("resp.Data = %q, want %q", resp.Data, "segment-bytes")
	}
}

func TestRequestSendsRangeHeader(t *testing.T) {
	var gotRange string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotRange = r.Header.Get("Range")
		w.Write([]byte("x"))
	}))
	defer srv.Close()

	f := New(srv.Client())
	op := f.Request(context.Background(), manifest.Video, []string{srv.URL}, &capability.ByteRange{Start: 100, End: 199}, capability.RetryParams{MaxAttempts: 1})
	if _, err := op.Wait(context.Background()); err != nil {
		t.Fatalf("Wait() error: %v", err)
	}
	if gotRange != "bytes=100-199" {
		t.Fatalf("Range header = %q, want %q", gotRange, "bytes=100-199")
	}
}

func TestRequestRetriesOnServerError(t *testing.T) {
	var attempts int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&attempts, 1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte("ok"))
	}))
	defer srv.Close()

	f := New(srv.Client())
	op := f.Request(context.Background(), manifest.Video, []string{srv.URL}, nil, capability.RetryParams{MaxAttempts: 5, BaseDelay: 0.001})
	resp, err := op.Wait(context.Background())
	if err != nil {
		t.Fatalf("Wait() error: %v", err)
	}
	if string(resp.Data) != "ok" {
		t.Fatalf("resp.Data = %q, want ok", resp.Data)
	}
	if atomic.LoadInt32(&attempts) != 3 {
		t.Fatalf("attempts = %d, want 3", attempts)
	}
}

func TestRequestSurfacesBadHTTPStatusAfterExhaustingRetries(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	f := New(srv.Client())
	op := f.Request(context.Background(), manifest.Video, []string{srv.URL}, nil, capability.RetryParams{MaxAttempts: 2, BaseDelay: 0.001})
	_, err := op.Wait(context.Background())
	if err == nil {
		t.Fatalf("expected an error")
	}
	typed, ok := mediaerr.AsTyped(err)
	if !ok || typed.Code != mediaerr.BadHTTPStatus {
		t.Fatalf("err = %v, want a BadHTTPStatus mediaerr.Error", err)
	}
}

func TestAbortCancelsInFlightRequest(t *testing.T) {
	block := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-block:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(block)

	f := New(srv.Client())
	op := f.Request(context.Background(), manifest.Video, []string{srv.URL}, nil, capability.RetryParams{MaxAttempts: 1})
	op.Abort()

	_, err := op.Wait(context.Background())
	if !mediaerr.IsAborted(err) {
		t.Fatalf("err = %v, want an aborted error", err)
	}
}

func TestRequestFailsFastWithNoURIs(t *testing.T) {
	f := New(http.DefaultClient)
	op := f.Request(context.Background(), manifest.Video, nil, nil, capability.RetryParams{MaxAttempts: 1})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if _, err := op.Wait(ctx); err == nil {
		t.Fatalf("expected an error for an empty URI list")
	}
}
