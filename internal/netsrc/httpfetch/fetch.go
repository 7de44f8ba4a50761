// Package httpfetch implements the default Networking capability: an
// abortable, retried HTTP segment fetch with byte-range support, over
// HTTP/3 by default or over any caller-supplied *http.Client.
package httpfetch

import (
	"context"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"sync"
	"time"

	"github.com/quic-go/quic-go/http3"

	"github.com/zsiec/streamcore/internal/capability"
	"github.com/zsiec/streamcore/internal/manifest"
	"github.com/zsiec/streamcore/internal/mediaerr"
)

// Fetcher is the default capability.Networking implementation.
type Fetcher struct {
	client *http.Client
}

// New builds a Fetcher. A nil client defaults to an http3.Transport-backed
// client, which speaks HTTP/3 only: it does not fall back to HTTP/1.1 or
// HTTP/2 against origins that don't speak QUIC. A non-nil client is used
// with its own transport as is.
func New(client *http.Client) *Fetcher {
	if client == nil {
		client = &http.Client{Transport: &http3.Transport{}}
	}
	return &Fetcher{client: client}
}

type fetchOp struct {
	cancel context.CancelFunc
	once   sync.Once
	done   chan fetchResult
}

type fetchResult struct {
	resp *capability.Response
	err  error
}

func (f *fetchOp) Wait(ctx context.Context) (*capability.Response, error) {
	select {
	case r := <-f.done:
		return r.resp, r.err
	case <-ctx.Done():
		f.Abort()
		return nil, mediaerr.ErrAborted
	}
}

func (f *fetchOp) Abort() {
	f.once.Do(f.cancel)
}

// Request issues an abortable fetch, trying each URI in turn on every
// attempt and backing off with fuzzed exponential delay between rounds. The
// returned op's Wait surfaces a typed mediaerr.Error on every failure path.
func (fe *Fetcher) Request(ctx context.Context, contentType manifest.ContentType, uris []string, byteRange *capability.ByteRange, retry capability.RetryParams) capability.AbortableOp {
	reqCtx, cancel := context.WithCancel(ctx)
	op := &fetchOp{cancel: cancel, done: make(chan fetchResult, 1)}

	go func() {
		resp, err := fe.fetchWithRetry(reqCtx, uris, byteRange, retry)
		op.done <- fetchResult{resp: resp, err: err}
	}()

	return op
}

func (fe *Fetcher) fetchWithRetry(ctx context.Context, uris []string, byteRange *capability.ByteRange, retry capability.RetryParams) (*capability.Response, error) {
	if len(uris) == 0 {
		return nil, mediaerr.New(mediaerr.Recoverable, mediaerr.Network, mediaerr.HTTPError)
	}

	maxAttempts := retry.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 1
	}

	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, mediaerr.ErrAborted
			case <-time.After(backoff(retry.BaseDelay, attempt, retry.FuzzFactor)):
			}
		}

		for _, uri := range uris {
			resp, err := fe.fetchOnce(ctx, uri, byteRange)
			if err == nil {
				return resp, nil
			}
			if mediaerr.IsAborted(err) {
				return nil, err
			}
			lastErr = err
		}
	}
	return nil, lastErr
}

// backoff computes attempt's delay: base * 2^(attempt-1), fuzzed by
// +/-fuzz fraction, matching HLS.js/Shaka-style retry jitter so concurrent
// clients don't retry a struggling origin in lockstep.
func backoff(base float64, attempt int, fuzz float64) time.Duration {
	d := base * float64(uint64(1)<<uint(attempt-1))
	if fuzz > 0 {
		d *= 1 + fuzz*(rand.Float64()*2-1)
	}
	if d < 0 {
		d = 0
	}
	return time.Duration(d * float64(time.Second))
}

func (fe *Fetcher) fetchOnce(ctx context.Context, uri string, byteRange *capability.ByteRange) (*capability.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, uri, nil)
	if err != nil {
		return nil, mediaerr.Wrap(mediaerr.Recoverable, mediaerr.Network, mediaerr.HTTPError, err)
	}
	if byteRange != nil {
		req.Header.Set("Range", rangeHeader(byteRange))
	}

	resp, err := fe.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, mediaerr.ErrAborted
		}
		return nil, mediaerr.Wrap(mediaerr.Recoverable, mediaerr.Network, mediaerr.Timeout, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return nil, mediaerr.New(mediaerr.Recoverable, mediaerr.Network, mediaerr.BadHTTPStatus, resp.StatusCode)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, mediaerr.Wrap(mediaerr.Recoverable, mediaerr.Network, mediaerr.HTTPError, err)
	}

	headers := make(map[string]string, len(resp.Header))
	for k := range resp.Header {
		headers[k] = resp.Header.Get(k)
	}
	return &capability.Response{Data: data, URI: uri, Headers: headers}, nil
}

func rangeHeader(br *capability.ByteRange) string {
	if br.End < 0 {
		return fmt.Sprintf("bytes=%d-", br.Start)
	}
	return fmt.Sprintf("bytes=%d-%d", br.Start, br.End)
}
