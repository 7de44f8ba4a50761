// Package trackstate drives a single content type's segment through the
// Idle -> Fetching -> Processing -> Appending -> Waiting pipeline: picking
// the next segment reference, fetching it, decrypting/transmuxing as
// needed, and submitting the append to the owning MediaSourceEngine track,
// one step at a time, one outstanding operation at a time.
package trackstate

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/zsiec/streamcore/internal/capability"
	"github.com/zsiec/streamcore/internal/config"
	"github.com/zsiec/streamcore/internal/manifest"
	"github.com/zsiec/streamcore/internal/mediaerr"
	"github.com/zsiec/streamcore/internal/mse"
)

// State is a TrackState's pipeline position.
type State int

const (
	Idle State = iota
	Fetching
	Processing
	Appending
	Waiting
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Fetching:
		return "fetching"
	case Processing:
		return "processing"
	case Appending:
		return "appending"
	case Waiting:
		return "waiting"
	default:
		return "unknown"
	}
}

// Decryptor decrypts a fetched segment's ciphertext, scoped to one Stream's
// AesKey, matching internal/aescrypt.Decryptor's method set.
type Decryptor interface {
	Decrypt(ctx context.Context, ciphertext []byte, mediaSequenceNumber uint64, iv []byte) ([]byte, error)
}

// PlayheadFunc reports the owner's current playback position, in
// presentation seconds.
type PlayheadFunc func() float64

// BandwidthFunc reports the current bandwidth estimate in bytes/second, or
// 0 if unknown.
type BandwidthFunc func() float64

// DisableStreamFunc asks the owner to disable a failing stream for the
// given duration and pick a replacement; it returns true if an alternative
// was force-switched in.
type DisableStreamFunc func(stream manifest.Stream, until time.Time) bool

// Deps bundles a TrackState's collaborators, one set shared across every
// track a StreamingEngine drives.
type Deps struct {
	Log          *slog.Logger
	Config       func() config.Config
	Engine       *mse.Engine
	Networking   capability.Networking
	Timeline     manifest.PresentationTimeline
	Playhead     PlayheadFunc
	Bandwidth    BandwidthFunc
	DisableFn    DisableStreamFunc
	Observer     capability.FailureObserver
	MinBufferEnd func() float64 // reports the slowest other track's bufferEnd, for the lead-cap
}

// TrackState drives ct's pipeline. Exported methods are safe to call from
// any goroutine; internal stepping runs on the goroutine that calls Tick,
// one per track in the owning StreamingEngine.
type TrackState struct {
	deps Deps
	ct   manifest.ContentType

	mu sync.Mutex

	state   State
	stream  manifest.Stream
	decrypt Decryptor

	waitingToClearBuffer bool
	safeMargin           float64
	endOfStream          bool
	disabled             bool
	disabledUntil        time.Time

	pendingFetch    capability.AbortableOp
	pendingRef      *manifest.SegmentReference
	quotaFailures   int
	sameRefFailures int
	lastFailedRef   string
	bufferingGoal   float64 // mutable copy, halved on repeated quota pressure
}

// New creates a TrackState for ct, idle until SetStream installs a stream.
func New(deps Deps, ct manifest.ContentType) *TrackState {
	if deps.Log == nil {
		deps.Log = slog.Default()
	}
	return &TrackState{
		deps:  deps,
		ct:    ct,
		state: Idle,
	}
}

// State returns the track's current pipeline position.
func (ts *TrackState) State() State {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	return ts.state
}

// SetStream installs stream (and its decryptor, if any) as the active
// stream for this track, replacing whatever was active. The caller is
// responsible for any buffer clear this implies; SetStream itself only
// updates the pointer so the next pick-next reads from it.
func (ts *TrackState) SetStream(stream manifest.Stream, decrypt Decryptor) {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	ts.stream = stream
	ts.decrypt = decrypt
}

// Stream returns the currently active stream, or nil.
func (ts *TrackState) Stream() manifest.Stream {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	return ts.stream
}

// RequestClearBuffer marks the track to submit a Clear op on its next
// pick-next instead of fetching, per seeked()'s waitingToClearBuffer rule.
func (ts *TrackState) RequestClearBuffer(safeMargin float64) {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	ts.waitingToClearBuffer = true
	ts.safeMargin = safeMargin
}

// EndOfStream reports whether this track's segment index has been
// exhausted at the current anchor time.
func (ts *TrackState) EndOfStream() bool {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	return ts.endOfStream
}

// Disabled reports whether the track's stream is currently disabled, and
// until when.
func (ts *TrackState) Disabled() (bool, time.Time) {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	return ts.disabled, ts.disabledUntil
}

// abortNetBeneficial implements the abort-on-switch cost heuristic: abort
// the in-flight fetch (for oldRef) in favor of fetching newRef only when
// doing so is estimated to finish sooner.
func abortNetBeneficial(oldBytesRemaining, newCost, bandwidth float64, sizesKnown bool, largeThreshold float64) bool {
	if !sizesKnown {
		if newCost <= 0 {
			return true
		}
		return newCost < largeThreshold
	}
	if bandwidth <= 0 {
		return true
	}
	return newCost/bandwidth < oldBytesRemaining/bandwidth
}

// Switch replaces the active stream mid-flight, aborting the in-flight
// fetch when abortNetBeneficial says so. newCost and oldBytesRemaining are
// byte-count estimates; 0 means unknown.
func (ts *TrackState) Switch(ctx context.Context, stream manifest.Stream, decrypt Decryptor, newCost, oldBytesRemaining float64, sizesKnown bool, largeThreshold float64) {
	ts.mu.Lock()
	defer ts.mu.Unlock()

	ts.stream = stream
	ts.decrypt = decrypt

	if ts.pendingFetch == nil {
		return
	}
	bandwidth := 0.0
	if ts.deps.Bandwidth != nil {
		bandwidth = ts.deps.Bandwidth()
	}
	if abortNetBeneficial(oldBytesRemaining, newCost, bandwidth, sizesKnown, largeThreshold) {
		ts.pendingFetch.Abort()
		ts.pendingFetch = nil
		ts.pendingRef = nil
		ts.state = Idle
	}
}

// anchorTime computes the pick-next anchor: the later of bufferEnd and the
// playhead, falling back to the playhead while rebuffering.
func anchorTime(bufferEnd, playhead, maxSegmentDuration float64) float64 {
	if bufferEnd < playhead-maxSegmentDuration {
		return playhead
	}
	if bufferEnd > playhead {
		return bufferEnd
	}
	return playhead
}

// Tick runs one pick-next/fetch/process/append step if the track is Idle
// and not waiting; callers (the StreamingEngine scheduling loop) call this
// repeatedly. It returns immediately if there's nothing to do, or if a
// previous op is still outstanding.
func (ts *TrackState) Tick(ctx context.Context) error {
	ts.mu.Lock()
	if ts.waitingToClearBuffer {
		ts.state = Waiting
		ts.mu.Unlock()
		return ts.runClear(ctx)
	}
	if ts.state != Idle {
		ts.mu.Unlock()
		return nil
	}
	stream := ts.stream
	disabled := ts.disabled
	disabledUntil := ts.disabledUntil
	ts.mu.Unlock()

	if stream == nil || (disabled && time.Now().Before(disabledUntil)) {
		return nil
	}

	err := ts.pickNextAndFetch(ctx, stream)
	if err != nil && ts.deps.Observer != nil {
		if typed, ok := mediaerr.AsTyped(err); ok {
			ts.deps.Observer(typed)
		}
	}
	return err
}

func (ts *TrackState) runClear(ctx context.Context) error {
	op, err := ts.deps.Engine.Clear(ts.ct)
	if err != nil {
		return err
	}
	if err := op.Wait(); err != nil {
		return err
	}
	ts.mu.Lock()
	ts.waitingToClearBuffer = false
	ts.state = Idle
	ts.mu.Unlock()
	return nil
}

func (ts *TrackState) pickNextAndFetch(ctx context.Context, stream manifest.Stream) error {
	idx := stream.SegmentIndex()
	if idx == nil {
		return nil
	}

	playhead := 0.0
	if ts.deps.Playhead != nil {
		playhead = ts.deps.Playhead()
	}
	bufferEnd := ts.deps.Engine.BufferEnd(ts.ct)
	maxSegDur := 0.0
	// The timeline's max segment duration is not read here; anchorTime
	// returns the later of bufferEnd and playhead for any non-negative value.
	anchor := anchorTime(bufferEnd, playhead, maxSegDur)

	if ts.deps.Timeline != nil && ts.deps.Timeline.IsLive() {
		start := ts.deps.Timeline.GetSegmentAvailabilityStart()
		end := ts.deps.Timeline.GetSegmentAvailabilityEnd()
		if anchor < start || anchor > end {
			return mediaerr.New(mediaerr.Recoverable, mediaerr.Manifest, mediaerr.SegmentMissing)
		}
	}

	if ts.deps.MinBufferEnd != nil {
		cfg := ts.currentConfig()
		goal := cfg.BufferingGoal
		ts.mu.Lock()
		if ts.bufferingGoal > 0 {
			goal = ts.bufferingGoal
		}
		ts.mu.Unlock()
		lead := bufferEnd - ts.deps.MinBufferEnd()
		if lead >= goal {
			return nil // parked: ahead of the slowest track
		}
	}

	ref, err := idx.Get(anchor)
	if err != nil {
		return err
	}
	if ref == nil {
		duration := 0.0
		if ts.deps.Timeline != nil {
			duration = ts.deps.Timeline.GetDuration()
		}
		if duration > 0 && anchor >= duration-endOfStreamEpsilon {
			ts.mu.Lock()
			ts.endOfStream = true
			ts.mu.Unlock()
		}
		return nil
	}

	ts.mu.Lock()
	ts.state = Fetching
	ts.mu.Unlock()

	return ts.fetchProcessAppend(ctx, stream, ref)
}

const endOfStreamEpsilon = 0.05

func (ts *TrackState) currentConfig() config.Config {
	if ts.deps.Config != nil {
		return ts.deps.Config()
	}
	return config.Config{}
}

func (ts *TrackState) fetchProcessAppend(ctx context.Context, stream manifest.Stream, ref *manifest.SegmentReference) error {
	cfg := ts.currentConfig()

	op := ts.deps.Networking.Request(ctx, ts.ct, ref.URIs(), nil, capability.RetryParams{
		MaxAttempts: cfg.RetryParameters.MaxAttempts,
		BaseDelay:   cfg.RetryParameters.BaseDelay,
		FuzzFactor:  cfg.RetryParameters.FuzzFactor,
	})

	ts.mu.Lock()
	ts.pendingFetch = op
	ts.pendingRef = ref
	ts.mu.Unlock()

	resp, err := op.Wait(ctx)

	ts.mu.Lock()
	ts.pendingFetch = nil
	ts.pendingRef = nil
	ts.mu.Unlock()

	if err != nil {
		if mediaerr.IsAborted(err) {
			ts.setState(Idle)
			return nil
		}
		return ts.handleFetchFailure(ref, err)
	}

	ts.setState(Processing)

	payload := resp.Data
	if ts.decrypt != nil && stream.AesKey() != nil {
		payload, err = ts.decrypt.Decrypt(ctx, payload, ref.MediaSequenceNumber, nil)
		if err != nil {
			return mediaerr.Wrap(mediaerr.Critical, mediaerr.Media, mediaerr.MediaSourceOperationFailed, err)
		}
	}

	if err := ts.evictIfNeeded(ref); err != nil {
		ts.deps.Log.Warn("eviction failed", "error", err, "contentType", ts.ct.String())
	}

	ts.setState(Appending)

	appendOp, err := ts.deps.Engine.AppendBuffer(ctx, ts.ct, payload, stream.MimeType(), ref, ref.InitSegmentReference, false)
	if err != nil {
		return err
	}
	err = appendOp.Wait()
	if err != nil {
		return ts.handleAppendFailure(ref, err)
	}

	ts.mu.Lock()
	ts.quotaFailures = 0
	ts.sameRefFailures = 0
	ts.lastFailedRef = ""
	ts.state = Idle
	ts.mu.Unlock()
	return nil
}

func (ts *TrackState) setState(s State) {
	ts.mu.Lock()
	ts.state = s
	ts.mu.Unlock()
}

// evictIfNeeded submits a Remove covering buffered data that has fallen
// more than bufferBehind seconds behind the playhead, never past the
// playhead itself.
func (ts *TrackState) evictIfNeeded(nextRef *manifest.SegmentReference) error {
	cfg := ts.currentConfig()
	playhead := 0.0
	if ts.deps.Playhead != nil {
		playhead = ts.deps.Playhead()
	}
	bufferStart, ok := ts.deps.Engine.BufferStart(ts.ct)
	if !ok {
		return nil
	}
	if playhead-cfg.BufferBehind <= bufferStart {
		return nil
	}
	evictEnd := playhead - cfg.BufferBehind
	if evictEnd > nextRef.StartTime {
		evictEnd = nextRef.StartTime
	}
	if evictEnd <= bufferStart {
		return nil
	}
	op, err := ts.deps.Engine.Remove(ts.ct, bufferStart, evictEnd)
	if err != nil {
		return err
	}
	return op.Wait()
}

// handleFetchFailure classifies a networking error and, for stream-disable
// eligible categories, asks the owner to disable the stream.
func (ts *TrackState) handleFetchFailure(ref *manifest.SegmentReference, err error) error {
	ts.setState(Idle)

	typed, ok := mediaerr.AsTyped(err)
	if !ok {
		return err
	}

	if typed.Code == mediaerr.Timeout {
		return typed // never recovered via disable
	}

	cfg := ts.currentConfig()
	if typed.Code == mediaerr.SegmentMissing || cfg.MaxDisabledTime > 0 {
		until := time.Now().Add(time.Duration(cfg.MaxDisabledTime * float64(time.Second)))
		handled := false
		if ts.deps.DisableFn != nil {
			stream := ts.Stream()
			if stream != nil {
				handled = ts.deps.DisableFn(stream, until)
			}
			ts.mu.Lock()
			ts.disabled = true
			ts.disabledUntil = until
			ts.mu.Unlock()
		}
		typed.Handled = handled
		if handled {
			typed.Severity = mediaerr.Recoverable
		} else {
			typed.Severity = mediaerr.Critical
		}
	}
	return typed
}

// handleAppendFailure implements the QuotaExceeded recovery tiers: force
// eviction and retry once, halve bufferingGoal on a second consecutive
// failure, and surface+halt after maxConsecutiveQuotaFailures on the same
// reference.
const maxConsecutiveQuotaFailures = 3

func (ts *TrackState) handleAppendFailure(ref *manifest.SegmentReference, err error) error {
	ts.setState(Idle)

	if !mediaerr.IsQuotaExceeded(err) {
		return err
	}

	ts.mu.Lock()
	if ts.lastFailedRef == ref.Identity() {
		ts.sameRefFailures++
	} else {
		ts.lastFailedRef = ref.Identity()
		ts.sameRefFailures = 1
	}
	ts.quotaFailures++
	failures := ts.sameRefFailures
	ts.mu.Unlock()

	if failures >= maxConsecutiveQuotaFailures {
		return mediaerr.Wrap(mediaerr.Critical, mediaerr.Media, mediaerr.QuotaExceeded, err, ref)
	}

	cfg := ts.currentConfig()
	playhead := 0.0
	if ts.deps.Playhead != nil {
		playhead = ts.deps.Playhead()
	}
	bufferStart, ok := ts.deps.Engine.BufferStart(ts.ct)
	if ok {
		evictEnd := playhead - cfg.EvictionGoal
		if evictEnd > bufferStart {
			if op, rmErr := ts.deps.Engine.Remove(ts.ct, bufferStart, evictEnd); rmErr == nil {
				_ = op.Wait()
			}
		}
	}

	if failures >= 2 {
		ts.mu.Lock()
		if ts.bufferingGoal == 0 {
			ts.bufferingGoal = cfg.BufferingGoal
		}
		ts.bufferingGoal /= 2
		ts.mu.Unlock()
	}

	return nil // absorbed: the next Tick retries this reference
}
