// Package streaming implements the StreamingEngine: the top-level
// orchestrator that owns one TrackState per active content type, applies
// variant/text switches, drives seeks, and runs the cooperative scheduling
// loop that keeps every track's pipeline moving.
package streaming

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/zsiec/streamcore/internal/capability"
	"github.com/zsiec/streamcore/internal/config"
	"github.com/zsiec/streamcore/internal/manifest"
	"github.com/zsiec/streamcore/internal/mediaerr"
	"github.com/zsiec/streamcore/internal/mse"
	"github.com/zsiec/streamcore/internal/trackstate"
)

// defaultTickInterval is how often an idle track's loop re-evaluates
// pick-next; actual pacing is bounded by per-track FIFO ordering and buffer
// state, not by this delay.
const defaultTickInterval = 100 * time.Millisecond

const inf = 1e18

// DecryptorFactory builds the Decryptor to use for a newly active stream, or
// returns nil if the stream isn't encrypted.
type DecryptorFactory func(stream manifest.Stream) trackstate.Decryptor

// Deps bundles a StreamingEngine's collaborators.
type Deps struct {
	Log          *slog.Logger
	Config       func() config.Config
	Engine       *mse.Engine
	Networking   capability.Networking
	Timeline     manifest.PresentationTimeline
	Playhead     trackstate.PlayheadFunc
	Bandwidth    trackstate.BandwidthFunc
	Observer     capability.FailureObserver
	NewDecryptor DecryptorFactory
	TickInterval time.Duration

	// TrickVideoStream returns the active variant's trick-mode video
	// stream, or nil if it has none; SetTrickPlay consults it before
	// switching.
	TrickVideoStream func(variant *manifest.Variant) manifest.Stream
}

// StreamingEngine is the provided surface an owner drives: start, destroy,
// switchVariant, switchTextStream, unloadTextStream, seeked, setTrickPlay,
// retry, plus read accessors for current streams and text visibility.
type StreamingEngine struct {
	deps Deps

	mu         sync.Mutex
	variant    *manifest.Variant
	textStream manifest.Stream
	trickPlay  bool

	tracks map[manifest.ContentType]*trackstate.TrackState

	ctx       context.Context
	cancel    context.CancelFunc
	g         *errgroup.Group
	started   bool
	destroyed bool

	lastRetryable error
}

// New constructs a StreamingEngine with one TrackState per content type
// (audio, video, text, trickvideo), wired so each track's lead-cap reads the
// slowest other active track's buffer end.
func New(deps Deps) *StreamingEngine {
	if deps.Log == nil {
		deps.Log = slog.Default()
	}
	if deps.TickInterval <= 0 {
		deps.TickInterval = defaultTickInterval
	}

	e := &StreamingEngine{
		deps:   deps,
		tracks: make(map[manifest.ContentType]*trackstate.TrackState),
	}

	for _, ct := range []manifest.ContentType{manifest.Audio, manifest.Video, manifest.Text, manifest.TrickVideo} {
		ct := ct
		tsDeps := trackstate.Deps{
			Log:        deps.Log.With("track", ct.String()),
			Config:     deps.Config,
			Engine:     deps.Engine,
			Networking: deps.Networking,
			Timeline:   deps.Timeline,
			Playhead:   deps.Playhead,
			Bandwidth:  deps.Bandwidth,
			Observer:   deps.Observer,
			MinBufferEnd: func() float64 {
				return e.minBufferEndExcept(ct)
			},
		}
		e.tracks[ct] = trackstate.New(tsDeps, ct)
	}
	return e
}

// minBufferEndExcept returns the smallest bufferEnd among active tracks
// other than except, or +inf if there are none — the lead-cap comparison
// point for the one track being ticked.
func (e *StreamingEngine) minBufferEndExcept(except manifest.ContentType) float64 {
	min := inf
	for ct, ts := range e.tracks {
		if ct == except || ts.Stream() == nil {
			continue
		}
		end := e.deps.Engine.BufferEnd(ct)
		if end < min {
			min = end
		}
	}
	return min
}

// Track returns the TrackState driving ct, for read-only inspection.
func (e *StreamingEngine) Track(ct manifest.ContentType) *trackstate.TrackState {
	return e.tracks[ct]
}

// Start installs variant's streams (and textStream, if given) on their track
// states and begins the scheduling loop: one goroutine per content type
// repeatedly ticking its TrackState, so fetch/append work on independent
// tracks proceeds concurrently without any shared lock beyond each
// TrackState's own. Start does not initialize sinks: tracks append to the
// sinks Deps.Engine already holds from its own Init call.
func (e *StreamingEngine) Start(ctx context.Context, variant *manifest.Variant, textStream manifest.Stream) error {
	e.mu.Lock()
	if e.started {
		e.mu.Unlock()
		return mediaerr.New(mediaerr.Recoverable, mediaerr.Player, mediaerr.MediaSourceOperationFailed)
	}
	e.started = true
	e.variant = variant
	e.textStream = textStream
	e.mu.Unlock()

	if variant != nil {
		if variant.Audio != nil {
			e.tracks[manifest.Audio].SetStream(variant.Audio, e.decryptorFor(variant.Audio))
		}
		if variant.Video != nil {
			e.tracks[manifest.Video].SetStream(variant.Video, e.decryptorFor(variant.Video))
		}
	}
	if textStream != nil {
		e.tracks[manifest.Text].SetStream(textStream, nil)
	}

	runCtx, cancel := context.WithCancel(ctx)
	g, gctx := errgroup.WithContext(runCtx)
	e.ctx = gctx
	e.cancel = cancel
	e.g = g

	for ct, ts := range e.tracks {
		ct, ts := ct, ts
		g.Go(func() error {
			return e.runLoop(gctx, ct, ts)
		})
	}
	return nil
}

func (e *StreamingEngine) decryptorFor(stream manifest.Stream) trackstate.Decryptor {
	if e.deps.NewDecryptor == nil || stream.AesKey() == nil {
		return nil
	}
	return e.deps.NewDecryptor(stream)
}

// runLoop drives one track's Tick repeatedly until ctx is cancelled. A
// Critical error it cannot recover from is recorded and the loop backs off
// to the tick interval rather than spinning.
func (e *StreamingEngine) runLoop(ctx context.Context, ct manifest.ContentType, ts *trackstate.TrackState) error {
	ticker := time.NewTicker(e.deps.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		if err := ts.Tick(ctx); err != nil {
			if typed, ok := mediaerr.AsTyped(err); ok && typed.Severity == mediaerr.Critical {
				e.mu.Lock()
				e.lastRetryable = typed
				e.mu.Unlock()
				if e.deps.Config != nil {
					if cb := e.deps.Config().FailureCallback; cb != nil && !typed.Handled {
						cb(typed)
					}
				}
			}
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// SwitchVariant replaces the active audio/video streams. On identical stream
// identity for a given content type the switch is a no-op for that type
// unless force is set. clearBuffer requests a clear of each switched track;
// that clear drops every buffered range, [playhead, playhead+safeMargin]
// included, since safeMargin is recorded on the track but not applied. The
// superseded stream's segment index is closed right away from a background
// goroutine: Switch has already aborted its in-flight fetch, and an append
// already in progress is not waited for.
func (e *StreamingEngine) SwitchVariant(variant *manifest.Variant, clearBuffer bool, safeMargin float64, force bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.destroyed {
		return mediaerr.New(mediaerr.Recoverable, mediaerr.Player, mediaerr.OperationAborted)
	}

	old := e.variant
	e.variant = variant

	for _, ct := range []manifest.ContentType{manifest.Audio, manifest.Video} {
		newStream := streamFor(variant, ct)
		oldStream := streamFor(old, ct)
		if !force && sameStream(newStream, oldStream) {
			continue
		}

		ts := e.tracks[ct]
		decrypt := trackstate.Decryptor(nil)
		if newStream != nil {
			decrypt = e.decryptorFor(newStream)
		}
		// Sizes aren't known at the switch call site; per the unknown-size
		// default this aborts the in-flight fetch for the superseded stream.
		ts.Switch(e.loopCtx(), newStream, decrypt, 0, 0, false, 0)

		if clearBuffer && newStream != nil {
			ts.RequestClearBuffer(safeMargin)
		}
		if oldStream != nil && !sameStream(newStream, oldStream) {
			go oldStream.CloseSegmentIndex()
		}
	}
	return nil
}

func streamFor(v *manifest.Variant, ct manifest.ContentType) manifest.Stream {
	if v == nil {
		return nil
	}
	switch ct {
	case manifest.Audio:
		return v.Audio
	case manifest.Video:
		return v.Video
	default:
		return nil
	}
}

func sameStream(a, b manifest.Stream) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.ID() == b.ID()
}

func (e *StreamingEngine) loopCtx() context.Context {
	if e.ctx != nil {
		return e.ctx
	}
	return context.Background()
}

// SwitchTextStream replaces the active text stream, reinitializing the text
// sink's mime/codecs when they change. It never resets the caption parser —
// that is the video track's caption extractor in the MediaSourceEngine,
// unaffected by a text stream swap.
func (e *StreamingEngine) SwitchTextStream(stream manifest.Stream) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	ts := e.tracks[manifest.Text]
	old := e.textStream
	e.textStream = stream

	if sameStream(old, stream) {
		return nil
	}

	if stream != nil && (old == nil || old.MimeType() != stream.MimeType() || old.Codecs() != stream.Codecs()) {
		mimeCodecs := stream.MimeType()
		if stream.Codecs() != "" {
			mimeCodecs += ";codecs=\"" + stream.Codecs() + "\""
		}
		if err := e.deps.Engine.SetStreamProperties(manifest.Text, 0, 0, inf, false, mimeCodecs); err != nil {
			return err
		}
	}

	ts.Switch(e.loopCtx(), stream, nil, 0, 0, false, 0)
	return nil
}

// UnloadTextStream sets the current text stream to nil and stops issuing
// further text fetches; any outstanding text op already in flight is left
// to complete on its own.
func (e *StreamingEngine) UnloadTextStream() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.textStream = nil
	e.tracks[manifest.Text].Switch(e.loopCtx(), nil, nil, 0, 0, false, 0)
}

// Seeked compares each active track's buffered range to the new playhead and
// marks waitingToClearBuffer for any track that would not cover
// [playhead, playhead+rebufferingGoal] without a clear.
func (e *StreamingEngine) Seeked() {
	e.mu.Lock()
	defer e.mu.Unlock()

	cfg := config.Config{}
	if e.deps.Config != nil {
		cfg = e.deps.Config()
	}
	playhead := 0.0
	if e.deps.Playhead != nil {
		playhead = e.deps.Playhead()
	}

	for ct, ts := range e.tracks {
		if ts.Stream() == nil {
			continue
		}
		covered := e.deps.Engine.BufferedAheadOf(ct, playhead)
		if covered < cfg.RebufferingGoal {
			ts.RequestClearBuffer(cfg.RebufferingGoal)
		}
	}
}

// SetTrickPlay engages or disengages trick-mode video. Engaging routes video
// fetches to the active variant's trick-mode stream when one exists;
// disengaging clears only the video buffer (never audio/text) and resumes
// fetching the normal video stream.
func (e *StreamingEngine) SetTrickPlay(on bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if on == e.trickPlay {
		return
	}
	e.trickPlay = on

	var trick manifest.Stream
	if e.deps.TrickVideoStream != nil {
		trick = e.deps.TrickVideoStream(e.variant)
	}

	if on {
		if trick == nil {
			e.trickPlay = false
			return
		}
		e.tracks[manifest.Video].Switch(e.loopCtx(), trick, nil, 0, 0, false, 0)
		e.tracks[manifest.Video].RequestClearBuffer(0)
		e.tracks[manifest.TrickVideo].Switch(e.loopCtx(), trick, nil, 0, 0, false, 0)
		return
	}

	normal := streamFor(e.variant, manifest.Video)
	e.tracks[manifest.Video].Switch(e.loopCtx(), normal, e.decryptorFor(normal), 0, 0, false, 0)
	e.tracks[manifest.Video].RequestClearBuffer(0)
	e.tracks[manifest.TrickVideo].Switch(e.loopCtx(), nil, nil, 0, 0, false, 0)
	e.tracks[manifest.TrickVideo].RequestClearBuffer(0)
}

// Retry resumes after a fatal non-quota error recorded by the scheduling
// loop's failure callback path. It returns true if a retryable failure was
// pending and has been cleared, so the next Tick attempts the same
// reference again; delay is left to the caller to honor before invoking
// Retry, since the scheduling loop's own tick cadence already paces
// attempts once the failure is cleared.
func (e *StreamingEngine) Retry(delay time.Duration) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.lastRetryable == nil {
		return false
	}
	e.lastRetryable = nil
	return true
}

// CurrentVariant returns the active variant, or nil.
func (e *StreamingEngine) CurrentVariant() *manifest.Variant {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.variant
}

// CurrentTextStream returns the active text stream, or nil.
func (e *StreamingEngine) CurrentTextStream() manifest.Stream {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.textStream
}

// IsTextVisible reports whether text is currently visible, per the owner's
// TextSink.
func (e *StreamingEngine) IsTextVisible(sink capability.TextSink) bool {
	if sink == nil {
		return false
	}
	return sink.IsTextVisible()
}

// EndOfStream reports whether every active track has reached end-of-stream.
func (e *StreamingEngine) EndOfStream() bool {
	for _, ts := range e.tracks {
		if ts.Stream() == nil {
			continue
		}
		if !ts.EndOfStream() {
			return false
		}
	}
	return true
}

// Destroy aborts all in-flight work and drains every track's queue. The
// scheduling loop's goroutines observe context cancellation and return; Wait
// blocks until they have.
func (e *StreamingEngine) Destroy() {
	e.mu.Lock()
	if e.destroyed {
		e.mu.Unlock()
		return
	}
	e.destroyed = true
	cancel := e.cancel
	g := e.g
	e.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if g != nil {
		_ = g.Wait()
	}
	if e.deps.Engine != nil {
		e.deps.Engine.Destroy()
	}
}
