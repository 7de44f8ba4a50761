// Package mse implements MediaSourceEngine: per-track serialized
// append-buffer operations layered over a pluggable Sink, mirroring the
// ancillary-box parsing, caption extraction, and transmux hand-off a
// browser's MediaSource/SourceBuffer pair would otherwise do natively.
package mse

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/zsiec/streamcore/internal/boxparser"
	"github.com/zsiec/streamcore/internal/capability"
	"github.com/zsiec/streamcore/internal/captions"
	"github.com/zsiec/streamcore/internal/manifest"
	"github.com/zsiec/streamcore/internal/mediaerr"
	"github.com/zsiec/streamcore/internal/opqueue"
)

// Sink is the append-buffer collaborator MediaSourceEngine drives, one per
// content type. The default implementation is internal/mse/membuf.Sink.
type Sink interface {
	ChangeType(mimeCodecs string) error
	SetTimestampOffset(offset float64)
	SetAppendWindow(start, end float64)
	SetDuration(d float64)
	AppendBuffer(ctx context.Context, start, end float64) error
	Remove(start, end float64) error
	Clear()
	BufferStart() (float64, bool)
	BufferEnd() float64
	BufferedAheadOf(t float64) float64
}

// track holds the per-content-type state MediaSourceEngine serializes
// access to through its own Queue.
type track struct {
	contentType manifest.ContentType
	sink        Sink
	queue       *opqueue.Queue

	mu              sync.Mutex
	mimeCodecs      string
	sequenceMode    bool
	timestampOffset float64
	appendWindow    [2]float64
	lastInitID      string
	boxParser       *boxparser.BoxParser
	captionExt      *captions.Extractor
	videoCodec      string // "h264" or "h265", for caption NAL parsing
}

// Engine is MediaSourceEngine: the per-track append-buffer orchestrator.
type Engine struct {
	log *slog.Logger

	transmuxer   capability.Transmuxer
	textSink     capability.TextSink
	metadataSink capability.MetadataSink
	eventBus     capability.EventBus

	mu       sync.RWMutex
	tracks   map[manifest.ContentType]*track
	duration float64
}

// New creates an empty Engine. Any of transmuxer/textSink/metadataSink/
// eventBus may be nil, in which case the corresponding behavior (transmux,
// caption forwarding, metadata forwarding, event dispatch) is skipped.
func New(log *slog.Logger, transmuxer capability.Transmuxer, textSink capability.TextSink, metadataSink capability.MetadataSink, eventBus capability.EventBus) *Engine {
	if log == nil {
		log = slog.Default()
	}
	return &Engine{
		log:          log.With("component", "mse"),
		transmuxer:   transmuxer,
		textSink:     textSink,
		metadataSink: metadataSink,
		eventBus:     eventBus,
		tracks:       make(map[manifest.ContentType]*track),
	}
}

// TrackSpec describes one content type's initial sink wiring for Init.
type TrackSpec struct {
	ContentType      manifest.ContentType
	Sink             Sink
	MimeCodecs       string
	SequenceMode     bool
	EmsgSchemeIDURIs []string
	ParsePrftBox     bool
	VideoCodec       string // "h264" or "h265"; only meaningful for manifest.Video
}

// Init creates per-type tracking for every spec in specs, before any other
// Engine operation on that content type. Calling it again for a content
// type already registered replaces that track's state.
func (e *Engine) Init(specs []TrackSpec) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	for _, spec := range specs {
		if spec.Sink == nil {
			return fmt.Errorf("mse: Init: nil sink for content type %s", spec.ContentType)
		}
		t := &track{
			contentType:  spec.ContentType,
			sink:         spec.Sink,
			queue:        opqueue.New(e.log),
			mimeCodecs:   spec.MimeCodecs,
			sequenceMode: spec.SequenceMode,
			appendWindow: [2]float64{0, 1e18},
			boxParser:    boxparser.New(spec.EmsgSchemeIDURIs, spec.ParsePrftBox),
			videoCodec:   spec.VideoCodec,
		}
		if spec.ContentType == manifest.Video && spec.VideoCodec != "" {
			t.captionExt = captions.New(spec.VideoCodec)
		}
		e.tracks[spec.ContentType] = t
	}
	return nil
}

func (e *Engine) track(ct manifest.ContentType) (*track, error) {
	e.mu.RLock()
	t, ok := e.tracks[ct]
	e.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("mse: content type %s not initialized", ct)
	}
	return t, nil
}

// SetDuration clamps the presentation duration on every sink.
func (e *Engine) SetDuration(d float64) {
	e.mu.Lock()
	e.duration = d
	tracks := make([]*track, 0, len(e.tracks))
	for _, t := range e.tracks {
		tracks = append(tracks, t)
	}
	e.mu.Unlock()

	for _, t := range tracks {
		t.sink.SetDuration(d)
	}
}

// epsilon widens a track's append window slightly to avoid dropping a
// sample whose timestamp falls just outside [start, end) due to codec-level
// rounding.
const epsilon = 0.1

// SetStreamProperties updates a track's window/offset/mime-codecs. If
// mimeCodecs is non-empty and differs from the track's current value,
// Sink.ChangeType is called right away, before SetStreamProperties returns.
func (e *Engine) SetStreamProperties(ct manifest.ContentType, timestampOffset, appendWindowStart, appendWindowEnd float64, sequenceMode bool, mimeCodecs string) error {
	t, err := e.track(ct)
	if err != nil {
		return err
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	t.timestampOffset = timestampOffset
	t.appendWindow = [2]float64{appendWindowStart - epsilon, appendWindowEnd + epsilon}
	t.sequenceMode = sequenceMode

	t.sink.SetTimestampOffset(timestampOffset)
	t.sink.SetAppendWindow(t.appendWindow[0], t.appendWindow[1])

	if mimeCodecs != "" && mimeCodecs != t.mimeCodecs {
		if err := t.sink.ChangeType(mimeCodecs); err != nil {
			return fmt.Errorf("mse: ChangeType: %w", err)
		}
		t.mimeCodecs = mimeCodecs
	}
	return nil
}

// AppendBuffer submits an append op to ct's queue and returns it; the caller
// awaits op.Wait to observe completion or failure. ref nil means bytes are
// an init segment identified by initRef; the op dedupes against the
// track's lastInitID. sourceMimeType is the segment's own container mime
// type (e.g. "video/mp2t"), used only to decide whether a transmux is
// needed before appending to a sink that declared mimeCodecs. seeked resets
// the caption parser before appending.
func (e *Engine) AppendBuffer(ctx context.Context, ct manifest.ContentType, data []byte, sourceMimeType string, ref *manifest.SegmentReference, initRef *manifest.InitSegmentReference, seeked bool) (*opqueue.Op, error) {
	t, err := e.track(ct)
	if err != nil {
		return nil, err
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("mse: AppendBuffer: empty bytes")
	}

	kind := opqueue.AppendMedia
	if ref == nil {
		kind = opqueue.AppendInit
	}
	return t.queue.Submit(kind, func(ctx context.Context) error {
		return e.doAppend(ctx, t, data, sourceMimeType, ref, initRef, seeked)
	}), nil
}

func (e *Engine) doAppend(ctx context.Context, t *track, data []byte, sourceMimeType string, ref *manifest.SegmentReference, initRef *manifest.InitSegmentReference, seeked bool) error {
	if ref == nil {
		id := ""
		if initRef != nil {
			id = initRef.Identity()
		}
		t.mu.Lock()
		dup := id != "" && id == t.lastInitID
		if !dup {
			t.lastInitID = id
		}
		t.mu.Unlock()
		if dup {
			return nil
		}
	}

	if seeked && t.captionExt != nil {
		t.captionExt.Reset()
	}

	payload := data
	var cues []capability.Cue
	var metadata []capability.MetadataFrame

	// hasClosedCaptions is honored via the transmuxer path: a source that
	// still needs demuxing (e.g. MPEG-TS) has its captions extracted there,
	// alongside the access units that carry them. A source already in the
	// sink's native container arrives caption-free into this engine; no
	// component here re-opens an fMP4 payload to scan sample NAL units.
	if e.transmuxer != nil && e.transmuxer.NeedsTransmux(sourceMimeType, []string{t.mimeCodecs}) {
		duration := 0.0
		if ref != nil {
			duration = ref.EndTime - ref.StartTime
		}
		result, err := e.transmuxer.Transmux(ctx, data, ref, duration, t.contentType)
		if err != nil {
			return fmt.Errorf("mse: transmux: %w", err)
		}
		payload = result.Data
		cues = append(cues, result.Captions...)
		metadata = append(metadata, result.Metadata...)
	}

	boxRef := &boxparser.Reference{}
	if ref != nil {
		boxRef.StartTime = ref.StartTime
		boxRef.TimestampOffset = ref.TimestampOffset
	}
	if err := t.boxParser.Parse(payload, boxRef, e.boxCallbacks(t)); err != nil {
		e.log.Warn("ancillary box parse failed", "error", err.Error(), "contentType", t.contentType.String())
	}

	if len(cues) > 0 && e.textSink != nil {
		e.textSink.Append(cues)
	}
	if len(metadata) > 0 && e.metadataSink != nil {
		for _, m := range metadata {
			e.metadataSink.OnMetadata([]capability.MetadataFrame{m}, m.StartTime, m.EndTime)
		}
	}

	start, end := 0.0, 0.0
	if ref != nil {
		start = ref.StartTime + t.timestampOffset
		end = ref.EndTime + t.timestampOffset
	} else {
		start, end = 0, 0 // init segments carry no presentation span
	}

	if ref != nil {
		if err := t.sink.AppendBuffer(ctx, start, end); err != nil {
			return mediaerr.Wrap(mediaerr.Recoverable, mediaerr.Media, mediaerr.QuotaExceeded, err, t.contentType)
		}
	}

	if e.eventBus != nil {
		if ref == nil {
			e.eventBus.OnEvent(capability.EventInitSegmentAppended, t.contentType)
		} else {
			e.eventBus.OnEvent(capability.EventSegmentAppended, ref)
		}
	}
	return nil
}

func (e *Engine) boxCallbacks(t *track) boxparser.Callbacks {
	return boxparser.Callbacks{
		OnEmsg: func(ev boxparser.EmsgEvent) {
			if e.eventBus != nil {
				e.eventBus.OnEvent(capability.EventEmsg, ev)
			}
		},
		OnMetadataID3: func(frame []byte, start, end float64) {
			if e.metadataSink != nil {
				e.metadataSink.OnMetadata([]capability.MetadataFrame{{Data: frame, StartTime: start, EndTime: end}}, start, end)
			}
		},
		OnManifestUpdate: func() {
			if e.eventBus != nil {
				e.eventBus.OnEvent(capability.EventManifestUpdate, nil)
			}
		},
		OnPrft: func(ev boxparser.PrftEvent) {
			if e.eventBus != nil {
				e.eventBus.OnEvent(capability.EventPrft, ev)
			}
		},
	}
}

// Remove submits a Remove op for [start, end) on ct's queue.
func (e *Engine) Remove(ct manifest.ContentType, start, end float64) (*opqueue.Op, error) {
	t, err := e.track(ct)
	if err != nil {
		return nil, err
	}
	return t.queue.Submit(opqueue.Remove, func(ctx context.Context) error {
		return t.sink.Remove(start, end)
	}), nil
}

// Clear submits a Clear op that drops every buffered range for ct.
func (e *Engine) Clear(ct manifest.ContentType) (*opqueue.Op, error) {
	t, err := e.track(ct)
	if err != nil {
		return nil, err
	}
	return t.queue.Submit(opqueue.Clear, func(ctx context.Context) error {
		t.sink.Clear()
		t.mu.Lock()
		t.lastInitID = ""
		t.mu.Unlock()
		return nil
	}), nil
}

// ResetCaptionParser resets ct's caption decoder state without touching its
// buffered ranges.
func (e *Engine) ResetCaptionParser(ct manifest.ContentType) error {
	t, err := e.track(ct)
	if err != nil {
		return err
	}
	if t.captionExt != nil {
		t.captionExt.Reset()
	}
	return nil
}

// BufferStart, BufferedAheadOf, and BufferEnd are synchronous queries of
// ct's sink; they do not go through the op queue since the sink's buffered
// range is always consistent between queued mutations.
func (e *Engine) BufferStart(ct manifest.ContentType) (float64, bool) {
	t, err := e.track(ct)
	if err != nil {
		return 0, false
	}
	return t.sink.BufferStart()
}

func (e *Engine) BufferedAheadOf(ct manifest.ContentType, t0 float64) float64 {
	t, err := e.track(ct)
	if err != nil {
		return 0
	}
	return t.sink.BufferedAheadOf(t0)
}

func (e *Engine) BufferEnd(ct manifest.ContentType) float64 {
	t, err := e.track(ct)
	if err != nil {
		return 0
	}
	return t.sink.BufferEnd()
}

// EndOfStream returns the furthest buffered end across all tracks, so the
// caller can shrink the presentation duration to it via SetDuration when
// that value is smaller than the manifest-declared duration.
func (e *Engine) EndOfStream() float64 {
	e.mu.RLock()
	defer e.mu.RUnlock()

	maxEnd := 0.0
	for _, t := range e.tracks {
		if end := t.sink.BufferEnd(); end > maxEnd {
			maxEnd = end
		}
	}
	return maxEnd
}

// GetTimestampAndDispatchMetadata parses ancillary boxes in data and
// dispatches the resulting events/metadata without appending anything.
func (e *Engine) GetTimestampAndDispatchMetadata(ct manifest.ContentType, data []byte, ref *manifest.SegmentReference) error {
	t, err := e.track(ct)
	if err != nil {
		return err
	}
	boxRef := &boxparser.Reference{}
	if ref != nil {
		boxRef.StartTime = ref.StartTime
		boxRef.TimestampOffset = ref.TimestampOffset
	}
	return t.boxParser.Parse(data, boxRef, e.boxCallbacks(t))
}

// Destroy tears down every track's queue.
func (e *Engine) Destroy() {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, t := range e.tracks {
		t.queue.Destroy()
	}
}
