package mse

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/zsiec/streamcore/internal/capability"
	"github.com/zsiec/streamcore/internal/manifest"
)

type fakeSink struct {
	mu sync.Mutex

	mimeCodecs string
	offset     float64
	window     [2]float64
	duration   float64
	appends    [][2]float64
	removes    [][2]float64
	cleared    bool
	appendErr  error
	changeErr  error
}

func (f *fakeSink) ChangeType(mimeCodecs string) error {
	if f.changeErr != nil {
		return f.changeErr
	}
	f.mimeCodecs = mimeCodecs
	return nil
}
func (f *fakeSink) SetTimestampOffset(offset float64) { f.offset = offset }
func (f *fakeSink) SetAppendWindow(start, end float64) { f.window = [2]float64{start, end} }
func (f *fakeSink) SetDuration(d float64)               { f.duration = d }
func (f *fakeSink) AppendBuffer(ctx context.Context, start, end float64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.appendErr != nil {
		return f.appendErr
	}
	f.appends = append(f.appends, [2]float64{start, end})
	return nil
}
func (f *fakeSink) Remove(start, end float64) error {
	f.removes = append(f.removes, [2]float64{start, end})
	return nil
}
func (f *fakeSink) Clear()                              { f.cleared = true }
func (f *fakeSink) BufferStart() (float64, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.appends) == 0 {
		return 0, false
	}
	return f.appends[0][0], true
}
func (f *fakeSink) BufferEnd() float64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.appends) == 0 {
		return 0
	}
	return f.appends[len(f.appends)-1][1]
}
func (f *fakeSink) BufferedAheadOf(t float64) float64 { return 0 }

type fakeTransmuxer struct {
	needs  bool
	result *capability.TransmuxResult
	err    error
}

func (f *fakeTransmuxer) NeedsTransmux(inputMime string, sinkMimes []string) bool { return f.needs }
func (f *fakeTransmuxer) Transmux(ctx context.Context, data []byte, ref *manifest.SegmentReference, duration float64, ct manifest.ContentType) (*capability.TransmuxResult, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.result, nil
}

type fakeTextSink struct {
	appended []capability.Cue
}

func (f *fakeTextSink) Append(cues []capability.Cue)          { f.appended = append(f.appended, cues...) }
func (f *fakeTextSink) Remove(start, end float64)             {}
func (f *fakeTextSink) SetSelectedClosedCaptionID(id string)  {}
func (f *fakeTextSink) IsTextVisible() bool                   { return true }

type fakeMetadataSink struct {
	frames []capability.MetadataFrame
}

func (f *fakeMetadataSink) OnMetadata(frames []capability.MetadataFrame, start, end float64) {
	f.frames = append(f.frames, frames...)
}

type fakeEventBus struct {
	mu     sync.Mutex
	events []capability.EventKind
}

func (f *fakeEventBus) OnEvent(kind capability.EventKind, payload any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, kind)
}

func newTestEngine(transmuxer capability.Transmuxer, textSink capability.TextSink, metadataSink capability.MetadataSink, bus capability.EventBus) (*Engine, *fakeSink) {
	e := New(nil, transmuxer, textSink, metadataSink, bus)
	sink := &fakeSink{}
	if err := e.Init([]TrackSpec{{ContentType: manifest.Video, Sink: sink, MimeCodecs: "video/mp4;codecs=avc1", VideoCodec: "h264"}}); err != nil {
		panic(err)
	}
	return e, sink
}

func TestAppendBufferDedupesInitSegmentByIdentity(t *testing.T) {
	bus := &fakeEventBus{}
	e, sink := newTestEngine(nil, nil, nil, bus)
	initRef := &manifest.InitSegmentReference{URIList: []string{"init.mp4"}}

	op1, err := e.AppendBuffer(context.Background(), manifest.Video, []byte("init-bytes"), "video/mp4", nil, initRef, false)
	if err != nil {
		t.Fatalf("AppendBuffer() error: %v", err)
	}
	if err := op1.Wait(); err != nil {
		t.Fatalf("op1.Wait() error: %v", err)
	}

	op2, err := e.AppendBuffer(context.Background(), manifest.Video, []byte("init-bytes"), "video/mp4", nil, initRef, false)
	if err != nil {
		t.Fatalf("AppendBuffer() error: %v", err)
	}
	if err := op2.Wait(); err != nil {
		t.Fatalf("op2.Wait() error: %v", err)
	}

	// AppendBuffer is never called on the sink for init segments; the dedup
	// shows as a single init-appended event for the two identical appends.
	if len(sink.appends) != 0 {
		t.Fatalf("expected no sink AppendBuffer calls for init segments, got %d", len(sink.appends))
	}
	if len(bus.events) != 1 || bus.events[0] != capability.EventInitSegmentAppended {
		t.Fatalf("expected one init-appended event for two appends of the same init segment, got %v", bus.events)
	}
}

func TestAppendBufferMediaSegmentAppliesTimestampOffset(t *testing.T) {
	e, sink := newTestEngine(nil, nil, nil, nil)
	if err := e.SetStreamProperties(manifest.Video, 10, 0, 1e18, false, ""); err != nil {
		t.Fatalf("SetStreamProperties() error: %v", err)
	}

	ref := &manifest.SegmentReference{StartTime: 0, EndTime: 4}
	op, err := e.AppendBuffer(context.Background(), manifest.Video, []byte("segment-bytes"), "video/mp4", ref, nil, false)
	if err != nil {
		t.Fatalf("AppendBuffer() error: %v", err)
	}
	if err := op.Wait(); err != nil {
		t.Fatalf("op.Wait() error: %v", err)
	}

	if len(sink.appends) != 1 {
		t.Fatalf("expected 1 sink append, got %d", len(sink.appends))
	}
	if got := sink.appends[0]; got[0] != 10 || got[1] != 14 {
		t.Fatalf("sink append = %v, want [10, 14]", got)
	}
}

func TestAppendBufferTransmuxesWhenNeeded(t *testing.T) {
	tx := &fakeTransmuxer{
		needs: true,
		result: &capability.TransmuxResult{
			Data:     []byte("fmp4-bytes"),
			Captions: []capability.Cue{{StartTime: 0, EndTime: 1, Text: "hi"}},
		},
	}
	textSink := &fakeTextSink{}
	e, sink := newTestEngine(tx, textSink, nil, nil)

	ref := &manifest.SegmentReference{StartTime: 0, EndTime: 2}
	op, err := e.AppendBuffer(context.Background(), manifest.Video, []byte("ts-bytes"), "video/mp2t", ref, nil, false)
	if err != nil {
		t.Fatalf("AppendBuffer() error: %v", err)
	}
	if err := op.Wait(); err != nil {
		t.Fatalf("op.Wait() error: %v", err)
	}

	if len(sink.appends) != 1 {
		t.Fatalf("expected transmuxed payload to reach the sink, got %d appends", len(sink.appends))
	}
	if len(textSink.appended) != 1 {
		t.Fatalf("expected the extracted caption cue to reach the text sink")
	}
}

func TestAppendBufferPropagatesSinkErrorAsQuotaExceeded(t *testing.T) {
	e, sink := newTestEngine(nil, nil, nil, nil)
	sink.appendErr = fmt.Errorf("out of room")

	ref := &manifest.SegmentReference{StartTime: 0, EndTime: 2}
	op, err := e.AppendBuffer(context.Background(), manifest.Video, []byte("x"), "video/mp4", ref, nil, false)
	if err != nil {
		t.Fatalf("AppendBuffer() error: %v", err)
	}
	if err := op.Wait(); err == nil {
		t.Fatalf("expected op.Wait() to fail")
	}
}

func TestRemoveSubmitsToSink(t *testing.T) {
	e, sink := newTestEngine(nil, nil, nil, nil)

	op, err := e.Remove(manifest.Video, 2, 6)
	if err != nil {
		t.Fatalf("Remove() error: %v", err)
	}
	if err := op.Wait(); err != nil {
		t.Fatalf("op.Wait() error: %v", err)
	}
	if len(sink.removes) != 1 || sink.removes[0] != [2]float64{2, 6} {
		t.Fatalf("sink.removes = %v, want [[2 6]]", sink.removes)
	}
}

func TestClearResetsInitDedupState(t *testing.T) {
	bus := &fakeEventBus{}
	e, sink := newTestEngine(nil, nil, nil, bus)
	initRef := &manifest.InitSegmentReference{URIList: []string{"init.mp4"}}

	op1, _ := e.AppendBuffer(context.Background(), manifest.Video, []byte("init"), "video/mp4", nil, initRef, false)
	_ = op1.Wait()

	clearOp, err := e.Clear(manifest.Video)
	if err != nil {
		t.Fatalf("Clear() error: %v", err)
	}
	if err := clearOp.Wait(); err != nil {
		t.Fatalf("clearOp.Wait() error: %v", err)
	}
	if !sink.cleared {
		t.Fatalf("expected sink.Clear() to have been called")
	}

	// Re-init now succeeds (no longer a dup) since Clear reset lastInitID.
	op2, err := e.AppendBuffer(context.Background(), manifest.Video, []byte("init"), "video/mp4", nil, initRef, false)
	if err != nil {
		t.Fatalf("AppendBuffer() error: %v", err)
	}
	if err := op2.Wait(); err != nil {
		t.Fatalf("op2.Wait() error: %v", err)
	}
	if len(bus.events) != 2 {
		t.Fatalf("expected an init-appended event for both the first and the post-Clear append, got %v", bus.events)
	}
}

func TestBufferQueriesReflectSinkState(t *testing.T) {
	e, _ := newTestEngine(nil, nil, nil, nil)
	ref := &manifest.SegmentReference{StartTime: 0, EndTime: 4}
	op, _ := e.AppendBuffer(context.Background(), manifest.Video, []byte("x"), "video/mp4", ref, nil, false)
	_ = op.Wait()

	if start, ok := e.BufferStart(manifest.Video); !ok || start != 0 {
		t.Fatalf("BufferStart() = (%v, %v), want (0, true)", start, ok)
	}
	if end := e.BufferEnd(manifest.Video); end != 4 {
		t.Fatalf("BufferEnd() = %v, want 4", end)
	}
}

func TestAppendBufferUnknownContentTypeErrors(t *testing.T) {
	e, _ := newTestEngine(nil, nil, nil, nil)
	if _, err := e.AppendBuffer(context.Background(), manifest.Audio, []byte("x"), "audio/mp4", nil, nil, false); err == nil {
		t.Fatalf("expected an error for an uninitialized content type")
	}
}

func TestEndOfStreamReportsFurthestBufferEnd(t *testing.T) {
	e, _ := newTestEngine(nil, nil, nil, nil)
	audioSink := &fakeSink{}
	if err := e.Init([]TrackSpec{{ContentType: manifest.Audio, Sink: audioSink, MimeCodecs: "audio/mp4;codecs=mp4a"}}); err != nil {
		t.Fatalf("Init() error: %v", err)
	}

	op1, _ := e.AppendBuffer(context.Background(), manifest.Video, []byte("x"), "video/mp4", &manifest.SegmentReference{StartTime: 0, EndTime: 4}, nil, false)
	_ = op1.Wait()
	op2, _ := e.AppendBuffer(context.Background(), manifest.Audio, []byte("x"), "audio/mp4", &manifest.SegmentReference{StartTime: 0, EndTime: 6}, nil, false)
	_ = op2.Wait()

	if got := e.EndOfStream(); got != 6 {
		t.Fatalf("EndOfStream() = %v, want 6", got)
	}
}
