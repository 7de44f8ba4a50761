package trackstate

import (
	"bytes"
	"context"
	"crypto/aes"
	"crypto/cipher"
	"testing"
	"time"

	"github.com/zsiec/streamcore/internal/aescrypt"
	"github.com/zsiec/streamcore/internal/capability"
	"github.com/zsiec/streamcore/internal/config"
	"github.com/zsiec/streamcore/internal/manifest"
	"github.com/zsiec/streamcore/internal/mediaerr"
	"github.com/zsiec/streamcore/internal/mse"
	"github.com/zsiec/streamcore/internal/mse/membuf"
)

func TestAbortNetBeneficialPrefersCheaperFetch(t *testing.T) {
	// Known sizes: new segment is cheaper in time than finishing the old one.
	if !abortNetBeneficial(1000, 100, 500, true, 0) {
		t.Fatalf("expected abort when the new fetch is cheaper")
	}
	if abortNetBeneficial(100, 1000, 500, true, 0) {
		t.Fatalf("expected no abort when the new fetch is more expensive")
	}
}

func TestAbortNetBeneficialUnknownSizesUsesThreshold(t *testing.T) {
	if !abortNetBeneficial(0, 0, 0, false, 1e6) {
		t.Fatalf("expected abort when the new cost is unknown (defaults to abort)")
	}
	if abortNetBeneficial(0, 2e6, 0, false, 1e6) {
		t.Fatalf("expected no abort when the new cost is known and exceeds the large threshold")
	}
}

func TestAnchorTimeUsesPlayheadWhileRebuffering(t *testing.T) {
	if got := anchorTime(1, 10, 2); got != 10 {
		t.Fatalf("anchorTime() = %v, want 10 (rebuffering)", got)
	}
}

func TestAnchorTimeUsesBufferEndWhenAhead(t *testing.T) {
	if got := anchorTime(15, 10, 2); got != 15 {
		t.Fatalf("anchorTime() = %v, want 15 (buffered ahead of playhead)", got)
	}
}

func TestAnchorTimeUsesPlayheadWhenEqual(t *testing.T) {
	if got := anchorTime(10, 10, 2); got != 10 {
		t.Fatalf("anchorTime() = %v, want 10", got)
	}
}

// --- fakes for integration-level Tick tests ---

type fakeSegmentIndex struct {
	refs []*manifest.SegmentReference
}

func (f *fakeSegmentIndex) Get(t float64) (*manifest.SegmentReference, error) {
	for _, r := range f.refs {
		if t >= r.StartTime && t < r.EndTime {
			return r, nil
		}
	}
	return nil, nil
}

type fakeStream struct {
	ct     manifest.ContentType
	mime   string
	idx    manifest.SegmentIndex
	aesKey *manifest.AesKey
}

func (s *fakeStream) ID() string                      { return "stream-1" }
func (s *fakeStream) ContentType() manifest.ContentType { return s.ct }
func (s *fakeStream) MimeType() string                { return s.mime }
func (s *fakeStream) Codecs() string                  { return "avc1.640028" }
func (s *fakeStream) EmsgSchemeIDURIs() []string       { return nil }
func (s *fakeStream) AesKey() *manifest.AesKey         { return s.aesKey }
func (s *fakeStream) SegmentIndex() manifest.SegmentIndex { return s.idx }
func (s *fakeStream) CreateSegmentIndex(ctx context.Context) error { return nil }
func (s *fakeStream) CloseSegmentIndex()              {}
func (s *fakeStream) IsAudioMuxedInVideo() bool        { return false }

type fakeAbortableOp struct {
	resp    *capability.Response
	err     error
	aborted bool
}

func (o *fakeAbortableOp) Wait(ctx context.Context) (*capability.Response, error) {
	if o.err != nil {
		return nil, o.err
	}
	return o.resp, nil
}
func (o *fakeAbortableOp) Abort() { o.aborted = true }

type fakeNetworking struct {
	data []byte
	err  error
}

func (n *fakeNetworking) Request(ctx context.Context, ct manifest.ContentType, uris []string, br *capability.ByteRange, retry capability.RetryParams) capability.AbortableOp {
	if n.err != nil {
		return &fakeAbortableOp{err: n.err}
	}
	return &fakeAbortableOp{resp: &capability.Response{Data: n.data, URI: uris[0]}}
}

func newTestDeps(net capability.Networking, playhead float64) (Deps, *mse.Engine) {
	engine := mse.New(nil, nil, nil, nil, nil)
	sink := membuf.New("video/mp4;codecs=avc1")
	if err := engine.Init([]mse.TrackSpec{{ContentType: manifest.Video, Sink: sink, MimeCodecs: "video/mp4;codecs=avc1", VideoCodec: "h264"}}); err != nil {
		panic(err)
	}
	cfg, err := config.New()
	if err != nil {
		panic(err)
	}
	return Deps{
		Engine:     engine,
		Networking: net,
		Config:     func() config.Config { return *cfg },
		Playhead:   func() float64 { return playhead },
	}, engine
}

func TestTickFetchesAndAppendsFirstSegment(t *testing.T) {
	net := &fakeNetworking{data: []byte("segment-bytes")}
	deps, engine := newTestDeps(net, 0)

	idx := &fakeSegmentIndex{refs: []*manifest.SegmentReference{
		{StartTime: 0, EndTime: 4, URIList: []string{"seg0.mp4"}},
	}}
	stream := &fakeStream{ct: manifest.Video, mime: "video/mp4", idx: idx}

	ts := New(deps, manifest.Video)
	ts.SetStream(stream, nil)

	if err := ts.Tick(context.Background()); err != nil {
		t.Fatalf("Tick() error: %v", err)
	}

	if got := ts.State(); got != Idle {
		t.Fatalf("State() = %v, want Idle after a successful append", got)
	}
	if end := engine.BufferEnd(manifest.Video); end != 4 {
		t.Fatalf("BufferEnd() = %v, want 4", end)
	}
}

func TestTickMarksEndOfStreamPastDuration(t *testing.T) {
	net := &fakeNetworking{data: []byte("x")}
	deps, _ := newTestDeps(net, 100)
	deps.Timeline = manifest.NewBasicTimeline(100, false, 0)

	idx := &fakeSegmentIndex{refs: nil} // nothing covers anchor = 100
	stream := &fakeStream{ct: manifest.Video, mime: "video/mp4", idx: idx}

	ts := New(deps, manifest.Video)
	ts.SetStream(stream, nil)

	if err := ts.Tick(context.Background()); err != nil {
		t.Fatalf("Tick() error: %v", err)
	}
	if !ts.EndOfStream() {
		t.Fatalf("expected EndOfStream() to be true once the index is exhausted at the duration")
	}
}

func TestTickDoesNothingWithoutAnActiveStream(t *testing.T) {
	deps, _ := newTestDeps(&fakeNetworking{}, 0)
	ts := New(deps, manifest.Video)

	if err := ts.Tick(context.Background()); err != nil {
		t.Fatalf("Tick() error: %v", err)
	}
	if got := ts.State(); got != Idle {
		t.Fatalf("State() = %v, want Idle", got)
	}
}

func TestRequestClearBufferRunsClearOnNextTick(t *testing.T) {
	deps, engine := newTestDeps(&fakeNetworking{}, 0)
	ts := New(deps, manifest.Video)
	ts.SetStream(&fakeStream{ct: manifest.Video, mime: "video/mp4", idx: &fakeSegmentIndex{}}, nil)

	op, err := engine.AppendBuffer(context.Background(), manifest.Video, []byte("x"), "video/mp4", &manifest.SegmentReference{StartTime: 0, EndTime: 4}, nil, false)
	if err != nil {
		t.Fatalf("AppendBuffer() error: %v", err)
	}
	if err := op.Wait(); err != nil {
		t.Fatalf("op.Wait() error: %v", err)
	}

	ts.RequestClearBuffer(2)
	if err := ts.Tick(context.Background()); err != nil {
		t.Fatalf("Tick() error: %v", err)
	}

	if _, ok := engine.BufferStart(manifest.Video); ok {
		t.Fatalf("expected the buffer to be cleared")
	}
}

func TestHandleFetchFailureTimeoutNeverDisables(t *testing.T) {
	deps, _ := newTestDeps(&fakeNetworking{}, 0)
	var disableCalled bool
	deps.DisableFn = func(stream manifest.Stream, until time.Time) bool {
		disableCalled = true
		return true
	}
	ts := New(deps, manifest.Video)
	ts.SetStream(&fakeStream{ct: manifest.Video, mime: "video/mp4"}, nil)

	err := ts.handleFetchFailure(&manifest.SegmentReference{}, mediaerr.New(mediaerr.Recoverable, mediaerr.Network, mediaerr.Timeout))
	if err == nil {
		t.Fatalf("expected an error to be returned")
	}
	if disableCalled {
		t.Fatalf("expected TIMEOUT to never invoke DisableFn")
	}
}

func TestHandleAppendFailureHaltsAfterRepeatedQuotaExceeded(t *testing.T) {
	deps, _ := newTestDeps(&fakeNetworking{}, 0)
	ts := New(deps, manifest.Video)
	ts.SetStream(&fakeStream{ct: manifest.Video, mime: "video/mp4"}, nil)

	ref := &manifest.SegmentReference{URIList: []string{"seg0.mp4"}}
	quotaErr := mediaerr.Wrap(mediaerr.Recoverable, mediaerr.Media, mediaerr.QuotaExceeded, nil)

	for i := 0; i < maxConsecutiveQuotaFailures-1; i++ {
		if err := ts.handleAppendFailure(ref, quotaErr); err != nil {
			t.Fatalf("handleAppendFailure() unexpected error on attempt %d: %v", i, err)
		}
	}
	if err := ts.handleAppendFailure(ref, quotaErr); err == nil {
		t.Fatalf("expected handleAppendFailure to surface an error after repeated failures on the same reference")
	}
}

// sequencedNetworking returns one payload per call, in order, so a test can
// feed a different ciphertext to each fetch on the same track.
type sequencedNetworking struct {
	payloads [][]byte
	calls    int
}

func (n *sequencedNetworking) Request(ctx context.Context, ct manifest.ContentType, uris []string, br *capability.ByteRange, retry capability.RetryParams) capability.AbortableOp {
	data := n.payloads[n.calls]
	n.calls++
	return &fakeAbortableOp{resp: &capability.Response{Data: data, URI: uris[0]}}
}

// encryptBlockForTest PKCS#7-pads plaintext to a whole number of AES blocks
// and CBC-encrypts it under key/iv, mirroring how an origin would have
// encrypted a real AES-128 HLS segment.
func encryptBlockForTest(t *testing.T, key, iv, plaintext []byte) []byte {
	t.Helper()
	padLen := aes.BlockSize - len(plaintext)%aes.BlockSize
	padded := append(append([]byte(nil), plaintext...), bytes.Repeat([]byte{byte(padLen)}, padLen)...)
	block, err := aes.NewCipher(key)
	if err != nil {
		t.Fatalf("aes.NewCipher: %v", err)
	}
	ciphertext := make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(ciphertext, padded)
	return ciphertext
}

// recordingDecryptor wraps a Decryptor and keeps every plaintext it returns,
// so a test can check what each Tick actually decrypted.
type recordingDecryptor struct {
	inner Decryptor
	out   [][]byte
}

func (d *recordingDecryptor) Decrypt(ctx context.Context, ciphertext []byte, mediaSequenceNumber uint64, iv []byte) ([]byte, error) {
	plaintext, err := d.inner.Decrypt(ctx, ciphertext, mediaSequenceNumber, iv)
	if err == nil {
		d.out = append(d.out, plaintext)
	}
	return plaintext, err
}

// TestTickDecryptsConsecutiveSegmentsWithDistinctIVs fetches two segments of
// the same AES-CBC stream through Tick and checks each decrypts cleanly
// under the IV its own MediaSequenceNumber derives. Before trackstate
// threaded ref.MediaSequenceNumber through to Decrypt, every segment used
// firstMediaSequenceNumber+0: the second fetch here would have decrypted
// under the wrong IV, producing either a PKCS#7 padding error or garbage
// plaintext, so this fails under the old hardcoded-zero call.
func TestTickDecryptsConsecutiveSegmentsWithDistinctIVs(t *testing.T) {
	key := bytes.Repeat([]byte{0x7A}, 16)
	const firstSeq = 42

	plaintext0 := []byte("segment zero payload, one block")
	plaintext1 := []byte("segment one payload, also block")

	iv0 := deriveIVForTest(firstSeq + 0)
	iv1 := deriveIVForTest(firstSeq + 1)
	if bytes.Equal(iv0, iv1) {
		t.Fatalf("test fixture IVs must differ")
	}

	cipher0 := encryptBlockForTest(t, key, iv0, plaintext0)
	cipher1 := encryptBlockForTest(t, key, iv1, plaintext1)

	net := &sequencedNetworking{payloads: [][]byte{cipher0, cipher1}}
	deps, _ := newTestDeps(net, 0)

	idx := &fakeSegmentIndex{refs: []*manifest.SegmentReference{
		{StartTime: 0, EndTime: 4, URIList: []string{"seg0.mp4"}, MediaSequenceNumber: 0},
		{StartTime: 4, EndTime: 8, URIList: []string{"seg1.mp4"}, MediaSequenceNumber: 1},
	}}
	aesKey := &manifest.AesKey{Mode: manifest.ModeCBC, FirstMediaSequenceNumber: firstSeq, CryptoKey: key}
	stream := &fakeStream{ct: manifest.Video, mime: "video/mp4", idx: idx, aesKey: aesKey}

	ts := New(deps, manifest.Video)
	rec := &recordingDecryptor{inner: aescrypt.New(aesKey)}
	ts.SetStream(stream, rec)

	if err := ts.Tick(context.Background()); err != nil {
		t.Fatalf("Tick() segment 0 error: %v", err)
	}
	if err := ts.Tick(context.Background()); err != nil {
		t.Fatalf("Tick() segment 1 error: %v (wrong IV would fail PKCS#7 unpadding or produce garbage)", err)
	}
	if len(rec.out) != 2 || !bytes.Equal(rec.out[0], plaintext0) || !bytes.Equal(rec.out[1], plaintext1) {
		t.Fatalf("decrypted plaintexts = %q, want %q then %q", rec.out, plaintext0, plaintext1)
	}
}

// deriveIVForTest mirrors aescrypt's unexported deriveIV so this test can
// build fixtures without reaching into that package's internals.
func deriveIVForTest(sequenceNumber uint64) []byte {
	iv := make([]byte, aes.BlockSize)
	for i := 0; i < 8; i++ {
		iv[15-i] = byte(sequenceNumber >> (8 * i))
	}
	return iv
}
