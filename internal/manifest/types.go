// Package manifest defines the data model the streaming core operates on:
// Manifest, Period, Variant, Stream, SegmentReference and the timeline that
// ties presentation time to segment availability. Streams are expressed as
// an explicit interface rather than duck-typed fields so mock implementations
// can be substituted in tests without reflection.
package manifest

import "context"

// ContentType identifies the kind of media a track carries.
type ContentType int

const (
	Audio ContentType = iota
	Video
	Text
	TrickVideo
)

func (c ContentType) String() string {
	switch c {
	case Audio:
		return "audio"
	case Video:
		return "video"
	case Text:
		return "text"
	case TrickVideo:
		return "trickvideo"
	default:
		return "unknown"
	}
}

// Manifest is an immutable-at-start description of a presentation.
type Manifest struct {
	Duration      float64 // 0 means unbounded (live)
	IsLive        bool
	SequenceMode  bool
	Periods       []*Period
	MinBufferTime float64
}

// Period is a contiguous segment of the presentation timeline with its own
// set of Variants. Segment references inside a Period carry presentation
// times in the global timeline, not period-relative ones.
type Period struct {
	StartTime   float64
	Variants    []*Variant
	TextStreams []Stream
}

// Variant is a selectable combination of one audio and one video Stream,
// either of which may be absent (audio-only or video-only content).
type Variant struct {
	ID                   string
	Bandwidth            int
	Audio                Stream
	Video                Stream
	AllowedByApplication bool
	AllowedByKeySystem   bool
	DisabledUntilTime    float64
}

// Usable reports whether this variant may currently be selected.
func (v *Variant) Usable(now float64) bool {
	return v.AllowedByApplication && v.AllowedByKeySystem && now >= v.DisabledUntilTime
}

// SegmentIndex is a lazy, restartable lookup from presentation time to a
// SegmentReference. It may be unset on a Stream until CreateSegmentIndex
// resolves it.
type SegmentIndex interface {
	// Get returns the reference whose [StartTime, EndTime) contains t, or
	// nil if t is past the end of all currently known segments.
	Get(t float64) (*SegmentReference, error)
}

// Stream is an audio, video, or text elementary stream within a Variant or
// Period. Methods replace the duck-typed fields of the source model so
// tests can substitute a mock without relying on field name conventions.
type Stream interface {
	ID() string
	ContentType() ContentType
	MimeType() string
	Codecs() string
	EmsgSchemeIDURIs() []string
	AesKey() *AesKey
	SegmentIndex() SegmentIndex
	CreateSegmentIndex(ctx context.Context) error
	CloseSegmentIndex()
	IsAudioMuxedInVideo() bool
}

// SegmentStatus records the lifecycle of a reference's bytes within the
// engine, distinct from the sink's own buffered-range bookkeeping.
type SegmentStatus int

const (
	StatusAvailable SegmentStatus = iota
	StatusMissing
	StatusFetching
	StatusFetched
)

// SegmentReference identifies a contiguous byte range of encoded media
// belonging to a Stream, with a presentation-time window.
type SegmentReference struct {
	StartTime            float64
	EndTime              float64
	URIList              []string
	StartByte            int64
	EndByte              int64 // -1 means "to end of resource"
	InitSegmentReference *InitSegmentReference
	TimestampOffset      float64
	AppendWindowStart    float64
	AppendWindowEnd      float64
	Partial              bool
	Status               SegmentStatus

	// MediaSequenceNumber is this segment's position in the track's media
	// sequence, relative to the stream's AesKey.FirstMediaSequenceNumber.
	// It feeds the AES-128 IV derivation in aescrypt.Decryptor.Decrypt and
	// must increment by one per segment on an AES-CBC stream.
	MediaSequenceNumber uint64
}

// URIs returns the candidate URIs for this segment, primary first.
func (s *SegmentReference) URIs() []string { return s.URIList }

// Identity returns a value that is equal across references describing the
// same bytes, used to detect redundant init-segment appends and to key
// prefetch caches.
func (s *SegmentReference) Identity() string {
	uri := ""
	if len(s.URIList) > 0 {
		uri = s.URIList[0]
	}
	return uri + ":" + itoa(s.StartByte) + ":" + itoa(s.EndByte)
}

// InitSegmentReference identifies the non-media bytes required before media
// can be appended. Two references with the same Identity are treated as the
// same init segment and the engine skips a redundant append.
type InitSegmentReference struct {
	URIList   []string
	StartByte int64
	EndByte   int64
	Timescale uint32 // 0 if unknown
}

func (i *InitSegmentReference) URIs() []string { return i.URIList }

func (i *InitSegmentReference) Identity() string {
	uri := ""
	if len(i.URIList) > 0 {
		uri = i.URIList[0]
	}
	return uri + ":" + itoa(i.StartByte) + ":" + itoa(i.EndByte)
}

// AesKeyMode is the AES block-cipher mode a Stream's segments are encrypted
// with.
type AesKeyMode int

const (
	ModeCBC AesKeyMode = iota
	ModeCTR
)

// AesKey describes the HLS AES-128 key in effect for a Stream. CryptoKey is
// populated lazily by FetchKey on first use and reused afterward.
type AesKey struct {
	BitsKey                  int
	Mode                     AesKeyMode
	FirstMediaSequenceNumber uint64
	CryptoKey                []byte
	FetchKey                 func(ctx context.Context) ([]byte, error)
}

func itoa(v int64) string {
	if v < 0 {
		return "-" + itoa(-v)
	}
	if v == 0 {
		return "0"
	}
	var buf [20]byte
	i := len(buf)
	for v > 0 {
		i--
		buf[i] = byte('0' + v%10)
		v /= 10
	}
	return string(buf[i:])
}
