// Package tsmp4 is the default implementation of capability.Transmuxer: it
// converts MPEG-TS segments to fragmented MP4, the shape a browser MSE sink
// expects, extracting embedded CEA-608/708 captions along the way.
package tsmp4

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"

	mch264 "github.com/bluenviron/mediacommon/v2/pkg/codecs/h264"
	mch265 "github.com/bluenviron/mediacommon/v2/pkg/codecs/h265"
	"github.com/bluenviron/mediacommon/v2/pkg/codecs/mpeg4audio"
	"github.com/bluenviron/mediacommon/v2/pkg/formats/fmp4"
	"github.com/bluenviron/mediacommon/v2/pkg/formats/mp4"
	"github.com/bluenviron/mediacommon/v2/pkg/formats/mpegts"

	"github.com/zsiec/streamcore/internal/capability"
	"github.com/zsiec/streamcore/internal/captions"
	"github.com/zsiec/streamcore/internal/manifest"
)

const (
	videoTrackID = 1
	audioTrackID = 2

	videoTimeScale = 90000
)

// Muxer is a capability.Transmuxer that converts MPEG-TS segments belonging
// to a single track session into fragmented MP4. Construct one per
// TrackState; it remembers codec parameters and sequence/basetime state
// across calls so the first Transmux call yields an init segment plus the
// first fragment, and every later call yields just a fragment.
type Muxer struct {
	log *slog.Logger

	mu          sync.Mutex
	initWritten bool
	videoCodec  string // "h264" or "h265"

	h264SPS, h264PPS          []byte
	h265VPS, h265SPS, h265PPS []byte
	audioConfig               *mpeg4audio.AudioSpecificConfig

	sequenceNumber uint32
	videoBaseTime  uint64
	audioBaseTime  uint64
	lastVideoPTS   int64

	captionExtractor *captions.Extractor
}

// New creates a Muxer. log may be nil, in which case slog.Default() is used.
func New(log *slog.Logger) *Muxer {
	if log == nil {
		log = slog.Default()
	}
	return &Muxer{log: log.With("component", "tsmp4"), sequenceNumber: 1}
}

// NeedsTransmux reports whether inputMime requires conversion before any of
// sinkMimes can ingest it: true whenever the input is MPEG-TS and no sink
// MIME type already names MPEG-TS.
func (m *Muxer) NeedsTransmux(inputMime string, sinkMimes []string) bool {
	if !strings.Contains(inputMime, "mp2t") {
		return false
	}
	for _, sm := range sinkMimes {
		if strings.Contains(sm, "mp2t") {
			return false
		}
	}
	return true
}

// Transmux demuxes an MPEG-TS segment and remuxes it to fMP4. contentType
// must be manifest.Video or manifest.Audio; duration and ref are accepted
// for interface conformance but are not needed by this implementation, which
// derives sample durations from consecutive PTS values.
func (m *Muxer) Transmux(ctx context.Context, data []byte, ref *manifest.SegmentReference, duration float64, contentType manifest.ContentType) (*capability.TransmuxResult, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("tsmp4: empty input segment")
	}

	videoSamples, audioSamples, cues, err := m.demux(ctx, data)
	if err != nil {
		return nil, fmt.Errorf("tsmp4: demux: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	var out bytes.Buffer

	if !m.initWritten {
		if err := m.writeInit(&out); err != nil {
			return nil, fmt.Errorf("tsmp4: write init segment: %w", err)
		}
		m.initWritten = true
	}

	if err := m.writeFragment(&out, videoSamples, audioSamples); err != nil {
		return nil, fmt.Errorf("tsmp4: write fragment: %w", err)
	}

	return &capability.TransmuxResult{Data: out.Bytes(), Captions: cues}, nil
}

// demux runs an mpegts.Reader synchronously over data, buffering every
// discovered video/audio access unit into fmp4.Samples and running the
// video track's NAL units through a caption extractor.
func (m *Muxer) demux(ctx context.Context, data []byte) ([]*fmp4.Sample, []*fmp4.Sample, []capability.Cue, error) {
	reader := &mpegts.Reader{R: bytes.NewReader(data)}
	if err := reader.Initialize(); err != nil {
		return nil, nil, nil, fmt.Errorf("initializing mpegts reader: %w", err)
	}

	var videoSamples, audioSamples []*fmp4.Sample
	var cues []capability.Cue
	var demuxErr error

	for _, track := range reader.Tracks() {
		switch codec := track.Codec.(type) {
		case *mpegts.CodecH264:
			m.videoCodec = "h264"
			if m.captionExtractor == nil {
				m.captionExtractor = captions.New("h264")
			}
			reader.OnDataH264(track, func(pts, dts int64, au [][]byte) error {
				s, c, err := m.handleVideoAU(au, pts, dts)
				if err != nil {
					demuxErr = err
					return err
				}
				if s != nil {
					videoSamples = append(videoSamples, s)
				}
				cues = append(cues, c...)
				return nil
			})

		case *mpegts.CodecH265:
			m.videoCodec = "h265"
			if m.captionExtractor == nil {
				m.captionExtractor = captions.New("h265")
			}
			reader.OnDataH265(track, func(pts, dts int64, au [][]byte) error {
				s, c, err := m.handleVideoAU(au, pts, dts)
				if err != nil {
					demuxErr = err
					return err
				}
				if s != nil {
					videoSamples = append(videoSamples, s)
				}
				cues = append(cues, c...)
				return nil
			})

		case *mpegts.CodecMPEG4Audio:
			cfg := codec.Config
			m.audioConfig = &cfg
			reader.OnDataMPEG4Audio(track, func(pts int64, aus [][]byte) error {
				for _, au := range aus {
					if len(au) == 0 {
						continue
					}
					audioSamples = append(audioSamples, &fmp4.Sample{
						Duration: 1024,
						Payload:  au,
					})
				}
				return nil
			})

		default:
			m.log.Debug("ignoring unsupported MPEG-TS track", "pid", track.PID)
		}
	}

	for {
		select {
		case <-ctx.Done():
			return nil, nil, nil, ctx.Err()
		default:
		}
		if err := reader.Read(); err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return nil, nil, nil, err
		}
		if demuxErr != nil {
			return nil, nil, nil, demuxErr
		}
	}

	return videoSamples, audioSamples, cues, nil
}

// handleVideoAU extracts SPS/PPS/VPS on keyframes, runs captions extraction,
// and builds an fmp4.Sample from the access unit.
func (m *Muxer) handleVideoAU(au [][]byte, pts, dts int64) (*fmp4.Sample, []capability.Cue, error) {
	if len(au) == 0 {
		return nil, nil, nil
	}

	var isKeyframe bool
	switch m.videoCodec {
	case "h265":
		isKeyframe = mch265.IsRandomAccess(au)
	default:
		isKeyframe = mch264.IsRandomAccess(au)
	}

	m.captureParameterSets(au)

	cues := m.captionExtractor.Process(au, float64(pts)/videoTimeScale)

	sample := &fmp4.Sample{
		Duration:        3000,
		PTSOffset:       int32(pts - dts),
		IsNonSyncSample: !isKeyframe,
	}
	if m.lastVideoPTS > 0 && pts > m.lastVideoPTS {
		sample.Duration = uint32(pts - m.lastVideoPTS)
	}
	m.lastVideoPTS = pts

	var err error
	switch m.videoCodec {
	case "h265":
		err = sample.FillH265(sample.PTSOffset, au)
	default:
		err = sample.FillH264(sample.PTSOffset, au)
	}
	if err != nil {
		return nil, cues, err
	}
	return sample, cues, nil
}

func (m *Muxer) captureParameterSets(au [][]byte) {
	for _, nalu := range au {
		if len(nalu) == 0 {
			continue
		}
		switch m.videoCodec {
		case "h265":
			switch mch265.NALUType((nalu[0] >> 1) & 0x3F) {
			case mch265.NALUType_VPS_NUT:
				m.h265VPS = append([]byte(nil), nalu...)
			case mch265.NALUType_SPS_NUT:
				m.h265SPS = append([]byte(nil), nalu...)
			case mch265.NALUType_PPS_NUT:
				m.h265PPS = append([]byte(nil), nalu...)
			}
		default:
			switch mch264.NALUType(nalu[0] & 0x1F) {
			case mch264.NALUTypeSPS:
				m.h264SPS = append([]byte(nil), nalu...)
			case mch264.NALUTypePPS:
				m.h264PPS = append([]byte(nil), nalu...)
			}
		}
	}
}

func (m *Muxer) writeInit(buf *bytes.Buffer) error {
	videoCodec, err := m.videoInitCodec()
	if err != nil {
		return err
	}

	tracks := []*fmp4.InitTrack{{ID: videoTrackID, TimeScale: videoTimeScale, Codec: videoCodec}}

	if m.audioConfig != nil {
		tracks = append(tracks, &fmp4.InitTrack{
			ID:        audioTrackID,
			TimeScale: uint32(m.audioConfig.SampleRate),
			Codec:     &mp4.CodecMPEG4Audio{Config: *m.audioConfig},
		})
	}

	init := &fmp4.Init{Tracks: tracks}
	return init.Marshal(&seekableBuffer{Buffer: buf})
}

func (m *Muxer) videoInitCodec() (mp4.Codec, error) {
	switch m.videoCodec {
	case "h265":
		if len(m.h265VPS) == 0 || len(m.h265SPS) == 0 || len(m.h265PPS) == 0 {
			return nil, fmt.Errorf("H.265 VPS/SPS/PPS not yet seen")
		}
		return &mp4.CodecH265{VPS: m.h265VPS, SPS: m.h265SPS, PPS: m.h265PPS}, nil
	default:
		if len(m.h264SPS) == 0 || len(m.h264PPS) == 0 {
			return nil, fmt.Errorf("H.264 SPS/PPS not yet seen")
		}
		return &mp4.CodecH264{SPS: m.h264SPS, PPS: m.h264PPS}, nil
	}
}

func (m *Muxer) writeFragment(buf *bytes.Buffer, videoSamples, audioSamples []*fmp4.Sample) error {
	if len(videoSamples) == 0 && len(audioSamples) == 0 {
		return nil
	}

	part := &fmp4.Part{SequenceNumber: m.sequenceNumber}

	if len(videoSamples) > 0 {
		part.Tracks = append(part.Tracks, &fmp4.PartTrack{ID: videoTrackID, BaseTime: m.videoBaseTime, Samples: videoSamples})
		for _, s := range videoSamples {
			m.videoBaseTime += uint64(s.Duration)
		}
	}
	if len(audioSamples) > 0 {
		part.Tracks = append(part.Tracks, &fmp4.PartTrack{ID: audioTrackID, BaseTime: m.audioBaseTime, Samples: audioSamples})
		for _, s := range audioSamples {
			m.audioBaseTime += uint64(s.Duration)
		}
	}

	m.sequenceNumber++
	return part.Marshal(&seekableBuffer{Buffer: buf})
}

// seekableBuffer adapts a *bytes.Buffer to the io.WriteSeeker mediacommon's
// Marshal methods require, since marshaling an MP4 box tree needs to seek
// back to patch box sizes after children are written.
type seekableBuffer struct {
	*bytes.Buffer
	pos int64
}

func (s *seekableBuffer) Write(p []byte) (int, error) {
	if int(s.pos) > s.Buffer.Len() {
		s.Buffer.Write(make([]byte, int(s.pos)-s.Buffer.Len()))
	}
	var n int
	var err error
	if int(s.pos) == s.Buffer.Len() {
		n, err = s.Buffer.Write(p)
	} else {
		b := s.Buffer.Bytes()
		n = copy(b[s.pos:], p)
		if n < len(p) {
			var m int
			m, err = s.Buffer.Write(p[n:])
			n += m
		}
	}
	s.pos += int64(n)
	return n, err
}

func (s *seekableBuffer) Seek(offset int64, whence int) (int64, error) {
	var newPos int64
	switch whence {
	case io.SeekStart:
		newPos = offset
	case io.SeekCurrent:
		newPos = s.pos + offset
	case io.SeekEnd:
		newPos = int64(s.Buffer.Len()) + offset
	default:
		return 0, fmt.Errorf("tsmp4: invalid whence %d", whence)
	}
	if newPos < 0 {
		return 0, fmt.Errorf("tsmp4: negative seek position")
	}
	s.pos = newPos
	return newPos, nil
}

var _ capability.Transmuxer = (*Muxer)(nil)
