// Package captions extracts embedded CEA-608/708 closed captions from video
// samples and forwards decoded cues to a TextSink. The decoder lifecycle —
// one CEA608Decoder per CC channel, one CEA708Service per DTVCC service
// number, and the repeated-control-code suppression window — mirrors an
// MPEG-TS demuxer's per-PID caption state, scoped here to a single video
// track session since this package reads fMP4 video samples rather than
// MPEG-TS PES packets.
package captions

import (
	"github.com/zsiec/ccx"

	"github.com/zsiec/streamcore/internal/capability"
)

// NAL unit type numbers carrying SEI payloads, used to find caption data
// within an H.264 or H.265 access unit.
const (
	h264NALTypeSEI       = 6
	h265NALTypePrefixSEI = 39
	h265NALTypeSuffixSEI = 40
)

// Extractor holds one caption-decoder session for a video track. Create a
// new Extractor (or call Reset) whenever the caption parser must restart:
// a seek, a cross-period clear, or a stream switch.
type Extractor struct {
	codec string // "h264" or "h265"

	cea608Decs map[int]*ccx.CEA608Decoder
	cea708Svcs map[int]*ccx.CEA708Service
	dtvccBuf   []byte

	lastCCCtrl      [2][2]byte
	lastCCWasCtrl   [2]bool
	lastCCCtrlFrame [2]int64
	sampleCount     int64
}

// New creates an Extractor for the given video codec ("h264" or "h265").
func New(codec string) *Extractor {
	return &Extractor{
		codec: codec,
		cea608Decs: map[int]*ccx.CEA608Decoder{
			1: ccx.NewCEA608Decoder(),
			2: ccx.NewCEA608Decoder(),
			3: ccx.NewCEA608Decoder(),
			4: ccx.NewCEA608Decoder(),
		},
		cea708Svcs: map[int]*ccx.CEA708Service{
			1: ccx.NewCEA708Service(),
			2: ccx.NewCEA708Service(),
			3: ccx.NewCEA708Service(),
			4: ccx.NewCEA708Service(),
			5: ccx.NewCEA708Service(),
			6: ccx.NewCEA708Service(),
		},
	}
}

// Reset clears decoder state without discarding the Extractor, for the
// ResetCaptionParser op (seeked append, cross-period clear-all).
func (e *Extractor) Reset() {
	*e = *New(e.codec)
}

// Process scans nalUnits (length-prefix-stripped, one NAL payload per
// entry) for SEI messages carrying CEA-608/708 data at presentation time
// pts, and returns any cues decoded from this sample.
func (e *Extractor) Process(nalUnits [][]byte, pts float64) []capability.Cue {
	e.sampleCount++

	var cues []capability.Cue
	for _, nal := range nalUnits {
		if len(nal) == 0 {
			continue
		}
		payload, ok := seiPayload(e.codec, nal)
		if !ok {
			continue
		}
		cues = append(cues, e.processSEI(payload, pts)...)
	}
	return cues
}

func seiPayload(codec string, nal []byte) ([]byte, bool) {
	switch codec {
	case "h265":
		if len(nal) < 2 {
			return nil, false
		}
		nalType := (nal[0] >> 1) & 0x3F
		if nalType != h265NALTypePrefixSEI && nalType != h265NALTypeSuffixSEI {
			return nil, false
		}
		return nal[2:], true
	default: // h264
		if nal[0]&0x1F != h264NALTypeSEI {
			return nil, false
		}
		return nal[1:], true
	}
}

func (e *Extractor) processSEI(seiData []byte, pts float64) []capability.Cue {
	cd := ccx.ExtractCaptions(seiData)
	if cd == nil {
		return nil
	}

	var cues []capability.Cue
	ptsTicks := int64(pts * 90000) // ccx's PTS fields are 90kHz-clock ticks

	for _, pair := range cd.CC608Pairs {
		cc1, cc2 := pair.Data[0], pair.Data[1]

		isCtrl := cc1 >= 0x10 && cc1 <= 0x1F
		f := pair.Field
		if isCtrl {
			cp := [2]byte{cc1, cc2}
			frameGap := e.sampleCount - e.lastCCCtrlFrame[f]
			if e.lastCCWasCtrl[f] && e.lastCCCtrl[f] == cp && frameGap <= 2 {
				e.lastCCWasCtrl[f] = false
				continue
			}
			e.lastCCCtrl[f] = cp
			e.lastCCWasCtrl[f] = true
			e.lastCCCtrlFrame[f] = e.sampleCount
		} else {
			e.lastCCWasCtrl[f] = false
		}

		dec := e.cea608Decs[pair.Channel]
		if dec == nil {
			continue
		}
		if text := dec.Decode(cc1, cc2); text != "" {
			cues = append(cues, capability.Cue{StartTime: pts, Text: text, Channel: pair.Channel})
		}
	}

	for _, t := range cd.DTVCC {
		if t.Start {
			cues = append(cues, e.drainDTVCC(ptsTicks, pts)...)
			e.dtvccBuf = e.dtvccBuf[:0]
		}
		e.dtvccBuf = append(e.dtvccBuf, t.Data[0], t.Data[1])
	}

	return cues
}

func (e *Extractor) drainDTVCC(ptsTicks int64, pts float64) []capability.Cue {
	if len(e.dtvccBuf) < 1 {
		return nil
	}
	packetSize := ccx.DTVCCPacketSize(e.dtvccBuf[0])
	if len(e.dtvccBuf) < packetSize {
		return nil
	}

	var cues []capability.Cue
	for _, block := range ccx.ParseDTVCCPacket(e.dtvccBuf[:packetSize]) {
		svc := e.cea708Svcs[block.ServiceNum]
		if svc == nil {
			continue
		}
		if svc.ProcessBlock(block.Data) {
			if text := svc.DisplayText(); text != "" {
				channel := block.ServiceNum + 6
				cues = append(cues, capability.Cue{StartTime: pts, Text: text, Channel: channel})
			}
		}
	}
	return cues
}
