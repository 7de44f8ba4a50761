// Package boxparser scans an appended media segment for the ISO-BMFF
// ancillary boxes the streaming core cares about: emsg (inband application
// events), prft (producer reference time), and moov/trak/mdia/mdhd (the
// init segment's timescale, cached for subsequent prft math). It never
// decodes audio/video sample data.
package boxparser

import (
	"encoding/binary"
	"fmt"

	"github.com/zsiec/streamcore/internal/scte35"
)

// Well-known emsg schemeIdUri values with built-in handling, on top of
// whatever scheme URIs a Stream registers for itself.
const (
	SchemeDASHEvent = "urn:mpeg:dash:event:2012"
	SchemeID3       = "https://aomedia.org/emsg/ID3"
	SchemeSCTE35Bin = "urn:scte:scte35:2013:bin"
)

// EmsgEvent is a decoded emsg box, v0 or v1, with StartTime/EndTime already
// resolved to presentation time.
type EmsgEvent struct {
	SchemeIDURI           string
	Value                 string
	Timescale             uint32
	PresentationTimeDelta uint32
	EventDuration         uint32
	ID                    uint32
	MessageData           []byte
	StartTime             float64
	EndTime               float64
}

// PrftEvent is a decoded prft box resolved to a programStartDate.
type PrftEvent struct {
	WallClockTimeMs int64 // Unix milliseconds
	NtpTimestamp    uint64
	MediaTime       uint64
	Timescale       uint32
}

// Callbacks receives the events BoxParser discovers. Any field left nil is
// simply not invoked.
type Callbacks struct {
	OnEmsg            func(EmsgEvent)
	OnMetadataID3     func(frame []byte, start, end float64)
	OnManifestUpdate  func()
	OnPrft            func(PrftEvent)
	OnSplice          func(*scte35.SpliceInfoSection)
}

// Reference is the subset of a SegmentReference BoxParser needs: the
// presentation window and the timestampOffset that ties container time to
// presentation time.
type Reference struct {
	StartTime       float64
	TimestampOffset float64
}

// BoxParser walks top-level boxes in appended segments. It is not
// goroutine-safe; callers serialize access the same way MediaSourceEngine
// serializes all other per-track operations.
type BoxParser struct {
	registeredSchemes map[string]bool
	timescale         uint32 // cached from the init segment's mdhd
	prftReported      bool   // at-most-once per continuous session
	parsePrft         bool
}

// New creates a BoxParser for a track. schemeIdUris are the stream's own
// registered emsg schemes (in addition to the well-known ones handled
// unconditionally). parsePrft mirrors the engine-wide parsePrftBox config.
func New(schemeIdUris []string, parsePrft bool) *BoxParser {
	bp := &BoxParser{
		registeredSchemes: make(map[string]bool, len(schemeIdUris)),
		parsePrft:         parsePrft,
	}
	for _, s := range schemeIdUris {
		bp.registeredSchemes[s] = true
	}
	return bp
}

// ResetSession clears the at-most-once prft latch, called when a
// continuous session boundary occurs (e.g. a cross-period clear-all seek).
func (bp *BoxParser) ResetSession() {
	bp.prftReported = false
}

// Parse walks the top-level boxes of buf (an init or media segment) and
// invokes cb for any emsg/prft/manifest-update events found. ref is nil for
// init segments.
func (bp *BoxParser) Parse(buf []byte, ref *Reference, cb Callbacks) error {
	off := 0
	for off+8 <= len(buf) {
		size, boxType, headerLen, err := readBoxHeader(buf[off:])
		if err != nil {
			return fmt.Errorf("boxparser: %w", err)
		}
		if size < uint64(headerLen) || off+int(size) > len(buf) {
			// Truncated or trailing box; stop rather than misreading
			// past the buffer.
			break
		}
		body := buf[off+headerLen : off+int(size)]

		switch boxType {
		case "emsg":
			if err := bp.handleEmsg(body, ref, cb); err != nil {
				return fmt.Errorf("boxparser: emsg: %w", err)
			}
		case "prft":
			if bp.parsePrft && !bp.prftReported {
				if err := bp.handlePrft(body, cb); err == nil {
					bp.prftReported = true
				}
			}
		case "moov":
			bp.scanMoov(body)
		}

		off += int(size)
	}
	return nil
}

// scanMoov descends into moov/trak/mdia/mdhd looking for the timescale.
// It does not fully parse the box tree; it only looks for mdhd within the
// first trak/mdia it finds, which is sufficient to cache a timescale for
// prft math (real content carries the same timescale on mdhd and the track
// fragment headers that follow).
func (bp *BoxParser) scanMoov(moov []byte) {
	trak, ok := findBox(moov, "trak")
	if !ok {
		return
	}
	mdia, ok := findBox(trak, "mdia")
	if !ok {
		return
	}
	mdhd, ok := findBox(mdia, "mdhd")
	if !ok {
		return
	}
	if len(mdhd) < 4 {
		return
	}
	version := mdhd[0]
	var off int
	if version == 1 {
		off = 20
	} else {
		off = 12
	}
	if off+4 > len(mdhd) {
		return
	}
	bp.timescale = binary.BigEndian.Uint32(mdhd[off : off+4])
}

// Timescale returns the cached init-segment timescale, or 0 if none has
// been seen yet.
func (bp *BoxParser) Timescale() uint32 { return bp.timescale }

func (bp *BoxParser) handleEmsg(body []byte, ref *Reference, cb Callbacks) error {
	if len(body) < 4 {
		return fmt.Errorf("emsg too short")
	}
	version := body[0]
	off := 4 // skip size/type's version+flags word, already consumed by caller via body start

	var e EmsgEvent
	switch version {
	case 0:
		schemeIdUri, n, err := readCString(body[off:])
		if err != nil {
			return err
		}
		off += n
		value, n, err := readCString(body[off:])
		if err != nil {
			return err
		}
		off += n
		if off+16 > len(body) {
			return fmt.Errorf("emsg v0 truncated")
		}
		e.SchemeIDURI = schemeIdUri
		e.Value = value
		e.Timescale = binary.BigEndian.Uint32(body[off:])
		e.PresentationTimeDelta = binary.BigEndian.Uint32(body[off+4:])
		e.EventDuration = binary.BigEndian.Uint32(body[off+8:])
		e.ID = binary.BigEndian.Uint32(body[off+12:])
		e.MessageData = append([]byte(nil), body[off+16:]...)

		if ref != nil && e.Timescale > 0 {
			e.StartTime = ref.StartTime + float64(e.PresentationTimeDelta)/float64(e.Timescale)
		}
	case 1:
		if off+24 > len(body) {
			return fmt.Errorf("emsg v1 truncated")
		}
		e.Timescale = binary.BigEndian.Uint32(body[off:])
		presentationTime := binary.BigEndian.Uint64(body[off+4:])
		e.EventDuration = binary.BigEndian.Uint32(body[off+12:])
		e.ID = binary.BigEndian.Uint32(body[off+16:])
		off += 20
		schemeIdUri, n, err := readCString(body[off:])
		if err != nil {
			return err
		}
		off += n
		value, n, err := readCString(body[off:])
		if err != nil {
			return err
		}
		off += n
		e.SchemeIDURI = schemeIdUri
		e.Value = value
		e.MessageData = append([]byte(nil), body[off:]...)

		if e.Timescale > 0 {
			e.StartTime = float64(presentationTime)/float64(e.Timescale) + 0
			if ref != nil {
				e.StartTime += ref.TimestampOffset
			}
		}
	default:
		return fmt.Errorf("unsupported emsg version %d", version)
	}

	if e.Timescale > 0 {
		e.EndTime = e.StartTime + float64(e.EventDuration)/float64(e.Timescale)
	}

	bp.dispatchEmsg(e, cb)
	return nil
}

// dispatchEmsg applies the well-known-scheme policy: DASH-event triggers a
// manifest update, ID3 decodes messageData as a metadata frame in addition
// to the emsg, SCTE-35 decodes a splice_info_section in addition to the
// emsg, and anything else is reported only if the stream registered for it.
func (bp *BoxParser) dispatchEmsg(e EmsgEvent, cb Callbacks) {
	switch e.SchemeIDURI {
	case SchemeDASHEvent:
		if cb.OnManifestUpdate != nil {
			cb.OnManifestUpdate()
		}
		return // onEmsg is not invoked for this scheme, per contract
	case SchemeID3:
		if cb.OnMetadataID3 != nil {
			cb.OnMetadataID3(e.MessageData, e.StartTime, e.EndTime)
		}
	case SchemeSCTE35Bin:
		if cb.OnSplice != nil {
			if sis, err := scte35.DecodeBytes(e.MessageData); err == nil {
				cb.OnSplice(sis)
			}
		}
	default:
		if !bp.registeredSchemes[e.SchemeIDURI] {
			return
		}
	}
	if cb.OnEmsg != nil {
		cb.OnEmsg(e)
	}
}

func (bp *BoxParser) handlePrft(body []byte, cb Callbacks) error {
	if len(body) < 4 {
		return fmt.Errorf("prft too short")
	}
	version := body[0]
	off := 4 // referenceTrackID
	if off+4 > len(body) {
		return fmt.Errorf("prft truncated")
	}
	off += 4

	var e PrftEvent
	if version == 1 {
		if off+16 > len(body) {
			return fmt.Errorf("prft v1 truncated")
		}
		e.NtpTimestamp = binary.BigEndian.Uint64(body[off:])
		e.MediaTime = binary.BigEndian.Uint64(body[off+8:])
	} else {
		if off+12 > len(body) {
			return fmt.Errorf("prft v0 truncated")
		}
		e.NtpTimestamp = binary.BigEndian.Uint64(body[off:])
		e.MediaTime = uint64(binary.BigEndian.Uint32(body[off+8:]))
	}
	e.Timescale = bp.timescale
	e.WallClockTimeMs = ntpToUnixMs(e.NtpTimestamp)
	if e.Timescale > 0 {
		e.WallClockTimeMs -= int64(e.MediaTime) * 1000 / int64(e.Timescale)
	}

	if cb.OnPrft != nil {
		cb.OnPrft(e)
	}
	return nil
}

// ntpEpochOffsetSeconds is the number of seconds between the NTP epoch
// (1900-01-01 UTC) and the Unix epoch (1970-01-01 UTC).
const ntpEpochOffsetSeconds = 2208988800

func ntpToUnixMs(ntp uint64) int64 {
	seconds := int64(ntp>>32) - ntpEpochOffsetSeconds
	fraction := uint32(ntp & 0xFFFFFFFF)
	fracMs := int64(fraction) * 1000 / (1 << 32)
	return seconds*1000 + fracMs
}

func readBoxHeader(buf []byte) (size uint64, boxType string, headerLen int, err error) {
	if len(buf) < 8 {
		return 0, "", 0, fmt.Errorf("box header truncated")
	}
	size32 := binary.BigEndian.Uint32(buf[0:4])
	boxType = string(buf[4:8])
	headerLen = 8
	switch size32 {
	case 0:
		return 0, "", 0, fmt.Errorf("box %q extends to end of file, unsupported", boxType)
	case 1:
		if len(buf) < 16 {
			return 0, "", 0, fmt.Errorf("box %q largesize truncated", boxType)
		}
		size = binary.BigEndian.Uint64(buf[8:16])
		headerLen = 16
	default:
		size = uint64(size32)
	}
	return size, boxType, headerLen, nil
}

// findBox returns the body (minus header) of the first child box of the
// given type within buf.
func findBox(buf []byte, boxType string) ([]byte, bool) {
	off := 0
	for off+8 <= len(buf) {
		size, typ, headerLen, err := readBoxHeader(buf[off:])
		if err != nil || off+int(size) > len(buf) || size < uint64(headerLen) {
			return nil, false
		}
		if typ == boxType {
			return buf[off+headerLen : off+int(size)], true
		}
		off += int(size)
	}
	return nil, false
}

func readCString(buf []byte) (string, int, error) {
	for i, b := range buf {
		if b == 0 {
			return string(buf[:i]), i + 1, nil
		}
	}
	return "", 0, fmt.Errorf("unterminated string")
}
