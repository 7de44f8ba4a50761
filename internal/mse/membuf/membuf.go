// Package membuf is an in-memory mse.Sink: it tracks buffered time ranges
// the way a real MSE SourceBuffer's `buffered` TimeRanges does, without
// retaining decoded media. It exists so the engine is runnable and testable
// standalone; a real deployment wires mse.Sink to an actual browser/CGo
// decoder instead, the same swap-the-collaborator shape a relay/viewer
// split uses for fan-out vs. decode.
package membuf

import (
	"context"
	"fmt"
	"sync"
)

// timeRange is a half-open [start, end) buffered interval.
type timeRange struct {
	start, end float64
}

// Sink is a bounded-memory stand-in for a browser SourceBuffer: appends
// extend or open a buffered range, removes trim or split one, and no actual
// sample bytes are retained past accounting for their span.
type Sink struct {
	mu sync.Mutex

	mimeCodecs      string
	timestampOffset float64
	appendWindow    timeRange
	duration        float64
	ranges          []timeRange

	// gapThreshold is the maximum gap between the end of one buffered range
	// and the start of a new append before the append starts a new range
	// rather than extending the last one, mirroring a decoder's tolerance
	// for small timestamp irregularities between fragments.
	gapThreshold float64
}

// New creates an empty Sink for one mime;codecs string.
func New(mimeCodecs string) *Sink {
	return &Sink{
		mimeCodecs:   mimeCodecs,
		appendWindow: timeRange{start: 0, end: inf},
		gapThreshold: 0.2,
	}
}

const inf = 1e18

// ChangeType updates the sink's mime;codecs string. A real SourceBuffer
// requires this to happen between appends; this stand-in does not enforce
// that, since there's no real decoder reconfiguration to race against.
func (s *Sink) ChangeType(mimeCodecs string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.mimeCodecs = mimeCodecs
	return nil
}

// SetTimestampOffset records offset. AppendBuffer does not apply it: the
// start/end times it receives are used as given.
func (s *Sink) SetTimestampOffset(offset float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.timestampOffset = offset
}

// SetAppendWindow bounds future appends to [start, end); samples outside are
// dropped exactly like a real SourceBuffer's appendWindowStart/End.
func (s *Sink) SetAppendWindow(start, end float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.appendWindow = timeRange{start: start, end: end}
}

// SetDuration clamps the sink's notion of presentation duration.
func (s *Sink) SetDuration(d float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.duration = d
}

// AppendBuffer records [start, end) — the presentation span of the samples
// in data, after the caller has already applied timestampOffset — as
// buffered, coalescing it into an existing range when the gap is small
// enough, clipped to the append window.
func (s *Sink) AppendBuffer(ctx context.Context, start, end float64) error {
	if end <= start {
		return fmt.Errorf("membuf: non-positive duration append [%f, %f)", start, end)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	start = clip(start, s.appendWindow.start, s.appendWindow.end)
	end = clip(end, s.appendWindow.start, s.appendWindow.end)
	if end <= start {
		return nil // entirely outside the append window
	}

	s.insert(timeRange{start: start, end: end})
	return nil
}

func clip(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func (s *Sink) insert(r timeRange) {
	for i := range s.ranges {
		existing := s.ranges[i]
		if r.start <= existing.end+s.gapThreshold && r.end >= existing.start-s.gapThreshold {
			merged := timeRange{start: min(r.start, existing.start), end: max(r.end, existing.end)}
			s.ranges[i] = merged
			s.coalesce()
			return
		}
	}
	s.ranges = append(s.ranges, r)
	s.sortRanges()
}

func (s *Sink) sortRanges() {
	for i := 1; i < len(s.ranges); i++ {
		for j := i; j > 0 && s.ranges[j-1].start > s.ranges[j].start; j-- {
			s.ranges[j-1], s.ranges[j] = s.ranges[j], s.ranges[j-1]
		}
	}
}

// coalesce merges adjacent/overlapping ranges after an insert may have
// brought two previously-disjoint ranges within gapThreshold of each other.
func (s *Sink) coalesce() {
	s.sortRanges()
	out := s.ranges[:0]
	for _, r := range s.ranges {
		if len(out) > 0 && r.start <= out[len(out)-1].end+s.gapThreshold {
			if r.end > out[len(out)-1].end {
				out[len(out)-1].end = r.end
			}
			continue
		}
		out = append(out, r)
	}
	s.ranges = out
}

// Remove deletes [start, end) from the buffered set, splitting or
// shrinking ranges as needed.
func (s *Sink) Remove(start, end float64) error {
	if end <= start {
		return fmt.Errorf("membuf: non-positive remove range [%f, %f)", start, end)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var out []timeRange
	for _, r := range s.ranges {
		switch {
		case end <= r.start || start >= r.end:
			out = append(out, r)
		case start <= r.start && end >= r.end:
			// fully removed
		case start <= r.start:
			out = append(out, timeRange{start: end, end: r.end})
		case end >= r.end:
			out = append(out, timeRange{start: r.start, end: start})
		default:
			out = append(out, timeRange{start: r.start, end: start})
			out = append(out, timeRange{start: end, end: r.end})
		}
	}
	s.ranges = out
	return nil
}

// Clear removes every buffered range without touching configuration.
func (s *Sink) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ranges = nil
}

// BufferStart returns the start of the first buffered range, or ok=false if
// nothing is buffered.
func (s *Sink) BufferStart() (float64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.ranges) == 0 {
		return 0, false
	}
	return s.ranges[0].start, true
}

// BufferEnd returns the end of the last buffered range, or 0 if nothing is
// buffered.
func (s *Sink) BufferEnd() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.ranges) == 0 {
		return 0
	}
	return s.ranges[len(s.ranges)-1].end
}

// BufferedAheadOf returns how much contiguous time is buffered starting at
// t, 0 if t falls in a gap or past the end of the buffered set.
func (s *Sink) BufferedAheadOf(t float64) float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.ranges {
		if t >= r.start && t < r.end {
			return r.end - t
		}
	}
	return 0
}
