package manifest

import (
	"sync"
	"time"
)

// PresentationTimeline is the capability a Stream's owner supplies to report
// segment availability and seek range. For VOD it is static; for live it
// advances with wall-clock time.
type PresentationTimeline interface {
	GetDuration() float64
	IsLive() bool
	GetSegmentAvailabilityStart() float64
	GetSegmentAvailabilityEnd() float64
	GetSeekRangeStart() float64
	GetSeekRangeEnd() float64
	GetSafeSeekRangeStart(offset float64) float64
	SetDuration(d float64)
	NotifySegments(refs []*SegmentReference, periodStart float64)
	NotifyMaxSegmentDuration(d float64)
	SetClockOffset(ms int64)
}

// BasicTimeline is the default PresentationTimeline: fixed duration for VOD,
// a sliding availability window driven by wall-clock time for live.
type BasicTimeline struct {
	mu sync.RWMutex

	isLive             bool
	duration           float64
	segmentAvailDur    float64 // live: how far back segments stay available
	maxSegmentDuration float64
	clockOffsetMs      int64
	startWall          time.Time
}

// NewBasicTimeline constructs a timeline. segmentAvailabilityDuration is
// ignored for VOD content.
func NewBasicTimeline(duration float64, isLive bool, segmentAvailabilityDuration float64) *BasicTimeline {
	return &BasicTimeline{
		isLive:          isLive,
		duration:        duration,
		segmentAvailDur: segmentAvailabilityDuration,
		startWall:       time.Now(),
	}
}

func (t *BasicTimeline) now() float64 {
	return time.Since(t.startWall).Seconds() + float64(t.clockOffsetMs)/1000
}

func (t *BasicTimeline) GetDuration() float64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.duration
}

func (t *BasicTimeline) IsLive() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.isLive
}

func (t *BasicTimeline) GetSegmentAvailabilityStart() float64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if !t.isLive {
		return 0
	}
	start := t.now() - t.segmentAvailDur
	if start < 0 {
		return 0
	}
	return start
}

func (t *BasicTimeline) GetSegmentAvailabilityEnd() float64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if !t.isLive {
		return t.duration
	}
	return t.now()
}

func (t *BasicTimeline) GetSeekRangeStart() float64 {
	return t.GetSegmentAvailabilityStart()
}

func (t *BasicTimeline) GetSeekRangeEnd() float64 {
	return t.GetSegmentAvailabilityEnd()
}

func (t *BasicTimeline) GetSafeSeekRangeStart(offset float64) float64 {
	start := t.GetSeekRangeStart() + offset
	if start < 0 {
		return 0
	}
	return start
}

// SetDuration updates the presentation duration. Per the open question on
// sink-reported duration, a duration of 0 is ignored rather than treated as
// "shrink to nothing" — the manifest's value is authoritative until EOS
// reports a real, positive shorter duration.
func (t *BasicTimeline) SetDuration(d float64) {
	if d <= 0 {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.isLive {
		return
	}
	t.duration = d
}

// NotifySegments records the maximum segment duration observed so far,
// which MaxSegmentDuration reports.
func (t *BasicTimeline) NotifySegments(refs []*SegmentReference, periodStart float64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, r := range refs {
		d := r.EndTime - r.StartTime
		if d > t.maxSegmentDuration {
			t.maxSegmentDuration = d
		}
	}
}

func (t *BasicTimeline) NotifyMaxSegmentDuration(d float64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if d > t.maxSegmentDuration {
		t.maxSegmentDuration = d
	}
}

func (t *BasicTimeline) MaxSegmentDuration() float64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.maxSegmentDuration
}

func (t *BasicTimeline) SetClockOffset(ms int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.clockOffsetMs = ms
}
