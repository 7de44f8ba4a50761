// Command streamcore-demo wires a MediaSourceEngine, a StreamingEngine, and
// an in-process HTTP segment origin around a synthetic two-period VOD
// manifest, then drives playback from t=0 to end-of-stream the way a real
// player's render loop would, logging buffer state as it goes.
package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/zsiec/streamcore/internal/config"
	"github.com/zsiec/streamcore/internal/manifest"
	"github.com/zsiec/streamcore/internal/mse"
	"github.com/zsiec/streamcore/internal/mse/membuf"
	"github.com/zsiec/streamcore/internal/netsrc/httpfetch"
	"github.com/zsiec/streamcore/internal/streaming"
)

const (
	periodDuration  = 20.0
	segmentDuration = 10.0
	periodCount     = 2
)

func main() {
	level := slog.LevelInfo
	if os.Getenv("DEBUG") != "" {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		slog.Info("received signal, shutting down", "signal", sig)
		cancel()
	}()

	origin := newSegmentOrigin()
	defer origin.Close()

	cfg, err := config.New()
	if err != nil {
		slog.Error("failed to build config", "error", err)
		os.Exit(1)
	}

	m := buildManifest(origin.URL)
	variant := m.Periods[0].Variants[0]
	textStream := m.Periods[0].TextStreams[0]

	engine := mse.New(nil, nil, nil, nil, nil)
	specs := []mse.TrackSpec{
		{ContentType: manifest.Audio, Sink: membuf.New("audio/mp4;codecs=mp4a.40.2"), MimeCodecs: "audio/mp4;codecs=mp4a.40.2"},
		{ContentType: manifest.Video, Sink: membuf.New("video/mp4;codecs=avc1.640028"), MimeCodecs: "video/mp4;codecs=avc1.640028", VideoCodec: "h264"},
		{ContentType: manifest.Text, Sink: membuf.New("text/vtt"), MimeCodecs: "text/vtt"},
	}
	if err := engine.Init(specs); err != nil {
		slog.Error("failed to init MediaSourceEngine", "error", err)
		os.Exit(1)
	}
	engine.SetDuration(m.Duration)

	timeline := manifest.NewBasicTimeline(m.Duration, m.IsLive, 0)

	playhead := &playheadClock{}

	se := streaming.New(streaming.Deps{
		Log:        slog.Default(),
		Config:     func() config.Config { return *cfg },
		Engine:     engine,
		Networking: httpfetch.New(origin.Client()),
		Timeline:   timeline,
		Playhead:   playhead.Get,
	})

	if err := se.Start(ctx, variant, textStream); err != nil {
		slog.Error("failed to start StreamingEngine", "error", err)
		os.Exit(1)
	}
	defer se.Destroy()

	slog.Info("demo playback starting", "duration", m.Duration, "periods", periodCount)

	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("shutdown requested")
			return
		case <-ticker.C:
			next := playhead.Advance(0.5, m.Duration)

			slog.Info("playback tick",
				"playhead", fmt.Sprintf("%.1f", next),
				"audioBufferEnd", engine.BufferEnd(manifest.Audio),
				"videoBufferEnd", engine.BufferEnd(manifest.Video),
				"endOfStream", se.EndOfStream(),
			)

			if se.EndOfStream() {
				slog.Info("end of stream reached", "sinkDuration", engine.EndOfStream())
				return
			}
		}
	}
}

// playheadClock is the demo's stand-in for a real <video> element's
// currentTime: a mutex-guarded scalar advanced by the playback tick loop and
// read by the StreamingEngine's tracks between ticks.
type playheadClock struct {
	mu sync.Mutex
	t  float64
}

func (p *playheadClock) Get() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.t
}

// Advance moves the playhead forward by delta, clamped to max, and returns
// the new value.
func (p *playheadClock) Advance(delta, max float64) float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.t += delta
	if p.t > max {
		p.t = max
	}
	return p.t
}

func buildManifest(originURL string) *manifest.Manifest {
	period0 := buildPeriod(originURL, 0, 0)
	period1 := buildPeriod(originURL, 1, periodDuration)

	return &manifest.Manifest{
		Duration:      periodDuration * periodCount,
		IsLive:        false,
		SequenceMode:  false,
		Periods:       []*manifest.Period{period0, period1},
		MinBufferTime: 2,
	}
}

func buildPeriod(originURL string, periodIndex int, startTime float64) *manifest.Period {
	audioRefs := segmentRefs(originURL, "audio", periodIndex, startTime)
	videoRefs := segmentRefs(originURL, "video", periodIndex, startTime)
	textRefs := segmentRefs(originURL, "text", periodIndex, startTime)

	audio := &demoStream{id: fmt.Sprintf("audio-p%d", periodIndex), ct: manifest.Audio, mime: "audio/mp4", codecs: "mp4a.40.2", idx: &demoSegmentIndex{refs: audioRefs}}
	video := &demoStream{id: fmt.Sprintf("video-p%d", periodIndex), ct: manifest.Video, mime: "video/mp4", codecs: "avc1.640028", idx: &demoSegmentIndex{refs: videoRefs}}
	text := &demoStream{id: fmt.Sprintf("text-p%d", periodIndex), ct: manifest.Text, mime: "text/vtt", codecs: "", idx: &demoSegmentIndex{refs: textRefs}}

	variant := &manifest.Variant{
		ID:                   fmt.Sprintf("v-p%d", periodIndex),
		Bandwidth:             2_000_000,
		Audio:                 audio,
		Video:                 video,
		AllowedByApplication:  true,
		AllowedByKeySystem:    true,
	}

	return &manifest.Period{
		StartTime:   startTime,
		Variants:    []*manifest.Variant{variant},
		TextStreams: []manifest.Stream{text},
	}
}

func segmentRefs(originURL, kind string, periodIndex int, periodStart float64) []*manifest.SegmentReference {
	segPerPeriod := int(periodDuration / segmentDuration)
	refs := make([]*manifest.SegmentReference, 0, segPerPeriod)
	initRef := &manifest.InitSegmentReference{URIList: []string{originURL + "/" + kind + "/init-" + strconv.Itoa(periodIndex) + ".mp4"}}
	for i := 0; i < segPerPeriod; i++ {
		start := periodStart + float64(i)*segmentDuration
		end := start + segmentDuration
		refs = append(refs, &manifest.SegmentReference{
			StartTime:            start,
			EndTime:               end,
			URIList:               []string{originURL + "/" + kind + "/seg-" + strconv.Itoa(periodIndex) + "-" + strconv.Itoa(i) + ".mp4"},
			InitSegmentReference: initRef,
			MediaSequenceNumber:  uint64(periodIndex*segPerPeriod + i),
		})
	}
	return refs
}

type demoSegmentIndex struct {
	refs []*manifest.SegmentReference
}

func (d *demoSegmentIndex) Get(t float64) (*manifest.SegmentReference, error) {
	for _, r := range d.refs {
		if t >= r.StartTime && t < r.EndTime {
			return r, nil
		}
	}
	return nil, nil
}

type demoStream struct {
	id     string
	ct     manifest.ContentType
	mime   string
	codecs string
	idx    manifest.SegmentIndex
}

func (s *demoStream) ID() string                       { return s.id }
func (s *demoStream) ContentType() manifest.ContentType { return s.ct }
func (s *demoStream) MimeType() string                  { return s.mime }
func (s *demoStream) Codecs() string                    { return s.codecs }
func (s *demoStream) EmsgSchemeIDURIs() []string        { return nil }
func (s *demoStream) AesKey() *manifest.AesKey          { return nil }
func (s *demoStream) SegmentIndex() manifest.SegmentIndex { return s.idx }
func (s *demoStream) CreateSegmentIndex(ctx context.Context) error { return nil }
func (s *demoStream) CloseSegmentIndex()               {}
func (s *demoStream) IsAudioMuxedInVideo() bool         { return false }

// newSegmentOrigin serves deterministic placeholder segment bytes for any
// /<kind>/<name>.mp4 path, standing in for a real CDN during the demo.
func newSegmentOrigin() *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		kind := strings.Trim(r.URL.Path, "/")
		io.WriteString(w, "synthetic-segment:"+kind)
	}))
}
