package prefetch

import (
	"context"
	"sync/atomic"
	"testing"

	"github.com/zsiec/streamcore/internal/capability"
	"github.com/zsiec/streamcore/internal/manifest"
)

type fakeOp struct {
	uri     string
	aborted atomic.Bool
}

func (f *fakeOp) Wait(ctx context.Context) (*capability.Response, error) {
	return &capability.Response{URI: f.uri}, nil
}
func (f *fakeOp) Abort() { f.aborted.Store(true) }

func refWithURI(uri string) *manifest.SegmentReference {
	return &manifest.SegmentReference{URIList: []string{uri}}
}

func TestPrefetchCachesByIdentity(t *testing.T) {
	var calls atomic.Int32
	fetch := func(ctx context.Context, ref *manifest.SegmentReference) capability.AbortableOp {
		calls.Add(1)
		return &fakeOp{uri: ref.URIList[0]}
	}
	c := New(nil, 3, fetch)

	ref := refWithURI("seg1.ts")
	c.Prefetch(context.Background(), ref)
	c.Prefetch(context.Background(), ref) // same identity, should not re-fetch

	if calls.Load() != 1 {
		t.Fatalf("fetch called %d times, want 1", calls.Load())
	}
	if c.Len() != 1 {
		t.Fatalf("Len() = %d, want 1", c.Len())
	}
}

func TestPrefetchDisabledWhenLimitIsZero(t *testing.T) {
	var calls atomic.Int32
	fetch := func(ctx context.Context, ref *manifest.SegmentReference) capability.AbortableOp {
		calls.Add(1)
		return &fakeOp{}
	}
	c := New(nil, 0, fetch)
	c.Prefetch(context.Background(), refWithURI("seg1.ts"))

	if calls.Load() != 0 {
		t.Fatalf("expected no fetch when limit is 0, got %d calls", calls.Load())
	}
}

func TestPrefetchEvictsOldestWhenOverLimit(t *testing.T) {
	fetch := func(ctx context.Context, ref *manifest.SegmentReference) capability.AbortableOp {
		return &fakeOp{uri: ref.URIList[0]}
	}
	c := New(nil, 2, fetch)

	c.Prefetch(context.Background(), refWithURI("seg1.ts"))
	c.Prefetch(context.Background(), refWithURI("seg2.ts"))
	c.Prefetch(context.Background(), refWithURI("seg3.ts")) // evicts seg1

	if c.Len() != 2 {
		t.Fatalf("Len() = %d, want 2", c.Len())
	}
	if _, ok := c.Take(refWithURI("seg1.ts")); ok {
		t.Fatalf("expected seg1 to have been evicted")
	}
	if _, ok := c.Take(refWithURI("seg3.ts")); !ok {
		t.Fatalf("expected seg3 to still be cached")
	}
}

func TestTakeRemovesEntry(t *testing.T) {
	fetch := func(ctx context.Context, ref *manifest.SegmentReference) capability.AbortableOp {
		return &fakeOp{uri: ref.URIList[0]}
	}
	c := New(nil, 3, fetch)
	ref := refWithURI("seg1.ts")
	c.Prefetch(context.Background(), ref)

	op, ok := c.Take(ref)
	if !ok || op == nil {
		t.Fatalf("expected a cached op on first Take")
	}
	if _, ok := c.Take(ref); ok {
		t.Fatalf("expected a miss on second Take for the same identity")
	}
}

func TestReleaseAbortsAllEntries(t *testing.T) {
	ops := make(map[string]*fakeOp)
	fetch := func(ctx context.Context, ref *manifest.SegmentReference) capability.AbortableOp {
		op := &fakeOp{uri: ref.URIList[0]}
		ops[ref.URIList[0]] = op
		return op
	}
	c := New(nil, 3, fetch)
	c.Prefetch(context.Background(), refWithURI("seg1.ts"))
	c.Prefetch(context.Background(), refWithURI("seg2.ts"))

	c.Release()

	if c.Len() != 0 {
		t.Fatalf("Len() = %d after Release, want 0", c.Len())
	}
	for uri, op := range ops {
		if !op.aborted.Load() {
			t.Fatalf("expected %s to be aborted by Release", uri)
		}
	}
}

func TestShadowGroupGetCreatesPerLanguage(t *testing.T) {
	fetch := func(ctx context.Context, ref *manifest.SegmentReference) capability.AbortableOp {
		return &fakeOp{uri: ref.URIList[0]}
	}
	g := NewShadowGroup(nil, 2, fetch)

	en := g.Get("en")
	es := g.Get("es")
	enAgain := g.Get("en")

	if en != enAgain {
		t.Fatalf("expected Get(\"en\") to return the same Cache instance")
	}
	if en == es {
		t.Fatalf("expected distinct Cache instances per language")
	}
	if len(g.Languages()) != 2 {
		t.Fatalf("Languages() = %v, want 2 entries", g.Languages())
	}
}

func TestShadowGroupDropReleasesCache(t *testing.T) {
	fetch := func(ctx context.Context, ref *manifest.SegmentReference) capability.AbortableOp {
		return &fakeOp{uri: ref.URIList[0]}
	}
	g := NewShadowGroup(nil, 2, fetch)
	c := g.Get("en")
	c.Prefetch(context.Background(), refWithURI("seg1.ts"))

	g.Drop("en")

	if len(g.Languages()) != 0 {
		t.Fatalf("expected no languages left after Drop")
	}
	if c.Len() != 0 {
		t.Fatalf("expected the dropped cache to have been released")
	}
}
