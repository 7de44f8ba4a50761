package manifest

import "testing"

func TestVariantUsable(t *testing.T) {
	v := &Variant{AllowedByApplication: true, AllowedByKeySystem: true, DisabledUntilTime: 10}
	if v.Usable(5) {
		t.Fatalf("expected variant to be disabled until t=10")
	}
	if !v.Usable(10) {
		t.Fatalf("expected variant usable at disabledUntilTime boundary")
	}
	v.AllowedByKeySystem = false
	if v.Usable(20) {
		t.Fatalf("expected variant unusable when key system disallows it")
	}
}

func TestSegmentReferenceIdentity(t *testing.T) {
	a := &SegmentReference{URIList: []string{"seg1.mp4"}, StartByte: 0, EndByte: 100}
	b := &SegmentReference{URIList: []string{"seg1.mp4"}, StartByte: 0, EndByte: 100}
	c := &SegmentReference{URIList: []string{"seg2.mp4"}, StartByte: 0, EndByte: 100}

	if a.Identity() != b.Identity() {
		t.Fatalf("expected identical references to share an identity")
	}
	if a.Identity() == c.Identity() {
		t.Fatalf("expected distinct URIs to produce distinct identities")
	}
}

func TestInitSegmentReferenceIdentity(t *testing.T) {
	a := &InitSegmentReference{URIList: []string{"init.mp4"}, StartByte: 0, EndByte: 500}
	b := &InitSegmentReference{URIList: []string{"init.mp4"}, StartByte: 0, EndByte: 500}
	if a.Identity() != b.Identity() {
		t.Fatalf("expected identical init references to share an identity")
	}
}

func TestContentTypeString(t *testing.T) {
	cases := map[ContentType]string{
		Audio:      "audio",
		Video:      "video",
		Text:       "text",
		TrickVideo: "trickvideo",
	}
	for ct, want := range cases {
		if got := ct.String(); got != want {
			t.Fatalf("ContentType(%d).String() = %q, want %q", ct, got, want)
		}
	}
}
