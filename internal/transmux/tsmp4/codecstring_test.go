package tsmp4

import "testing"

func TestH264CodecString(t *testing.T) {
	// NAL header (0x67 = SPS) + profile_idc 0x42, constraint_set 0xE0, level_idc 0x1E.
	nalu := []byte{0x67, 0x42, 0xE0, 0x1E, 0x00, 0x00, 0x00}
	got, err := h264CodecString(nalu)
	if err != nil {
		t.Fatalf("h264CodecString() error: %v", err)
	}
	if got != "avc1.42E01E" {
		t.Fatalf("h264CodecString() = %q, want avc1.42E01E", got)
	}
}

func TestRemoveEmulationPreventionCollapsesEscapedZeros(t *testing.T) {
	// 00 00 03 01 is how a true 00 00 01 run is escaped in the RBSP; removal
	// must collapse it back.
	in := []byte{0x42, 0x00, 0x00, 0x03, 0x01, 0xE0}
	got := removeEmulationPrevention(in)
	want := []byte{0x42, 0x00, 0x00, 0x01, 0xE0}
	if len(got) != len(want) {
		t.Fatalf("removeEmulationPrevention() = %x, want %x", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("removeEmulationPrevention() = %x, want %x", got, want)
		}
	}
}

func TestH264CodecStringTooShort(t *testing.T) {
	if _, err := h264CodecString([]byte{0x67, 0x42}); err == nil {
		t.Fatalf("expected an error for a truncated SPS")
	}
}

func TestHEVCCodecStringFromSPS(t *testing.T) {
	nalu := []byte{
		0x42, 0x01, // 2-byte NAL header, type 33 (SPS)
		0x01,                   // sps_video_parameter_set_id=0, max_sub_layers_minus1=0, temporal_id_nesting=1
		0x01,                   // profile_space=0, tier_flag=0, profile_idc=1 (Main)
		0x60, 0x00, 0x00, 0x00, // general_profile_compatibility_flags
		0xB0, 0x00, 0x00, 0x00, 0x00, 0x00, // general_constraint_indicator_flags
		0x5D, // general_level_idc = 93
	}
	got, err := hevcCodecStringFromSPS(nalu)
	if err != nil {
		t.Fatalf("hevcCodecStringFromSPS() error: %v", err)
	}
	if got != "hev1.1.6.L93.B0" {
		t.Fatalf("hevcCodecStringFromSPS() = %q, want hev1.1.6.L93.B0", got)
	}
}

func TestHEVCCodecStringHighTier(t *testing.T) {
	nalu := []byte{
		0x42, 0x01,
		0x01,
		0x21,                   // tier_flag=1, profile_idc=1
		0x00, 0x00, 0x00, 0x00, // profile_compatibility_flags = 0 -> reversed = 0
		0x00, 0x00, 0x00, 0x00, 0x00, 0x00, // no constraint flags set
		0x78, // level_idc = 120
	}
	got, err := hevcCodecStringFromSPS(nalu)
	if err != nil {
		t.Fatalf("hevcCodecStringFromSPS() error: %v", err)
	}
	if got != "hev1.1.0.H120" {
		t.Fatalf("hevcCodecStringFromSPS() = %q, want hev1.1.0.H120", got)
	}
}
