// Package scte35 decodes (and, for test fixtures, re-encodes) the
// splice_info_section binary structure carried inside an emsg box whose
// schemeIdUri is urn:scte:scte35:2013:bin. boxparser hands the raw
// messageData to DecodeBytes and forwards the result to the stream's
// OnSplice callback unexamined; this package owns everything about turning
// those bytes into a SpliceInfoSection and nothing about what a splice
// point means to playback.
package scte35

import "fmt"

const (
	tableID = 0xFC

	SpliceNullType   uint32 = 0x00
	SpliceInsertType uint32 = 0x05
	TimeSignalType   uint32 = 0x06
)

// SpliceCommand is the splice_command() payload identified by
// splice_command_type; SpliceNull, SpliceInsert, and TimeSignal are the
// three this package understands.
type SpliceCommand interface {
	Type() uint32
	decode([]byte) error
	encode() ([]byte, error)
	commandLength() int
}

// SpliceDescriptor is a splice_descriptor() entry from the descriptor loop.
// SegmentationDescriptor is the only tag this package parses; others are
// skipped during decode rather than rejected.
type SpliceDescriptor interface {
	Tag() uint32
	decode([]byte) error
	encode() ([]byte, error)
	descriptorLength() int
}

// SpliceDescriptors is the decoded descriptor loop, in wire order.
type SpliceDescriptors []SpliceDescriptor

// SpliceTime carries an optional pts_time, present only when
// time_specified_flag is set.
type SpliceTime struct {
	PTSTime *uint64
}

// BreakDuration is a splice_insert()'s optional break_duration().
type BreakDuration struct {
	AutoReturn bool
	Duration   uint64
}

// SpliceInfoSection is the decoded splice_info_section(), CRC already
// verified.
type SpliceInfoSection struct {
	SAPType           uint32
	PTSAdjustment     uint64
	Tier              uint32
	SpliceCommand     SpliceCommand
	SpliceDescriptors SpliceDescriptors
}

// DecodeBytes parses a binary splice_info_section, verifying its trailing
// CRC32 before touching any other field.
func DecodeBytes(data []byte) (*SpliceInfoSection, error) {
	sis := &SpliceInfoSection{}
	if err := sis.decode(data); err != nil {
		return sis, err
	}
	return sis, nil
}

func (sis *SpliceInfoSection) decode(data []byte) error {
	if err := verifyCRC32(data); err != nil {
		return err
	}

	r := newBitReader(data)
	r.skip(8) // table_id
	r.skip(1) // section_syntax_indicator
	r.skip(1) // private_indicator
	sis.SAPType = r.readUint32(2)
	sectionLength := int(r.readUint32(12))

	r.skip(8) // protocol_version
	r.skip(1) // encrypted_packet
	r.skip(6) // encryption_algorithm
	sis.PTSAdjustment = r.readUint64(33)
	r.skip(8) // cw_index
	sis.Tier = r.readUint32(12)

	spliceCommandLength := int(r.readUint32(12))
	spliceCommandType := r.readUint32(8)

	if spliceCommandLength == 0xFFF {
		// A splice_command_length of 0xFFF marks the legacy "compute the
		// length yourself" encoding: decode the command first to learn its
		// own length, then the descriptor loop starts right after it.
		remaining := sectionLength - 11 // bytes after the fixed header fields, before CRC
		allRemaining := r.readBytes(remaining - 4)
		cmd, err := decodeSpliceCommand(spliceCommandType, allRemaining)
		if err != nil {
			return fmt.Errorf("scte35: decoding command type 0x%02X: %w", spliceCommandType, err)
		}
		sis.SpliceCommand = cmd
		cmdLen := cmd.commandLength()
		if cmdLen < len(allRemaining)-2 {
			descData := allRemaining[cmdLen+2:] // skip descriptor_loop_length
			descLoopLen := int(allRemaining[cmdLen])<<8 | int(allRemaining[cmdLen+1])
			if descLoopLen > 0 && descLoopLen <= len(descData) {
				descs, derr := decodeSpliceDescriptors(descData[:descLoopLen])
				if derr != nil {
					return derr
				}
				sis.SpliceDescriptors = descs
			}
		}
	} else {
		cmdData := r.readBytes(spliceCommandLength)
		cmd, err := decodeSpliceCommand(spliceCommandType, cmdData)
		if err != nil {
			return fmt.Errorf("scte35: decoding command type 0x%02X: %w", spliceCommandType, err)
		}
		sis.SpliceCommand = cmd

		descriptorLoopLength := int(r.readUint32(16))
		if descriptorLoopLength > 0 {
			descData := r.readBytes(descriptorLoopLength)
			descs, derr := decodeSpliceDescriptors(descData)
			if derr != nil {
				return derr
			}
			sis.SpliceDescriptors = descs
		}
	}

	return nil
}

// Encode serializes the section to binary. Production code only ever
// decodes an inbound section (Encode has no caller outside this package's
// own tests); it stays exported because generating a golden fixture to
// decode is the most direct way to test the decoder against known-good
// wire bytes.
func (sis *SpliceInfoSection) Encode() ([]byte, error) {
	sectionLen := sis.sectionLength()
	totalLen := 3 + sectionLen // table_id(1) + flags+sap+section_length(2) + section data

	w := newBitWriter(totalLen)

	w.putUint32(8, tableID)
	w.putBit(false) // section_syntax_indicator
	w.putBit(false) // private_indicator
	w.putUint32(2, sis.SAPType)
	w.putUint32(12, uint32(sectionLen))

	w.putUint32(8, 0) // protocol_version
	w.putBit(false)   // encrypted_packet
	w.putUint32(6, 0) // encryption_algorithm
	w.putUint64(33, sis.PTSAdjustment)
	w.putUint32(8, 0) // cw_index
	w.putUint32(12, sis.Tier)

	if sis.SpliceCommand != nil {
		w.putUint32(12, uint32(sis.SpliceCommand.commandLength()))
		w.putUint32(8, sis.SpliceCommand.Type())
		cmdBytes, err := sis.SpliceCommand.encode()
		if err != nil {
			return nil, err
		}
		w.putBytes(cmdBytes)
	} else {
		w.putUint32(12, 0)
		w.putUint32(8, SpliceNullType)
	}

	descLoopLen := sis.descriptorLoopLength()
	w.putUint32(16, uint32(descLoopLen))
	for _, desc := range sis.SpliceDescriptors {
		descBytes, err := desc.encode()
		if err != nil {
			return nil, err
		}
		w.putBytes(descBytes)
	}

	crc := crc32MPEG2(w.bytes()[:totalLen-4])
	w.putUint32(32, crc)

	return w.bytes(), nil
}

func (sis *SpliceInfoSection) sectionLength() int {
	bits := 8  // protocol_version
	bits += 1  // encrypted_packet
	bits += 6  // encryption_algorithm
	bits += 33 // pts_adjustment
	bits += 8  // cw_index
	bits += 12 // tier
	bits += 12 // splice_command_length
	bits += 8  // splice_command_type

	if sis.SpliceCommand != nil {
		bits += sis.SpliceCommand.commandLength() * 8
	}

	bits += 16 // descriptor_loop_length
	bits += sis.descriptorLoopLength() * 8
	bits += 32 // CRC_32

	return bits / 8
}

// PrimarySegmentation returns the first SegmentationDescriptor in the
// descriptor loop, or nil if the section carries none. An OnSplice
// subscriber that only cares about "what kind of boundary is this and how
// long" can use this instead of walking SpliceDescriptors and type-asserting
// itself; a section with more than one segmentation_descriptor (rare outside
// provider/distributor pairs) still exposes the rest via SpliceDescriptors.
func (sis *SpliceInfoSection) PrimarySegmentation() *SegmentationDescriptor {
	for _, d := range sis.SpliceDescriptors {
		if sd, ok := d.(*SegmentationDescriptor); ok {
			return sd
		}
	}
	return nil
}

func (sis *SpliceInfoSection) descriptorLoopLength() int {
	length := 0
	for _, d := range sis.SpliceDescriptors {
		length += 2 + d.descriptorLength() // tag(1) + length(1) + content
	}
	return length
}

func decodeSpliceCommand(cmdType uint32, data []byte) (SpliceCommand, error) {
	var cmd SpliceCommand
	switch cmdType {
	case SpliceNullType:
		cmd = &SpliceNull{}
	case SpliceInsertType:
		cmd = &SpliceInsert{}
	case TimeSignalType:
		cmd = &TimeSignal{}
	default:
		// An emsg can carry a command type this package doesn't model yet;
		// report it as a null rather than failing the whole box parse.
		return &SpliceNull{}, nil
	}
	if err := cmd.decode(data); err != nil {
		return cmd, err
	}
	return cmd, nil
}

func decodeSpliceDescriptors(data []byte) ([]SpliceDescriptor, error) {
	var descs []SpliceDescriptor
	offset := 0
	for offset < len(data) {
		if offset+2 > len(data) {
			break
		}
		tag := uint32(data[offset])
		length := int(data[offset+1])
		end := offset + 2 + length
		if end > len(data) {
			break
		}

		if length >= 4 {
			identifier := uint32(data[offset+2])<<24 | uint32(data[offset+3])<<16 |
				uint32(data[offset+4])<<8 | uint32(data[offset+5])
			if tag == SegmentationDescriptorTag && identifier == CUEIdentifier {
				sd := &SegmentationDescriptor{}
				if err := sd.decode(data[offset:end]); err != nil {
					return descs, err
				}
				descs = append(descs, sd)
			}
			// Any other tag/identifier pair is silently skipped.
		}
		offset = end
	}
	return descs, nil
}

// SpliceNull is a heartbeat command carrying no payload.
type SpliceNull struct{}

func (cmd *SpliceNull) Type() uint32           { return SpliceNullType }
func (cmd *SpliceNull) decode(_ []byte) error   { return nil }
func (cmd *SpliceNull) encode() ([]byte, error) { return nil, nil }
func (cmd *SpliceNull) commandLength() int      { return 0 }

// SpliceInsert marks an avail boundary: the point a downstream ad or
// program replacement should start or end.
type SpliceInsert struct {
	SpliceEventID              uint32
	SpliceEventCancelIndicator bool
	OutOfNetworkIndicator      bool
	SpliceImmediateFlag        bool
	BreakDuration              *BreakDuration
	UniqueProgramID            uint32
	AvailNum                   uint32
	AvailsExpected             uint32
}

func (cmd *SpliceInsert) Type() uint32 { return SpliceInsertType }

func (cmd *SpliceInsert) decode(data []byte) error {
	r := newBitReader(data)
	cmd.SpliceEventID = r.readUint32(32)
	cmd.SpliceEventCancelIndicator = r.readBit()
	r.skip(7) // reserved

	if !cmd.SpliceEventCancelIndicator {
		cmd.OutOfNetworkIndicator = r.readBit()
		programSpliceFlag := r.readBit()
		durationFlag := r.readBit()
		cmd.SpliceImmediateFlag = r.readBit()
		r.skip(4) // reserved

		if programSpliceFlag {
			if !cmd.SpliceImmediateFlag {
				if r.readBit() { // time_specified_flag
					r.skip(6)  // reserved
					r.skip(33) // pts_time (not stored)
				} else {
					r.skip(7) // reserved
				}
			}
		} else {
			componentCount := int(r.readUint32(8))
			for i := 0; i < componentCount; i++ {
				r.skip(8) // component_tag
				if !cmd.SpliceImmediateFlag {
					if r.readBit() { // time_specified_flag
						r.skip(6)  // reserved
						r.skip(33) // pts_time
					} else {
						r.skip(7) // reserved
					}
				}
			}
		}

		if durationFlag {
			cmd.BreakDuration = &BreakDuration{}
			cmd.BreakDuration.AutoReturn = r.readBit()
			r.skip(6) // reserved
			cmd.BreakDuration.Duration = r.readUint64(33)
		}
	}
	cmd.UniqueProgramID = r.readUint32(16)
	cmd.AvailNum = r.readUint32(8)
	cmd.AvailsExpected = r.readUint32(8)
	return nil
}

func (cmd *SpliceInsert) encode() ([]byte, error) {
	w := newBitWriter(cmd.commandLength())

	w.putUint32(32, cmd.SpliceEventID)
	w.putBit(cmd.SpliceEventCancelIndicator)
	w.putUint32(7, 0x7F) // reserved

	if !cmd.SpliceEventCancelIndicator {
		w.putBit(cmd.OutOfNetworkIndicator)
		w.putBit(false) // program_splice_flag: this package always encodes component-mode with 0 components
		w.putBit(cmd.BreakDuration != nil)
		w.putBit(cmd.SpliceImmediateFlag)
		w.putUint32(4, 0x0F) // reserved

		w.putUint32(8, 0) // component_count = 0

		if cmd.BreakDuration != nil {
			w.putBit(cmd.BreakDuration.AutoReturn)
			w.putUint32(6, 0x3F) // reserved
			w.putUint64(33, cmd.BreakDuration.Duration)
		}
		w.putUint32(16, cmd.UniqueProgramID)
		w.putUint32(8, cmd.AvailNum)
		w.putUint32(8, cmd.AvailsExpected)
	}

	return w.bytes(), nil
}

func (cmd *SpliceInsert) commandLength() int {
	bits := 32 + 1 + 7 // event_id + cancel + reserved

	if !cmd.SpliceEventCancelIndicator {
		bits += 1 + 1 + 1 + 1 + 4 // out_of_network + program_splice + duration_flag + immediate + reserved
		bits += 8                 // component_count (program_splice_flag=0)

		if cmd.BreakDuration != nil {
			bits += 1 + 6 + 33 // auto_return + reserved + duration
		}
		bits += 16 + 8 + 8 // unique_program_id + avail_num + avails_expected
	}
	return bits / 8
}

// TimeSignal delivers a splice point's PTS without the avail bookkeeping
// splice_insert() carries; paired with a SegmentationDescriptor to say
// what the time means.
type TimeSignal struct {
	SpliceTime SpliceTime
}

func (cmd *TimeSignal) Type() uint32 { return TimeSignalType }

func (cmd *TimeSignal) decode(data []byte) error {
	r := newBitReader(data)
	if r.readBit() { // time_specified_flag
		r.skip(6) // reserved
		pts := r.readUint64(33)
		cmd.SpliceTime.PTSTime = &pts
	} else {
		r.skip(7) // reserved
	}
	return nil
}

func (cmd *TimeSignal) encode() ([]byte, error) {
	if cmd.SpliceTime.PTSTime != nil {
		w := newBitWriter(5)
		w.putBit(true)
		w.putUint32(6, 0x3F) // reserved
		w.putUint64(33, *cmd.SpliceTime.PTSTime)
		return w.bytes(), nil
	}
	w := newBitWriter(1)
	w.putBit(false)
	w.putUint32(7, 0x7F) // reserved
	return w.bytes(), nil
}

func (cmd *TimeSignal) commandLength() int {
	if cmd.SpliceTime.PTSTime != nil {
		return 5
	}
	return 1
}

const (
	// SegmentationDescriptorTag is the splice_descriptor_tag for segmentation_descriptor.
	SegmentationDescriptorTag uint32 = 0x02

	// CUEIdentifier is the "CUEI" ASCII identifier (0x43554549) every
	// segmentation_descriptor carries.
	CUEIdentifier uint32 = 0x43554549
)

// Segmentation type IDs, SCTE-35 Table 22.
const (
	SegmentationTypeNotIndicated              uint32 = 0x00
	SegmentationTypeContentIdentification     uint32 = 0x01
	SegmentationTypeProgramStart              uint32 = 0x10
	SegmentationTypeProgramEnd                uint32 = 0x11
	SegmentationTypeProgramEarlyTermination   uint32 = 0x12
	SegmentationTypeProgramBreakaway          uint32 = 0x13
	SegmentationTypeProgramResumption         uint32 = 0x14
	SegmentationTypeProgramRunoverPlanned     uint32 = 0x15
	SegmentationTypeProgramRunoverUnplanned   uint32 = 0x16
	SegmentationTypeProgramOverlapStart       uint32 = 0x17
	SegmentationTypeProgramBlackoutOverride   uint32 = 0x18
	SegmentationTypeProgramStartInProgress    uint32 = 0x19
	SegmentationTypeChapterStart              uint32 = 0x20
	SegmentationTypeChapterEnd                uint32 = 0x21
	SegmentationTypeBreakStart                uint32 = 0x22
	SegmentationTypeBreakEnd                  uint32 = 0x23
	SegmentationTypeOpeningCreditStart        uint32 = 0x24
	SegmentationTypeOpeningCreditEnd          uint32 = 0x25
	SegmentationTypeClosingCreditStart        uint32 = 0x26
	SegmentationTypeClosingCreditEnd          uint32 = 0x27
	SegmentationTypeProviderAdStart           uint32 = 0x30
	SegmentationTypeProviderAdEnd             uint32 = 0x31
	SegmentationTypeDistributorAdStart        uint32 = 0x32
	SegmentationTypeDistributorAdEnd          uint32 = 0x33
	SegmentationTypeProviderPOStart           uint32 = 0x34
	SegmentationTypeProviderPOEnd             uint32 = 0x35
	SegmentationTypeDistributorPOStart        uint32 = 0x36
	SegmentationTypeDistributorPOEnd          uint32 = 0x37
	SegmentationTypeProviderOverlayPOStart    uint32 = 0x38
	SegmentationTypeProviderOverlayPOEnd      uint32 = 0x39
	SegmentationTypeDistributorOverlayPOStart uint32 = 0x3a
	SegmentationTypeDistributorOverlayPOEnd   uint32 = 0x3b
	SegmentationTypeProviderPromoStart        uint32 = 0x3c
	SegmentationTypeProviderPromoEnd          uint32 = 0x3d
	SegmentationTypeDistributorPromoStart     uint32 = 0x3e
	SegmentationTypeDistributorPromoEnd       uint32 = 0x3f
	SegmentationTypeUnscheduledEventStart     uint32 = 0x40
	SegmentationTypeUnscheduledEventEnd       uint32 = 0x41
	SegmentationTypeAltConOppStart            uint32 = 0x42
	SegmentationTypeAltConOppEnd              uint32 = 0x43
	SegmentationTypeProviderAdBlockStart      uint32 = 0x44
	SegmentationTypeProviderAdBlockEnd        uint32 = 0x45
	SegmentationTypeDistributorAdBlockStart   uint32 = 0x46
	SegmentationTypeDistributorAdBlockEnd     uint32 = 0x47
	SegmentationTypeNetworkStart              uint32 = 0x50
	SegmentationTypeNetworkEnd                uint32 = 0x51
)

// SegmentationDescriptor carries the segmentation_descriptor() fields a
// playback engine needs to recognize an ad break or content boundary
// (SCTE-35 §10.3.3); UPID and restriction flags are consumed during decode
// but not retained, since nothing here acts on them.
type SegmentationDescriptor struct {
	SegmentationEventID  uint32
	SegmentationTypeID   uint32
	SegmentationDuration *uint64
	SegmentNum           uint32
	SegmentsExpected     uint32
}

func (sd *SegmentationDescriptor) Tag() uint32 { return SegmentationDescriptorTag }

// Name returns a human-readable label for the segmentation type, for
// logging an OnSplice event.
func (sd *SegmentationDescriptor) Name() string {
	switch sd.SegmentationTypeID {
	case SegmentationTypeNotIndicated:
		return "Not Indicated"
	case SegmentationTypeContentIdentification:
		return "Content Identification"
	case SegmentationTypeProgramStart:
		return "Program Start"
	case SegmentationTypeProgramEnd:
		return "Program End"
	case SegmentationTypeProgramEarlyTermination:
		return "Program Early Termination"
	case SegmentationTypeProgramBreakaway:
		return "Program Breakaway"
	case SegmentationTypeProgramResumption:
		return "Program Resumption"
	case SegmentationTypeProgramRunoverPlanned:
		return "Program Runover Planned"
	case SegmentationTypeProgramRunoverUnplanned:
		return "Program Runover Unplanned"
	case SegmentationTypeProgramOverlapStart:
		return "Program Overlap Start"
	case SegmentationTypeProgramBlackoutOverride:
		return "Program Blackout Override"
	case SegmentationTypeProgramStartInProgress:
		return "Program Start - In Progress"
	case SegmentationTypeChapterStart:
		return "Chapter Start"
	case SegmentationTypeChapterEnd:
		return "Chapter End"
	case SegmentationTypeBreakStart:
		return "Break Start"
	case SegmentationTypeBreakEnd:
		return "Break End"
	case SegmentationTypeOpeningCreditStart:
		return "Opening Credit Start"
	case SegmentationTypeOpeningCreditEnd:
		return "Opening Credit End"
	case SegmentationTypeClosingCreditStart:
		return "Closing Credit Start"
	case SegmentationTypeClosingCreditEnd:
		return "Closing Credit End"
	case SegmentationTypeProviderAdStart:
		return "Provider Advertisement Start"
	case SegmentationTypeProviderAdEnd:
		return "Provider Advertisement End"
	case SegmentationTypeDistributorAdStart:
		return "Distributor Advertisement Start"
	case SegmentationTypeDistributorAdEnd:
		return "Distributor Advertisement End"
	case SegmentationTypeProviderPOStart:
		return "Provider Placement Opportunity Start"
	case SegmentationTypeProviderPOEnd:
		return "Provider Placement Opportunity End"
	case SegmentationTypeDistributorPOStart:
		return "Distributor Placement Opportunity Start"
	case SegmentationTypeDistributorPOEnd:
		return "Distributor Placement Opportunity End"
	case SegmentationTypeProviderOverlayPOStart:
		return "Provider Overlay Placement Opportunity Start"
	case SegmentationTypeProviderOverlayPOEnd:
		return "Provider Overlay Placement Opportunity End"
	case SegmentationTypeDistributorOverlayPOStart:
		return "Distributor Overlay Placement Opportunity Start"
	case SegmentationTypeDistributorOverlayPOEnd:
		return "Distributor Overlay Placement Opportunity End"
	case SegmentationTypeProviderPromoStart:
		return "Provider Promo Start"
	case SegmentationTypeProviderPromoEnd:
		return "Provider Promo End"
	case SegmentationTypeDistributorPromoStart:
		return "Distributor Promo Start"
	case SegmentationTypeDistributorPromoEnd:
		return "Distributor Promo End"
	case SegmentationTypeUnscheduledEventStart:
		return "Unscheduled Event Start"
	case SegmentationTypeUnscheduledEventEnd:
		return "Unscheduled Event End"
	case SegmentationTypeAltConOppStart:
		return "Alternate Content Opportunity Start"
	case SegmentationTypeAltConOppEnd:
		return "Alternate Content Opportunity End"
	case SegmentationTypeProviderAdBlockStart:
		return "Provider Ad Block Start"
	case SegmentationTypeProviderAdBlockEnd:
		return "Provider Ad Block End"
	case SegmentationTypeDistributorAdBlockStart:
		return "Distributor Ad Block Start"
	case SegmentationTypeDistributorAdBlockEnd:
		return "Distributor Ad Block End"
	case SegmentationTypeNetworkStart:
		return "Network Start"
	case SegmentationTypeNetworkEnd:
		return "Network End"
	default:
		return "Unknown"
	}
}

func (sd *SegmentationDescriptor) decode(data []byte) error {
	r := newBitReader(data)
	r.skip(8)  // splice_descriptor_tag
	r.skip(8)  // descriptor_length
	r.skip(32) // identifier (CUEI)
	sd.SegmentationEventID = r.readUint32(32)
	cancelIndicator := r.readBit()
	r.skip(1) // segmentation_event_id_compliance_indicator
	r.skip(6) // reserved

	if !cancelIndicator {
		programSegmentationFlag := r.readBit()
		durationFlag := r.readBit()
		deliveryNotRestricted := r.readBit()
		r.skip(5) // restriction flags, or reserved if delivery_not_restricted
		_ = deliveryNotRestricted

		if !programSegmentationFlag {
			componentCount := int(r.readUint32(8))
			for i := 0; i < componentCount; i++ {
				r.skip(8)  // component_tag
				r.skip(7)  // reserved
				r.skip(33) // pts_offset
			}
		}

		if durationFlag {
			dur := r.readUint64(40)
			sd.SegmentationDuration = &dur
		}

		r.skip(8)                       // segmentation_upid_type
		upidLen := int(r.readUint32(8)) // segmentation_upid_length
		r.skip(upidLen * 8)             // UPID bytes, not retained
		sd.SegmentationTypeID = r.readUint32(8)
		sd.SegmentNum = r.readUint32(8)
		sd.SegmentsExpected = r.readUint32(8)

		if r.bitsLeft() >= 16 {
			r.skip(16) // optional sub-segment fields
		}
	}
	return nil
}

func (sd *SegmentationDescriptor) encode() ([]byte, error) {
	length := sd.descriptorLength()
	w := newBitWriter(length + 2) // +2 for tag + length fields

	w.putUint32(8, SegmentationDescriptorTag)
	w.putUint32(8, uint32(length))
	w.putUint32(32, CUEIdentifier)
	w.putUint32(32, sd.SegmentationEventID)
	w.putBit(false)      // segmentation_event_cancel_indicator = 0
	w.putBit(true)       // segmentation_event_id_compliance_indicator
	w.putUint32(6, 0x3F) // reserved

	w.putBit(true)                           // program_segmentation_flag = 1
	w.putBit(sd.SegmentationDuration != nil) // segmentation_duration_flag
	w.putBit(true)                           // delivery_not_restricted_flag = 1
	w.putUint32(5, 0x1F)                     // reserved

	if sd.SegmentationDuration != nil {
		w.putUint64(40, *sd.SegmentationDuration)
	}

	w.putUint32(8, 0x00) // segmentation_upid_type = Not Used
	w.putUint32(8, 0x00) // segmentation_upid_length = 0
	w.putUint32(8, sd.SegmentationTypeID)
	w.putUint32(8, sd.SegmentNum)
	w.putUint32(8, sd.SegmentsExpected)

	return w.bytes(), nil
}

func (sd *SegmentationDescriptor) descriptorLength() int {
	bits := 32 // identifier
	bits += 32 // segmentation_event_id
	bits += 1  // cancel_indicator
	bits += 1  // compliance_indicator
	bits += 6  // reserved

	bits += 1 // program_segmentation_flag
	bits += 1 // segmentation_duration_flag
	bits += 1 // delivery_not_restricted_flag
	bits += 5 // reserved (delivery_not_restricted=true)

	if sd.SegmentationDuration != nil {
		bits += 40
	}

	bits += 8 // segmentation_upid_type
	bits += 8 // segmentation_upid_length (0)
	bits += 8 // segmentation_type_id
	bits += 8 // segment_num
	bits += 8 // segments_expected

	return bits / 8
}

// bitReader reads bits MSB-first out of a byte slice; splice_info_section
// packs fields like a 33-bit PTS across byte boundaries, so byte-aligned
// encoding/binary reads don't fit here the way they do in boxparser's
// ISO-BMFF box parsing.
type bitReader struct {
	data   []byte
	bitPos int
}

func newBitReader(data []byte) *bitReader { return &bitReader{data: data} }

func (r *bitReader) bitsLeft() int {
	total := len(r.data) * 8
	if r.bitPos > total {
		return 0
	}
	return total - r.bitPos
}

func (r *bitReader) readBit() bool {
	if r.bitPos >= len(r.data)*8 {
		return false
	}
	byteIdx := r.bitPos / 8
	bitIdx := 7 - (r.bitPos % 8)
	r.bitPos++
	return (r.data[byteIdx]>>uint(bitIdx))&1 == 1
}

func (r *bitReader) readUint32(n int) uint32 {
	var val uint32
	for i := 0; i < n; i++ {
		val <<= 1
		if r.readBit() {
			val |= 1
		}
	}
	return val
}

func (r *bitReader) readUint64(n int) uint64 {
	var val uint64
	for i := 0; i < n; i++ {
		val <<= 1
		if r.readBit() {
			val |= 1
		}
	}
	return val
}

func (r *bitReader) readBytes(n int) []byte {
	out := make([]byte, n)
	for i := 0; i < n; i++ {
		out[i] = byte(r.readUint32(8))
	}
	return out
}

func (r *bitReader) skip(n int) { r.bitPos += n }

// bitWriter writes bits MSB-first into a fixed-size byte slice.
type bitWriter struct {
	data   []byte
	bitPos int
}

func newBitWriter(size int) *bitWriter { return &bitWriter{data: make([]byte, size)} }

func (w *bitWriter) putBit(v bool) {
	if w.bitPos >= len(w.data)*8 {
		return
	}
	if v {
		byteIdx := w.bitPos / 8
		bitIdx := 7 - (w.bitPos % 8)
		w.data[byteIdx] |= 1 << uint(bitIdx)
	}
	w.bitPos++
}

func (w *bitWriter) putUint32(n int, v uint32) {
	for i := n - 1; i >= 0; i-- {
		w.putBit((v>>uint(i))&1 == 1)
	}
}

func (w *bitWriter) putUint64(n int, v uint64) {
	for i := n - 1; i >= 0; i-- {
		w.putBit((v>>uint(i))&1 == 1)
	}
}

func (w *bitWriter) putBytes(b []byte) {
	for _, v := range b {
		w.putUint32(8, uint32(v))
	}
}

func (w *bitWriter) bytes() []byte { return w.data }

// crc32MPEG2 implements the MPEG-2 CRC32 variant (polynomial 0x04C11DB7,
// no final XOR) that every MPEG-2 PSI-derived section, splice_info_section
// included, is terminated with.
var crcTable [256]uint32

func init() {
	for i := 0; i < 256; i++ {
		crc := uint32(i) << 24
		for j := 0; j < 8; j++ {
			if crc&0x80000000 != 0 {
				crc = (crc << 1) ^ 0x04C11DB7
			} else {
				crc <<= 1
			}
		}
		crcTable[i] = crc
	}
}

func crc32MPEG2(data []byte) uint32 {
	crc := uint32(0xFFFFFFFF)
	for _, b := range data {
		crc = (crc << 8) ^ crcTable[byte(crc>>24)^b]
	}
	return crc
}

func verifyCRC32(data []byte) error {
	if len(data) < 4 {
		return fmt.Errorf("scte35: data too short for CRC verification")
	}
	computed := crc32MPEG2(data[:len(data)-4])
	stored := uint32(data[len(data)-4])<<24 |
		uint32(data[len(data)-3])<<16 |
		uint32(data[len(data)-2])<<8 |
		uint32(data[len(data)-1])
	if computed != stored {
		return fmt.Errorf("scte35: CRC32 mismatch: computed 0x%08X, stored 0x%08X", computed, stored)
	}
	return nil
}
