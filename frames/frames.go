// Package frames decodes the FlatBuffers messages sent on the digitizer's
// streaming endpoints: analog traces (file identifier "dat1") and
// discriminated event lists ("dev1").
//
// Only the fields the bridge consumes are read. The table layouts are
//
//	DigitizerAnalogTraceMessage { digitizer_id: ubyte; metadata: FrameMetadataV1;
//	                              sample_rate: ulong; channels: [ChannelTrace]; }
//	ChannelTrace                { channel: uint; voltage: [ushort]; }
//	DigitizerEventListMessage   { digitizer_id: ubyte; metadata: FrameMetadataV1;
//	                              time: [uint]; voltage: [ushort]; channel: [uint]; }
//	FrameMetadataV1             { timestamp: GpsTime; period_number: ulong;
//	                              protons_per_pulse: ubyte; running: bool;
//	                              frame_number: uint; veto_flags: ushort; }
package frames

import (
	"fmt"

	flatbuffers "github.com/google/flatbuffers/go"
)

// File identifiers of the two message types.
const (
	TraceIdentifier = "dat1"
	EventIdentifier = "dev1"
)

// Metadata is the part of FrameMetadataV1 the bridge uses.
type Metadata struct {
	PeriodNumber uint64
	Running      bool
	FrameNumber  uint32
}

// ChannelTrace is one channel's samples from a trace message.
type ChannelTrace struct {
	Channel uint32
	Voltage []uint16
}

// TraceFrame is a decoded DigitizerAnalogTraceMessage.
type TraceFrame struct {
	DigitizerID uint8
	Metadata    Metadata
	SampleRate  uint64
	Channels    []ChannelTrace
}

// EventFrame is a decoded DigitizerEventListMessage. Channel, Time and Voltage
// are parallel arrays.
type EventFrame struct {
	DigitizerID uint8
	Metadata    Metadata
	Time        []uint32
	Voltage     []uint16
	Channel     []uint32
}

// NEvents returns the number of complete events (the shortest parallel array).
func (f *EventFrame) NEvents() int {
	return min(len(f.Time), len(f.Voltage), len(f.Channel))
}

// table wraps flatbuffers.Table with field access by slot number.
type table struct {
	flatbuffers.Table
}

func (t *table) field(slot int) flatbuffers.UOffsetT {
	return flatbuffers.UOffsetT(t.Offset(flatbuffers.VOffsetT(4 + 2*slot)))
}

func (t *table) uint8(slot int) uint8 {
	if o := t.field(slot); o != 0 {
		return t.GetUint8(o + t.Pos)
	}
	return 0
}

func (t *table) uint32(slot int) uint32 {
	if o := t.field(slot); o != 0 {
		return t.GetUint32(o + t.Pos)
	}
	return 0
}

func (t *table) uint64(slot int) uint64 {
	if o := t.field(slot); o != 0 {
		return t.GetUint64(o + t.Pos)
	}
	return 0
}

func (t *table) bool(slot int) bool {
	if o := t.field(slot); o != 0 {
		return t.GetBool(o + t.Pos)
	}
	return false
}

func (t *table) subTable(slot int) (table, bool) {
	o := t.field(slot)
	if o == 0 {
		return table{}, false
	}
	return table{flatbuffers.Table{Bytes: t.Bytes, Pos: t.Indirect(o + t.Pos)}}, true
}

func (t *table) uint16Vector(slot int) []uint16 {
	o := t.field(slot)
	if o == 0 {
		return nil
	}
	start := t.Vector(o)
	out := make([]uint16, t.VectorLen(o))
	for j := range out {
		out[j] = t.GetUint16(start + flatbuffers.UOffsetT(2*j))
	}
	return out
}

func (t *table) uint32Vector(slot int) []uint32 {
	o := t.field(slot)
	if o == 0 {
		return nil
	}
	start := t.Vector(o)
	out := make([]uint32, t.VectorLen(o))
	for j := range out {
		out[j] = t.GetUint32(start + flatbuffers.UOffsetT(4*j))
	}
	return out
}

func (t *table) tableVector(slot int) []table {
	o := t.field(slot)
	if o == 0 {
		return nil
	}
	start := t.Vector(o)
	out := make([]table, t.VectorLen(o))
	for j := range out {
		pos := t.Indirect(start + flatbuffers.UOffsetT(4*j))
		out[j] = table{flatbuffers.Table{Bytes: t.Bytes, Pos: pos}}
	}
	return out
}

// root checks the size and file identifier of buf and returns its root table.
func root(buf []byte, identifier string) (table, error) {
	const minSize = 2*flatbuffers.SizeUOffsetT + 4
	if len(buf) < minSize {
		return table{}, fmt.Errorf("frame of %d bytes is too short", len(buf))
	}
	if id := string(buf[flatbuffers.SizeUOffsetT : flatbuffers.SizeUOffsetT+4]); id != identifier {
		return table{}, fmt.Errorf("frame identifier is %q, want %q", id, identifier)
	}
	pos := flatbuffers.GetUOffsetT(buf)
	if int(pos) >= len(buf) {
		return table{}, fmt.Errorf("root offset %d beyond frame of %d bytes", pos, len(buf))
	}
	return table{flatbuffers.Table{Bytes: buf, Pos: pos}}, nil
}

func readMetadata(t *table) Metadata {
	md, ok := t.subTable(1)
	if !ok {
		return Metadata{}
	}
	return Metadata{
		PeriodNumber: md.uint64(1),
		Running:      md.bool(3),
		FrameNumber:  md.uint32(4),
	}
}

// DecodeTrace decodes a trace message. Sample arrays are copied out of buf.
func DecodeTrace(buf []byte) (frame *TraceFrame, err error) {
	t, err := root(buf, TraceIdentifier)
	if err != nil {
		return nil, err
	}
	defer func() {
		if r := recover(); r != nil {
			frame, err = nil, fmt.Errorf("corrupt trace frame: %v", r)
		}
	}()
	frame = &TraceFrame{
		DigitizerID: t.uint8(0),
		Metadata:    readMetadata(&t),
		SampleRate:  t.uint64(2),
	}
	for _, ct := range t.tableVector(3) {
		frame.Channels = append(frame.Channels, ChannelTrace{
			Channel: ct.uint32(0),
			Voltage: ct.uint16Vector(1),
		})
	}
	return frame, nil
}

// DecodeEvents decodes an event-list message.
func DecodeEvents(buf []byte) (frame *EventFrame, err error) {
	t, err := root(buf, EventIdentifier)
	if err != nil {
		return nil, err
	}
	defer func() {
		if r := recover(); r != nil {
			frame, err = nil, fmt.Errorf("corrupt event frame: %v", r)
		}
	}()
	frame = &EventFrame{
		DigitizerID: t.uint8(0),
		Metadata:    readMetadata(&t),
		Time:        t.uint32Vector(2),
		Voltage:     t.uint16Vector(3),
		Channel:     t.uint32Vector(4),
	}
	return frame, nil
}
