package frames

import (
	flatbuffers "github.com/google/flatbuffers/go"
)

// EncodeTrace builds a trace message. The bridge only receives these; the
// encoder exists for simulators and tests.
func EncodeTrace(f *TraceFrame) []byte {
	b := flatbuffers.NewBuilder(1024)

	channels := make([]flatbuffers.UOffsetT, len(f.Channels))
	for i, ct := range f.Channels {
		voltage := uint16Vector(b, ct.Voltage)
		b.StartObject(2)
		b.PrependUint32Slot(0, ct.Channel, 0)
		b.PrependUOffsetTSlot(1, voltage, 0)
		channels[i] = b.EndObject()
	}
	b.StartVector(4, len(channels), 4)
	for i := len(channels) - 1; i >= 0; i-- {
		b.PrependUOffsetT(channels[i])
	}
	channelVector := b.EndVector(len(channels))
	metadata := buildMetadata(b, f.Metadata)

	b.StartObject(4)
	b.PrependUint8Slot(0, f.DigitizerID, 0)
	b.PrependUOffsetTSlot(1, metadata, 0)
	b.PrependUint64Slot(2, f.SampleRate, 0)
	b.PrependUOffsetTSlot(3, channelVector, 0)
	b.FinishWithFileIdentifier(b.EndObject(), []byte(TraceIdentifier))
	return b.FinishedBytes()
}

// EncodeEvents builds an event-list message.
func EncodeEvents(f *EventFrame) []byte {
	b := flatbuffers.NewBuilder(1024)
	times := uint32Vector(b, f.Time)
	voltages := uint16Vector(b, f.Voltage)
	channels := uint32Vector(b, f.Channel)
	metadata := buildMetadata(b, f.Metadata)

	b.StartObject(5)
	b.PrependUint8Slot(0, f.DigitizerID, 0)
	b.PrependUOffsetTSlot(1, metadata, 0)
	b.PrependUOffsetTSlot(2, times, 0)
	b.PrependUOffsetTSlot(3, voltages, 0)
	b.PrependUOffsetTSlot(4, channels, 0)
	b.FinishWithFileIdentifier(b.EndObject(), []byte(EventIdentifier))
	return b.FinishedBytes()
}

func buildMetadata(b *flatbuffers.Builder, md Metadata) flatbuffers.UOffsetT {
	b.StartObject(6)
	b.PrependUint64Slot(1, md.PeriodNumber, 0)
	b.PrependBoolSlot(3, md.Running, false)
	b.PrependUint32Slot(4, md.FrameNumber, 0)
	return b.EndObject()
}

func uint16Vector(b *flatbuffers.Builder, v []uint16) flatbuffers.UOffsetT {
	b.StartVector(2, len(v), 2)
	for i := len(v) - 1; i >= 0; i-- {
		b.PrependUint16(v[i])
	}
	return b.EndVector(len(v))
}

func uint32Vector(b *flatbuffers.Builder, v []uint32) flatbuffers.UOffsetT {
	b.StartVector(4, len(v), 4)
	for i := len(v) - 1; i >= 0; i-- {
		b.PrependUint32(v[i])
	}
	return b.EndVector(len(v))
}
