package frames

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTraceRoundTrip(t *testing.T) {
	want := &TraceFrame{
		DigitizerID: 3,
		Metadata:    Metadata{PeriodNumber: 12, Running: true, FrameNumber: 4567},
		SampleRate:  1000000000,
		Channels: []ChannelTrace{
			{Channel: 0, Voltage: []uint16{1, 2, 3, 4, 5}},
			{Channel: 5, Voltage: []uint16{65535, 0, 100}},
		},
	}
	buf := EncodeTrace(want)
	assert.Equal(t, TraceIdentifier, string(buf[4:8]))

	got, err := DecodeTrace(buf)
	require.NoError(t, err)
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("DecodeTrace mismatch (-want +got):\n%s", diff)
	}
}

func TestTraceWithoutChannels(t *testing.T) {
	got, err := DecodeTrace(EncodeTrace(&TraceFrame{DigitizerID: 1}))
	require.NoError(t, err)
	assert.Empty(t, got.Channels)
	assert.Equal(t, uint8(1), got.DigitizerID)
}

func TestEventsRoundTrip(t *testing.T) {
	want := &EventFrame{
		DigitizerID: 2,
		Metadata:    Metadata{FrameNumber: 9},
		Time:        []uint32{10, 20, 30},
		Voltage:     []uint16{100, 200, 300},
		Channel:     []uint32{0, 1, 0},
	}
	got, err := DecodeEvents(EncodeEvents(want))
	require.NoError(t, err)
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("DecodeEvents mismatch (-want +got):\n%s", diff)
	}
	assert.Equal(t, 3, got.NEvents())

	got.Channel = got.Channel[:2]
	assert.Equal(t, 2, got.NEvents())
}

func TestWrongIdentifier(t *testing.T) {
	_, err := DecodeTrace(EncodeEvents(&EventFrame{}))
	assert.ErrorContains(t, err, "dev1")
	_, err = DecodeEvents(EncodeTrace(&TraceFrame{}))
	assert.ErrorContains(t, err, "dat1")
}

func TestShortAndCorruptFrames(t *testing.T) {
	_, err := DecodeTrace(nil)
	assert.Error(t, err)
	_, err = DecodeTrace([]byte("0000dat1"))
	assert.Error(t, err)

	// A valid header whose root offset points past the end.
	bad := []byte{0xff, 0, 0, 0, 'd', 'a', 't', '1', 0, 0, 0, 0}
	_, err = DecodeTrace(bad)
	assert.Error(t, err)

	// Truncating a good frame must give an error, never a panic.
	buf := EncodeTrace(&TraceFrame{Channels: []ChannelTrace{{Channel: 1, Voltage: make([]uint16, 64)}}})
	for n := 12; n < len(buf); n += 7 {
		assert.NotPanics(t, func() { DecodeTrace(buf[:n]) })
	}
}
