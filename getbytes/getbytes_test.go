package getbytes

import (
	"encoding/hex"
	"testing"
)

func TestFromSlice(t *testing.T) {
	tests := []struct {
		name string
		got  []byte
		want string
	}{
		{"uint8", FromSlice([]uint8{0xAB, 0xCD, 0xEF, 0x01}), "abcdef01"},
		{"uint16", FromSlice([]uint16{0xABCD, 0xEF01}), "cdab01ef"},
		{"uint32", FromSlice([]uint32{0xABCDEF01, 0x23456789}), "01efcdab89674523"},
		{"int8", FromSlice([]int8{0x00, 0x0A, -1}), "000aff"},
		{"int16", FromSlice([]int16{1, 2}), "01000200"},
		{"int32", FromSlice([]int32{1}), "01000000"},
		{"int64", FromSlice([]int64{1}), "0100000000000000"},
		{"float32", FromSlice([]float32{1, 2}), "0000803f00000040"},
		{"float64", FromSlice([]float64{2}), "0000000000000040"},
		{"empty", FromSlice([]uint16{}), ""},
	}
	for _, tt := range tests {
		if have := hex.EncodeToString(tt.got); have != tt.want {
			t.Errorf("%s: want %v, have %v", tt.name, tt.want, have)
		}
	}
}

func TestFromSliceAliases(t *testing.T) {
	d := []uint16{0, 0}
	b := FromSlice(d)
	d[1] = 0x0102
	if b[2] != 0x02 || b[3] != 0x01 {
		t.Errorf("FromSlice result does not alias its input: %v", b)
	}
}

func TestFrom(t *testing.T) {
	if len(From(uint8(1))) != 1 {
		t.Error("wrong length")
	}
	if len(From(uint16(1))) != 2 {
		t.Error("wrong length")
	}
	if len(From(float32(1))) != 4 {
		t.Error("wrong length")
	}
	if len(From(int64(1))) != 8 {
		t.Error("wrong length")
	}
}
