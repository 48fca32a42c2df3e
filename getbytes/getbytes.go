// Package getbytes views typed numeric slices as []byte without copying, for
// sending image payloads in the host's byte order.
package getbytes

import (
	"unsafe"
)

// Numeric is any fixed-size type an image pixel can have.
type Numeric interface {
	~int8 | ~uint8 | ~int16 | ~uint16 | ~int32 | ~uint32 | ~int64 | ~uint64 | ~float32 | ~float64
}

// FromSlice returns the bytes underlying d. The result aliases d.
func FromSlice[T Numeric](d []T) []byte {
	if len(d) == 0 {
		return []byte{}
	}
	outlength := uintptr(len(d)) * unsafe.Sizeof(d[0])
	return unsafe.Slice((*byte)(unsafe.Pointer(&d[0])), outlength)
}

// From returns the bytes of a single value.
func From[T Numeric](d T) []byte {
	return FromSlice([]T{d})
}
