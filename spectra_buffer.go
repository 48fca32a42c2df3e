package nucinstdig

import (
	"fmt"
	"sync"

	"gonum.org/v1/gonum/mat"
)

// SpectraBuffer holds a growable set of spectra, stored flattened as
// [spectrum][point] with an explicit stride. The stride, the spectrum count and
// the data only ever change together, under the buffer's lock.
type SpectraBuffer struct {
	name       string
	data       []float64
	nPoints    int
	nSpectra   int
	channels   []int  // source channel of each spectrum, when known
	generation uint64 // incremented on every update
	sync.Mutex
}

// NewSpectraBuffer creates an empty buffer.
func NewSpectraBuffer(name string) *SpectraBuffer {
	return &SpectraBuffer{name: name}
}

// Name returns the buffer's name.
func (sb *SpectraBuffer) Name() string {
	return sb.name
}

// Shape returns the number of spectra and the points per spectrum.
func (sb *SpectraBuffer) Shape() (nSpectra, nPoints int) {
	sb.Lock()
	defer sb.Unlock()
	return sb.nSpectra, sb.nPoints
}

// Generation returns how many times the buffer has been updated.
func (sb *SpectraBuffer) Generation() uint64 {
	sb.Lock()
	defer sb.Unlock()
	return sb.generation
}

// Len returns the number of stored values.
func (sb *SpectraBuffer) Len() int {
	sb.Lock()
	defer sb.Unlock()
	return len(sb.data)
}

// resize sets the new shape, reusing the backing array when it is big enough,
// and zeroes the contents. Must hold sb's lock.
func (sb *SpectraBuffer) resize(nSpectra, nPoints int) {
	n := nSpectra * nPoints
	if cap(sb.data) >= n {
		sb.data = sb.data[:n]
		clear(sb.data)
	} else {
		sb.data = make([]float64, n)
	}
	sb.nSpectra = nSpectra
	sb.nPoints = nPoints
	sb.generation++
}

// Replace stores rows as the new contents. The length of the first row is the
// stride for all rows: longer rows are truncated and shorter rows are padded
// with zeros.
func (sb *SpectraBuffer) Replace(rows [][]float64) {
	nPoints := 0
	if len(rows) > 0 {
		nPoints = len(rows[0])
	}
	sb.Lock()
	defer sb.Unlock()
	sb.resize(len(rows), nPoints)
	sb.channels = sb.channels[:0]
	for i, row := range rows {
		copy(sb.data[i*nPoints:(i+1)*nPoints], row)
		sb.channels = append(sb.channels, i)
	}
}

// ReplaceChannels stores one spectrum per source channel, in the given order,
// converting raw samples to float64. The first channel's length is the stride.
func (sb *SpectraBuffer) ReplaceChannels(channels []int, samples [][]uint16) error {
	if len(channels) != len(samples) {
		return fmt.Errorf("%s: %d channel numbers for %d sample arrays", sb.name, len(channels), len(samples))
	}
	nPoints := 0
	if len(samples) > 0 {
		nPoints = len(samples[0])
	}
	sb.Lock()
	defer sb.Unlock()
	sb.resize(len(samples), nPoints)
	sb.channels = append(sb.channels[:0], channels...)
	for i, raw := range samples {
		row := sb.data[i*nPoints : (i+1)*nPoints]
		for j := 0; j < len(row) && j < len(raw); j++ {
			row[j] = float64(raw[j])
		}
	}
	return nil
}

// Clear empties the buffer.
func (sb *SpectraBuffer) Clear() {
	sb.Lock()
	defer sb.Unlock()
	sb.resize(0, 0)
	sb.channels = sb.channels[:0]
}

// Spectrum returns a copy of spectrum i and its source channel.
func (sb *SpectraBuffer) Spectrum(i int) ([]float64, int, error) {
	sb.Lock()
	defer sb.Unlock()
	if i < 0 || i >= sb.nSpectra {
		return nil, 0, fmt.Errorf("%s: spectrum %d out of range [0,%d)", sb.name, i, sb.nSpectra)
	}
	out := make([]float64, sb.nPoints)
	copy(out, sb.data[i*sb.nPoints:(i+1)*sb.nPoints])
	ch := i
	if i < len(sb.channels) {
		ch = sb.channels[i]
	}
	return out, ch, nil
}

// View calls fn with the raw contents while holding the buffer's lock. fn must
// not keep data after it returns.
func (sb *SpectraBuffer) View(fn func(data []float64, nSpectra, nPoints int)) {
	sb.Lock()
	defer sb.Unlock()
	fn(sb.data, sb.nSpectra, sb.nPoints)
}

// Matrix returns a copy of the contents as a nSpectra x nPoints matrix, or nil
// if the buffer is empty.
func (sb *SpectraBuffer) Matrix() *mat.Dense {
	sb.Lock()
	defer sb.Unlock()
	if sb.nSpectra == 0 || sb.nPoints == 0 {
		return nil
	}
	data := make([]float64, len(sb.data))
	copy(data, sb.data)
	return mat.NewDense(sb.nSpectra, sb.nPoints, data)
}
