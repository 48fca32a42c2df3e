package nucinstdig

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func filledRows(nSpectra, nPoints int) [][]float64 {
	rows := make([][]float64, nSpectra)
	for i := range rows {
		rows[i] = make([]float64, nPoints)
		for j := range rows[i] {
			rows[i][j] = float64(100*i + j)
		}
	}
	return rows
}

func TestSpectraBufferShape(t *testing.T) {
	sb := NewSpectraBuffer("tof")
	assert.Equal(t, "tof", sb.Name())
	assert.Equal(t, 0, sb.Len())
	assert.Nil(t, sb.Matrix())

	sb.Replace(filledRows(4, 100))
	nSpectra, nPoints := sb.Shape()
	assert.Equal(t, 4, nSpectra)
	assert.Equal(t, 100, nPoints)
	assert.Equal(t, 400, sb.Len())
	assert.Equal(t, uint64(1), sb.Generation())

	sb.Replace(filledRows(6, 80))
	nSpectra, nPoints = sb.Shape()
	assert.Equal(t, 6, nSpectra)
	assert.Equal(t, 80, nPoints)
	assert.Equal(t, 480, sb.Len())
	assert.Equal(t, 80, len(spectrum(t, sb, 5)))
	assert.Equal(t, 579.0, spectrum(t, sb, 5)[79])

	sb.Clear()
	assert.Equal(t, 0, sb.Len())
	nSpectra, nPoints = sb.Shape()
	assert.Zero(t, nSpectra)
	assert.Zero(t, nPoints)
	assert.Equal(t, uint64(3), sb.Generation())
	_, _, err := sb.Spectrum(0)
	assert.Error(t, err)
}

func TestSpectraBufferReuseZeroes(t *testing.T) {
	sb := NewSpectraBuffer("tof")
	sb.Replace(filledRows(4, 10))
	sb.Replace([][]float64{{1, 2}, {3}})
	assert.Equal(t, []float64{1, 2}, spectrum(t, sb, 0))
	assert.Equal(t, []float64{3, 0}, spectrum(t, sb, 1), "short rows are padded with zeros")
}

func TestReplaceChannels(t *testing.T) {
	sb := NewSpectraBuffer("traces")
	require.NoError(t, sb.ReplaceChannels([]int{3, 7}, [][]uint16{{1, 2, 3}, {4, 5}}))
	values, ch, err := sb.Spectrum(1)
	require.NoError(t, err)
	assert.Equal(t, 7, ch)
	assert.Equal(t, []float64{4, 5, 0}, values)

	assert.Error(t, sb.ReplaceChannels([]int{1}, [][]uint16{{1}, {2}}))
	assert.Equal(t, 6, sb.Len(), "a rejected update leaves the buffer alone")
}

func TestSpectraBufferMatrix(t *testing.T) {
	sb := NewSpectraBuffer("darkcounts")
	sb.Replace(filledRows(2, 3))
	m := sb.Matrix()
	require.NotNil(t, m)
	r, c := m.Dims()
	assert.Equal(t, 2, r)
	assert.Equal(t, 3, c)
	assert.Equal(t, 102.0, m.At(1, 2))

	// The matrix is a copy.
	m.Set(0, 0, -1)
	assert.Equal(t, 0.0, spectrum(t, sb, 0)[0])
}

// Readers must always see data whose length matches the shape.
func TestSpectraBufferConsistentView(t *testing.T) {
	sb := NewSpectraBuffer("tof")
	var wg sync.WaitGroup
	done := make(chan struct{})
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-done:
				return
			default:
			}
			sb.View(func(data []float64, nSpectra, nPoints int) {
				assert.Equal(t, nSpectra*nPoints, len(data))
			})
		}
	}()
	for i := range 200 {
		sb.Replace(filledRows(1+i%7, 1+i%13))
	}
	close(done)
	wg.Wait()
}
