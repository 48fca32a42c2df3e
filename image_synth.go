package nucinstdig

import (
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/isiscomputinggroup/nucinstdig/getbytes"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

// DataType is the numeric type of an image's pixels.
type DataType int

// Names for the possible values of DataType, in areaDetector order
const (
	Int8 DataType = iota
	UInt8
	Int16
	UInt16
	Int32
	UInt32
	Int64
	UInt64
	Float32
	Float64
)

var dataTypeNames = []string{"Int8", "UInt8", "Int16", "UInt16", "Int32", "UInt32", "Int64", "UInt64", "Float32", "Float64"}

func (dt DataType) String() string {
	if dt < Int8 || dt > Float64 {
		return fmt.Sprintf("DataType(%d)", int(dt))
	}
	return dataTypeNames[dt]
}

// ColorMode says how pixel planes are laid out in memory.
type ColorMode int

// Names for the possible values of ColorMode. RGB1 is pixel-interleaved
// [3,X,Y], RGB2 row-interleaved [X,3,Y] and RGB3 plane-interleaved [X,Y,3].
const (
	Mono ColorMode = iota
	RGB1
	RGB2
	RGB3
)

func (cm ColorMode) String() string {
	switch cm {
	case Mono:
		return "Mono"
	case RGB1:
		return "RGB1"
	case RGB2:
		return "RGB2"
	case RGB3:
		return "RGB3"
	}
	return fmt.Sprintf("ColorMode(%d)", int(cm))
}

func (cm ColorMode) planes() int {
	if cm == Mono {
		return 1
	}
	return 3
}

// dims returns the array dimensions of an nx by ny image, fastest first.
func (cm ColorMode) dims(nx, ny int) []int {
	switch cm {
	case RGB1:
		return []int{3, nx, ny}
	case RGB2:
		return []int{nx, 3, ny}
	case RGB3:
		return []int{nx, ny, 3}
	}
	return []int{nx, ny}
}

// index returns the offset of pixel (x, y) in plane c of an nx by ny image.
func (cm ColorMode) index(nx, ny, x, y, c int) int {
	switch cm {
	case RGB1:
		return (y*nx+x)*3 + c
	case RGB2:
		return (y*3+c)*nx + x
	case RGB3:
		return (c*ny+y)*nx + x
	}
	return y*nx + x
}

// ImageSettings are the acquisition knobs of one synthesized image. X runs
// along a spectrum (point index) and Y across spectra.
type ImageSettings struct {
	BinX, BinY   int
	MinX, MinY   int
	SizeX, SizeY int
	ReverseX     bool
	ReverseY     bool
	ColorMode    ColorMode
	DataType     DataType
	Gain         float64
}

// DefaultImageSettings returns unbinned, full-size, mono float64 settings with unit gain.
func DefaultImageSettings() ImageSettings {
	return ImageSettings{BinX: 1, BinY: 1, ColorMode: Mono, DataType: Float64, Gain: 1}
}

func (s ImageSettings) validate() error {
	if s.DataType < Int8 || s.DataType > Float64 {
		return configErrorf("invalid image data type %d", int(s.DataType))
	}
	if s.ColorMode < Mono || s.ColorMode > RGB3 {
		return configErrorf("invalid image color mode %d", int(s.ColorMode))
	}
	if math.IsNaN(s.Gain) || math.IsInf(s.Gain, 0) {
		return configErrorf("invalid image gain %v", s.Gain)
	}
	return nil
}

// clampAxis corrects one axis against its maximum extent and reports whether
// anything changed.
func clampAxis(bin, offset, size *int, max int) bool {
	b, o, s := *bin, *offset, *size
	if *bin < 1 {
		*bin = 1
	}
	if *offset < 0 {
		*offset = 0
	}
	if *offset > max-1 {
		*offset = max - 1
	}
	if *size > max-*offset {
		*size = max - *offset
	}
	if *size < 1 {
		*size = 1
	}
	if *bin > *size {
		*bin = *size
	}
	return b != *bin || o != *offset || s != *size
}

// clamp corrects s for an image of at most maxX by maxY pixels. Both maxima
// must be at least 1.
func (s *ImageSettings) clamp(maxX, maxY int) bool {
	cx := clampAxis(&s.BinX, &s.MinX, &s.SizeX, maxX)
	cy := clampAxis(&s.BinY, &s.MinY, &s.SizeY, maxY)
	return cx || cy
}

// ImageStats summarizes the pixels of one image plane.
type ImageStats struct {
	Min, Max    float64
	Mean, Total float64
}

// Image is one synthesized image. It is never modified once published.
type Image struct {
	Dims      []int
	DataType  DataType
	ColorMode ColorMode
	Data      any // []int8 ... []float64, matching DataType
	UniqueID  int
	Timestamp time.Time
	Stats     ImageStats
}

// Bytes returns the pixel data as bytes in host order, without copying.
func (im *Image) Bytes() []byte {
	switch d := im.Data.(type) {
	case []int8:
		return getbytes.FromSlice(d)
	case []uint8:
		return getbytes.FromSlice(d)
	case []int16:
		return getbytes.FromSlice(d)
	case []uint16:
		return getbytes.FromSlice(d)
	case []int32:
		return getbytes.FromSlice(d)
	case []uint32:
		return getbytes.FromSlice(d)
	case []int64:
		return getbytes.FromSlice(d)
	case []uint64:
		return getbytes.FromSlice(d)
	case []float32:
		return getbytes.FromSlice(d)
	case []float64:
		return getbytes.FromSlice(d)
	}
	return nil
}

// ImageHeader is the JSON part of an IMAGE:<group> client update. The pixels
// follow as a separate binary frame.
type ImageHeader struct {
	Group     string
	Dims      []int
	DataType  string
	ColorMode string
	UniqueID  int
	Timestamp time.Time
	Stats     ImageStats
	MaxSizeX  int
	MaxSizeY  int
}

// ErrNoData is returned when there is nothing to make an image from.
var ErrNoData = errors.New("spectra buffer is empty")

// ImageSynthesizer turns a spectra buffer into a fixed-shape typed image.
type ImageSynthesizer struct {
	name     string
	settings ImageSettings
	maxX     int // advertised maximum size, following the buffer's shape
	maxY     int
	raw      any // full-extent scaled pixels, reused between cycles
	output   *Image
	uniqueID int
	sync.Mutex
}

// NewImageSynthesizer creates a synthesizer with DefaultImageSettings.
func NewImageSynthesizer(name string) *ImageSynthesizer {
	return &ImageSynthesizer{name: name, settings: DefaultImageSettings()}
}

// Settings returns the current settings, including any corrections.
func (is *ImageSynthesizer) Settings() ImageSettings {
	is.Lock()
	defer is.Unlock()
	return is.settings
}

// Apply replaces the settings. Offsets, sizes and binning are corrected
// against the buffer shape at the next Synthesize.
func (is *ImageSynthesizer) Apply(s ImageSettings) error {
	if err := s.validate(); err != nil {
		return err
	}
	is.Lock()
	defer is.Unlock()
	is.settings = s
	return nil
}

// MaxSize returns the advertised maximum image size.
func (is *ImageSynthesizer) MaxSize() (x, y int) {
	is.Lock()
	defer is.Unlock()
	return is.maxX, is.maxY
}

// Latest returns the most recent image, or nil.
func (is *ImageSynthesizer) Latest() *Image {
	is.Lock()
	defer is.Unlock()
	return is.output
}

// Header describes im for publication.
func (is *ImageSynthesizer) Header(im *Image) ImageHeader {
	maxX, maxY := is.MaxSize()
	return ImageHeader{
		Group:     is.name,
		Dims:      im.Dims,
		DataType:  im.DataType.String(),
		ColorMode: im.ColorMode.String(),
		UniqueID:  im.UniqueID,
		Timestamp: im.Timestamp,
		Stats:     im.Stats,
		MaxSizeX:  maxX,
		MaxSizeY:  maxY,
	}
}

// Synthesize makes a new image from data, a flattened nSpectra by nPoints
// buffer. The caller must hold the buffer's lock for the duration.
func (is *ImageSynthesizer) Synthesize(data []float64, nSpectra, nPoints int) (*Image, error) {
	if len(data) != nSpectra*nPoints {
		return nil, fmt.Errorf("%s: buffer holds %d values, want %d x %d", is.name, len(data), nSpectra, nPoints)
	}
	is.Lock()
	defer is.Unlock()

	if nPoints != is.maxX || nSpectra != is.maxY {
		UpdateLogger.Printf("%s: image max size %d x %d -> %d x %d", is.name, is.maxX, is.maxY, nPoints, nSpectra)
		is.maxX, is.maxY = nPoints, nSpectra
		is.settings.SizeX, is.settings.SizeY = nPoints, nSpectra
	}
	if nSpectra == 0 || nPoints == 0 {
		return nil, ErrNoData
	}
	if before := is.settings; is.settings.clamp(is.maxX, is.maxY) {
		UpdateLogger.Printf("%s: image settings corrected from %+v to %+v", is.name, before, is.settings)
	}

	g := geometry{
		settings: is.settings,
		maxX:     is.maxX,
		maxY:     is.maxY,
		outX:     is.settings.SizeX / is.settings.BinX,
		outY:     is.settings.SizeY / is.settings.BinY,
	}
	var pixels any
	var values []float64
	switch is.settings.DataType {
	case Int8:
		pixels, values = render[int8](is, data, g)
	case UInt8:
		pixels, values = render[uint8](is, data, g)
	case Int16:
		pixels, values = render[int16](is, data, g)
	case UInt16:
		pixels, values = render[uint16](is, data, g)
	case Int32:
		pixels, values = render[int32](is, data, g)
	case UInt32:
		pixels, values = render[uint32](is, data, g)
	case Int64:
		pixels, values = render[int64](is, data, g)
	case UInt64:
		pixels, values = render[uint64](is, data, g)
	case Float32:
		pixels, values = render[float32](is, data, g)
	default:
		pixels, values = render[float64](is, data, g)
	}

	is.uniqueID++
	im := &Image{
		Dims:      is.settings.ColorMode.dims(g.outX, g.outY),
		DataType:  is.settings.DataType,
		ColorMode: is.settings.ColorMode,
		Data:      pixels,
		UniqueID:  is.uniqueID,
		Timestamp: time.Now(),
		Stats:     computeStats(values),
	}
	is.output = im
	return im, nil
}

func computeStats(values []float64) ImageStats {
	if len(values) == 0 {
		return ImageStats{}
	}
	return ImageStats{
		Min:   floats.Min(values),
		Max:   floats.Max(values),
		Mean:  stat.Mean(values, nil),
		Total: floats.Sum(values),
	}
}

// pixel is the set of types an image can hold.
type pixel interface {
	int8 | uint8 | int16 | uint16 | int32 | uint32 | int64 | uint64 | float32 | float64
}

type geometry struct {
	settings   ImageSettings
	maxX, maxY int
	outX, outY int
}

// render scales data into the full-extent raw buffer, then bins, crops and
// reverses it into a new output slice. It also returns plane 0 of the output
// as float64 for statistics.
func render[T pixel](is *ImageSynthesizer, data []float64, g geometry) ([]T, []float64) {
	s := g.settings
	mode := s.ColorMode
	planes := mode.planes()

	n := g.maxX * g.maxY * planes
	raw, _ := is.raw.([]T)
	if cap(raw) < n {
		raw = make([]T, n)
	}
	raw = raw[:n]
	is.raw = raw
	for y := range g.maxY {
		row := data[y*g.maxX : (y+1)*g.maxX]
		for x, sample := range row {
			v := saturate[T](s.Gain * sample)
			for c := range planes {
				raw[mode.index(g.maxX, g.maxY, x, y, c)] = v
			}
		}
	}

	out := make([]T, g.outX*g.outY*planes)
	values := make([]float64, g.outX*g.outY)
	for oy := range g.outY {
		iy := oy
		if s.ReverseY {
			iy = g.outY - 1 - oy
		}
		for ox := range g.outX {
			ix := ox
			if s.ReverseX {
				ix = g.outX - 1 - ox
			}
			sum := 0.0
			for by := range s.BinY {
				y := s.MinY + oy*s.BinY + by
				for bx := range s.BinX {
					x := s.MinX + ox*s.BinX + bx
					sum += float64(raw[mode.index(g.maxX, g.maxY, x, y, 0)])
				}
			}
			v := saturate[T](sum)
			for c := range planes {
				out[mode.index(g.outX, g.outY, ix, iy, c)] = v
			}
			values[iy*g.outX+ix] = float64(v)
		}
	}
	return out, values
}

// saturate converts v to T, clipping to T's range. Integer conversion
// truncates toward zero and NaN becomes 0.
func saturate[T pixel](v float64) T {
	var out T
	if math.IsNaN(v) {
		return out
	}
	switch p := any(&out).(type) {
	case *int8:
		*p = int8(clipFloat(v, math.MinInt8, math.MaxInt8))
	case *uint8:
		*p = uint8(clipFloat(v, 0, math.MaxUint8))
	case *int16:
		*p = int16(clipFloat(v, math.MinInt16, math.MaxInt16))
	case *uint16:
		*p = uint16(clipFloat(v, 0, math.MaxUint16))
	case *int32:
		*p = int32(clipFloat(v, math.MinInt32, math.MaxInt32))
	case *uint32:
		*p = uint32(clipFloat(v, 0, math.MaxUint32))
	case *int64:
		switch {
		case v >= math.MaxInt64:
			*p = math.MaxInt64
		case v <= math.MinInt64:
			*p = math.MinInt64
		default:
			*p = int64(v)
		}
	case *uint64:
		switch {
		case v >= math.MaxUint64:
			*p = math.MaxUint64
		case v <= 0:
			*p = 0
		default:
			*p = uint64(v)
		}
	case *float32:
		*p = float32(clipFloat(v, -math.MaxFloat32, math.MaxFloat32))
	case *float64:
		*p = v
	}
	return out
}

func clipFloat(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}
