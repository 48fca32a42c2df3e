package nucinstdig

import (
	"fmt"
	"sync"
)

// NumSelectionSlots is how many spectra per buffer can be exported as X/Y arrays.
const NumSelectionSlots = 4

// SelectionSlots says which spectrum index each export slot shows.
type SelectionSlots struct {
	index [NumSelectionSlots]int
	sync.Mutex
}

// NewSelectionSlots creates slots showing spectra 0, 1, 2 and 3.
func NewSelectionSlots() *SelectionSlots {
	s := new(SelectionSlots)
	for i := range s.index {
		s.index[i] = i
	}
	return s
}

// Set points slot at spectrum index.
func (s *SelectionSlots) Set(slot, index int) error {
	if slot < 0 || slot >= NumSelectionSlots {
		return configErrorf("selection slot %d out of range [0,%d)", slot, NumSelectionSlots)
	}
	if index < 0 {
		return configErrorf("selection slot %d: spectrum index %d is negative", slot, index)
	}
	s.Lock()
	defer s.Unlock()
	s.index[slot] = index
	return nil
}

// Get returns the spectrum index of every slot.
func (s *SelectionSlots) Get() [NumSelectionSlots]int {
	s.Lock()
	defer s.Unlock()
	return s.index
}

// SlotExport is one selected spectrum as X/Y arrays. Valid is false when the
// slot points past the end of the buffer.
type SlotExport struct {
	Slot    int
	Index   int
	Channel int
	Valid   bool
	X       []float64
	Y       []float64
}

// exportSlots copies the selected spectra out of buffer. The copy is taken
// under the buffer's lock, so it is consistent with one shape.
func exportSlots(buffer *SpectraBuffer, slots *SelectionSlots) []SlotExport {
	selected := slots.Get()
	exports := make([]SlotExport, NumSelectionSlots)
	buffer.Lock()
	defer buffer.Unlock()
	for slot, index := range selected {
		ex := SlotExport{Slot: slot, Index: index, Channel: -1}
		if index < buffer.nSpectra {
			ex.Valid = true
			ex.Channel = index
			if index < len(buffer.channels) {
				ex.Channel = buffer.channels[index]
			}
			ex.X = make([]float64, buffer.nPoints)
			ex.Y = make([]float64, buffer.nPoints)
			for j := range ex.X {
				ex.X[j] = float64(j)
			}
			copy(ex.Y, buffer.data[index*buffer.nPoints:(index+1)*buffer.nPoints])
		}
		exports[slot] = ex
	}
	return exports
}

func (ex SlotExport) String() string {
	if !ex.Valid {
		return fmt.Sprintf("slot %d: spectrum %d (empty)", ex.Slot, ex.Index)
	}
	return fmt.Sprintf("slot %d: spectrum %d (channel %d, %d points)", ex.Slot, ex.Index, ex.Channel, len(ex.Y))
}
