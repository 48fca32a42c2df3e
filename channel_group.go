package nucinstdig

import (
	"errors"
	"time"
)

// ChannelGroup is one logical image output (traces, dark counts, time of
// flight) driven by the ImageScheduler.
type ChannelGroup interface {
	Name() string
	BeginCycle() bool // false when there is nothing new to synthesize
	Synthesize() error
	Publish()
}

// spectraGroup makes images of one SpectraBuffer.
type spectraGroup struct {
	name    string
	buffer  *SpectraBuffer
	synth   *ImageSynthesizer
	updates chan<- ClientUpdate

	lastGeneration uint64
	lastSettings   ImageSettings
	pending        *Image
}

func newSpectraGroup(name string, buffer *SpectraBuffer, synth *ImageSynthesizer, updates chan<- ClientUpdate) *spectraGroup {
	return &spectraGroup{name: name, buffer: buffer, synth: synth, updates: updates,
		lastSettings: synth.Settings()}
}

func (g *spectraGroup) Name() string {
	return g.name
}

// BeginCycle reports whether the buffer or the image settings changed since
// the last image.
func (g *spectraGroup) BeginCycle() bool {
	if g.pending != nil {
		return true
	}
	return g.buffer.Generation() != g.lastGeneration || g.synth.Settings() != g.lastSettings
}

// Synthesize holds the buffer's lock while the image is made.
func (g *spectraGroup) Synthesize() error {
	var im *Image
	var err error
	var generation uint64
	g.buffer.View(func(data []float64, nSpectra, nPoints int) {
		generation = g.buffer.generation
		im, err = g.synth.Synthesize(data, nSpectra, nPoints)
	})
	g.lastGeneration = generation
	g.lastSettings = g.synth.Settings()
	if err != nil {
		return err
	}
	g.pending = im
	return nil
}

// Publish sends the pending image, if any, to the client updater.
func (g *spectraGroup) Publish() {
	if g.pending == nil {
		return
	}
	im := g.pending
	g.pending = nil
	offerUpdate(g.updates, ClientUpdate{
		tag:     "IMAGE:" + g.name,
		state:   g.synth.Header(im),
		payload: im.Bytes(),
	})
}

// ImageScheduler runs every ChannelGroup's cycle periodically while its gate
// is open.
type ImageScheduler struct {
	groups []ChannelGroup
	gate   func() bool
	period time.Duration
}

// NewImageScheduler creates a scheduler. A nil gate is always open.
func NewImageScheduler(period time.Duration, gate func() bool, groups ...ChannelGroup) *ImageScheduler {
	if period <= 0 {
		period = DefaultImagePeriod
	}
	return &ImageScheduler{groups: groups, gate: gate, period: period}
}

// Cycle runs one cycle of every group and returns how many published an
// image. One group's failure does not stop the others.
func (sch *ImageScheduler) Cycle() int {
	if sch.gate != nil && !sch.gate() {
		return 0
	}
	published := 0
	for _, g := range sch.groups {
		if !g.BeginCycle() {
			continue
		}
		if err := g.Synthesize(); err != nil {
			if !errors.Is(err, ErrNoData) {
				ProblemLogger.Printf("image group %s: %v", g.Name(), err)
			}
			continue
		}
		g.Publish()
		published++
	}
	return published
}

// Run cycles every period until abort is closed.
func (sch *ImageScheduler) Run(abort <-chan struct{}) {
	ticker := time.NewTicker(sch.period)
	defer ticker.Stop()
	for {
		select {
		case <-abort:
			return
		case <-ticker.C:
			sch.Cycle()
		}
	}
}
