package nucinstdig

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/isiscomputinggroup/nucinstdig/frames"
)

// Loop timing defaults.
const (
	DefaultCooldown       = 3 * time.Second
	DefaultSlotPublish    = 500 * time.Millisecond
	DefaultSpectraPeriod  = time.Second
	DefaultRefreshPeriod  = 3 * time.Second
	DefaultImagePeriod    = time.Second
	DefaultStatusInterval = 2 * time.Second
)

// receiver is the part of a ConnectionHandler a stream ingest uses.
type receiver interface {
	Recv() ([]byte, error)
}

// IngestStats counts the work of one ingest loop.
type IngestStats struct {
	Frames    int64
	Failures  int64
	Idle      int64 // receive timeouts or disabled polls
	LastFrame time.Time
	LastError string
}

type ingestCounters struct {
	stats IngestStats
	sync.Mutex
}

func (c *ingestCounters) frame() {
	c.Lock()
	defer c.Unlock()
	c.stats.Frames++
	c.stats.LastFrame = time.Now()
}

func (c *ingestCounters) idle() {
	c.Lock()
	defer c.Unlock()
	c.stats.Idle++
}

func (c *ingestCounters) failure(err error) {
	c.Lock()
	defer c.Unlock()
	c.stats.Failures++
	c.stats.LastError = err.Error()
}

func (c *ingestCounters) get() IngestStats {
	c.Lock()
	defer c.Unlock()
	return c.stats
}

// isIdle reports whether err only means a streaming feed had nothing to say.
func isIdle(err error) bool {
	return errors.Is(err, ErrTransportTimeout)
}

// sleepOrAbort waits d and reports whether abort was closed meanwhile.
func sleepOrAbort(d time.Duration, abort <-chan struct{}) bool {
	if d <= 0 {
		select {
		case <-abort:
			return true
		default:
			return false
		}
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-abort:
		return true
	case <-timer.C:
		return false
	}
}

// runIngestLoop calls step until abort is closed. A failed step is logged and
// followed by the cooldown; an idle step is retried at once.
func runIngestLoop(name string, step func() error, cooldown time.Duration, abort <-chan struct{}) {
	for {
		select {
		case <-abort:
			return
		default:
		}
		err := step()
		if err == nil || isIdle(err) {
			continue
		}
		ProblemLogger.Printf("%s: %v; retrying in %v", name, err, cooldown)
		if sleepOrAbort(cooldown, abort) {
			return
		}
	}
}

// SlotsMessage is the payload of a SLOTS:<group> client update.
type SlotsMessage struct {
	Group      string
	Generation uint64
	Slots      []SlotExport
}

func publishSlots(updates chan<- ClientUpdate, group string, buffer *SpectraBuffer, slots *SelectionSlots) {
	msg := SlotsMessage{
		Group:      group,
		Generation: buffer.Generation(),
		Slots:      exportSlots(buffer, slots),
	}
	offerUpdate(updates, ClientUpdate{tag: "SLOTS:" + group, state: msg})
}

// TraceIngest drains the trace stream into the traces buffer.
type TraceIngest struct {
	group        string
	conn         receiver
	buffer       *SpectraBuffer
	slots        *SelectionSlots
	updates      chan<- ClientUpdate
	publishEvery time.Duration
	lastPublish  time.Time
	lastFrame    atomic.Pointer[frames.Metadata]
	counters     ingestCounters
}

// NewTraceIngest creates a trace ingest. Slot exports go to updates at most
// once per publishEvery.
func NewTraceIngest(group string, conn receiver, buffer *SpectraBuffer, slots *SelectionSlots,
	updates chan<- ClientUpdate, publishEvery time.Duration) *TraceIngest {
	if publishEvery <= 0 {
		publishEvery = DefaultSlotPublish
	}
	return &TraceIngest{
		group:        group,
		conn:         conn,
		buffer:       buffer,
		slots:        slots,
		updates:      updates,
		publishEvery: publishEvery,
	}
}

// Stats returns the loop's counters.
func (ti *TraceIngest) Stats() IngestStats {
	return ti.counters.get()
}

// LastMetadata returns the metadata of the most recent frame, if any.
func (ti *TraceIngest) LastMetadata() (frames.Metadata, bool) {
	md := ti.lastFrame.Load()
	if md == nil {
		return frames.Metadata{}, false
	}
	return *md, true
}

// step receives and stores one frame.
func (ti *TraceIngest) step() error {
	msg, err := ti.conn.Recv()
	if err != nil {
		if isIdle(err) {
			ti.counters.idle()
		} else {
			ti.counters.failure(err)
		}
		return err
	}
	frame, err := frames.DecodeTrace(msg)
	if err != nil {
		ti.counters.failure(err)
		return err
	}
	channels := make([]int, len(frame.Channels))
	samples := make([][]uint16, len(frame.Channels))
	for i, ct := range frame.Channels {
		channels[i] = int(ct.Channel)
		samples[i] = ct.Voltage
	}
	if err := ti.buffer.ReplaceChannels(channels, samples); err != nil {
		ti.counters.failure(err)
		return err
	}
	ti.lastFrame.Store(&frame.Metadata)
	ti.counters.frame()

	if now := time.Now(); now.Sub(ti.lastPublish) >= ti.publishEvery {
		ti.lastPublish = now
		publishSlots(ti.updates, ti.group, ti.buffer, ti.slots)
	}
	return nil
}

// Run drains the stream until abort is closed.
func (ti *TraceIngest) Run(cooldown time.Duration, abort <-chan struct{}) {
	runIngestLoop(fmt.Sprintf("%s ingest", ti.group), ti.step, cooldown, abort)
}

// spectraReader is the part of the CommandClient a SpectraIngest uses.
type spectraReader interface {
	ReadSpectra(name, args string, dest *SpectraBuffer) error
}

// SpectraIngest reads a spectra buffer on demand with a read command. It only
// loads the instrument while enabled.
type SpectraIngest struct {
	group    string
	reader   spectraReader
	command  string
	args     string
	buffer   *SpectraBuffer
	slots    *SelectionSlots
	updates  chan<- ClientUpdate
	enabled  atomic.Bool
	counters ingestCounters
}

// NewSpectraIngest creates a disabled spectra ingest that runs command to fill buffer.
func NewSpectraIngest(group string, reader spectraReader, command, args string, buffer *SpectraBuffer,
	slots *SelectionSlots, updates chan<- ClientUpdate) *SpectraIngest {
	return &SpectraIngest{
		group:   group,
		reader:  reader,
		command: command,
		args:    args,
		buffer:  buffer,
		slots:   slots,
		updates: updates,
	}
}

// SetEnabled turns reading on or off.
func (si *SpectraIngest) SetEnabled(on bool) {
	si.enabled.Store(on)
}

// Enabled reports whether reading is on.
func (si *SpectraIngest) Enabled() bool {
	return si.enabled.Load()
}

// Stats returns the loop's counters.
func (si *SpectraIngest) Stats() IngestStats {
	return si.counters.get()
}

func (si *SpectraIngest) step() error {
	if !si.Enabled() {
		si.counters.idle()
		return nil
	}
	if err := si.reader.ReadSpectra(si.command, si.args, si.buffer); err != nil {
		si.counters.failure(err)
		return err
	}
	si.counters.frame()
	publishSlots(si.updates, si.group, si.buffer, si.slots)
	return nil
}

// Run polls every period until abort is closed.
func (si *SpectraIngest) Run(period, cooldown time.Duration, abort <-chan struct{}) {
	if period <= 0 {
		period = DefaultSpectraPeriod
	}
	step := func() error {
		if sleepOrAbort(period, abort) {
			return nil
		}
		return si.step()
	}
	runIngestLoop(fmt.Sprintf("%s ingest", si.group), step, cooldown, abort)
}
