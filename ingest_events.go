package nucinstdig

import (
	"fmt"
	"maps"
	"sync"
	"time"

	"github.com/davecgh/go-spew/spew"
	"github.com/isiscomputinggroup/nucinstdig/asyncbufio"
	"github.com/isiscomputinggroup/nucinstdig/frames"
)

// DefaultMaxShown is how many events per frame are written to the event log.
const DefaultMaxShown = 10

// EventsMessage is the payload of an EVENTS client update.
type EventsMessage struct {
	Frames      int64
	Events      int64
	PerChannel  map[uint32]int64
	FrameNumber uint32
	Dropped     int64 // diagnostic lines lost because the log was busy
}

// EventIngest drains the event stream. It keeps per-channel event counts and
// writes a bounded number of events per frame to a diagnostic log.
type EventIngest struct {
	conn         receiver
	out          *asyncbufio.Writer // may be nil
	maxShown     int
	verbose      bool
	updates      chan<- ClientUpdate
	publishEvery time.Duration
	lastPublish  time.Time

	perChannel  map[uint32]int64
	events      int64
	frameNumber uint32
	countsMu    sync.Mutex

	counters ingestCounters
}

// NewEventIngest creates an event ingest. When verbose, every frame is also
// dumped in full to out.
func NewEventIngest(conn receiver, out *asyncbufio.Writer, maxShown int, verbose bool,
	updates chan<- ClientUpdate, publishEvery time.Duration) *EventIngest {
	if maxShown < 0 {
		maxShown = 0
	}
	if publishEvery <= 0 {
		publishEvery = DefaultSlotPublish
	}
	return &EventIngest{
		conn:         conn,
		out:          out,
		maxShown:     maxShown,
		verbose:      verbose,
		updates:      updates,
		publishEvery: publishEvery,
		perChannel:   make(map[uint32]int64),
	}
}

// Stats returns the loop's counters.
func (ei *EventIngest) Stats() IngestStats {
	return ei.counters.get()
}

// Counts returns a copy of the per-channel event counts and their total.
func (ei *EventIngest) Counts() (map[uint32]int64, int64) {
	ei.countsMu.Lock()
	defer ei.countsMu.Unlock()
	return maps.Clone(ei.perChannel), ei.events
}

// ResetCounts zeroes the event counts.
func (ei *EventIngest) ResetCounts() {
	ei.countsMu.Lock()
	defer ei.countsMu.Unlock()
	clear(ei.perChannel)
	ei.events = 0
}

func (ei *EventIngest) step() error {
	msg, err := ei.conn.Recv()
	if err != nil {
		if isIdle(err) {
			ei.counters.idle()
		} else {
			ei.counters.failure(err)
		}
		return err
	}
	frame, err := frames.DecodeEvents(msg)
	if err != nil {
		ei.counters.failure(err)
		return err
	}
	n := frame.NEvents()
	if len(frame.Channel) != n || len(frame.Time) != n || len(frame.Voltage) != n {
		ProblemLogger.Printf("event frame %d: parallel arrays differ in length (channel %d, time %d, voltage %d)",
			frame.Metadata.FrameNumber, len(frame.Channel), len(frame.Time), len(frame.Voltage))
	}

	ei.countsMu.Lock()
	for _, ch := range frame.Channel[:n] {
		ei.perChannel[ch]++
	}
	ei.events += int64(n)
	ei.frameNumber = frame.Metadata.FrameNumber
	ei.countsMu.Unlock()
	ei.counters.frame()

	ei.log(frame, n)
	if now := time.Now(); now.Sub(ei.lastPublish) >= ei.publishEvery {
		ei.lastPublish = now
		ei.publish()
	}
	return nil
}

func (ei *EventIngest) log(frame *frames.EventFrame, n int) {
	if ei.out == nil {
		return
	}
	if ei.verbose {
		ei.out.WriteString(spew.Sdump(frame))
	}
	for i := range min(n, ei.maxShown) {
		fmt.Fprintf(ei.out, "frame %d event %d: channel %d time %d voltage %d\n",
			frame.Metadata.FrameNumber, i, frame.Channel[i], frame.Time[i], frame.Voltage[i])
	}
	if n > ei.maxShown {
		fmt.Fprintf(ei.out, "frame %d: %d more events not shown\n", frame.Metadata.FrameNumber, n-ei.maxShown)
	}
}

func (ei *EventIngest) publish() {
	perChannel, total := ei.Counts()
	ei.countsMu.Lock()
	frameNumber := ei.frameNumber
	ei.countsMu.Unlock()
	msg := EventsMessage{
		Frames:      ei.Stats().Frames,
		Events:      total,
		PerChannel:  perChannel,
		FrameNumber: frameNumber,
	}
	if ei.out != nil {
		msg.Dropped = ei.out.Dropped()
	}
	offerUpdate(ei.updates, ClientUpdate{tag: "EVENTS", state: msg})
}

// Run drains the stream until abort is closed.
func (ei *EventIngest) Run(cooldown time.Duration, abort <-chan struct{}) {
	runIngestLoop("event ingest", ei.step, cooldown, abort)
}
