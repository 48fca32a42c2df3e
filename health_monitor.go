package nucinstdig

import (
	"sync"
	"time"

	zmq "github.com/pebbe/zmq4"
)

// eventSource yields socket lifecycle events. A ZMQ PAIR socket connected to a
// socket monitor endpoint satisfies it.
type eventSource interface {
	RecvEvent(flags zmq.Flag) (zmq.Event, string, int, error)
	Close() error
}

// monitoredEvents are the lifecycle events a HealthMonitor asks ZMQ to report.
const monitoredEvents = zmq.EVENT_CONNECTED | zmq.EVENT_CONNECT_DELAYED | zmq.EVENT_CONNECT_RETRIED |
	zmq.EVENT_DISCONNECTED | zmq.EVENT_CLOSED | zmq.EVENT_BIND_FAILED

// ConnectionState is the health of one endpoint as last observed.
type ConnectionState struct {
	Address            string
	Connected          bool
	LastEvent          string
	LastEventTimestamp time.Time
	Rearms             int // how many times the endpoint was recreated
}

// HealthMonitor watches the lifecycle events of one endpoint and keeps its
// ConnectionState. Only the monitor's own goroutine reads the event source.
type HealthMonitor struct {
	state    ConnectionState
	source   eventSource      // owned by the run goroutine
	rearmed  chan eventSource // hands a fresh source to the run goroutine
	maxDrain int
	nap      time.Duration
	sync.Mutex
}

func newHealthMonitor(address string, source eventSource) *HealthMonitor {
	return &HealthMonitor{
		state:    ConnectionState{Address: address},
		source:   source,
		rearmed:  make(chan eventSource, 1),
		maxDrain: 100,
		nap:      500 * time.Millisecond,
	}
}

// Connected reports whether the endpoint is currently connected.
func (m *HealthMonitor) Connected() bool {
	m.Lock()
	defer m.Unlock()
	return m.state.Connected
}

// State returns a copy of the current ConnectionState.
func (m *HealthMonitor) State() ConnectionState {
	m.Lock()
	defer m.Unlock()
	return m.state
}

func (m *HealthMonitor) handleEvent(ev zmq.Event, at time.Time) {
	m.Lock()
	defer m.Unlock()
	m.state.LastEvent = ev.String()
	m.state.LastEventTimestamp = at
	switch ev {
	case zmq.EVENT_CONNECTED:
		m.state.Connected = true
	case zmq.EVENT_DISCONNECTED, zmq.EVENT_CLOSED, zmq.EVENT_BIND_FAILED,
		zmq.EVENT_CONNECT_RETRIED, zmq.EVENT_CONNECT_DELAYED:
		m.state.Connected = false
	}
}

// rearm replaces the event source after the endpoint was recreated. The state
// is kept but marked disconnected until the new socket reports otherwise.
func (m *HealthMonitor) rearm(source eventSource) {
	m.Lock()
	m.state.Connected = false
	m.state.Rearms++
	m.Unlock()
	for {
		select {
		case m.rearmed <- source:
			return
		case stale := <-m.rearmed:
			if stale != nil {
				stale.Close()
			}
		}
	}
}

// run polls for lifecycle events until abort is closed.
func (m *HealthMonitor) run(abort <-chan struct{}) {
	defer func() {
		if m.source != nil {
			m.source.Close()
		}
	}()
	for {
		select {
		case <-abort:
			return
		case source := <-m.rearmed:
			if m.source != nil {
				m.source.Close()
			}
			m.source = source
		default:
		}
		m.drain()

		select {
		case <-abort:
			return
		case <-time.After(m.nap):
		}
	}
}

// drain handles every pending event. The source's receive timeout bounds each wait.
func (m *HealthMonitor) drain() {
	if m.source == nil {
		return
	}
	for range m.maxDrain {
		ev, _, _, err := m.source.RecvEvent(0)
		if err != nil {
			return
		}
		m.handleEvent(ev, time.Now())
	}
}
