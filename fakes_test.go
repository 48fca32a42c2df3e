package nucinstdig

import (
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"syscall"
	"time"

	zmq "github.com/pebbe/zmq4"
)

var errAgain = zmq.Errno(syscall.EAGAIN)

type recvResult struct {
	msg []byte
	err error
}

// fakeSocket is a scriptable socket. Scripted receives come first; then a
// request socket answers with respond, and a pull socket reads feed.
type fakeSocket struct {
	mu       sync.Mutex
	sent     [][]byte
	sendErrs []error
	recvs    []recvResult
	respond  func(req []byte) []byte
	feed     chan []byte
	closed   bool
}

func (s *fakeSocket) SendBytes(data []byte, flags zmq.Flag) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.sendErrs) > 0 {
		err := s.sendErrs[0]
		s.sendErrs = s.sendErrs[1:]
		if err != nil {
			return 0, err
		}
	}
	s.sent = append(s.sent, append([]byte(nil), data...))
	return len(data), nil
}

func (s *fakeSocket) RecvBytes(flags zmq.Flag) ([]byte, error) {
	s.mu.Lock()
	if len(s.recvs) > 0 {
		r := s.recvs[0]
		s.recvs = s.recvs[1:]
		s.mu.Unlock()
		return r.msg, r.err
	}
	if s.respond != nil && len(s.sent) > 0 {
		req := s.sent[len(s.sent)-1]
		s.mu.Unlock()
		return s.respond(req), nil
	}
	feed := s.feed
	s.mu.Unlock()
	if feed != nil {
		select {
		case msg := <-feed:
			return msg, nil
		case <-time.After(10 * time.Millisecond):
		}
	} else {
		time.Sleep(time.Millisecond)
	}
	return nil, errAgain
}

func (s *fakeSocket) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *fakeSocket) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *fakeSocket) sentMessages() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.sent))
	for i, m := range s.sent {
		out[i] = string(m)
	}
	return out
}

// fakeEvents replays a list of lifecycle events.
type fakeEvents struct {
	mu     sync.Mutex
	events []zmq.Event
	closed bool
}

func (e *fakeEvents) RecvEvent(flags zmq.Flag) (zmq.Event, string, int, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.events) == 0 {
		return 0, "", 0, errAgain
	}
	ev := e.events[0]
	e.events = e.events[1:]
	return ev, "", 0, nil
}

func (e *fakeEvents) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.closed = true
	return nil
}

func (e *fakeEvents) push(ev ...zmq.Event) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.events = append(e.events, ev...)
}

func (e *fakeEvents) isClosed() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.closed
}

// fakeFactory makes fakeSockets, each reporting EVENT_CONNECTED at once.
type fakeFactory struct {
	mu      sync.Mutex
	sockets []*fakeSocket
	events  []*fakeEvents
	prepare func(n int, s *fakeSocket)
	fail    func(n int) error
	calls   int
}

func (f *fakeFactory) open(cfg EndpointConfig) (socket, eventSource, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := f.calls
	f.calls++
	if f.fail != nil {
		if err := f.fail(n); err != nil {
			return nil, nil, err
		}
	}
	s := new(fakeSocket)
	if f.prepare != nil {
		f.prepare(n, s)
	}
	ev := &fakeEvents{events: []zmq.Event{zmq.EVENT_CONNECTED}}
	f.sockets = append(f.sockets, s)
	f.events = append(f.events, ev)
	return s, ev, nil
}

func (f *fakeFactory) socket(i int) *fakeSocket {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sockets[i]
}

func (f *fakeFactory) made() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sockets)
}

// fakeInstrument answers command requests the way the digitizer does. Written
// parameters are echoed back by later reads.
type fakeInstrument struct {
	mu       sync.Mutex
	params   map[string]string // "name[idx]" -> JSON value
	data     map[string][][]float64
	failures map[string]string // command name -> error message
	requests []string
	commands []string
}

func newFakeInstrument() *fakeInstrument {
	return &fakeInstrument{
		params:   make(map[string]string),
		data:     make(map[string][][]float64),
		failures: make(map[string]string),
	}
}

func (fi *fakeInstrument) setParam(name string, idx int, jsonValue string) {
	fi.mu.Lock()
	defer fi.mu.Unlock()
	fi.params[fmt.Sprintf("%s[%d]", name, idx)] = jsonValue
}

func (fi *fakeInstrument) failWith(name, message string) {
	fi.mu.Lock()
	defer fi.mu.Unlock()
	fi.failures[name] = message
}

func (fi *fakeInstrument) setData(name string, rows [][]float64) {
	fi.mu.Lock()
	defer fi.mu.Unlock()
	fi.data[name] = rows
}

func (fi *fakeInstrument) executed() []string {
	fi.mu.Lock()
	defer fi.mu.Unlock()
	return append([]string(nil), fi.commands...)
}

func (fi *fakeInstrument) reply(req []byte) []byte {
	fi.mu.Lock()
	defer fi.mu.Unlock()
	fi.requests = append(fi.requests, string(req))
	var r commandRequest
	if err := json.Unmarshal(req, &r); err != nil {
		return []byte(`{"response":"error","error_code":1,"message":"bad request"}`)
	}
	if msg, ok := fi.failures[r.Name]; ok {
		out, _ := json.Marshal(map[string]any{"response": "error", "error_code": 3, "message": msg})
		return out
	}
	idx := 0
	if r.Idx != nil {
		idx = *r.Idx
	}
	key := fmt.Sprintf("%s[%d]", r.Name, idx)
	switch r.Command {
	case cmdExecute:
		fi.commands = append(fi.commands, r.Name)
		return []byte(`{"response":"ok"}`)
	case cmdGetParam:
		v, ok := fi.params[key]
		if !ok {
			return []byte(`{"response":"error","error_code":2,"message":"no such parameter"}`)
		}
		return []byte(`{"response":"ok","value":` + v + `}`)
	case cmdSetParam:
		text := ""
		if r.Value != nil {
			text = *r.Value
		}
		if _, err := strconv.ParseFloat(text, 64); err == nil {
			fi.params[key] = text
		} else {
			quoted, _ := json.Marshal(text)
			fi.params[key] = string(quoted)
		}
		return []byte(`{"response":"ok"}`)
	case cmdReadCommand:
		rows, ok := fi.data[r.Name]
		if !ok {
			return []byte(`{"response":"error","error_code":4,"message":"no such read command"}`)
		}
		out, _ := json.Marshal(map[string]any{"response": "ok", "data": rows})
		return out
	}
	return []byte(`{"response":"error","error_code":1,"message":"unknown command"}`)
}

// instrumentConn is a messenger wired straight to a fakeInstrument. It
// reports overlapping exchanges.
type instrumentConn struct {
	fi       *fakeInstrument
	mu       sync.Mutex
	pending  []byte
	overlaps int
	sendErr  error
}

func (c *instrumentConn) Send(msg []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sendErr != nil {
		return c.sendErr
	}
	if c.pending != nil {
		c.overlaps++
	}
	c.pending = append([]byte(nil), msg...)
	return nil
}

func (c *instrumentConn) Recv() ([]byte, error) {
	c.mu.Lock()
	req := c.pending
	c.mu.Unlock()
	// Give a concurrent sender a chance to interleave if nothing stops it.
	time.Sleep(100 * time.Microsecond)
	reply := c.fi.reply(req)
	c.mu.Lock()
	c.pending = nil
	c.mu.Unlock()
	return reply, nil
}

// drainUpdates returns every update queued on ch without waiting.
func drainUpdates(ch <-chan ClientUpdate) []ClientUpdate {
	var out []ClientUpdate
	for {
		select {
		case u := <-ch:
			out = append(out, u)
		default:
			return out
		}
	}
}

func updatesTagged(updates []ClientUpdate, tag string) []ClientUpdate {
	var out []ClientUpdate
	for _, u := range updates {
		if u.tag == tag {
			out = append(out, u)
		}
	}
	return out
}
