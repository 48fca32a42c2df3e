package nucinstdig

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	zmq "github.com/pebbe/zmq4"
)

// SocketKind selects the ZMQ pattern of an endpoint.
type SocketKind int

// Names for the possible values of SocketKind
const (
	RequestSocket SocketKind = iota // REQ: the command endpoint
	PullSocket                      // PULL: a streaming feed
)

func (k SocketKind) String() string {
	switch k {
	case RequestSocket:
		return "REQ"
	case PullSocket:
		return "PULL"
	}
	return fmt.Sprintf("SocketKind(%d)", int(k))
}

// EndpointConfig holds everything needed to (re)create one endpoint.
type EndpointConfig struct {
	Address     string
	Kind        SocketKind
	SendTimeout time.Duration
	RecvTimeout time.Duration
	Linger      time.Duration
	Conflate    bool // keep only the most recent message
	ReceiveHWM  int
}

const (
	defaultTimeout = 5 * time.Second
	defaultLinger  = time.Second
	maxLinger      = 10 * time.Second
)

func (cfg *EndpointConfig) validate() error {
	if cfg.Address == "" {
		return configErrorf("endpoint address is empty")
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = defaultTimeout
	}
	if cfg.RecvTimeout <= 0 {
		cfg.RecvTimeout = defaultTimeout
	}
	if cfg.Linger <= 0 {
		cfg.Linger = defaultLinger
	}
	if cfg.Linger > maxLinger {
		cfg.Linger = maxLinger
	}
	if cfg.Conflate && cfg.Kind == RequestSocket {
		return configErrorf("endpoint %s: conflate is only allowed on streaming endpoints", cfg.Address)
	}
	return nil
}

type socket interface {
	SendBytes(data []byte, flags zmq.Flag) (int, error)
	RecvBytes(flags zmq.Flag) ([]byte, error)
	Close() error
}

type socketFactory func(cfg EndpointConfig) (socket, eventSource, error)

var monitorSerial atomic.Int64

// newZMQSocket creates and connects a socket, plus a PAIR socket receiving its
// lifecycle events.
func newZMQSocket(cfg EndpointConfig) (socket, eventSource, error) {
	stype := zmq.REQ
	if cfg.Kind == PullSocket {
		stype = zmq.PULL
	}
	sock, err := zmq.NewSocket(stype)
	if err != nil {
		return nil, nil, err
	}
	closeOnError := func(err error) (socket, eventSource, error) {
		sock.Close()
		return nil, nil, err
	}
	if err := sock.SetLinger(cfg.Linger); err != nil {
		return closeOnError(err)
	}
	if err := sock.SetSndtimeo(cfg.SendTimeout); err != nil {
		return closeOnError(err)
	}
	if err := sock.SetRcvtimeo(cfg.RecvTimeout); err != nil {
		return closeOnError(err)
	}
	if cfg.ReceiveHWM > 0 {
		if err := sock.SetRcvhwm(cfg.ReceiveHWM); err != nil {
			return closeOnError(err)
		}
	}
	if cfg.Conflate {
		if err := sock.SetConflate(true); err != nil {
			return closeOnError(err)
		}
	}

	monitorAddr := fmt.Sprintf("inproc://nucinstdig-monitor-%d", monitorSerial.Add(1))
	if err := sock.Monitor(monitorAddr, monitoredEvents); err != nil {
		return closeOnError(err)
	}
	events, err := zmq.NewSocket(zmq.PAIR)
	if err != nil {
		return closeOnError(err)
	}
	if err := events.SetRcvtimeo(100 * time.Millisecond); err != nil {
		events.Close()
		return closeOnError(err)
	}
	if err := events.Connect(monitorAddr); err != nil {
		events.Close()
		return closeOnError(err)
	}

	if err := sock.Connect(cfg.Address); err != nil {
		events.Close()
		return closeOnError(err)
	}
	return sock, events, nil
}

// ConnectionHandler owns one endpoint, serializes all access to it, and
// recreates it after any failed send or receive.
type ConnectionHandler struct {
	cfg       EndpointConfig
	newSocket socketFactory
	sock      socket
	monitor   *HealthMonitor
	reinits   int
	sync.Mutex // serializes all use of sock
}

// NewConnectionHandler creates the endpoint and starts its HealthMonitor,
// which runs until abort is closed.
func NewConnectionHandler(cfg EndpointConfig, abort <-chan struct{}) (*ConnectionHandler, error) {
	return newConnectionHandler(cfg, newZMQSocket, abort)
}

func newConnectionHandler(cfg EndpointConfig, factory socketFactory, abort <-chan struct{}) (*ConnectionHandler, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	sock, events, err := factory(cfg)
	if err != nil {
		return nil, fmt.Errorf("could not open %s endpoint %s: %w", cfg.Kind, cfg.Address, err)
	}
	ch := &ConnectionHandler{
		cfg:       cfg,
		newSocket: factory,
		sock:      sock,
		monitor:   newHealthMonitor(cfg.Address, events),
	}
	go ch.monitor.run(abort)
	return ch, nil
}

// Address returns the endpoint address.
func (ch *ConnectionHandler) Address() string {
	return ch.cfg.Address
}

// Connected reports the endpoint health as seen by its HealthMonitor.
func (ch *ConnectionHandler) Connected() bool {
	return ch.monitor.Connected()
}

// State returns the endpoint's ConnectionState.
func (ch *ConnectionHandler) State() ConnectionState {
	return ch.monitor.State()
}

// Reinits returns how many times the endpoint has been recreated.
func (ch *ConnectionHandler) Reinits() int {
	ch.Lock()
	defer ch.Unlock()
	return ch.reinits
}

// Send sends one message. Any failure recreates the endpoint and is returned.
func (ch *ConnectionHandler) Send(msg []byte) error {
	ch.Lock()
	defer ch.Unlock()
	if ch.sock == nil {
		if err := ch.reinit(); err != nil {
			return &TransportError{Op: "send", Address: ch.cfg.Address, Err: err}
		}
	}
	if _, err := ch.sock.SendBytes(msg, 0); err != nil {
		return ch.fail("send", err)
	}
	return nil
}

// Recv receives one message. A timeout on a streaming endpoint only means the
// feed is idle and leaves the socket alone; every other failure, including a
// zero-length message, recreates the endpoint.
func (ch *ConnectionHandler) Recv() ([]byte, error) {
	ch.Lock()
	defer ch.Unlock()
	if ch.sock == nil {
		if err := ch.reinit(); err != nil {
			return nil, &TransportError{Op: "recv", Address: ch.cfg.Address, Err: err}
		}
	}
	msg, err := ch.sock.RecvBytes(0)
	if err != nil {
		if ch.cfg.Kind == PullSocket && isTimeout(err) {
			return nil, &TransportError{Op: "recv", Address: ch.cfg.Address, Err: ErrTransportTimeout}
		}
		return nil, ch.fail("recv", err)
	}
	if len(msg) == 0 {
		return nil, ch.fail("recv", ErrEmptyMessage)
	}
	return msg, nil
}

// Close closes the socket. A later Send or Recv reopens it.
func (ch *ConnectionHandler) Close() error {
	ch.Lock()
	defer ch.Unlock()
	if ch.sock == nil {
		return nil
	}
	err := ch.sock.Close()
	ch.sock = nil
	return err
}

// fail recreates the endpoint and returns the error for the caller. Must hold ch's lock.
func (ch *ConnectionHandler) fail(op string, err error) error {
	if isTimeout(err) {
		err = ErrTransportTimeout
	}
	terr := &TransportError{Op: op, Address: ch.cfg.Address, Err: err}
	ProblemLogger.Printf("%v; reinitializing %s endpoint", terr, ch.cfg.Kind)
	if rerr := ch.reinit(); rerr != nil {
		ProblemLogger.Printf("could not reinitialize %s: %v", ch.cfg.Address, rerr)
	}
	return terr
}

// reinit tears down and recreates the socket with the same options. Must hold ch's lock.
func (ch *ConnectionHandler) reinit() error {
	if ch.sock != nil {
		ch.sock.Close()
		ch.sock = nil
	}
	ch.reinits++
	sock, events, err := ch.newSocket(ch.cfg)
	if err != nil {
		return err
	}
	ch.sock = sock
	ch.monitor.rearm(events)
	return nil
}

func isTimeout(err error) bool {
	if errors.Is(err, ErrTransportTimeout) {
		return true
	}
	return zmq.AsErrno(err) == zmq.Errno(syscall.EAGAIN)
}
