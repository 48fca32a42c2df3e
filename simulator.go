package nucinstdig

import (
	"encoding/json"
	"fmt"
	"math/rand/v2"
	"strconv"
	"sync"
	"time"

	"github.com/isiscomputinggroup/nucinstdig/frames"
	zmq "github.com/pebbe/zmq4"
)

// SimulatorConfig describes a simulated digitizer.
type SimulatorConfig struct {
	CommandAddress string // bind address of the REP endpoint, e.g. tcp://*:5557
	TraceAddress   string // bind address of the trace PUSH endpoint
	EventAddress   string // bind address of the event PUSH endpoint; empty for none
	NChannels      int
	NSamples       int     // samples per trace
	FrameRate      float64 // frames per second while running
	Pedestal       float64
	Amplitude      float64
	Noise          float64 // standard deviation of the added noise
	NBins          int     // bins per time-of-flight and dark-count spectrum
	Seed           uint64
}

// DefaultSimulatorConfig returns a 4-channel simulator on the standard ports.
func DefaultSimulatorConfig() SimulatorConfig {
	return SimulatorConfig{
		CommandAddress: "tcp://*:5557",
		TraceAddress:   "tcp://*:5556",
		EventAddress:   "tcp://*:5558",
		NChannels:      4,
		NSamples:       1000,
		FrameRate:      10,
		Pedestal:       1000,
		Amplitude:      5000,
		Noise:          5,
		NBins:          100,
	}
}

// Simulator stands in for a digitizer: it answers commands like the
// instrument does and streams pulse traces and events while running.
type Simulator struct {
	cfg         SimulatorConfig
	params      map[string]Value // keyed "name[idx]"
	running     bool
	frameNumber uint32
	onecycle    []float64
	tof         [][]float64
	dark        [][]float64
	rng         *rand.Rand
	sync.Mutex
}

// NewSimulator creates a stopped simulator.
func NewSimulator(cfg SimulatorConfig) *Simulator {
	if cfg.NChannels <= 0 {
		cfg.NChannels = 1
	}
	if cfg.NSamples <= 0 {
		cfg.NSamples = 1000
	}
	if cfg.NBins <= 0 {
		cfg.NBins = 100
	}
	if cfg.FrameRate <= 0 {
		cfg.FrameRate = 10
	}
	sim := &Simulator{
		cfg:    cfg,
		params: make(map[string]Value),
		rng:    rand.New(rand.NewPCG(cfg.Seed, cfg.Seed^0x9e3779b97f4a7c15)),
	}
	sim.tof = make([][]float64, cfg.NChannels)
	sim.dark = make([][]float64, cfg.NChannels)
	for c := range cfg.NChannels {
		sim.tof[c] = make([]float64, cfg.NBins)
		sim.dark[c] = make([]float64, cfg.NBins)
		sim.params[paramName("dig.channel_enabled", c)] = IntValue(1)
		sim.params[paramName("trg.level", c)] = FloatValue(cfg.Pedestal + cfg.Amplitude/10)
	}
	sim.params[paramName("dig.sample_rate", 0)] = IntValue(1000000000)
	sim.params[paramName("dig.mode", 0)] = TextValue("idle")

	// A pulse a quarter of the way in, with a fast rise and a slow fall.
	sim.onecycle = make([]float64, cfg.NSamples)
	firstIdx := cfg.NSamples / 4
	ampl := []float64{cfg.Amplitude, -cfg.Amplitude}
	exprate := []float64{.99, .9}
	for i := range sim.onecycle {
		value := cfg.Pedestal
		if i >= firstIdx {
			value += ampl[0] + ampl[1]
			ampl[0] *= exprate[0]
			ampl[1] *= exprate[1]
		}
		sim.onecycle[i] = value
	}
	return sim
}

func paramName(name string, idx int) string {
	return fmt.Sprintf("%s[%d]", name, idx)
}

// Running reports whether acquisition was started.
func (sim *Simulator) Running() bool {
	sim.Lock()
	defer sim.Unlock()
	return sim.running
}

func simReply(fields map[string]any) []byte {
	if _, ok := fields["response"]; !ok {
		fields["response"] = "ok"
	}
	msg, err := json.Marshal(fields)
	if err != nil {
		return []byte(`{"response":"error","error_code":1,"message":"cannot encode reply"}`)
	}
	return msg
}

func simError(code int, format string, args ...any) []byte {
	return simReply(map[string]any{"response": "error", "error_code": code, "message": fmt.Sprintf(format, args...)})
}

// Handle answers one command request.
func (sim *Simulator) Handle(request []byte) []byte {
	var req commandRequest
	if err := json.Unmarshal(request, &req); err != nil {
		return simError(1, "cannot parse request: %v", err)
	}
	idx := 0
	if req.Idx != nil {
		idx = *req.Idx
	}
	sim.Lock()
	defer sim.Unlock()

	switch req.Command {
	case cmdExecute:
		switch req.Name {
		case "start":
			sim.running = true
			sim.params[paramName("dig.mode", 0)] = TextValue("running")
		case "stop":
			sim.running = false
			sim.params[paramName("dig.mode", 0)] = TextValue("idle")
		case "reset":
			for c := range sim.tof {
				clear(sim.tof[c])
				clear(sim.dark[c])
			}
		case "configure":
		default:
			return simError(1, "unknown command %q", req.Name)
		}
		return simReply(map[string]any{})

	case cmdGetParam:
		v, ok := sim.params[paramName(req.Name, idx)]
		if !ok {
			return simError(2, "no parameter %s for channel %d", req.Name, idx)
		}
		var value any
		switch v.Kind {
		case KindInt:
			value = v.Int
		case KindFloat:
			value = v.Float
		default:
			value = v.Text
		}
		return simReply(map[string]any{"value": value})

	case cmdSetParam:
		if req.Value == nil {
			return simError(1, "set_parameter %s without a value", req.Name)
		}
		sim.params[paramName(req.Name, idx)] = parseSimValue(*req.Value)
		return simReply(map[string]any{})

	case cmdReadCommand:
		var rows [][]float64
		switch req.Name {
		case "read_tof_spectra":
			rows = sim.tof
		case "read_dark_counts":
			rows = sim.dark
		default:
			return simError(4, "unknown read command %q", req.Name)
		}
		return simReply(map[string]any{"data": rows})
	}
	return simError(1, "unknown request type %q", req.Command)
}

func parseSimValue(text string) Value {
	if i, err := strconv.ParseInt(text, 10, 64); err == nil {
		return IntValue(i)
	}
	if f, err := strconv.ParseFloat(text, 64); err == nil {
		return FloatValue(f)
	}
	return TextValue(text)
}

// nextFrame makes the trace and event messages of one frame and accumulates
// its events into the spectra.
func (sim *Simulator) nextFrame() (trace, events []byte) {
	sim.Lock()
	defer sim.Unlock()
	sim.frameNumber++
	md := frames.Metadata{FrameNumber: sim.frameNumber, Running: sim.running, PeriodNumber: 1}

	tf := &frames.TraceFrame{DigitizerID: 1, Metadata: md, SampleRate: 1000000000}
	ef := &frames.EventFrame{DigitizerID: 1, Metadata: md}
	binWidth := max(1, sim.cfg.NSamples/sim.cfg.NBins)
	for c := range sim.cfg.NChannels {
		voltage := make([]uint16, sim.cfg.NSamples)
		for i, v := range sim.onecycle {
			voltage[i] = saturate[uint16](v + sim.cfg.Noise*sim.rng.NormFloat64() + 0.5)
		}
		tf.Channels = append(tf.Channels, frames.ChannelTrace{Channel: uint32(c), Voltage: voltage})

		for range sim.rng.IntN(4) {
			t := sim.rng.IntN(sim.cfg.NSamples)
			ef.Channel = append(ef.Channel, uint32(c))
			ef.Time = append(ef.Time, uint32(t))
			ef.Voltage = append(ef.Voltage, saturate[uint16](sim.cfg.Amplitude*sim.rng.Float64()))
			sim.tof[c][min(t/binWidth, sim.cfg.NBins-1)]++
		}
		sim.dark[c][sim.rng.IntN(sim.cfg.NBins)]++
	}
	return frames.EncodeTrace(tf), frames.EncodeEvents(ef)
}

func bindSocket(stype zmq.Type, address string) (*zmq.Socket, error) {
	sock, err := zmq.NewSocket(stype)
	if err != nil {
		return nil, err
	}
	if err := sock.SetLinger(0); err != nil {
		sock.Close()
		return nil, err
	}
	if err := sock.Bind(address); err != nil {
		sock.Close()
		return nil, fmt.Errorf("could not bind %s: %w", address, err)
	}
	return sock, nil
}

// Run binds the endpoints and serves until abort is closed.
func (sim *Simulator) Run(abort <-chan struct{}) error {
	rep, err := bindSocket(zmq.REP, sim.cfg.CommandAddress)
	if err != nil {
		return err
	}
	defer rep.Close()
	trace, err := bindSocket(zmq.PUSH, sim.cfg.TraceAddress)
	if err != nil {
		return err
	}
	defer trace.Close()
	var events *zmq.Socket
	if sim.cfg.EventAddress != "" {
		if events, err = bindSocket(zmq.PUSH, sim.cfg.EventAddress); err != nil {
			return err
		}
		defer events.Close()
	}

	poller := zmq.NewPoller()
	poller.Add(rep, zmq.POLLIN)
	period := time.Duration(float64(time.Second) / sim.cfg.FrameRate)
	nextFrame := time.Now().Add(period)
	for {
		select {
		case <-abort:
			return nil
		default:
		}
		wait := min(time.Until(nextFrame), 100*time.Millisecond)
		polled, err := poller.Poll(max(wait, 0))
		if err != nil {
			return err
		}
		if len(polled) > 0 {
			req, err := rep.RecvBytes(0)
			if err != nil {
				return err
			}
			if _, err := rep.SendBytes(sim.Handle(req), 0); err != nil {
				return err
			}
		}
		if time.Now().Before(nextFrame) {
			continue
		}
		nextFrame = nextFrame.Add(period)
		if !sim.Running() {
			continue
		}
		traceMsg, eventMsg := sim.nextFrame()
		// Nobody listening is not an error: the frame is simply lost.
		trace.SendBytes(traceMsg, zmq.DONTWAIT)
		if events != nil {
			events.SendBytes(eventMsg, zmq.DONTWAIT)
		}
	}
}

