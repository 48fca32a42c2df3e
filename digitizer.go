package nucinstdig

import (
	"fmt"
	"io"
	"os"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/isiscomputinggroup/nucinstdig/asyncbufio"
	"github.com/oklog/ulid/v2"
)

// Names of the three channel groups.
const (
	GroupTraces     = "traces"
	GroupDarkCounts = "darkcounts"
	GroupTOF        = "tof"
)

// ParameterConfig declares a remote parameter to mirror from startup.
type ParameterConfig struct {
	Name    string
	Kind    string // "int", "float" or "string"
	Channel int
	PollMs  int
}

// DigitizerConfig holds the settings of one digitizer bridge. Durations are
// in milliseconds; zero means the default.
type DigitizerConfig struct {
	Host           string
	CommandAddress string // overrides Host and CommandPort when set
	TraceAddress   string
	EventAddress   string
	CommandPort    int
	TracePort      int
	EventPort      int
	EnableEvents   bool

	TimeoutMs      int
	LingerMs       int
	ConflateTraces bool
	ReceiveHWM     int

	RefreshMs      int
	TracePublishMs int
	SpectraPollMs  int
	CooldownMs     int
	ImagePeriodMs  int

	StrictKinds    bool
	MaxShownEvents int
	Verbose        bool
	EventLog       string // file for event diagnostics; empty discards them

	StartCommand      string
	StopCommand       string
	ConfigureCommand  string
	ResetCommand      string
	DarkCountsCommand string
	TOFCommand        string

	Parameters []ParameterConfig
}

// DefaultDigitizerConfig returns the settings for a digitizer on localhost.
func DefaultDigitizerConfig() DigitizerConfig {
	return DigitizerConfig{
		Host:              "localhost",
		CommandPort:       5557,
		TracePort:         5556,
		EventPort:         5558,
		TimeoutMs:         5000,
		LingerMs:          1000,
		RefreshMs:         3000,
		TracePublishMs:    500,
		SpectraPollMs:     1000,
		CooldownMs:        3000,
		ImagePeriodMs:     1000,
		MaxShownEvents:    DefaultMaxShown,
		StartCommand:      "start",
		StopCommand:       "stop",
		ConfigureCommand:  "configure",
		ResetCommand:      "reset",
		DarkCountsCommand: "read_dark_counts",
		TOFCommand:        "read_tof_spectra",
	}
}

func ms(n int, fallback time.Duration) time.Duration {
	if n <= 0 {
		return fallback
	}
	return time.Duration(n) * time.Millisecond
}

func address(explicit, host string, port int) string {
	if explicit != "" {
		return explicit
	}
	return fmt.Sprintf("tcp://%s:%d", host, port)
}

func (cfg *DigitizerConfig) endpoints() (command, trace, event EndpointConfig) {
	timeout := ms(cfg.TimeoutMs, defaultTimeout)
	linger := ms(cfg.LingerMs, defaultLinger)
	command = EndpointConfig{
		Address:     address(cfg.CommandAddress, cfg.Host, cfg.CommandPort),
		Kind:        RequestSocket,
		SendTimeout: timeout,
		RecvTimeout: timeout,
		Linger:      linger,
	}
	trace = EndpointConfig{
		Address:     address(cfg.TraceAddress, cfg.Host, cfg.TracePort),
		Kind:        PullSocket,
		SendTimeout: timeout,
		RecvTimeout: timeout,
		Linger:      linger,
		Conflate:    cfg.ConflateTraces,
		ReceiveHWM:  cfg.ReceiveHWM,
	}
	event = trace
	event.Address = address(cfg.EventAddress, cfg.Host, cfg.EventPort)
	event.Conflate = false
	return
}

// endpointOpener creates a ConnectionHandler; tests substitute fake sockets.
type endpointOpener func(cfg EndpointConfig, abort <-chan struct{}) (*ConnectionHandler, error)

// activityRecorder is told about acquisition runs.
type activityRecorder interface {
	RunStarted(id string, at time.Time)
	RunStopped(id string, at time.Time)
}

// channelGroup bundles the per-group state the Digitizer owns.
type channelGroup struct {
	buffer *SpectraBuffer
	slots  *SelectionSlots
	synth  *ImageSynthesizer
	ingest *SpectraIngest // nil for traces
}

// Digitizer owns every part of one digitizer bridge: endpoints, command
// client, parameter registry, buffers, ingest loops and image scheduler.
type Digitizer struct {
	cfg       DigitizerConfig
	updates   chan<- ClientUpdate
	abort     chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup

	command   *ConnectionHandler
	trace     *ConnectionHandler
	event     *ConnectionHandler // nil unless events are enabled
	client    *CommandClient
	params    *ParamRegistry
	groups    map[string]*channelGroup
	traces    *TraceIngest
	events    *EventIngest
	eventLog  *asyncbufio.Writer
	eventFile io.Closer
	scheduler *ImageScheduler

	acquiring atomic.Bool
	activity  activityRecorder
	runID     string
	lastError string
	stateMu   sync.Mutex // guards runID, lastError and activity
}

// NewDigitizer opens the endpoints and builds the bridge. Nothing runs until Start.
func NewDigitizer(cfg DigitizerConfig, updates chan<- ClientUpdate) (*Digitizer, error) {
	return newDigitizer(cfg, updates, NewConnectionHandler, nil)
}

func newDigitizer(cfg DigitizerConfig, updates chan<- ClientUpdate, open endpointOpener, eventOut io.Writer) (*Digitizer, error) {
	d := &Digitizer{
		cfg:     cfg,
		updates: updates,
		abort:   make(chan struct{}),
		groups:  make(map[string]*channelGroup),
	}
	commandCfg, traceCfg, eventCfg := cfg.endpoints()
	var err error
	if d.command, err = open(commandCfg, d.abort); err != nil {
		return nil, err
	}
	if d.trace, err = open(traceCfg, d.abort); err != nil {
		d.Close()
		return nil, err
	}
	d.client = NewCommandClient(d.command)
	d.params = NewParamRegistry(d.client, cfg.StrictKinds, updates)

	for _, name := range []string{GroupTraces, GroupDarkCounts, GroupTOF} {
		d.groups[name] = &channelGroup{
			buffer: NewSpectraBuffer(name),
			slots:  NewSelectionSlots(),
			synth:  NewImageSynthesizer(name),
		}
	}
	tg := d.groups[GroupTraces]
	d.traces = NewTraceIngest(GroupTraces, d.trace, tg.buffer, tg.slots, updates, ms(cfg.TracePublishMs, DefaultSlotPublish))
	for name, command := range map[string]string{GroupDarkCounts: cfg.DarkCountsCommand, GroupTOF: cfg.TOFCommand} {
		g := d.groups[name]
		g.ingest = NewSpectraIngest(name, d.client, command, "", g.buffer, g.slots, updates)
	}

	if cfg.EnableEvents {
		if d.event, err = open(eventCfg, d.abort); err != nil {
			d.Close()
			return nil, err
		}
		if eventOut == nil {
			eventOut = io.Discard
			if cfg.EventLog != "" {
				f, err := openEventLog(cfg.EventLog)
				if err != nil {
					d.Close()
					return nil, err
				}
				eventOut, d.eventFile = f, f
			}
		}
		d.eventLog = asyncbufio.NewWriter(eventOut, 1024, time.Second)
		d.events = NewEventIngest(d.event, d.eventLog, cfg.MaxShownEvents, cfg.Verbose, updates,
			ms(cfg.TracePublishMs, DefaultSlotPublish))
	}

	var groups []ChannelGroup
	for _, name := range []string{GroupTraces, GroupDarkCounts, GroupTOF} {
		g := d.groups[name]
		groups = append(groups, newSpectraGroup(name, g.buffer, g.synth, updates))
	}
	d.scheduler = NewImageScheduler(ms(cfg.ImagePeriodMs, DefaultImagePeriod), d.imagesWanted, groups...)

	for _, p := range cfg.Parameters {
		kind, err := ParseKind(p.Kind)
		if err != nil {
			d.Close()
			return nil, err
		}
		if _, err := d.params.Register(p.Name, kind, p.Channel, ms(p.PollMs, 0)); err != nil {
			d.Close()
			return nil, err
		}
	}
	return d, nil
}

func openEventLog(name string) (*os.File, error) {
	f, err := os.OpenFile(name, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0664)
	if err != nil {
		return nil, fmt.Errorf("could not open event log: %w", err)
	}
	return f, nil
}

// SetActivityLog makes the Digitizer report acquisition runs to r.
func (d *Digitizer) SetActivityLog(r activityRecorder) {
	d.stateMu.Lock()
	defer d.stateMu.Unlock()
	d.activity = r
}

// imagesWanted gates the image scheduler.
func (d *Digitizer) imagesWanted() bool {
	return d.acquiring.Load() && d.command.Connected()
}

// Start launches every background loop. They run until Close.
func (d *Digitizer) Start() {
	cooldown := ms(d.cfg.CooldownMs, DefaultCooldown)
	d.spawn(func() { d.params.Run(ms(d.cfg.RefreshMs, DefaultRefreshPeriod), d.abort) })
	d.spawn(func() { d.traces.Run(cooldown, d.abort) })
	for _, name := range []string{GroupDarkCounts, GroupTOF} {
		ingest := d.groups[name].ingest
		d.spawn(func() { ingest.Run(ms(d.cfg.SpectraPollMs, DefaultSpectraPeriod), cooldown, d.abort) })
	}
	if d.events != nil {
		d.spawn(func() { d.events.Run(cooldown, d.abort) })
	}
	d.spawn(func() { d.scheduler.Run(d.abort) })
	d.spawn(d.broadcastStatus)
}

func (d *Digitizer) spawn(fn func()) {
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		fn()
	}()
}

// broadcastStatus publishes STATUS and ALIVE periodically.
func (d *Digitizer) broadcastStatus() {
	ticker := time.NewTicker(DefaultStatusInterval)
	defer ticker.Stop()
	for {
		select {
		case <-d.abort:
			return
		case <-ticker.C:
			d.publishStatus()
			offerUpdate(d.updates, ClientUpdate{tag: "ALIVE", state: time.Since(StartTime).Seconds()})
		}
	}
}

func (d *Digitizer) publishStatus() {
	offerUpdate(d.updates, ClientUpdate{tag: "STATUS", state: d.Status()})
}

// Close stops every loop and closes the endpoints.
func (d *Digitizer) Close() {
	d.closeOnce.Do(func() {
		close(d.abort)
		d.wg.Wait()
		for _, ch := range []*ConnectionHandler{d.command, d.trace, d.event} {
			if ch != nil {
				ch.Close()
			}
		}
		if d.eventLog != nil {
			d.eventLog.Close()
		}
		if d.eventFile != nil {
			d.eventFile.Close()
		}
	})
}

// record notes the outcome of a caller-initiated operation.
func (d *Digitizer) record(op string, err error) error {
	if err == nil {
		UpdateLogger.Printf("%s: ok", op)
		return nil
	}
	err = fmt.Errorf("%s: %w", op, err)
	ProblemLogger.Print(err)
	d.stateMu.Lock()
	d.lastError = err.Error()
	d.stateMu.Unlock()
	d.publishStatus()
	return err
}

// LastError returns the most recent failure of a caller-initiated operation.
func (d *Digitizer) LastError() string {
	d.stateMu.Lock()
	defer d.stateMu.Unlock()
	return d.lastError
}

// Acquiring reports whether acquisition has been started.
func (d *Digitizer) Acquiring() bool {
	return d.acquiring.Load()
}

// RunID returns the ULID of the current or last acquisition run.
func (d *Digitizer) RunID() string {
	d.stateMu.Lock()
	defer d.stateMu.Unlock()
	return d.runID
}

// StartAcquisition tells the digitizer to start and begins a new run.
func (d *Digitizer) StartAcquisition() error {
	if err := d.client.ExecuteCommand(d.cfg.StartCommand, ""); err != nil {
		return d.record("start acquisition", err)
	}
	now := time.Now()
	id := ulid.Make().String()
	d.stateMu.Lock()
	d.runID = id
	activity := d.activity
	d.stateMu.Unlock()
	d.acquiring.Store(true)
	if activity != nil {
		activity.RunStarted(id, now)
	}
	d.publishStatus()
	return d.record("start acquisition "+id, nil)
}

// StopAcquisition tells the digitizer to stop.
func (d *Digitizer) StopAcquisition() error {
	if err := d.client.ExecuteCommand(d.cfg.StopCommand, ""); err != nil {
		return d.record("stop acquisition", err)
	}
	wasAcquiring := d.acquiring.Swap(false)
	d.stateMu.Lock()
	id, activity := d.runID, d.activity
	d.stateMu.Unlock()
	if wasAcquiring && activity != nil {
		activity.RunStopped(id, time.Now())
	}
	d.publishStatus()
	return d.record("stop acquisition", nil)
}

// Configure sends the configure command with args.
func (d *Digitizer) Configure(args string) error {
	return d.record("configure", d.client.ExecuteCommand(d.cfg.ConfigureCommand, args))
}

// ResetAccumulators resets the digitizer's accumulators, when it has a reset
// command, and clears the local buffers and event counts.
func (d *Digitizer) ResetAccumulators() error {
	if d.cfg.ResetCommand != "" {
		if err := d.client.ExecuteCommand(d.cfg.ResetCommand, ""); err != nil {
			return d.record("reset accumulators", err)
		}
	}
	for _, g := range d.groups {
		g.buffer.Clear()
	}
	if d.events != nil {
		d.events.ResetCounts()
	}
	return d.record("reset accumulators", nil)
}

// ExecuteCommand runs any named command.
func (d *Digitizer) ExecuteCommand(name, args string) error {
	return d.record("execute "+name, d.client.ExecuteCommand(name, args))
}

// SetParameter writes any parameter, registered or not.
func (d *Digitizer) SetParameter(name string, value Value, channel int) error {
	op := fmt.Sprintf("set %s[%d]=%s", name, channel, value)
	return d.record(op, d.client.SetParameter(name, value, channel))
}

// GetParameter reads any parameter directly, bypassing the cache.
func (d *Digitizer) GetParameter(name string, channel int) (Value, error) {
	v, err := d.client.GetParameter(name, channel)
	if err != nil {
		return Value{}, d.record(fmt.Sprintf("get %s[%d]", name, channel), err)
	}
	return v, nil
}

// RegisterParameter starts mirroring a parameter.
func (d *Digitizer) RegisterParameter(name string, kind Kind, channel int, pollHint time.Duration) (Handle, error) {
	h, err := d.params.Register(name, kind, channel, pollHint)
	if err != nil {
		return h, d.record("register "+name, err)
	}
	return h, nil
}

// WriteParameter writes a registered parameter.
func (d *Digitizer) WriteParameter(h Handle, v Value) error {
	return d.record(fmt.Sprintf("write parameter %d", h), d.params.Write(h, v))
}

// Parameters returns the registry.
func (d *Digitizer) Parameters() *ParamRegistry {
	return d.params
}

func (d *Digitizer) group(name string) (*channelGroup, error) {
	g, ok := d.groups[name]
	if !ok {
		return nil, configErrorf("no channel group %q", name)
	}
	return g, nil
}

// Buffer returns the SpectraBuffer of a channel group.
func (d *Digitizer) Buffer(group string) (*SpectraBuffer, error) {
	g, err := d.group(group)
	if err != nil {
		return nil, err
	}
	return g.buffer, nil
}

// SetSelection points a group's selection slot at a spectrum.
func (d *Digitizer) SetSelection(group string, slot, index int) error {
	g, err := d.group(group)
	if err == nil {
		err = g.slots.Set(slot, index)
	}
	return d.record(fmt.Sprintf("select %s slot %d", group, slot), err)
}

// EnableSpectraRead turns on-demand reading of a spectra group on or off.
func (d *Digitizer) EnableSpectraRead(group string, on bool) error {
	g, err := d.group(group)
	if err == nil && g.ingest == nil {
		err = configErrorf("channel group %s is streamed, not read on demand", group)
	}
	if err == nil {
		g.ingest.SetEnabled(on)
	}
	return d.record(fmt.Sprintf("enable %s read=%t", group, on), err)
}

// ConfigureImage replaces a group's image settings.
func (d *Digitizer) ConfigureImage(group string, s ImageSettings) error {
	g, err := d.group(group)
	if err == nil {
		err = g.synth.Apply(s)
	}
	return d.record("configure image "+group, err)
}

// ImageSettings returns a group's image settings.
func (d *Digitizer) ImageSettings(group string) (ImageSettings, error) {
	g, err := d.group(group)
	if err != nil {
		return ImageSettings{}, err
	}
	return g.synth.Settings(), nil
}

// BufferStatus describes one SpectraBuffer.
type BufferStatus struct {
	Name        string
	NSpectra    int
	NPoints     int
	Generation  uint64
	ReadEnabled bool
	MaxSizeX    int
	MaxSizeY    int
	Ingest      IngestStats
}

// DigitizerStatus is the payload of a STATUS client update.
type DigitizerStatus struct {
	Acquiring  bool
	RunID      string
	LastError  string
	Endpoints  []ConnectionState
	Buffers    []BufferStatus
	Events     *IngestStats `json:",omitempty"`
	Requests   int
	Failures   int
	Parameters int
	Sweeps     uint64
	Coerced    int
	Uptime     float64
}

// Status summarizes the bridge.
func (d *Digitizer) Status() DigitizerStatus {
	d.stateMu.Lock()
	s := DigitizerStatus{
		Acquiring: d.acquiring.Load(),
		RunID:     d.runID,
		LastError: d.lastError,
	}
	d.stateMu.Unlock()
	for _, ch := range []*ConnectionHandler{d.command, d.trace, d.event} {
		if ch != nil {
			s.Endpoints = append(s.Endpoints, ch.State())
		}
	}
	names := make([]string, 0, len(d.groups))
	for name := range d.groups {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		g := d.groups[name]
		nSpectra, nPoints := g.buffer.Shape()
		maxX, maxY := g.synth.MaxSize()
		bs := BufferStatus{
			Name:       name,
			NSpectra:   nSpectra,
			NPoints:    nPoints,
			Generation: g.buffer.Generation(),
			MaxSizeX:   maxX,
			MaxSizeY:   maxY,
		}
		if g.ingest != nil {
			bs.ReadEnabled = g.ingest.Enabled()
			bs.Ingest = g.ingest.Stats()
		} else {
			bs.Ingest = d.traces.Stats()
		}
		s.Buffers = append(s.Buffers, bs)
	}
	if d.events != nil {
		es := d.events.Stats()
		s.Events = &es
	}
	s.Requests, s.Failures = d.client.Counts()
	s.Parameters = d.params.Len()
	s.Sweeps = d.params.Sweeps()
	s.Coerced = d.params.Coerced()
	s.Uptime = time.Since(StartTime).Seconds()
	return s
}
