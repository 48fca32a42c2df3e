package nucinstdig

import (
	"fmt"
	"sync"
	"time"
)

// Handle identifies a registered parameter.
type Handle int

// RemoteParameter names one channel-indexed value on the instrument.
type RemoteParameter struct {
	Name     string
	Channel  int
	Kind     Kind
	PollHint time.Duration // poll no more often than this; 0 polls every sweep
}

// CachedValue is the local shadow of a RemoteParameter.
type CachedValue struct {
	Handle  Handle
	Name    string
	Channel int
	Value   Value
	AsOf    uint64 // sweep number of the last successful read; 0 means never read
	Updated time.Time
	Err     string // last read error, if the last attempt failed
}

type paramKey struct {
	name    string
	channel int
}

// parameterIO is the part of the CommandClient the registry uses.
type parameterIO interface {
	GetParameter(name string, channel int) (Value, error)
	SetParameter(name string, value Value, channel int) error
}

// ParamRegistry keeps the table of mirrored parameters and their cached values.
type ParamRegistry struct {
	io          parameterIO
	strictKinds bool
	updates     chan<- ClientUpdate

	params []RemoteParameter
	index  map[paramKey]Handle
	mu     sync.Mutex // guards params and index

	cache    []CachedValue // replaced as a whole after each sweep
	sweeps   uint64
	coerced  int
	cacheMu  sync.RWMutex // guards cache, sweeps and coerced
	sweepMu  sync.Mutex   // one sweep at a time
	lastPoll []time.Time  // owned by the sweep
}

// NewParamRegistry creates an empty registry reading through io. With
// strictKinds, a value of the wrong kind is an error instead of being coerced.
func NewParamRegistry(io parameterIO, strictKinds bool, updates chan<- ClientUpdate) *ParamRegistry {
	return &ParamRegistry{
		io:          io,
		strictKinds: strictKinds,
		updates:     updates,
		index:       make(map[paramKey]Handle),
	}
}

// Register adds a parameter, or returns the existing handle if (name, channel)
// is already registered.
func (pr *ParamRegistry) Register(name string, kind Kind, channel int, pollHint time.Duration) (Handle, error) {
	if name == "" {
		return -1, configErrorf("parameter name is empty")
	}
	if channel < 0 {
		return -1, configErrorf("parameter %s: channel %d is negative", name, channel)
	}
	if kind < KindInt || kind > KindText {
		return -1, configErrorf("parameter %s: invalid kind %d", name, int(kind))
	}
	pr.mu.Lock()
	defer pr.mu.Unlock()
	key := paramKey{name, channel}
	if h, ok := pr.index[key]; ok {
		return h, nil
	}
	h := Handle(len(pr.params))
	pr.params = append(pr.params, RemoteParameter{Name: name, Channel: channel, Kind: kind, PollHint: pollHint})
	pr.index[key] = h
	return h, nil
}

// Len returns the number of registered parameters.
func (pr *ParamRegistry) Len() int {
	pr.mu.Lock()
	defer pr.mu.Unlock()
	return len(pr.params)
}

// Lookup returns the parameter registered under h.
func (pr *ParamRegistry) Lookup(h Handle) (RemoteParameter, bool) {
	pr.mu.Lock()
	defer pr.mu.Unlock()
	if h < 0 || int(h) >= len(pr.params) {
		return RemoteParameter{}, false
	}
	return pr.params[h], true
}

// Cached returns the last published value of h. A parameter registered after
// the latest sweep has a zero CachedValue with AsOf 0.
func (pr *ParamRegistry) Cached(h Handle) (CachedValue, error) {
	p, ok := pr.Lookup(h)
	if !ok {
		return CachedValue{}, configErrorf("no parameter with handle %d", h)
	}
	pr.cacheMu.RLock()
	defer pr.cacheMu.RUnlock()
	if int(h) < len(pr.cache) {
		return pr.cache[h], nil
	}
	return CachedValue{Handle: h, Name: p.Name, Channel: p.Channel, Value: Value{Kind: p.Kind}}, nil
}

// Snapshot returns a copy of the whole published cache.
func (pr *ParamRegistry) Snapshot() []CachedValue {
	pr.cacheMu.RLock()
	defer pr.cacheMu.RUnlock()
	out := make([]CachedValue, len(pr.cache))
	copy(out, pr.cache)
	return out
}

// Sweeps returns the number of completed sweeps.
func (pr *ParamRegistry) Sweeps() uint64 {
	pr.cacheMu.RLock()
	defer pr.cacheMu.RUnlock()
	return pr.sweeps
}

// Write sets the remote value of a registered parameter. The cache follows on
// the next sweep.
func (pr *ParamRegistry) Write(h Handle, v Value) error {
	p, ok := pr.Lookup(h)
	if !ok {
		return configErrorf("no parameter with handle %d", h)
	}
	cv, err := v.Coerce(p.Kind)
	if err != nil {
		return configErrorf("parameter %s: %v", p.Name, err)
	}
	return pr.io.SetParameter(p.Name, cv, p.Channel)
}

// Refresh reads every parameter that is due, then publishes the whole cache at
// once. A parameter whose read fails keeps its previous value. Refresh returns
// the number of failed reads.
func (pr *ParamRegistry) Refresh() int {
	pr.sweepMu.Lock()
	defer pr.sweepMu.Unlock()

	pr.mu.Lock()
	params := make([]RemoteParameter, len(pr.params))
	copy(params, pr.params)
	pr.mu.Unlock()

	pr.cacheMu.RLock()
	sweep := pr.sweeps + 1
	next := make([]CachedValue, len(params))
	copy(next, pr.cache)
	pr.cacheMu.RUnlock()

	for len(pr.lastPoll) < len(params) {
		pr.lastPoll = append(pr.lastPoll, time.Time{})
	}

	now := time.Now()
	failures, coerced := 0, 0
	for i, p := range params {
		entry := &next[i]
		if entry.AsOf == 0 && entry.Name == "" {
			*entry = CachedValue{Handle: Handle(i), Name: p.Name, Channel: p.Channel, Value: Value{Kind: p.Kind}}
		}
		if p.PollHint > 0 && !pr.lastPoll[i].IsZero() && now.Sub(pr.lastPoll[i]) < p.PollHint {
			continue
		}
		pr.lastPoll[i] = now
		v, wasCoerced, err := pr.read(p)
		if err != nil {
			failures++
			entry.Err = err.Error()
			ProblemLogger.Printf("refresh of parameter %s[%d] failed: %v", p.Name, p.Channel, err)
			continue
		}
		if wasCoerced {
			coerced++
		}
		entry.Value = v
		entry.AsOf = sweep
		entry.Updated = now
		entry.Err = ""
	}

	pr.cacheMu.Lock()
	pr.cache = next
	pr.sweeps = sweep
	pr.coerced += coerced
	pr.cacheMu.Unlock()

	snapshot := make([]CachedValue, len(next))
	copy(snapshot, next)
	offerUpdate(pr.updates, ClientUpdate{tag: "PARAMETERS", state: snapshot})
	return failures
}

// read fetches one parameter and converts it to its declared kind.
func (pr *ParamRegistry) read(p RemoteParameter) (Value, bool, error) {
	v, err := pr.io.GetParameter(p.Name, p.Channel)
	if err != nil {
		return Value{}, false, err
	}
	if v.Kind == p.Kind {
		return v, false, nil
	}
	if pr.strictKinds {
		return Value{}, false, &MalformedResponse{
			Response: []byte(v.String()),
			Reason:   fmt.Sprintf("%s value for %s parameter %s", v.Kind, p.Kind, p.Name),
		}
	}
	cv, err := v.Coerce(p.Kind)
	if err != nil {
		return Value{}, false, &MalformedResponse{Response: []byte(v.String()), Reason: err.Error()}
	}
	return cv, true, nil
}

// Coerced returns how many values have been converted to their declared kind.
func (pr *ParamRegistry) Coerced() int {
	pr.cacheMu.RLock()
	defer pr.cacheMu.RUnlock()
	return pr.coerced
}

// Run sweeps every period until abort is closed.
func (pr *ParamRegistry) Run(period time.Duration, abort <-chan struct{}) {
	ticker := time.NewTicker(period)
	defer ticker.Stop()
	for {
		select {
		case <-abort:
			return
		case <-ticker.C:
			if pr.Len() == 0 {
				continue
			}
			if n := pr.Refresh(); n > 0 {
				ProblemLogger.Printf("parameter sweep: %d of %d reads failed", n, pr.Len())
			}
		}
	}
}
