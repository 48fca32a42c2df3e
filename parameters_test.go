package nucinstdig

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegisterIdempotent(t *testing.T) {
	pr := NewParamRegistry(nil, false, nil)
	h1, err := pr.Register("trg.self_rate", KindInt, 0, 0)
	require.NoError(t, err)
	h2, err := pr.Register("trg.self_rate", KindInt, 0, 0)
	require.NoError(t, err)
	assert.Equal(t, h1, h2)
	h3, err := pr.Register("trg.self_rate", KindInt, 1, 0)
	require.NoError(t, err)
	assert.NotEqual(t, h1, h3)
	assert.Equal(t, 2, pr.Len())

	p, ok := pr.Lookup(h3)
	assert.True(t, ok)
	assert.Equal(t, RemoteParameter{Name: "trg.self_rate", Channel: 1, Kind: KindInt}, p)
	_, ok = pr.Lookup(7)
	assert.False(t, ok)

	var cerr *ConfigurationError
	_, err = pr.Register("", KindInt, 0, 0)
	assert.ErrorAs(t, err, &cerr)
	_, err = pr.Register("x", KindInt, -1, 0)
	assert.ErrorAs(t, err, &cerr)
	_, err = pr.Register("x", Kind(9), 0, 0)
	assert.ErrorAs(t, err, &cerr)
	assert.Equal(t, 2, pr.Len())
}

func TestRefreshFillsCache(t *testing.T) {
	fi := newFakeInstrument()
	fi.setParam("trg.self_rate", 0, "50")
	updates := make(chan ClientUpdate, 10)
	pr := NewParamRegistry(NewCommandClient(&instrumentConn{fi: fi}), false, updates)
	h, err := pr.Register("trg.self_rate", KindInt, 0, 0)
	require.NoError(t, err)

	cv, err := pr.Cached(h)
	require.NoError(t, err)
	assert.Equal(t, uint64(0), cv.AsOf, "never read")

	assert.Equal(t, 0, pr.Refresh())
	cv, err = pr.Cached(h)
	require.NoError(t, err)
	assert.Equal(t, IntValue(50), cv.Value)
	assert.Equal(t, uint64(1), cv.AsOf)
	assert.Empty(t, cv.Err)
	assert.Equal(t, uint64(1), pr.Sweeps())

	published := updatesTagged(drainUpdates(updates), "PARAMETERS")
	require.Len(t, published, 1)
	assert.Equal(t, pr.Snapshot(), published[0].State())

	_, err = pr.Cached(5)
	assert.Error(t, err)
}

func TestFailedReadKeepsValue(t *testing.T) {
	fi := newFakeInstrument()
	fi.setParam("a", 0, "1")
	fi.setParam("b", 0, "2")
	pr := NewParamRegistry(NewCommandClient(&instrumentConn{fi: fi}), false, nil)
	ha, _ := pr.Register("a", KindInt, 0, 0)
	hb, _ := pr.Register("b", KindInt, 0, 0)
	require.Equal(t, 0, pr.Refresh())

	fi.setParam("a", 0, "10")
	fi.failWith("b", "channel disabled")
	assert.Equal(t, 1, pr.Refresh())

	a, _ := pr.Cached(ha)
	b, _ := pr.Cached(hb)
	assert.Equal(t, IntValue(10), a.Value)
	assert.Equal(t, uint64(2), a.AsOf)
	assert.Equal(t, IntValue(2), b.Value, "failed read keeps the previous value")
	assert.Equal(t, uint64(1), b.AsOf)
	assert.Contains(t, b.Err, "channel disabled")
}

func TestNeverReadParameterFails(t *testing.T) {
	fi := newFakeInstrument()
	pr := NewParamRegistry(NewCommandClient(&instrumentConn{fi: fi}), false, nil)
	h, _ := pr.Register("missing", KindFloat, 2, 0)
	assert.Equal(t, 1, pr.Refresh())
	cv, err := pr.Cached(h)
	require.NoError(t, err)
	assert.Equal(t, "missing", cv.Name)
	assert.Equal(t, 2, cv.Channel)
	assert.Equal(t, uint64(0), cv.AsOf)
	assert.NotEmpty(t, cv.Err)
}

func TestWriteThenRefresh(t *testing.T) {
	fi := newFakeInstrument()
	fi.setParam("trg.level", 1, "0")
	fi.setParam("dig.mode", 0, `"idle"`)
	pr := NewParamRegistry(NewCommandClient(&instrumentConn{fi: fi}), false, nil)
	hl, _ := pr.Register("trg.level", KindFloat, 1, 0)
	hm, _ := pr.Register("dig.mode", KindText, 0, 0)

	require.NoError(t, pr.Write(hl, FloatValue(2.5)))
	require.NoError(t, pr.Write(hm, TextValue("run")))
	require.Equal(t, 0, pr.Refresh())
	l, _ := pr.Cached(hl)
	m, _ := pr.Cached(hm)
	assert.Equal(t, FloatValue(2.5), l.Value)
	assert.Equal(t, TextValue("run"), m.Value)

	// Numeric text is converted to the parameter's kind before sending.
	require.NoError(t, pr.Write(hl, TextValue("4")))
	pr.Refresh()
	l, _ = pr.Cached(hl)
	assert.Equal(t, FloatValue(4), l.Value, "integral echo is coerced back to float")
	assert.Equal(t, 1, pr.Coerced())

	var cerr *ConfigurationError
	assert.ErrorAs(t, pr.Write(hl, TextValue("high")), &cerr)
	assert.ErrorAs(t, pr.Write(99, IntValue(1)), &cerr)
}

func TestStrictKinds(t *testing.T) {
	fi := newFakeInstrument()
	fi.setParam("n", 0, "2.5")
	pr := NewParamRegistry(NewCommandClient(&instrumentConn{fi: fi}), true, nil)
	h, _ := pr.Register("n", KindInt, 0, 0)
	assert.Equal(t, 1, pr.Refresh())
	cv, _ := pr.Cached(h)
	assert.Equal(t, uint64(0), cv.AsOf)
	assert.Contains(t, cv.Err, "malformed")

	lenient := NewParamRegistry(NewCommandClient(&instrumentConn{fi: fi}), false, nil)
	h, _ = lenient.Register("n", KindInt, 0, 0)
	assert.Equal(t, 0, lenient.Refresh())
	cv, _ = lenient.Cached(h)
	assert.Equal(t, IntValue(3), cv.Value)
	assert.Equal(t, 1, lenient.Coerced())
}

// countingIO counts reads per parameter and answers with the sweep number.
type countingIO struct {
	mu    sync.Mutex
	reads map[string]int
	value int64
}

func (c *countingIO) GetParameter(name string, channel int) (Value, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.reads[name]++
	return IntValue(c.value), nil
}

func (c *countingIO) SetParameter(name string, value Value, channel int) error {
	return fmt.Errorf("read only")
}

func (c *countingIO) setValue(v int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.value = v
}

func TestPollHint(t *testing.T) {
	io := &countingIO{reads: make(map[string]int)}
	pr := NewParamRegistry(io, false, nil)
	pr.Register("fast", KindInt, 0, 0)
	pr.Register("slow", KindInt, 0, time.Hour)
	for range 3 {
		pr.Refresh()
	}
	assert.Equal(t, 3, io.reads["fast"])
	assert.Equal(t, 1, io.reads["slow"])
}

func TestSweepIsAtomic(t *testing.T) {
	io := &countingIO{reads: make(map[string]int)}
	pr := NewParamRegistry(io, false, nil)
	for i := range 20 {
		pr.Register(fmt.Sprintf("p%d", i), KindInt, 0, 0)
	}

	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-done:
				return
			default:
			}
			snap := pr.Snapshot()
			for _, cv := range snap {
				if !assert.Equal(t, snap[0].AsOf, cv.AsOf) || !assert.Equal(t, snap[0].Value, cv.Value) {
					return
				}
			}
		}
	}()
	for sweep := int64(1); sweep <= 50; sweep++ {
		io.setValue(sweep)
		pr.Refresh()
	}
	close(done)
	wg.Wait()
	assert.Equal(t, uint64(50), pr.Sweeps())
}

func TestRegisterDuringSweeps(t *testing.T) {
	io := &countingIO{reads: make(map[string]int), value: 1}
	pr := NewParamRegistry(io, false, nil)
	pr.Register("a", KindInt, 0, 0)
	pr.Refresh()
	h, _ := pr.Register("b", KindInt, 0, 0)
	cv, err := pr.Cached(h)
	require.NoError(t, err)
	assert.Equal(t, "b", cv.Name)
	assert.Equal(t, uint64(0), cv.AsOf)
	pr.Refresh()
	cv, _ = pr.Cached(h)
	assert.Equal(t, uint64(2), cv.AsOf)
	assert.Len(t, pr.Snapshot(), 2)
}

func TestRegistryRun(t *testing.T) {
	io := &countingIO{reads: make(map[string]int), value: 1}
	pr := NewParamRegistry(io, false, nil)
	abort := make(chan struct{})
	done := make(chan struct{})
	go func() {
		pr.Run(5*time.Millisecond, abort)
		close(done)
	}()
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, uint64(0), pr.Sweeps(), "empty registry does not sweep")
	pr.Register("a", KindInt, 0, 0)
	assert.Eventually(t, func() bool { return pr.Sweeps() > 0 }, time.Second, 5*time.Millisecond)
	close(abort)
	<-done
}
