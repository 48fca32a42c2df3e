package nucinstdig

import (
	"sync"
	"testing"
	"time"

	zmq "github.com/pebbe/zmq4"
	"github.com/stretchr/testify/require"
)

// testReplier is a REP socket on a loopback port that stands in for the
// digitizer's command endpoint.
type testReplier struct {
	address string
	sock    *zmq.Socket
	done    chan struct{}
	stopped chan struct{}
	last    string
	sync.Mutex
}

func newTestReplier(answer func(req []byte) []byte) (*testReplier, error) {
	sock, err := zmq.NewSocket(zmq.REP)
	if err != nil {
		return nil, err
	}
	if err := sock.SetLinger(0); err != nil {
		sock.Close()
		return nil, err
	}
	if err := sock.SetRcvtimeo(50 * time.Millisecond); err != nil {
		sock.Close()
		return nil, err
	}
	if err := sock.Bind("tcp://127.0.0.1:*"); err != nil {
		sock.Close()
		return nil, err
	}
	address, err := sock.GetLastEndpoint()
	if err != nil {
		sock.Close()
		return nil, err
	}
	r := &testReplier{address: address, sock: sock, done: make(chan struct{}), stopped: make(chan struct{})}
	go r.serve(answer)
	return r, nil
}

func (r *testReplier) serve(answer func(req []byte) []byte) {
	defer close(r.stopped)
	defer r.sock.Close()
	for {
		select {
		case <-r.done:
			return
		default:
		}
		req, err := r.sock.RecvBytes(0)
		if err != nil {
			continue
		}
		r.Lock()
		r.last = string(req)
		r.Unlock()
		r.sock.SendBytes(answer(req), 0)
	}
}

func (r *testReplier) lastRequest() string {
	r.Lock()
	defer r.Unlock()
	return r.last
}

func (r *testReplier) close() {
	close(r.done)
	<-r.stopped
}

// spectrum returns the values of spectrum i, failing the test if it is absent.
func spectrum(t *testing.T, buffer *SpectraBuffer, i int) []float64 {
	t.Helper()
	values, _, err := buffer.Spectrum(i)
	require.NoError(t, err)
	return values
}
