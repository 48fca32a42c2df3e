package nucinstdig

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetParameterRequest(t *testing.T) {
	fi := newFakeInstrument()
	fi.setParam("trg.self_rate", 0, "50")
	cc := NewCommandClient(&instrumentConn{fi: fi})

	v, err := cc.GetParameter("trg.self_rate", 0)
	require.NoError(t, err)
	assert.True(t, v.Equal(IntValue(50)), "got %+v", v)
	require.Len(t, fi.requests, 1)
	assert.JSONEq(t, `{"command":"get_parameter","name":"trg.self_rate","idx":0}`, fi.requests[0])
	assert.Equal(t, `{"command":"get_parameter","name":"trg.self_rate","idx":0}`, fi.requests[0],
		"channel 0 must be sent explicitly")

	fi.setParam("dig.fs", 3, `"1 GS/s"`)
	v, err = cc.GetParameter("dig.fs", 3)
	require.NoError(t, err)
	assert.Equal(t, TextValue("1 GS/s"), v)

	requests, failures := cc.Counts()
	assert.Equal(t, 2, requests)
	assert.Equal(t, 0, failures)
}

func TestOtherRequestShapes(t *testing.T) {
	fi := newFakeInstrument()
	cc := NewCommandClient(&instrumentConn{fi: fi})

	require.NoError(t, cc.ExecuteCommand("start", ""))
	require.NoError(t, cc.SetParameter("trg.level", FloatValue(1.5), 2))
	fi.setData("read_tof_spectra", [][]float64{{1, 2}, {3, 4}})
	rows, err := cc.ExecuteReadCommand("read_tof_spectra", "0")
	require.NoError(t, err)
	assert.Equal(t, [][]float64{{1, 2}, {3, 4}}, rows)

	require.Len(t, fi.requests, 3)
	assert.JSONEq(t, `{"command":"execute_cmd","name":"start","args":""}`, fi.requests[0])
	assert.JSONEq(t, `{"command":"set_parameter","name":"trg.level","idx":2,"value":"1.5"}`, fi.requests[1])
	assert.JSONEq(t, `{"command":"execute_read_command","name":"read_tof_spectra","args":"0"}`, fi.requests[2])
	assert.Equal(t, []string{"start"}, fi.executed())
}

func TestRemoteCommandFailed(t *testing.T) {
	fi := newFakeInstrument()
	fi.failWith("start", "busy")
	cc := NewCommandClient(&instrumentConn{fi: fi})

	err := cc.ExecuteCommand("start", "")
	var rerr *RemoteCommandFailed
	require.ErrorAs(t, err, &rerr)
	assert.Equal(t, 3, rerr.Code)
	assert.Equal(t, "busy", rerr.Message)
	assert.Contains(t, string(rerr.Request), `"name":"start"`)
	assert.Contains(t, err.Error(), "code 3")

	_, failures := cc.Counts()
	assert.Equal(t, 1, failures)
}

// replyConn answers every request with a fixed reply.
type replyConn struct {
	reply []byte
	err   error
}

func (c *replyConn) Send(msg []byte) error  { return nil }
func (c *replyConn) Recv() ([]byte, error) { return c.reply, c.err }

func TestMalformedReplies(t *testing.T) {
	tests := []struct {
		reply  string
		reason string
	}{
		{`not json`, "not a JSON object"},
		{`[1,2]`, "not a JSON object"},
		{`{"value":1}`, "no response field"},
		{`{"response":"error","error_code":"x"}`, "error_code is not an integer"},
		{`{"response":"ok"}`, "no value field"},
		{`{"response":"ok","value":[1]}`, "not a scalar"},
		{`{"response":"ok","value":null}`, "not a scalar"},
	}
	for _, tt := range tests {
		cc := NewCommandClient(&replyConn{reply: []byte(tt.reply)})
		_, err := cc.GetParameter("p", 0)
		var merr *MalformedResponse
		if assert.ErrorAs(t, err, &merr, tt.reply) {
			assert.Contains(t, merr.Reason, tt.reason, tt.reply)
		}
	}

	cc := NewCommandClient(&replyConn{reply: []byte(`{"response":"ok"}`)})
	_, err := cc.ExecuteReadCommand("r", "")
	var merr *MalformedResponse
	assert.ErrorAs(t, err, &merr)
	cc = NewCommandClient(&replyConn{reply: []byte(`{"response":"ok","data":[["a"]]}`)})
	_, err = cc.ExecuteReadCommand("r", "")
	assert.ErrorAs(t, err, &merr)
}

func TestErrorReplyWithoutDetails(t *testing.T) {
	cc := NewCommandClient(&replyConn{reply: []byte(`{"response":"error"}`)})
	err := cc.ExecuteCommand("stop", "")
	var rerr *RemoteCommandFailed
	require.ErrorAs(t, err, &rerr)
	assert.Equal(t, 0, rerr.Code)
	assert.Empty(t, rerr.Message)
}

func TestRejectedBeforeSending(t *testing.T) {
	fi := newFakeInstrument()
	cc := NewCommandClient(&instrumentConn{fi: fi})
	var cerr *ConfigurationError
	assert.ErrorAs(t, cc.ExecuteCommand("", ""), &cerr)
	_, err := cc.GetParameter("p", -1)
	assert.ErrorAs(t, err, &cerr)
	assert.Empty(t, fi.requests)
	requests, _ := cc.Counts()
	assert.Equal(t, 0, requests)
}

func TestTransportErrorPropagates(t *testing.T) {
	timeout := &TransportError{Op: "recv", Address: "tcp://dig:5557", Err: ErrTransportTimeout}
	cc := NewCommandClient(&replyConn{err: timeout})
	_, err := cc.GetParameter("p", 0)
	assert.ErrorIs(t, err, ErrTransportTimeout)
	assert.Contains(t, err.Error(), "waiting for reply")

	boom := errors.New("boom")
	cc = NewCommandClient(&instrumentConn{fi: newFakeInstrument(), sendErr: boom})
	err = cc.ExecuteCommand("start", "")
	assert.ErrorIs(t, err, boom)
	_, failures := cc.Counts()
	assert.Equal(t, 1, failures)
}

func TestSingleFlight(t *testing.T) {
	fi := newFakeInstrument()
	fi.setParam("p", 0, "1")
	conn := &instrumentConn{fi: fi}
	cc := NewCommandClient(conn)

	var wg sync.WaitGroup
	for range 20 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range 5 {
				v, err := cc.GetParameter("p", 0)
				assert.NoError(t, err)
				assert.Equal(t, int64(1), v.Int)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 0, conn.overlaps)
	requests, _ := cc.Counts()
	assert.Equal(t, 100, requests)
}

func TestReadSpectra(t *testing.T) {
	fi := newFakeInstrument()
	fi.setData("read_dark_counts", [][]float64{{1, 2, 3}, {4, 5}, {6, 7, 8, 9}})
	cc := NewCommandClient(&instrumentConn{fi: fi})
	buffer := NewSpectraBuffer("darkcounts")

	require.NoError(t, cc.ReadSpectra("read_dark_counts", "", buffer))
	nSpectra, nPoints := buffer.Shape()
	assert.Equal(t, 3, nSpectra)
	assert.Equal(t, 3, nPoints)
	assert.Equal(t, []float64{1, 2, 3}, spectrum(t, buffer, 0))
	assert.Equal(t, []float64{4, 5, 0}, spectrum(t, buffer, 1))
	assert.Equal(t, []float64{6, 7, 8}, spectrum(t, buffer, 2))

	assert.Equal(t, 0, raggedRows(nil))
	assert.Equal(t, 2, raggedRows([][]float64{{1}, {1, 2}, {}}))
}

// A real REQ socket against a REP socket on loopback.
func TestCommandOverZMQ(t *testing.T) {
	rep, err := newTestReplier(func(req []byte) []byte {
		return []byte(`{"response":"ok","value":50}`)
	})
	require.NoError(t, err)
	defer rep.close()

	abort := make(chan struct{})
	defer close(abort)
	ch, err := NewConnectionHandler(EndpointConfig{Address: rep.address, Kind: RequestSocket,
		SendTimeout: 2 * time.Second, RecvTimeout: 2 * time.Second, Linger: 10 * time.Millisecond}, abort)
	require.NoError(t, err)
	defer ch.Close()

	cc := NewCommandClient(ch)
	v, err := cc.GetParameter("trg.self_rate", 0)
	require.NoError(t, err)
	assert.Equal(t, IntValue(50), v)
	assert.Equal(t, `{"command":"get_parameter","name":"trg.self_rate","idx":0}`, rep.lastRequest())
	assert.Eventually(t, ch.Connected, 3*time.Second, 20*time.Millisecond)
}
