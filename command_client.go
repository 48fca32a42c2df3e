package nucinstdig

import (
	"encoding/json"
	"fmt"
	"sync"
)

// Wire names of the commands the instrument understands.
const (
	cmdExecute     = "execute_cmd"
	cmdGetParam    = "get_parameter"
	cmdSetParam    = "set_parameter"
	cmdReadCommand = "execute_read_command"
)

// commandRequest is the JSON object sent to the command endpoint. Idx is a
// pointer so that channel 0 is still sent.
type commandRequest struct {
	Command string  `json:"command"`
	Name    string  `json:"name"`
	Args    *string `json:"args,omitempty"`
	Idx     *int    `json:"idx,omitempty"`
	Value   *string `json:"value,omitempty"`
}

// messenger is the part of a ConnectionHandler the CommandClient needs.
type messenger interface {
	Send(msg []byte) error
	Recv() ([]byte, error)
}

// CommandClient encodes requests, decodes replies and maps failures to errors.
// At most one request is in flight at a time.
type CommandClient struct {
	conn     messenger
	requests int
	failures int
	sync.Mutex
}

// NewCommandClient creates a CommandClient talking over conn.
func NewCommandClient(conn messenger) *CommandClient {
	return &CommandClient{conn: conn}
}

// Counts returns how many requests were issued and how many failed.
func (cc *CommandClient) Counts() (requests, failures int) {
	cc.Lock()
	defer cc.Unlock()
	return cc.requests, cc.failures
}

// ExecuteCommand runs a named instrument command.
func (cc *CommandClient) ExecuteCommand(name, args string) error {
	_, err := cc.roundTrip(commandRequest{Command: cmdExecute, Name: name, Args: &args})
	return err
}

// GetParameter reads one parameter for one channel.
func (cc *CommandClient) GetParameter(name string, channel int) (Value, error) {
	req := commandRequest{Command: cmdGetParam, Name: name, Idx: &channel}
	reply, err := cc.roundTrip(req)
	if err != nil {
		return Value{}, err
	}
	raw, ok := reply.fields["value"]
	if !ok {
		return Value{}, &MalformedResponse{Response: reply.raw, Reason: "no value field"}
	}
	v, err := valueFromJSON(raw)
	if err != nil {
		return Value{}, &MalformedResponse{Response: reply.raw, Reason: err.Error()}
	}
	return v, nil
}

// SetParameter writes one parameter for one channel. The value travels as text.
func (cc *CommandClient) SetParameter(name string, value Value, channel int) error {
	text := value.String()
	_, err := cc.roundTrip(commandRequest{Command: cmdSetParam, Name: name, Idx: &channel, Value: &text})
	return err
}

// ExecuteReadCommand runs a command that returns 2D data. Rows may be ragged.
func (cc *CommandClient) ExecuteReadCommand(name, args string) ([][]float64, error) {
	reply, err := cc.roundTrip(commandRequest{Command: cmdReadCommand, Name: name, Args: &args})
	if err != nil {
		return nil, err
	}
	raw, ok := reply.fields["data"]
	if !ok {
		return nil, &MalformedResponse{Response: reply.raw, Reason: "no data field"}
	}
	var rows [][]float64
	if err := json.Unmarshal(raw, &rows); err != nil {
		return nil, &MalformedResponse{Response: reply.raw, Reason: "data is not an array of number arrays"}
	}
	return rows, nil
}

// ReadSpectra runs a read command and stores its rows in dest. The first row
// sets the stride for every row (see SpectraBuffer.Replace).
func (cc *CommandClient) ReadSpectra(name, args string, dest *SpectraBuffer) error {
	rows, err := cc.ExecuteReadCommand(name, args)
	if err != nil {
		return err
	}
	if ragged := raggedRows(rows); ragged > 0 {
		ProblemLogger.Printf("read command %s returned %d rows whose length differs from the first row's %d points",
			name, ragged, len(rows[0]))
	}
	dest.Replace(rows)
	return nil
}

func raggedRows(rows [][]float64) int {
	n := 0
	for _, r := range rows {
		if len(r) != len(rows[0]) {
			n++
		}
	}
	return n
}

type commandReply struct {
	raw    []byte
	fields map[string]json.RawMessage
}

// roundTrip sends req and waits for its reply while holding the client lock.
func (cc *CommandClient) roundTrip(req commandRequest) (*commandReply, error) {
	if req.Name == "" {
		return nil, configErrorf("%s with empty name", req.Command)
	}
	if req.Idx != nil && *req.Idx < 0 {
		return nil, configErrorf("%s %s: channel %d is negative", req.Command, req.Name, *req.Idx)
	}
	msg, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}

	cc.Lock()
	defer cc.Unlock()
	cc.requests++
	reply, err := cc.exchange(msg)
	if err != nil {
		cc.failures++
		return nil, err
	}
	return reply, nil
}

func (cc *CommandClient) exchange(msg []byte) (*commandReply, error) {
	if err := cc.conn.Send(msg); err != nil {
		return nil, fmt.Errorf("sending %s: %w", msg, err)
	}
	raw, err := cc.conn.Recv()
	if err != nil {
		return nil, fmt.Errorf("waiting for reply to %s: %w", msg, err)
	}
	return decodeReply(msg, raw)
}

func decodeReply(request, raw []byte) (*commandReply, error) {
	fields := make(map[string]json.RawMessage)
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, &MalformedResponse{Response: raw, Reason: "not a JSON object"}
	}
	reply := &commandReply{raw: raw, fields: fields}

	rawStatus, ok := fields["response"]
	if !ok {
		return nil, &MalformedResponse{Response: raw, Reason: "no response field"}
	}
	var status string
	if err := json.Unmarshal(rawStatus, &status); err == nil && status == "ok" {
		return reply, nil
	}

	failure := &RemoteCommandFailed{Request: request}
	if rawCode, ok := fields["error_code"]; ok {
		if err := json.Unmarshal(rawCode, &failure.Code); err != nil {
			return nil, &MalformedResponse{Response: raw, Reason: "error_code is not an integer"}
		}
	}
	if rawMsg, ok := fields["message"]; ok {
		if err := json.Unmarshal(rawMsg, &failure.Message); err != nil {
			failure.Message = string(rawMsg)
		}
	}
	return nil, failure
}
