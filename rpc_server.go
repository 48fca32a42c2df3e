package nucinstdig

import (
	"fmt"
	"net"
	"net/rpc"
	"net/rpc/jsonrpc"
	"time"
)

// DigitizerControl is the JSON-RPC service that lets clients operate the
// bridge. Each method wraps one Digitizer operation.
type DigitizerControl struct {
	dig           *Digitizer
	clientUpdates chan<- ClientUpdate
}

// NewDigitizerControl creates the service for dig.
func NewDigitizerControl(dig *Digitizer, clientUpdates chan<- ClientUpdate) *DigitizerControl {
	return &DigitizerControl{dig: dig, clientUpdates: clientUpdates}
}

// StartAcquisition starts acquisition.
func (s *DigitizerControl) StartAcquisition(dummy *string, reply *bool) error {
	err := s.dig.StartAcquisition()
	*reply = (err == nil)
	return err
}

// StopAcquisition stops acquisition.
func (s *DigitizerControl) StopAcquisition(dummy *string, reply *bool) error {
	err := s.dig.StopAcquisition()
	*reply = (err == nil)
	return err
}

// Configure sends the configure command with the given arguments.
func (s *DigitizerControl) Configure(args *string, reply *bool) error {
	err := s.dig.Configure(*args)
	*reply = (err == nil)
	return err
}

// ResetAccumulators clears the accumulated spectra and event counts.
func (s *DigitizerControl) ResetAccumulators(dummy *string, reply *bool) error {
	err := s.dig.ResetAccumulators()
	*reply = (err == nil)
	return err
}

// CommandArgs names a command and its arguments.
type CommandArgs struct {
	Name string
	Args string
}

// ExecuteCommand runs any named command on the digitizer.
func (s *DigitizerControl) ExecuteCommand(args *CommandArgs, reply *bool) error {
	err := s.dig.ExecuteCommand(args.Name, args.Args)
	*reply = (err == nil)
	return err
}

// ParameterArgs addresses one remote parameter. Value and Kind are used only
// when writing; Kind defaults to "string".
type ParameterArgs struct {
	Name    string
	Channel int
	Kind    string
	Value   string
}

func (args *ParameterArgs) value() (Value, error) {
	kind := KindText
	if args.Kind != "" {
		var err error
		if kind, err = ParseKind(args.Kind); err != nil {
			return Value{}, err
		}
	}
	return TextValue(args.Value).Coerce(kind)
}

// ParameterReply carries a parameter value back to the client.
type ParameterReply struct {
	Kind  string
	Value string
}

// GetParameter reads a parameter directly from the digitizer.
func (s *DigitizerControl) GetParameter(args *ParameterArgs, reply *ParameterReply) error {
	v, err := s.dig.GetParameter(args.Name, args.Channel)
	if err != nil {
		return err
	}
	*reply = ParameterReply{Kind: v.Kind.String(), Value: v.String()}
	return nil
}

// SetParameter writes a parameter on the digitizer.
func (s *DigitizerControl) SetParameter(args *ParameterArgs, reply *bool) error {
	v, err := args.value()
	if err != nil {
		return configErrorf("parameter %s: %v", args.Name, err)
	}
	err = s.dig.SetParameter(args.Name, v, args.Channel)
	*reply = (err == nil)
	return err
}

// RegisterArgs declares a parameter to mirror.
type RegisterArgs struct {
	Name    string
	Kind    string
	Channel int
	PollMs  int
}

// RegisterParameter starts mirroring a parameter and replies with its handle.
func (s *DigitizerControl) RegisterParameter(args *RegisterArgs, reply *int) error {
	kind, err := ParseKind(args.Kind)
	if err != nil {
		return err
	}
	h, err := s.dig.RegisterParameter(args.Name, kind, args.Channel, time.Duration(args.PollMs)*time.Millisecond)
	if err != nil {
		return err
	}
	*reply = int(h)
	return nil
}

// WriteArgs writes a registered parameter by handle.
type WriteArgs struct {
	Handle int
	Value  string
}

// WriteParameter writes a registered parameter, converting the value to its kind.
func (s *DigitizerControl) WriteParameter(args *WriteArgs, reply *bool) error {
	err := s.dig.WriteParameter(Handle(args.Handle), TextValue(args.Value))
	*reply = (err == nil)
	return err
}

// ReadCache replies with every cached parameter value.
func (s *DigitizerControl) ReadCache(dummy *string, reply *[]CachedValue) error {
	*reply = s.dig.Parameters().Snapshot()
	return nil
}

// SelectionArgs points a selection slot at a spectrum.
type SelectionArgs struct {
	Group string
	Slot  int
	Index int
}

// SetSelection chooses which spectrum a selection slot exports.
func (s *DigitizerControl) SetSelection(args *SelectionArgs, reply *bool) error {
	err := s.dig.SetSelection(args.Group, args.Slot, args.Index)
	*reply = (err == nil)
	return err
}

// EnableArgs turns on-demand reading of a spectra group on or off.
type EnableArgs struct {
	Group  string
	Enable bool
}

// EnableSpectraRead turns on-demand reading on or off.
func (s *DigitizerControl) EnableSpectraRead(args *EnableArgs, reply *bool) error {
	err := s.dig.EnableSpectraRead(args.Group, args.Enable)
	*reply = (err == nil)
	return err
}

// ImageArgs holds new image settings for one group.
type ImageArgs struct {
	Group    string
	Settings ImageSettings
}

// ConfigureImage replaces a group's image settings.
func (s *DigitizerControl) ConfigureImage(args *ImageArgs, reply *bool) error {
	err := s.dig.ConfigureImage(args.Group, args.Settings)
	*reply = (err == nil)
	return err
}

// GetImageSettings replies with a group's image settings, after any corrections.
func (s *DigitizerControl) GetImageSettings(group *string, reply *ImageSettings) error {
	settings, err := s.dig.ImageSettings(*group)
	if err != nil {
		return err
	}
	*reply = settings
	return nil
}

// SaveSnapshot writes the buffers to .npy files in the given directory.
func (s *DigitizerControl) SaveSnapshot(dir *string, reply *[]string) error {
	files, err := s.dig.SaveSnapshot(*dir)
	*reply = files
	return err
}

// GetStatus replies with the bridge status.
func (s *DigitizerControl) GetStatus(dummy *string, reply *DigitizerStatus) error {
	*reply = s.dig.Status()
	return nil
}

// SendAllStatus causes a broadcast to clients containing all broadcastable status info.
func (s *DigitizerControl) SendAllStatus(dummy *string, reply *bool) error {
	s.dig.publishStatus()
	offerUpdate(s.clientUpdates, ClientUpdate{tag: tagSendAll, state: 0})
	*reply = true
	return nil
}

// RunRPCServer sets up and runs a permanent JSON-RPC server on portrpc. If
// block, it runs until the listener fails; otherwise it serves in the background.
func RunRPCServer(dig *Digitizer, clientUpdates chan<- ClientUpdate, portrpc int, block bool) error {
	server := rpc.NewServer()
	if err := server.Register(NewDigitizerControl(dig, clientUpdates)); err != nil {
		return err
	}
	port := fmt.Sprintf(":%d", portrpc)
	listener, err := net.Listen("tcp", port)
	if err != nil {
		return fmt.Errorf("listen error: %w", err)
	}
	serve := func() error {
		for {
			conn, err := listener.Accept()
			if err != nil {
				ProblemLogger.Printf("accept error: %v", err)
				return err
			}
			UpdateLogger.Printf("new RPC connection from %v", conn.RemoteAddr())
			go server.ServeCodec(jsonrpc.NewServerCodec(conn))
		}
	}
	if block {
		return serve()
	}
	go serve()
	return nil
}
