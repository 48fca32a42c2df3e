// nidgsend sends one request to a digitizer's command endpoint and prints the reply.
//
// Usage: nidgsend <execute_cmd|get_parameter|set_parameter|read_data> <host> [name] [arg|channel] [value]
package main

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/isiscomputinggroup/nucinstdig"
)

// echoConn prints every message that passes through the endpoint.
type echoConn struct {
	*nucinstdig.ConnectionHandler
}

func (c echoConn) Send(msg []byte) error {
	fmt.Printf("Sending %s\n", msg)
	return c.ConnectionHandler.Send(msg)
}

func (c echoConn) Recv() ([]byte, error) {
	msg, err := c.ConnectionHandler.Recv()
	if err == nil {
		fmt.Printf("Received %s\n", msg)
	}
	return msg, err
}

func arg(i int, fallback string) string {
	if flag.NArg() > i {
		return flag.Arg(i)
	}
	return fallback
}

func run(client *nucinstdig.CommandClient, kind string) error {
	name := arg(2, "")
	switch kind {
	case "execute_cmd":
		return client.ExecuteCommand(name, arg(3, ""))
	case "get_parameter":
		channel, err := strconv.Atoi(arg(3, "0"))
		if err != nil {
			return err
		}
		v, err := client.GetParameter(name, channel)
		if err == nil {
			fmt.Printf("%s[%d] = %s (%s)\n", name, channel, v, v.Kind)
		}
		return err
	case "set_parameter":
		channel, err := strconv.Atoi(arg(3, "0"))
		if err != nil {
			return err
		}
		return client.SetParameter(name, nucinstdig.TextValue(arg(4, "")), channel)
	case "read_data":
		rows, err := client.ExecuteReadCommand(name, arg(3, ""))
		if err == nil {
			fmt.Printf("%d rows\n", len(rows))
			for i, row := range rows {
				fmt.Printf("row %d: %d points\n", i, len(row))
			}
		}
		return err
	}
	return fmt.Errorf("unknown command %q", kind)
}

func main() {
	port := flag.Int("port", 5557, "command port on the digitizer")
	timeout := flag.Duration("timeout", 5*time.Second, "send and receive timeout")
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s [flags] <execute_cmd|get_parameter|set_parameter|read_data> <host> [name] [arg|channel] [value]\n", os.Args[0])
		flag.PrintDefaults()
	}
	flag.Parse()
	if flag.NArg() < 2 {
		flag.Usage()
		os.Exit(2)
	}

	abort := make(chan struct{})
	defer close(abort)
	addr := fmt.Sprintf("tcp://%s:%d", flag.Arg(1), *port)
	conn, err := nucinstdig.NewConnectionHandler(nucinstdig.EndpointConfig{
		Address:     addr,
		Kind:        nucinstdig.RequestSocket,
		SendTimeout: *timeout,
		RecvTimeout: *timeout,
	}, abort)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Unable to connect to %s - %v\n", addr, err)
		os.Exit(1)
	}
	defer conn.Close()
	fmt.Fprintf(os.Stderr, "Connected to %s\n", addr)

	if err := run(nucinstdig.NewCommandClient(echoConn{conn}), flag.Arg(0)); err != nil {
		var failed *nucinstdig.RemoteCommandFailed
		if errors.As(err, &failed) {
			fmt.Fprintf(os.Stderr, "Digitizer error %d: %s\n", failed.Code, failed.Message)
		} else {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		}
		os.Exit(1)
	}
}
