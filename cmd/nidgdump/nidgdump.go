// nidgdump prints the frames arriving on a digitizer's streaming endpoint.
//
// Usage: nidgdump [-n frames] [-samples N] [-events] <endpoint>
package main

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/davecgh/go-spew/spew"
	"github.com/isiscomputinggroup/nucinstdig"
	"github.com/isiscomputinggroup/nucinstdig/frames"
)

func printTrace(msg []byte, nsamples int) error {
	f, err := frames.DecodeTrace(msg)
	if err != nil {
		return err
	}
	fmt.Printf("digitizer %d frame %d period %d running %t rate %d Hz\n", f.DigitizerID,
		f.Metadata.FrameNumber, f.Metadata.PeriodNumber, f.Metadata.Running, f.SampleRate)
	for _, ct := range f.Channels {
		fmt.Printf("chan %d: %d voltages:", ct.Channel, len(ct.Voltage))
		for _, v := range ct.Voltage[:min(nsamples, len(ct.Voltage))] {
			fmt.Printf(" %d", v)
		}
		fmt.Println()
	}
	return nil
}

func printEvents(msg []byte, nevents int, verbose bool) error {
	f, err := frames.DecodeEvents(msg)
	if err != nil {
		return err
	}
	if verbose {
		spew.Dump(f)
		return nil
	}
	n := f.NEvents()
	fmt.Printf("digitizer %d frame %d: %d events\n", f.DigitizerID, f.Metadata.FrameNumber, n)
	for i := range min(n, nevents) {
		fmt.Printf("  channel %d time %d voltage %d\n", f.Channel[i], f.Time[i], f.Voltage[i])
	}
	return nil
}

func main() {
	nframes := flag.Int("n", 0, "stop after this many frames (0 means forever)")
	nsamples := flag.Int("samples", 10, "samples or events to print per channel or frame")
	events := flag.Bool("events", false, "decode event-list frames instead of traces")
	verbose := flag.Bool("v", false, "dump whole event frames")
	timeout := flag.Duration("timeout", 5*time.Second, "receive timeout")
	flag.Parse()
	if flag.NArg() != 1 {
		fmt.Fprintf(os.Stderr, "Usage: %s [flags] <endpoint, e.g. tcp://host:5556>\n", os.Args[0])
		flag.PrintDefaults()
		os.Exit(2)
	}

	abort := make(chan struct{})
	defer close(abort)
	conn, err := nucinstdig.NewConnectionHandler(nucinstdig.EndpointConfig{
		Address:     flag.Arg(0),
		Kind:        nucinstdig.PullSocket,
		RecvTimeout: *timeout,
	}, abort)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer conn.Close()

	for seen := 0; *nframes == 0 || seen < *nframes; {
		msg, err := conn.Recv()
		if errors.Is(err, nucinstdig.ErrTransportTimeout) {
			fmt.Fprintf(os.Stderr, "no frames for %v (connected=%t)\n", *timeout, conn.Connected())
			continue
		}
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			continue
		}
		seen++
		if *events {
			err = printEvents(msg, *nsamples, *verbose)
		} else {
			err = printTrace(msg, *nsamples)
		}
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
		}
	}
}
