// nidgsim runs a simulated digitizer: it answers commands on the command
// endpoint and streams pulse traces and events while acquisition is running.
//
// Usage: nidgsim [-channels N] [-samples N] [-rate Hz] [-noevents]
package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"

	"github.com/isiscomputinggroup/nucinstdig"
)

func main() {
	cfg := nucinstdig.DefaultSimulatorConfig()
	flag.IntVar(&cfg.NChannels, "channels", cfg.NChannels, "number of channels")
	flag.IntVar(&cfg.NSamples, "samples", cfg.NSamples, "samples per trace")
	flag.IntVar(&cfg.NBins, "bins", cfg.NBins, "bins per accumulated spectrum")
	flag.Float64Var(&cfg.FrameRate, "rate", cfg.FrameRate, "frames per second")
	flag.Float64Var(&cfg.Noise, "noise", cfg.Noise, "rms noise added to each sample")
	flag.StringVar(&cfg.CommandAddress, "command", cfg.CommandAddress, "command endpoint to bind")
	flag.StringVar(&cfg.TraceAddress, "trace", cfg.TraceAddress, "trace endpoint to bind")
	flag.StringVar(&cfg.EventAddress, "event", cfg.EventAddress, "event endpoint to bind")
	noEvents := flag.Bool("noevents", false, "do not stream event lists")
	flag.Parse()
	if *noEvents {
		cfg.EventAddress = ""
	}

	abort := make(chan struct{})
	go func() {
		interruptCatcher := make(chan os.Signal, 1)
		signal.Notify(interruptCatcher, os.Interrupt)
		<-interruptCatcher
		close(abort)
	}()

	fmt.Printf("Simulating %d channels of %d samples at %.1f frames/s on %s\n",
		cfg.NChannels, cfg.NSamples, cfg.FrameRate, cfg.CommandAddress)
	if err := nucinstdig.NewSimulator(cfg).Run(abort); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
