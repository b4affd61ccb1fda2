/*
Copyright 2015 CESNET, z.s.p.o.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Command ipfixcol is the collector daemon: it wires the input plugins, the
// preprocessor, the configured intermediate chain and the output manager
// together and keeps them running until told otherwise.
package main

import (
	"flag"
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-logr/logr/funcr"

	ipfixcol "github.com/CESNET/ipfixcol-sub001"
)

const version = "2.0.0"

const daemonEnvMarker = "IPFIXCOL_DAEMONIZED"

func main() {
	os.Exit(run())
}

func run() int {
	var (
		startupPath  = flag.String("c", "/etc/ipfixcol/startup.xml", "startup configuration path")
		internalPath = flag.String("i", "", "internal configuration path")
		elementsPath = flag.String("e", "", "information element dictionary path")
		daemonize    = flag.Bool("d", false, "daemonize")
		verbosity    = flag.Int("v", 0, "verbosity level (0..3)")
		printVersion = flag.Bool("V", false, "print version and exit")
		skipSeqErr   = flag.Bool("s", false, "skip sequence number error reporting")
		bufferSize   = flag.Int("r", ipfixcol.DefaultRingBufferSize, "ring buffer capacity")
		statInterval = flag.Int("S", 0, "statistics interval in seconds")
	)
	flag.Parse()

	if *printVersion {
		fmt.Printf("ipfixcol %s\n", version)
		return 0
	}

	if *daemonize && os.Getenv(daemonEnvMarker) == "" {
		return respawnDetached()
	}

	log := funcr.New(func(prefix, args string) {
		fmt.Fprintf(os.Stderr, "%s\t%s\n", prefix, args)
	}, funcr.Options{Verbosity: *verbosity})
	ipfixcol.SetLogger(log)

	if *internalPath != "" {
		ipfixcol.Log.V(1).Info("internal configuration path accepted", "path", *internalPath)
	}
	if *elementsPath != "" {
		if err := ipfixcol.LoadElementDictionary(*elementsPath); err != nil {
			ipfixcol.Log.Error(err, "cannot load element dictionary", "path", *elementsPath)
			return 1
		}
	}

	startup, err := ipfixcol.ParseStartupConfig(*startupPath)
	if err != nil {
		ipfixcol.Log.Error(err, "cannot load startup configuration", "path", *startupPath)
		return 1
	}

	templates := ipfixcol.NewTemplateManager()
	tracker := ipfixcol.NewStatsTracker()

	firstQueue := ipfixcol.NewRingBuffer(*bufferSize)
	preprocessor := ipfixcol.NewPreprocessor(firstQueue, templates, tracker)
	preprocessor.SkipSequenceErrors = *skipSeqErr

	output := ipfixcol.NewOutputManager(firstQueue, templates, *bufferSize)
	output.Start()

	configurator := ipfixcol.NewConfigurator(preprocessor, output, *bufferSize)
	if err := configurator.Apply(startup); err != nil {
		ipfixcol.Log.Error(err, "startup configuration could not be fully applied")
		configurator.Shutdown()
		return 1
	}

	reporter := ipfixcol.NewStatisticsReporter(tracker, configurator,
		time.Duration(*statInterval)*time.Second, startup.StatisticsFile)
	reporter.Start()

	terminate := make(chan os.Signal, 4)
	reload := make(chan os.Signal, 1)
	signal.Notify(terminate, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)
	signal.Notify(reload, syscall.SIGUSR1)

	terminating := false
	for !terminating {
		select {
		case sig := <-terminate:
			ipfixcol.Log.V(0).Info("received signal; shutting down", "signal", sig.String())
			terminating = true
		case <-reload:
			ipfixcol.Log.V(0).Info("reloading configuration", "path", *startupPath)
			next, err := ipfixcol.ParseStartupConfig(*startupPath)
			if err != nil {
				ipfixcol.Log.Error(err, "reload failed; keeping current pipeline")
				continue
			}
			if err := configurator.Apply(next); err != nil {
				ipfixcol.Log.Error(err, "reload could not be fully applied")
			}
		}
	}

	// a second termination signal aborts the graceful shutdown
	forced := make(chan struct{})
	go func() {
		<-terminate
		ipfixcol.Log.V(0).Info("second signal; exiting immediately")
		close(forced)
	}()

	done := make(chan struct{})
	go func() {
		reporter.Stop()
		configurator.Shutdown()
		close(done)
	}()

	select {
	case <-done:
		return 0
	case <-forced:
		return 1
	}
}

// respawnDetached re-executes the daemon with the marker set, detached from
// the controlling terminal.
func respawnDetached() int {
	cmd := exec.Command(os.Args[0], os.Args[1:]...)
	cmd.Env = append(os.Environ(), daemonEnvMarker+"=1")
	cmd.Stdin = nil
	cmd.Stdout = nil
	cmd.Stderr = nil
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}

	if err := cmd.Start(); err != nil {
		fmt.Fprintf(os.Stderr, "cannot daemonize: %v\n", err)
		return 1
	}
	fmt.Printf("%d\n", cmd.Process.Pid)
	return 0
}
