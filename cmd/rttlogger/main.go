// Copyright 2021 the nrfprog authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Command rttlogger streams one RTT up channel to stdout or a file while
// the target keeps running.
package main

import (
	"os"
	"os/signal"
	"time"

	"github.com/sirupsen/logrus"
	flag "github.com/spf13/pflag"

	"github.com/nrf-tools/nrfprog"
)

var (
	flagSerial  = flag.Uint32("serial", 0, "probe serial number (0 = first found)")
	flagClock   = flag.Uint32("clock", 0, "SWD clock in kHz (0 = default)")
	flagChannel = flag.Int("channel", 0, "RTT up channel to stream")
	flagAddr    = flag.Uint32("address", 0, "control block address (0 = scan RAM)")
	flagOutput  = flag.String("output", "", "write to file instead of stdout")
	flagTimeout = flag.Duration("timeout", 10*time.Second, "time to wait for the control block")
	flagVerbose = flag.BoolP("verbose", "v", false, "debug logging")
)

func main() {
	flag.Parse()

	log := logrus.New()
	log.SetOutput(os.Stderr)
	if *flagVerbose {
		log.SetLevel(logrus.DebugLevel)
	}
	nrfprog.SetLogger(log)

	if err := run(log); err != nil {
		log.Fatalf("%v", err)
	}
}

func run(log *logrus.Logger) error {
	lib, err := nrfprog.OpenLibrary(&nrfprog.LibraryConfig{Logger: log})
	if err != nil {
		return err
	}
	defer lib.Close()

	session, err := lib.OpenSession(*flagSerial, *flagClock)
	if err != nil {
		return err
	}
	defer session.Close()

	out := os.Stdout
	if *flagOutput != "" {
		out, err = os.Create(*flagOutput)
		if err != nil {
			return err
		}
		defer out.Close()
	}

	// RTT only moves while the firmware runs.
	if err := session.Run(); err != nil {
		return err
	}
	if err := session.RttStart(*flagAddr); err != nil {
		return err
	}
	defer session.RttStop()

	rtt := session.Rtt()
	deadline := time.Now().Add(*flagTimeout)
	for {
		found, err := rtt.IsControlBlockFound()
		if err != nil {
			return err
		}
		if found {
			break
		}
		if time.Now().After(deadline) {
			return &timeoutError{}
		}
	}

	info, err := rtt.ChannelInfo(*flagChannel, nrfprog.RttUp)
	if err != nil {
		return err
	}
	log.Infof("streaming channel %d (%s)", info.Index, info.Name)

	interrupt := make(chan os.Signal, 1)
	signal.Notify(interrupt, os.Interrupt)

	for {
		select {
		case <-interrupt:
			log.Info("stopping")
			return nil
		default:
		}

		data, err := rtt.Read(*flagChannel, 4096)
		if err != nil {
			return err
		}
		if len(data) == 0 {
			time.Sleep(10 * time.Millisecond)
			continue
		}
		if _, err := out.Write(data); err != nil {
			return err
		}
	}
}

type timeoutError struct{}

func (*timeoutError) Error() string {
	return "rtt control block not found before timeout"
}
