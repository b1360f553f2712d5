// Copyright 2021 the nrfprog authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Command nrfprog programs, reads and recovers nRF devices through a
// SEGGER debug probe.
//
//	nrfprog program --file app.hex --erase pages --verify read
//	nrfprog read --output dump.hex --code --uicr
//	nrfprog recover
//	nrfprog dfu --port /dev/ttyACM0 --file app.bin
package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	flag "github.com/spf13/pflag"
	yaml "gopkg.in/yaml.v2"

	"github.com/nrf-tools/nrfprog"
)

// profile carries per-project defaults so invocations stay short. Flags
// override profile values.
type profile struct {
	Family   string `yaml:"family"`
	Serial   uint32 `yaml:"serial"`
	ClockKHz uint32 `yaml:"clock_khz"`
	QspiIni  string `yaml:"qspi_ini"`
	LogLevel string `yaml:"log_level"`
}

func loadProfile(path string) (*profile, error) {
	p := &profile{}
	if path == "" {
		return p, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "reading profile")
	}
	if err := yaml.Unmarshal(data, p); err != nil {
		return nil, errors.Wrap(err, "parsing profile")
	}
	return p, nil
}

var (
	flagProfile = flag.String("profile", "", "YAML profile with default settings")
	flagSerial  = flag.Uint32("serial", 0, "probe serial number (0 = first found)")
	flagClock   = flag.Uint32("clock", 0, "SWD clock in kHz (0 = default)")
	flagFamily  = flag.String("family", "auto", "device family: auto, nrf51, nrf52, nrf53, nrf91")
	flagCore    = flag.String("coprocessor", "application", "core: application, network")
	flagVerbose = flag.BoolP("verbose", "v", false, "debug logging")

	flagFile   = flag.String("file", "", "image file (.hex or .bin)")
	flagAddr   = flag.Uint32("addr", 0, "load address for .bin files")
	flagOutput = flag.String("output", "", "output file for read")

	flagErase  = flag.String("erase", "pages", "erase mode: none, pages, pages+uicr, all")
	flagVerify = flag.String("verify", "read", "verify mode: none, read, hash")
	flagReset  = flag.String("reset", "system", "reset after programming: none, system, debug, pin")

	flagCode = flag.Bool("code", true, "include code flash in read")
	flagRam  = flag.Bool("ram", false, "include RAM in read")
	flagUicr = flag.Bool("uicr", false, "include UICR in read")
	flagFicr = flag.Bool("ficr", false, "include FICR in read")
	flagQspi = flag.Bool("qspi", false, "include external flash in read")

	flagQspiIni = flag.String("qspi-ini", "", "QSPI init parameter ini file")

	flagPort = flag.String("port", "", "serial port for dfu")
	flagBaud = flag.Int("baud", 0, "baud rate for dfu (0 = mode default)")
	flagMode = flag.String("dfu-mode", "mcuboot", "dfu mode: mcuboot, modem")

	flagLevel = flag.String("protect", "all", "protection level for the protect command")
	flagPage  = flag.Uint32("page", 0, "page address for erasepage")
)

var families = map[string]nrfprog.DeviceFamily{
	"auto":  nrfprog.FamilyAuto,
	"nrf51": nrfprog.FamilyNRF51,
	"nrf52": nrfprog.FamilyNRF52,
	"nrf53": nrfprog.FamilyNRF53,
	"nrf91": nrfprog.FamilyNRF91,
}

func main() {
	log := logrus.New()

	if err := run(log); err != nil {
		log.Fatalf("%v", err)
	}
}

func usage() error {
	fmt.Fprintln(os.Stderr, `usage: nrfprog <command> [flags]

commands:
  probes     list connected probes
  comports   list probe virtual COM ports
  info       show device identification
  program    write an image to the device
  verify     compare the device against an image
  read       dump device memory to a file
  erase      erase all code flash
  erasepage  erase one flash page (--page)
  recover    mass erase and clear readback protection
  protect    enable readback protection (--protect)
  reset      reset the device (--reset)
  rttlist    show RTT channels
  dfu        serial firmware update (--port, --file)`)
	flag.PrintDefaults()
	return errors.New("no command given")
}

func run(log *logrus.Logger) error {
	if len(os.Args) < 2 || strings.HasPrefix(os.Args[1], "-") {
		return usage()
	}
	command := os.Args[1]
	if err := flag.CommandLine.Parse(os.Args[2:]); err != nil {
		return err
	}

	prof, err := loadProfile(*flagProfile)
	if err != nil {
		return err
	}

	if *flagVerbose || prof.LogLevel == "debug" {
		log.SetLevel(logrus.DebugLevel)
	}
	nrfprog.SetLogger(log)

	serial := *flagSerial
	if serial == 0 {
		serial = prof.Serial
	}
	clock := *flagClock
	if clock == 0 {
		clock = prof.ClockKHz
	}
	familyName := *flagFamily
	if familyName == "auto" && prof.Family != "" {
		familyName = prof.Family
	}
	family, ok := families[strings.ToLower(familyName)]
	if !ok {
		return errors.Errorf("unknown family %q", familyName)
	}

	// dfu needs no probe session.
	if command == "dfu" {
		return runDfu()
	}

	lib, err := nrfprog.OpenLibrary(&nrfprog.LibraryConfig{
		Family: family,
		Logger: log,
		Progress: func(phase string) {
			log.Info(phase)
		},
	})
	if err != nil {
		return err
	}
	defer lib.Close()

	switch command {
	case "probes":
		serials, err := lib.EnumProbes()
		if err != nil {
			return err
		}
		for _, s := range serials {
			fmt.Println(s)
		}
		return nil
	case "comports":
		ports, err := lib.EnumComPorts(serial)
		if err != nil {
			return err
		}
		for _, port := range ports {
			fmt.Printf("%s\tvcom %d\tprobe %d\n", port.Path, port.VCom, port.SerialNumber)
		}
		return nil
	}

	cp := nrfprog.CoprocessorApplication
	if strings.ToLower(*flagCore) == "network" {
		cp = nrfprog.CoprocessorNetwork
	}

	session, err := lib.OpenSessionCoprocessor(serial, clock, cp)
	if err != nil {
		return err
	}
	defer session.Close()

	switch command {
	case "info":
		return runInfo(session)
	case "program":
		return runProgram(session, prof)
	case "verify":
		return runVerify(session)
	case "read":
		return runRead(session, prof)
	case "erase":
		return session.EraseAll()
	case "erasepage":
		return session.ErasePage(*flagPage)
	case "recover":
		return session.Recover()
	case "protect":
		return runProtect(session)
	case "reset":
		action, err := resetAction(*flagReset)
		if err != nil {
			return err
		}
		return session.Reset(action)
	case "rttlist":
		return runRttList(session)
	default:
		return errors.Errorf("unknown command %q", command)
	}
}

func runInfo(session *nrfprog.Session) error {
	info := session.DeviceInfo()
	if info == nil {
		fmt.Printf("family:     %s\nprotection: %s\n", session.Family(), session.Protection())
		return nil
	}

	fmt.Printf("device:     %s\n", info.Name)
	fmt.Printf("family:     %s\n", info.Family)
	fmt.Printf("code:       %d KiB (%d byte pages)\n", info.CodeSize/1024, info.CodePage)
	fmt.Printf("ram:        %d KiB\n", info.RAMSize/1024)
	fmt.Printf("protection: %s\n", session.Protection())

	if probe, err := session.ProbeInfo(); err == nil {
		fmt.Printf("probe:      %d (%s)\n", probe.SerialNumber, probe.Firmware)
	}
	return nil
}

func loadImage() (nrfprog.ImageSource, error) {
	if *flagFile == "" {
		return nil, errors.New("--file is required")
	}
	if strings.HasSuffix(*flagFile, ".hex") {
		return nrfprog.OpenHexFile(*flagFile)
	}
	return nrfprog.OpenBinFile(*flagFile, *flagAddr)
}

func eraseAction(name string) (nrfprog.EraseAction, error) {
	switch name {
	case "none":
		return nrfprog.EraseNone, nil
	case "pages":
		return nrfprog.ErasePages, nil
	case "pages+uicr":
		return nrfprog.ErasePagesIncludingUicr, nil
	case "all":
		return nrfprog.EraseAllBeforeWrite, nil
	default:
		return 0, errors.Errorf("unknown erase mode %q", name)
	}
}

func verifyAction(name string) (nrfprog.VerifyAction, error) {
	switch name {
	case "none":
		return nrfprog.VerifyNone, nil
	case "read":
		return nrfprog.VerifyRead, nil
	case "hash":
		return nrfprog.VerifyHash, nil
	default:
		return 0, errors.Errorf("unknown verify mode %q", name)
	}
}

func resetAction(name string) (nrfprog.ResetAction, error) {
	switch name {
	case "none":
		return nrfprog.ResetNone, nil
	case "system":
		return nrfprog.ResetSystem, nil
	case "debug":
		return nrfprog.ResetDebug, nil
	case "pin":
		return nrfprog.ResetPin, nil
	default:
		return 0, errors.Errorf("unknown reset action %q", name)
	}
}

func maybeInitQspi(session *nrfprog.Session, prof *profile) error {
	iniPath := *flagQspiIni
	if iniPath == "" {
		iniPath = prof.QspiIni
	}
	if iniPath == "" {
		return nil
	}

	params, err := nrfprog.LoadQspiIni(iniPath)
	if err != nil {
		return err
	}
	return session.QspiInit(params)
}

func runProgram(session *nrfprog.Session, prof *profile) error {
	src, err := loadImage()
	if err != nil {
		return err
	}

	opts := nrfprog.DefaultProgramOptions()
	if opts.Erase, err = eraseAction(*flagErase); err != nil {
		return err
	}
	if opts.Verify, err = verifyAction(*flagVerify); err != nil {
		return err
	}
	if opts.Reset, err = resetAction(*flagReset); err != nil {
		return err
	}

	if err := maybeInitQspi(session, prof); err != nil {
		return err
	}

	return session.Program(src, opts)
}

func runVerify(session *nrfprog.Session) error {
	src, err := loadImage()
	if err != nil {
		return err
	}
	action, err := verifyAction(*flagVerify)
	if err != nil {
		return err
	}
	return session.Verify(src, action)
}

func runRead(session *nrfprog.Session, prof *profile) error {
	if *flagOutput == "" {
		return errors.New("--output is required")
	}

	opts := nrfprog.ReadOptions{
		ReadCode: *flagCode,
		ReadRam:  *flagRam,
		ReadUicr: *flagUicr,
		ReadFicr: *flagFicr,
		ReadQspi: *flagQspi,
	}

	if opts.ReadQspi {
		if err := maybeInitQspi(session, prof); err != nil {
			return err
		}
	}

	if strings.HasSuffix(*flagOutput, ".hex") {
		sink := nrfprog.NewHexSink()
		if err := session.ReadToSink(opts, sink); err != nil {
			return err
		}
		return sink.Save(*flagOutput)
	}

	sink := &nrfprog.BinSink{}
	if err := session.ReadToSink(opts, sink); err != nil {
		return err
	}
	return sink.Save(*flagOutput)
}

func runProtect(session *nrfprog.Session) error {
	var level nrfprog.ProtectionState
	switch strings.ToLower(*flagLevel) {
	case "region0":
		level = nrfprog.ProtectionRegion0
	case "all":
		level = nrfprog.ProtectionAll
	case "both":
		level = nrfprog.ProtectionBothRegion0AndAll
	case "secure":
		level = nrfprog.ProtectionSecure
	default:
		return errors.Errorf("unknown protection level %q", *flagLevel)
	}
	return session.SetProtection(level)
}

func runRttList(session *nrfprog.Session) error {
	if err := session.Run(); err != nil {
		return err
	}
	if err := session.RttStart(0); err != nil {
		return err
	}
	defer session.RttStop()

	rtt := session.Rtt()
	for i := 0; i < 2000; i++ {
		found, err := rtt.IsControlBlockFound()
		if err != nil {
			return err
		}
		if found {
			break
		}
	}

	up, down, err := rtt.ChannelCounts()
	if err != nil {
		return err
	}

	for i := 0; i < up; i++ {
		info, err := rtt.ChannelInfo(i, nrfprog.RttUp)
		if err != nil {
			return err
		}
		fmt.Printf("up   %d  %-16s %6d bytes\n", i, info.Name, info.Size)
	}
	for i := 0; i < down; i++ {
		info, err := rtt.ChannelInfo(i, nrfprog.RttDown)
		if err != nil {
			return err
		}
		fmt.Printf("down %d  %-16s %6d bytes\n", i, info.Name, info.Size)
	}
	return nil
}

func runDfu() error {
	if *flagPort == "" || *flagFile == "" {
		return errors.New("dfu requires --port and --file")
	}

	image, err := os.ReadFile(*flagFile)
	if err != nil {
		return errors.Wrap(err, "reading dfu image")
	}

	cfg := nrfprog.DfuConfig{
		Port: *flagPort,
		Baud: *flagBaud,
		Progress: func(phase string) {
			fmt.Fprintf(os.Stderr, "\r%s", phase)
		},
	}

	switch strings.ToLower(*flagMode) {
	case "mcuboot":
		err = nrfprog.McuBootDfu(cfg, image)
	case "modem":
		err = nrfprog.ModemUartDfu(cfg, image)
	default:
		return errors.Errorf("unknown dfu mode %q", *flagMode)
	}
	fmt.Fprintln(os.Stderr)
	return err
}
