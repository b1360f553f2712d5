// Copyright 2021 the nrfprog authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package nrfprog

// CoreState reports what the target CPU is doing as far as the probe can
// tell.
type CoreState int

const (
	CoreStateUnknown CoreState = iota
	CoreHalted
	CoreRunning
)

func (c CoreState) String() string {
	switch c {
	case CoreHalted:
		return "halted"
	case CoreRunning:
		return "running"
	default:
		return "unknown"
	}
}

// ProbeTransport is the narrow capability set the library needs from a debug
// probe. The built-in implementation drives a SEGGER probe over USB bulk
// endpoints (usb.go); vendor-library bindings can be substituted through
// TransportProvider without touching the rest of the library.
//
// All memory access is byte-addressed; implementations are responsible for
// widening to the access sizes their hardware path requires. Probe-side
// failures must be reported as *Error with TransportError or
// TransportTimeout so the pipeline can classify them.
type ProbeTransport interface {
	// SerialNumber reports the serial of the connected probe.
	SerialNumber() uint32

	// FirmwareString reads the probe firmware identification string.
	FirmwareString() (string, error)

	// SetSpeed sets the SWD clock in kHz and returns the speed actually
	// selected. Values outside the probe's supported range are clamped.
	SetSpeed(khz uint32) (uint32, error)

	// ResetProbe restarts the probe itself (not the target).
	ResetProbe() error

	// ReplaceFirmware updates the probe firmware to the version embedded
	// in the vendor library.
	ReplaceFirmware() error

	// Debug-port and access-port register I/O.
	ReadDPRegister(reg uint8) (uint32, error)
	WriteDPRegister(reg uint8, value uint32) error
	ReadAPRegister(ap uint8, reg uint8) (uint32, error)
	WriteAPRegister(ap uint8, reg uint8, value uint32) error

	// Bulk target-memory I/O through the AHB-AP of the selected core.
	ReadMemory(addr uint32, buf []byte) error
	WriteMemory(addr uint32, data []byte) error

	// SelectAP switches which access port the memory operations use.
	SelectAP(ap uint8) error

	// Core run control.
	Halt() error
	Run() error
	Step() error
	CoreState() (CoreState, error)

	// AssertReset drives the probe's nRESET line.
	AssertReset(assert bool) error

	// TargetVoltage reports the measured target supply in millivolts.
	TargetVoltage() (uint32, error)

	Close() error
}

// TransportProvider abstracts the vendor debug library: version discovery,
// probe enumeration and per-probe transport construction. Library owns
// exactly one provider.
type TransportProvider interface {
	// Name identifies the provider in log output (a file path for the
	// vendor library, a tag for test doubles).
	Name() string

	// Version reports the backing library version used for the minimum
	// version check.
	Version() (major, minor uint32, revision byte)

	// Enumerate lists the serial numbers of reachable probes in a stable
	// order. Transient allocations are released before return.
	Enumerate() ([]uint32, error)

	// Open acquires exclusive use of the probe with the given serial.
	Open(serial uint32) (ProbeTransport, error)

	Close() error
}

// ComPortInfo describes one virtual COM port exposed by a probe.
type ComPortInfo struct {
	Path         string
	VCom         uint32
	SerialNumber uint32
}
