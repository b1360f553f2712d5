// Copyright 2021 the nrfprog authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package nrfprog

import (
	"time"

	"github.com/boljen/go-bitmap"
	"github.com/sirupsen/logrus"
)

// SessionState tracks where a session is in its lifecycle. All operations
// except Close require at least SessionReady; memory and register access
// additionally require an attached target.
type SessionState int

const (
	// SessionReady means the probe is acquired but the target is not
	// attached (readback protection blocks attachment, for instance).
	SessionReady SessionState = iota
	SessionAttachedHalted
	SessionAttachedRunning
	SessionDetached
)

func (s SessionState) String() string {
	switch s {
	case SessionReady:
		return "ready"
	case SessionAttachedHalted:
		return "attached-halted"
	case SessionAttachedRunning:
		return "attached-running"
	case SessionDetached:
		return "detached"
	default:
		return "invalid"
	}
}

// ResetAction selects which reset a Reset call performs.
type ResetAction int

const (
	// ResetSystem requests a soft reset through AIRCR.
	ResetSystem ResetAction = iota
	// ResetDebug also reinitializes the debug logic.
	ResetDebug
	// ResetPin pulses the nRESET line.
	ResetPin
)

func (r ResetAction) String() string {
	switch r {
	case ResetSystem:
		return "system"
	case ResetDebug:
		return "debug"
	case ResetPin:
		return "pin"
	default:
		return "invalid"
	}
}

// Minimum target supply before attach is attempted, in millivolts.
const minTargetMilliVolts = 1700

const (
	dpPowerUpRetries = 100
	cpuRegRetries    = 100
)

// Session owns exclusive use of one probe and the target behind it. A
// Session is not safe for concurrent use; callers serialize access the same
// way they would serialize the physical SWD wire.
type Session struct {
	lib       *Library
	transport ProbeTransport
	driver    DeviceDriver

	family      DeviceFamily
	coprocessor Coprocessor
	info        *DeviceInfo
	memmap      *MemoryMap
	protection  ProtectionState

	state     SessionState
	closed    bool
	openedAPs bitmap.Bitmap

	rtt  *RttEngine
	qspi *QspiEngine

	log      *logrus.Entry
	progress ProgressFunc
}

// newSession attaches to the target: clock setup, debug power-up, family
// identification, protection probe and device identification, in that order.
// A readback-protected device yields a usable session in SessionReady state
// whose memory operations fail with ProtectionDenied until Recover.
func newSession(lib *Library, transport ProbeTransport, clockKHz uint32, cp Coprocessor) (*Session, error) {
	s := &Session{
		lib:         lib,
		transport:   transport,
		family:      lib.family,
		coprocessor: cp,
		state:       SessionReady,
		openedAPs:   bitmap.New(dpAccessPortMax + 1),
		log:         lib.log.Logger.WithField("component", "session").WithField("serial", transport.SerialNumber()),
		progress:    lib.progress,
	}

	if clockKHz == 0 {
		clockKHz = SwdDefaultSpeedKHz
	}
	actual, err := transport.SetSpeed(clockKHz)
	if err != nil {
		return nil, err
	}
	if actual != clockKHz {
		s.log.Warnf("swd clock clamped from %d to %d kHz", clockKHz, actual)
	}

	if mv, err := transport.TargetVoltage(); err == nil && mv < minTargetMilliVolts {
		return nil, errorf(LowVoltage, "target supply %d mV is below %d mV", mv, minTargetMilliVolts)
	}

	if err := s.powerUpDebug(); err != nil {
		return nil, err
	}

	if s.family == 0 || s.family == FamilyAuto {
		family, err := identifyFamily(transport)
		if err != nil {
			return nil, err
		}
		s.family = family
	} else if err := s.verifyFamily(); err != nil {
		return nil, err
	}

	driver, err := newDeviceDriver(s, s.family)
	if err != nil {
		return nil, err
	}
	s.driver = driver

	if err := driver.SelectCoprocessor(cp); err != nil {
		return nil, err
	}

	s.protection, err = driver.ReadProtection()
	if err != nil {
		return nil, err
	}

	if s.protection != ProtectionNone {
		s.log.Warnf("device is readback protected (%s); only recover is possible", s.protection)
		return s, nil
	}

	s.info, s.memmap, err = driver.Identify()
	if err != nil {
		return nil, err
	}

	if err := transport.Halt(); err != nil {
		return nil, wrapError(CannotConnect, err, "halting the core failed")
	}
	s.state = SessionAttachedHalted

	s.log.Infof("attached to %s (%s core)", s.info.Name, cp)
	return s, nil
}

// verifyFamily cross-checks a caller-forced family against the debug port,
// so a wrong --family flag fails loudly instead of corrupting the device.
func (s *Session) verifyFamily() error {
	detected, err := identifyFamily(s.transport)
	if err != nil {
		return err
	}
	if detected != s.family {
		return errorf(WrongFamilyForDevice, "configured family %s but probe sees %s", s.family, detected)
	}
	return nil
}

// powerUpDebug requests system and debug power through the DP and waits for
// both acknowledge bits.
func (s *Session) powerUpDebug() error {
	req := uint32(dpCtrlStatCSysPwrUpReq | dpCtrlStatCDbgPwrUpReq)
	if err := s.transport.WriteDPRegister(dpRegCtrlStat, req); err != nil {
		return wrapError(CannotConnect, err, "debug power-up request failed")
	}

	want := uint32(dpCtrlStatCSysPwrUpAck | dpCtrlStatCDbgPwrUpAck)
	for i := 0; i < dpPowerUpRetries; i++ {
		stat, err := s.transport.ReadDPRegister(dpRegCtrlStat)
		if err != nil {
			return wrapError(CannotConnect, err, "debug power-up poll failed")
		}
		if stat&want == want {
			return nil
		}
		time.Sleep(time.Millisecond)
	}

	return newError(CannotConnect, "debug power-up not acknowledged")
}

// State reports the session lifecycle state.
func (s *Session) State() SessionState {
	return s.state
}

// Family reports the identified (or configured) device family.
func (s *Session) Family() DeviceFamily {
	return s.family
}

// Coprocessor reports which core the session talks to.
func (s *Session) Coprocessor() Coprocessor {
	return s.coprocessor
}

// DeviceInfo returns the identification read at attach, or nil when the
// device was protected and identification was impossible.
func (s *Session) DeviceInfo() *DeviceInfo {
	return s.info
}

// MemoryMap returns the device memory layout, or nil for protected devices.
func (s *Session) MemoryMap() *MemoryMap {
	return s.memmap
}

// Protection reports the readback-protection state seen at attach or after
// the last SetProtection/Recover.
func (s *Session) Protection() ProtectionState {
	return s.protection
}

func (s *Session) requireOpen() error {
	if s.closed {
		return newError(InvalidOperation, "session is closed")
	}
	return nil
}

func (s *Session) requireAttached() error {
	if err := s.requireOpen(); err != nil {
		return err
	}
	switch s.state {
	case SessionReady:
		if s.protection != ProtectionNone {
			return errorf(ProtectionDenied, "device is readback protected (%s)", s.protection)
		}
		return newError(InvalidOperation, "target is not attached")
	case SessionDetached:
		return newError(InvalidOperation, "target detached by pin reset; reopen the session")
	}
	return nil
}

func (s *Session) requireHalted() error {
	if err := s.requireAttached(); err != nil {
		return err
	}
	if s.state != SessionAttachedHalted {
		return newError(InvalidOperation, "operation requires a halted core")
	}
	return nil
}

// Halt stops the core.
func (s *Session) Halt() error {
	if err := s.requireAttached(); err != nil {
		return err
	}
	if err := s.transport.Halt(); err != nil {
		return err
	}
	s.state = SessionAttachedHalted
	return nil
}

// Run lets the core execute.
func (s *Session) Run() error {
	if err := s.requireAttached(); err != nil {
		return err
	}
	if err := s.transport.Run(); err != nil {
		return err
	}
	s.state = SessionAttachedRunning
	return nil
}

// Step executes one instruction on a halted core.
func (s *Session) Step() error {
	if err := s.requireHalted(); err != nil {
		return err
	}
	return s.transport.Step()
}

// CoreState asks the probe what the core is doing right now and refreshes
// the session state from the answer.
func (s *Session) CoreState() (CoreState, error) {
	if err := s.requireAttached(); err != nil {
		return CoreStateUnknown, err
	}

	state, err := s.transport.CoreState()
	if err != nil {
		return CoreStateUnknown, err
	}

	switch state {
	case CoreHalted:
		s.state = SessionAttachedHalted
	case CoreRunning:
		s.state = SessionAttachedRunning
	}
	return state, nil
}

// Reset performs the selected reset. A system reset returns with the core
// halted at the reset handler; a debug reset leaves the core running; a pin
// reset powers the debug logic down with the rest of the device, so the
// session detaches and must be reopened to re-attach.
func (s *Session) Reset(action ResetAction) error {
	if err := s.requireAttached(); err != nil {
		return err
	}

	s.log.Infof("%s reset", action)

	switch action {
	case ResetSystem:
		if err := s.driver.SysReset(); err != nil {
			return err
		}
		if err := s.transport.Halt(); err != nil {
			return wrapError(CannotConnect, err, "halting after reset failed")
		}
		s.state = SessionAttachedHalted
	case ResetDebug:
		if err := s.driver.DebugReset(); err != nil {
			return err
		}
		s.state = SessionAttachedRunning
	case ResetPin:
		if err := s.driver.PinReset(); err != nil {
			return err
		}
		s.state = SessionDetached
	default:
		return errorf(InvalidParameter, "unknown reset action %d", action)
	}

	return nil
}

// ReadCpuRegister reads one core register of the halted CPU.
func (s *Session) ReadCpuRegister(reg CpuRegister) (uint32, error) {
	if err := s.requireHalted(); err != nil {
		return 0, err
	}

	if err := s.writeWord(coreRegDCRSR, uint32(reg)); err != nil {
		return 0, err
	}
	if err := s.waitCpuRegReady(); err != nil {
		return 0, err
	}
	return s.readWord(coreRegDCRDR)
}

// WriteCpuRegister writes one core register of the halted CPU.
func (s *Session) WriteCpuRegister(reg CpuRegister, value uint32) error {
	if err := s.requireHalted(); err != nil {
		return err
	}

	if err := s.writeWord(coreRegDCRDR, value); err != nil {
		return err
	}
	if err := s.writeWord(coreRegDCRSR, uint32(reg)|dcrsrWriteBit); err != nil {
		return err
	}
	return s.waitCpuRegReady()
}

func (s *Session) waitCpuRegReady() error {
	for i := 0; i < cpuRegRetries; i++ {
		dhcsr, err := s.readWord(coreRegDHCSR)
		if err != nil {
			return err
		}
		if dhcsr&dhcsrSRegRdy != 0 {
			return nil
		}
	}
	return newError(Timeout, "core register transfer did not complete")
}

// Recover mass-erases the device through the CTRL-AP, clearing readback
// protection, and reattaches.
func (s *Session) Recover() error {
	if err := s.requireOpen(); err != nil {
		return err
	}

	s.reportProgress("recovering device")
	if err := s.driver.Recover(); err != nil {
		return err
	}

	s.protection = ProtectionNone

	var err error
	s.info, s.memmap, err = s.driver.Identify()
	if err != nil {
		return err
	}

	if err := s.transport.Halt(); err != nil {
		return wrapError(CannotConnect, err, "halting after recover failed")
	}
	s.state = SessionAttachedHalted

	s.log.Info("device recovered")
	return nil
}

// Close releases everything the session holds, in reverse acquisition
// order: RTT, QSPI, run control, then the probe itself. Close is
// idempotent.
func (s *Session) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true

	if s.rtt != nil {
		if err := s.rtt.Stop(); err != nil {
			s.log.Warnf("stopping rtt during close: %v", err)
		}
		s.rtt = nil
	}

	if s.qspi != nil {
		if err := s.qspi.Deinit(); err != nil {
			s.log.Warnf("deactivating qspi during close: %v", err)
		}
		s.qspi = nil
	}

	if s.state == SessionAttachedHalted {
		if err := s.transport.Run(); err != nil {
			s.log.Warnf("releasing core during close: %v", err)
		}
	}

	s.state = SessionDetached
	err := s.transport.Close()

	s.log.Info("session closed")
	return err
}
