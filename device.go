// Copyright 2021 the nrfprog authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package nrfprog

// DeviceFamily selects the family driver. FamilyAuto asks the library to
// identify the attached device from its debug port.
type DeviceFamily int

const (
	FamilyNRF51   DeviceFamily = 0
	FamilyNRF52   DeviceFamily = 1
	FamilyNRF53   DeviceFamily = 53
	FamilyNRF91   DeviceFamily = 91
	FamilyUnknown DeviceFamily = 99
	FamilyAuto    DeviceFamily = 255
)

func (f DeviceFamily) String() string {
	switch f {
	case FamilyNRF51:
		return "nRF51"
	case FamilyNRF52:
		return "nRF52"
	case FamilyNRF53:
		return "nRF53"
	case FamilyNRF91:
		return "nRF91"
	case FamilyAuto:
		return "auto"
	default:
		return "unknown"
	}
}

// Coprocessor names one core of a multi-core device. Single-core families
// only accept CoprocessorApplication.
type Coprocessor int

const (
	CoprocessorApplication Coprocessor = 0
	CoprocessorModem       Coprocessor = 1
	CoprocessorNetwork     Coprocessor = 2
)

func (c Coprocessor) String() string {
	switch c {
	case CoprocessorApplication:
		return "application"
	case CoprocessorModem:
		return "modem"
	case CoprocessorNetwork:
		return "network"
	default:
		return "invalid"
	}
}

// ProtectionState is the readback-protection level reported by a device.
type ProtectionState int

const (
	ProtectionNone ProtectionState = iota
	ProtectionRegion0
	ProtectionAll
	ProtectionBothRegion0AndAll
	ProtectionSecure
)

func (p ProtectionState) String() string {
	switch p {
	case ProtectionNone:
		return "none"
	case ProtectionRegion0:
		return "region0"
	case ProtectionAll:
		return "all"
	case ProtectionBothRegion0AndAll:
		return "region0+all"
	case ProtectionSecure:
		return "secure"
	default:
		return "invalid"
	}
}

// RamPowerState reports whether one RAM section is retained.
type RamPowerState int

const (
	RamOff RamPowerState = iota
	RamOn
)

// CpuRegister selects a core register for ReadCpuRegister and
// WriteCpuRegister. The values are the debug-architecture register selector
// codes.
type CpuRegister int

const (
	RegR0 CpuRegister = iota
	RegR1
	RegR2
	RegR3
	RegR4
	RegR5
	RegR6
	RegR7
	RegR8
	RegR9
	RegR10
	RegR11
	RegR12
	RegSP
	RegLR
	RegPC
	RegXPSR
	RegMSP
	RegPSP
)

// DeviceInfo is the identification of an attached device: the family, the
// part and hardware revision decoded from the FICR, and the memory sizes the
// family driver derived the memory map from.
type DeviceInfo struct {
	Family      DeviceFamily
	Part        uint32 // part code, e.g. 0x52840
	Variant     string // decoded variant field, e.g. "AAC0"
	Name        string // canonical device name, e.g. "nRF52840_xxAA"
	CodeSize    uint32
	CodePage    uint32
	RAMSize     uint32
	Region0     uint32 // nRF51 code region 0 size; 0 elsewhere
	Coprocessor Coprocessor
}

// DeviceDriver is the family-specific half of a Session: everything that
// differs between nRF51, nRF52, nRF53 and nRF91 goes through this interface,
// and the pipeline above it stays family-agnostic. Drivers are stateless
// beyond the session they were created for.
type DeviceDriver interface {
	Family() DeviceFamily

	// Identify decodes the FICR and builds the memory map.
	Identify() (*DeviceInfo, *MemoryMap, error)

	// Readback protection.
	ReadProtection() (ProtectionState, error)
	SetProtection(level ProtectionState) error
	SupportedProtectionLevels() []ProtectionState

	// Erase protection (families without it report
	// InvalidDeviceForOperation from EnableEraseProtect and false from
	// the query).
	IsEraseProtectEnabled() (bool, error)
	EnableEraseProtect() error

	// Non-volatile memory operations. Addresses are absolute.
	EraseAll() error
	ErasePage(addr uint32) error
	EraseUICR() error
	NvmcWrite(addr uint32, data []byte) error

	// Block protection (nRF51 BPROT / nRF52 ACL style write protection of
	// code regions while the core runs).
	IsBlockProtectEnabled() (bool, error)
	DisableBlockProtect() error

	// Coprocessor control for multi-core devices.
	SelectCoprocessor(cp Coprocessor) error
	EnableCoprocessor(cp Coprocessor) error
	DisableCoprocessor(cp Coprocessor) error

	// RAM section power control.
	RamSectionCount() (int, error)
	RamSectionPower(section int) (RamPowerState, error)
	PowerRamSection(section int, state RamPowerState) error

	// Resets. SysReset is the soft reset through AIRCR, DebugReset
	// reinitializes the debug logic as well, PinReset pulses nRESET.
	SysReset() error
	DebugReset() error
	PinReset() error

	// Recover erases everything including the UICR and clears readback
	// protection through the CTRL-AP, then reconnects.
	Recover() error

	// QspiCapable reports whether the family has a QSPI peripheral.
	QspiCapable() bool
}

// identifyFamily reads the SW-DP IDCODE and maps it to a device family. An
// id that matches no family yields FamilyUnknown; the session still opens
// with the identification-only driver.
func identifyFamily(t ProbeTransport) (DeviceFamily, error) {
	idcode, err := t.ReadDPRegister(dpRegIDCode)
	if err != nil {
		return FamilyUnknown, wrapError(CannotConnect, err, "debug port does not answer")
	}

	switch idcode {
	case idCodeCortexM0:
		return FamilyNRF51, nil
	case idCodeCortexM4:
		return FamilyNRF52, nil
	case idCodeCortexM33:
		return resolveM33Family(t), nil
	default:
		logger.Warnf("unrecognized debug port id 0x%08x", idcode)
		return FamilyUnknown, nil
	}
}

// isCtrlApIDR matches the vendor CTRL-AP identification register.
func isCtrlApIDR(idr uint32) bool {
	return idr&0x0FFF0000 == 0x02880000
}

// resolveM33Family tells nRF53 and nRF91 apart: both carry the same M33
// debug port, but only the nRF53 has a network-core CTRL-AP at AP index 3.
func resolveM33Family(t ProbeTransport) DeviceFamily {
	idr, err := t.ReadAPRegister(3, ctrlApRegIDR)
	if err == nil && isCtrlApIDR(idr) {
		return FamilyNRF53
	}
	return FamilyNRF91
}

// newDeviceDriver builds the driver for the given family. FamilyAuto must be
// resolved through identifyFamily before calling this; FamilyUnknown gets
// the identification-only driver.
func newDeviceDriver(s *Session, family DeviceFamily) (DeviceDriver, error) {
	switch family {
	case FamilyNRF51:
		return newNRF51Driver(s), nil
	case FamilyNRF52:
		return newNRF52Driver(s), nil
	case FamilyNRF53:
		return newNRF53Driver(s), nil
	case FamilyNRF91:
		return newNRF91Driver(s), nil
	case FamilyUnknown:
		return newUnknownDriver(s), nil
	default:
		return nil, errorf(WrongFamilyForDevice, "no driver for family %s", family)
	}
}
