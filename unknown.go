// Copyright 2021 the nrfprog authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package nrfprog

// unknownDriver backs sessions to devices whose debug port id matches no
// supported family. It identifies what it can over the plain Arm debug
// interface (run control, CPU registers, resets keep working); everything
// that needs family knowledge is refused.
type unknownDriver struct {
	deviceBase
}

func newUnknownDriver(s *Session) *unknownDriver {
	return &unknownDriver{deviceBase{s: s, family: FamilyUnknown, ahbAP: 0}}
}

func (d *unknownDriver) requiresFamily(op string) error {
	return errorf(UnknownDevice, "%s requires a known device family", op)
}

// Identify reports what little is knowable without a FICR layout. The
// memory map stays empty, so memory accesses fail address classification
// instead of poking blind.
func (d *unknownDriver) Identify() (*DeviceInfo, *MemoryMap, error) {
	info := &DeviceInfo{
		Family:      FamilyUnknown,
		Name:        "unknown",
		Coprocessor: CoprocessorApplication,
	}
	return info, newMemoryMap(nil), nil
}

func (d *unknownDriver) ReadProtection() (ProtectionState, error) {
	return ProtectionNone, nil
}

func (d *unknownDriver) SetProtection(level ProtectionState) error {
	return d.requiresFamily("readback protection")
}

func (d *unknownDriver) SupportedProtectionLevels() []ProtectionState {
	return nil
}

func (d *unknownDriver) EraseAll() error {
	return d.requiresFamily("flash erase")
}

func (d *unknownDriver) ErasePage(addr uint32) error {
	return d.requiresFamily("flash erase")
}

func (d *unknownDriver) EraseUICR() error {
	return d.requiresFamily("flash erase")
}

func (d *unknownDriver) NvmcWrite(addr uint32, data []byte) error {
	return d.requiresFamily("flash write")
}

func (d *unknownDriver) Recover() error {
	return d.requiresFamily("recover")
}

func (d *unknownDriver) RamSectionCount() (int, error) {
	return 0, nil
}

func (d *unknownDriver) RamSectionPower(section int) (RamPowerState, error) {
	return RamOff, d.requiresFamily("ram power control")
}

func (d *unknownDriver) PowerRamSection(section int, state RamPowerState) error {
	return d.requiresFamily("ram power control")
}
