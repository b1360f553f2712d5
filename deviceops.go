// Copyright 2021 the nrfprog authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package nrfprog

// EraseAll erases the whole code flash. The UICR is untouched; use
// EraseUICR or Recover for that.
func (s *Session) EraseAll() error {
	if err := s.requireHalted(); err != nil {
		return err
	}
	return s.driver.EraseAll()
}

// ErasePage erases the flash page at addr, which must be page-aligned and
// inside an erasable region.
func (s *Session) ErasePage(addr uint32) error {
	if err := s.requireHalted(); err != nil {
		return err
	}

	region := s.memmap.Find(addr)
	if region == nil || !region.Erasable || region.PageSize == 0 {
		return errorf(InvalidParameter, "address 0x%08x is not in page-erasable memory", addr)
	}
	if (addr-region.Start)%region.PageSize != 0 {
		return errorf(InvalidParameter, "address 0x%08x is not aligned to the %d byte page",
			addr, region.PageSize)
	}

	if region.Kind == RegionUICR {
		// The UICR is a single page with its own erase register.
		return s.driver.EraseUICR()
	}
	return s.driver.ErasePage(addr)
}

// EraseUICR erases the user configuration registers.
func (s *Session) EraseUICR() error {
	if err := s.requireHalted(); err != nil {
		return err
	}
	return s.driver.EraseUICR()
}

// SetProtection arms the requested readback-protection level. Levels the
// family does not implement fail with InvalidParameter. The device resets
// as part of arming; the session stays attached but the core runs.
func (s *Session) SetProtection(level ProtectionState) error {
	if err := s.requireHalted(); err != nil {
		return err
	}

	supported := false
	for _, l := range s.driver.SupportedProtectionLevels() {
		if l == level {
			supported = true
			break
		}
	}
	if !supported {
		return errorf(InvalidParameter, "%s does not support %s protection", s.family, level)
	}

	s.log.Infof("enabling %s readback protection", level)
	if err := s.driver.SetProtection(level); err != nil {
		return err
	}

	s.protection = level
	s.state = SessionAttachedRunning
	return nil
}

// SupportedProtectionLevels lists the levels SetProtection accepts for the
// attached family.
func (s *Session) SupportedProtectionLevels() []ProtectionState {
	return s.driver.SupportedProtectionLevels()
}

// IsEraseProtectEnabled reports whether erase protection blocks mass
// erases and recover.
func (s *Session) IsEraseProtectEnabled() (bool, error) {
	if err := s.requireOpen(); err != nil {
		return false, err
	}
	return s.driver.IsEraseProtectEnabled()
}

// EnableEraseProtect arms erase protection on families that have it.
func (s *Session) EnableEraseProtect() error {
	if err := s.requireHalted(); err != nil {
		return err
	}
	if err := s.driver.EnableEraseProtect(); err != nil {
		return err
	}
	s.state = SessionAttachedRunning
	return nil
}

// IsBlockProtectEnabled reports whether write protection covers any code
// block.
func (s *Session) IsBlockProtectEnabled() (bool, error) {
	if err := s.requireAttached(); err != nil {
		return false, err
	}
	return s.driver.IsBlockProtectEnabled()
}

// DisableBlockProtect lifts code-block write protection for debugger
// accesses so programming can proceed.
func (s *Session) DisableBlockProtect() error {
	if err := s.requireAttached(); err != nil {
		return err
	}
	return s.driver.DisableBlockProtect()
}

// SelectCoprocessor switches the session to another core of a multi-core
// device and re-identifies, since the memory map changes with the core.
func (s *Session) SelectCoprocessor(cp Coprocessor) error {
	if err := s.requireAttached(); err != nil {
		return err
	}

	if err := s.driver.SelectCoprocessor(cp); err != nil {
		return err
	}
	s.coprocessor = cp

	var err error
	s.info, s.memmap, err = s.driver.Identify()
	if err != nil {
		return err
	}

	if err := s.transport.Halt(); err != nil {
		return err
	}
	s.state = SessionAttachedHalted

	s.log.Infof("switched to %s core", cp)
	return nil
}

// EnableCoprocessor powers a switchable core up.
func (s *Session) EnableCoprocessor(cp Coprocessor) error {
	if err := s.requireAttached(); err != nil {
		return err
	}
	return s.driver.EnableCoprocessor(cp)
}

// DisableCoprocessor forces a switchable core off.
func (s *Session) DisableCoprocessor(cp Coprocessor) error {
	if err := s.requireAttached(); err != nil {
		return err
	}
	return s.driver.DisableCoprocessor(cp)
}

// RamSectionStates reports the power state of every RAM section.
func (s *Session) RamSectionStates() ([]RamPowerState, error) {
	if err := s.requireAttached(); err != nil {
		return nil, err
	}

	count, err := s.driver.RamSectionCount()
	if err != nil {
		return nil, err
	}

	states := make([]RamPowerState, count)
	for i := range states {
		states[i], err = s.driver.RamSectionPower(i)
		if err != nil {
			return nil, err
		}
	}
	return states, nil
}

// IsRamPowered is the legacy-shaped query: the per-section states plus the
// section count and the uniform section size.
func (s *Session) IsRamPowered() ([]RamPowerState, uint32, uint32, error) {
	states, err := s.RamSectionStates()
	if err != nil {
		return nil, 0, 0, err
	}

	var sectionSize uint32
	if s.info != nil && len(states) > 0 {
		sectionSize = s.info.RAMSize / uint32(len(states))
	}
	return states, uint32(len(states)), sectionSize, nil
}

// PowerRamSection switches one RAM section on or off. Powering a section
// off loses its content.
func (s *Session) PowerRamSection(section int, state RamPowerState) error {
	if err := s.requireAttached(); err != nil {
		return err
	}

	count, err := s.driver.RamSectionCount()
	if err != nil {
		return err
	}
	if section < 0 || section >= count {
		return errorf(InvalidParameter, "ram section %d out of range (device has %d)", section, count)
	}

	return s.driver.PowerRamSection(section, state)
}

// PowerAllRam switches every RAM section on, the usual preparation before
// loading a RAM image.
func (s *Session) PowerAllRam() error {
	states, err := s.RamSectionStates()
	if err != nil {
		return err
	}
	for i, state := range states {
		if state == RamOn {
			continue
		}
		if err := s.driver.PowerRamSection(i, RamOn); err != nil {
			return err
		}
	}
	return nil
}
