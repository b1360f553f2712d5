// Copyright 2021 the nrfprog authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package nrfprog

import "fmt"

// nRF51 addresses. The family predates the CTRL-AP; protection and recovery
// go through the NVMC and the UICR instead.
const (
	nrf51FicrBase  = 0x10000000
	nrf51UicrBase  = 0x10001000
	nrf51NvmcBase  = 0x4001E000
	nrf51PowerBase = 0x40000000
	nrf51RamBase   = 0x20000000

	nrf51FicrCodePageSize  = 0x010
	nrf51FicrCodeSize      = 0x014
	nrf51FicrClenR0        = 0x028
	nrf51FicrNumRamBlock   = 0x034
	nrf51FicrSizeRamBlocks = 0x038
	nrf51FicrConfigID      = 0x05C

	nrf51UicrRbpConf = nrf51UicrBase + 0x004

	nrf51RegRamOn  = nrf51PowerBase + 0x524
	nrf51RegRamOnB = nrf51PowerBase + 0x554

	nrf51RegProtenSet0     = nrf51PowerBase + 0x600
	nrf51RegProtenSet1     = nrf51PowerBase + 0x604
	nrf51RegDisableInDebug = nrf51PowerBase + 0x608
)

type nrf51Driver struct {
	deviceBase
}

func newNRF51Driver(s *Session) *nrf51Driver {
	d := &nrf51Driver{deviceBase{
		s:        s,
		family:   FamilyNRF51,
		ahbAP:    0,
		ficrBase: nrf51FicrBase,
		uicrBase: nrf51UicrBase,
		uicrSize: 0x100,
	}}
	d.nvmc = nvmc{s: s, base: nrf51NvmcBase}
	return d
}

func (d *nrf51Driver) Identify() (*DeviceInfo, *MemoryMap, error) {
	pageSize, err := d.s.readWord(d.ficrBase + nrf51FicrCodePageSize)
	if err != nil {
		return nil, nil, err
	}
	codePages, err := d.s.readWord(d.ficrBase + nrf51FicrCodeSize)
	if err != nil {
		return nil, nil, err
	}
	numRAM, err := d.s.readWord(d.ficrBase + nrf51FicrNumRamBlock)
	if err != nil {
		return nil, nil, err
	}
	ramBlockSize, err := d.s.readWord(d.ficrBase + nrf51FicrSizeRamBlocks)
	if err != nil {
		return nil, nil, err
	}
	configID, err := d.s.readWord(d.ficrBase + nrf51FicrConfigID)
	if err != nil {
		return nil, nil, err
	}
	region0, err := d.s.readWord(d.ficrBase + nrf51FicrClenR0)
	if err != nil {
		return nil, nil, err
	}
	if region0 == 0xFFFFFFFF {
		region0 = 0 // no code region 0 configured
	}

	hwid := configID & 0xFFFF
	name := nrf51DeviceName(hwid)

	info := &DeviceInfo{
		Family:      FamilyNRF51,
		Part:        0x51000 | hwid,
		Name:        name,
		CodeSize:    codePages * pageSize,
		CodePage:    pageSize,
		RAMSize:     numRAM * ramBlockSize,
		Region0:     region0,
		Coprocessor: CoprocessorApplication,
	}

	memmap := newMemoryMap([]MemoryRegion{
		{Kind: RegionCode, Start: 0, Length: info.CodeSize, PageSize: pageSize,
			Readable: true, Writable: true, Erasable: true, Label: "code"},
		{Kind: RegionFICR, Start: d.ficrBase, Length: 0x100,
			Readable: true, Label: "ficr"},
		{Kind: RegionUICR, Start: d.uicrBase, Length: d.uicrSize, PageSize: d.uicrSize,
			Readable: true, Writable: true, Erasable: true, Label: "uicr"},
		{Kind: RegionRAM, Start: nrf51RamBase, Length: info.RAMSize,
			Readable: true, Writable: true, Label: "ram"},
	})

	return info, memmap, nil
}

func nrf51DeviceName(hwid uint32) string {
	switch hwid {
	case 0x001D, 0x002A, 0x0044, 0x003C:
		return "nRF51822_xxAA"
	case 0x002F, 0x0040, 0x004D:
		return "nRF51822_xxAB"
	case 0x0026, 0x0027:
		return "nRF51822_xxBA"
	case 0x0071, 0x0072:
		return "nRF51422_xxAC"
	default:
		return fmt.Sprintf("nRF51_HWID_0x%04X", hwid)
	}
}

// ReadProtection decodes the UICR RBPCONF word: byte 0 guards region 0,
// byte 1 guards everything. 0xFF means off. A failing read means the UICR
// itself is fenced off, which only protection does.
func (d *nrf51Driver) ReadProtection() (ProtectionState, error) {
	rbpconf, err := d.s.readWord(nrf51UicrRbpConf)
	if err != nil {
		return ProtectionAll, nil
	}

	region0 := rbpconf&0x000000FF != 0x000000FF
	all := rbpconf&0x0000FF00 != 0x0000FF00

	switch {
	case region0 && all:
		return ProtectionBothRegion0AndAll, nil
	case all:
		return ProtectionAll, nil
	case region0:
		return ProtectionRegion0, nil
	default:
		return ProtectionNone, nil
	}
}

func (d *nrf51Driver) SetProtection(level ProtectionState) error {
	rbpconf := uint32(0xFFFFFFFF)
	switch level {
	case ProtectionRegion0:
		rbpconf = 0xFFFFFF00
	case ProtectionAll:
		rbpconf = 0xFFFF00FF
	case ProtectionBothRegion0AndAll:
		rbpconf = 0xFFFF0000
	default:
		return errorf(InvalidParameter, "nRF51 cannot enable %s protection", level)
	}

	if err := d.nvmc.write(nrf51UicrRbpConf, bytesOfWords([]uint32{rbpconf})); err != nil {
		return err
	}

	// RBPCONF is sampled at reset.
	return d.SysReset()
}

func (d *nrf51Driver) SupportedProtectionLevels() []ProtectionState {
	return []ProtectionState{ProtectionRegion0, ProtectionAll, ProtectionBothRegion0AndAll}
}

// Recover on nRF51 is a plain mass erase: without a CTRL-AP the NVMC is the
// only eraser, and it stays reachable from the debugger even when readback
// protection is on.
func (d *nrf51Driver) Recover() error {
	if err := d.nvmc.eraseAll(); err != nil {
		return wrapError(RecoverFailed, err, "mass erase failed")
	}
	if err := d.nvmc.eraseUICR(); err != nil {
		return wrapError(RecoverFailed, err, "uicr erase failed")
	}
	return d.SysReset()
}

func (d *nrf51Driver) IsBlockProtectEnabled() (bool, error) {
	set0, err := d.s.readWord(nrf51RegProtenSet0)
	if err != nil {
		return false, err
	}
	set1, err := d.s.readWord(nrf51RegProtenSet1)
	if err != nil {
		return false, err
	}
	return set0 != 0 || set1 != 0, nil
}

// DisableBlockProtect cannot clear PROTENSET bits (they latch until reset);
// it lifts the protection for debugger accesses instead.
func (d *nrf51Driver) DisableBlockProtect() error {
	return d.s.writeWord(nrf51RegDisableInDebug, 1)
}

func (d *nrf51Driver) RamSectionCount() (int, error) {
	numRAM, err := d.s.readWord(d.ficrBase + nrf51FicrNumRamBlock)
	if err != nil {
		return 0, err
	}
	return int(numRAM), nil
}

// RAM blocks 0 and 1 live in RAMON, 2 and 3 in RAMONB, two bits each.
func (d *nrf51Driver) ramOnReg(section int) (uint32, uint) {
	if section < 2 {
		return nrf51RegRamOn, uint(section)
	}
	return nrf51RegRamOnB, uint(section - 2)
}

func (d *nrf51Driver) RamSectionPower(section int) (RamPowerState, error) {
	reg, bit := d.ramOnReg(section)
	value, err := d.s.readWord(reg)
	if err != nil {
		return RamOff, err
	}
	if value&(1<<bit) != 0 {
		return RamOn, nil
	}
	return RamOff, nil
}

func (d *nrf51Driver) PowerRamSection(section int, state RamPowerState) error {
	reg, bit := d.ramOnReg(section)
	value, err := d.s.readWord(reg)
	if err != nil {
		return err
	}
	if state == RamOn {
		value |= 1 << bit
	} else {
		value &^= 1 << bit
	}
	return d.s.writeWord(reg, value)
}
