// Copyright 2021 the nrfprog authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package nrfprog

import "fmt"

// nRF52 addresses.
const (
	nrf52FicrBase  = 0x10000000
	nrf52UicrBase  = 0x10001000
	nrf52NvmcBase  = 0x4001E000
	nrf52PowerBase = 0x40000000
	nrf52RamBase   = 0x20000000

	nrf52FicrCodePageSize = 0x010
	nrf52FicrCodeSize     = 0x014
	nrf52FicrInfoPart     = 0x100
	nrf52FicrInfoVariant  = 0x104
	nrf52FicrInfoRam      = 0x10C
	nrf52FicrInfoFlash    = 0x110

	nrf52UicrApprotect = nrf52UicrBase + 0x208

	nrf52RegBprotConfig0        = nrf52PowerBase + 0x600
	nrf52RegBprotConfig1        = nrf52PowerBase + 0x604
	nrf52RegBprotDisableInDebug = nrf52PowerBase + 0x608
	nrf52RegBprotConfig2        = nrf52PowerBase + 0x610
	nrf52RegBprotConfig3        = nrf52PowerBase + 0x614

	nrf52CtrlAP = 1

	// QSPI is an nRF52840-only peripheral; external flash maps at the XIP
	// base when the engine is active.
	nrf52QspiBase = 0x40029000
	nrf52XipBase  = 0x12000000
	nrf52XipSize  = 0x08000000

	nrf52RamSections = 8
)

type nrf52Driver struct {
	deviceBase
	part uint32
}

func newNRF52Driver(s *Session) *nrf52Driver {
	d := &nrf52Driver{deviceBase: deviceBase{
		s:        s,
		family:   FamilyNRF52,
		ahbAP:    0,
		ctrlAP:   nrf52CtrlAP,
		ficrBase: nrf52FicrBase,
		uicrBase: nrf52UicrBase,
		uicrSize: 0x1000,
	}}
	d.nvmc = nvmc{s: s, base: nrf52NvmcBase}
	return d
}

func (d *nrf52Driver) Identify() (*DeviceInfo, *MemoryMap, error) {
	pageSize, err := d.s.readWord(d.ficrBase + nrf52FicrCodePageSize)
	if err != nil {
		return nil, nil, err
	}
	codePages, err := d.s.readWord(d.ficrBase + nrf52FicrCodeSize)
	if err != nil {
		return nil, nil, err
	}
	part, err := d.s.readWord(d.ficrBase + nrf52FicrInfoPart)
	if err != nil {
		return nil, nil, err
	}
	variant, err := d.s.readWord(d.ficrBase + nrf52FicrInfoVariant)
	if err != nil {
		return nil, nil, err
	}
	ramKB, err := d.s.readWord(d.ficrBase + nrf52FicrInfoRam)
	if err != nil {
		return nil, nil, err
	}

	d.part = part
	variantStr := decodeVariant(variant)

	info := &DeviceInfo{
		Family:      FamilyNRF52,
		Part:        part,
		Variant:     variantStr,
		Name:        deviceName(part, variantStr),
		CodeSize:    codePages * pageSize,
		CodePage:    pageSize,
		RAMSize:     ramKB * 1024,
		Coprocessor: CoprocessorApplication,
	}

	regions := []MemoryRegion{
		{Kind: RegionCode, Start: 0, Length: info.CodeSize, PageSize: pageSize,
			Readable: true, Writable: true, Erasable: true, Label: "code"},
		{Kind: RegionFICR, Start: d.ficrBase, Length: 0x1000,
			Readable: true, Label: "ficr"},
		{Kind: RegionUICR, Start: d.uicrBase, Length: d.uicrSize, PageSize: d.uicrSize,
			Readable: true, Writable: true, Erasable: true, Label: "uicr"},
		{Kind: RegionRAM, Start: nrf52RamBase, Length: info.RAMSize,
			Readable: true, Writable: true, Label: "ram"},
	}
	if d.QspiCapable() {
		regions = append(regions, MemoryRegion{
			Kind: RegionXIP, Start: nrf52XipBase, Length: nrf52XipSize, PageSize: QspiPageSize,
			Readable: true, Writable: true, Erasable: true, Label: "xip",
		})
	}

	return info, newMemoryMap(regions), nil
}

// decodeVariant turns the big-endian ASCII FICR variant word ("AAC0") into
// a string.
func decodeVariant(variant uint32) string {
	buf := []byte{
		byte(variant >> 24), byte(variant >> 16), byte(variant >> 8), byte(variant),
	}
	return cString(buf)
}

// deviceName builds the canonical "nRF52840_xxAA" style name from the FICR
// part code and variant.
func deviceName(part uint32, variant string) string {
	if len(variant) >= 2 {
		return fmt.Sprintf("nRF%X_xx%s", part, variant[:2])
	}
	return fmt.Sprintf("nRF%X", part)
}

func (d *nrf52Driver) ReadProtection() (ProtectionState, error) {
	return d.ctrlApProtectionStatus()
}

// SetProtection writes the UICR APPROTECT word; the protection takes effect
// at the following reset.
func (d *nrf52Driver) SetProtection(level ProtectionState) error {
	switch level {
	case ProtectionAll:
	default:
		return errorf(InvalidParameter, "nRF52 cannot enable %s protection", level)
	}

	if err := d.nvmc.write(nrf52UicrApprotect, bytesOfWords([]uint32{0xFFFFFF00})); err != nil {
		return err
	}
	return d.SysReset()
}

func (d *nrf52Driver) SupportedProtectionLevels() []ProtectionState {
	return []ProtectionState{ProtectionAll}
}

func (d *nrf52Driver) Recover() error {
	return d.ctrlApRecover()
}

func (d *nrf52Driver) IsBlockProtectEnabled() (bool, error) {
	for _, reg := range []uint32{nrf52RegBprotConfig0, nrf52RegBprotConfig1,
		nrf52RegBprotConfig2, nrf52RegBprotConfig3} {
		value, err := d.s.readWord(reg)
		if err != nil {
			return false, err
		}
		if value != 0 {
			return true, nil
		}
	}
	return false, nil
}

// DisableBlockProtect lifts BPROT for debugger accesses; the CONFIG bits
// themselves latch until reset.
func (d *nrf52Driver) DisableBlockProtect() error {
	return d.s.writeWord(nrf52RegBprotDisableInDebug, 1)
}

func (d *nrf52Driver) RamSectionCount() (int, error) {
	return nrf52RamSections, nil
}

func (d *nrf52Driver) ramSectionReg(section int) uint32 {
	return nrf52PowerBase + powerRegRamSections + uint32(section)*powerRamSectionStride
}

func (d *nrf52Driver) RamSectionPower(section int) (RamPowerState, error) {
	value, err := d.s.readWord(d.ramSectionReg(section))
	if err != nil {
		return RamOff, err
	}
	if value&1 != 0 {
		return RamOn, nil
	}
	return RamOff, nil
}

func (d *nrf52Driver) PowerRamSection(section int, state RamPowerState) error {
	var value uint32
	if state == RamOn {
		value = 3 // power on and retain
	}
	return d.s.writeWord(d.ramSectionReg(section), value)
}

func (d *nrf52Driver) QspiCapable() bool {
	return d.part == 0x52840
}
