// Copyright 2021 the nrfprog authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package nrfprog

// nRF91 addresses. The family moved the FICR and UICR into the code address
// space and grew a secure-side protection level next to the classic one.
const (
	nrf91FicrBase = 0x00FF0000
	nrf91UicrBase = 0x00FF8000
	nrf91NvmcBase = 0x50039000
	nrf91VmcBase  = 0x50003000
	nrf91RamBase  = 0x20000000

	nrf91FicrInfoPart    = 0x20C
	nrf91FicrInfoVariant = 0x210
	nrf91FicrInfoRam     = 0x218
	nrf91FicrInfoFlash   = 0x21C

	nrf91UicrApprotect       = nrf91UicrBase + 0x000
	nrf91UicrSecureApprotect = nrf91UicrBase + 0x02C
	nrf91UicrEraseProtect    = nrf91UicrBase + 0x204

	nrf91CtrlAP = 1

	nrf91PageSize    = 4096
	nrf91RamSections = 8

	// APPROTECTSTATUS bits; zero means the protection is active.
	m33ApprotectBit       = 1 << 0
	m33SecureApprotectBit = 1 << 1
)

type nrf91Driver struct {
	deviceBase
}

func newNRF91Driver(s *Session) *nrf91Driver {
	d := &nrf91Driver{deviceBase{
		s:        s,
		family:   FamilyNRF91,
		ahbAP:    0,
		ctrlAP:   nrf91CtrlAP,
		ficrBase: nrf91FicrBase,
		uicrBase: nrf91UicrBase,
		uicrSize: 0x1000,
	}}
	d.nvmc = nvmc{s: s, base: nrf91NvmcBase}
	return d
}

func (d *nrf91Driver) Identify() (*DeviceInfo, *MemoryMap, error) {
	part, err := d.s.readWord(d.ficrBase + nrf91FicrInfoPart)
	if err != nil {
		return nil, nil, err
	}
	variant, err := d.s.readWord(d.ficrBase + nrf91FicrInfoVariant)
	if err != nil {
		return nil, nil, err
	}
	flashKB, err := d.s.readWord(d.ficrBase + nrf91FicrInfoFlash)
	if err != nil {
		return nil, nil, err
	}
	ramKB, err := d.s.readWord(d.ficrBase + nrf91FicrInfoRam)
	if err != nil {
		return nil, nil, err
	}

	variantStr := decodeVariant(variant)

	info := &DeviceInfo{
		Family:      FamilyNRF91,
		Part:        part,
		Variant:     variantStr,
		Name:        deviceName(part, variantStr),
		CodeSize:    flashKB * 1024,
		CodePage:    nrf91PageSize,
		RAMSize:     ramKB * 1024,
		Coprocessor: CoprocessorApplication,
	}

	memmap := newMemoryMap([]MemoryRegion{
		{Kind: RegionCode, Start: 0, Length: info.CodeSize, PageSize: nrf91PageSize,
			Readable: true, Writable: true, Erasable: true, Label: "code"},
		{Kind: RegionFICR, Start: d.ficrBase, Length: 0x1000,
			Readable: true, Label: "ficr"},
		{Kind: RegionUICR, Start: d.uicrBase, Length: d.uicrSize, PageSize: d.uicrSize,
			Readable: true, Writable: true, Erasable: true, Label: "uicr"},
		{Kind: RegionRAM, Start: nrf91RamBase, Length: info.RAMSize,
			Readable: true, Writable: true, Label: "ram"},
	})

	return info, memmap, nil
}

func (d *nrf91Driver) ReadProtection() (ProtectionState, error) {
	if err := d.s.openAP(d.ctrlAP); err != nil {
		return ProtectionNone, err
	}

	status, err := d.s.ctrlApRead(d.ctrlAP, ctrlApRegApprotectStatus)
	if err != nil {
		return ProtectionNone, err
	}

	switch {
	case status&m33SecureApprotectBit == 0:
		return ProtectionSecure, nil
	case status&m33ApprotectBit == 0:
		return ProtectionAll, nil
	default:
		return ProtectionNone, nil
	}
}

// SetProtection programs the UICR protection words; any value other than
// the magic "disabled" pattern arms the protection at the next reset.
func (d *nrf91Driver) SetProtection(level ProtectionState) error {
	var addrs []uint32
	switch level {
	case ProtectionAll:
		addrs = []uint32{nrf91UicrApprotect}
	case ProtectionSecure:
		addrs = []uint32{nrf91UicrApprotect, nrf91UicrSecureApprotect}
	default:
		return errorf(InvalidParameter, "nRF91 cannot enable %s protection", level)
	}

	for _, addr := range addrs {
		if err := d.nvmc.write(addr, bytesOfWords([]uint32{0})); err != nil {
			return err
		}
	}
	return d.SysReset()
}

func (d *nrf91Driver) SupportedProtectionLevels() []ProtectionState {
	return []ProtectionState{ProtectionAll, ProtectionSecure}
}

func (d *nrf91Driver) Recover() error {
	return d.ctrlApRecover()
}

func (d *nrf91Driver) IsEraseProtectEnabled() (bool, error) {
	if err := d.s.openAP(d.ctrlAP); err != nil {
		return false, err
	}
	status, err := d.s.ctrlApRead(d.ctrlAP, ctrlApRegEraseProtect)
	if err != nil {
		return false, err
	}
	return status == 0, nil
}

// EnableEraseProtect blocks ERASEALL and recover until the next disable
// through the firmware. It exists to keep field units from being wiped.
func (d *nrf91Driver) EnableEraseProtect() error {
	if err := d.nvmc.write(nrf91UicrEraseProtect, bytesOfWords([]uint32{0})); err != nil {
		return err
	}
	return d.SysReset()
}

func (d *nrf91Driver) RamSectionCount() (int, error) {
	return nrf91RamSections, nil
}

func (d *nrf91Driver) ramSectionReg(section int) uint32 {
	return nrf91VmcBase + vmcRegRamSections + uint32(section)*vmcRamSectionStride
}

func (d *nrf91Driver) RamSectionPower(section int) (RamPowerState, error) {
	value, err := d.s.readWord(d.ramSectionReg(section))
	if err != nil {
		return RamOff, err
	}
	if value&1 != 0 {
		return RamOn, nil
	}
	return RamOff, nil
}

func (d *nrf91Driver) PowerRamSection(section int, state RamPowerState) error {
	var value uint32
	if state == RamOn {
		value = 3
	}
	return d.s.writeWord(d.ramSectionReg(section), value)
}
