// Copyright 2021 the nrfprog authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package nrfprog

// nRF53 addresses. The family is dual-core; each core brings its own flash,
// FICR, UICR, NVMC and debug access ports. The driver tracks which core the
// session currently talks to.
const (
	nrf53AppFicrBase = 0x00FF0000
	nrf53AppUicrBase = 0x00FF8000
	nrf53AppNvmcBase = 0x50039000
	nrf53AppVmcBase  = 0x50003000
	nrf53AppRamBase  = 0x20000000
	nrf53AppPageSize = 4096

	nrf53NetFlashBase = 0x01000000
	nrf53NetFicrBase  = 0x01FF0000
	nrf53NetUicrBase  = 0x01FF8000
	nrf53NetNvmcBase  = 0x41080000
	nrf53NetRamBase   = 0x21000000
	nrf53NetPageSize  = 2048

	nrf53AppAhbAP  = 0
	nrf53NetAhbAP  = 1
	nrf53AppCtrlAP = 2
	nrf53NetCtrlAP = 3

	// RESET.NETWORK.FORCEOFF, reachable from the application core.
	nrf53RegNetworkForceOff = 0x50005614

	nrf53UicrApprotectOff       = 0x000
	nrf53UicrSecureApprotectOff = 0x01C
	nrf53UicrEraseProtectOff    = 0x204

	nrf53FicrInfoPart    = 0x20C
	nrf53FicrInfoVariant = 0x210
	nrf53FicrInfoRam     = 0x218
	nrf53FicrInfoFlash   = 0x21C

	nrf53QspiBase = 0x5002B000
	nrf53XipBase  = 0x10000000
	nrf53XipSize  = 0x08000000

	nrf53RamSections = 8
)

// nrf53Core bundles the per-core address set.
type nrf53Core struct {
	cp        Coprocessor
	ahbAP     uint8
	ctrlAP    uint8
	flashBase uint32
	ficrBase  uint32
	uicrBase  uint32
	nvmcBase  uint32
	ramBase   uint32
	pageSize  uint32
}

var nrf53Cores = map[Coprocessor]nrf53Core{
	CoprocessorApplication: {
		cp:       CoprocessorApplication,
		ahbAP:    nrf53AppAhbAP,
		ctrlAP:   nrf53AppCtrlAP,
		ficrBase: nrf53AppFicrBase, uicrBase: nrf53AppUicrBase,
		nvmcBase: nrf53AppNvmcBase, ramBase: nrf53AppRamBase,
		pageSize: nrf53AppPageSize,
	},
	CoprocessorNetwork: {
		cp:        CoprocessorNetwork,
		ahbAP:     nrf53NetAhbAP,
		ctrlAP:    nrf53NetCtrlAP,
		flashBase: nrf53NetFlashBase,
		ficrBase:  nrf53NetFicrBase, uicrBase: nrf53NetUicrBase,
		nvmcBase: nrf53NetNvmcBase, ramBase: nrf53NetRamBase,
		pageSize: nrf53NetPageSize,
	},
}

type nrf53Driver struct {
	deviceBase
	core nrf53Core
}

func newNRF53Driver(s *Session) *nrf53Driver {
	d := &nrf53Driver{deviceBase: deviceBase{
		s:        s,
		family:   FamilyNRF53,
		uicrSize: 0x1000,
	}}
	d.applyCore(nrf53Cores[CoprocessorApplication])
	return d
}

func (d *nrf53Driver) applyCore(core nrf53Core) {
	d.core = core
	d.ahbAP = core.ahbAP
	d.ctrlAP = core.ctrlAP
	d.ficrBase = core.ficrBase
	d.uicrBase = core.uicrBase
	d.nvmc = nvmc{s: d.s, base: core.nvmcBase}
}

// SelectCoprocessor switches the driver and the debug connection to the
// requested core. The network core must be powered (EnableCoprocessor)
// before its access ports answer.
func (d *nrf53Driver) SelectCoprocessor(cp Coprocessor) error {
	core, ok := nrf53Cores[cp]
	if !ok {
		return errorf(InvalidDeviceForOperation, "nRF53 has no %s core", cp)
	}

	d.applyCore(core)
	return d.s.openAP(core.ahbAP)
}

// EnableCoprocessor releases the network core from force-off. Only the
// network core is switchable; the application core is always on.
func (d *nrf53Driver) EnableCoprocessor(cp Coprocessor) error {
	if cp != CoprocessorNetwork {
		return errorf(InvalidDeviceForOperation, "nRF53 cannot power-cycle the %s core", cp)
	}
	return d.s.writeWord(nrf53RegNetworkForceOff, 0)
}

func (d *nrf53Driver) DisableCoprocessor(cp Coprocessor) error {
	if cp != CoprocessorNetwork {
		return errorf(InvalidDeviceForOperation, "nRF53 cannot power-cycle the %s core", cp)
	}
	return d.s.writeWord(nrf53RegNetworkForceOff, 1)
}

func (d *nrf53Driver) Identify() (*DeviceInfo, *MemoryMap, error) {
	part, err := d.s.readWord(d.ficrBase + nrf53FicrInfoPart)
	if err != nil {
		return nil, nil, err
	}
	variant, err := d.s.readWord(d.ficrBase + nrf53FicrInfoVariant)
	if err != nil {
		return nil, nil, err
	}
	flashKB, err := d.s.readWord(d.ficrBase + nrf53FicrInfoFlash)
	if err != nil {
		return nil, nil, err
	}
	ramKB, err := d.s.readWord(d.ficrBase + nrf53FicrInfoRam)
	if err != nil {
		return nil, nil, err
	}

	variantStr := decodeVariant(variant)

	info := &DeviceInfo{
		Family:      FamilyNRF53,
		Part:        part,
		Variant:     variantStr,
		Name:        deviceName(part, variantStr),
		CodeSize:    flashKB * 1024,
		CodePage:    d.core.pageSize,
		RAMSize:     ramKB * 1024,
		Coprocessor: d.core.cp,
	}

	regions := []MemoryRegion{
		{Kind: RegionCode, Start: d.core.flashBase, Length: info.CodeSize, PageSize: d.core.pageSize,
			Readable: true, Writable: true, Erasable: true, Label: "code"},
		{Kind: RegionFICR, Start: d.ficrBase, Length: 0x1000,
			Readable: true, Label: "ficr"},
		{Kind: RegionUICR, Start: d.uicrBase, Length: d.uicrSize, PageSize: d.uicrSize,
			Readable: true, Writable: true, Erasable: true, Label: "uicr"},
		{Kind: RegionRAM, Start: d.core.ramBase, Length: info.RAMSize,
			Readable: true, Writable: true, Label: "ram"},
	}
	if d.QspiCapable() {
		regions = append(regions, MemoryRegion{
			Kind: RegionXIP, Start: nrf53XipBase, Length: nrf53XipSize, PageSize: QspiPageSize,
			Readable: true, Writable: true, Erasable: true, Label: "xip",
		})
	}

	return info, newMemoryMap(regions), nil
}

func (d *nrf53Driver) ReadProtection() (ProtectionState, error) {
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

func (d *nrf53Driver) SetProtection(level ProtectionState) error {
	var offsets []uint32
	switch level {
	case ProtectionAll:
		offsets = []uint32{nrf53UicrApprotectOff}
	case ProtectionSecure:
		offsets = []uint32{nrf53UicrApprotectOff, nrf53UicrSecureApprotectOff}
	default:
		return errorf(InvalidParameter, "nRF53 cannot enable %s protection", level)
	}

	for _, off := range offsets {
		if err := d.nvmc.write(d.uicrBase+off, bytesOfWords([]uint32{0})); err != nil {
			return err
		}
	}
	return d.SysReset()
}

func (d *nrf53Driver) SupportedProtectionLevels() []ProtectionState {
	return []ProtectionState{ProtectionAll, ProtectionSecure}
}

func (d *nrf53Driver) Recover() error {
	return d.ctrlApRecover()
}

func (d *nrf53Driver) IsEraseProtectEnabled() (bool, error) {
	if err := d.s.openAP(d.ctrlAP); err != nil {
		return false, err
	}
	status, err := d.s.ctrlApRead(d.ctrlAP, ctrlApRegEraseProtect)
	if err != nil {
		return false, err
	}
	return status == 0, nil
}

func (d *nrf53Driver) EnableEraseProtect() error {
	if err := d.nvmc.write(d.uicrBase+nrf53UicrEraseProtectOff, bytesOfWords([]uint32{0})); err != nil {
		return err
	}
	return d.SysReset()
}

func (d *nrf53Driver) RamSectionCount() (int, error) {
	return nrf53RamSections, nil
}

func (d *nrf53Driver) ramSectionReg(section int) uint32 {
	return nrf53AppVmcBase + vmcRegRamSections + uint32(section)*vmcRamSectionStride
}

func (d *nrf53Driver) RamSectionPower(section int) (RamPowerState, error) {
	value, err := d.s.readWord(d.ramSectionReg(section))
	if err != nil {
		return RamOff, err
	}
	if value&1 != 0 {
		return RamOn, nil
	}
	return RamOff, nil
}

func (d *nrf53Driver) PowerRamSection(section int, state RamPowerState) error {
	var value uint32
	if state == RamOn {
		value = 3
	}
	return d.s.writeWord(d.ramSectionReg(section), value)
}

func (d *nrf53Driver) QspiCapable() bool {
	return d.core.cp == CoprocessorApplication
}

// ErasePage on the network core uses the write-triggered page erase; the
// application core keeps the classic ERASEPAGE register.
func (d *nrf53Driver) ErasePage(addr uint32) error {
	if d.core.cp == CoprocessorNetwork {
		return d.nvmc.erasePageByWrite(addr)
	}
	return d.nvmc.erasePage(addr)
}
