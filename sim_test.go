// Copyright 2021 the nrfprog authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package nrfprog

import (
	"fmt"
)

// The tests run against a simulated probe and target: simTransport
// implements ProbeTransport over an in-memory device model that mimics the
// pieces of an nRF52840 the library touches (flash with erase semantics
// behind the NVMC, CTRL-AP protection and mass erase, the QSPI data pump,
// core debug registers).

const (
	simFlashSize    = 256 * 4096
	simPageSize     = 4096
	simRAMSize      = 256 * 1024
	simUICRSize     = 0x1000
	simQspiSize     = 0x800000
	simRAMBase      = 0x20000000
	simFICRBase     = 0x10000000
	simUICRBase     = 0x10001000
	simNVMCBase     = 0x4001E000
	simPOWERBase    = 0x40000000
	simQSPIBase     = 0x40029000
	simSerialNumber = 683512345
)

type simTransport struct {
	serial uint32
	idcode uint32

	flash []byte
	uicr  []byte
	ram   []byte
	ficr  []byte
	qspi  []byte

	halted     bool
	protected  bool
	nvmcConfig uint32
	regs       map[uint32]uint32 // peripheral registers without side effects
	cpuRegs    [32]uint32
	dcrdr      uint32

	resets     int
	closed     bool
	selectedAP uint8
}

func newSimTransport() *simTransport {
	t := &simTransport{
		serial: simSerialNumber,
		idcode: idCodeCortexM4,
		flash:  filled(simFlashSize, 0xFF),
		uicr:   filled(simUICRSize, 0xFF),
		ram:    make([]byte, simRAMSize),
		ficr:   filled(0x1000, 0xFF),
		qspi:   filled(simQspiSize, 0xFF),
		regs:   map[uint32]uint32{},
	}

	// FICR of an nRF52840 with 1 MiB flash and 256 KiB RAM.
	t.ficrWord(nrf52FicrCodePageSize, simPageSize)
	t.ficrWord(nrf52FicrCodeSize, simFlashSize/simPageSize)
	t.ficrWord(nrf52FicrInfoPart, 0x52840)
	t.ficrWord(nrf52FicrInfoVariant, 0x41414330) // "AAC0"
	t.ficrWord(nrf52FicrInfoRam, simRAMSize/1024)
	t.ficrWord(nrf52FicrInfoFlash, simFlashSize/1024)

	return t
}

func filled(size int, b byte) []byte {
	buf := make([]byte, size)
	for i := range buf {
		buf[i] = b
	}
	return buf
}

func (t *simTransport) ficrWord(offset uint32, value uint32) {
	uint32ToLe(t.ficr[offset:], value)
}

func (t *simTransport) SerialNumber() uint32 { return t.serial }

func (t *simTransport) FirmwareString() (string, error) {
	return "J-Link OB-SAM3U128-V2-NordicSemi compiled Jan 12 2021 V1.0", nil
}

func (t *simTransport) SetSpeed(khz uint32) (uint32, error) {
	if khz < SwdMinSpeedKHz {
		khz = SwdMinSpeedKHz
	}
	if khz > SwdMaxSpeedKHz {
		khz = SwdMaxSpeedKHz
	}
	return khz, nil
}

func (t *simTransport) ResetProbe() error      { return nil }
func (t *simTransport) ReplaceFirmware() error { return newError(NotImplemented, "sim") }

func (t *simTransport) ReadDPRegister(reg uint8) (uint32, error) {
	switch reg {
	case dpRegIDCode:
		return t.idcode, nil
	case dpRegCtrlStat:
		// Power-up acks come back immediately.
		return dpCtrlStatCSysPwrUpAck | dpCtrlStatCDbgPwrUpAck, nil
	}
	return 0, nil
}

func (t *simTransport) WriteDPRegister(reg uint8, value uint32) error { return nil }

func (t *simTransport) ReadAPRegister(ap uint8, reg uint8) (uint32, error) {
	switch ap {
	case 0:
		if reg == apRegIDR {
			return 0x24770011, nil
		}
	case nrf52CtrlAP:
		switch reg {
		case ctrlApRegIDR:
			return 0x02880000, nil
		case ctrlApRegApprotectStatus:
			if t.protected {
				return 0, nil
			}
			return 1, nil
		case ctrlApRegEraseAllStatus:
			return 0, nil
		case ctrlApRegEraseProtect:
			return 1, nil
		}
	}
	return 0, nil
}

func (t *simTransport) WriteAPRegister(ap uint8, reg uint8, value uint32) error {
	if ap == nrf52CtrlAP && reg == ctrlApRegEraseAll && value == 1 {
		copy(t.flash, filled(len(t.flash), 0xFF))
		copy(t.uicr, filled(len(t.uicr), 0xFF))
		t.protected = false
	}
	return nil
}

func (t *simTransport) SelectAP(ap uint8) error {
	t.selectedAP = ap
	return nil
}

// memRange locates addr inside one of the modeled memories.
func (t *simTransport) memRange(addr uint32) ([]byte, uint32, bool) {
	switch {
	case addr < simFlashSize:
		return t.flash, addr, true
	case addr >= simFICRBase && addr < simFICRBase+0x1000:
		return t.ficr, addr - simFICRBase, true
	case addr >= simUICRBase && addr < simUICRBase+simUICRSize:
		return t.uicr, addr - simUICRBase, true
	case addr >= simRAMBase && addr < simRAMBase+simRAMSize:
		return t.ram, addr - simRAMBase, true
	}
	return nil, 0, false
}

func (t *simTransport) ReadMemory(addr uint32, buf []byte) error {
	if t.protected && addr < simRAMBase+simRAMSize {
		return newError(TransportError, "sim: ahb-ap is locked out")
	}

	// XIP window: bus reads come straight from the external flash array.
	if addr >= nrf52XipBase && addr < nrf52XipBase+simQspiSize {
		offset := addr - nrf52XipBase
		if int(offset)+len(buf) > len(t.qspi) {
			return fmt.Errorf("sim: read beyond external flash at 0x%08x", addr)
		}
		copy(buf, t.qspi[offset:])
		return nil
	}

	if mem, offset, ok := t.memRange(addr); ok {
		if int(offset)+len(buf) > len(mem) {
			return fmt.Errorf("sim: read beyond memory at 0x%08x", addr)
		}
		copy(buf, mem[offset:])
		return nil
	}

	// Register space reads are word sized.
	for i := 0; i+4 <= len(buf); i += 4 {
		uint32ToLe(buf[i:], t.readReg(addr+uint32(i)))
	}
	return nil
}

func (t *simTransport) readReg(addr uint32) uint32 {
	switch addr {
	case simNVMCBase + nvmcRegReady, simNVMCBase + nvmcRegReadyNext:
		return 1
	case simNVMCBase + nvmcRegConfig:
		return t.nvmcConfig
	case simQSPIBase + qspiRegEventsReady:
		return 1
	case coreRegDHCSR:
		dhcsr := uint32(dhcsrCDebugEn | dhcsrSRegRdy)
		if t.halted {
			dhcsr |= dhcsrSHalt
		}
		return dhcsr
	case coreRegDCRDR:
		return t.dcrdr
	}
	return t.regs[addr]
}

func (t *simTransport) WriteMemory(addr uint32, data []byte) error {
	if mem, offset, ok := t.memRange(addr); ok {
		if int(offset)+len(data) > len(mem) {
			return fmt.Errorf("sim: write beyond memory at 0x%08x", addr)
		}
		// Flash and UICR writes only clear bits, and only with write
		// enable set; RAM and FICR-as-memory writes are plain.
		nonVolatile := (addr < simFlashSize) ||
			(addr >= simUICRBase && addr < simUICRBase+simUICRSize)
		if nonVolatile {
			if t.nvmcConfig != nvmcConfigWen {
				return newError(TransportError, "sim: flash write without write enable")
			}
			for i, b := range data {
				mem[offset+uint32(i)] &= b
			}
			return nil
		}
		copy(mem[offset:], data)
		return nil
	}

	for i := 0; i+4 <= len(data); i += 4 {
		if err := t.writeReg(addr+uint32(i), leToUint32(data[i:])); err != nil {
			return err
		}
	}
	return nil
}

func (t *simTransport) writeReg(addr uint32, value uint32) error {
	switch addr {
	case simNVMCBase + nvmcRegConfig:
		t.nvmcConfig = value
		return nil
	case simNVMCBase + nvmcRegErasePage:
		if t.nvmcConfig != nvmcConfigEen {
			return newError(TransportError, "sim: erase without erase enable")
		}
		if value%simPageSize != 0 || value >= simFlashSize {
			return fmt.Errorf("sim: bad erase page 0x%08x", value)
		}
		copy(t.flash[value:value+simPageSize], filled(simPageSize, 0xFF))
		return nil
	case simNVMCBase + nvmcRegEraseAll:
		if t.nvmcConfig != nvmcConfigEen {
			return newError(TransportError, "sim: erase without erase enable")
		}
		copy(t.flash, filled(len(t.flash), 0xFF))
		return nil
	case simNVMCBase + nvmcRegEraseUicr:
		if t.nvmcConfig != nvmcConfigEen {
			return newError(TransportError, "sim: erase without erase enable")
		}
		copy(t.uicr, filled(len(t.uicr), 0xFF))
		return nil
	case coreRegDCRSR:
		sel := value &^ uint32(dcrsrWriteBit)
		if value&dcrsrWriteBit != 0 {
			t.cpuRegs[sel] = t.dcrdr
		} else {
			t.dcrdr = t.cpuRegs[sel]
		}
		return nil
	case coreRegDCRDR:
		t.dcrdr = value
		return nil
	case coreRegAIRCR:
		if value&aircrSysReset != 0 {
			t.resets++
			t.halted = false
		}
		return nil
	case simQSPIBase + qspiRegTasksReadStart:
		return t.qspiDMA(true)
	case simQSPIBase + qspiRegTasksWriteStart:
		return t.qspiDMA(false)
	case simQSPIBase + qspiRegTasksEraseStart:
		return t.qspiErase()
	}

	t.regs[addr] = value
	return nil
}

// qspiDMA models the read/write data pump between external flash and RAM.
func (t *simTransport) qspiDMA(read bool) error {
	if read {
		src := t.regs[simQSPIBase+qspiRegReadSrc]
		dst := t.regs[simQSPIBase+qspiRegReadDst]
		cnt := t.regs[simQSPIBase+qspiRegReadCnt]
		if int(src+cnt) > len(t.qspi) || dst < simRAMBase {
			return fmt.Errorf("sim: bad qspi read 0x%x+0x%x", src, cnt)
		}
		copy(t.ram[dst-simRAMBase:], t.qspi[src:src+cnt])
		return nil
	}

	src := t.regs[simQSPIBase+qspiRegWriteSrc]
	dst := t.regs[simQSPIBase+qspiRegWriteDst]
	cnt := t.regs[simQSPIBase+qspiRegWriteCnt]
	if int(dst+cnt) > len(t.qspi) || src < simRAMBase {
		return fmt.Errorf("sim: bad qspi write 0x%x+0x%x", dst, cnt)
	}
	for i := uint32(0); i < cnt; i++ {
		t.qspi[dst+i] &= t.ram[src-simRAMBase+i]
	}
	return nil
}

func (t *simTransport) qspiErase() error {
	ptr := t.regs[simQSPIBase+qspiRegErasePtr]
	length := t.regs[simQSPIBase+qspiRegEraseLen]

	var size uint32
	switch QspiEraseLen(length) {
	case QspiErase4KB:
		size = 4 * 1024
	case QspiErase32KB:
		size = 32 * 1024
	case QspiErase64KB:
		size = 64 * 1024
	case QspiEraseAll:
		copy(t.qspi, filled(len(t.qspi), 0xFF))
		return nil
	default:
		return fmt.Errorf("sim: bad qspi erase len %d", length)
	}

	if int(ptr+size) > len(t.qspi) {
		return fmt.Errorf("sim: qspi erase beyond flash at 0x%x", ptr)
	}
	copy(t.qspi[ptr:ptr+size], filled(int(size), 0xFF))
	return nil
}

func (t *simTransport) Halt() error {
	t.halted = true
	return nil
}

func (t *simTransport) Run() error {
	t.halted = false
	return nil
}

func (t *simTransport) Step() error { return nil }

func (t *simTransport) CoreState() (CoreState, error) {
	if t.halted {
		return CoreHalted, nil
	}
	return CoreRunning, nil
}

func (t *simTransport) AssertReset(assert bool) error {
	if !assert {
		t.resets++
	}
	return nil
}

func (t *simTransport) TargetVoltage() (uint32, error) { return 3000, nil }

func (t *simTransport) Close() error {
	t.closed = true
	return nil
}

// simProvider hands out one simTransport.
type simProvider struct {
	transport *simTransport
}

func newSimProvider() *simProvider {
	return &simProvider{transport: newSimTransport()}
}

func (p *simProvider) Name() string { return "sim" }

func (p *simProvider) Version() (uint32, uint32, byte) { return 7, 58, 'b' }

func (p *simProvider) Enumerate() ([]uint32, error) {
	return []uint32{p.transport.serial}, nil
}

func (p *simProvider) Open(serial uint32) (ProbeTransport, error) {
	if serial != p.transport.serial {
		return nil, errorf(NoProbeConnected, "no probe with serial %d", serial)
	}
	return p.transport, nil
}

func (p *simProvider) Close() error { return nil }

// openSimSession is the shared test fixture: a library over the simulated
// probe plus an attached session.
func openSimSession(t testingT) (*Library, *Session, *simTransport) {
	t.Helper()

	provider := newSimProvider()
	lib, err := OpenLibrary(&LibraryConfig{Provider: provider})
	if err != nil {
		t.Fatalf("OpenLibrary: %v", err)
	}

	session, err := lib.OpenSession(0, 0)
	if err != nil {
		lib.Close()
		t.Fatalf("OpenSession: %v", err)
	}

	return lib, session, provider.transport
}

// testingT is the subset of *testing.T the fixtures need.
type testingT interface {
	Helper()
	Fatalf(format string, args ...interface{})
}
