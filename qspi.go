// Copyright 2021 the nrfprog authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package nrfprog

import (
	"strings"

	"github.com/go-ini/ini"
	"github.com/sirupsen/logrus"
)

// QspiReadMode selects the flash read opcode and line count.
type QspiReadMode int

const (
	QspiFastRead QspiReadMode = 0
	QspiRead2O   QspiReadMode = 1
	QspiRead2IO  QspiReadMode = 2
	QspiRead4O   QspiReadMode = 3
	QspiRead4IO  QspiReadMode = 4
)

// QspiWriteMode selects the page-program opcode and line count.
type QspiWriteMode int

const (
	QspiPP    QspiWriteMode = 0
	QspiPP2O  QspiWriteMode = 1
	QspiPP4O  QspiWriteMode = 2
	QspiPP4IO QspiWriteMode = 3
)

// QspiAddressMode selects 24 or 32 bit flash addressing.
type QspiAddressMode int

const (
	QspiAddress24Bit QspiAddressMode = 0
	QspiAddress32Bit QspiAddressMode = 1
)

// qspiAddress24Max is the last byte reachable with 24-bit addressing.
const qspiAddress24Max = 0x00FFFFFF

// QspiFrequency is the SCK divider setting. The values are the IFCONFIG1
// divider codes, not MHz.
type QspiFrequency int

const (
	QspiFreqM2  QspiFrequency = 15
	QspiFreqM4  QspiFrequency = 7
	QspiFreqM8  QspiFrequency = 3
	QspiFreqM16 QspiFrequency = 1
	QspiFreqM32 QspiFrequency = 0
)

// QspiSpiMode is the SPI clock phase/polarity pair.
type QspiSpiMode int

const (
	QspiMode0 QspiSpiMode = 0
	QspiMode1 QspiSpiMode = 1
)

// QspiPPSize is the page-program burst size.
type QspiPPSize int

const (
	QspiPage256 QspiPPSize = 0
	QspiPage512 QspiPPSize = 1
)

// QspiEraseLen selects how much an erase covers. The values are the
// peripheral's ERASE.LEN codes.
type QspiEraseLen uint32

const (
	QspiErase4KB  QspiEraseLen = 0
	QspiErase64KB QspiEraseLen = 1
	QspiEraseAll  QspiEraseLen = 2
	QspiErase32KB QspiEraseLen = 3
)

// QspiPageSize is the erase granularity the memory map advertises for XIP
// regions; it matches QspiErase4KB.
const QspiPageSize = 4096

// QspiPin is one GPIO assignment.
type QspiPin struct {
	Pin  uint32
	Port uint32
}

func (p QspiPin) psel() uint32 {
	return p.Port<<5 | p.Pin
}

// QspiInitParams configures the QSPI peripheral and the attached flash.
// DefaultQspiInitParams matches the external flash of the usual development
// kits.
type QspiInitParams struct {
	MemSize     uint32
	ReadMode    QspiReadMode
	WriteMode   QspiWriteMode
	AddressMode QspiAddressMode
	Frequency   QspiFrequency
	SpiMode     QspiSpiMode
	SckDelay    uint32
	PPSize      QspiPPSize

	Sck QspiPin
	Csn QspiPin
	Io0 QspiPin
	Io1 QspiPin
	Io2 QspiPin
	Io3 QspiPin

	// RetainRam snapshots the scratch RAM the engine borrows for data
	// staging and restores it on deinit.
	RetainRam bool
}

// DefaultQspiInitParams is the MX25R6435F wiring of the nRF52840 DK.
func DefaultQspiInitParams() QspiInitParams {
	return QspiInitParams{
		MemSize:     0x800000,
		ReadMode:    QspiRead4IO,
		WriteMode:   QspiPP4IO,
		AddressMode: QspiAddress24Bit,
		Frequency:   QspiFreqM16,
		SpiMode:     QspiMode0,
		SckDelay:    0x80,
		PPSize:      QspiPage256,
		Sck:         QspiPin{Pin: 19},
		Csn:         QspiPin{Pin: 17},
		Io0:         QspiPin{Pin: 20},
		Io1:         QspiPin{Pin: 21},
		Io2:         QspiPin{Pin: 22},
		Io3:         QspiPin{Pin: 23},
	}
}

// qspiIniKeys is the complete key set of the classic ini format. Anything
// else in the file is most likely a typo of one of these, so the loader
// fails instead of silently keeping the default.
var qspiIniKeys = map[string]bool{
	"MemSize": true, "ReadMode": true, "WriteMode": true, "AddressMode": true,
	"Frequency": true, "SpiMode": true, "SckDelay": true, "PPSize": true,
	"RetainRam": true,
	"SckPin":    true, "SckPort": true, "CsnPin": true, "CsnPort": true,
	"Dio0Pin": true, "Dio0Port": true, "Dio1Pin": true, "Dio1Port": true,
	"Dio2Pin": true, "Dio2Port": true, "Dio3Pin": true, "Dio3Port": true,
}

// LoadQspiIni reads init parameters from the classic ini format, starting
// from the defaults so partial files work.
func LoadQspiIni(path string) (QspiInitParams, error) {
	params := DefaultQspiInitParams()

	file, err := ini.Load(path)
	if err != nil {
		return params, wrapError(FileOperationFailed, err, "loading qspi ini")
	}

	section := file.Section("DEFAULT_CONFIGURATION")

	for _, name := range section.KeyStrings() {
		if !qspiIniKeys[name] {
			return params, errorf(InvalidParameter, "unknown qspi ini key %q", name)
		}
	}

	if key, err := section.GetKey("MemSize"); err == nil {
		if v, err := key.Uint(); err == nil {
			params.MemSize = uint32(v)
		}
	}
	if key, err := section.GetKey("SckDelay"); err == nil {
		if v, err := key.Uint(); err == nil {
			params.SckDelay = uint32(v)
		}
	}

	readModes := map[string]QspiReadMode{
		"FASTREAD": QspiFastRead, "READ2O": QspiRead2O, "READ2IO": QspiRead2IO,
		"READ4O": QspiRead4O, "READ4IO": QspiRead4IO,
	}
	if mode, ok := readModes[strings.ToUpper(section.Key("ReadMode").String())]; ok {
		params.ReadMode = mode
	}

	writeModes := map[string]QspiWriteMode{
		"PP": QspiPP, "PP2O": QspiPP2O, "PP4O": QspiPP4O, "PP4IO": QspiPP4IO,
	}
	if mode, ok := writeModes[strings.ToUpper(section.Key("WriteMode").String())]; ok {
		params.WriteMode = mode
	}

	switch strings.ToUpper(section.Key("AddressMode").String()) {
	case "BIT24":
		params.AddressMode = QspiAddress24Bit
	case "BIT32":
		params.AddressMode = QspiAddress32Bit
	}

	frequencies := map[string]QspiFrequency{
		"M2": QspiFreqM2, "M4": QspiFreqM4, "M8": QspiFreqM8,
		"M16": QspiFreqM16, "M32": QspiFreqM32,
	}
	if freq, ok := frequencies[strings.ToUpper(section.Key("Frequency").String())]; ok {
		params.Frequency = freq
	}

	switch strings.ToUpper(section.Key("SpiMode").String()) {
	case "MODE0":
		params.SpiMode = QspiMode0
	case "MODE1":
		params.SpiMode = QspiMode1
	}

	switch strings.ToUpper(section.Key("PPSize").String()) {
	case "PAGE256":
		params.PPSize = QspiPage256
	case "PAGE512":
		params.PPSize = QspiPage512
	}

	pins := map[string]*QspiPin{
		"Sck": &params.Sck, "Csn": &params.Csn,
		"Dio0": &params.Io0, "Dio1": &params.Io1,
		"Dio2": &params.Io2, "Dio3": &params.Io3,
	}
	for name, pin := range pins {
		if key, err := section.GetKey(name + "Pin"); err == nil {
			if v, err := key.Uint(); err == nil {
				pin.Pin = uint32(v)
			}
		}
		if key, err := section.GetKey(name + "Port"); err == nil {
			if v, err := key.Uint(); err == nil {
				pin.Port = uint32(v)
			}
		}
	}

	if key, err := section.GetKey("RetainRam"); err == nil {
		if v, err := key.Bool(); err == nil {
			params.RetainRam = v
		}
	}

	return params, nil
}

// qspiAddresses is implemented by family drivers whose device carries a
// QSPI peripheral.
type qspiAddresses interface {
	QspiAddresses() (base uint32, xipBase uint32)
}

func (d *nrf52Driver) QspiAddresses() (uint32, uint32) {
	return nrf52QspiBase, nrf52XipBase
}

func (d *nrf53Driver) QspiAddresses() (uint32, uint32) {
	return nrf53QspiBase, nrf53XipBase
}

// Scratch RAM the engine stages transfers through. The offset skips the
// bottom of RAM where early-boot state tends to live.
const (
	qspiScratchOffset = 0x1000
	qspiScratchSize   = 4096
)

// QspiEngine drives the QSPI peripheral: reads, page programs and erases of
// the external flash, plus custom instructions for vendor commands. Data
// moves through a scratch buffer in target RAM because the peripheral DMA
// only reaches data RAM.
type QspiEngine struct {
	s *Session

	base    uint32
	xipBase uint32
	params  QspiInitParams

	scratchAddr uint32
	retained    []byte

	log *logrus.Entry
}

// QspiInit activates the QSPI peripheral with the given parameters. Only
// devices with the peripheral accept it.
func (s *Session) QspiInit(params QspiInitParams) error {
	if err := s.requireHalted(); err != nil {
		return err
	}
	if s.qspi != nil {
		return newError(InvalidOperation, "qspi is already initialized")
	}
	if !s.driver.QspiCapable() {
		return errorf(InvalidDeviceForOperation, "%s has no qspi peripheral", s.info.Name)
	}

	addrs, ok := s.driver.(qspiAddresses)
	if !ok {
		return newError(InternalError, "driver reports qspi but carries no addresses")
	}
	base, xipBase := addrs.QspiAddresses()

	ram := s.memmap.FindKind(RegionRAM)
	if ram == nil || ram.Length < qspiScratchOffset+qspiScratchSize {
		return newError(InvalidDeviceForOperation, "not enough ram for the qspi scratch buffer")
	}

	engine := &QspiEngine{
		s:           s,
		base:        base,
		xipBase:     xipBase,
		params:      params,
		scratchAddr: ram.Start + qspiScratchOffset,
		log:         s.log.WithField("component", "qspi"),
	}

	if params.RetainRam {
		snapshot, err := s.ReadMemory(engine.scratchAddr, qspiScratchSize)
		if err != nil {
			return err
		}
		engine.retained = snapshot
	}

	if err := engine.activate(); err != nil {
		return err
	}

	s.qspi = engine
	s.log.Info("qspi initialized")
	return nil
}

// Qspi returns the active engine, or nil before QspiInit.
func (s *Session) Qspi() *QspiEngine {
	return s.qspi
}

// QspiDeinit deactivates the peripheral and restores the scratch RAM.
func (s *Session) QspiDeinit() error {
	if s.qspi == nil {
		return newError(InvalidOperation, "qspi is not initialized")
	}
	err := s.qspi.Deinit()
	s.qspi = nil
	return err
}

func (e *QspiEngine) reg(offset uint32) uint32 {
	return e.base + offset
}

func (e *QspiEngine) activate() error {
	p := e.params

	for reg, pin := range map[uint32]QspiPin{
		qspiRegPselSck: p.Sck, qspiRegPselCsn: p.Csn,
		qspiRegPselIo0: p.Io0, qspiRegPselIo1: p.Io1,
		qspiRegPselIo2: p.Io2, qspiRegPselIo3: p.Io3,
	} {
		if err := e.s.writeWord(e.reg(reg), pin.psel()); err != nil {
			return err
		}
	}

	ifconfig0 := uint32(p.ReadMode) | uint32(p.WriteMode)<<3 |
		uint32(p.AddressMode)<<6 | uint32(p.PPSize)<<12
	if err := e.s.writeWord(e.reg(qspiRegIfconfig0), ifconfig0); err != nil {
		return err
	}

	ifconfig1 := p.SckDelay&0xFF | uint32(p.SpiMode)<<25 | uint32(p.Frequency)<<28
	if err := e.s.writeWord(e.reg(qspiRegIfconfig1), ifconfig1); err != nil {
		return err
	}

	if err := e.s.writeWord(e.reg(qspiRegEnable), 1); err != nil {
		return err
	}
	if err := e.s.writeWord(e.reg(qspiRegTasksActivate), 1); err != nil {
		return err
	}
	return e.waitReady()
}

// Deinit deactivates the peripheral and puts the borrowed RAM back.
func (e *QspiEngine) Deinit() error {
	if err := e.s.writeWord(e.reg(qspiRegTasksDeactivate), 1); err != nil {
		return err
	}
	if err := e.s.writeWord(e.reg(qspiRegEnable), 0); err != nil {
		return err
	}

	if e.retained != nil {
		if err := e.s.transport.WriteMemory(e.scratchAddr, e.retained); err != nil {
			return err
		}
		e.retained = nil
	}

	e.log.Info("qspi deactivated")
	return nil
}

func (e *QspiEngine) waitReady() error {
	for i := 0; i < qspiReadyRetries; i++ {
		ready, err := e.s.readWord(e.reg(qspiRegEventsReady))
		if err != nil {
			return err
		}
		if ready != 0 {
			return e.s.writeWord(e.reg(qspiRegEventsReady), 0)
		}
	}
	return newError(Timeout, "qspi operation did not complete")
}

func (e *QspiEngine) checkOffset(offset uint32, length uint32) error {
	end := offset + length
	if end < offset || end > e.params.MemSize {
		return errorf(InvalidParameter, "offset 0x%x+0x%x exceeds the %d byte flash",
			offset, length, e.params.MemSize)
	}
	if e.params.AddressMode == QspiAddress24Bit && end-1 > qspiAddress24Max {
		return errorf(InvalidParameter, "offset 0x%x needs 32-bit addressing", end-1)
	}
	return nil
}

// Read copies length bytes from flash offset into memory, staged through
// the scratch buffer.
func (e *QspiEngine) Read(offset uint32, length uint32) ([]byte, error) {
	if err := e.checkOffset(offset, length); err != nil {
		return nil, err
	}

	out := make([]byte, 0, length)
	for length > 0 {
		chunk := minU32(length, qspiScratchSize)

		if err := e.s.writeWord(e.reg(qspiRegReadSrc), offset); err != nil {
			return nil, err
		}
		if err := e.s.writeWord(e.reg(qspiRegReadDst), e.scratchAddr); err != nil {
			return nil, err
		}
		if err := e.s.writeWord(e.reg(qspiRegReadCnt), chunk); err != nil {
			return nil, err
		}
		if err := e.s.writeWord(e.reg(qspiRegTasksReadStart), 1); err != nil {
			return nil, err
		}
		if err := e.waitReady(); err != nil {
			return nil, err
		}

		buf := make([]byte, chunk)
		if err := e.s.transport.ReadMemory(e.scratchAddr, buf); err != nil {
			return nil, err
		}
		out = append(out, buf...)

		offset += chunk
		length -= chunk
	}

	return out, nil
}

// Write programs data at the flash offset, staged through the scratch
// buffer. The flash must be erased; QSPI writes only clear bits.
func (e *QspiEngine) Write(offset uint32, data []byte) error {
	if err := e.checkOffset(offset, uint32(len(data))); err != nil {
		return err
	}

	for len(data) > 0 {
		chunk := minU32(uint32(len(data)), qspiScratchSize)

		if err := e.s.transport.WriteMemory(e.scratchAddr, data[:chunk]); err != nil {
			return err
		}
		if err := e.s.writeWord(e.reg(qspiRegWriteSrc), e.scratchAddr); err != nil {
			return err
		}
		if err := e.s.writeWord(e.reg(qspiRegWriteDst), offset); err != nil {
			return err
		}
		if err := e.s.writeWord(e.reg(qspiRegWriteCnt), chunk); err != nil {
			return err
		}
		if err := e.s.writeWord(e.reg(qspiRegTasksWriteStart), 1); err != nil {
			return err
		}
		if err := e.waitReady(); err != nil {
			return err
		}

		data = data[chunk:]
		offset += chunk
	}

	return nil
}

// Erase clears flash starting at offset. offset must be aligned to the
// erase size; QspiEraseAll ignores it.
func (e *QspiEngine) Erase(offset uint32, length QspiEraseLen) error {
	align := uint32(0)
	switch length {
	case QspiErase4KB:
		align = 4 * 1024
	case QspiErase32KB:
		align = 32 * 1024
	case QspiErase64KB:
		align = 64 * 1024
	case QspiEraseAll:
		offset = 0
	default:
		return errorf(InvalidParameter, "unknown erase length %d", length)
	}

	if align != 0 {
		if offset%align != 0 {
			return errorf(InvalidParameter, "erase offset 0x%x not aligned to %d", offset, align)
		}
		if err := e.checkOffset(offset, align); err != nil {
			return err
		}
	}

	if err := e.s.writeWord(e.reg(qspiRegErasePtr), offset); err != nil {
		return err
	}
	if err := e.s.writeWord(e.reg(qspiRegEraseLen), uint32(length)); err != nil {
		return err
	}
	if err := e.s.writeWord(e.reg(qspiRegTasksEraseStart), 1); err != nil {
		return err
	}
	return e.waitReady()
}

// EraseAll wipes the whole external flash.
func (e *QspiEngine) EraseAll() error {
	e.s.reportProgress("erasing external flash")
	return e.Erase(0, QspiEraseAll)
}

// mappedOffset translates an XIP address into a flash offset.
func (e *QspiEngine) mappedOffset(addr uint32) (uint32, error) {
	if addr < e.xipBase {
		return 0, errorf(InvalidParameter, "address 0x%08x is below the xip window", addr)
	}
	return addr - e.xipBase, nil
}

// WriteMapped programs data at an XIP address.
func (e *QspiEngine) WriteMapped(addr uint32, data []byte) error {
	offset, err := e.mappedOffset(addr)
	if err != nil {
		return err
	}
	return e.Write(offset, data)
}

// ReadMapped reads from an XIP address through the peripheral rather than
// the memory bus.
func (e *QspiEngine) ReadMapped(addr uint32, length uint32) ([]byte, error) {
	offset, err := e.mappedOffset(addr)
	if err != nil {
		return nil, err
	}
	return e.Read(offset, length)
}

// EraseMapped erases at an XIP address.
func (e *QspiEngine) EraseMapped(addr uint32, length QspiEraseLen) error {
	offset, err := e.mappedOffset(addr)
	if err != nil {
		return err
	}
	return e.Erase(offset, length)
}

// CustomInstruction issues a vendor opcode with up to eight data bytes in
// each direction through the CINSTR registers.
func (e *QspiEngine) CustomInstruction(opcode byte, txData []byte) ([]byte, error) {
	if len(txData) > 8 {
		return nil, errorf(InvalidParameter, "custom instruction data limited to 8 bytes, got %d", len(txData))
	}

	padded := make([]byte, 8)
	copy(padded, txData)
	if err := e.s.writeWord(e.reg(qspiRegCinstrDat0), leToUint32(padded[0:])); err != nil {
		return nil, err
	}
	if err := e.s.writeWord(e.reg(qspiRegCinstrDat1), leToUint32(padded[4:])); err != nil {
		return nil, err
	}

	// CINSTRCONF: opcode, transfer length (opcode + data bytes), and the
	// start bit. Writing it kicks the transfer off.
	conf := uint32(opcode) | uint32(len(txData)+1)<<8 | 1<<12
	if err := e.s.writeWord(e.reg(qspiRegCinstrConf), conf); err != nil {
		return nil, err
	}
	if err := e.waitReady(); err != nil {
		return nil, err
	}

	rx := make([]byte, 8)
	dat0, err := e.s.readWord(e.reg(qspiRegCinstrDat0))
	if err != nil {
		return nil, err
	}
	dat1, err := e.s.readWord(e.reg(qspiRegCinstrDat1))
	if err != nil {
		return nil, err
	}
	uint32ToLe(rx[0:], dat0)
	uint32ToLe(rx[4:], dat1)

	return rx[:len(txData)], nil
}
