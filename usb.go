// Copyright 2021 the nrfprog authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package nrfprog

import (
	"strconv"

	"github.com/google/gousb"
	"github.com/sirupsen/logrus"
)

// Probe commands understood by the SEGGER firmware. Only the subset the
// library needs is listed.
const (
	emuCmdVersion        = 0x01
	emuCmdSetSpeed       = 0x05
	emuCmdGetState       = 0x07
	emuCmdSelectIf       = 0xC7
	emuCmdHwJtag3        = 0xCF
	emuCmdGetMaxMemBlock = 0xD4
	emuCmdHwReset0       = 0xDC
	emuCmdHwReset1       = 0xDD
	emuCmdGetCaps        = 0xE8
	emuCmdWriteMem       = 0xF4
	emuCmdReadMem        = 0xF5
)

const (
	selectIfSWD = 1

	// SWD transfer acknowledge values, three bits LSB first.
	swdAckOK    = 0x1
	swdAckWait  = 0x2
	swdAckFault = 0x4

	swdWaitRetries = 80

	// Conservative bulk transfer chunk; probes report larger limits via
	// emuCmdGetMaxMemBlock but every hardware revision handles this one.
	usbMemChunk = 1024
)

var probeVendorIDs = []gousb.ID{seggerVendorID}

// usbProvider is the built-in TransportProvider: it drives SEGGER probes
// directly over USB bulk endpoints. The vendor install is still located so
// its version can satisfy the minimum-version gate.
type usbProvider struct {
	ctx  *gousb.Context
	path string

	major, minor uint32
	revision     byte

	log *logrus.Entry
}

func newUSBProvider(path string) (*usbProvider, error) {
	resolved, major, minor, err := findVendorLibrary(path)
	if err != nil {
		return nil, err
	}

	ctx := gousb.NewContext()

	return &usbProvider{
		ctx:      ctx,
		path:     resolved,
		major:    major,
		minor:    minor,
		revision: 'a',
		log:      logger.WithField("component", "usb"),
	}, nil
}

func (p *usbProvider) Name() string {
	return p.path
}

func (p *usbProvider) Version() (uint32, uint32, byte) {
	return p.major, p.minor, p.revision
}

func (p *usbProvider) Close() error {
	return p.ctx.Close()
}

// Enumerate opens every probe briefly to read its serial descriptor and
// releases them again before returning.
func (p *usbProvider) Enumerate() ([]uint32, error) {
	devices, err := p.ctx.OpenDevices(func(desc *gousb.DeviceDesc) bool {
		return idExists(probeVendorIDs, desc.Vendor)
	})
	if err != nil && len(devices) == 0 {
		return nil, wrapError(TransportError, err, "usb device scan failed")
	}

	var serials []uint32
	for _, dev := range devices {
		serial, err := deviceSerial(dev)
		if err != nil {
			p.log.Warnf("skipping probe without readable serial: %v", err)
		} else {
			serials = append(serials, serial)
		}
		dev.Close()

		if len(serials) == probeSerialsMax {
			break
		}
	}

	p.log.Debugf("found %d probes", len(serials))
	return serials, nil
}

func (p *usbProvider) Open(serial uint32) (ProbeTransport, error) {
	devices, err := p.ctx.OpenDevices(func(desc *gousb.DeviceDesc) bool {
		return idExists(probeVendorIDs, desc.Vendor)
	})
	if err != nil && len(devices) == 0 {
		return nil, wrapError(TransportError, err, "usb device scan failed")
	}

	var match *gousb.Device
	for _, dev := range devices {
		if match == nil {
			if got, err := deviceSerial(dev); err == nil && got == serial {
				match = dev
				continue
			}
		}
		dev.Close()
	}

	if match == nil {
		return nil, errorf(NoProbeConnected, "no probe with serial %d connected", serial)
	}

	probe, err := newUSBProbe(match, serial, p.log)
	if err != nil {
		match.Close()
		return nil, err
	}

	return probe, nil
}

func deviceSerial(dev *gousb.Device) (uint32, error) {
	str, err := dev.SerialNumber()
	if err != nil {
		return 0, wrapError(TransportError, err, "serial descriptor read failed")
	}

	serial, err := strconv.ParseUint(str, 10, 32)
	if err != nil {
		return 0, errorf(TransportError, "malformed probe serial %q", str)
	}

	return uint32(serial), nil
}

// usbProbe implements ProbeTransport over one claimed probe interface. DP
// and AP registers travel as raw SWD transfers inside emuCmdHwJtag3 frames;
// bulk memory goes through the probe's own read/write commands.
type usbProbe struct {
	dev        *gousb.Device
	intf       *gousb.Interface
	intfDone   func()
	rxEndpoint *gousb.InEndpoint
	txEndpoint *gousb.OutEndpoint

	serial     uint32
	selectedAP uint8
	dpSelect   uint32

	log *logrus.Entry
}

func newUSBProbe(dev *gousb.Device, serial uint32, log *logrus.Entry) (*usbProbe, error) {
	intf, done, err := dev.DefaultInterface()
	if err != nil {
		return nil, wrapError(TransportError, err, "claiming probe interface failed")
	}

	probe := &usbProbe{
		dev:      dev,
		intf:     intf,
		intfDone: done,
		serial:   serial,
		log:      log.WithField("serial", serial),
	}

	for _, desc := range intf.Setting.Endpoints {
		if desc.TransferType != gousb.TransferTypeBulk {
			continue
		}
		if desc.Direction == gousb.EndpointDirectionIn && probe.rxEndpoint == nil {
			probe.rxEndpoint, err = intf.InEndpoint(desc.Number)
		} else if desc.Direction == gousb.EndpointDirectionOut && probe.txEndpoint == nil {
			probe.txEndpoint, err = intf.OutEndpoint(desc.Number)
		}
		if err != nil {
			done()
			return nil, wrapError(TransportError, err, "opening bulk endpoint failed")
		}
	}

	if probe.rxEndpoint == nil || probe.txEndpoint == nil {
		done()
		return nil, newError(TransportError, "probe exposes no bulk endpoint pair")
	}

	if err := probe.selectInterface(selectIfSWD); err != nil {
		done()
		return nil, err
	}

	return probe, nil
}

func (h *usbProbe) Close() error {
	h.intfDone()
	return h.dev.Close()
}

func (h *usbProbe) SerialNumber() uint32 {
	return h.serial
}

// command writes one probe command and reads back readLen response bytes.
func (h *usbProbe) command(cmd []byte, readLen int) ([]byte, error) {
	if _, err := h.txEndpoint.Write(cmd); err != nil {
		return nil, wrapError(TransportError, err, "probe command write failed")
	}

	if readLen == 0 {
		return nil, nil
	}

	buf := make([]byte, readLen)
	n, err := h.rxEndpoint.Read(buf)
	if err != nil {
		return nil, wrapError(TransportError, err, "probe response read failed")
	}

	return buf[:n], nil
}

func (h *usbProbe) selectInterface(iface byte) error {
	_, err := h.command([]byte{emuCmdSelectIf, iface}, 4)
	return err
}

func (h *usbProbe) FirmwareString() (string, error) {
	resp, err := h.command([]byte{emuCmdVersion}, 2)
	if err != nil {
		return "", err
	}
	if len(resp) < 2 {
		return "", newError(TransportError, "short firmware version response")
	}

	length := int(leToUint16(resp))
	buf := make([]byte, length)
	n, err := h.rxEndpoint.Read(buf)
	if err != nil {
		return "", wrapError(TransportError, err, "firmware string read failed")
	}

	return cString(buf[:n]), nil
}

func (h *usbProbe) SetSpeed(khz uint32) (uint32, error) {
	if khz < SwdMinSpeedKHz {
		khz = SwdMinSpeedKHz
	} else if khz > SwdMaxSpeedKHz {
		khz = SwdMaxSpeedKHz
	}

	cmd := NewBuffer(4)
	cmd.WriteByte(emuCmdSetSpeed)
	cmd.WriteUint16LE(uint16(khz))

	if _, err := h.command(cmd.Bytes(), 0); err != nil {
		return 0, err
	}

	h.log.Debugf("swd clock set to %d kHz", khz)
	return khz, nil
}

func (h *usbProbe) ResetProbe() error {
	if err := h.dev.Reset(); err != nil {
		return wrapError(TransportError, err, "usb reset failed")
	}
	return nil
}

func (h *usbProbe) ReplaceFirmware() error {
	// Firmware replacement needs the image blobs that ship inside the
	// vendor library; the direct USB path has no access to them.
	return newError(NotImplemented, "firmware replacement requires the vendor library transport")
}

func (h *usbProbe) AssertReset(assert bool) error {
	cmd := byte(emuCmdHwReset1)
	if assert {
		cmd = emuCmdHwReset0
	}
	_, err := h.command([]byte{cmd}, 0)
	return err
}

func (h *usbProbe) TargetVoltage() (uint32, error) {
	resp, err := h.command([]byte{emuCmdGetState}, 8)
	if err != nil {
		return 0, err
	}
	if len(resp) < 2 {
		return 0, newError(TransportError, "short probe state response")
	}

	return uint32(leToUint16(resp)), nil
}

// swdRequest builds the eight-bit SWD request header, LSB first on the
// wire: start, APnDP, RnW, A[2:3], parity, stop, park.
func swdRequest(ap, read bool, reg uint8) byte {
	req := byte(0x81)
	if ap {
		req |= 1 << 1
	}
	if read {
		req |= 1 << 2
	}
	req |= (reg & 0x0C) << 1

	parity := (req >> 1) ^ (req >> 2) ^ (req >> 3) ^ (req >> 4)
	req |= (parity & 1) << 5

	return req
}

func parity32(value uint32) byte {
	value ^= value >> 16
	value ^= value >> 8
	value ^= value >> 4
	value ^= value >> 2
	value ^= value >> 1
	return byte(value & 1)
}

// bitWriter assembles the direction and data byte streams of one
// emuCmdHwJtag3 frame bit by bit.
type bitWriter struct {
	dir  []byte
	data []byte
	bits int
}

func (w *bitWriter) put(output bool, bit byte) {
	idx := w.bits / 8
	if idx >= len(w.dir) {
		w.dir = append(w.dir, 0)
		w.data = append(w.data, 0)
	}
	mask := byte(1) << uint(w.bits%8)
	if output {
		w.dir[idx] |= mask
	}
	if bit != 0 {
		w.data[idx] |= mask
	}
	w.bits++
}

func (w *bitWriter) putBits(output bool, value uint32, count int) {
	for i := 0; i < count; i++ {
		w.put(output, byte(value>>uint(i))&1)
	}
}

func bitAt(buf []byte, idx int) byte {
	return (buf[idx/8] >> uint(idx%8)) & 1
}

func bitsAt(buf []byte, idx, count int) uint32 {
	var value uint32
	for i := 0; i < count; i++ {
		value |= uint32(bitAt(buf, idx+i)) << uint(i)
	}
	return value
}

// swdTransfer runs one SWD read or write transaction through the probe,
// retrying while the target answers WAIT.
func (h *usbProbe) swdTransfer(ap, read bool, reg uint8, value uint32) (uint32, error) {
	for attempt := 0; ; attempt++ {
		result, ack, err := h.swdTransferOnce(ap, read, reg, value)
		if err != nil {
			return 0, err
		}

		switch ack {
		case swdAckOK:
			return result, nil
		case swdAckWait:
			if attempt < swdWaitRetries {
				continue
			}
			return 0, newError(TransportTimeout, "swd transfer stuck in WAIT")
		case swdAckFault:
			return 0, errorf(TransportError, "swd transfer fault (reg 0x%02x)", reg)
		default:
			return 0, errorf(TransportError, "swd protocol error, ack %#x", ack)
		}
	}
}

func (h *usbProbe) swdTransferOnce(ap, read bool, reg uint8, value uint32) (uint32, uint8, error) {
	var w bitWriter

	w.putBits(true, uint32(swdRequest(ap, read, reg)), 8)
	w.put(false, 0) // turnaround
	w.putBits(false, 0, 3)

	if read {
		w.putBits(false, 0, 33) // data + parity driven by the target
		w.put(false, 0)         // turnaround back
	} else {
		w.put(false, 0) // turnaround back
		w.putBits(true, value, 32)
		w.put(true, parity32(value))
	}
	w.putBits(true, 0, 8) // idle cycles flush the transfer

	cmd := NewBuffer(4 + 2*len(w.dir))
	cmd.WriteByte(emuCmdHwJtag3)
	cmd.WriteByte(0)
	cmd.WriteUint16LE(uint16(w.bits))
	cmd.Write(w.dir)
	cmd.Write(w.data)

	respLen := len(w.data) + 1
	resp, err := h.command(cmd.Bytes(), respLen)
	if err != nil {
		return 0, 0, err
	}
	if len(resp) < respLen {
		return 0, 0, newError(TransportError, "short swd transfer response")
	}
	if status := resp[respLen-1]; status != 0 {
		return 0, 0, errorf(TransportError, "probe rejected swd transfer, status %d", status)
	}

	ack := uint8(bitsAt(resp, 9, 3))
	if !read || ack != swdAckOK {
		return 0, ack, nil
	}

	data := bitsAt(resp, 12, 32)
	if bitAt(resp, 44) != parity32(data) {
		return 0, 0, newError(TransportError, "swd read parity mismatch")
	}

	return data, ack, nil
}

func (h *usbProbe) ReadDPRegister(reg uint8) (uint32, error) {
	return h.swdTransfer(false, true, reg, 0)
}

func (h *usbProbe) WriteDPRegister(reg uint8, value uint32) error {
	_, err := h.swdTransfer(false, false, reg, value)
	return err
}

// selectAPBank points DP SELECT at the AP and register bank of the next
// AP transfer. Redundant writes are skipped.
func (h *usbProbe) selectAPBank(ap uint8, reg uint8) error {
	want := uint32(ap)<<24 | uint32(reg&0xF0)
	if h.dpSelect == want {
		return nil
	}
	if err := h.WriteDPRegister(dpRegSelect, want); err != nil {
		return err
	}
	h.dpSelect = want
	return nil
}

func (h *usbProbe) ReadAPRegister(ap uint8, reg uint8) (uint32, error) {
	if err := h.selectAPBank(ap, reg); err != nil {
		return 0, err
	}

	// AP reads are posted; RDBUFF returns the value without side effects.
	if _, err := h.swdTransfer(true, true, reg, 0); err != nil {
		return 0, err
	}
	return h.ReadDPRegister(dpRegRdBuff)
}

func (h *usbProbe) WriteAPRegister(ap uint8, reg uint8, value uint32) error {
	if err := h.selectAPBank(ap, reg); err != nil {
		return err
	}
	_, err := h.swdTransfer(true, false, reg, value)
	return err
}

func (h *usbProbe) SelectAP(ap uint8) error {
	h.selectedAP = ap
	return h.selectAPBank(ap, 0)
}

func (h *usbProbe) ReadMemory(addr uint32, buf []byte) error {
	for len(buf) > 0 {
		chunk := minU32(uint32(len(buf)), usbMemChunk)

		cmd := NewBuffer(9)
		cmd.WriteByte(emuCmdReadMem)
		cmd.WriteUint32LE(addr)
		cmd.WriteUint32LE(chunk)

		resp, err := h.command(cmd.Bytes(), int(chunk)+1)
		if err != nil {
			return err
		}
		if len(resp) < int(chunk)+1 {
			return errorf(TransportError, "short memory read at 0x%08x", addr)
		}
		if status := resp[chunk]; status != 0 {
			return errorf(TransportError, "memory read failed at 0x%08x, status %d", addr, status)
		}

		copy(buf, resp[:chunk])
		buf = buf[chunk:]
		addr += chunk
	}

	return nil
}

func (h *usbProbe) WriteMemory(addr uint32, data []byte) error {
	for len(data) > 0 {
		chunk := minU32(uint32(len(data)), usbMemChunk)

		cmd := NewBuffer(9 + int(chunk))
		cmd.WriteByte(emuCmdWriteMem)
		cmd.WriteUint32LE(addr)
		cmd.WriteUint32LE(chunk)
		cmd.Write(data[:chunk])

		resp, err := h.command(cmd.Bytes(), 1)
		if err != nil {
			return err
		}
		if len(resp) < 1 {
			return errorf(TransportError, "short memory write response at 0x%08x", addr)
		}
		if resp[0] != 0 {
			return errorf(TransportError, "memory write failed at 0x%08x, status %d", addr, resp[0])
		}

		data = data[chunk:]
		addr += chunk
	}

	return nil
}

func (h *usbProbe) readDHCSR() (uint32, error) {
	buf := make([]byte, 4)
	if err := h.ReadMemory(coreRegDHCSR, buf); err != nil {
		return 0, err
	}
	return leToUint32(buf), nil
}

func (h *usbProbe) writeDHCSR(bits uint32) error {
	buf := make([]byte, 4)
	uint32ToLe(buf, dhcsrDbgKey|bits)
	return h.WriteMemory(coreRegDHCSR, buf)
}

func (h *usbProbe) Halt() error {
	return h.writeDHCSR(dhcsrCDebugEn | dhcsrCHalt)
}

func (h *usbProbe) Run() error {
	return h.writeDHCSR(dhcsrCDebugEn)
}

// Step clears C_HALT with C_STEP set; the core executes one instruction and
// halts again.
func (h *usbProbe) Step() error {
	return h.writeDHCSR(dhcsrCDebugEn | dhcsrCStep)
}

func (h *usbProbe) CoreState() (CoreState, error) {
	dhcsr, err := h.readDHCSR()
	if err != nil {
		return CoreStateUnknown, err
	}

	if dhcsr&dhcsrSHalt != 0 {
		return CoreHalted, nil
	}
	return CoreRunning, nil
}
