// Copyright 2021 the nrfprog authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package nrfprog

import (
	"bytes"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"time"

	"github.com/tarm/serial"
)

// Serial DFU speaks the SMP management protocol over a probe VCOM: the
// image-upload command of the image group, framed in base64 packets. The
// MCUBoot serial recovery mode of application images and the UART update
// mode of the modem both talk this dialect, just at different baud rates.

const (
	McuBootDfuBaud   = 115200
	ModemUartDfuBaud = 1000000

	dfuDefaultTimeout = 30 * time.Second

	// SMP image group, image-upload command.
	smpOpWrite    = 2
	smpOpWriteRsp = 3
	smpGroupImage = 1
	smpCmdUpload  = 1
	smpHeaderSize = 8

	// Serial framing: two-byte packet markers, base64 payload, newline
	// terminated, at most 127 bytes per line on the wire.
	dfuFrameMax = 127

	// Payload bytes per upload request. Small enough that a whole request
	// fits the target's receive buffer with framing overhead included.
	dfuChunkSize = 128
)

var (
	dfuMarkerInitial = []byte{0x06, 0x09}
	dfuMarkerPartial = []byte{0x04, 0x14}
)

// DfuConfig selects the serial port and the pacing of a serial DFU.
type DfuConfig struct {
	Port     string
	Baud     int
	Timeout  time.Duration
	Progress ProgressFunc
}

func (c *DfuConfig) withDefaults(baud int) DfuConfig {
	cfg := *c
	if cfg.Baud == 0 {
		cfg.Baud = baud
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = dfuDefaultTimeout
	}
	return cfg
}

// McuBootDfu uploads an application image to a target sitting in MCUBoot
// serial recovery.
func McuBootDfu(cfg DfuConfig, image []byte) error {
	return runSerialDfu(cfg.withDefaults(McuBootDfuBaud), image)
}

// ModemUartDfu uploads a modem firmware segment through the modem's UART
// update mode.
func ModemUartDfu(cfg DfuConfig, image []byte) error {
	return runSerialDfu(cfg.withDefaults(ModemUartDfuBaud), image)
}

func runSerialDfu(cfg DfuConfig, image []byte) error {
	if len(image) == 0 {
		return newError(InvalidParameter, "dfu image is empty")
	}

	port, err := serial.OpenPort(&serial.Config{
		Name:        cfg.Port,
		Baud:        cfg.Baud,
		ReadTimeout: cfg.Timeout,
	})
	if err != nil {
		return wrapError(SerialPortError, err, "opening dfu port")
	}
	defer port.Close()

	logger.WithField("component", "dfu").Infof("uploading %d bytes via %s at %d baud",
		len(image), cfg.Port, cfg.Baud)

	sha := sha256.Sum256(image)
	deadline := time.Now().Add(cfg.Timeout)

	var seq byte
	offset := uint32(0)
	for offset < uint32(len(image)) {
		if time.Now().After(deadline) {
			return newError(Timeout, "dfu upload timed out")
		}

		chunk := minU32(uint32(len(image))-offset, dfuChunkSize)
		payload := encodeUploadRequest(offset, image[offset:offset+chunk], uint32(len(image)), sha[:])

		request := buildSmpPacket(smpOpWrite, smpGroupImage, smpCmdUpload, seq, payload)
		if err := writeDfuFrames(port, request); err != nil {
			return err
		}

		rsp, err := readDfuFrame(port)
		if err != nil {
			return err
		}

		next, err := parseUploadResponse(rsp, seq)
		if err != nil {
			return err
		}

		if next <= offset {
			return errorf(DfuError, "target did not advance past offset %d", offset)
		}
		offset = next
		seq++

		if cfg.Progress != nil {
			cfg.Progress(fmt.Sprintf("dfu %d/%d bytes", offset, len(image)))
		}
	}

	return nil
}

// encodeUploadRequest builds the CBOR map of one upload request. The image
// length and hash only travel with the first chunk.
func encodeUploadRequest(offset uint32, data []byte, total uint32, sha []byte) []byte {
	var buf bytes.Buffer

	entries := 2
	if offset == 0 {
		entries = 4
	}
	buf.WriteByte(0xA0 | byte(entries)) // map header

	cborText(&buf, "off")
	cborUint(&buf, uint64(offset))
	cborText(&buf, "data")
	cborBytes(&buf, data)

	if offset == 0 {
		cborText(&buf, "len")
		cborUint(&buf, uint64(total))
		cborText(&buf, "sha")
		cborBytes(&buf, sha)
	}

	return buf.Bytes()
}

func buildSmpPacket(op byte, group uint16, cmd byte, seq byte, payload []byte) []byte {
	packet := make([]byte, smpHeaderSize+len(payload))
	packet[0] = op
	// packet[1] flags, unused
	packet[2] = byte(len(payload) >> 8)
	packet[3] = byte(len(payload))
	packet[4] = byte(group >> 8)
	packet[5] = byte(group)
	packet[6] = seq
	packet[7] = cmd
	copy(packet[smpHeaderSize:], payload)
	return packet
}

// writeDfuFrames wraps a packet in the serial framing: a big-endian length,
// the packet, a CRC, all base64 encoded and chopped into marker-prefixed
// lines.
func writeDfuFrames(port *serial.Port, packet []byte) error {
	// The length field counts the packet plus the trailing CRC.
	total := len(packet) + 2
	body := make([]byte, 0, len(packet)+4)
	body = append(body, byte(total>>8), byte(total))
	body = append(body, packet...)

	crc := crc16CCITT(packet)
	body = append(body, byte(crc>>8), byte(crc))

	encoded := []byte(base64.StdEncoding.EncodeToString(body))

	marker := dfuMarkerInitial
	for len(encoded) > 0 {
		room := dfuFrameMax - len(marker) - 1
		run := len(encoded)
		if run > room {
			run = room
		}

		frame := append(append([]byte{}, marker...), encoded[:run]...)
		frame = append(frame, '\n')
		if _, err := port.Write(frame); err != nil {
			return wrapError(SerialPortError, err, "writing dfu frame")
		}

		encoded = encoded[run:]
		marker = dfuMarkerPartial
	}

	return nil
}

// readDfuFrame collects marker-prefixed lines until a whole response packet
// is decoded and its CRC checks out.
func readDfuFrame(port *serial.Port) ([]byte, error) {
	var encoded []byte
	var line []byte
	one := make([]byte, 1)

	for {
		n, err := port.Read(one)
		if err != nil {
			return nil, wrapError(SerialPortError, err, "reading dfu response")
		}
		if n == 0 {
			return nil, newError(Timeout, "dfu response timed out")
		}
		if one[0] != '\n' {
			line = append(line, one[0])
			continue
		}

		if len(line) < 2 {
			line = line[:0]
			continue
		}
		if !bytes.Equal(line[:2], dfuMarkerInitial) && !bytes.Equal(line[:2], dfuMarkerPartial) {
			line = line[:0]
			continue
		}
		encoded = append(encoded, line[2:]...)
		line = line[:0]

		body, err := base64.StdEncoding.DecodeString(string(encoded))
		if err != nil {
			// More lines may still be coming; partial base64 fails to
			// decode until the frame is complete.
			continue
		}
		if len(body) < 2 {
			continue
		}

		want := int(body[0])<<8 | int(body[1])
		if want < 2 || len(body)-2 < want {
			continue
		}

		packet := body[2 : 2+want-2]
		crc := uint16(body[2+want-2])<<8 | uint16(body[2+want-1])
		if crc16CCITT(packet) != crc {
			return nil, newError(DfuError, "dfu response crc mismatch")
		}
		return packet, nil
	}
}

// parseUploadResponse checks the SMP header and pulls rc and off out of the
// CBOR payload. It returns the next expected offset.
func parseUploadResponse(packet []byte, seq byte) (uint32, error) {
	if len(packet) < smpHeaderSize {
		return 0, newError(DfuError, "short dfu response")
	}
	if packet[0] != smpOpWriteRsp || packet[7] != smpCmdUpload {
		return 0, errorf(DfuError, "unexpected dfu response op %d cmd %d", packet[0], packet[7])
	}
	if packet[6] != seq {
		return 0, errorf(DfuError, "dfu response sequence %d, want %d", packet[6], seq)
	}

	fields, err := cborDecodeMap(packet[smpHeaderSize:])
	if err != nil {
		return 0, err
	}

	if rc, ok := fields["rc"]; ok && rc != 0 {
		return 0, errorf(DfuError, "target rejected upload, rc %d", rc)
	}
	off, ok := fields["off"]
	if !ok {
		return 0, newError(DfuError, "dfu response carries no offset")
	}
	return uint32(off), nil
}

func crc16CCITT(data []byte) uint16 {
	var crc uint16
	for _, b := range data {
		crc ^= uint16(b) << 8
		for i := 0; i < 8; i++ {
			if crc&0x8000 != 0 {
				crc = crc<<1 ^ 0x1021
			} else {
				crc <<= 1
			}
		}
	}
	return crc
}

// Minimal CBOR encoding, enough for the upload request map.

func cborTypeHeader(buf *bytes.Buffer, major byte, value uint64) {
	switch {
	case value < 24:
		buf.WriteByte(major<<5 | byte(value))
	case value <= 0xFF:
		buf.WriteByte(major<<5 | 24)
		buf.WriteByte(byte(value))
	case value <= 0xFFFF:
		buf.WriteByte(major<<5 | 25)
		buf.WriteByte(byte(value >> 8))
		buf.WriteByte(byte(value))
	default:
		buf.WriteByte(major<<5 | 26)
		buf.WriteByte(byte(value >> 24))
		buf.WriteByte(byte(value >> 16))
		buf.WriteByte(byte(value >> 8))
		buf.WriteByte(byte(value))
	}
}

func cborUint(buf *bytes.Buffer, value uint64) {
	cborTypeHeader(buf, 0, value)
}

func cborBytes(buf *bytes.Buffer, data []byte) {
	cborTypeHeader(buf, 2, uint64(len(data)))
	buf.Write(data)
}

func cborText(buf *bytes.Buffer, text string) {
	cborTypeHeader(buf, 3, uint64(len(text)))
	buf.WriteString(text)
}

// cborDecodeMap decodes a flat map of text keys to unsigned (or small
// negative) integers, which is all the upload response contains.
func cborDecodeMap(data []byte) (map[string]int64, error) {
	fields := map[string]int64{}

	pos := 0
	next := func() (byte, uint64, error) {
		if pos >= len(data) {
			return 0, 0, newError(DfuError, "truncated dfu response payload")
		}
		major := data[pos] >> 5
		info := uint64(data[pos] & 0x1F)
		pos++

		var extra int
		switch {
		case info < 24:
			return major, info, nil
		case info == 24:
			extra = 1
		case info == 25:
			extra = 2
		case info == 26:
			extra = 4
		default:
			return 0, 0, newError(DfuError, "unsupported cbor width in dfu response")
		}

		if pos+extra > len(data) {
			return 0, 0, newError(DfuError, "truncated dfu response payload")
		}
		var value uint64
		for i := 0; i < extra; i++ {
			value = value<<8 | uint64(data[pos+i])
		}
		pos += extra
		return major, value, nil
	}

	major, count, err := next()
	if err != nil {
		return nil, err
	}
	if major != 5 {
		return nil, newError(DfuError, "dfu response payload is not a map")
	}

	for i := uint64(0); i < count; i++ {
		keyMajor, keyLen, err := next()
		if err != nil {
			return nil, err
		}
		if keyMajor != 3 || pos+int(keyLen) > len(data) {
			return nil, newError(DfuError, "malformed dfu response key")
		}
		key := string(data[pos : pos+int(keyLen)])
		pos += int(keyLen)

		valMajor, value, err := next()
		if err != nil {
			return nil, err
		}
		switch valMajor {
		case 0:
			fields[key] = int64(value)
		case 1:
			fields[key] = -1 - int64(value)
		case 2, 3:
			// Skip byte and text values (e.g. echoed hashes).
			if pos+int(value) > len(data) {
				return nil, newError(DfuError, "malformed dfu response value")
			}
			pos += int(value)
		default:
			return nil, newError(DfuError, "unsupported cbor value in dfu response")
		}
	}

	return fields, nil
}
