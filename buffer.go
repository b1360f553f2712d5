// Copyright 2021 the nrfprog authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package nrfprog

import (
	"bytes"
	"math"
)

// Buffer wraps bytes.Buffer with the little-endian accessors the probe
// protocol and the on-target structures use everywhere.
type Buffer struct {
	bytes.Buffer
}

func NewBuffer(initSize int) *Buffer {
	b := &Buffer{}

	b.Grow(initSize)

	return b
}

func (buf *Buffer) WriteUint32LE(value uint32) {
	buf.WriteByte(byte(value))
	buf.WriteByte(byte(value >> 8))
	buf.WriteByte(byte(value >> 16))
	buf.WriteByte(byte(value >> 24))
}

func (buf *Buffer) WriteUint16LE(value uint16) {
	buf.WriteByte(byte(value))
	buf.WriteByte(byte(value >> 8))
}

func leToUint16(buf []byte) uint16 {
	if len(buf) < 2 {
		logger.Error("could not read little endian uint16 from given buffer")
		return math.MaxUint16
	}

	return uint16(buf[0]) | (uint16(buf[1]) << 8)
}

func leToUint32(buf []byte) uint32 {
	if len(buf) < 4 {
		logger.Error("could not read little endian uint32 from given buffer")
		return math.MaxUint32
	}

	return uint32(buf[0]) | (uint32(buf[1]) << 8) | (uint32(buf[2]) << 16) | (uint32(buf[3]) << 24)
}

func uint32ToLe(buf []byte, value uint32) {
	buf[3] = byte(value >> 24)
	buf[2] = byte(value >> 16)
	buf[1] = byte(value >> 8)
	buf[0] = byte(value >> 0)
}

func uint16ToLe(buf []byte, value uint16) {
	buf[1] = byte(value >> 8)
	buf[0] = byte(value >> 0)
}

// wordsOf reinterprets data as little-endian 32-bit words. len(data) must be
// a multiple of 4.
func wordsOf(data []byte) []uint32 {
	words := make([]uint32, len(data)/4)
	for i := range words {
		words[i] = leToUint32(data[i*4:])
	}
	return words
}

// bytesOfWords is the inverse of wordsOf.
func bytesOfWords(words []uint32) []byte {
	data := make([]byte, len(words)*4)
	for i, w := range words {
		uint32ToLe(data[i*4:], w)
	}
	return data
}
