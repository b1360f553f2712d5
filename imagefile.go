// Copyright 2021 the nrfprog authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package nrfprog

import (
	"io"
	"os"
	"sort"

	"github.com/marcinbor85/gohex"
)

// OpenHexFile parses an Intel HEX file into an ImageSource.
func OpenHexFile(path string) (*SegmentsSource, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, wrapError(FileOperationFailed, err, "opening hex file")
	}
	defer file.Close()

	return ReadHex(file)
}

// ReadHex parses Intel HEX data into an ImageSource.
func ReadHex(r io.Reader) (*SegmentsSource, error) {
	mem := gohex.NewMemory()
	if err := mem.ParseIntelHex(r); err != nil {
		return nil, wrapError(FileOperationFailed, err, "parsing hex data")
	}

	var segments []Segment
	for _, seg := range mem.GetDataSegments() {
		segments = append(segments, Segment{Addr: seg.Address, Data: seg.Data})
	}

	return NewSegmentsSource(segments), nil
}

// HexSink collects dumped memory and writes it out as Intel HEX.
type HexSink struct {
	mem *gohex.Memory
}

func NewHexSink() *HexSink {
	return &HexSink{mem: gohex.NewMemory()}
}

func (h *HexSink) Write(addr uint32, data []byte) error {
	if err := h.mem.AddBinary(addr, data); err != nil {
		return wrapError(FileOperationFailed, err, "collecting hex segment")
	}
	return nil
}

// Save writes the collected segments to an Intel HEX file.
func (h *HexSink) Save(path string) error {
	file, err := os.Create(path)
	if err != nil {
		return wrapError(FileOperationFailed, err, "creating hex file")
	}
	defer file.Close()

	if err := h.mem.DumpIntelHex(file, 16); err != nil {
		return wrapError(FileOperationFailed, err, "writing hex file")
	}
	return nil
}

// OpenBinFile reads a raw binary image placed at addr.
func OpenBinFile(path string, addr uint32) (*SegmentsSource, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, wrapError(FileOperationFailed, err, "opening bin file")
	}
	return NewSegmentsSource([]Segment{{Addr: addr, Data: data}}), nil
}

// BinSink collects dumped memory into one contiguous buffer, padding gaps
// with 0xFF the way flash reads them.
type BinSink struct {
	segments []Segment
}

func (b *BinSink) Write(addr uint32, data []byte) error {
	copied := make([]byte, len(data))
	copy(copied, data)
	b.segments = append(b.segments, Segment{Addr: addr, Data: copied})
	return nil
}

// Bytes flattens the collected segments. The second return value is the
// base address.
func (b *BinSink) Bytes() ([]byte, uint32) {
	if len(b.segments) == 0 {
		return nil, 0
	}

	sorted := make([]Segment, len(b.segments))
	copy(sorted, b.segments)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Addr < sorted[j].Addr })

	base := sorted[0].Addr
	last := sorted[len(sorted)-1]
	out := make([]byte, last.Addr+uint32(len(last.Data))-base)
	for i := range out {
		out[i] = 0xFF
	}
	for _, seg := range sorted {
		copy(out[seg.Addr-base:], seg.Data)
	}

	return out, base
}

// Save writes the flattened image to a file.
func (b *BinSink) Save(path string) error {
	data, _ := b.Bytes()
	if err := os.WriteFile(path, data, 0644); err != nil {
		return wrapError(FileOperationFailed, err, "writing bin file")
	}
	return nil
}
