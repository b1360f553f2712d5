// Copyright 2021 the nrfprog authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package nrfprog

import (
	"bytes"
	"crypto/sha256"
	"io"
	"sort"
)

// EraseAction selects how Program prepares flash before writing.
type EraseAction int

const (
	// EraseNone writes into flash as-is and fails fast on the first word
	// that is not erased.
	EraseNone EraseAction = iota
	// ErasePages erases exactly the pages the image touches.
	ErasePages
	// ErasePagesIncludingUicr additionally erases the UICR when the image
	// writes into it.
	ErasePagesIncludingUicr
	// EraseAllBeforeWrite erases the whole code flash first.
	EraseAllBeforeWrite
)

// VerifyAction selects the post-write verification.
type VerifyAction int

const (
	VerifyNone VerifyAction = iota
	// VerifyRead reads everything back and compares byte by byte.
	VerifyRead
	// VerifyHash reads everything back but compares SHA-256 digests per
	// segment, trading exact mismatch addresses for less comparison state.
	VerifyHash
)

// ResetNone makes Program skip the final reset.
const ResetNone ResetAction = -1

// ProgramOptions bundles the pipeline knobs. The zero value writes without
// erasing, verifies nothing and leaves the core halted.
type ProgramOptions struct {
	Erase     EraseAction
	QspiErase EraseAction // applied to XIP segments instead of Erase
	Verify    VerifyAction
	Reset     ResetAction
}

// DefaultProgramOptions is the sensible everyday set: sector erase, read
// verification and a system reset at the end.
func DefaultProgramOptions() ProgramOptions {
	return ProgramOptions{
		Erase:     ErasePages,
		QspiErase: ErasePages,
		Verify:    VerifyRead,
		Reset:     ResetSystem,
	}
}

// ReadOptions selects which regions a device dump includes.
type ReadOptions struct {
	ReadCode bool
	ReadRam  bool
	ReadUicr bool
	ReadFicr bool
	ReadQspi bool
}

// Segment is one contiguous run of image data.
type Segment struct {
	Addr uint32
	Data []byte
}

// ImageSource yields segments in any order; Next returns io.EOF after the
// last one. ByteCount is the total payload, used for progress reporting.
type ImageSource interface {
	Next() (Segment, error)
	ByteCount() uint32
}

// ImageSink receives dumped memory.
type ImageSink interface {
	Write(addr uint32, data []byte) error
}

// SegmentsSource adapts an in-memory segment list to ImageSource.
type SegmentsSource struct {
	segments []Segment
	next     int
}

func NewSegmentsSource(segments []Segment) *SegmentsSource {
	return &SegmentsSource{segments: segments}
}

func (s *SegmentsSource) Next() (Segment, error) {
	if s.next >= len(s.segments) {
		return Segment{}, io.EOF
	}
	seg := s.segments[s.next]
	s.next++
	return seg, nil
}

func (s *SegmentsSource) ByteCount() uint32 {
	var total uint32
	for _, seg := range s.segments {
		total += uint32(len(seg.Data))
	}
	return total
}

// collectSegments drains a source, validates every segment against the
// memory map and returns them sorted by address. Overlapping segments are
// rejected; the write order would silently decide the winner otherwise.
func (s *Session) collectSegments(src ImageSource) ([]Segment, error) {
	var segments []Segment
	for {
		seg, err := src.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, wrapError(FileOperationFailed, err, "reading image source")
		}
		if len(seg.Data) == 0 {
			continue
		}
		if _, err := s.memmap.Classify(seg.Addr, uint32(len(seg.Data))); err != nil {
			return nil, err
		}
		segments = append(segments, seg)
	}

	sort.Slice(segments, func(i, j int) bool { return segments[i].Addr < segments[j].Addr })

	for i := 1; i < len(segments); i++ {
		prev := segments[i-1]
		if prev.Addr+uint32(len(prev.Data)) > segments[i].Addr {
			return nil, errorf(InvalidParameter, "image segments overlap at 0x%08x", segments[i].Addr)
		}
	}

	return segments, nil
}

// Program runs the full pipeline: erase, write, verify, reset, each phase
// according to opts. XIP segments require an initialized QSPI engine.
func (s *Session) Program(src ImageSource, opts ProgramOptions) error {
	if err := s.requireHalted(); err != nil {
		return err
	}

	segments, err := s.collectSegments(src)
	if err != nil {
		return err
	}
	if len(segments) == 0 {
		return newError(InvalidParameter, "image contains no data")
	}

	if err := s.DisableBlockProtect(); err != nil {
		return err
	}

	if err := s.eraseForSegments(segments, opts); err != nil {
		return err
	}

	s.reportProgress("writing image")
	for _, seg := range segments {
		if err := s.WriteMemory(seg.Addr, seg.Data); err != nil {
			return err
		}
	}

	if opts.Verify != VerifyNone {
		s.reportProgress("verifying image")
		if err := s.verifySegments(segments, opts.Verify); err != nil {
			return err
		}
	}

	if opts.Reset != ResetNone {
		s.reportProgress("resetting target")
		if err := s.Reset(opts.Reset); err != nil {
			return err
		}
	}

	s.log.Infof("programmed %d bytes in %d segments", byteCount(segments), len(segments))
	return nil
}

func byteCount(segments []Segment) uint32 {
	var total uint32
	for _, seg := range segments {
		total += uint32(len(seg.Data))
	}
	return total
}

// eraseForSegments prepares flash per the erase options. RAM segments need
// no preparation; XIP segments follow the QSPI erase option. A UICR segment
// is only acceptable when the erase mode covers the UICR: page erase stops
// at the code flash, and an accidental UICR wipe bricks fielded devices.
func (s *Session) eraseForSegments(segments []Segment, opts ProgramOptions) error {
	if opts.Erase == EraseAllBeforeWrite {
		if err := s.driver.EraseAll(); err != nil {
			return err
		}
		if err := s.driver.EraseUICR(); err != nil {
			return err
		}
	}

	pages := map[uint32]*MemoryRegion{}
	uicrTouched := false
	xipPages := map[uint32]bool{}

	for _, seg := range segments {
		slices, err := s.memmap.Classify(seg.Addr, uint32(len(seg.Data)))
		if err != nil {
			return err
		}
		for _, slice := range slices {
			switch slice.Region.Kind {
			case RegionCode:
				if opts.Erase != ErasePages && opts.Erase != ErasePagesIncludingUicr {
					continue
				}
				for page := alignDown(slice.Addr, slice.Region.PageSize); page < slice.Addr+slice.Length; page += slice.Region.PageSize {
					pages[page] = slice.Region
				}
			case RegionUICR:
				if opts.Erase == ErasePages {
					return newError(InvalidOperation,
						"image writes into the uicr; request an erase mode that includes the uicr")
				}
				uicrTouched = true
			case RegionXIP:
				if opts.QspiErase == EraseNone {
					continue
				}
				for page := alignDown(slice.Addr, slice.Region.PageSize); page < slice.Addr+slice.Length; page += slice.Region.PageSize {
					xipPages[page] = true
				}
			}
		}
	}

	if len(pages) > 0 {
		s.reportProgress("erasing pages")
		sorted := make([]uint32, 0, len(pages))
		for page := range pages {
			sorted = append(sorted, page)
		}
		sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
		for _, page := range sorted {
			if err := s.driver.ErasePage(page); err != nil {
				return err
			}
		}
	}

	if uicrTouched && opts.Erase == ErasePagesIncludingUicr {
		if err := s.driver.EraseUICR(); err != nil {
			return err
		}
	}

	if len(xipPages) > 0 {
		if s.qspi == nil {
			return newError(InvalidOperation, "image writes into xip space but qspi is not initialized")
		}
		s.reportProgress("erasing external flash")
		sorted := make([]uint32, 0, len(xipPages))
		for page := range xipPages {
			sorted = append(sorted, page)
		}
		sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
		for _, page := range sorted {
			if err := s.qspi.EraseMapped(page, QspiErase4KB); err != nil {
				return err
			}
		}
	}

	return nil
}

func (s *Session) verifySegments(segments []Segment, action VerifyAction) error {
	for _, seg := range segments {
		actual, err := s.ReadMemory(seg.Addr, uint32(len(seg.Data)))
		if err != nil {
			return err
		}

		switch action {
		case VerifyRead:
			if idx := firstMismatch(seg.Data, actual); idx >= 0 {
				return errorf(VerifyError, "verification failed at 0x%08x: wrote 0x%02x, read 0x%02x",
					seg.Addr+uint32(idx), seg.Data[idx], actual[idx])
			}
		case VerifyHash:
			want := sha256.Sum256(seg.Data)
			got := sha256.Sum256(actual)
			if want != got {
				return errorf(VerifyError, "verification failed for segment at 0x%08x (%d bytes)",
					seg.Addr, len(seg.Data))
			}
		}
	}
	return nil
}

func firstMismatch(a, b []byte) int {
	if bytes.Equal(a, b) {
		return -1
	}
	for i := range a {
		if i >= len(b) || a[i] != b[i] {
			return i
		}
	}
	return len(b)
}

// Verify checks the device content against an image without writing.
func (s *Session) Verify(src ImageSource, action VerifyAction) error {
	if err := s.requireHalted(); err != nil {
		return err
	}
	if action == VerifyNone {
		return nil
	}

	segments, err := s.collectSegments(src)
	if err != nil {
		return err
	}

	s.reportProgress("verifying image")
	return s.verifySegments(segments, action)
}

// readChunkSize is the transfer granularity of device dumps.
const readChunkSize = 4096

// ReadToSink dumps the selected regions into sink, in address order,
// chunked so progress stays visible on big parts. RAM is dumped section by
// section so powered-off sections can be skipped.
func (s *Session) ReadToSink(opts ReadOptions, sink ImageSink) error {
	if err := s.requireHalted(); err != nil {
		return err
	}

	for _, region := range s.memmap.Regions() {
		var want bool
		switch region.Kind {
		case RegionCode:
			want = opts.ReadCode
		case RegionRAM:
			want = opts.ReadRam
		case RegionUICR:
			want = opts.ReadUicr
		case RegionFICR:
			want = opts.ReadFicr
		case RegionXIP:
			want = opts.ReadQspi
		}
		if !want {
			continue
		}

		if region.Kind == RegionXIP && s.qspi == nil {
			return newError(InvalidOperation, "xip read requires an initialized qspi engine")
		}

		s.reportProgress("reading " + region.Label)

		if region.Kind == RegionRAM {
			if err := s.readRamSections(&region, sink); err != nil {
				return err
			}
			continue
		}

		for offset := uint32(0); offset < region.Length; offset += readChunkSize {
			length := minU32(readChunkSize, region.Length-offset)
			data, err := s.ReadMemory(region.Start+offset, length)
			if err != nil {
				return err
			}
			if err := sink.Write(region.Start+offset, data); err != nil {
				return wrapError(FileOperationFailed, err, "writing image sink")
			}
		}
	}

	return nil
}

// readRamSections dumps the RAM one power section at a time, silently
// skipping sections that are powered off: reading those would fault on real
// hardware, and their content is gone anyway.
func (s *Session) readRamSections(region *MemoryRegion, sink ImageSink) error {
	count, err := s.driver.RamSectionCount()
	if err != nil {
		return err
	}
	if count <= 0 {
		return nil
	}

	sectionSize := region.Length / uint32(count)
	for i := 0; i < count; i++ {
		state, err := s.driver.RamSectionPower(i)
		if err != nil {
			return err
		}
		if state != RamOn {
			s.log.Debugf("skipping powered-off ram section %d", i)
			continue
		}

		start := region.Start + uint32(i)*sectionSize
		for offset := uint32(0); offset < sectionSize; offset += readChunkSize {
			length := minU32(readChunkSize, sectionSize-offset)
			data, err := s.ReadMemory(start+offset, length)
			if err != nil {
				return err
			}
			if err := sink.Write(start+offset, data); err != nil {
				return wrapError(FileOperationFailed, err, "writing image sink")
			}
		}
	}
	return nil
}

// EraseRange erases every page intersecting [start, start+length) in an
// erasable region. start need not be page aligned.
func (s *Session) EraseRange(start uint32, length uint32) error {
	if err := s.requireHalted(); err != nil {
		return err
	}

	slices, err := s.memmap.Classify(start, length)
	if err != nil {
		return err
	}

	for _, slice := range slices {
		region := slice.Region
		if region.Kind == RegionUICR {
			// The UICR is a single page with its own erase register.
			if err := s.driver.EraseUICR(); err != nil {
				return err
			}
			continue
		}
		if !region.Erasable || region.PageSize == 0 {
			return errorf(InvalidParameter, "region %s is not page-erasable", region.Label)
		}
		for page := alignDown(slice.Addr, region.PageSize); page < slice.Addr+slice.Length; page += region.PageSize {
			if err := s.driver.ErasePage(page); err != nil {
				return err
			}
		}
	}

	return nil
}
