// Copyright 2021 the nrfprog authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package nrfprog

import (
	"bytes"
	"strings"
	"testing"
)

// pattern fills a buffer with a deterministic non-0xFF byte sequence.
func pattern(size int, seed byte) []byte {
	buf := make([]byte, size)
	for i := range buf {
		buf[i] = byte(i)*7 + seed
	}
	return buf
}

func TestProgramAndVerify(t *testing.T) {
	lib, session, transport := openSimSession(t)
	defer lib.Close()
	defer session.Close()

	code := pattern(2*simPageSize+100, 1)
	ram := pattern(64, 2)

	src := NewSegmentsSource([]Segment{
		{Addr: 0x1000, Data: code},
		{Addr: simRAMBase + 0x4000, Data: ram},
	})

	opts := DefaultProgramOptions()
	opts.Reset = ResetNone
	if err := session.Program(src, opts); err != nil {
		t.Fatalf("Program: %v", err)
	}

	if !bytes.Equal(transport.flash[0x1000:0x1000+len(code)], code) {
		t.Error("flash content does not match image")
	}
	if !bytes.Equal(transport.ram[0x4000:0x4000+len(ram)], ram) {
		t.Error("ram content does not match image")
	}

	// A second pass over the same content verifies clean, with both
	// comparison strategies.
	for _, action := range []VerifyAction{VerifyRead, VerifyHash} {
		src := NewSegmentsSource([]Segment{
			{Addr: 0x1000, Data: code},
			{Addr: simRAMBase + 0x4000, Data: ram},
		})
		if err := session.Verify(src, action); err != nil {
			t.Errorf("Verify(%d): %v", action, err)
		}
	}
}

func TestProgramEraseNoneFailsFast(t *testing.T) {
	lib, session, transport := openSimSession(t)
	defer lib.Close()
	defer session.Close()

	// Occupy the page, then try to write conflicting bits without erasing.
	first := NewSegmentsSource([]Segment{{Addr: 0x2000, Data: pattern(256, 3)}})
	opts := ProgramOptions{Erase: ErasePages, Verify: VerifyRead, Reset: ResetNone}
	if err := session.Program(first, opts); err != nil {
		t.Fatalf("first program: %v", err)
	}
	before := make([]byte, 256)
	copy(before, transport.flash[0x2000:])

	second := NewSegmentsSource([]Segment{{Addr: 0x2000, Data: pattern(256, 90)}})
	opts.Erase = EraseNone
	err := session.Program(second, opts)
	if CodeOf(err) != NvmcError {
		t.Fatalf("got %v, want NvmcError", err)
	}

	// Fail-fast means the occupied page is untouched.
	if !bytes.Equal(transport.flash[0x2000:0x2000+256], before) {
		t.Error("flash changed despite the rejected write")
	}
}

func TestUnalignedFlashWrite(t *testing.T) {
	lib, session, transport := openSimSession(t)
	defer lib.Close()
	defer session.Close()

	data := []byte{0x11, 0x22, 0x33, 0x44, 0x55}
	if err := session.WriteMemory(0x3002, data); err != nil {
		t.Fatalf("WriteMemory: %v", err)
	}

	if !bytes.Equal(transport.flash[0x3002:0x3002+5], data) {
		t.Error("unaligned write landed wrong")
	}
	// The merge with flash content leaves the neighbours erased.
	if transport.flash[0x3000] != 0xFF || transport.flash[0x3001] != 0xFF {
		t.Error("head bytes clobbered")
	}
	if transport.flash[0x3007] != 0xFF {
		t.Error("tail byte clobbered")
	}
}

func TestProgramRejectsOverlap(t *testing.T) {
	lib, session, _ := openSimSession(t)
	defer lib.Close()
	defer session.Close()

	src := NewSegmentsSource([]Segment{
		{Addr: 0x1000, Data: make([]byte, 0x200)},
		{Addr: 0x1100, Data: make([]byte, 0x200)},
	})
	err := session.Program(src, DefaultProgramOptions())
	if CodeOf(err) != InvalidParameter {
		t.Fatalf("got %v, want InvalidParameter", err)
	}
	if !strings.Contains(err.Error(), "overlap") {
		t.Errorf("error does not name the overlap: %v", err)
	}
}

func TestProgramRejectsBarrierCrossing(t *testing.T) {
	lib, session, _ := openSimSession(t)
	defer lib.Close()
	defer session.Close()

	// A segment running from the FICR into the UICR changes region kind.
	src := NewSegmentsSource([]Segment{
		{Addr: simFICRBase + 0xFF0, Data: make([]byte, 0x20)},
	})
	if err := session.Program(src, DefaultProgramOptions()); CodeOf(err) != CrossesMemoryBarrier {
		t.Fatalf("got %v, want CrossesMemoryBarrier", err)
	}

	// Unmapped addresses are rejected outright.
	src = NewSegmentsSource([]Segment{{Addr: 0x30000000, Data: make([]byte, 16)}})
	if err := session.Program(src, DefaultProgramOptions()); CodeOf(err) != InvalidParameter {
		t.Fatalf("got %v, want InvalidParameter", err)
	}
}

func TestProgramEmptyImage(t *testing.T) {
	lib, session, _ := openSimSession(t)
	defer lib.Close()
	defer session.Close()

	src := NewSegmentsSource(nil)
	if err := session.Program(src, DefaultProgramOptions()); CodeOf(err) != InvalidParameter {
		t.Fatalf("got %v, want InvalidParameter", err)
	}
}

func TestProgramUicr(t *testing.T) {
	lib, session, transport := openSimSession(t)
	defer lib.Close()
	defer session.Close()

	// Pre-dirty the UICR so the erase is observable.
	transport.uicr[0x10] = 0x00

	data := pattern(16, 5)
	src := NewSegmentsSource([]Segment{{Addr: simUICRBase + 0x10, Data: data}})
	opts := ProgramOptions{Erase: ErasePagesIncludingUicr, Verify: VerifyRead, Reset: ResetNone}
	if err := session.Program(src, opts); err != nil {
		t.Fatalf("Program: %v", err)
	}

	if !bytes.Equal(transport.uicr[0x10:0x10+16], data) {
		t.Error("uicr content does not match image")
	}
}

func TestProgramPageEraseRejectsUicr(t *testing.T) {
	lib, session, transport := openSimSession(t)
	defer lib.Close()
	defer session.Close()

	before := make([]byte, simUICRSize)
	copy(before, transport.uicr)

	// Page erase stops at the code flash; a UICR segment needs an erase
	// mode that includes the UICR.
	src := NewSegmentsSource([]Segment{{Addr: simUICRBase + 0x10, Data: pattern(16, 21)}})
	opts := ProgramOptions{Erase: ErasePages, Reset: ResetNone}
	err := session.Program(src, opts)
	if CodeOf(err) != InvalidOperation {
		t.Fatalf("got %v, want InvalidOperation", err)
	}
	if !bytes.Equal(transport.uicr, before) {
		t.Error("rejected program still touched the uicr")
	}
}

func TestProgramEraseAllIncludesUicr(t *testing.T) {
	lib, session, transport := openSimSession(t)
	defer lib.Close()
	defer session.Close()

	// Pre-dirty both flashes; chip erase must blank the UICR even when the
	// image never writes there.
	transport.flash[0x5000] = 0x00
	transport.uicr[0x20] = 0x00

	src := NewSegmentsSource([]Segment{{Addr: 0x1000, Data: pattern(64, 22)}})
	opts := ProgramOptions{Erase: EraseAllBeforeWrite, Verify: VerifyRead, Reset: ResetNone}
	if err := session.Program(src, opts); err != nil {
		t.Fatalf("Program: %v", err)
	}

	if transport.flash[0x5000] != 0xFF {
		t.Error("chip erase missed the code flash")
	}
	if transport.uicr[0x20] != 0xFF {
		t.Error("chip erase missed the uicr")
	}
}

func TestVerifyMismatch(t *testing.T) {
	lib, session, _ := openSimSession(t)
	defer lib.Close()
	defer session.Close()

	data := pattern(128, 6)
	src := NewSegmentsSource([]Segment{{Addr: 0x4000, Data: data}})
	opts := ProgramOptions{Erase: ErasePages, Reset: ResetNone}
	if err := session.Program(src, opts); err != nil {
		t.Fatalf("Program: %v", err)
	}

	wrong := make([]byte, len(data))
	copy(wrong, data)
	wrong[40] ^= 0x01

	err := session.Verify(NewSegmentsSource([]Segment{{Addr: 0x4000, Data: wrong}}), VerifyRead)
	if CodeOf(err) != VerifyError {
		t.Fatalf("got %v, want VerifyError", err)
	}
	// Byte-wise verification names the first differing address.
	if !strings.Contains(err.Error(), "0x00004028") {
		t.Errorf("mismatch address missing from %v", err)
	}

	err = session.Verify(NewSegmentsSource([]Segment{{Addr: 0x4000, Data: wrong}}), VerifyHash)
	if CodeOf(err) != VerifyError {
		t.Fatalf("hash verify: got %v, want VerifyError", err)
	}
}

func TestEraseRange(t *testing.T) {
	lib, session, transport := openSimSession(t)
	defer lib.Close()
	defer session.Close()

	data := pattern(2*simPageSize, 7)
	src := NewSegmentsSource([]Segment{{Addr: 5 * simPageSize, Data: data}})
	opts := ProgramOptions{Erase: ErasePages, Reset: ResetNone}
	if err := session.Program(src, opts); err != nil {
		t.Fatalf("Program: %v", err)
	}

	// An unaligned range still takes out every page it touches; this one
	// intersects pages 5 and 6.
	if err := session.EraseRange(5*simPageSize+100, simPageSize); err != nil {
		t.Fatalf("EraseRange: %v", err)
	}

	for i := 5 * simPageSize; i < 7*simPageSize; i++ {
		if transport.flash[i] != 0xFF {
			t.Fatalf("flash at 0x%x not erased: 0x%02x", i, transport.flash[i])
		}
	}
}

func TestEraseRangeUicr(t *testing.T) {
	lib, session, transport := openSimSession(t)
	defer lib.Close()
	defer session.Close()

	transport.uicr[0x40] = 0x00

	// The UICR is a single erasable page; a page erase over its address
	// goes through the dedicated UICR erase.
	if err := session.EraseRange(simUICRBase+0x40, 4); err != nil {
		t.Fatalf("EraseRange over uicr: %v", err)
	}
	if transport.uicr[0x40] != 0xFF {
		t.Error("uicr not erased")
	}

	transport.uicr[0] = 0x00
	if err := session.ErasePage(simUICRBase); err != nil {
		t.Fatalf("ErasePage over uicr: %v", err)
	}
	if transport.uicr[0] != 0xFF {
		t.Error("uicr page not erased")
	}
}

func TestErasePageValidation(t *testing.T) {
	lib, session, transport := openSimSession(t)
	defer lib.Close()
	defer session.Close()

	if err := session.ErasePage(0x1001); CodeOf(err) != InvalidParameter {
		t.Errorf("unaligned erase: %v", err)
	}
	if err := session.ErasePage(simRAMBase); CodeOf(err) != InvalidParameter {
		t.Errorf("ram erase: %v", err)
	}

	transport.flash[0x1000] = 0x00
	if err := session.ErasePage(0x1000); err != nil {
		t.Fatalf("ErasePage: %v", err)
	}
	if transport.flash[0x1000] != 0xFF {
		t.Error("page not erased")
	}
}

func TestEraseAllSession(t *testing.T) {
	lib, session, transport := openSimSession(t)
	defer lib.Close()
	defer session.Close()

	transport.flash[0] = 0x00
	transport.uicr[0] = 0x00

	if err := session.EraseAll(); err != nil {
		t.Fatalf("EraseAll: %v", err)
	}
	if transport.flash[0] != 0xFF {
		t.Error("flash not erased")
	}
	// Chip erase spares the UICR.
	if transport.uicr[0] != 0x00 {
		t.Error("EraseAll must not touch the uicr")
	}

	if err := session.EraseUICR(); err != nil {
		t.Fatalf("EraseUICR: %v", err)
	}
	if transport.uicr[0] != 0xFF {
		t.Error("uicr not erased")
	}
}

func TestReadToSink(t *testing.T) {
	lib, session, _ := openSimSession(t)
	defer lib.Close()
	defer session.Close()

	data := pattern(300, 8)
	src := NewSegmentsSource([]Segment{{Addr: 0, Data: data}})
	opts := ProgramOptions{Erase: ErasePages, Reset: ResetNone}
	if err := session.Program(src, opts); err != nil {
		t.Fatalf("Program: %v", err)
	}

	var sink BinSink
	if err := session.ReadToSink(ReadOptions{ReadCode: true}, &sink); err != nil {
		t.Fatalf("ReadToSink: %v", err)
	}

	dump, base := sink.Bytes()
	if base != 0 {
		t.Errorf("base = 0x%x", base)
	}
	if len(dump) != simFlashSize {
		t.Fatalf("dump is %d bytes, want %d", len(dump), simFlashSize)
	}
	if !bytes.Equal(dump[:300], data) {
		t.Error("dump does not match programmed data")
	}
	if dump[300] != 0xFF {
		t.Error("erased flash should read back 0xFF")
	}
}

// recordingSink keeps every write so tests can check which addresses a dump
// actually touched.
type recordingSink struct {
	writes []Segment
}

func (r *recordingSink) Write(addr uint32, data []byte) error {
	buf := make([]byte, len(data))
	copy(buf, data)
	r.writes = append(r.writes, Segment{Addr: addr, Data: buf})
	return nil
}

func TestReadIncludesFicr(t *testing.T) {
	lib, session, _ := openSimSession(t)
	defer lib.Close()
	defer session.Close()

	var sink recordingSink
	if err := session.ReadToSink(ReadOptions{ReadFicr: true}, &sink); err != nil {
		t.Fatalf("ReadToSink: %v", err)
	}

	if len(sink.writes) == 0 {
		t.Fatal("nothing dumped")
	}
	if sink.writes[0].Addr != simFICRBase {
		t.Errorf("dump starts at 0x%08x", sink.writes[0].Addr)
	}
	// The FICR part code comes through.
	if leToUint32(sink.writes[0].Data[nrf52FicrInfoPart:]) != 0x52840 {
		t.Error("ficr content mismatch")
	}
}

func TestReadSkipsUnpoweredRam(t *testing.T) {
	lib, session, transport := openSimSession(t)
	defer lib.Close()
	defer session.Close()

	if err := session.PowerAllRam(); err != nil {
		t.Fatalf("PowerAllRam: %v", err)
	}
	if err := session.PowerRamSection(1, RamOff); err != nil {
		t.Fatalf("PowerRamSection: %v", err)
	}

	marker := []byte{0xCA, 0xFE, 0xF0, 0x0D}
	copy(transport.ram, marker)

	var sink recordingSink
	if err := session.ReadToSink(ReadOptions{ReadRam: true}, &sink); err != nil {
		t.Fatalf("ReadToSink: %v", err)
	}

	// Section 1 is dark and must not appear in the dump; section 0 must.
	sectionSize := uint32(simRAMSize / nrf52RamSections)
	darkStart := uint32(simRAMBase) + sectionSize
	for _, w := range sink.writes {
		if w.Addr >= darkStart && w.Addr < darkStart+sectionSize {
			t.Fatalf("powered-off section dumped at 0x%08x", w.Addr)
		}
	}
	if len(sink.writes) == 0 || sink.writes[0].Addr != simRAMBase {
		t.Fatal("powered section missing from the dump")
	}
	if !bytes.Equal(sink.writes[0].Data[:4], marker) {
		t.Error("ram content mismatch")
	}
}

func TestProgramXip(t *testing.T) {
	lib, session, transport := openSimSession(t)
	defer lib.Close()
	defer session.Close()

	if err := session.QspiInit(DefaultQspiInitParams()); err != nil {
		t.Fatalf("QspiInit: %v", err)
	}

	// Pre-dirty the external flash so the per-page erase is observable.
	transport.qspi[0x2000] = 0x00

	data := pattern(QspiPageSize+200, 9)
	src := NewSegmentsSource([]Segment{{Addr: nrf52XipBase + 0x2000, Data: data}})
	opts := ProgramOptions{QspiErase: ErasePages, Verify: VerifyRead, Reset: ResetNone}
	if err := session.Program(src, opts); err != nil {
		t.Fatalf("Program: %v", err)
	}

	if !bytes.Equal(transport.qspi[0x2000:0x2000+len(data)], data) {
		t.Error("external flash does not match image")
	}
}
