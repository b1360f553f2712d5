// Copyright 2021 the nrfprog authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package nrfprog

import (
	"bytes"
	"testing"
)

// plantRttBlock builds a control block with one up and one down channel
// (16 byte ring buffers) in the simulated RAM and returns the block's
// absolute address plus the RAM offsets of the two channel records.
func plantRttBlock(tr *simTransport) (cbAddr uint32, upRec, downRec uint32) {
	const base = uint32(0x9000)
	ram := tr.ram

	copy(ram[base:], rttMagic)
	uint32ToLe(ram[base+rttIdSize:], 1)   // up channels
	uint32ToLe(ram[base+rttIdSize+4:], 1) // down channels

	nameAddr := uint32(simRAMBase + base + 0x100)
	copy(ram[base+0x100:], "Terminal")

	upRec = base + rttHeaderSize
	uint32ToLe(ram[upRec:], nameAddr)
	uint32ToLe(ram[upRec+4:], simRAMBase+base+0x200)
	uint32ToLe(ram[upRec+8:], 16)

	downRec = upRec + rttChannelSize
	uint32ToLe(ram[downRec:], nameAddr)
	uint32ToLe(ram[downRec+4:], simRAMBase+base+0x300)
	uint32ToLe(ram[downRec+8:], 16)

	return simRAMBase + base, upRec, downRec
}

func TestRttScanFindsControlBlock(t *testing.T) {
	lib, session, transport := openSimSession(t)
	defer lib.Close()
	defer session.Close()

	plantRttBlock(transport)

	if err := session.RttStart(0); err != nil {
		t.Fatalf("RttStart: %v", err)
	}
	rtt := session.Rtt()

	found := false
	for i := 0; i < 100 && !found; i++ {
		var err error
		found, err = rtt.IsControlBlockFound()
		if err != nil {
			t.Fatalf("scan step %d: %v", i, err)
		}
	}
	if !found {
		t.Fatal("progressive scan never found the control block")
	}

	up, down, err := rtt.ChannelCounts()
	if err != nil || up != 1 || down != 1 {
		t.Fatalf("ChannelCounts = %d/%d, %v", up, down, err)
	}

	info, err := rtt.ChannelInfo(0, RttUp)
	if err != nil {
		t.Fatalf("ChannelInfo: %v", err)
	}
	if info.Name != "Terminal" || info.Size != 16 {
		t.Errorf("channel info = %+v", info)
	}
}

func TestRttStartDirectAddress(t *testing.T) {
	lib, session, transport := openSimSession(t)
	defer lib.Close()
	defer session.Close()

	cbAddr, _, _ := plantRttBlock(transport)

	if err := session.RttStart(cbAddr); err != nil {
		t.Fatalf("RttStart: %v", err)
	}
	if found, err := session.Rtt().IsControlBlockFound(); err != nil || !found {
		t.Fatalf("direct address not latched: %v %v", found, err)
	}
	if err := session.RttStop(); err != nil {
		t.Fatalf("RttStop: %v", err)
	}

	// A wrong address fails immediately instead of arming a scan.
	if err := session.RttStart(simRAMBase + 0x5000); CodeOf(err) != InvalidParameter {
		t.Fatalf("bogus address: %v", err)
	}
}

func TestRttReadWraparound(t *testing.T) {
	lib, session, transport := openSimSession(t)
	defer lib.Close()
	defer session.Close()

	cbAddr, upRec, _ := plantRttBlock(transport)

	// Content wraps: rdOff 10 to the end, then 0 to wrOff 4.
	bufBase := uint32(0x9200)
	copy(transport.ram[bufBase+10:], "ABCDEF")
	copy(transport.ram[bufBase:], "GHIJ")
	uint32ToLe(transport.ram[upRec+12:], 4)  // wrOff
	uint32ToLe(transport.ram[upRec+16:], 10) // rdOff

	if err := session.RttStart(cbAddr); err != nil {
		t.Fatalf("RttStart: %v", err)
	}
	rtt := session.Rtt()

	data, err := rtt.Read(0, 64)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if string(data) != "ABCDEFGHIJ" {
		t.Errorf("read %q", data)
	}

	// The read offset is published back so the target sees the free space.
	if got := leToUint32(transport.ram[upRec+16:]); got != 4 {
		t.Errorf("published rdOff = %d, want 4", got)
	}

	// Drained channel reads empty.
	data, err = rtt.Read(0, 64)
	if err != nil || data != nil {
		t.Errorf("empty read = %q, %v", data, err)
	}
}

func TestRttWrite(t *testing.T) {
	lib, session, transport := openSimSession(t)
	defer lib.Close()
	defer session.Close()

	cbAddr, _, downRec := plantRttBlock(transport)

	if err := session.RttStart(cbAddr); err != nil {
		t.Fatalf("RttStart: %v", err)
	}
	rtt := session.Rtt()

	// One slot stays free, so a 16 byte ring takes 15 bytes.
	payload := []byte("0123456789abcdefghij")
	written, err := rtt.Write(0, payload)
	if err != nil {
		t.Fatalf("Write: %v", err)
	}
	if written != 15 {
		t.Fatalf("written = %d, want 15", written)
	}

	bufBase := uint32(0x9300)
	if !bytes.Equal(transport.ram[bufBase:bufBase+15], payload[:15]) {
		t.Error("ring content mismatch")
	}
	if got := leToUint32(transport.ram[downRec+12:]); got != 15 {
		t.Errorf("published wrOff = %d, want 15", got)
	}

	// Full ring accepts nothing more.
	written, err = rtt.Write(0, []byte("x"))
	if err != nil || written != 0 {
		t.Fatalf("write to full ring = %d, %v", written, err)
	}

	// Target drains 8 bytes; the writer can then wrap.
	uint32ToLe(transport.ram[downRec+16:], 8)
	written, err = rtt.Write(0, []byte("ABCDEFGHIJ"))
	if err != nil {
		t.Fatalf("Write after drain: %v", err)
	}
	if written != 8 {
		t.Fatalf("written = %d, want 8", written)
	}
	if transport.ram[bufBase+15] != 'A' {
		t.Error("wrap byte missing")
	}
	if !bytes.Equal(transport.ram[bufBase:bufBase+7], []byte("BCDEFGH")) {
		t.Error("wrapped content mismatch")
	}
}

func TestRttChannelValidation(t *testing.T) {
	lib, session, transport := openSimSession(t)
	defer lib.Close()
	defer session.Close()

	cbAddr, _, _ := plantRttBlock(transport)
	if err := session.RttStart(cbAddr); err != nil {
		t.Fatalf("RttStart: %v", err)
	}
	rtt := session.Rtt()

	if _, err := rtt.Read(3, 16); CodeOf(err) != InvalidParameter {
		t.Errorf("read from missing channel: %v", err)
	}
	if _, err := rtt.Write(3, []byte("x")); CodeOf(err) != InvalidParameter {
		t.Errorf("write to missing channel: %v", err)
	}
}

func TestRttStopInvalidatesBlock(t *testing.T) {
	lib, session, transport := openSimSession(t)
	defer lib.Close()
	defer session.Close()

	cbAddr, _, _ := plantRttBlock(transport)
	if err := session.RttStart(cbAddr); err != nil {
		t.Fatalf("RttStart: %v", err)
	}
	if err := session.RttStop(); err != nil {
		t.Fatalf("RttStop: %v", err)
	}
	if session.Rtt() != nil {
		t.Error("engine still attached after stop")
	}

	// The identifier is wiped so a later attach cannot latch onto stale
	// records.
	offset := cbAddr - simRAMBase
	for i := uint32(0); i < rttIdSize; i++ {
		if transport.ram[offset+i] != 0 {
			t.Fatal("control block identifier not wiped")
		}
	}

	// Stopping an already stopped session is a no-op.
	if err := session.RttStop(); err != nil {
		t.Errorf("second stop: %v", err)
	}
}
