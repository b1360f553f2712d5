// Copyright 2021 the nrfprog authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package nrfprog

import (
	"bytes"

	"github.com/sirupsen/logrus"
)

// RttDirection tells up (target to host) from down (host to target)
// channels.
type RttDirection int

const (
	RttUp RttDirection = iota
	RttDown
)

func (d RttDirection) String() string {
	if d == RttDown {
		return "down"
	}
	return "up"
}

// RttChannelInfo describes one terminal channel of the control block.
type RttChannelInfo struct {
	Index     int
	Direction RttDirection
	Name      string
	Size      uint32
}

// rttChannel mirrors one on-target channel record.
type rttChannel struct {
	recordAddr uint32
	namePtr    uint32
	bufferPtr  uint32
	size       uint32
	wrOff      uint32
	rdOff      uint32
	flags      uint32
}

// Per-poll scan budget. Keeping it bounded keeps IsControlBlockFound cheap
// enough to call from a UI loop while the target runs.
const rttScanChunk = 4096

// RttEngine finds and drives the target's RTT control block without
// halting the core: the block lives in RAM and both sides only ever write
// their own offset field, so concurrent access is safe by construction.
type RttEngine struct {
	s *Session

	found  bool
	cbAddr uint32

	// Progressive scan state, valid until found.
	scanStart uint32
	scanEnd   uint32
	cursor    uint32

	up   []rttChannel
	down []rttChannel

	log *logrus.Entry
}

// RttStart prepares the RTT engine. cbAddr 0 arms a progressive scan over
// the RAM region; a nonzero address is checked immediately. The target keeps
// running throughout.
func (s *Session) RttStart(cbAddr uint32) error {
	if err := s.requireAttached(); err != nil {
		return err
	}
	if s.rtt != nil {
		return newError(InvalidOperation, "rtt is already started")
	}

	ram := s.memmap.FindKind(RegionRAM)
	if ram == nil {
		return newError(InvalidDeviceForOperation, "device has no ram region")
	}

	engine := &RttEngine{
		s:         s,
		scanStart: ram.Start,
		scanEnd:   ram.End(),
		cursor:    ram.Start,
		log:       s.log.WithField("component", "rtt"),
	}

	if cbAddr != 0 {
		ok, err := engine.checkControlBlock(cbAddr)
		if err != nil {
			return err
		}
		if !ok {
			return errorf(InvalidParameter, "no rtt control block at 0x%08x", cbAddr)
		}
	}

	s.rtt = engine
	return nil
}

// Rtt returns the running engine, or nil before RttStart.
func (s *Session) Rtt() *RttEngine {
	return s.rtt
}

// RttStop invalidates the control block on the target and releases the
// engine. Stopping an already stopped session is a no-op.
func (s *Session) RttStop() error {
	if s.rtt == nil {
		return nil
	}
	err := s.rtt.Stop()
	s.rtt = nil
	return err
}

// IsControlBlockFound advances the RAM scan by one bounded step and reports
// whether the control block has been located. Callers poll it until true
// (or until they give up); each call reads at most a few kilobytes.
func (e *RttEngine) IsControlBlockFound() (bool, error) {
	if e.found {
		return true, nil
	}

	if e.cursor >= e.scanEnd {
		// Wrap around: the target may not have initialized RTT yet on
		// earlier passes.
		e.cursor = e.scanStart
	}

	length := minU32(rttScanChunk, e.scanEnd-e.cursor)
	buf := make([]byte, length)
	if err := e.s.transport.ReadMemory(e.cursor, buf); err != nil {
		return false, err
	}

	if idx := bytes.Index(buf, []byte(rttMagic)); idx >= 0 {
		addr := e.cursor + uint32(idx)
		ok, err := e.checkControlBlock(addr)
		if err != nil {
			return false, err
		}
		if ok {
			e.cursor = e.scanEnd
			return true, nil
		}
	}

	// Overlap the next chunk so a control block straddling the boundary is
	// still seen.
	step := length
	if step > uint32(len(rttMagic)) {
		step -= uint32(len(rttMagic)) - 1
	}
	e.cursor += step

	return false, nil
}

// checkControlBlock validates the identifier at addr and loads the channel
// records.
func (e *RttEngine) checkControlBlock(addr uint32) (bool, error) {
	header := make([]byte, rttHeaderSize)
	if err := e.s.transport.ReadMemory(addr, header); err != nil {
		return false, err
	}

	if cString(header[:rttIdSize]) != rttMagic {
		return false, nil
	}

	maxUp := leToUint32(header[rttIdSize:])
	maxDown := leToUint32(header[rttIdSize+4:])
	if maxUp > 255 || maxDown > 255 {
		// Garbage that happens to contain the magic string.
		return false, nil
	}

	e.cbAddr = addr
	e.found = true

	recordBase := addr + rttHeaderSize
	var err error
	e.up, err = e.loadChannels(recordBase, int(maxUp))
	if err != nil {
		return false, err
	}
	e.down, err = e.loadChannels(recordBase+uint32(maxUp)*rttChannelSize, int(maxDown))
	if err != nil {
		return false, err
	}

	e.log.Infof("rtt control block at 0x%08x (%d up, %d down)", addr, maxUp, maxDown)
	return true, nil
}

func (e *RttEngine) loadChannels(base uint32, count int) ([]rttChannel, error) {
	channels := make([]rttChannel, count)
	for i := range channels {
		recordAddr := base + uint32(i)*rttChannelSize
		record := make([]byte, rttChannelSize)
		if err := e.s.transport.ReadMemory(recordAddr, record); err != nil {
			return nil, err
		}
		channels[i] = rttChannel{
			recordAddr: recordAddr,
			namePtr:    leToUint32(record[0:]),
			bufferPtr:  leToUint32(record[4:]),
			size:       leToUint32(record[8:]),
			wrOff:      leToUint32(record[12:]),
			rdOff:      leToUint32(record[16:]),
			flags:      leToUint32(record[20:]),
		}
	}
	return channels, nil
}

func (e *RttEngine) requireFound() error {
	if !e.found {
		return newError(InvalidOperation, "rtt control block not found yet")
	}
	return nil
}

// ChannelCounts reports how many up and down channel slots the control
// block declares. Slots may be empty (zero buffer).
func (e *RttEngine) ChannelCounts() (up, down int, err error) {
	if err := e.requireFound(); err != nil {
		return 0, 0, err
	}
	return len(e.up), len(e.down), nil
}

// ChannelInfo describes one channel slot. The name is read from target
// memory on every call; targets may fill it in late.
func (e *RttEngine) ChannelInfo(index int, dir RttDirection) (*RttChannelInfo, error) {
	ch, err := e.channel(index, dir)
	if err != nil {
		return nil, err
	}

	info := &RttChannelInfo{Index: index, Direction: dir, Size: ch.size}
	if ch.namePtr != 0 {
		buf := make([]byte, rttNameMax)
		if err := e.s.transport.ReadMemory(ch.namePtr, buf); err != nil {
			return nil, err
		}
		info.Name = cString(buf)
	}
	return info, nil
}

func (e *RttEngine) channel(index int, dir RttDirection) (*rttChannel, error) {
	if err := e.requireFound(); err != nil {
		return nil, err
	}

	channels := e.up
	if dir == RttDown {
		channels = e.down
	}
	if index < 0 || index >= len(channels) {
		return nil, errorf(InvalidParameter, "no %s channel %d", dir, index)
	}
	return &channels[index], nil
}

// refreshOffsets re-reads the write and read offsets of a channel record;
// they are the only fields the target changes after init.
func (e *RttEngine) refreshOffsets(ch *rttChannel) error {
	buf := make([]byte, 8)
	if err := e.s.transport.ReadMemory(ch.recordAddr+12, buf); err != nil {
		return err
	}
	ch.wrOff = leToUint32(buf[0:])
	ch.rdOff = leToUint32(buf[4:])
	return nil
}

// Read drains up to maxBytes from an up channel. A nil slice with no error
// means the channel is empty right now.
func (e *RttEngine) Read(index int, maxBytes uint32) ([]byte, error) {
	ch, err := e.channel(index, RttUp)
	if err != nil {
		return nil, err
	}
	if ch.size == 0 {
		return nil, errorf(InvalidParameter, "up channel %d has no buffer", index)
	}
	if err := e.refreshOffsets(ch); err != nil {
		return nil, err
	}

	if ch.wrOff == ch.rdOff {
		return nil, nil
	}

	var out []byte
	for ch.rdOff != ch.wrOff && uint32(len(out)) < maxBytes {
		// Readable run up to the write offset or the buffer end,
		// whichever comes first.
		end := ch.wrOff
		if ch.rdOff > ch.wrOff {
			end = ch.size
		}
		run := minU32(end-ch.rdOff, maxBytes-uint32(len(out)))

		buf := make([]byte, run)
		if err := e.s.transport.ReadMemory(ch.bufferPtr+ch.rdOff, buf); err != nil {
			return nil, err
		}
		out = append(out, buf...)

		ch.rdOff += run
		if ch.rdOff == ch.size {
			ch.rdOff = 0
		}
	}

	// Publish the new read offset so the target can reuse the space.
	if err := e.s.writeWord(ch.recordAddr+16, ch.rdOff); err != nil {
		return nil, err
	}

	return out, nil
}

// Write pushes data into a down channel. It returns how many bytes fit;
// the rest is the caller's to retry once the target drains the buffer.
func (e *RttEngine) Write(index int, data []byte) (uint32, error) {
	ch, err := e.channel(index, RttDown)
	if err != nil {
		return 0, err
	}
	if ch.size == 0 {
		return 0, errorf(InvalidParameter, "down channel %d has no buffer", index)
	}
	if err := e.refreshOffsets(ch); err != nil {
		return 0, err
	}

	var written uint32
	for len(data) > 0 {
		// One byte stays free so full and empty are distinguishable.
		var space uint32
		if ch.wrOff >= ch.rdOff {
			space = ch.size - ch.wrOff
			if ch.rdOff == 0 {
				space--
			}
		} else {
			space = ch.rdOff - ch.wrOff - 1
		}
		if space == 0 {
			break
		}

		run := minU32(space, uint32(len(data)))
		if err := e.s.transport.WriteMemory(ch.bufferPtr+ch.wrOff, data[:run]); err != nil {
			return written, err
		}
		data = data[run:]
		written += run

		ch.wrOff += run
		if ch.wrOff == ch.size {
			ch.wrOff = 0
		}
	}

	if written > 0 {
		if err := e.s.writeWord(ch.recordAddr+12, ch.wrOff); err != nil {
			return written, err
		}
	}

	return written, nil
}

// Stop wipes the control-block identifier so a later session does not latch
// onto stale channel records, then forgets everything.
func (e *RttEngine) Stop() error {
	if e.found {
		zero := make([]byte, rttIdSize)
		if err := e.s.transport.WriteMemory(e.cbAddr, zero); err != nil {
			return err
		}
	}

	e.found = false
	e.up = nil
	e.down = nil
	return nil
}
