// Copyright 2021 the nrfprog authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package nrfprog

import "time"

// nvmc drives one non-volatile memory controller instance. All families
// share the register layout; only the base address and a few quirks differ,
// which stay in the family drivers.
type nvmc struct {
	s    *Session
	base uint32
}

func (n *nvmc) reg(offset uint32) uint32 {
	return n.base + offset
}

// waitReady polls the READY register until the controller has finished the
// current write or erase.
func (n *nvmc) waitReady() error {
	for i := 0; i < nvmcReadyRetries; i++ {
		ready, err := n.s.readWord(n.reg(nvmcRegReady))
		if err != nil {
			return err
		}
		if ready&1 != 0 {
			return nil
		}
	}
	return newError(NvmcError, "flash controller stuck busy")
}

func (n *nvmc) setConfig(mode uint32) error {
	if err := n.s.writeWord(n.reg(nvmcRegConfig), mode); err != nil {
		return err
	}
	return n.waitReady()
}

// write programs data into flash at addr. Unaligned head and tail bytes are
// merged with the current flash content so only the requested bytes change.
// Words that are not erased (and would not reach the requested value, since
// flash writes can only clear bits) fail fast with NvmcError before any
// write happens.
func (n *nvmc) write(addr uint32, data []byte) error {
	if len(data) == 0 {
		return nil
	}

	start := alignDown(addr, 4)
	end := alignUp(addr+uint32(len(data)), 4)

	current := make([]byte, end-start)
	if err := n.s.transport.ReadMemory(start, current); err != nil {
		return err
	}

	image := make([]byte, end-start)
	copy(image, current)
	copy(image[addr-start:], data)

	for i := 0; i < len(image); i += 4 {
		old := leToUint32(current[i:])
		want := leToUint32(image[i:])
		if old&want != want {
			return errorf(NvmcError, "flash at 0x%08x is not erased (0x%08x -> 0x%08x)",
				start+uint32(i), old, want)
		}
	}

	if err := n.setConfig(nvmcConfigWen); err != nil {
		return err
	}
	defer n.setConfig(nvmcConfigRen)

	if err := n.s.transport.WriteMemory(start, image); err != nil {
		return err
	}

	return n.waitReady()
}

// erasePage erases the flash page containing addr. addr must be the page
// start; the callers align it.
func (n *nvmc) erasePage(addr uint32) error {
	if err := n.setConfig(nvmcConfigEen); err != nil {
		return err
	}
	defer n.setConfig(nvmcConfigRen)

	if err := n.s.writeWord(n.reg(nvmcRegErasePage), addr); err != nil {
		return err
	}
	return n.waitEraseDone()
}

// erasePageByWrite is the nRF53/91 flavor: with erase enabled, writing any
// word of the page starts the page erase.
func (n *nvmc) erasePageByWrite(addr uint32) error {
	if err := n.setConfig(nvmcConfigEen); err != nil {
		return err
	}
	defer n.setConfig(nvmcConfigRen)

	if err := n.s.writeWord(addr, 0xFFFFFFFF); err != nil {
		return err
	}
	return n.waitEraseDone()
}

func (n *nvmc) eraseAll() error {
	if err := n.setConfig(nvmcConfigEen); err != nil {
		return err
	}
	defer n.setConfig(nvmcConfigRen)

	if err := n.s.writeWord(n.reg(nvmcRegEraseAll), 1); err != nil {
		return err
	}
	return n.waitEraseDone()
}

func (n *nvmc) eraseUICR() error {
	if err := n.setConfig(nvmcConfigEen); err != nil {
		return err
	}
	defer n.setConfig(nvmcConfigRen)

	if err := n.s.writeWord(n.reg(nvmcRegEraseUicr), 1); err != nil {
		return err
	}
	return n.waitEraseDone()
}

// waitEraseDone is waitReady with the wall-clock budget erases need; a full
// chip erase takes seconds where a word write takes microseconds.
func (n *nvmc) waitEraseDone() error {
	deadline := time.Now().Add(eraseAllTimeoutSec * time.Second)
	for time.Now().Before(deadline) {
		ready, err := n.s.readWord(n.reg(nvmcRegReady))
		if err != nil {
			return err
		}
		if ready&1 != 0 {
			return nil
		}
		time.Sleep(10 * time.Millisecond)
	}
	return newError(Timeout, "flash erase did not complete")
}
