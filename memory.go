// Copyright 2021 the nrfprog authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package nrfprog

// readWord and writeWord are the raw register-level accessors the family
// drivers and engines use for peripheral registers. They bypass the memory
// map on purpose: peripheral space is not part of it.
func (s *Session) readWord(addr uint32) (uint32, error) {
	buf := make([]byte, 4)
	if err := s.transport.ReadMemory(addr, buf); err != nil {
		return 0, err
	}
	return leToUint32(buf), nil
}

func (s *Session) writeWord(addr uint32, value uint32) error {
	buf := make([]byte, 4)
	uint32ToLe(buf, value)
	return s.transport.WriteMemory(addr, buf)
}

// ReadMemory reads length bytes starting at addr. The range must be fully
// mapped and must not cross between regions of different kinds; reads from
// unreadable regions fail with InvalidParameter.
func (s *Session) ReadMemory(addr uint32, length uint32) ([]byte, error) {
	if err := s.requireAttached(); err != nil {
		return nil, err
	}

	slices, err := s.memmap.Classify(addr, length)
	if err != nil {
		return nil, err
	}

	buf := make([]byte, length)
	for _, slice := range slices {
		if !slice.Region.Readable {
			return nil, errorf(InvalidParameter, "region %s at 0x%08x is not readable",
				slice.Region.Label, slice.Addr)
		}
		if err := s.transport.ReadMemory(slice.Addr, buf[slice.Offset:slice.Offset+slice.Length]); err != nil {
			return nil, err
		}
	}

	return buf, nil
}

// WriteMemory writes data at addr, routing each region kind to the right
// mechanism: RAM goes straight through the AHB-AP, code flash and UICR go
// through the NVMC, and XIP space requires an initialized QSPI engine.
// Flash writes need a halted core.
func (s *Session) WriteMemory(addr uint32, data []byte) error {
	if err := s.requireAttached(); err != nil {
		return err
	}

	slices, err := s.memmap.Classify(addr, uint32(len(data)))
	if err != nil {
		return err
	}

	for _, slice := range slices {
		region := slice.Region
		if !region.Writable {
			return errorf(InvalidParameter, "region %s at 0x%08x is not writable",
				region.Label, slice.Addr)
		}

		chunk := data[slice.Offset : slice.Offset+slice.Length]

		switch region.Kind {
		case RegionRAM:
			err = s.transport.WriteMemory(slice.Addr, chunk)
		case RegionCode, RegionUICR:
			if s.state != SessionAttachedHalted {
				return newError(InvalidOperation, "flash writes require a halted core")
			}
			err = s.driver.NvmcWrite(slice.Addr, chunk)
		case RegionXIP:
			if s.qspi == nil {
				return newError(InvalidOperation, "xip write requires an initialized qspi engine")
			}
			err = s.qspi.WriteMapped(slice.Addr, chunk)
		default:
			return errorf(InvalidParameter, "region %s cannot be written", region.Label)
		}
		if err != nil {
			return err
		}
	}

	return nil
}

// ReadWord reads one 32-bit word from a mapped address.
func (s *Session) ReadWord(addr uint32) (uint32, error) {
	buf, err := s.ReadMemory(addr, 4)
	if err != nil {
		return 0, err
	}
	return leToUint32(buf), nil
}

// WriteWord writes one 32-bit word to a mapped address.
func (s *Session) WriteWord(addr uint32, value uint32) error {
	buf := make([]byte, 4)
	uint32ToLe(buf, value)
	return s.WriteMemory(addr, buf)
}
