// Copyright 2021 the nrfprog authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package nrfprog

import "sort"

// RegionKind tells the programming pipeline how a range of the address space
// behaves: what erase means there, whether writes need the NVMC, and whether
// the range survives reset.
type RegionKind int

const (
	RegionUnknown RegionKind = iota
	RegionCode               // internal flash, page erase through NVMC
	RegionUICR               // user configuration registers, whole-UICR erase only
	RegionFICR               // factory information, read-only
	RegionRAM                // volatile, no erase concept
	RegionXIP                // external QSPI flash mapped into the address space
)

func (k RegionKind) String() string {
	switch k {
	case RegionCode:
		return "code"
	case RegionUICR:
		return "uicr"
	case RegionFICR:
		return "ficr"
	case RegionRAM:
		return "ram"
	case RegionXIP:
		return "xip"
	default:
		return "unknown"
	}
}

// MemoryRegion is one contiguous range of the target address space with
// uniform behavior.
type MemoryRegion struct {
	Kind     RegionKind
	Start    uint32
	Length   uint32
	PageSize uint32 // erase granularity; 0 when the kind has no page erase

	Readable bool
	Writable bool
	Erasable bool

	Label string
}

// End is the first address past the region.
func (r *MemoryRegion) End() uint32 {
	return r.Start + r.Length
}

func (r *MemoryRegion) contains(addr uint32) bool {
	return addr >= r.Start && addr < r.End()
}

// RegionSlice is the part of an address range that falls into one region.
// Offset is the position of the slice within the original range, so callers
// can index their data buffer directly.
type RegionSlice struct {
	Region *MemoryRegion
	Addr   uint32
	Length uint32
	Offset uint32
}

// MemoryMap is the address-space layout of one attached device, built by the
// family driver after identification. Regions are kept sorted by start
// address and never overlap.
type MemoryMap struct {
	regions []MemoryRegion
}

func newMemoryMap(regions []MemoryRegion) *MemoryMap {
	sorted := make([]MemoryRegion, len(regions))
	copy(sorted, regions)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Start < sorted[j].Start })
	return &MemoryMap{regions: sorted}
}

// Regions returns the layout in address order. The slice is shared; callers
// must not modify it.
func (m *MemoryMap) Regions() []MemoryRegion {
	return m.regions
}

// Find returns the region containing addr, or nil.
func (m *MemoryMap) Find(addr uint32) *MemoryRegion {
	idx := sort.Search(len(m.regions), func(i int) bool {
		return m.regions[i].End() > addr
	})
	if idx < len(m.regions) && m.regions[idx].contains(addr) {
		return &m.regions[idx]
	}
	return nil
}

// FindKind returns the first region of the given kind, or nil.
func (m *MemoryMap) FindKind(kind RegionKind) *MemoryRegion {
	for i := range m.regions {
		if m.regions[i].Kind == kind {
			return &m.regions[i]
		}
	}
	return nil
}

// Classify splits [addr, addr+length) into per-region slices. Every byte
// must be mapped, and all touched regions must share one kind: operations
// never silently straddle the barrier between, say, code flash and UICR.
// A zero length yields an empty classification.
func (m *MemoryMap) Classify(addr uint32, length uint32) ([]RegionSlice, error) {
	if length == 0 {
		return nil, nil
	}
	if addr+length < addr {
		return nil, errorf(InvalidParameter, "address range 0x%08x+0x%x wraps", addr, length)
	}

	var slices []RegionSlice
	var kind RegionKind

	cursor := addr
	end := addr + length
	for cursor < end {
		region := m.Find(cursor)
		if region == nil {
			return nil, errorf(InvalidParameter, "address 0x%08x is outside the device memory map", cursor)
		}

		if len(slices) == 0 {
			kind = region.Kind
		} else if region.Kind != kind {
			return nil, errorf(CrossesMemoryBarrier,
				"range 0x%08x+0x%x crosses from %s into %s", addr, length, kind, region.Kind)
		}

		sliceEnd := minU32(end, region.End())
		slices = append(slices, RegionSlice{
			Region: region,
			Addr:   cursor,
			Length: sliceEnd - cursor,
			Offset: cursor - addr,
		})
		cursor = sliceEnd
	}

	return slices, nil
}
