// Copyright 2021 the nrfprog authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package nrfprog

import "testing"

func TestSessionAttach(t *testing.T) {
	lib, session, _ := openSimSession(t)
	defer lib.Close()
	defer session.Close()

	if session.State() != SessionAttachedHalted {
		t.Errorf("state = %s, want attached-halted", session.State())
	}
	if session.Family() != FamilyNRF52 {
		t.Errorf("family = %s", session.Family())
	}

	info := session.DeviceInfo()
	if info == nil {
		t.Fatal("no device info")
	}
	if info.Name != "nRF52840_xxAA" {
		t.Errorf("name = %q", info.Name)
	}
	if info.CodeSize != simFlashSize || info.CodePage != simPageSize {
		t.Errorf("flash geometry %d/%d", info.CodeSize, info.CodePage)
	}
	if info.RAMSize != simRAMSize {
		t.Errorf("ram size %d", info.RAMSize)
	}
	if session.Protection() != ProtectionNone {
		t.Errorf("protection = %s", session.Protection())
	}
}

func TestSessionCloseIdempotent(t *testing.T) {
	lib, session, transport := openSimSession(t)
	defer lib.Close()

	if err := session.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if !transport.closed {
		t.Error("transport not closed")
	}
	if err := session.Close(); err != nil {
		t.Errorf("second Close: %v", err)
	}

	if _, err := session.ReadMemory(0, 4); CodeOf(err) != InvalidOperation {
		t.Errorf("read after close: %v", err)
	}
	if err := session.Halt(); CodeOf(err) != InvalidOperation {
		t.Errorf("halt after close: %v", err)
	}
}

func TestRunHaltStep(t *testing.T) {
	lib, session, transport := openSimSession(t)
	defer lib.Close()
	defer session.Close()

	if err := session.Run(); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if session.State() != SessionAttachedRunning {
		t.Errorf("state after run = %s", session.State())
	}
	if transport.halted {
		t.Error("sim core still halted")
	}

	// Step needs a halted core.
	if err := session.Step(); CodeOf(err) != InvalidOperation {
		t.Errorf("step while running: %v", err)
	}

	if err := session.Halt(); err != nil {
		t.Fatalf("Halt: %v", err)
	}
	if err := session.Step(); err != nil {
		t.Errorf("Step: %v", err)
	}

	state, err := session.CoreState()
	if err != nil || state != CoreHalted {
		t.Errorf("CoreState = %v, %v", state, err)
	}
}

func TestCpuRegisters(t *testing.T) {
	lib, session, _ := openSimSession(t)
	defer lib.Close()
	defer session.Close()

	if err := session.WriteCpuRegister(RegPC, 0x1234); err != nil {
		t.Fatalf("WriteCpuRegister: %v", err)
	}
	value, err := session.ReadCpuRegister(RegPC)
	if err != nil {
		t.Fatalf("ReadCpuRegister: %v", err)
	}
	if value != 0x1234 {
		t.Errorf("pc = 0x%x, want 0x1234", value)
	}

	// Register access is a halted-only operation.
	if err := session.Run(); err != nil {
		t.Fatal(err)
	}
	if _, err := session.ReadCpuRegister(RegR0); CodeOf(err) != InvalidOperation {
		t.Errorf("register read while running: %v", err)
	}
}

func TestReset(t *testing.T) {
	lib, session, transport := openSimSession(t)
	defer lib.Close()
	defer session.Close()

	if err := session.Reset(ResetAction(42)); CodeOf(err) != InvalidParameter {
		t.Errorf("bogus reset action: %v", err)
	}

	// A system reset comes back with the core halted.
	if err := session.Reset(ResetSystem); err != nil {
		t.Fatalf("Reset: %v", err)
	}
	if transport.resets != 1 {
		t.Errorf("resets = %d", transport.resets)
	}
	if session.State() != SessionAttachedHalted {
		t.Errorf("state after system reset = %s", session.State())
	}
	if !transport.halted {
		t.Error("core running after system reset")
	}

	// A pin reset powers the debug logic down; the session detaches.
	if err := session.Reset(ResetPin); err != nil {
		t.Fatalf("pin reset: %v", err)
	}
	if transport.resets != 2 {
		t.Errorf("resets = %d", transport.resets)
	}
	if session.State() != SessionDetached {
		t.Errorf("state after pin reset = %s", session.State())
	}
	if _, err := session.ReadMemory(0, 4); CodeOf(err) != InvalidOperation {
		t.Errorf("read after pin reset: %v", err)
	}

	// The probe is still held and Close releases it.
	if err := session.Close(); err != nil {
		t.Errorf("Close after pin reset: %v", err)
	}
	if !transport.closed {
		t.Error("transport not released")
	}
}

func TestRamReadWrite(t *testing.T) {
	lib, session, _ := openSimSession(t)
	defer lib.Close()
	defer session.Close()

	data := []byte{0xDE, 0xAD, 0xBE, 0xEF, 0x01}
	addr := uint32(simRAMBase + 0x100)

	if err := session.WriteMemory(addr, data); err != nil {
		t.Fatalf("WriteMemory: %v", err)
	}

	got, err := session.ReadMemory(addr, uint32(len(data)))
	if err != nil {
		t.Fatalf("ReadMemory: %v", err)
	}
	for i := range data {
		if got[i] != data[i] {
			t.Fatalf("byte %d: got 0x%02x, want 0x%02x", i, got[i], data[i])
		}
	}

	if _, err := session.ReadWord(addr); err != nil {
		t.Errorf("ReadWord: %v", err)
	}
}

func TestFicrReadOnly(t *testing.T) {
	lib, session, _ := openSimSession(t)
	defer lib.Close()
	defer session.Close()

	if err := session.WriteMemory(simFICRBase, []byte{0, 0, 0, 0}); CodeOf(err) != InvalidParameter {
		t.Errorf("ficr write: %v", err)
	}
}

func TestProtectedAttachAndRecover(t *testing.T) {
	provider := newSimProvider()
	provider.transport.protected = true

	lib, err := OpenLibrary(&LibraryConfig{Provider: provider})
	if err != nil {
		t.Fatalf("OpenLibrary: %v", err)
	}
	defer lib.Close()

	session, err := lib.OpenSession(0, 0)
	if err != nil {
		t.Fatalf("OpenSession on protected device: %v", err)
	}
	defer session.Close()

	if session.State() != SessionReady {
		t.Errorf("state = %s, want ready", session.State())
	}
	if session.Protection() != ProtectionAll {
		t.Errorf("protection = %s", session.Protection())
	}
	if session.DeviceInfo() != nil {
		t.Error("protected device should not identify")
	}

	// Memory access is fenced off until recover.
	if _, err := session.ReadMemory(0, 4); CodeOf(err) != ProtectionDenied {
		t.Errorf("read on protected device: %v", err)
	}

	if err := session.Recover(); err != nil {
		t.Fatalf("Recover: %v", err)
	}
	if session.Protection() != ProtectionNone {
		t.Errorf("protection after recover = %s", session.Protection())
	}
	if session.State() != SessionAttachedHalted {
		t.Errorf("state after recover = %s", session.State())
	}
	if session.DeviceInfo() == nil {
		t.Error("no device info after recover")
	}

	// Recover wiped everything.
	data, err := session.ReadMemory(0, 16)
	if err != nil {
		t.Fatalf("read after recover: %v", err)
	}
	for _, b := range data {
		if b != 0xFF {
			t.Fatal("flash not blank after recover")
		}
	}
}

func TestRamSections(t *testing.T) {
	lib, session, _ := openSimSession(t)
	defer lib.Close()
	defer session.Close()

	states, count, size, err := session.IsRamPowered()
	if err != nil {
		t.Fatalf("IsRamPowered: %v", err)
	}
	if count != nrf52RamSections {
		t.Errorf("count = %d", count)
	}
	if size != simRAMSize/nrf52RamSections {
		t.Errorf("section size = %d", size)
	}
	if len(states) != int(count) {
		t.Errorf("states = %v", states)
	}

	if err := session.PowerRamSection(0, RamOn); err != nil {
		t.Errorf("PowerRamSection: %v", err)
	}
	if err := session.PowerRamSection(99, RamOn); CodeOf(err) != InvalidParameter {
		t.Errorf("out of range section: %v", err)
	}

	if err := session.PowerAllRam(); err != nil {
		t.Errorf("PowerAllRam: %v", err)
	}
	states, err = session.RamSectionStates()
	if err != nil {
		t.Fatal(err)
	}
	for i, state := range states {
		if state != RamOn {
			t.Errorf("section %d still off", i)
		}
	}
}

func TestSetProtectionValidation(t *testing.T) {
	lib, session, transport := openSimSession(t)
	defer lib.Close()
	defer session.Close()

	// nRF52 has no region-0 protection.
	if err := session.SetProtection(ProtectionRegion0); CodeOf(err) != InvalidParameter {
		t.Errorf("region0 on nRF52: %v", err)
	}

	if err := session.SetProtection(ProtectionAll); err != nil {
		t.Fatalf("SetProtection: %v", err)
	}
	if session.Protection() != ProtectionAll {
		t.Errorf("protection = %s", session.Protection())
	}
	if transport.resets != 1 {
		t.Errorf("arming protection should reset, resets = %d", transport.resets)
	}

	// The UICR APPROTECT word got programmed.
	approtect := leToUint32(transport.uicr[0x208:])
	if approtect == 0xFFFFFFFF {
		t.Error("uicr approtect still erased")
	}
}

func TestUnknownDeviceAttach(t *testing.T) {
	provider := newSimProvider()
	provider.transport.idcode = 0x12345678

	lib, err := OpenLibrary(&LibraryConfig{Provider: provider})
	if err != nil {
		t.Fatalf("OpenLibrary: %v", err)
	}
	defer lib.Close()

	session, err := lib.OpenSession(0, 0)
	if err != nil {
		t.Fatalf("OpenSession on unknown device: %v", err)
	}
	defer session.Close()

	if session.Family() != FamilyUnknown {
		t.Errorf("family = %s", session.Family())
	}
	if session.State() != SessionAttachedHalted {
		t.Errorf("state = %s", session.State())
	}

	info := session.DeviceInfo()
	if info == nil || info.Family != FamilyUnknown {
		t.Fatalf("device info = %+v", info)
	}

	// Run control still works over the plain debug interface.
	if err := session.Run(); err != nil {
		t.Errorf("Run: %v", err)
	}
	if err := session.Halt(); err != nil {
		t.Errorf("Halt: %v", err)
	}

	// Everything family specific is refused.
	if err := session.EraseAll(); CodeOf(err) != UnknownDevice {
		t.Errorf("EraseAll: %v", err)
	}
	if err := session.Recover(); CodeOf(err) != UnknownDevice {
		t.Errorf("Recover: %v", err)
	}
	if err := session.SetProtection(ProtectionAll); CodeOf(err) != InvalidParameter {
		t.Errorf("SetProtection: %v", err)
	}

	// No memory map, so memory access fails classification.
	if _, err := session.ReadMemory(0, 4); CodeOf(err) != InvalidParameter {
		t.Errorf("ReadMemory: %v", err)
	}
}

func TestProbeInfo(t *testing.T) {
	lib, session, _ := openSimSession(t)
	defer lib.Close()
	defer session.Close()

	info, err := session.ProbeInfo()
	if err != nil {
		t.Fatalf("ProbeInfo: %v", err)
	}
	if info.SerialNumber != simSerialNumber {
		t.Errorf("serial = %d", info.SerialNumber)
	}
	if info.HardwareMajor != 1 || info.HardwareMinor != 0 {
		t.Errorf("hw version %d.%d", info.HardwareMajor, info.HardwareMinor)
	}
}
