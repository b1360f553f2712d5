// Copyright 2021 the nrfprog authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package nrfprog

import "time"

// deviceBase carries the per-family addresses and the behavior every family
// shares: Arm resets, CTRL-AP recover, NVMC writes. Family drivers embed it
// and override what differs.
type deviceBase struct {
	s      *Session
	family DeviceFamily
	nvmc   nvmc

	ahbAP  uint8
	ctrlAP uint8 // 0 when the family has no CTRL-AP

	ficrBase uint32
	uicrBase uint32
	uicrSize uint32
}

func (d *deviceBase) Family() DeviceFamily {
	return d.family
}

// SysReset pulls SYSRESETREQ through the AIRCR. The core comes up running.
func (d *deviceBase) SysReset() error {
	return d.s.writeWord(coreRegAIRCR, aircrVectKey|aircrSysReset)
}

// DebugReset arms the reset vector catch so the core halts at the first
// instruction, resets, and disarms again.
func (d *deviceBase) DebugReset() error {
	if err := d.s.writeWord(coreRegDEMCR, demcrVcCoreRst); err != nil {
		return err
	}
	if err := d.SysReset(); err != nil {
		return err
	}

	// Give the reset time to propagate before touching DEMCR again.
	time.Sleep(time.Millisecond)

	if err := d.s.writeWord(coreRegDEMCR, 0); err != nil {
		return err
	}
	return d.s.transport.Run()
}

// PinReset pulses the nRESET line. The debug logic loses power with the
// rest of the device; the session is left detached and must be reopened.
func (d *deviceBase) PinReset() error {
	if err := d.s.transport.AssertReset(true); err != nil {
		return err
	}
	time.Sleep(pinResetHoldMs * time.Millisecond)
	return d.s.transport.AssertReset(false)
}

func (d *deviceBase) EraseAll() error {
	d.s.reportProgress("erasing all flash")
	return d.nvmc.eraseAll()
}

func (d *deviceBase) ErasePage(addr uint32) error {
	return d.nvmc.erasePage(addr)
}

func (d *deviceBase) EraseUICR() error {
	d.s.reportProgress("erasing uicr")
	return d.nvmc.eraseUICR()
}

func (d *deviceBase) NvmcWrite(addr uint32, data []byte) error {
	return d.nvmc.write(addr, data)
}

// ctrlApRecover is the CTRL-AP mass erase shared by every family that has a
// CTRL-AP: request ERASEALL, wait for completion, then reset the device
// through the CTRL-AP so the cleared protection takes effect.
func (d *deviceBase) ctrlApRecover() error {
	if err := d.s.openAP(d.ctrlAP); err != nil {
		return err
	}

	if err := d.s.ctrlApWrite(d.ctrlAP, ctrlApRegEraseAll, 1); err != nil {
		return wrapError(RecoverFailed, err, "ctrl-ap erase request failed")
	}

	deadline := time.Now().Add(recoverTimeoutSec * time.Second)
	for {
		status, err := d.s.ctrlApRead(d.ctrlAP, ctrlApRegEraseAllStatus)
		if err != nil {
			return wrapError(RecoverFailed, err, "ctrl-ap erase status read failed")
		}
		if status == 0 {
			break
		}
		if time.Now().After(deadline) {
			return newError(RecoverFailed, "ctrl-ap erase did not complete")
		}
		time.Sleep(50 * time.Millisecond)
	}

	// Toggle the CTRL-AP reset to leave protection disabled.
	if err := d.s.ctrlApWrite(d.ctrlAP, ctrlApRegReset, 1); err != nil {
		return wrapError(RecoverFailed, err, "ctrl-ap reset assert failed")
	}
	if err := d.s.ctrlApWrite(d.ctrlAP, ctrlApRegReset, 0); err != nil {
		return wrapError(RecoverFailed, err, "ctrl-ap reset release failed")
	}

	time.Sleep(100 * time.Millisecond)

	if err := d.s.openAP(d.ahbAP); err != nil {
		return err
	}
	return d.s.powerUpDebug()
}

// ctrlApProtectionStatus decodes APPROTECTSTATUS. A zero bit means the
// corresponding protection is active.
func (d *deviceBase) ctrlApProtectionStatus() (ProtectionState, error) {
	if err := d.s.openAP(d.ctrlAP); err != nil {
		return ProtectionNone, err
	}

	status, err := d.s.ctrlApRead(d.ctrlAP, ctrlApRegApprotectStatus)
	if err != nil {
		return ProtectionNone, err
	}

	if status&1 == 0 {
		return ProtectionAll, nil
	}
	return ProtectionNone, nil
}

// Defaults for capabilities most families lack. The drivers that have the
// hardware override these.

func (d *deviceBase) IsEraseProtectEnabled() (bool, error) {
	return false, nil
}

func (d *deviceBase) EnableEraseProtect() error {
	return errorf(InvalidDeviceForOperation, "%s has no erase protection", d.family)
}

func (d *deviceBase) IsBlockProtectEnabled() (bool, error) {
	return false, nil
}

func (d *deviceBase) DisableBlockProtect() error {
	return nil
}

func (d *deviceBase) SelectCoprocessor(cp Coprocessor) error {
	if cp != CoprocessorApplication {
		return errorf(InvalidDeviceForOperation, "%s has no %s core", d.family, cp)
	}
	return d.s.openAP(d.ahbAP)
}

func (d *deviceBase) EnableCoprocessor(cp Coprocessor) error {
	return errorf(InvalidDeviceForOperation, "%s has no %s core", d.family, cp)
}

func (d *deviceBase) DisableCoprocessor(cp Coprocessor) error {
	return errorf(InvalidDeviceForOperation, "%s has no %s core", d.family, cp)
}

func (d *deviceBase) QspiCapable() bool {
	return false
}
