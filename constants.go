// Copyright 2021 the nrfprog authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package nrfprog

// SWD clock limits of the supported probes. Values outside the probe's range
// are clamped, not rejected.
const (
	SwdMinSpeedKHz     = 125
	SwdMaxSpeedKHz     = 50000
	SwdDefaultSpeedKHz = 2000
)

// Minimum vendor-library version. The legacy floor is accepted for older
// tool cohorts but logs a warning instead of failing the open.
const (
	minLibraryMajor = 6
	minLibraryMinor = 42

	legacyLibraryMajor = 5
	legacyLibraryMinor = 2
)

// Arm debug-port registers (SWD addressing).
const (
	dpRegIDCode   = 0x00
	dpRegCtrlStat = 0x04
	dpRegSelect   = 0x08
	dpRegRdBuff   = 0x0C

	dpCtrlStatCSysPwrUpReq = 1 << 30
	dpCtrlStatCSysPwrUpAck = 1 << 31
	dpCtrlStatCDbgPwrUpReq = 1 << 28
	dpCtrlStatCDbgPwrUpAck = 1 << 29

	dpAccessPortMax = 255
)

// SW-DP IDCODE values seen on the supported families. The debug port is the
// one piece of the device that answers before a family driver is selected.
const (
	idCodeCortexM0  = 0x0BB11477 // nRF51
	idCodeCortexM4  = 0x2BA01477 // nRF52
	idCodeCortexM33 = 0x6BA02477 // nRF53, nRF91
)

// MEM-AP registers of the AHB-AP (AP 0).
const (
	apRegCSW = 0x00
	apRegTAR = 0x04
	apRegDRW = 0x0C
	apRegIDR = 0xFC
)

// CTRL-AP registers. The CTRL-AP stays reachable when readback protection
// locks the AHB-AP out, which is what makes recover possible.
const (
	ctrlApRegReset           = 0x000
	ctrlApRegEraseAll        = 0x004
	ctrlApRegEraseAllStatus  = 0x008
	ctrlApRegApprotectStatus = 0x00C
	ctrlApRegEraseProtect    = 0x018
	ctrlApRegIDR             = 0x0FC
)

// Core debug registers of the Arm v7-M/v8-M debug architecture.
const (
	coreRegDHCSR = 0xE000EDF0
	coreRegDCRSR = 0xE000EDF4
	coreRegDCRDR = 0xE000EDF8
	coreRegDEMCR = 0xE000EDFC
	coreRegAIRCR = 0xE000ED0C

	dhcsrDbgKey    = 0xA05F0000
	dhcsrCDebugEn  = 1 << 0
	dhcsrCHalt     = 1 << 1
	dhcsrCStep     = 1 << 2
	dhcsrSRegRdy   = 1 << 16
	dhcsrSHalt     = 1 << 17
	dhcsrSLockup   = 1 << 19
	dhcsrSResetSt  = 1 << 25
	dcrsrWriteBit  = 1 << 16
	aircrVectKey   = 0x05FA0000
	aircrSysReset  = 1 << 2
	demcrVcCoreRst = 1 << 0
	demcrTrcEna    = 1 << 24
)

// NVMC register offsets relative to the family's NVMC base.
const (
	nvmcRegReady      = 0x400
	nvmcRegReadyNext  = 0x408
	nvmcRegConfig     = 0x504
	nvmcRegErasePage  = 0x508
	nvmcRegEraseAll   = 0x50C
	nvmcRegEraseUicr  = 0x514
	nvmcRegEraseStart = 0x508 // nRF53/91 alias: page erase by write to first word

	nvmcConfigRen = 0
	nvmcConfigWen = 1
	nvmcConfigEen = 2
)

// POWER peripheral RAM-section control (nRF51/52).
const (
	powerRegResetReas     = 0x400
	powerRegRamSections   = 0x900 // RAM[n].POWER, stride 0x10
	powerRamSectionStride = 0x10
)

// VMC RAM-section control (nRF53/91).
const (
	vmcRegRamSections   = 0x600 // RAM[n].POWER, stride 0x10
	vmcRamSectionStride = 0x10
)

// QSPI peripheral register offsets (offset from the QSPI base).
const (
	qspiRegTasksActivate   = 0x000
	qspiRegTasksReadStart  = 0x004
	qspiRegTasksWriteStart = 0x008
	qspiRegTasksEraseStart = 0x00C
	qspiRegTasksDeactivate = 0x010
	qspiRegEventsReady     = 0x100
	qspiRegEnable          = 0x500
	qspiRegReadSrc         = 0x504
	qspiRegReadDst         = 0x508
	qspiRegReadCnt         = 0x50C
	qspiRegWriteDst        = 0x510
	qspiRegWriteSrc        = 0x514
	qspiRegWriteCnt        = 0x518
	qspiRegErasePtr        = 0x51C
	qspiRegEraseLen        = 0x520
	qspiRegPselSck         = 0x524
	qspiRegPselCsn         = 0x528
	qspiRegPselIo0         = 0x530
	qspiRegPselIo1         = 0x534
	qspiRegPselIo2         = 0x538
	qspiRegPselIo3         = 0x53C
	qspiRegIfconfig0       = 0x544
	qspiRegIfconfig1       = 0x600
	qspiRegStatus          = 0x604
	qspiRegAddrConf        = 0x624
	qspiRegCinstrConf      = 0x634
	qspiRegCinstrDat0      = 0x638
	qspiRegCinstrDat1      = 0x63C
)

// RTT control-block identifier planted by the target firmware in RAM.
const (
	rttMagic       = "SEGGER RTT"
	rttIdSize      = 16
	rttHeaderSize  = 24 // id + up count + down count
	rttChannelSize = 24 // name, buffer, size, wrOff, rdOff, flags
	rttNameMax     = 32
)

// Probe-side constants.
const (
	seggerVendorID = 0x1366

	pinResetHoldMs = 20

	probeSerialsMax  = 127
	comPortsPerProbe = 10
)

// Timeouts for device-side busy polling.
const (
	nvmcReadyRetries   = 1000
	eraseAllTimeoutSec = 30
	recoverTimeoutSec  = 60
	qspiReadyRetries   = 10000
)
