// Copyright 2021 the nrfprog authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package nrfprog

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// ProbeInfo summarizes the probe a session is attached to.
type ProbeInfo struct {
	SerialNumber uint32
	Firmware     string

	// Parsed out of the firmware string when it follows the usual
	// "J-Link ... compiled ..." shape; zero otherwise.
	HardwareMajor uint32
	HardwareMinor uint32
}

// Install directories look like "JLink_V758b" or "JLink_Linux_V642_x86_64";
// the two or three digits after V are major and minor.
var installVersionRe = regexp.MustCompile(`_V(\d)(\d{1,2})[a-z]?`)

func parseInstallVersion(dir string) (uint32, uint32) {
	m := installVersionRe.FindStringSubmatch(dir)
	if m == nil {
		return 0, 0
	}

	major, _ := strconv.ParseUint(m[1], 10, 32)
	minor, _ := strconv.ParseUint(m[2], 10, 32)
	return uint32(major), uint32(minor)
}

var firmwareHwRe = regexp.MustCompile(`V(\d+)\.(\d+)`)

// parseFirmwareString pulls the hardware revision out of a probe firmware
// identification string such as
// "J-Link OB-nRF5340-NordicSemi compiled Oct 30 2020 V1.0".
func parseFirmwareString(fw string) (major, minor uint32) {
	m := firmwareHwRe.FindStringSubmatch(fw)
	if m == nil {
		return 0, 0
	}

	maj, _ := strconv.ParseUint(m[1], 10, 32)
	min, _ := strconv.ParseUint(m[2], 10, 32)
	return uint32(maj), uint32(min)
}

// ProbeInfo reads the firmware identification of the attached probe.
func (s *Session) ProbeInfo() (*ProbeInfo, error) {
	if err := s.requireOpen(); err != nil {
		return nil, err
	}

	fw, err := s.transport.FirmwareString()
	if err != nil {
		return nil, err
	}
	fw = strings.TrimSpace(fw)

	info := &ProbeInfo{
		SerialNumber: s.transport.SerialNumber(),
		Firmware:     fw,
	}
	info.HardwareMajor, info.HardwareMinor = parseFirmwareString(fw)

	return info, nil
}

// ResetProbe power-cycles the probe hardware. The debug connection is lost;
// the session must be reopened afterwards.
func (s *Session) ResetProbe() error {
	if err := s.requireOpen(); err != nil {
		return err
	}

	s.log.Info("resetting probe")
	return s.transport.ResetProbe()
}

// ReplaceProbeFirmware flashes the probe with the firmware bundled in the
// vendor library, when the transport supports it.
func (s *Session) ReplaceProbeFirmware() error {
	if err := s.requireOpen(); err != nil {
		return err
	}

	s.log.Info("replacing probe firmware")
	return s.transport.ReplaceFirmware()
}

// VersionString formats a library version triple the way the vendor tools
// print it.
func VersionString(major, minor uint32, revision byte) string {
	if revision == 0 {
		return fmt.Sprintf("%d.%d", major, minor)
	}
	return fmt.Sprintf("%d.%d%c", major, minor, revision)
}
