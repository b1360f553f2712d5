// Copyright 2021 the nrfprog authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package nrfprog

import (
	"fmt"
	"sort"
	"strconv"

	"go.bug.st/serial/enumerator"
)

// EnumComPorts lists the virtual COM ports exposed by the probe with the
// given serial number, ordered by their index on the probe. Development kits
// route target UARTs through these ports, which is what the serial DFU path
// talks to.
func (l *Library) EnumComPorts(serial uint32) ([]ComPortInfo, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return nil, newError(InvalidOperation, "probe library is closed")
	}

	return enumComPorts(serial)
}

func enumComPorts(serial uint32) ([]ComPortInfo, error) {
	ports, err := enumerator.GetDetailedPortsList()
	if err != nil {
		return nil, wrapError(SerialPortError, err, "com port enumeration failed")
	}

	vendorID := fmt.Sprintf("%04x", seggerVendorID)
	want := strconv.FormatUint(uint64(serial), 10)

	var found []ComPortInfo
	for _, port := range ports {
		if !port.IsUSB || port.VID != vendorID {
			continue
		}
		if serial != 0 && port.SerialNumber != want {
			continue
		}

		portSerial := serial
		if parsed, err := strconv.ParseUint(port.SerialNumber, 10, 32); err == nil {
			portSerial = uint32(parsed)
		}

		found = append(found, ComPortInfo{
			Path:         port.Name,
			SerialNumber: portSerial,
		})
		if len(found) == comPortsPerProbe {
			break
		}
	}

	// Probes with several VCOMs enumerate in an OS-dependent order; sort by
	// path so the index is stable across calls.
	sort.Slice(found, func(i, j int) bool { return found[i].Path < found[j].Path })
	for i := range found {
		found[i].VCom = uint32(i)
	}

	return found, nil
}
