// Copyright 2021 the nrfprog authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package nrfprog

// openAP selects an access port, initializing it on first use. The bitmap
// avoids re-running the init handshake on every switch; the probe remembers
// the selection until the next power cycle.
func (s *Session) openAP(ap uint8) error {
	if s.openedAPs.Get(int(ap)) {
		return s.transport.SelectAP(ap)
	}

	if err := s.transport.SelectAP(ap); err != nil {
		return err
	}

	// Reading the IDR completes the power-up of a freshly selected AP.
	if _, err := s.transport.ReadAPRegister(ap, apRegIDR); err != nil {
		return err
	}

	s.log.Debugf("access port %d enabled", ap)
	s.openedAPs.Set(int(ap), true)
	return nil
}

// ctrlApRead reads one CTRL-AP register. The CTRL-AP answers even on
// protected devices, which is what recover relies on.
func (s *Session) ctrlApRead(ap uint8, reg uint8) (uint32, error) {
	return s.transport.ReadAPRegister(ap, reg)
}

func (s *Session) ctrlApWrite(ap uint8, reg uint8, value uint32) error {
	return s.transport.WriteAPRegister(ap, reg, value)
}
