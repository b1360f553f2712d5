// Copyright 2021 the nrfprog authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package nrfprog

import "testing"

// versionedProvider overrides the reported backing-library version.
type versionedProvider struct {
	*simProvider
	major, minor uint32
}

func (p *versionedProvider) Version() (uint32, uint32, byte) {
	return p.major, p.minor, 'a'
}

func openWithVersion(t *testing.T, major, minor uint32) (*Library, error) {
	t.Helper()
	return OpenLibrary(&LibraryConfig{
		Provider: &versionedProvider{simProvider: newSimProvider(), major: major, minor: minor},
	})
}

func TestVersionGate(t *testing.T) {
	lib, err := openWithVersion(t, 7, 58)
	if err != nil {
		t.Fatalf("7.58 rejected: %v", err)
	}
	lib.Close()

	// The legacy floor is accepted (with a warning, which we cannot see
	// here) so older tool installations keep working.
	lib, err = openWithVersion(t, 5, 2)
	if err != nil {
		t.Fatalf("5.2 rejected: %v", err)
	}
	lib.Close()

	if _, err := openWithVersion(t, 5, 1); CodeOf(err) != LibraryTooOld {
		t.Fatalf("5.1 accepted: %v", err)
	}
	if _, err := openWithVersion(t, 4, 98); CodeOf(err) != LibraryTooOld {
		t.Fatalf("4.98 accepted: %v", err)
	}
}

func TestVersionGateConfigurable(t *testing.T) {
	// A caller-raised minimum still falls back to the legacy floor.
	lib, err := OpenLibrary(&LibraryConfig{
		Provider:        &versionedProvider{simProvider: newSimProvider(), major: 6, minor: 50},
		MinVersionMajor: 7,
		MinVersionMinor: 0,
	})
	if err != nil {
		t.Fatalf("6.50 below raised minimum should warn, not fail: %v", err)
	}
	lib.Close()
}

func TestLibrarySingleton(t *testing.T) {
	lib, err := OpenLibrary(&LibraryConfig{Provider: newSimProvider()})
	if err != nil {
		t.Fatalf("OpenLibrary: %v", err)
	}

	if _, err := OpenLibrary(&LibraryConfig{Provider: newSimProvider()}); CodeOf(err) != InvalidOperation {
		t.Errorf("second open: got %v, want InvalidOperation", err)
	}

	lib.Close()

	// After close the slot frees up again.
	lib, err = OpenLibrary(&LibraryConfig{Provider: newSimProvider()})
	if err != nil {
		t.Fatalf("reopen after close: %v", err)
	}
	lib.Close()
}

func TestEnumProbes(t *testing.T) {
	lib, err := OpenLibrary(&LibraryConfig{Provider: newSimProvider()})
	if err != nil {
		t.Fatalf("OpenLibrary: %v", err)
	}
	defer lib.Close()

	serials, err := lib.EnumProbes()
	if err != nil {
		t.Fatalf("EnumProbes: %v", err)
	}
	if len(serials) != 1 || serials[0] != simSerialNumber {
		t.Errorf("EnumProbes = %v", serials)
	}
}

func TestOpenSessionNoProbe(t *testing.T) {
	provider := newSimProvider()
	lib, err := OpenLibrary(&LibraryConfig{Provider: provider})
	if err != nil {
		t.Fatalf("OpenLibrary: %v", err)
	}
	defer lib.Close()

	if _, err := lib.OpenSession(12345, 0); CodeOf(err) != NoProbeConnected {
		t.Errorf("wrong serial: got %v, want NoProbeConnected", err)
	}
}

func TestClosedLibrary(t *testing.T) {
	lib, err := OpenLibrary(&LibraryConfig{Provider: newSimProvider()})
	if err != nil {
		t.Fatalf("OpenLibrary: %v", err)
	}
	lib.Close()

	if _, err := lib.EnumProbes(); CodeOf(err) != InvalidOperation {
		t.Errorf("EnumProbes on closed library: %v", err)
	}
	if _, err := lib.OpenSession(0, 0); CodeOf(err) != InvalidOperation {
		t.Errorf("OpenSession on closed library: %v", err)
	}
}
