// Copyright 2021 the nrfprog authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package nrfprog

import (
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"
)

// LibraryConfig carries everything OpenLibrary needs. The zero value asks
// for auto-detection of the vendor library and family identification at
// attach time.
type LibraryConfig struct {
	// Path of the vendor probe library. Empty means platform search for
	// the newest installed version.
	Path string

	// Family the caller expects to attach to. FamilyAuto defers the
	// decision to the debug-port identification during session open.
	Family DeviceFamily

	// Provider overrides the built-in USB transport. Used by alternative
	// vendor-library bindings and by tests.
	Provider TransportProvider

	// MinVersionMajor/Minor override the default minimum vendor-library
	// version (6.42). The legacy 5.2 floor is accepted with a warning.
	MinVersionMajor uint32
	MinVersionMinor uint32

	// Logger overrides the package logger for this library instance.
	Logger *logrus.Logger

	// Progress receives milestone strings from long operations on any
	// session opened through this library.
	Progress ProgressFunc
}

// Library is the root handle: it owns the transport provider and creates
// Sessions. At most one Library is open per process, mirroring the exclusive
// nature of the underlying vendor library.
type Library struct {
	provider TransportProvider
	family   DeviceFamily
	log      *logrus.Entry
	progress ProgressFunc

	mu     sync.Mutex
	closed bool
}

var (
	libraryMu   sync.Mutex
	libraryOpen bool
)

// OpenLibrary resolves and version-checks the probe library and returns the
// Library handle. Fails with LibraryNotFound when neither the explicit path
// nor the platform search yields a library, LibraryTooOld when the version
// check fails, and InvalidOperation when a Library is already open.
func OpenLibrary(cfg *LibraryConfig) (*Library, error) {
	if cfg == nil {
		cfg = &LibraryConfig{}
	}

	libraryMu.Lock()
	defer libraryMu.Unlock()

	if libraryOpen {
		return nil, newError(InvalidOperation, "probe library is already open")
	}

	baseLogger := logger
	if cfg.Logger != nil {
		baseLogger = cfg.Logger
	}
	log := baseLogger.WithField("component", "library")

	provider := cfg.Provider
	if provider == nil {
		var err error
		provider, err = newUSBProvider(cfg.Path)
		if err != nil {
			return nil, err
		}
	}

	if err := checkLibraryVersion(provider, cfg.MinVersionMajor, cfg.MinVersionMinor, log); err != nil {
		provider.Close()
		return nil, err
	}

	lib := &Library{
		provider: provider,
		family:   cfg.Family,
		log:      log,
		progress: cfg.Progress,
	}

	libraryOpen = true
	log.Infof("opened probe library %s", provider.Name())

	return lib, nil
}

func checkLibraryVersion(provider TransportProvider, minMajor, minMinor uint32, log *logrus.Entry) error {
	major, minor, rev := provider.Version()

	if minMajor == 0 {
		minMajor, minMinor = minLibraryMajor, minLibraryMinor
	}

	if major == 0 {
		log.Warn("probe library version unknown, continuing anyway")
		return nil
	}

	version := fmt.Sprintf("%d.%d%c", major, minor, rev)

	if versionAtLeast(major, minor, minMajor, minMinor) {
		log.Debugf("probe library version %s", version)
		return nil
	}

	if versionAtLeast(major, minor, legacyLibraryMajor, legacyLibraryMinor) {
		log.Warnf("probe library version %s is below the recommended %d.%d; some operations may misbehave",
			version, minMajor, minMinor)
		return nil
	}

	return errorf(LibraryTooOld, "probe library version %s, need at least %d.%d", version, minMajor, minMinor)
}

func versionAtLeast(major, minor, wantMajor, wantMinor uint32) bool {
	if major != wantMajor {
		return major > wantMajor
	}
	return minor >= wantMinor
}

// Close releases the provider. Sessions opened from this library must be
// closed first; Close does not chase them.
func (l *Library) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return nil
	}
	l.closed = true

	err := l.provider.Close()

	libraryMu.Lock()
	libraryOpen = false
	libraryMu.Unlock()

	l.log.Info("closed probe library")
	return err
}

// EnumProbes lists the serial numbers of all reachable probes.
func (l *Library) EnumProbes() ([]uint32, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return nil, newError(InvalidOperation, "probe library is closed")
	}

	return l.provider.Enumerate()
}

// OpenSession acquires exclusive use of the probe with the given serial
// number and attaches to the target. A serial of 0 selects the first
// enumerated probe. clockKHz outside the supported SWD range is clamped;
// 0 selects the default 2000 kHz.
func (l *Library) OpenSession(serial uint32, clockKHz uint32) (*Session, error) {
	return l.OpenSessionCoprocessor(serial, clockKHz, CoprocessorApplication)
}

// OpenSessionCoprocessor is OpenSession with an initial coprocessor
// selection for multi-core devices.
func (l *Library) OpenSessionCoprocessor(serial uint32, clockKHz uint32, cp Coprocessor) (*Session, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return nil, newError(InvalidOperation, "probe library is closed")
	}

	if serial == 0 {
		serials, err := l.provider.Enumerate()
		if err != nil {
			return nil, err
		}
		if len(serials) == 0 {
			return nil, newError(NoProbeConnected, "no debug probe connected")
		}
		serial = serials[0]
	}

	transport, err := l.provider.Open(serial)
	if err != nil {
		return nil, err
	}

	s, err := newSession(l, transport, clockKHz, cp)
	if err != nil {
		transport.Close()
		return nil, err
	}

	return s, nil
}
