// Copyright 2021 the nrfprog authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package nrfprog

import (
	"os"
	"path/filepath"

	"golang.org/x/sys/windows/registry"
)

// findVendorLibrary resolves the vendor library on Windows. The install
// path registered by the vendor installer takes precedence; a scan of the
// default install directory is the fallback.
func findVendorLibrary(explicit string) (string, uint32, uint32, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", 0, 0, errorf(LibraryNotFound, "probe library not found at %q", explicit)
		}
		major, minor := parseInstallVersion(filepath.Base(filepath.Dir(explicit)))
		return explicit, major, minor, nil
	}

	if key, err := registry.OpenKey(registry.CURRENT_USER, `Software\SEGGER\J-Link`, registry.QUERY_VALUE); err == nil {
		installPath, _, err := key.GetStringValue("InstallPath")
		key.Close()
		if err == nil {
			candidate := filepath.Join(installPath, "JLink_x64.dll")
			if _, err := os.Stat(candidate); err == nil {
				major, minor := parseInstallVersion(filepath.Base(filepath.Clean(installPath)))
				return candidate, major, minor, nil
			}
		}
	}

	root := filepath.Join(os.Getenv("ProgramFiles"), "SEGGER")
	entries, err := os.ReadDir(root)
	if err != nil {
		return "", 0, 0, newError(LibraryNotFound, "no probe library installation found")
	}

	var bestPath string
	var bestMajor, bestMinor uint32
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		major, minor := parseInstallVersion(entry.Name())
		if major == 0 {
			continue
		}
		candidate := filepath.Join(root, entry.Name(), "JLink_x64.dll")
		if _, err := os.Stat(candidate); err != nil {
			continue
		}
		if major > bestMajor || (major == bestMajor && minor > bestMinor) {
			bestPath, bestMajor, bestMinor = candidate, major, minor
		}
	}

	if bestPath == "" {
		return "", 0, 0, newError(LibraryNotFound, "no probe library installation found")
	}
	return bestPath, bestMajor, bestMinor, nil
}
