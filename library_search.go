// Copyright 2021 the nrfprog authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

//go:build !windows
// +build !windows

package nrfprog

import (
	"os"
	"path/filepath"
	"runtime"
	"sort"
)

// Install roots searched for the vendor probe library when no explicit path
// is configured. Versioned install directories (JLink_V758b style) sort so
// that the newest installation wins.
var vendorSearchRoots = map[string][]string{
	"linux": {
		"/opt/SEGGER",
		"/usr/local/SEGGER",
	},
	"darwin": {
		"/Applications/SEGGER",
	},
}

var vendorLibraryNames = map[string]string{
	"linux":  "libjlinkarm.so",
	"darwin": "libjlinkarm.dylib",
}

// findVendorLibrary resolves the vendor library path and the version parsed
// from its install directory. With an explicit path only existence is
// checked; the version is parsed from the enclosing directory when possible
// and reported as 0.0 otherwise (treated as "unknown, accept with warning").
func findVendorLibrary(explicit string) (string, uint32, uint32, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", 0, 0, errorf(LibraryNotFound, "probe library not found at %q", explicit)
		}
		major, minor := parseInstallVersion(filepath.Base(filepath.Dir(explicit)))
		return explicit, major, minor, nil
	}

	libName := vendorLibraryNames[runtime.GOOS]

	type install struct {
		path         string
		major, minor uint32
	}
	var installs []install

	for _, root := range vendorSearchRoots[runtime.GOOS] {
		entries, err := os.ReadDir(root)
		if err != nil {
			continue
		}
		for _, entry := range entries {
			if !entry.IsDir() {
				continue
			}
			major, minor := parseInstallVersion(entry.Name())
			if major == 0 {
				continue
			}
			candidate := filepath.Join(root, entry.Name(), libName)
			if _, err := os.Stat(candidate); err == nil {
				installs = append(installs, install{candidate, major, minor})
			}
		}
	}

	if len(installs) == 0 {
		// Last resort: a bare name the dynamic linker can resolve from
		// its own search path. Version is unknown at this point.
		return libName, 0, 0, nil
	}

	sort.Slice(installs, func(i, j int) bool {
		if installs[i].major != installs[j].major {
			return installs[i].major > installs[j].major
		}
		return installs[i].minor > installs[j].minor
	})

	best := installs[0]
	return best.path, best.major, best.minor, nil
}
