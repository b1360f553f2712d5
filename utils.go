// Copyright 2021 the nrfprog authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package nrfprog

import "github.com/google/gousb"

func idExists(slice []gousb.ID, item gousb.ID) bool {
	for _, element := range slice {
		if element == item {
			return true
		}
	}

	return false
}

// alignDown rounds addr down to the given power-of-two alignment.
func alignDown(addr uint32, align uint32) uint32 {
	return addr &^ (align - 1)
}

// alignUp rounds addr up to the given power-of-two alignment.
func alignUp(addr uint32, align uint32) uint32 {
	return (addr + align - 1) &^ (align - 1)
}

func minU32(a, b uint32) uint32 {
	if a < b {
		return a
	}
	return b
}

// cString trims a NUL-terminated byte buffer to a Go string.
func cString(buf []byte) string {
	for i, b := range buf {
		if b == 0 {
			return string(buf[:i])
		}
	}
	return string(buf)
}
