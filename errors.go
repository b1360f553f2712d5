// Copyright 2021 the nrfprog authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package nrfprog

import (
	"errors"
	"fmt"
)

// ErrorCode enumerates the failure kinds reported by the library. The
// numeric values mirror the classic nrfjprog DLL return codes so that log
// output stays comparable with the vendor tools, but they are not part of
// the API contract.
type ErrorCode int

const (
	Success ErrorCode = 0

	OutOfMemory               ErrorCode = -1
	InvalidOperation          ErrorCode = -2
	InvalidParameter          ErrorCode = -3
	InvalidDeviceForOperation ErrorCode = -4
	WrongFamilyForDevice      ErrorCode = -5
	UnknownDevice             ErrorCode = -6
	CrossesMemoryBarrier      ErrorCode = -7

	ProbeNotFound    ErrorCode = -10
	CannotConnect    ErrorCode = -11
	LowVoltage       ErrorCode = -12
	NoProbeConnected ErrorCode = -13

	NvmcError     ErrorCode = -20
	RecoverFailed ErrorCode = -21

	ProtectionDenied    ErrorCode = -90
	MpuConfigDenied     ErrorCode = -91
	CoprocessorDisabled ErrorCode = -92
	TrustZoneDenied     ErrorCode = -93
	BlockProtectDenied  ErrorCode = -94

	LibraryNotFound   ErrorCode = -100
	LibraryLoadFailed ErrorCode = -101
	TransportError    ErrorCode = -102
	LibraryTooOld     ErrorCode = -103
	TransportTimeout  ErrorCode = -104

	SerialPortError ErrorCode = -110

	SubLibraryNotFound   ErrorCode = -150
	SubLibraryLoadFailed ErrorCode = -152

	VerifyError         ErrorCode = -160
	RamOffError         ErrorCode = -161
	FileOperationFailed ErrorCode = -162

	Timeout  ErrorCode = -220
	DfuError ErrorCode = -221

	InternalError  ErrorCode = -254
	NotImplemented ErrorCode = -255
)

var errorCodeNames = map[ErrorCode]string{
	Success:                   "Success",
	OutOfMemory:               "OutOfMemory",
	InvalidOperation:          "InvalidOperation",
	InvalidParameter:          "InvalidParameter",
	InvalidDeviceForOperation: "InvalidDeviceForOperation",
	WrongFamilyForDevice:      "WrongFamilyForDevice",
	UnknownDevice:             "UnknownDevice",
	CrossesMemoryBarrier:      "CrossesMemoryBarrier",
	ProbeNotFound:             "ProbeNotFound",
	CannotConnect:             "CannotConnect",
	LowVoltage:                "LowVoltage",
	NoProbeConnected:          "NoProbeConnected",
	NvmcError:                 "NvmcError",
	RecoverFailed:             "RecoverFailed",
	ProtectionDenied:          "ProtectionDenied",
	MpuConfigDenied:           "MpuConfigDenied",
	CoprocessorDisabled:       "CoprocessorDisabled",
	TrustZoneDenied:           "TrustZoneDenied",
	BlockProtectDenied:        "BlockProtectDenied",
	LibraryNotFound:           "LibraryNotFound",
	LibraryLoadFailed:         "LibraryLoadFailed",
	TransportError:            "TransportError",
	LibraryTooOld:             "LibraryTooOld",
	TransportTimeout:          "TransportTimeout",
	SerialPortError:           "SerialPortError",
	SubLibraryNotFound:        "SubLibraryNotFound",
	SubLibraryLoadFailed:      "SubLibraryLoadFailed",
	VerifyError:               "VerifyError",
	RamOffError:               "RamOffError",
	FileOperationFailed:       "FileOperationFailed",
	Timeout:                   "Timeout",
	DfuError:                  "DfuError",
	InternalError:             "InternalError",
	NotImplemented:            "NotImplemented",
}

func (c ErrorCode) String() string {
	if name, ok := errorCodeNames[c]; ok {
		return name
	}
	return fmt.Sprintf("ErrorCode(%d)", int(c))
}

// Error is the error type returned by every operation in this package. The
// Code carries the failure kind from the taxonomy above; the message and an
// optional underlying cause carry the diagnostics that also go to the logger.
type Error struct {
	Code  ErrorCode
	msg   string
	cause error
}

func (e *Error) Error() string {
	if e.msg == "" {
		return e.Code.String()
	}
	return fmt.Sprintf("%s: %s", e.Code, e.msg)
}

func (e *Error) Unwrap() error {
	return e.cause
}

func newError(code ErrorCode, msg string) error {
	return &Error{Code: code, msg: msg}
}

func errorf(code ErrorCode, format string, args ...interface{}) error {
	return &Error{Code: code, msg: fmt.Sprintf(format, args...)}
}

// wrapError attaches a taxonomy code to an underlying failure. The cause
// stays reachable through errors.Unwrap; its text is appended so a single
// log line shows the full story.
func wrapError(code ErrorCode, cause error, msg string) error {
	if cause == nil {
		return &Error{Code: code, msg: msg}
	}
	return &Error{Code: code, msg: fmt.Sprintf("%s: %v", msg, cause), cause: cause}
}

// CodeOf extracts the ErrorCode from err. Errors that did not originate in
// this package map to InternalError; nil maps to Success.
func CodeOf(err error) ErrorCode {
	if err == nil {
		return Success
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return InternalError
}
