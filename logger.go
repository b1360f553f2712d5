// Copyright 2021 the nrfprog authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package nrfprog

import (
	"github.com/sirupsen/logrus"
	prefixed "github.com/x-cray/logrus-prefixed-formatter"
)

var logger *logrus.Logger = nil

func init() {
	logger = logrus.New()
	logger.SetFormatter(&prefixed.TextFormatter{
		FullTimestamp: true,
	})
	logger.SetLevel(logrus.InfoLevel)
}

// SetLogger replaces the package logger. Sessions opened afterwards derive
// their per-probe log entries from the new instance.
func SetLogger(loggerInstance *logrus.Logger) {
	logger = loggerInstance
}

// ProgressFunc receives short phase descriptions at milestone boundaries of
// long operations (chip erase, programming, recover, QSPI bulk transfers).
// The callback runs on the calling goroutine and must not call back into the
// Session that issued the operation.
type ProgressFunc func(phase string)

func (s *Session) reportProgress(phase string) {
	if s.progress != nil {
		s.progress(phase)
	}
	s.log.Debug(phase)
}
