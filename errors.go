// Copyright 2024 The latencytrace Authors.
// SPDX-License-Identifier: Apache-2.0

package latencytrace

import "errors"

// ErrAlreadyInstalled is returned by MeasureLatencies and
// MeasureLatenciesProbed when a measurement is already running in this
// process. Only one measurement may be active at a time; a process-wide
// flag enforces this, while each measurement's subscriber and
// context-carried accumulators are reached only through the Runtime and
// context handed to its workload.
//
// Two other error-like conditions the engine must tolerate are
// deliberately not exposed as errors here: a panic inside a callback
// is recovered and logged inside the subscriber (that span's
// contribution is dropped, nothing else is affected), and an
// out-of-range duration is handled by saturating the recorded value at
// the histogram's configured bound (see package hist); neither can
// surface to a caller of this package.
var ErrAlreadyInstalled = errors.New("latencytrace: a measurement is already running in this process")
