// Package debug provides cheap invariant checks for the caching layer,
// switched on at process start by the CACHE_DEBUG environment variable.
// Mirrors the conventional cmn/debug idiom: checks are no-ops unless
// CACHE_DEBUG is set, so callers pay only a boolean test otherwise.
/*
 * Copyright (c) 2018-2020, NVIDIA CORPORATION. All rights reserved.
 */
package debug

import (
	"fmt"
	"os"

	"github.com/golang/glog"
)

// Enabled reports whether debug assertions are active for this process.
var Enabled = os.Getenv("CACHE_DEBUG") != ""

// Assert panics with a formatted message when cond is false and debug mode
// is enabled. A no-op otherwise.
func Assert(cond bool, args ...interface{}) {
	if !Enabled || cond {
		return
	}
	panic(fmt.Sprint(args...))
}

func Assertf(cond bool, format string, args ...interface{}) {
	if !Enabled || cond {
		return
	}
	panic(fmt.Sprintf(format, args...))
}

// Infof logs at V(4) only when debug mode is enabled; cheap no-op otherwise.
func Infof(format string, args ...interface{}) {
	if !Enabled {
		return
	}
	if glog.V(4) {
		glog.Infof(format, args...)
	}
}
