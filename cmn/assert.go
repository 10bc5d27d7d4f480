/*
 * Copyright (c) 2018-2020, NVIDIA CORPORATION. All rights reserved.
 */
package cmn

// Assert panics if cond is false. Reserved for conditions that indicate a
// bug in this module's own bookkeeping, never for caller/input errors.
func Assert(cond bool) {
	if !cond {
		panic("assertion failed")
	}
}
