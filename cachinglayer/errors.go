/*
 * Copyright (c) 2018-2020, NVIDIA CORPORATION. All rights reserved.
 */
package cachinglayer

import (
	"fmt"

	"github.com/golang/glog"
	"github.com/pkg/errors"
)

// Sentinel base errors. Concrete errors returned to callers wrap one of
// these via github.com/pkg/errors so that errors.Is / errors.Cause both
// work.
var (
	ErrInvalidCellID        = errors.New("invalid cell id")
	ErrInsufficientResource = errors.New("insufficient resource")
	ErrTranslatorLoadFailed = errors.New("translator load failed")
	ErrProgramming          = errors.New("programming error")

	// errMissingCell is the cause wrapped into ErrTranslatorLoadFailed when
	// an overall-successful GetCells response simply omits a cid that was
	// part of the requested batch.
	errMissingCell = errors.New("translator did not return requested cell")
)

func errInvalidCellID(slotKey string, cid int, uid int64) error {
	return errors.Wrapf(ErrInvalidCellID, "slot %q: uid %d resolved to out-of-range cid %d", slotKey, uid, cid)
}

func errInsufficientResource(slotKey string, cid int, bytes int64) error {
	return errors.Wrapf(ErrInsufficientResource, "slot %q: cid %d needs %d bytes", slotKey, cid, bytes)
}

func errTranslatorLoadFailed(slotKey string, cids []int, cause error) error {
	return errors.Wrapf(ErrTranslatorLoadFailed, "slot %q: batch %v: %v", slotKey, cids, cause)
}

// errProgramming logs the invariant violation at Error level with full
// context and returns it to the immediate caller rather than
// aborting the process -- a long-running cache server should not go down
// because one node's bookkeeping went wrong.
func errProgramming(format string, args ...interface{}) error {
	msg := fmt.Sprintf(format, args...)
	glog.Errorf("cachinglayer: programming error: %s", msg)
	return errors.Wrap(ErrProgramming, msg)
}
