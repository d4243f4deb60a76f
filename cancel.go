package ploop

import "sync/atomic"

// CancelFlag is the process-wide cancellation token of §4.8. Long-running
// loops (preallocated-delta fill, mode conversion, version conversion,
// live-copy phases) poll it at each cluster boundary; reading it
// clears it, mirroring a one-shot interrupt flag rather than a sticky
// state.
type CancelFlag struct {
	set atomic.Bool
}

// defaultCancel is the token consulted by operations that don't have one
// threaded in explicitly.
var defaultCancel CancelFlag

// Cancel requests cancellation of the current long-running operation.
func (f *CancelFlag) Cancel() { f.set.Store(true) }

// Cancel requests cancellation on the process-wide default token.
func Cancel() { defaultCancel.Cancel() }

// consume reports whether cancellation was requested, clearing the flag.
func (f *CancelFlag) consume() bool {
	return f.set.CompareAndSwap(true, false)
}

// checkCancel returns ErrCancelled if f requested cancellation, consuming
// the request. A nil f always reports "not cancelled".
func checkCancel(f *CancelFlag) error {
	if f == nil {
		f = &defaultCancel
	}
	if f.consume() {
		return newError(CodeLoop, "checkCancel", ErrCancelled)
	}
	return nil
}
