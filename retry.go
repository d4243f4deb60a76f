package ploop

import "time"

// RetryPolicy is an externalized busy-retry policy (§4.4, §9 "The retry
// shim"), held in the package variables below that the device controller
// and mount manager read, rather than hard-coded into their loops.
type RetryPolicy struct {
	Attempts int
	Interval time.Duration
}

// BusyRetryPolicy is the 60×1s policy a small family of device-control
// calls use while the driver reports *busy* (§4.4).
var BusyRetryPolicy = RetryPolicy{Attempts: 60, Interval: time.Second}

// UmountRetryPolicy is the 6×1s policy umount uses when the target is busy
// (§4.5).
var UmountRetryPolicy = RetryPolicy{Attempts: 6, Interval: time.Second}

// sleeper is the pause between retry attempts, a package variable so it
// can be replaced.
var sleeper = time.Sleep

// retry calls fn until it succeeds, fn returns a non-retryable error, or
// the policy's attempts are exhausted. retryable classifies which errors
// are worth retrying; nil means "retry only on ErrBusy" via isRetryable.
func retry(p RetryPolicy, retryable func(error) bool, fn func() error) error {
	if retryable == nil {
		retryable = isRetryable
	}
	var err error
	for attempt := 0; attempt < p.Attempts; attempt++ {
		err = fn()
		if err == nil {
			return nil
		}
		if !retryable(err) {
			return err
		}
		if attempt < p.Attempts-1 {
			sleeper(p.Interval)
		}
	}
	return err
}
