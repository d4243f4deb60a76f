package ploop

// Option configures an Engine at construction time.
type Option func(*Engine)

// WithCommander overrides the Commander used for external fsck/mkfs/resize
// tool invocations. The default is DefaultCommander.
func WithCommander(cmd Commander) Option {
	return func(e *Engine) {
		if cmd != nil {
			e.Commander = cmd
		}
	}
}

// WithCancelFlag gives the Engine an explicit cancellation token instead of
// the package-wide default, letting independent Engines (e.g. one per
// concurrent caller) cancel their own long-running operations.
func WithCancelFlag(f *CancelFlag) Option {
	return func(e *Engine) {
		e.Cancel = f
	}
}

// WithBusyRetryPolicy overrides the retry policy used when a device control
// call reports EBUSY (§4.3). The policy is process-wide, matching the
// single in-flight operation model the control device itself enforces.
func WithBusyRetryPolicy(p RetryPolicy) Option {
	return func(e *Engine) {
		BusyRetryPolicy = p
	}
}

// WithUmountRetryPolicy overrides the retry policy used when unmounting a
// filesystem that a lingering process still holds open.
func WithUmountRetryPolicy(p RetryPolicy) Option {
	return func(e *Engine) {
		UmountRetryPolicy = p
	}
}
