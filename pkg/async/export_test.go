package async

// SetTimeoutTestingMode forces every deadline of rt to expire after one
// millisecond while errors keep reporting the configured limit.
func (rt *Runtime) SetTimeoutTestingMode(on bool) {
	rt.timeoutTestingMode.Store(on)
}
