package filesystem

// Observer records filesystem retry metrics. The metrics package provides
// the Prometheus implementation; filesystem cannot import it without a
// cycle.
type Observer interface {
	// ObserveOperation records the total duration of one operation,
	// retries included. op is "stat", "open", "read" or "rename".
	ObserveOperation(op, volume string, seconds float64, err error)
	ObserveStaleError(op, volume string)
	ObserveRetryAttempt(op, volume string)
	ObserveRetrySuccess(op, volume string)
	ObserveRetryFailure(op, volume string)
}

// nopObserver is used until SetObserver is called.
type nopObserver struct{}

func (nopObserver) ObserveOperation(string, string, float64, error) {}
func (nopObserver) ObserveStaleError(string, string)                 {}
func (nopObserver) ObserveRetryAttempt(string, string)               {}
func (nopObserver) ObserveRetrySuccess(string, string)               {}
func (nopObserver) ObserveRetryFailure(string, string)               {}

var defaultObserver Observer = nopObserver{}

// SetObserver sets the package-level metrics observer. Passing nil turns
// recording off.
func SetObserver(o Observer) {
	if o == nil {
		o = nopObserver{}
	}
	defaultObserver = o
}
