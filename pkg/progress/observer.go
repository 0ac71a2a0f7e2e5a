package progress

import "time"

// Observer receives transfer accounting, typically for metrics.
type Observer interface {
	Transferred(op string, n int64)
	Finished(op string, err error, elapsed time.Duration)
}

// NopObserver discards everything.
type NopObserver struct{}

func (NopObserver) Transferred(string, int64)             {}
func (NopObserver) Finished(string, error, time.Duration) {}
