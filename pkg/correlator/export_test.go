package correlator

import (
	"time"

	"github.com/cenkalti/backoff/v4"
)

func SetBackOff(w *Watcher, interval time.Duration) {
	w.newBackOff = func() backoff.BackOff {
		return backoff.NewConstantBackOff(interval)
	}
}
