package ringbuffer

import "time"

// signal is a single-slot wakeup. A Signal with nobody waiting is kept
// until the next Wait; extra signals collapse into one.
type signal struct {
	ch chan struct{}
}

func newSignal() signal {
	return signal{ch: make(chan struct{}, 1)}
}

func (s signal) Signal() {
	select {
	case s.ch <- struct{}{}:
	default:
	}
}

// Wait blocks until signalled or until timeout elapses. It reports whether
// it was signalled.
func (s signal) Wait(timeout time.Duration) bool {
	if timeout <= 0 {
		return false
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-s.ch:
		return true
	case <-timer.C:
		return false
	}
}

// drain discards a pending signal
func (s signal) drain() {
	select {
	case <-s.ch:
	default:
	}
}
