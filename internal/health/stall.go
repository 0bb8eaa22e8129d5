package health

import (
	"context"
	"fmt"
	"time"
)

// StallChecker reports degraded when a pipeline has not delivered output
// for longer than maxIdle. A zero last delivery means nothing has been
// delivered yet, which is also reported as degraded once maxIdle has
// passed since the checker was created.
type StallChecker struct {
	name    string
	last    func() time.Time
	maxIdle time.Duration
	created time.Time
}

// NewStallChecker watches the delivery time reported by last
func NewStallChecker(name string, last func() time.Time, maxIdle time.Duration) *StallChecker {
	return &StallChecker{
		name:    name,
		last:    last,
		maxIdle: maxIdle,
		created: time.Now(),
	}
}

func (s *StallChecker) Name() string { return s.name }

func (s *StallChecker) Check(ctx context.Context) error {
	last := s.last()
	if last.IsZero() {
		last = s.created
	}
	if idle := time.Since(last); idle > s.maxIdle {
		return Degraded(fmt.Errorf("no output for %v", idle.Round(time.Millisecond)))
	}
	return nil
}
