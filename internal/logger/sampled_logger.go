package logger

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

// Sampling categories used on the packet path
const (
	CategorySyncLoss  = "sync_loss"
	CategoryKeyWait   = "key_wait"
	CategoryOverflow  = "overflow"
	CategoryMalformed = "malformed"
)

// SampledLogger rate limits noisy log categories. Messages in a category
// without a sampler are always logged.
type SampledLogger struct {
	Logger

	mu       sync.RWMutex
	samplers map[string]*sampler
}

type sampler struct {
	limiter *rate.Limiter
	logged  atomic.Int64
	dropped atomic.Int64
}

// NewSampledLogger creates a new sampled logger
func NewSampledLogger(base Logger) *SampledLogger {
	return &SampledLogger{
		Logger:   OrNull(base),
		samplers: make(map[string]*sampler),
	}
}

// NewStreamLogger returns a sampled logger preconfigured for the per-packet
// categories of the decrypt path.
func NewStreamLogger(base Logger) *SampledLogger {
	return NewSampledLogger(base).
		WithSampler(CategorySyncLoss, time.Second, 3).
		WithSampler(CategoryKeyWait, time.Second, 5).
		WithSampler(CategoryOverflow, 5*time.Second, 1).
		WithSampler(CategoryMalformed, time.Second, 3)
}

// WithSampler allows burst messages at once and then one per interval for
// the category.
func (s *SampledLogger) WithSampler(category string, interval time.Duration, burst int) *SampledLogger {
	if burst < 1 {
		burst = 1
	}

	s.mu.Lock()
	s.samplers[category] = &sampler{limiter: rate.NewLimiter(rate.Every(interval), burst)}
	s.mu.Unlock()

	return s
}

// Sample logs msg at level when the category's budget allows it. Dropped
// message counts are attached to the next message that gets through.
func (s *SampledLogger) Sample(level logrus.Level, category, msg string, fields map[string]interface{}) {
	s.mu.RLock()
	smp, ok := s.samplers[category]
	s.mu.RUnlock()

	if !ok {
		s.Logger.WithFields(fields).Log(level, msg)
		return
	}

	if !smp.limiter.Allow() {
		smp.dropped.Add(1)
		return
	}
	smp.logged.Add(1)

	out := make(map[string]interface{}, len(fields)+2)
	for k, v := range fields {
		out[k] = v
	}
	out["category"] = category
	if dropped := smp.dropped.Swap(0); dropped > 0 {
		out["suppressed"] = dropped
	}
	s.Logger.WithFields(out).Log(level, msg)
}

// Stats returns how many messages of a category were logged and how many
// are currently suppressed.
func (s *SampledLogger) Stats(category string) (logged, suppressed int64) {
	s.mu.RLock()
	smp, ok := s.samplers[category]
	s.mu.RUnlock()

	if !ok {
		return 0, 0
	}
	return smp.logged.Load(), smp.dropped.Load()
}
