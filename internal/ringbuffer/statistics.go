package ringbuffer

import (
	"sync"
	"time"

	"github.com/zsiec/tsdecrypt/internal/metrics"
	"golang.org/x/time/rate"
)

const (
	overflowReportInterval = 5 * time.Second
	percentageDelta        = 10
	percentageThreshold    = 70
)

type statistics struct {
	enabled bool

	mu          sync.Mutex
	maxFill     int
	lastPercent int

	// overflow since the last report
	overflowCount int
	overflowBytes int

	totalOverflows     int64
	totalOverflowBytes int64

	reportLimiter *rate.Limiter
}

func newStatistics() *statistics {
	return &statistics{
		reportLimiter: rate.NewLimiter(rate.Every(overflowReportInterval), 1),
	}
}

func (s *statistics) reset() {
	s.mu.Lock()
	s.maxFill = 0
	s.mu.Unlock()
}

// Stats is a snapshot of buffer usage
type Stats struct {
	Name              string  `json:"name"`
	Size              int     `json:"size"`
	Margin            int     `json:"margin"`
	Available         int     `json:"available"`
	Free              int     `json:"free"`
	MaxFill           int     `json:"max_fill"`
	MaxFillPercent    float64 `json:"max_fill_percent"`
	Overflows         int64   `json:"overflows"`
	OverflowBytes     int64   `json:"overflow_bytes"`
	StatisticsEnabled bool    `json:"statistics_enabled"`
}

// Stats returns a snapshot of the buffer's usage counters
func (l *Linear) Stats() Stats {
	l.stats.mu.Lock()
	defer l.stats.mu.Unlock()

	return Stats{
		Name:              l.name,
		Size:              l.size,
		Margin:            l.margin,
		Available:         l.Available(),
		Free:              l.Free(),
		MaxFill:           l.stats.maxFill,
		MaxFillPercent:    float64(l.stats.maxFill) * 100 / float64(l.size-1),
		Overflows:         l.stats.totalOverflows,
		OverflowBytes:     l.stats.totalOverflowBytes,
		StatisticsEnabled: l.stats.enabled,
	}
}

// ReportOverflow records bytes the producer had to drop. Reports are logged
// at most once per overflowReportInterval and summarise everything dropped
// since the previous report.
func (l *Linear) ReportOverflow(bytes int) {
	metrics.RecordBufferOverflow(l.name, bytes)

	l.stats.mu.Lock()
	defer l.stats.mu.Unlock()

	l.stats.overflowCount++
	l.stats.overflowBytes += bytes
	l.stats.totalOverflows++
	l.stats.totalOverflowBytes += int64(bytes)

	if !l.stats.reportLimiter.Allow() {
		return
	}

	l.log.WithFields(map[string]interface{}{
		"overflows":     l.stats.overflowCount,
		"bytes_dropped": l.stats.overflowBytes,
	}).Error("Ring buffer overflow")
	l.stats.overflowCount = 0
	l.stats.overflowBytes = 0
}

// updatePercentage tracks the fill high-water mark and logs the fill level
// in 10% steps once it reaches 70%, and once more when it falls below.
func (l *Linear) updatePercentage(fill int) {
	l.stats.mu.Lock()
	defer l.stats.mu.Unlock()

	if fill > l.stats.maxFill {
		l.stats.maxFill = fill
	}
	metrics.SetBufferFill(l.name, float64(fill)/float64(l.size-1))

	percent := fill * 100 / (l.size - 1) / percentageDelta * percentageDelta
	if percent == l.stats.lastPercent {
		return
	}

	rising := percent >= percentageThreshold && percent > l.stats.lastPercent
	recovered := percent < percentageThreshold && l.stats.lastPercent >= percentageThreshold
	if rising || recovered {
		l.log.WithField("percent", percent).Warn("Ring buffer usage")
		l.stats.lastPercent = percent
	}
}

// LogStats logs the high-water mark when statistics are enabled
func (l *Linear) LogStats() {
	if !l.stats.enabled {
		return
	}
	st := l.Stats()
	l.log.WithFields(map[string]interface{}{
		"max_fill":         st.MaxFill,
		"max_fill_percent": int(st.MaxFillPercent),
		"overflows":        st.Overflows,
	}).Info("Ring buffer stats")
}
