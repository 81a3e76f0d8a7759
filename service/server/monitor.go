package server

import (
	"log/slog"
	"sync"
	"time"

	movingaverage "github.com/RobinUS2/golang-moving-average"
)

// Monitor keeps MarketplaceService stats.
type Monitor struct {
	sync.Mutex
	log    *slog.Logger
	period time.Duration
	//
	writesHandled int
	writesFailed  int
	diffHandled   int
	diffReqDur    *movingaverage.MovingAverage
	stopCh        chan struct{}
}

// WriteHandled increments the record writes metric.
func (m *Monitor) WriteHandled(failed bool) {
	m.Lock()
	defer m.Unlock()

	m.writesHandled++
	if failed {
		m.writesFailed++
	}
}

// DiffRequestServed updates the MarketplaceService.GetChanges handling duration metric.
func (m *Monitor) DiffRequestServed(dur time.Duration) {
	m.Lock()
	defer m.Unlock()

	m.diffReqDur.Add(float64(dur/time.Microsecond) / 1000.0)
	m.diffHandled++
}

// Start starts the Monitor worker.
func (m *Monitor) Start() {
	if m.stopCh != nil {
		return
	}

	m.stopCh = make(chan struct{})
	go m.worker()
}

// Stop stops the Monitor worker.
func (m *Monitor) Stop() {
	if m.stopCh == nil {
		return
	}

	close(m.stopCh)
}

// worker does the actual job.
func (m *Monitor) worker() {
	tick := time.NewTicker(m.period)
	defer tick.Stop()
	for {
		select {
		case <-m.stopCh:
			// Stop the monitor
			return
		case <-tick.C:
			// Print the report
			m.Lock()

			seconds := float64(m.period) / float64(time.Second)
			m.log.Info("Monitor",
				"writes_per_sec", float64(m.writesHandled)/seconds,
				"writes_failed", m.writesFailed,
				"diffs_per_sec", float64(m.diffHandled)/seconds,
				"diff_dur_ms", m.diffReqDur.Avg(),
			)
			m.writesHandled = 0
			m.writesFailed = 0
			m.diffHandled = 0

			m.Unlock()
		}
	}
}

// NewMonitor creates a new Monitor reporting every period.
func NewMonitor(log *slog.Logger, period time.Duration) *Monitor {
	if period <= 0 {
		period = 5 * time.Second
	}

	return &Monitor{
		log:        log,
		period:     period,
		diffReqDur: movingaverage.New(5),
	}
}
