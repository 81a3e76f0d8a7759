package client

import (
	"log/slog"
	"sync"
	"time"

	movingaverage "github.com/RobinUS2/golang-moving-average"
)

// Monitor keeps Session stats.
type Monitor struct {
	sync.Mutex
	log    *slog.Logger
	period time.Duration
	// Averages [ms]
	writeDur       *movingaverage.MovingAverage
	echoLag        *movingaverage.MovingAverage
	consistencyDur *movingaverage.MovingAverage
	// Counters
	writesSent       int
	writesFailed     int
	eventsReceived   int
	inFlight         int
	consistencyReset time.Time
	//
	stopCh chan struct{}
}

// WriteStarted registers a new in-flight write.
func (m *Monitor) WriteStarted(ts time.Time) {
	m.Lock()
	defer m.Unlock()

	m.writesSent++
	if m.inFlight == 0 {
		m.consistencyReset = ts
	}
	m.inFlight++
}

// WriteResolved registers a write response.
func (m *Monitor) WriteResolved(ts time.Time, dur time.Duration, failed bool) {
	m.Lock()
	defer m.Unlock()

	m.writeDur.Add(float64(dur/time.Microsecond) / 1000.0)
	if failed {
		m.writesFailed++
	}

	if m.inFlight > 0 {
		m.inFlight--
		if m.inFlight == 0 {
			dur := ts.Sub(m.consistencyReset)
			m.consistencyDur.Add(float64(dur/time.Microsecond) / 1000.0)
		}
	}
}

// EventReceived registers a change feed event, echoLag is set for echoes of local writes.
func (m *Monitor) EventReceived(echoLag time.Duration) {
	m.Lock()
	defer m.Unlock()

	m.eventsReceived++
	if echoLag > 0 {
		m.echoLag.Add(float64(echoLag/time.Microsecond) / 1000.0)
	}
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
				"writes_per_sec", float64(m.writesSent)/seconds,
				"events_per_sec", float64(m.eventsReceived)/seconds,
				"writes_failed", m.writesFailed,
				"write_dur_ms", m.writeDur.Avg(),
				"echo_lag_ms", m.echoLag.Avg(),
				"consistency_dur_ms", m.consistencyDur.Avg(),
			)
			m.writesSent = 0
			m.writesFailed = 0
			m.eventsReceived = 0

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
		log:            log,
		period:         period,
		writeDur:       movingaverage.New(3),
		echoLag:        movingaverage.New(3),
		consistencyDur: movingaverage.New(3),
	}
}
