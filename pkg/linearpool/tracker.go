// SPDX-License-Identifier: AGPL-3.0-only

package linearpool

import (
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// usageLogInterval throttles the periodic usage message: at most one is
// emitted per interval, no matter how many arenas grow in between.
const usageLogInterval = 5 * time.Second

// UsageTracker aggregates reserved bytes across every arena wired to it.
// A single arena is single-writer, but independent arenas may grow and
// release pages concurrently from different goroutines, so the running
// total is guarded by a mutex with scoped acquisition around each update.
//
// All methods are safe on a nil receiver; a nil tracker disables
// accounting entirely.
type UsageTracker struct {
	logger log.Logger
	now    func() time.Time

	mtx           sync.Mutex
	reservedBytes int64
	lastUsageLog  time.Time
	logUsage      bool

	reservedBytesGauge  prometheus.Gauge
	pageAllocations     prometheus.Counter
	pageReleases        prometheus.Counter
	rejectedAllocations prometheus.Counter
}

// NewUsageTracker creates a tracker registering its metrics against reg.
// The periodic usage log is enabled only in builds carrying the usagelog
// tag; the accounting and metrics are always live.
func NewUsageTracker(logger log.Logger, reg prometheus.Registerer) *UsageTracker {
	if logger == nil {
		logger = log.NewNopLogger()
	}

	return &UsageTracker{
		logger:   logger,
		now:      time.Now,
		logUsage: usageLogEnabled,

		reservedBytesGauge: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "linearpool_reserved_bytes",
			Help: "Bytes currently reserved by pages of all tracked arenas.",
		}),
		pageAllocations: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "linearpool_page_allocations_total",
			Help: "Total number of pages allocated by all tracked arenas.",
		}),
		pageReleases: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "linearpool_page_releases_total",
			Help: "Total number of pages released by all tracked arenas.",
		}),
		rejectedAllocations: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "linearpool_rejected_allocations_total",
			Help: "Total number of allocation requests rejected for exceeding the max allocation size.",
		}),
	}
}

// ReservedBytes returns the running total of bytes reserved across all
// tracked arenas.
func (t *UsageTracker) ReservedBytes() int64 {
	if t == nil {
		return 0
	}

	t.mtx.Lock()
	defer t.mtx.Unlock()
	return t.reservedBytes
}

func (t *UsageTracker) trackPageAlloc(bytes int) {
	if t == nil {
		return
	}

	t.pageAllocations.Inc()
	t.reservedBytesGauge.Add(float64(bytes))

	t.mtx.Lock()
	defer t.mtx.Unlock()
	t.reservedBytes += int64(bytes)
	t.maybeLogUsage()
}

func (t *UsageTracker) trackPageRelease(bytes int) {
	if t == nil {
		return
	}

	t.pageReleases.Inc()
	t.reservedBytesGauge.Sub(float64(bytes))

	t.mtx.Lock()
	defer t.mtx.Unlock()
	t.reservedBytes -= int64(bytes)
}

func (t *UsageTracker) trackRejected() {
	if t == nil {
		return
	}
	t.rejectedAllocations.Inc()
}

// maybeLogUsage emits the throttled usage message. Callers must hold mtx.
func (t *UsageTracker) maybeLogUsage() {
	if !t.logUsage {
		return
	}

	now := t.now()
	if now.Sub(t.lastUsageLog) < usageLogInterval {
		return
	}
	t.lastUsageLog = now

	level.Info(t.logger).Log("msg", "total arena memory usage", "reserved", humanize.IBytes(uint64(t.reservedBytes)))
}
