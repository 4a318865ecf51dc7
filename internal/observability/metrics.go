package observability

import (
	"context"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"

	types "github.com/yungbote/downdeck-backend/internal/domain"
	"github.com/yungbote/downdeck-backend/internal/platform/logger"
)

// Metrics is the process-wide instrument set, exposed in Prometheus text
// format. Every method is nil-receiver safe so call sites never check
// whether metrics are enabled.
type Metrics struct {
	apiRequests *CounterVec
	apiLatency  *HistogramVec
	apiInflight *Gauge

	jobsSubmitted *CounterVec
	jobsCompleted *CounterVec
	jobsFailed    *CounterVec
	jobsCancelled *CounterVec
	jobsRetried   *CounterVec
	attemptTime   *HistogramVec

	eventsPublished *Counter
	eventsDropped   *Gauge
	progressWrites  *Counter
	bytesDownloaded *Counter

	runningSlots *Gauge
	jobsByStatus *GaugeVec
	queueByState *GaugeVec

	dbStats   *GaugeVec
	redisUp   *Gauge
	redisPing *Gauge
}

var (
	initOnce sync.Once
	instance *Metrics
)

func Enabled() bool {
	v := strings.TrimSpace(os.Getenv("METRICS_ENABLED"))
	if v == "" {
		return false
	}
	return strings.EqualFold(v, "true") || v == "1" || strings.EqualFold(v, "yes")
}

// Current returns the initialized instance, or nil when metrics are off.
func Current() *Metrics {
	return instance
}

func scrapeInterval() time.Duration {
	v := strings.TrimSpace(os.Getenv("METRICS_SCRAPE_INTERVAL_SECONDS"))
	if v == "" {
		return 10 * time.Second
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return 10 * time.Second
	}
	return time.Duration(n) * time.Second
}

func Init(log *logger.Logger) *Metrics {
	if !Enabled() {
		return nil
	}
	initOnce.Do(func() {
		instance = &Metrics{
			apiRequests: NewCounterVec("dd_api_requests_total", "Total API requests by method/route/status.", []string{"method", "route", "status"}),
			apiLatency: NewHistogramVec(
				"dd_api_request_duration_seconds",
				"API request latency in seconds by method/route/status.",
				[]string{"method", "route", "status"},
				[]float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
			),
			apiInflight:   NewGauge("dd_api_inflight_requests", "In-flight API requests."),
			jobsSubmitted: NewCounterVec("dd_jobs_submitted_total", "Jobs submitted by kind.", []string{"kind"}),
			jobsCompleted: NewCounterVec("dd_jobs_completed_total", "Jobs completed by kind.", []string{"kind"}),
			jobsFailed:    NewCounterVec("dd_jobs_failed_total", "Jobs failed by kind and error code.", []string{"kind", "code"}),
			jobsCancelled: NewCounterVec("dd_jobs_cancelled_total", "Jobs cancelled by kind.", []string{"kind"}),
			jobsRetried:   NewCounterVec("dd_jobs_retried_total", "Manual retries by kind.", []string{"kind"}),
			attemptTime: NewHistogramVec(
				"dd_attempt_duration_seconds",
				"Download attempt duration in seconds by kind/outcome.",
				[]string{"kind", "outcome"},
				[]float64{1, 5, 15, 30, 60, 120, 300, 600, 1800, 3600, 7200},
			),
			eventsPublished: NewCounter("dd_events_published_total", "Events published to the realtime hub."),
			eventsDropped:   NewGauge("dd_events_dropped_total", "Events dropped on slow subscriber buffers."),
			progressWrites:  NewCounter("dd_progress_writes_total", "Throttled progress rows written to the store."),
			bytesDownloaded: NewCounter("dd_bytes_downloaded_total", "Bytes of completed artifacts."),
			runningSlots:    NewGauge("dd_running_slots", "Worker slots currently executing a job."),
			jobsByStatus:    NewGaugeVec("dd_jobs", "Jobs by status.", []string{"status"}),
			queueByState:    NewGaugeVec("dd_queue_items", "Queue entries by state.", []string{"state"}),
			dbStats:         NewGaugeVec("dd_db_stats", "Database connection pool stats.", []string{"metric"}),
			redisUp:         NewGauge("dd_redis_up", "Redis connectivity (1=up, 0=down)."),
			redisPing:       NewGauge("dd_redis_ping_seconds", "Redis ping latency in seconds."),
		}
		if log != nil {
			log.Info("metrics enabled")
		}
	})
	return instance
}

// StartServer exposes the scrape endpoint on its own listener so it never
// shares the API port or its middleware chain.
func (m *Metrics) StartServer(ctx context.Context, log *logger.Logger, addr string) {
	if m == nil {
		return
	}
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return
	}
	srv := &http.Server{
		Addr:              addr,
		Handler:           http.HandlerFunc(m.WriteHTTP),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_ = srv.Shutdown(shutdownCtx)
		cancel()
	}()
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			if log != nil {
				log.Error("metrics server failed", "error", err, "addr", addr)
			}
		}
	}()
}

func (m *Metrics) WriteHTTP(w http.ResponseWriter, r *http.Request) {
	if m == nil {
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}
	w.Header().Set("Content-Type", "text/plain; version=0.0.4")
	_ = m.WritePrometheus(w)
}

type promWriter interface {
	WritePrometheus(w io.Writer) error
}

func (m *Metrics) WritePrometheus(w io.Writer) error {
	if m == nil {
		return nil
	}
	all := []promWriter{
		m.apiRequests, m.apiLatency, m.apiInflight,
		m.jobsSubmitted, m.jobsCompleted, m.jobsFailed, m.jobsCancelled, m.jobsRetried,
		m.attemptTime,
		m.eventsPublished, m.eventsDropped, m.progressWrites, m.bytesDownloaded,
		m.runningSlots, m.jobsByStatus, m.queueByState,
		m.dbStats, m.redisUp, m.redisPing,
	}
	for _, p := range all {
		if err := p.WritePrometheus(w); err != nil {
			return err
		}
	}
	return nil
}

func (m *Metrics) ObserveAPI(method, route, status string, dur time.Duration) {
	if m == nil {
		return
	}
	if method == "" {
		method = "UNKNOWN"
	}
	if route == "" {
		route = "unknown"
	}
	if status == "" {
		status = "0"
	}
	m.apiRequests.Inc(method, route, status)
	m.apiLatency.Observe(dur.Seconds(), method, route, status)
}

func (m *Metrics) ApiInflightInc() {
	if m == nil {
		return
	}
	m.apiInflight.Inc()
}

func (m *Metrics) ApiInflightDec() {
	if m == nil {
		return
	}
	m.apiInflight.Dec()
}

func (m *Metrics) IncJobSubmitted(kind types.JobKind) {
	if m == nil {
		return
	}
	m.jobsSubmitted.Inc(string(kind))
}

func (m *Metrics) IncJobCompleted(kind types.JobKind, size int64) {
	if m == nil {
		return
	}
	m.jobsCompleted.Inc(string(kind))
	if size > 0 {
		m.bytesDownloaded.Add(float64(size))
	}
}

func (m *Metrics) IncJobFailed(kind types.JobKind, code types.ErrorCode) {
	if m == nil {
		return
	}
	m.jobsFailed.Inc(string(kind), string(code))
}

func (m *Metrics) IncJobCancelled(kind types.JobKind) {
	if m == nil {
		return
	}
	m.jobsCancelled.Inc(string(kind))
}

func (m *Metrics) IncJobRetried(kind types.JobKind) {
	if m == nil {
		return
	}
	m.jobsRetried.Inc(string(kind))
}

func (m *Metrics) ObserveAttempt(kind types.JobKind, outcome string, dur time.Duration) {
	if m == nil {
		return
	}
	if outcome == "" {
		outcome = "unknown"
	}
	m.attemptTime.Observe(dur.Seconds(), string(kind), outcome)
}

func (m *Metrics) IncEventPublished() {
	if m == nil {
		return
	}
	m.eventsPublished.Inc()
}

func (m *Metrics) SetEventsDropped(n uint64) {
	if m == nil {
		return
	}
	m.eventsDropped.Set(float64(n))
}

func (m *Metrics) IncProgressWrite() {
	if m == nil {
		return
	}
	m.progressWrites.Inc()
}

func (m *Metrics) RunningSlotInc() {
	if m == nil {
		return
	}
	m.runningSlots.Inc()
}

func (m *Metrics) RunningSlotDec() {
	if m == nil {
		return
	}
	m.runningSlots.Dec()
}

// StartJobQueueCollector periodically snapshots jobs by status and queue
// entries by state. Known labels are zeroed before each scrape so a status
// that empties out does not keep reporting its last count.
func (m *Metrics) StartJobQueueCollector(ctx context.Context, log *logger.Logger, db *gorm.DB) {
	if m == nil || db == nil {
		return
	}
	interval := scrapeInterval()
	statuses := []types.JobStatus{
		types.StatusQueued, types.StatusRunning, types.StatusPaused,
		types.StatusCompleted, types.StatusFailed, types.StatusCancelled,
	}
	states := []types.QueueState{
		types.QueuePending, types.QueueReserved, types.QueueDone, types.QueueDead,
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				for _, s := range statuses {
					m.jobsByStatus.Set(0, string(s))
				}
				var jobRows []struct {
					Status string
					Count  int64
				}
				if err := db.WithContext(ctx).
					Model(&types.Job{}).
					Select("status, count(*) as count").
					Group("status").
					Scan(&jobRows).Error; err != nil {
					if log != nil {
						log.Warn("metrics: job depth query failed", "error", err)
					}
					continue
				}
				for _, row := range jobRows {
					status := strings.TrimSpace(row.Status)
					if status == "" {
						status = "unknown"
					}
					m.jobsByStatus.Set(float64(row.Count), status)
				}

				for _, s := range states {
					m.queueByState.Set(0, string(s))
				}
				var queueRows []struct {
					State string
					Count int64
				}
				if err := db.WithContext(ctx).
					Model(&types.QueueItem{}).
					Select("state, count(*) as count").
					Group("state").
					Scan(&queueRows).Error; err != nil {
					if log != nil {
						log.Warn("metrics: queue depth query failed", "error", err)
					}
					continue
				}
				for _, row := range queueRows {
					state := strings.TrimSpace(row.State)
					if state == "" {
						state = "unknown"
					}
					m.queueByState.Set(float64(row.Count), state)
				}
			}
		}
	}()
}

func (m *Metrics) StartDBStatsCollector(ctx context.Context, log *logger.Logger, db *gorm.DB) {
	if m == nil || db == nil {
		return
	}
	interval := scrapeInterval()
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				sqlDB, err := db.DB()
				if err != nil {
					if log != nil {
						log.Warn("metrics: db stats unavailable", "error", err)
					}
					continue
				}
				stats := sqlDB.Stats()
				m.dbStats.Set(float64(stats.OpenConnections), "open_connections")
				m.dbStats.Set(float64(stats.InUse), "in_use")
				m.dbStats.Set(float64(stats.Idle), "idle")
				m.dbStats.Set(float64(stats.WaitCount), "wait_count")
				m.dbStats.Set(stats.WaitDuration.Seconds(), "wait_duration_seconds")
				m.dbStats.Set(float64(stats.MaxOpenConnections), "max_open_connections")
			}
		}
	}()
}

func (m *Metrics) StartRedisCollector(ctx context.Context, log *logger.Logger, addr string) {
	if m == nil {
		return
	}
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return
	}
	interval := scrapeInterval()
	rdb := redis.NewClient(&redis.Options{Addr: addr})
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				_ = rdb.Close()
				return
			case <-ticker.C:
				start := time.Now()
				if err := rdb.Ping(ctx).Err(); err != nil {
					m.redisUp.Set(0)
					if log != nil {
						log.Warn("metrics: redis ping failed", "error", err)
					}
					continue
				}
				m.redisUp.Set(1)
				m.redisPing.Set(time.Since(start).Seconds())
			}
		}
	}()
}
