// Package metrics экспортирует метрики планировщика в формате Prometheus.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Recorder метрики задач бэкапа. Нулевой указатель ничего не записывает.
type Recorder struct {
	jobsTotal      *prometheus.CounterVec
	jobDuration    *prometheus.HistogramVec
	runningJobs    prometheus.Gauge
	cleanupDeleted prometheus.Counter
}

// NewRecorder регистрирует коллекторы в reg
func NewRecorder(reg prometheus.Registerer) *Recorder {
	factory := promauto.With(reg)

	return &Recorder{
		jobsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "sitebackup_jobs_total",
			Help: "Total number of finished backup jobs",
		}, []string{"trigger", "status"}),
		jobDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "sitebackup_job_duration_seconds",
			Help:    "Backup job duration in seconds",
			Buckets: []float64{1, 5, 15, 60, 300, 900, 1800, 3600, 7200},
		}, []string{"trigger"}),
		runningJobs: factory.NewGauge(prometheus.GaugeOpts{
			Name: "sitebackup_running_jobs",
			Help: "Number of backup executions in progress",
		}),
		cleanupDeleted: factory.NewCounter(prometheus.CounterOpts{
			Name: "sitebackup_retention_deleted_total",
			Help: "Total number of backups removed by retention",
		}),
	}
}

// JobStarted учитывает начало выполнения
func (r *Recorder) JobStarted() {
	if r == nil {
		return
	}
	r.runningJobs.Inc()
}

// JobFinished учитывает завершение задачи с итоговым статусом
func (r *Recorder) JobFinished(trigger, status string, duration time.Duration) {
	if r == nil {
		return
	}
	r.runningJobs.Dec()
	r.jobsTotal.WithLabelValues(trigger, status).Inc()
	r.jobDuration.WithLabelValues(trigger).Observe(duration.Seconds())
}

// BackupsDeleted учитывает бэкапы, удаленные политикой хранения
func (r *Recorder) BackupsDeleted(n int) {
	if r == nil || n <= 0 {
		return
	}
	r.cleanupDeleted.Add(float64(n))
}

// NewServer создает HTTP-сервер с /metrics и /healthz
func NewServer(addr string, gatherer prometheus.Gatherer) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})

	return &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
}
