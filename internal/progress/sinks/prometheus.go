package sinks

import (
	"context"
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/JakeFAU/sitecrawler/internal/progress"
)

// PrometheusSink exports crawl progress via Prometheus. Per-job gauges are
// removed when the job finishes so label cardinality stays bounded.
type PrometheusSink struct {
	jobsStarted   prometheus.Counter
	jobsCompleted *prometheus.CounterVec
	jobsRunning   prometheus.Gauge

	progressCurrent *prometheus.GaugeVec
	progressTotal   *prometheus.GaugeVec
	pages           prometheus.Counter
	images          prometheus.Counter
	redirects       prometheus.Counter

	mu   sync.Mutex
	last map[string]progress.Snapshot
}

// NewPrometheusSink registers the collectors against the provided registry.
func NewPrometheusSink(reg prometheus.Registerer) (*PrometheusSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	s := &PrometheusSink{
		jobsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sitecrawler_jobs_started_total",
			Help: "Total jobs that have started.",
		}),
		jobsCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sitecrawler_jobs_finished_total",
			Help: "Total jobs finished partitioned by terminal status.",
		}, []string{"status"}),
		jobsRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "sitecrawler_jobs_running",
			Help: "Current number of running jobs.",
		}),
		progressCurrent: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "sitecrawler_job_progress_current",
			Help: "Units of work completed for a running job.",
		}, []string{"job_id"}),
		progressTotal: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "sitecrawler_job_progress_total",
			Help: "Units of work discovered for a running job.",
		}, []string{"job_id"}),
		pages: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sitecrawler_pages_processed_total",
			Help: "Pages processed across all jobs.",
		}),
		images: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sitecrawler_images_processed_total",
			Help: "Image references resolved across all jobs.",
		}),
		redirects: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sitecrawler_pages_redirected_total",
			Help: "Pages collapsed into an already-claimed URL.",
		}),
		last: make(map[string]progress.Snapshot),
	}
	for _, collector := range []prometheus.Collector{
		s.jobsStarted,
		s.jobsCompleted,
		s.jobsRunning,
		s.progressCurrent,
		s.progressTotal,
		s.pages,
		s.images,
		s.redirects,
	} {
		if err := reg.Register(collector); err != nil {
			return nil, fmt.Errorf("register progress collector: %w", err)
		}
	}
	return s, nil
}

// Consume updates the collectors from the batch.
func (s *PrometheusSink) Consume(_ context.Context, batch []progress.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, evt := range batch {
		switch evt.Kind {
		case progress.KindJobStart:
			if _, ok := s.last[evt.JobID]; !ok {
				s.last[evt.JobID] = progress.Snapshot{}
				s.jobsStarted.Inc()
				s.jobsRunning.Inc()
			}
		case progress.KindProgress:
			s.observe(evt.JobID, evt.Snapshot)
		case progress.KindJobDone:
			s.jobsCompleted.WithLabelValues(evt.Status).Inc()
			if _, ok := s.last[evt.JobID]; ok {
				s.jobsRunning.Dec()
			}
			delete(s.last, evt.JobID)
			s.progressCurrent.DeleteLabelValues(evt.JobID)
			s.progressTotal.DeleteLabelValues(evt.JobID)
		}
	}
	return nil
}

func (s *PrometheusSink) observe(jobID string, snap progress.Snapshot) {
	prev := s.last[jobID]
	if d := snap.PagesProcessed - prev.PagesProcessed; d > 0 {
		s.pages.Add(float64(d))
	}
	if d := snap.ImagesProcessed - prev.ImagesProcessed; d > 0 {
		s.images.Add(float64(d))
	}
	if d := snap.PagesRedirected - prev.PagesRedirected; d > 0 {
		s.redirects.Add(float64(d))
	}
	s.last[jobID] = snap
	s.progressCurrent.WithLabelValues(jobID).Set(float64(snap.Current))
	s.progressTotal.WithLabelValues(jobID).Set(float64(snap.Total))
}

// Close implements the Sink interface; it performs no action.
func (s *PrometheusSink) Close(context.Context) error {
	return nil
}
