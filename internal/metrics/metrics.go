// Syncron is a supervisor and archive for externally-triggered command runs.
// Copyright (C) 2026  David Caldwell
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

// Package metrics exposes Syncron's server-side Prometheus collectors: run
// creation, log-append throughput, prune sweeps, and broker fan-out width.
package metrics

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	mu  sync.RWMutex
	reg *prometheus.Registry

	runsCreated      *prometheus.CounterVec
	runsCompleted    *prometheus.CounterVec
	runDuration      prometheus.Histogram
	logChunksWritten *prometheus.CounterVec
	logBytesWritten  *prometheus.CounterVec
	pruneRuns        *prometheus.CounterVec
	pruneDuration    prometheus.Histogram
	brokerFanOut     prometheus.Histogram
	brokerSubs       prometheus.Gauge
	httpRequests     *prometheus.CounterVec
	httpDuration     *prometheus.HistogramVec
)

func init() {
	resetLocked()
}

// Reset clears and reinitializes all metrics collectors. Primarily used by
// tests to ensure clean state between runs of the same process.
func Reset() {
	mu.Lock()
	defer mu.Unlock()
	resetLocked()
}

// Handler returns an HTTP handler that exposes metrics in Prometheus format.
func Handler() http.Handler {
	mu.RLock()
	registry := reg
	mu.RUnlock()
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}

// ObserveRunCreated records a new run row for a (user, job) pair.
func ObserveRunCreated(user, job string) {
	mu.RLock()
	defer mu.RUnlock()
	if runsCreated != nil {
		runsCreated.WithLabelValues(user, job).Inc()
	}
}

// ObserveRunCompleted records a run's terminal status and wall-clock duration.
func ObserveRunCompleted(kind string, duration time.Duration) {
	mu.RLock()
	defer mu.RUnlock()
	if runsCompleted != nil {
		runsCompleted.WithLabelValues(kind).Inc()
	}
	if runDuration != nil {
		runDuration.Observe(durationSeconds(duration))
	}
}

// ObserveLogAppend records one stdout/stderr chunk written to a run's log.
func ObserveLogAppend(stream string, bytes int) {
	mu.RLock()
	defer mu.RUnlock()
	if logChunksWritten != nil {
		logChunksWritten.WithLabelValues(stream).Inc()
	}
	if logBytesWritten != nil {
		logBytesWritten.WithLabelValues(stream).Add(float64(bytes))
	}
}

// ObservePrune records a completed prune sweep (dry-run or live) and its wall
// clock duration.
func ObservePrune(mode string, duration time.Duration) {
	mu.RLock()
	defer mu.RUnlock()
	if pruneRuns != nil {
		pruneRuns.WithLabelValues(mode).Inc()
	}
	if pruneDuration != nil {
		pruneDuration.Observe(durationSeconds(duration))
	}
}

// ObserveBrokerPublish records the number of subscribers a single publish
// fanned out to.
func ObserveBrokerPublish(subscribers int) {
	mu.RLock()
	defer mu.RUnlock()
	if brokerFanOut != nil {
		brokerFanOut.Observe(float64(subscribers))
	}
}

// SetBrokerSubscriptions reports the broker's current live subscriber count.
func SetBrokerSubscriptions(n int) {
	mu.RLock()
	defer mu.RUnlock()
	if brokerSubs != nil {
		brokerSubs.Set(float64(n))
	}
}

// ObserveHTTPRequest records one completed HTTP request by method, path, and
// status code, plus its wall-clock duration.
func ObserveHTTPRequest(method, path string, code int, duration time.Duration) {
	mu.RLock()
	defer mu.RUnlock()
	codeStr := strconv.Itoa(code)
	if httpRequests != nil {
		httpRequests.WithLabelValues(method, path, codeStr).Inc()
	}
	if httpDuration != nil {
		httpDuration.WithLabelValues(method, path).Observe(durationSeconds(duration))
	}
}

func resetLocked() {
	registry := prometheus.NewRegistry()

	created := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "syncron",
		Name:      "runs_created_total",
		Help:      "Total runs created, by user and job.",
	}, []string{"user", "job"})

	completed := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "syncron",
		Name:      "runs_completed_total",
		Help:      "Total runs completed, by terminal status kind.",
	}, []string{"kind"})

	duration := prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "syncron",
		Name:      "run_duration_seconds",
		Help:      "Wall-clock duration of completed runs.",
		Buckets:   []float64{1, 5, 15, 30, 60, 300, 900, 3600, 14400},
	})

	chunks := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "syncron",
		Name:      "log_chunks_written_total",
		Help:      "Total stdout/stderr chunks appended to log files.",
	}, []string{"stream"})

	bytesWritten := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "syncron",
		Name:      "log_bytes_written_total",
		Help:      "Total bytes appended to log files.",
	}, []string{"stream"})

	prunes := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "syncron",
		Name:      "prune_sweeps_total",
		Help:      "Total prune sweeps run, by mode (dry_run or live).",
	}, []string{"mode"})

	pruneHist := prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "syncron",
		Name:      "prune_duration_seconds",
		Help:      "Duration of prune sweeps.",
		Buckets:   []float64{0.001, 0.01, 0.1, 0.5, 1, 5, 30},
	})

	fanOut := prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "syncron",
		Name:      "broker_publish_fanout",
		Help:      "Number of subscribers a single publish reached.",
		Buckets:   []float64{0, 1, 2, 5, 10, 50, 200},
	})

	subs := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "syncron",
		Name:      "broker_subscriptions",
		Help:      "Current number of live broker subscriptions.",
	})

	httpReqs := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "syncron",
		Name:      "http_requests_total",
		Help:      "Total HTTP requests by method, path, and status code.",
	}, []string{"method", "path", "code"})

	httpHist := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "syncron",
		Name:      "http_request_duration_seconds",
		Help:      "Duration of HTTP requests by method and path.",
		Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
	}, []string{"method", "path"})

	registry.MustRegister(created, completed, duration, chunks, bytesWritten, prunes, pruneHist, fanOut, subs, httpReqs, httpHist)

	reg = registry
	runsCreated = created
	runsCompleted = completed
	runDuration = duration
	logChunksWritten = chunks
	logBytesWritten = bytesWritten
	pruneRuns = prunes
	pruneDuration = pruneHist
	brokerFanOut = fanOut
	brokerSubs = subs
	httpRequests = httpReqs
	httpDuration = httpHist
}

func durationSeconds(d time.Duration) float64 {
	if d <= 0 {
		return 0
	}
	return d.Seconds()
}
