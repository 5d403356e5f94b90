package dashboard

import (
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/karstenwade/flatsync/internal/daemon"
)

// ProgressData is the live per-record progress of a running sync.
type ProgressData struct {
	Done  int `json:"done"`
	Total int `json:"total"`
}

// RunCompleteData reports one finished run.
type RunCompleteData struct {
	RunID         string         `json:"run_id"`
	Trigger       daemon.Trigger `json:"trigger"`
	Records       int            `json:"records"`
	Inserted      int            `json:"inserted"`
	Updated       int            `json:"updated"`
	Skipped       int            `json:"skipped"`
	FailedCells   int            `json:"failed_cells"`
	FailedRecords []string       `json:"failed_records,omitempty"`
	Duration      time.Duration  `json:"duration"`
	Error         string         `json:"error,omitempty"`
}

// StatsData carries the totals accumulated since the server started.
type StatsData struct {
	Runs        int `json:"runs"`
	FailedRuns  int `json:"failed_runs"`
	Records     int `json:"records"`
	Inserted    int `json:"inserted"`
	Updated     int `json:"updated"`
	Skipped     int `json:"skipped"`
	FailedCells int `json:"failed_cells"`
}

// Handler bridges sync events into dashboard broadcasts and Prometheus
// metrics. It is the OnRun sink for the daemon and the Progress sink
// for the reconcile engine.
type Handler struct {
	server *Server
	logger *log.Logger

	mu    sync.Mutex
	stats StatsData

	registry     *prometheus.Registry
	runsTotal    *prometheus.CounterVec
	recordsTotal prometheus.Counter
	cellsTotal   *prometheus.CounterVec
}

// NewHandler creates a handler connected to a dashboard server. The
// metrics live on a private registry, served by Metrics().
func NewHandler(server *Server, logger *log.Logger) *Handler {
	if logger == nil {
		logger = log.Default()
	}

	registry := prometheus.NewRegistry()
	factory := promauto.With(registry)

	return &Handler{
		server:   server,
		logger:   logger,
		registry: registry,
		runsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "flatsync_runs_total",
			Help: "Completed sync runs by trigger and outcome.",
		}, []string{"trigger", "outcome"}),
		recordsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "flatsync_records_synced_total",
			Help: "Records processed across all runs.",
		}),
		cellsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "flatsync_cells_total",
			Help: "Cell decisions by kind (inserted, updated, skipped, failed).",
		}, []string{"kind"}),
	}
}

// Metrics returns the handler's /metrics endpoint.
func (h *Handler) Metrics() http.Handler {
	return promhttp.HandlerFor(h.registry, promhttp.HandlerOpts{})
}

// OnProgress broadcasts live sync progress. Wire it into
// reconcile.Options.Progress.
func (h *Handler) OnProgress(done, total int) {
	h.broadcast(MessageTypeProgress, ProgressData{Done: done, Total: total})
}

// OnRun records a finished run: metrics, totals, and a broadcast. Wire
// it into daemon.Config.OnRun.
func (h *Handler) OnRun(entry daemon.Entry) {
	outcome := "ok"
	if entry.Error != "" {
		outcome = "failed"
	}
	h.runsTotal.WithLabelValues(string(entry.Trigger), outcome).Inc()
	h.recordsTotal.Add(float64(entry.Records))
	h.cellsTotal.WithLabelValues("inserted").Add(float64(entry.Inserted))
	h.cellsTotal.WithLabelValues("updated").Add(float64(entry.Updated))
	h.cellsTotal.WithLabelValues("skipped").Add(float64(entry.Skipped))
	h.cellsTotal.WithLabelValues("failed").Add(float64(entry.FailedCells))

	h.mu.Lock()
	h.stats.Runs++
	if entry.Error != "" {
		h.stats.FailedRuns++
	}
	h.stats.Records += entry.Records
	h.stats.Inserted += entry.Inserted
	h.stats.Updated += entry.Updated
	h.stats.Skipped += entry.Skipped
	h.stats.FailedCells += entry.FailedCells
	stats := h.stats
	h.mu.Unlock()

	h.broadcast(MessageTypeRunComplete, RunCompleteData{
		RunID:         entry.RunID,
		Trigger:       entry.Trigger,
		Records:       entry.Records,
		Inserted:      entry.Inserted,
		Updated:       entry.Updated,
		Skipped:       entry.Skipped,
		FailedCells:   entry.FailedCells,
		FailedRecords: entry.FailedRecords,
		Duration:      entry.FinishedAt.Sub(entry.StartedAt),
		Error:         entry.Error,
	})
	h.broadcast(MessageTypeStats, stats)
}

// GetStats returns the totals accumulated so far.
func (h *Handler) GetStats() StatsData {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.stats
}

// broadcast marshals and sends one message.
func (h *Handler) broadcast(t MessageType, data any) {
	dataJSON, err := json.Marshal(data)
	if err != nil {
		h.logger.Printf("Failed to marshal %s message: %v", t, err)
		return
	}
	h.server.Broadcast(Message{
		Type:      t,
		Timestamp: time.Now(),
		Data:      dataJSON,
	})
}
