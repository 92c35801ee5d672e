package metrics

import (
	"bytes"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
)

var (
	sessionsStartedTotal   atomic.Uint64
	sessionsCompletedTotal atomic.Uint64
	sessionsFailedTotal    atomic.Uint64
	nodeTransitionsTotal   atomic.Uint64
	interruptsEmittedTotal atomic.Uint64
	agentExecutionsTotal   atomic.Uint64
	agentFailuresTotal     atomic.Uint64
	followupTurnsTotal     atomic.Uint64

	maintenanceJobsReceivedTotal  atomic.Uint64
	maintenanceJobsCompletedTotal atomic.Uint64
	maintenanceJobsFailedTotal    atomic.Uint64
	maintenanceJobsDroppedTotal   atomic.Uint64

	sessionDuration = newHistogram([]float64{1000, 5000, 15000, 30000, 60000, 120000, 300000, 600000, 1800000})
	agentDuration   = newHistogram([]float64{100, 250, 500, 1000, 2000, 5000, 10000, 30000, 60000})
)

// IncSessionStarted increments the started counter.
func IncSessionStarted() {
	sessionsStartedTotal.Add(1)
}

// IncSessionCompleted increments the completed counter.
func IncSessionCompleted() {
	sessionsCompletedTotal.Add(1)
}

// IncSessionFailed increments the failed counter.
func IncSessionFailed() {
	sessionsFailedTotal.Add(1)
}

// IncNodeTransition increments the graph node transition counter.
func IncNodeTransition() {
	nodeTransitionsTotal.Add(1)
}

// IncInterruptEmitted increments the interrupt counter.
func IncInterruptEmitted() {
	interruptsEmittedTotal.Add(1)
}

// IncAgentExecution increments the agent execution counter.
func IncAgentExecution() {
	agentExecutionsTotal.Add(1)
}

// IncAgentFailure increments the agent failure counter.
func IncAgentFailure() {
	agentFailuresTotal.Add(1)
}

// IncFollowupTurn increments the follow-up turn counter.
func IncFollowupTurn() {
	followupTurnsTotal.Add(1)
}

// IncMaintenanceJobReceived increments the maintenance queue receive counter.
func IncMaintenanceJobReceived() {
	maintenanceJobsReceivedTotal.Add(1)
}

// IncMaintenanceJobCompleted increments the maintenance job success counter.
func IncMaintenanceJobCompleted() {
	maintenanceJobsCompletedTotal.Add(1)
}

// IncMaintenanceJobFailed increments the maintenance job failure counter.
func IncMaintenanceJobFailed() {
	maintenanceJobsFailedTotal.Add(1)
}

// IncMaintenanceJobDropped counts messages deleted without processing because
// they can never succeed.
func IncMaintenanceJobDropped() {
	maintenanceJobsDroppedTotal.Add(1)
}

// ObserveSessionDurationMs records an end-to-end session duration in milliseconds.
func ObserveSessionDurationMs(value float64) {
	if value < 0 {
		value = 0
	}
	sessionDuration.Observe(value)
}

// ObserveAgentDurationMs records a single agent execution duration in milliseconds.
func ObserveAgentDurationMs(value float64) {
	if value < 0 {
		value = 0
	}
	agentDuration.Observe(value)
}

// Handler exposes metrics in Prometheus text format.
func Handler() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Content-Type", "text/plain; version=0.0.4")
		c.String(http.StatusOK, Render())
	}
}

// Render renders metrics in Prometheus text format.
func Render() string {
	var buf bytes.Buffer
	writeCounter(&buf, "sessions_started_total", "Total analysis sessions started", sessionsStartedTotal.Load())
	writeCounter(&buf, "sessions_completed_total", "Total analysis sessions completed", sessionsCompletedTotal.Load())
	writeCounter(&buf, "sessions_failed_total", "Total analysis sessions failed", sessionsFailedTotal.Load())
	writeCounter(&buf, "graph_node_transitions_total", "Total workflow graph node transitions", nodeTransitionsTotal.Load())
	writeCounter(&buf, "graph_interrupts_total", "Total interaction interrupts emitted", interruptsEmittedTotal.Load())
	writeCounter(&buf, "agent_executions_total", "Total specialist agent executions", agentExecutionsTotal.Load())
	writeCounter(&buf, "agent_failures_total", "Total specialist agent failures", agentFailuresTotal.Load())
	writeCounter(&buf, "followup_turns_total", "Total follow-up conversation turns", followupTurnsTotal.Load())
	writeCounter(&buf, "maintenance_jobs_received_total", "Total maintenance queue messages received", maintenanceJobsReceivedTotal.Load())
	writeCounter(&buf, "maintenance_jobs_completed_total", "Total maintenance jobs completed", maintenanceJobsCompletedTotal.Load())
	writeCounter(&buf, "maintenance_jobs_failed_total", "Total maintenance jobs failed", maintenanceJobsFailedTotal.Load())
	writeCounter(&buf, "maintenance_jobs_dropped_total", "Total unprocessable maintenance messages dropped", maintenanceJobsDroppedTotal.Load())
	writeHistogram(&buf, "session_duration_ms", "Session duration in milliseconds", sessionDuration.Snapshot())
	writeHistogram(&buf, "agent_duration_ms", "Agent execution duration in milliseconds", agentDuration.Snapshot())
	return buf.String()
}

type histogram struct {
	mu      sync.Mutex
	buckets []float64
	counts  []uint64
	sum     float64
	count   uint64
}

type histogramSnapshot struct {
	buckets []float64
	counts  []uint64
	sum     float64
	count   uint64
}

func newHistogram(buckets []float64) *histogram {
	return &histogram{
		buckets: buckets,
		counts:  make([]uint64, len(buckets)),
	}
}

func (h *histogram) Observe(value float64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.count++
	h.sum += value
	for i, bound := range h.buckets {
		if value <= bound {
			h.counts[i]++
		}
	}
}

func (h *histogram) Snapshot() histogramSnapshot {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := histogramSnapshot{
		buckets: append([]float64(nil), h.buckets...),
		counts:  append([]uint64(nil), h.counts...),
		sum:     h.sum,
		count:   h.count,
	}
	return out
}

func writeCounter(buf *bytes.Buffer, name, help string, value uint64) {
	fmt.Fprintf(buf, "# HELP %s %s\n", name, help)
	fmt.Fprintf(buf, "# TYPE %s counter\n", name)
	fmt.Fprintf(buf, "%s %d\n", name, value)
}

func writeHistogram(buf *bytes.Buffer, name, help string, snap histogramSnapshot) {
	fmt.Fprintf(buf, "# HELP %s %s\n", name, help)
	fmt.Fprintf(buf, "# TYPE %s histogram\n", name)
	var cumulative uint64
	for i, bound := range snap.buckets {
		cumulative += snap.counts[i]
		fmt.Fprintf(buf, "%s_bucket{le=\"%s\"} %d\n", name, formatFloat(bound), cumulative)
	}
	fmt.Fprintf(buf, "%s_bucket{le=\"+Inf\"} %d\n", name, snap.count)
	fmt.Fprintf(buf, "%s_sum %s\n", name, formatFloat(snap.sum))
	fmt.Fprintf(buf, "%s_count %d\n", name, snap.count)
}

func formatFloat(value float64) string {
	if value == float64(int64(value)) {
		return strconv.FormatInt(int64(value), 10)
	}
	return strconv.FormatFloat(value, 'f', -1, 64)
}

// NowMillis returns current time in milliseconds, useful for callers without time utilities.
func NowMillis() float64 {
	return float64(time.Now().UnixNano()) / float64(time.Millisecond)
}
