// Package monitor watches sync health and raises throttled alerts when
// the engine degrades: sustained failure rates, dead-lettered entities, a
// stalled remote, or a growing pending backlog.
package monitor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/tildaslashalef/driftsync/internal/config"
	"github.com/tildaslashalef/driftsync/internal/engine"
	"github.com/tildaslashalef/driftsync/internal/entity"
	"github.com/tildaslashalef/driftsync/internal/loggy"
	"github.com/tildaslashalef/driftsync/internal/reconcile"
	"github.com/tildaslashalef/driftsync/internal/ulid"
)

// AlertType identifies what degraded.
type AlertType string

const (
	AlertFailureRate   AlertType = "failure_rate"
	AlertDeadLetter    AlertType = "dead_letter"
	AlertStalledRemote AlertType = "stalled_remote"
	AlertStalePending  AlertType = "stale_pending"
	AlertDrift         AlertType = "reconciliation_drift"
)

// Severity ranks an alert.
type Severity string

const (
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Alert is one raised anomaly.
type Alert struct {
	ID       string    `json:"id"`
	Type     AlertType `json:"type"`
	Severity Severity  `json:"severity"`
	Message  string    `json:"message"`
	At       time.Time `json:"at"`
}

// Sink receives raised alerts.
type Sink interface {
	Deliver(alert Alert)
}

// LogSink writes alerts to the structured log.
type LogSink struct {
	logger *loggy.Logger
}

// NewLogSink creates a sink backed by the given logger.
func NewLogSink(logger *loggy.Logger) *LogSink {
	return &LogSink{logger: logger}
}

// Deliver logs the alert at a level matching its severity.
func (s *LogSink) Deliver(alert Alert) {
	switch alert.Severity {
	case SeverityCritical:
		s.logger.Error("ALERT", "type", alert.Type, "message", alert.Message, "alert_id", alert.ID)
	default:
		s.logger.Warn("ALERT", "type", alert.Type, "message", alert.Message, "alert_id", alert.ID)
	}
}

// Monitor periodically inspects sync telemetry and raises alerts through
// its sink. Alerts of the same type are spaced by the configured interval
// so a sustained outage does not flood the operator.
type Monitor struct {
	entities entity.Repository
	logs     engine.LogRepository
	sink     Sink
	logger   *loggy.Logger

	window           time.Duration
	failureRateLimit float64
	minSamples       int
	stalePendingAge  time.Duration
	stalePendingMax  int
	alertInterval    time.Duration

	mu       sync.Mutex
	lastSent map[AlertType]time.Time
}

// NewMonitor creates an anomaly monitor.
func NewMonitor(cfg config.MonitorConfig, entities entity.Repository, logs engine.LogRepository, sink Sink, logger *loggy.Logger) *Monitor {
	return &Monitor{
		entities:         entities,
		logs:             logs,
		sink:             sink,
		logger:           logger,
		window:           cfg.Window,
		failureRateLimit: cfg.FailureRateLimit,
		minSamples:       cfg.MinSamples,
		stalePendingAge:  cfg.StalePendingAge,
		stalePendingMax:  cfg.StalePendingMax,
		alertInterval:    cfg.AlertInterval,
		lastSent:         make(map[AlertType]time.Time),
	}
}

// Run checks on the given cadence until the context is cancelled.
func (m *Monitor) Run(ctx context.Context, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	m.logger.Info("Anomaly monitor started", "check_interval", every, "window", m.window)

	for {
		select {
		case <-ctx.Done():
			m.logger.Info("Anomaly monitor stopped")
			return
		case <-ticker.C:
			m.Check(ctx)
		}
	}
}

// Check runs every health check once.
func (m *Monitor) Check(ctx context.Context) {
	m.checkFailureRate(ctx)
	m.checkStalledRemote(ctx)
	m.checkStalePending(ctx)
}

func (m *Monitor) checkFailureRate(ctx context.Context) {
	counts, err := m.logs.CountOutcomesSince(ctx, time.Now().UTC().Add(-m.window))
	if err != nil {
		m.logger.Error("Failed to count outcomes", "error", err)
		return
	}

	total, failures := 0, 0
	for outcome, n := range counts {
		total += n
		if outcome.Failure() {
			failures += n
		}
	}
	if total < m.minSamples {
		return
	}

	ratio := float64(failures) / float64(total)
	if ratio <= m.failureRateLimit {
		return
	}

	m.raise(AlertFailureRate, SeverityCritical,
		fmt.Sprintf("failure rate %.0f%% over the last %s (%d of %d adjudications)",
			ratio*100, m.window, failures, total))
}

func (m *Monitor) checkStalledRemote(ctx context.Context) {
	if m.minSamples <= 0 {
		return
	}

	outcomes, err := m.logs.LatestOutcomes(ctx, m.minSamples)
	if err != nil {
		m.logger.Error("Failed to read latest outcomes", "error", err)
		return
	}
	if len(outcomes) < m.minSamples {
		return
	}

	for _, outcome := range outcomes {
		if outcome != engine.OutcomeError && outcome != engine.OutcomeDeadLetter {
			return
		}
	}

	m.raise(AlertStalledRemote, SeverityCritical,
		fmt.Sprintf("last %d adjudications all failed on transport, remote looks unreachable", len(outcomes)))
}

func (m *Monitor) checkStalePending(ctx context.Context) {
	count, err := m.entities.CountStalePending(ctx, time.Now().UTC().Add(-m.stalePendingAge))
	if err != nil {
		m.logger.Error("Failed to count stale pending entities", "error", err)
		return
	}
	if count <= m.stalePendingMax {
		return
	}

	m.raise(AlertStalePending, SeverityWarning,
		fmt.Sprintf("%d entities pending for more than %s", count, m.stalePendingAge))
}

// DeadLetter raises an alert for an entity that exhausted its retries.
// Wired as the scheduler's dead-letter hook.
func (m *Monitor) DeadLetter(entityID string) {
	m.raise(AlertDeadLetter, SeverityCritical,
		fmt.Sprintf("entity %s dead-lettered after exhausting retries", entityID))
}

// RecordSweep raises an alert when a reconciliation pass found unhealed
// drift. Wired as the sweeper's report hook.
func (m *Monitor) RecordSweep(report *reconcile.Report) {
	open := report.TotalDiscrepancies() - report.Healed
	if open <= 0 {
		return
	}

	m.raise(AlertDrift, SeverityWarning,
		fmt.Sprintf("reconciliation found %d discrepancies, %d unhealed, across %d entities",
			report.TotalDiscrepancies(), open, report.Scanned))
}

// raise delivers an alert unless one of the same type went out within the
// throttle interval.
func (m *Monitor) raise(alertType AlertType, severity Severity, message string) {
	now := time.Now().UTC()

	m.mu.Lock()
	if last, ok := m.lastSent[alertType]; ok && now.Sub(last) < m.alertInterval {
		m.mu.Unlock()
		m.logger.Debug("Alert throttled", "type", alertType, "message", message)
		return
	}
	m.lastSent[alertType] = now
	m.mu.Unlock()

	m.sink.Deliver(Alert{
		ID:       ulid.AlertID(),
		Type:     alertType,
		Severity: severity,
		Message:  message,
		At:       now,
	})
}
