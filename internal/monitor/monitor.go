// Package monitor observes the corporation: heartbeats, queue depths,
// molecule progress, recent errors. It is strictly read-only; it never
// mutates hooks, molecules, or contracts. Snapshots are consistent at entity
// granularity: each hook is read atomically, the set of hooks is not.
package monitor

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"time"

	"agentcorp/internal/hooks"
	"agentcorp/internal/ledger"
	"agentcorp/internal/logging"
	"agentcorp/internal/molecule"
	"agentcorp/internal/org"
	"agentcorp/internal/types"

	gocache "github.com/patrickmn/go-cache"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Severity grades an alert.
type Severity string

const (
	SeverityWarning  Severity = "/warning"
	SeverityCritical Severity = "/critical"
)

// Thresholds are the health check limits.
type Thresholds struct {
	HeartbeatWarning  time.Duration
	HeartbeatCritical time.Duration
	QueueWarning      int
	QueueCritical     int
}

// DefaultThresholds matches the standard operating limits.
func DefaultThresholds() Thresholds {
	return Thresholds{
		HeartbeatWarning:  60 * time.Second,
		HeartbeatCritical: 300 * time.Second,
		QueueWarning:      10,
		QueueCritical:     50,
	}
}

// AgentMetrics is one agent's observed state.
type AgentMetrics struct {
	AgentID          string      `json:"agent_id"`
	Tier             types.Tier  `json:"tier"`
	LastHeartbeat    time.Time   `json:"last_heartbeat,omitempty"`
	HeartbeatAgeSecs float64     `json:"heartbeat_age_secs"`
	QueueDepth       int         `json:"queue_depth"`
	CurrentItem      string      `json:"current_item,omitempty"`
	Stats            hooks.Stats `json:"stats"`
}

// MoleculeMetrics is one active molecule's observed state.
type MoleculeMetrics struct {
	ID         string  `json:"id"`
	Name       string  `json:"name"`
	Status     string  `json:"status"`
	Progress   float64 `json:"progress"`
	ActualCost float64 `json:"actual_cost"`
}

// ErrorEntry is one recent failure event from the ledger.
type ErrorEntry struct {
	Seq        uint64    `json:"seq"`
	Timestamp  time.Time `json:"timestamp"`
	Actor      string    `json:"actor"`
	EntityKind string    `json:"entity_kind"`
	EntityID   string    `json:"entity_id"`
	Detail     string    `json:"detail,omitempty"`
}

// Snapshot is one point-in-time view of the system.
type Snapshot struct {
	SchemaVersion      string            `json:"schema_version"`
	Timestamp          time.Time         `json:"timestamp"`
	LedgerSequence     uint64            `json:"ledger_sequence"`
	Agents             []AgentMetrics    `json:"agents"`
	Molecules          []MoleculeMetrics `json:"molecules"`
	PendingAssignments int               `json:"pending_assignments"`
	RecentErrors       []ErrorEntry      `json:"recent_errors,omitempty"`
}

// Alert is one threshold violation.
type Alert struct {
	Severity        Severity  `json:"severity"`
	Condition       string    `json:"condition"`
	Subject         string    `json:"subject"`
	Detail          string    `json:"detail"`
	SuggestedAction string    `json:"suggested_action"`
	RaisedAt        time.Time `json:"raised_at"`
}

// PendingSource reports parked scheduler assignments. Implemented by the
// scheduler.
type PendingSource interface {
	PendingCount() int
}

const snapshotCacheKey = "snapshot"

// Monitor is the read-only observer.
type Monitor struct {
	dir        string
	registry   *org.Registry
	hooks      *hooks.Manager
	engine     *molecule.Engine
	led        *ledger.Ledger
	pending    PendingSource
	thresholds Thresholds

	cache *gocache.Cache

	promRegistry  *prometheus.Registry
	queueDepth    *prometheus.GaugeVec
	heartbeatAge  *prometheus.GaugeVec
	molProgress   *prometheus.GaugeVec
	alertsActive  *prometheus.GaugeVec
	ledgerSeq     prometheus.Gauge
}

// New builds a monitor. cacheTTL bounds how often a full collection pass
// runs; callers inside that window get the cached snapshot.
func New(root string, registry *org.Registry, hookMgr *hooks.Manager, engine *molecule.Engine,
	led *ledger.Ledger, pending PendingSource, thresholds Thresholds, cacheTTL time.Duration) (*Monitor, error) {
	dir := filepath.Join(root, "metrics")
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("%w: create metrics dir: %v", types.ErrStorage, err)
	}
	if cacheTTL <= 0 {
		cacheTTL = 5 * time.Second
	}

	m := &Monitor{
		dir:          dir,
		registry:     registry,
		hooks:        hookMgr,
		engine:       engine,
		led:          led,
		pending:      pending,
		thresholds:   thresholds,
		cache:        gocache.New(cacheTTL, 2*cacheTTL),
		promRegistry: prometheus.NewRegistry(),
	}

	m.queueDepth = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "agentcorp_hook_queue_depth",
		Help: "Queued plus claimed items per agent hook.",
	}, []string{"agent", "tier"})
	m.heartbeatAge = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "agentcorp_agent_heartbeat_age_seconds",
		Help: "Seconds since the agent's last heartbeat.",
	}, []string{"agent", "tier"})
	m.molProgress = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "agentcorp_molecule_progress",
		Help: "Completion fraction per active molecule.",
	}, []string{"molecule", "type"})
	m.alertsActive = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "agentcorp_alerts_active",
		Help: "Active alerts by severity.",
	}, []string{"severity"})
	m.ledgerSeq = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "agentcorp_ledger_sequence",
		Help: "Latest ledger sequence number.",
	})
	m.promRegistry.MustRegister(m.queueDepth, m.heartbeatAge, m.molProgress, m.alertsActive, m.ledgerSeq)
	return m, nil
}

// Handler serves the Prometheus scrape endpoint.
func (m *Monitor) Handler() http.Handler {
	return promhttp.HandlerFor(m.promRegistry, promhttp.HandlerOpts{})
}

// CollectMetrics gathers a snapshot, persists it to metrics/current.json, and
// refreshes the Prometheus gauges. Within the cache TTL the previous snapshot
// is returned untouched.
func (m *Monitor) CollectMetrics() (*Snapshot, error) {
	if cached, ok := m.cache.Get(snapshotCacheKey); ok {
		return cached.(*Snapshot), nil
	}

	now := time.Now().UTC()
	snap := &Snapshot{
		SchemaVersion:  types.SchemaVersion,
		Timestamp:      now,
		LedgerSequence: m.led.LatestSequence(),
	}
	if m.pending != nil {
		snap.PendingAssignments = m.pending.PendingCount()
	}

	for _, a := range m.registry.List() {
		am := AgentMetrics{AgentID: a.ID, Tier: a.Tier}
		if hook, err := m.hooks.Snapshot(a.ID); err == nil {
			am.LastHeartbeat = hook.LastHeartbeat
			if !hook.LastHeartbeat.IsZero() {
				am.HeartbeatAgeSecs = now.Sub(hook.LastHeartbeat).Seconds()
			}
			am.QueueDepth = hook.QueueDepth()
			if hook.InProgress != nil {
				am.CurrentItem = hook.InProgress.ID
			}
			am.Stats = hook.Stats
		}
		snap.Agents = append(snap.Agents, am)

		labels := prometheus.Labels{"agent": a.ID, "tier": string(a.Tier)}
		m.queueDepth.With(labels).Set(float64(am.QueueDepth))
		m.heartbeatAge.With(labels).Set(am.HeartbeatAgeSecs)
	}

	for _, mol := range m.engine.List("") {
		if mol.Status != molecule.StatusActive && mol.Status != molecule.StatusPaused {
			continue
		}
		snap.Molecules = append(snap.Molecules, MoleculeMetrics{
			ID:         mol.ID,
			Name:       mol.Name,
			Status:     string(mol.Status),
			Progress:   mol.Progress,
			ActualCost: mol.ActualCost,
		})
		m.molProgress.With(prometheus.Labels{"molecule": mol.ID, "type": string(mol.Type)}).Set(mol.Progress)
	}

	snap.RecentErrors = m.recentErrors(50)
	m.ledgerSeq.Set(float64(snap.LedgerSequence))

	if err := m.writeJSON("current.json", snap); err != nil {
		return nil, err
	}
	m.cache.Set(snapshotCacheKey, snap, gocache.DefaultExpiration)
	logging.MonitorDebug("collected snapshot: %d agents, %d molecules, seq %d",
		len(snap.Agents), len(snap.Molecules), snap.LedgerSequence)
	return snap, nil
}

// recentErrors scans the ledger tail for failure events.
func (m *Monitor) recentErrors(limit int) []ErrorEntry {
	latest := m.led.LatestSequence()
	var since uint64
	if latest > 500 {
		since = latest - 500
	}
	entries, err := m.led.ReadSince(since)
	if err != nil {
		logging.Get(logging.CategoryMonitor).Warn("ledger read for recent errors: %v", err)
		return nil
	}
	var out []ErrorEntry
	for i := len(entries) - 1; i >= 0 && len(out) < limit; i-- {
		e := entries[i]
		if e.EventKind != ledger.EventFailed && e.EventKind != ledger.EventReclaimed {
			continue
		}
		detail := ""
		if e.Payload != nil {
			if v, ok := e.Payload["error"].(string); ok {
				detail = v
			} else if v, ok := e.Payload["reason"].(string); ok {
				detail = v
			}
		}
		out = append(out, ErrorEntry{
			Seq:        e.Seq,
			Timestamp:  e.Timestamp,
			Actor:      e.Actor,
			EntityKind: e.EntityKind,
			EntityID:   e.EntityID,
			Detail:     detail,
		})
	}
	return out
}

// CheckHealth compares the current snapshot against the thresholds and
// persists active alerts to metrics/alerts.json.
func (m *Monitor) CheckHealth() ([]Alert, error) {
	snap, err := m.CollectMetrics()
	if err != nil {
		return nil, err
	}
	now := time.Now().UTC()

	var alerts []Alert
	for _, am := range snap.Agents {
		if !am.LastHeartbeat.IsZero() {
			age := time.Duration(am.HeartbeatAgeSecs * float64(time.Second))
			switch {
			case age > m.thresholds.HeartbeatCritical:
				alerts = append(alerts, Alert{
					Severity:        SeverityCritical,
					Condition:       "heartbeat_stale",
					Subject:         am.AgentID,
					Detail:          fmt.Sprintf("no heartbeat for %s", age.Round(time.Second)),
					SuggestedAction: "restart agent",
					RaisedAt:        now,
				})
			case age > m.thresholds.HeartbeatWarning:
				alerts = append(alerts, Alert{
					Severity:        SeverityWarning,
					Condition:       "heartbeat_stale",
					Subject:         am.AgentID,
					Detail:          fmt.Sprintf("no heartbeat for %s", age.Round(time.Second)),
					SuggestedAction: "check agent",
					RaisedAt:        now,
				})
			}
		}
		switch {
		case am.QueueDepth > m.thresholds.QueueCritical:
			alerts = append(alerts, Alert{
				Severity:        SeverityCritical,
				Condition:       "queue_depth",
				Subject:         am.AgentID,
				Detail:          fmt.Sprintf("queue depth %d", am.QueueDepth),
				SuggestedAction: "investigate bottleneck",
				RaisedAt:        now,
			})
		case am.QueueDepth > m.thresholds.QueueWarning:
			alerts = append(alerts, Alert{
				Severity:        SeverityWarning,
				Condition:       "queue_depth",
				Subject:         am.AgentID,
				Detail:          fmt.Sprintf("queue depth %d", am.QueueDepth),
				SuggestedAction: "scale workers",
				RaisedAt:        now,
			})
		}
	}

	sort.Slice(alerts, func(i, j int) bool {
		if alerts[i].Severity != alerts[j].Severity {
			return alerts[i].Severity == SeverityCritical
		}
		return alerts[i].Subject < alerts[j].Subject
	})

	counts := map[Severity]int{}
	for _, a := range alerts {
		counts[a.Severity]++
	}
	m.alertsActive.With(prometheus.Labels{"severity": string(SeverityWarning)}).Set(float64(counts[SeverityWarning]))
	m.alertsActive.With(prometheus.Labels{"severity": string(SeverityCritical)}).Set(float64(counts[SeverityCritical]))

	if err := m.writeJSON("alerts.json", alerts); err != nil {
		return nil, err
	}
	if len(alerts) > 0 {
		logging.Monitor("health check raised %d alerts (%d critical)", len(alerts), counts[SeverityCritical])
	}
	return alerts, nil
}

func (m *Monitor) writeJSON(name string, v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("%w: marshal %s: %v", types.ErrStorage, name, err)
	}
	path := filepath.Join(m.dir, name)
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("%w: write %s: %v", types.ErrStorage, path, err)
	}
	return nil
}
