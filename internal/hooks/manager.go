package hooks

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"agentcorp/internal/ledger"
	"agentcorp/internal/logging"
	"agentcorp/internal/types"
)

// hookRecord is the persisted shape of hooks/<owner>.json.
type hookRecord struct {
	SchemaVersion string `json:"schema_version"`
	Hook          *Hook  `json:"hook"`
	ArrivalSeq    uint64 `json:"arrival_seq"`
}

type hookState struct {
	mu   sync.Mutex
	hook *Hook
}

// Manager owns all hooks in the process. Per-hook mutations serialize on the
// hook's lock; the manager-level lock only guards the owner map.
type Manager struct {
	mu         sync.RWMutex
	hooks      map[string]*hookState
	dir        string
	led        *ledger.Ledger
	arrivalMu  sync.Mutex
	arrivalSeq uint64
	staleAfter time.Duration
}

// NewManager prepares the hooks directory and loads any persisted hooks.
func NewManager(root string, led *ledger.Ledger, staleAfter time.Duration) (*Manager, error) {
	dir := filepath.Join(root, "hooks")
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("%w: create hooks dir: %v", types.ErrStorage, err)
	}
	m := &Manager{
		hooks:      make(map[string]*hookState),
		dir:        dir,
		led:        led,
		staleAfter: staleAfter,
	}
	if err := m.loadAll(); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *Manager) loadAll() error {
	dirents, err := os.ReadDir(m.dir)
	if err != nil {
		return fmt.Errorf("%w: read hooks dir: %v", types.ErrStorage, err)
	}
	for _, de := range dirents {
		if de.IsDir() || !strings.HasSuffix(de.Name(), ".json") {
			continue
		}
		rec, err := m.readRecord(filepath.Join(m.dir, de.Name()))
		if err != nil {
			return err
		}
		m.hooks[rec.Hook.OwnerID] = &hookState{hook: rec.Hook}
		if rec.ArrivalSeq > m.arrivalSeq {
			m.arrivalSeq = rec.ArrivalSeq
		}
	}
	logging.Hooks("loaded %d hooks", len(m.hooks))
	return nil
}

func (m *Manager) readRecord(path string) (*hookRecord, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: read %s: %v", types.ErrStorage, path, err)
	}
	var rec hookRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("%w: parse %s: %v", types.ErrStorage, path, err)
	}
	if !types.SchemaCompatible(rec.SchemaVersion) {
		return nil, fmt.Errorf("%w: hook record %s schema %q", types.ErrSchemaMismatch, path, rec.SchemaVersion)
	}
	return &rec, nil
}

func (m *Manager) persist(h *Hook) error {
	m.arrivalMu.Lock()
	seq := m.arrivalSeq
	m.arrivalMu.Unlock()

	rec := hookRecord{SchemaVersion: types.SchemaVersion, Hook: h, ArrivalSeq: seq}
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("%w: marshal hook %s: %v", types.ErrStorage, h.OwnerID, err)
	}
	path := filepath.Join(m.dir, h.OwnerID+".json")
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("%w: write %s: %v", types.ErrStorage, path, err)
	}
	return nil
}

func (m *Manager) nextArrival() uint64 {
	m.arrivalMu.Lock()
	defer m.arrivalMu.Unlock()
	m.arrivalSeq++
	return m.arrivalSeq
}

func (m *Manager) state(ownerID string) (*hookState, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	hs, ok := m.hooks[ownerID]
	if !ok {
		return nil, fmt.Errorf("%w: hook for %s", types.ErrNotFound, ownerID)
	}
	return hs, nil
}

// CreateHook registers an empty hook for a new owner. Idempotent.
func (m *Manager) CreateHook(ownerID string, ownerType OwnerType) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.hooks[ownerID]; exists {
		return nil
	}
	h := &Hook{OwnerID: ownerID, OwnerType: ownerType, Queue: make([]*WorkItem, 0)}
	if _, err := m.led.Append(ownerID, ledger.EntityHook, ownerID, ledger.EventCreated,
		map[string]interface{}{"owner_type": string(ownerType)}, 0); err != nil {
		return err
	}
	m.hooks[ownerID] = &hookState{hook: h}
	return m.persist(h)
}

// Enqueue inserts an item into the owner's queue, ordered by priority then
// arrival.
func (m *Manager) Enqueue(ownerID string, item *WorkItem) error {
	hs, err := m.state(ownerID)
	if err != nil {
		return err
	}

	hs.mu.Lock()
	defer hs.mu.Unlock()

	if item.Arrival == 0 {
		item.Arrival = m.nextArrival()
	}
	item.Status = ItemQueued

	if _, err := m.led.Append(ownerID, ledger.EntityWorkItem, item.ID, ledger.EventEnqueued,
		map[string]interface{}{
			"owner":       ownerID,
			"molecule_id": item.MoleculeID,
			"step_id":     item.StepID,
			"priority":    string(item.Priority),
			"retry_count": item.RetryCount,
		}, 0); err != nil {
		return err
	}

	hs.hook.Queue = append(hs.hook.Queue, item)
	sort.Slice(hs.hook.Queue, func(i, j int) bool { return hs.hook.Queue[i].Before(hs.hook.Queue[j]) })
	hs.hook.Stats.Queued++
	logging.HooksDebug("enqueue %s -> %s (prio %s)", item.ID, ownerID, item.Priority)
	return m.persist(hs.hook)
}

// Claim atomically removes the highest-priority item and marks it
// in_progress. Returns (nil, nil) on an empty queue. A second claim before
// completion fails with ErrClaimConflict.
func (m *Manager) Claim(ownerID string) (*WorkItem, error) {
	hs, err := m.state(ownerID)
	if err != nil {
		return nil, err
	}

	hs.mu.Lock()
	defer hs.mu.Unlock()

	if hs.hook.InProgress != nil {
		return nil, fmt.Errorf("%w: %s already holds %s", types.ErrClaimConflict, ownerID, hs.hook.InProgress.ID)
	}
	if len(hs.hook.Queue) == 0 {
		return nil, nil
	}

	item := hs.hook.Queue[0]
	if _, err := m.led.Append(ownerID, ledger.EntityWorkItem, item.ID, ledger.EventClaimed,
		map[string]interface{}{"owner": ownerID, "retry_count": item.RetryCount}, 0); err != nil {
		return nil, err
	}

	hs.hook.Queue = hs.hook.Queue[1:]
	item.Status = ItemInProgress
	item.ClaimedAt = time.Now().UTC()
	item.ClaimedBy = ownerID
	hs.hook.InProgress = item
	hs.hook.Stats.Queued--
	hs.hook.Stats.InProgress++
	hs.hook.LastHeartbeat = item.ClaimedAt
	if err := m.persist(hs.hook); err != nil {
		return nil, err
	}
	cp := *item
	return &cp, nil
}

// Complete transitions the claimed item to completed and clears the claim
// slot.
func (m *Manager) Complete(ownerID, itemID, result string) error {
	hs, err := m.state(ownerID)
	if err != nil {
		return err
	}

	hs.mu.Lock()
	defer hs.mu.Unlock()

	item := hs.hook.InProgress
	if item == nil || item.ID != itemID {
		return fmt.Errorf("%w: %s does not hold item %s", types.ErrInvalidState, ownerID, itemID)
	}

	if _, err := m.led.Append(ownerID, ledger.EntityWorkItem, itemID, ledger.EventCompleted,
		map[string]interface{}{"owner": ownerID, "result": result}, 0); err != nil {
		return err
	}

	item.Status = ItemCompleted
	item.Result = result
	hs.hook.InProgress = nil
	hs.hook.Stats.InProgress--
	hs.hook.Stats.Completed++
	return m.persist(hs.hook)
}

// Fail handles a failed attempt. Retryable failures requeue the item with an
// incremented retry count until max_retries is exhausted; exhaustion or a
// non-retryable error marks the item permanently failed.
func (m *Manager) Fail(ownerID, itemID, errMsg string, retryable bool) (requeued bool, err error) {
	hs, err := m.state(ownerID)
	if err != nil {
		return false, err
	}

	hs.mu.Lock()
	defer hs.mu.Unlock()

	item := hs.hook.InProgress
	if item == nil || item.ID != itemID {
		return false, fmt.Errorf("%w: %s does not hold item %s", types.ErrInvalidState, ownerID, itemID)
	}

	if retryable && item.RetryCount < item.MaxRetries {
		if _, err := m.led.Append(ownerID, ledger.EntityWorkItem, itemID, ledger.EventRequeued,
			map[string]interface{}{"owner": ownerID, "error": errMsg, "retry_count": item.RetryCount + 1}, 0); err != nil {
			return false, err
		}
		item.RetryCount++
		item.Status = ItemQueued
		item.LastError = errMsg
		item.ClaimedAt = time.Time{}
		item.ClaimedBy = ""
		hs.hook.InProgress = nil
		hs.hook.Queue = append(hs.hook.Queue, item)
		sort.Slice(hs.hook.Queue, func(i, j int) bool { return hs.hook.Queue[i].Before(hs.hook.Queue[j]) })
		hs.hook.Stats.InProgress--
		hs.hook.Stats.Queued++
		return true, m.persist(hs.hook)
	}

	if _, err := m.led.Append(ownerID, ledger.EntityWorkItem, itemID, ledger.EventFailed,
		map[string]interface{}{"owner": ownerID, "error": errMsg, "retry_count": item.RetryCount}, 0); err != nil {
		return false, err
	}
	item.Status = ItemFailed
	item.LastError = errMsg
	hs.hook.InProgress = nil
	hs.hook.Stats.InProgress--
	hs.hook.Stats.Failed++
	logging.Hooks("item %s permanently failed on %s: %s", itemID, ownerID, errMsg)
	return false, m.persist(hs.hook)
}

// Release returns the claimed item to the queue without counting a retry.
// Used on cancellation: the claim is released, not failed.
func (m *Manager) Release(ownerID, itemID string) error {
	hs, err := m.state(ownerID)
	if err != nil {
		return err
	}

	hs.mu.Lock()
	defer hs.mu.Unlock()

	item := hs.hook.InProgress
	if item == nil || item.ID != itemID {
		return fmt.Errorf("%w: %s does not hold item %s", types.ErrInvalidState, ownerID, itemID)
	}

	if _, err := m.led.Append(ownerID, ledger.EntityWorkItem, itemID, ledger.EventCancelled,
		map[string]interface{}{"owner": ownerID, "released": true}, 0); err != nil {
		return err
	}
	item.Status = ItemQueued
	item.ClaimedAt = time.Time{}
	item.ClaimedBy = ""
	hs.hook.InProgress = nil
	hs.hook.Queue = append(hs.hook.Queue, item)
	sort.Slice(hs.hook.Queue, func(i, j int) bool { return hs.hook.Queue[i].Before(hs.hook.Queue[j]) })
	hs.hook.Stats.InProgress--
	hs.hook.Stats.Queued++
	return m.persist(hs.hook)
}

// Heartbeat updates the owner's last-seen time.
func (m *Manager) Heartbeat(ownerID string, at time.Time) error {
	hs, err := m.state(ownerID)
	if err != nil {
		return err
	}
	hs.mu.Lock()
	defer hs.mu.Unlock()
	hs.hook.LastHeartbeat = at
	return m.persist(hs.hook)
}

// Refresh reloads one hook's state from durable storage. The executor calls
// this between tiers so downstream tiers observe upstream delegation.
func (m *Manager) Refresh(ownerID string) error {
	hs, err := m.state(ownerID)
	if err != nil {
		return err
	}
	hs.mu.Lock()
	defer hs.mu.Unlock()

	rec, err := m.readRecord(filepath.Join(m.dir, ownerID+".json"))
	if err != nil {
		return err
	}
	hs.hook = rec.Hook
	return nil
}

// RefreshAll refreshes every known hook.
func (m *Manager) RefreshAll() error {
	for _, owner := range m.Owners() {
		if err := m.Refresh(owner); err != nil {
			return err
		}
	}
	return nil
}

// GetStats returns the owner's queue counters.
func (m *Manager) GetStats(ownerID string) (Stats, error) {
	hs, err := m.state(ownerID)
	if err != nil {
		return Stats{}, err
	}
	hs.mu.Lock()
	defer hs.mu.Unlock()
	return hs.hook.Stats, nil
}

// Snapshot returns a deep copy of the owner's hook, consistent at hook
// granularity.
func (m *Manager) Snapshot(ownerID string) (*Hook, error) {
	hs, err := m.state(ownerID)
	if err != nil {
		return nil, err
	}
	hs.mu.Lock()
	defer hs.mu.Unlock()
	return hs.hook.clone(), nil
}

// Owners lists all hook owners, ordered.
func (m *Manager) Owners() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.hooks))
	for id := range m.hooks {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// TakeQueued removes a queued (never in_progress) item from the owner's
// queue and returns it. This is the only path by which work moves between
// hooks: the scheduler takes an item and enqueues it elsewhere.
func (m *Manager) TakeQueued(ownerID, itemID string) (*WorkItem, error) {
	hs, err := m.state(ownerID)
	if err != nil {
		return nil, err
	}
	hs.mu.Lock()
	defer hs.mu.Unlock()

	for i, it := range hs.hook.Queue {
		if it.ID != itemID {
			continue
		}
		hs.hook.Queue = append(hs.hook.Queue[:i], hs.hook.Queue[i+1:]...)
		hs.hook.Stats.Queued--
		if err := m.persist(hs.hook); err != nil {
			return nil, err
		}
		return it, nil
	}
	if hs.hook.InProgress != nil && hs.hook.InProgress.ID == itemID {
		return nil, fmt.Errorf("%w: item %s is in progress", types.ErrInvalidState, itemID)
	}
	return nil, fmt.Errorf("%w: item %s in hook %s", types.ErrNotFound, itemID, ownerID)
}

// ReclaimedItem describes one stale reclaim.
type ReclaimedItem struct {
	OwnerID string
	ItemID  string
}

// ReclaimStale returns in_progress items whose claim is older than the stale
// threshold to their queues with an incremented retry count. This is how
// crashed agents lose ownership.
func (m *Manager) ReclaimStale(now time.Time) ([]ReclaimedItem, error) {
	var reclaimed []ReclaimedItem
	for _, ownerID := range m.Owners() {
		hs, err := m.state(ownerID)
		if err != nil {
			continue
		}
		hs.mu.Lock()
		item := hs.hook.InProgress
		stale := item != nil && now.Sub(hs.hook.LastHeartbeat) > m.staleAfter
		if !stale {
			hs.mu.Unlock()
			continue
		}

		if _, err := m.led.Append("system", ledger.EntityWorkItem, item.ID, ledger.EventReclaimed,
			map[string]interface{}{
				"owner":       ownerID,
				"claimed_at":  item.ClaimedAt.Format(time.RFC3339),
				"retry_count": item.RetryCount + 1,
			}, 0); err != nil {
			hs.mu.Unlock()
			return reclaimed, err
		}
		item.RetryCount++
		item.Status = ItemQueued
		item.ClaimedAt = time.Time{}
		item.ClaimedBy = ""
		hs.hook.InProgress = nil
		hs.hook.Queue = append(hs.hook.Queue, item)
		sort.Slice(hs.hook.Queue, func(i, j int) bool { return hs.hook.Queue[i].Before(hs.hook.Queue[j]) })
		hs.hook.Stats.InProgress--
		hs.hook.Stats.Queued++
		err = m.persist(hs.hook)
		hs.mu.Unlock()
		if err != nil {
			return reclaimed, err
		}
		logging.Hooks("reclaimed stale item %s from %s", item.ID, ownerID)
		reclaimed = append(reclaimed, ReclaimedItem{OwnerID: ownerID, ItemID: item.ID})
	}
	return reclaimed, nil
}
