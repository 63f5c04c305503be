package corporation

import (
	"fmt"
	"sort"

	"agentcorp/internal/ledger"
	"agentcorp/internal/logging"
	"agentcorp/internal/molecule"
)

// EntityHistory summarizes one entity's ledger trail.
type EntityHistory struct {
	Kind      string `json:"kind"`
	ID        string `json:"id"`
	Events    int    `json:"events"`
	LastEvent string `json:"last_event"`
	LastSeq   uint64 `json:"last_seq"`
}

// RebuildReport is the outcome of replaying the ledger against the live
// stores. A non-empty Mismatches list means a store diverged from the
// authoritative history.
type RebuildReport struct {
	EntriesReplayed uint64          `json:"entries_replayed"`
	Entities        []EntityHistory `json:"entities"`
	Mismatches      []string        `json:"mismatches,omitempty"`
}

// statusFromEvents folds molecule event kinds into the status the store
// should hold.
func statusFromEvents(events []string) molecule.Status {
	status := molecule.StatusDraft
	for _, ev := range events {
		switch ev {
		case ledger.EventStarted, ledger.EventResumed:
			status = molecule.StatusActive
		case ledger.EventPaused:
			status = molecule.StatusPaused
		case ledger.EventCompleted:
			status = molecule.StatusCompleted
		case ledger.EventFailed:
			status = molecule.StatusFailed
		}
	}
	return status
}

// Rebuild replays the full ledger in sequence order and cross-checks the
// derived molecule statuses against the engine's store. The ledger is the
// source of truth; divergence is reported, never silently repaired.
func (c *Corporation) Rebuild() (*RebuildReport, error) {
	report := &RebuildReport{}
	histories := make(map[string]*EntityHistory)
	moleculeEvents := make(map[string][]string)

	err := c.led.Replay(func(e ledger.Entry) error {
		report.EntriesReplayed++
		key := e.EntityKind + " " + e.EntityID
		h, ok := histories[key]
		if !ok {
			h = &EntityHistory{Kind: e.EntityKind, ID: e.EntityID}
			histories[key] = h
		}
		h.Events++
		h.LastEvent = e.EventKind
		h.LastSeq = e.Seq
		if e.EntityKind == ledger.EntityMolecule {
			moleculeEvents[e.EntityID] = append(moleculeEvents[e.EntityID], e.EventKind)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	for id, events := range moleculeEvents {
		derived := statusFromEvents(events)
		m, err := c.engine.Get(id)
		if err != nil {
			report.Mismatches = append(report.Mismatches,
				fmt.Sprintf("molecule %s in ledger but missing from store", id))
			continue
		}
		// Continuous molecules re-enter active after a terminal event, and
		// iteration events are status changes; only hard divergence counts.
		if m.Type == molecule.TypeContinuous {
			continue
		}
		if m.Status != derived && !(derived == molecule.StatusActive && m.Status == molecule.StatusPending) {
			report.Mismatches = append(report.Mismatches,
				fmt.Sprintf("molecule %s: store says %s, ledger derives %s", id, m.Status, derived))
		}
	}

	for _, h := range histories {
		report.Entities = append(report.Entities, *h)
	}
	sort.Slice(report.Entities, func(i, j int) bool {
		if report.Entities[i].Kind != report.Entities[j].Kind {
			return report.Entities[i].Kind < report.Entities[j].Kind
		}
		return report.Entities[i].ID < report.Entities[j].ID
	})

	if len(report.Mismatches) == 0 {
		logging.Boot("rebuild check: %d entries, %d entities, stores consistent",
			report.EntriesReplayed, len(report.Entities))
	} else {
		logging.Get(logging.CategoryBoot).Warn("rebuild check found %d mismatches", len(report.Mismatches))
	}
	return report, nil
}
