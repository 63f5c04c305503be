// Package ledger implements the append-only, content-addressed audit log.
// Every state change in the corporation records an entry here before the
// change is exposed anywhere else; all other stores can be rebuilt by
// replaying entries in sequence order.
//
// Entries are JSON lines in monthly bucket files under <root>/ledger/.
// Appends are serialized and fsynced before returning.
package ledger

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"agentcorp/internal/kernel"
	"agentcorp/internal/logging"
	"agentcorp/internal/types"
)

// Entity kinds recorded in entries.
const (
	EntityMolecule   = "/molecule"
	EntityStep       = "/step"
	EntityWorkItem   = "/work_item"
	EntityHook       = "/hook"
	EntityMessage    = "/message"
	EntityGate       = "/gate"
	EntitySubmission = "/submission"
	EntityContract   = "/contract"
	EntityAgent      = "/agent"
)

// Event kinds. Components add payload detail; the kind is what replay
// dispatches on.
const (
	EventCreated    = "/created"
	EventStarted    = "/started"
	EventStatus     = "/status_changed"
	EventEnqueued   = "/enqueued"
	EventClaimed    = "/claimed"
	EventCompleted  = "/completed"
	EventFailed     = "/failed"
	EventRequeued   = "/requeued"
	EventReclaimed  = "/reclaimed"
	EventCheckpoint = "/checkpoint"
	EventCancelled  = "/cancelled"
	EventSent       = "/sent"
	EventDelivered  = "/delivered"
	EventRead       = "/read"
	EventSubmitted  = "/submitted"
	EventEvaluated  = "/evaluated"
	EventDecided    = "/decided"
	EventActivated  = "/activated"
	EventChecked    = "/checked"
	EventAmended    = "/amended"
	EventEscalated  = "/escalated"
	EventRegistered = "/registered"
	EventPaused     = "/paused"
	EventResumed    = "/resumed"
)

// Entry is one immutable ledger record.
type Entry struct {
	Seq           uint64                 `json:"seq"`
	Timestamp     time.Time              `json:"ts"`
	Actor         string                 `json:"actor"`
	EntityKind    string                 `json:"entity_kind"`
	EntityID      string                 `json:"entity_id"`
	EventKind     string                 `json:"event_kind"`
	Payload       map[string]interface{} `json:"payload,omitempty"`
	ParentSeq     uint64                 `json:"parent_seq,omitempty"`
	SchemaVersion string                 `json:"schema_version"`
}

// ToFact converts an entry to a kernel fact so check expressions can query
// history: ledger_entry(Seq, Actor, EntityKind, EntityID, EventKind).
func (e Entry) ToFact() kernel.Fact {
	return kernel.Fact{
		Predicate: "ledger_entry",
		Args:      []interface{}{int64(e.Seq), e.Actor, e.EntityKind, e.EntityID, e.EventKind},
	}
}

// Query filters entries. Zero values match everything.
type Query struct {
	EntityID   string
	EntityKind string
	Since      uint64 // exclusive lower bound on Seq
}

// Ledger is the exclusive writer interface over the on-disk log.
type Ledger struct {
	mu     sync.Mutex
	dir    string
	seq    uint64
	bucket string
	file   *os.File
}

// Open prepares the ledger directory and recovers the latest sequence number
// from existing bucket files.
func Open(root string) (*Ledger, error) {
	dir := filepath.Join(root, "ledger")
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("%w: create ledger dir: %v", types.ErrStorage, err)
	}

	l := &Ledger{dir: dir}
	if err := l.recover(); err != nil {
		return nil, err
	}
	logging.Ledger("ledger open at %s, latest seq %d", dir, l.seq)
	return l, nil
}

// recover scans bucket files for the highest sequence number. Partial trailing
// lines (a crash mid-write) are ignored; the sequence resumes after the last
// complete entry.
func (l *Ledger) recover() error {
	buckets, err := l.bucketFiles()
	if err != nil {
		return err
	}
	for _, name := range buckets {
		entries, err := l.readBucket(name)
		if err != nil {
			return err
		}
		for _, e := range entries {
			if e.Seq > l.seq {
				l.seq = e.Seq
			}
		}
	}
	return nil
}

func (l *Ledger) bucketFiles() ([]string, error) {
	dirents, err := os.ReadDir(l.dir)
	if err != nil {
		return nil, fmt.Errorf("%w: read ledger dir: %v", types.ErrStorage, err)
	}
	var names []string
	for _, de := range dirents {
		if de.IsDir() || !strings.HasSuffix(de.Name(), ".jsonl") {
			continue
		}
		names = append(names, de.Name())
	}
	sort.Strings(names) // YYYY-MM sorts chronologically
	return names, nil
}

func (l *Ledger) readBucket(name string) ([]Entry, error) {
	f, err := os.Open(filepath.Join(l.dir, name))
	if err != nil {
		return nil, fmt.Errorf("%w: open bucket %s: %v", types.ErrStorage, name, err)
	}
	defer f.Close()

	var entries []Entry
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var e Entry
		if err := json.Unmarshal([]byte(line), &e); err != nil {
			// A torn tail write is tolerated; anything else is corruption.
			logging.Get(logging.CategoryLedger).Warn("skipping unparseable line in %s: %v", name, err)
			continue
		}
		if !types.SchemaCompatible(e.SchemaVersion) {
			return nil, fmt.Errorf("%w: ledger entry seq %d has schema %q", types.ErrSchemaMismatch, e.Seq, e.SchemaVersion)
		}
		entries = append(entries, e)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("%w: scan bucket %s: %v", types.ErrStorage, name, err)
	}
	return entries, nil
}

// Append assigns the next sequence number, writes the entry, and fsyncs
// before returning. Transient write failures are retried up to 3 times with
// backoff, then surfaced as a storage error.
func (l *Ledger) Append(actor, entityKind, entityID, eventKind string, payload map[string]interface{}, parentSeq uint64) (*Entry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	entry := &Entry{
		Seq:           l.seq + 1,
		Timestamp:     time.Now().UTC(),
		Actor:         actor,
		EntityKind:    entityKind,
		EntityID:      entityID,
		EventKind:     eventKind,
		Payload:       payload,
		ParentSeq:     parentSeq,
		SchemaVersion: types.SchemaVersion,
	}

	data, err := json.Marshal(entry)
	if err != nil {
		return nil, fmt.Errorf("%w: marshal entry: %v", types.ErrStorage, err)
	}

	var lastErr error
	backoff := 10 * time.Millisecond
	for attempt := 0; attempt < 3; attempt++ {
		if lastErr = l.writeLine(data); lastErr == nil {
			l.seq = entry.Seq
			logging.LedgerDebug("append seq=%d %s %s %s", entry.Seq, entry.EntityKind, entry.EntityID, entry.EventKind)
			return entry, nil
		}
		// Force a reopen; the file handle may be the broken part.
		if l.file != nil {
			l.file.Close()
			l.file = nil
		}
		time.Sleep(backoff)
		backoff *= 2
	}
	return nil, fmt.Errorf("%w: append after retries: %v", types.ErrStorage, lastErr)
}

func (l *Ledger) writeLine(data []byte) error {
	bucket := time.Now().UTC().Format("2006-01")
	if l.file == nil || bucket != l.bucket {
		if l.file != nil {
			l.file.Close()
		}
		f, err := os.OpenFile(filepath.Join(l.dir, bucket+".jsonl"), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return err
		}
		l.file = f
		l.bucket = bucket
	}
	if _, err := l.file.Write(append(data, '\n')); err != nil {
		return err
	}
	return l.file.Sync()
}

// LatestSequence returns the highest assigned sequence number.
func (l *Ledger) LatestSequence() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.seq
}

// ReadSince returns all entries with Seq > since, ordered by sequence.
func (l *Ledger) ReadSince(since uint64) ([]Entry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	buckets, err := l.bucketFiles()
	if err != nil {
		return nil, err
	}
	var out []Entry
	for _, name := range buckets {
		entries, err := l.readBucket(name)
		if err != nil {
			return nil, err
		}
		for _, e := range entries {
			if e.Seq > since {
				out = append(out, e)
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out, nil
}

// Find returns entries matching the query, ordered by sequence.
func (l *Ledger) Find(q Query) ([]Entry, error) {
	entries, err := l.ReadSince(q.Since)
	if err != nil {
		return nil, err
	}
	out := entries[:0]
	for _, e := range entries {
		if q.EntityID != "" && e.EntityID != q.EntityID {
			continue
		}
		if q.EntityKind != "" && e.EntityKind != q.EntityKind {
			continue
		}
		out = append(out, e)
	}
	return out, nil
}

// Replay invokes fn for every entry in sequence order. Used to rebuild
// derived stores after a crash.
func (l *Ledger) Replay(fn func(Entry) error) error {
	entries, err := l.ReadSince(0)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if err := fn(e); err != nil {
			return fmt.Errorf("replay at seq %d: %w", e.Seq, err)
		}
	}
	return nil
}

// Close releases the current bucket file handle.
func (l *Ledger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file != nil {
		err := l.file.Close()
		l.file = nil
		return err
	}
	return nil
}
