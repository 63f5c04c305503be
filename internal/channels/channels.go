// Package channels routes typed messages between agents. Four channel types
// exist: downchain (delegation), upchain (reporting), peer, and broadcast.
// Routing rules are enforced against the org hierarchy before anything is
// persisted; a violation never leaves a trace in the stores.
//
// Each (type, sender, recipient) lane persists as one channel record under
// <root>/channels/, so per-sender per-recipient ordering is simply the lane's
// append order.
package channels

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
	"agentcorp/internal/org"
	"agentcorp/internal/types"

	"github.com/google/uuid"
)

// ChannelType is the routing lane kind.
type ChannelType string

const (
	Downchain ChannelType = "/downchain"
	Upchain   ChannelType = "/upchain"
	Peer      ChannelType = "/peer"
	Broadcast ChannelType = "/broadcast"
)

// MessageStatus tracks delivery progress.
type MessageStatus string

const (
	MessagePending   MessageStatus = "/pending"
	MessageDelivered MessageStatus = "/delivered"
	MessageRead      MessageStatus = "/read"
	MessageFailed    MessageStatus = "/failed"
)

// Message is one routed message. Fan-out (multiple recipients, broadcast)
// materializes one message per recipient sharing a thread id.
type Message struct {
	ID          string         `json:"id"`
	ChannelID   string         `json:"channel_id"`
	Type        ChannelType    `json:"type"`
	Sender      string         `json:"sender"`
	Recipient   string         `json:"recipient"`
	Subject     string         `json:"subject"`
	Body        string         `json:"body"`
	Priority    types.Priority `json:"priority"`
	Status      MessageStatus  `json:"status"`
	InReplyTo   string         `json:"in_reply_to,omitempty"`
	ThreadID    string         `json:"thread_id,omitempty"`
	Arrival     uint64         `json:"arrival"`
	SentAt      time.Time      `json:"sent_at"`
	DeliveredAt time.Time      `json:"delivered_at,omitempty"`
	ReadAt      time.Time      `json:"read_at,omitempty"`
}

// channelRecord is the persisted shape of channels/<channel_id>.json.
type channelRecord struct {
	SchemaVersion string      `json:"schema_version"`
	ID            string      `json:"id"`
	Type          ChannelType `json:"type"`
	Sender        string      `json:"sender"`
	Recipient     string      `json:"recipient"`
	Messages      []*Message  `json:"messages"`
}

// Manager routes and stores messages.
type Manager struct {
	mu       sync.Mutex
	dir      string
	led      *ledger.Ledger
	registry *org.Registry
	lanes    map[string]*channelRecord
	msgIndex map[string]string // message id -> channel id
	arrival  uint64
}

// NewManager prepares the channels directory and loads persisted lanes.
func NewManager(root string, led *ledger.Ledger, registry *org.Registry) (*Manager, error) {
	dir := filepath.Join(root, "channels")
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("%w: create channels dir: %v", types.ErrStorage, err)
	}
	m := &Manager{
		dir:      dir,
		led:      led,
		registry: registry,
		lanes:    make(map[string]*channelRecord),
		msgIndex: make(map[string]string),
	}
	if err := m.loadAll(); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *Manager) loadAll() error {
	dirents, err := os.ReadDir(m.dir)
	if err != nil {
		return fmt.Errorf("%w: read channels dir: %v", types.ErrStorage, err)
	}
	for _, de := range dirents {
		if de.IsDir() || !strings.HasSuffix(de.Name(), ".json") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(m.dir, de.Name()))
		if err != nil {
			return fmt.Errorf("%w: read %s: %v", types.ErrStorage, de.Name(), err)
		}
		var rec channelRecord
		if err := json.Unmarshal(data, &rec); err != nil {
			return fmt.Errorf("%w: parse %s: %v", types.ErrStorage, de.Name(), err)
		}
		if !types.SchemaCompatible(rec.SchemaVersion) {
			return fmt.Errorf("%w: channel %s schema %q", types.ErrSchemaMismatch, rec.ID, rec.SchemaVersion)
		}
		m.lanes[rec.ID] = &rec
		for _, msg := range rec.Messages {
			m.msgIndex[msg.ID] = rec.ID
			if msg.Arrival > m.arrival {
				m.arrival = msg.Arrival
			}
		}
	}
	logging.Channels("loaded %d channel lanes", len(m.lanes))
	return nil
}

func laneID(t ChannelType, sender, recipient string) string {
	kind := strings.TrimPrefix(string(t), "/")
	return fmt.Sprintf("%s_%s_%s", kind, sender, recipient)
}

func (m *Manager) persistLane(rec *channelRecord) error {
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("%w: marshal channel %s: %v", types.ErrStorage, rec.ID, err)
	}
	path := filepath.Join(m.dir, rec.ID+".json")
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("%w: write %s: %v", types.ErrStorage, path, err)
	}
	return nil
}

// validateRoute enforces the tier rules. Violations fail fast and are never
// persisted.
func (m *Manager) validateRoute(t ChannelType, sender, recipient *org.Agent) error {
	switch t {
	case Downchain:
		if sender.Tier.Rank() >= recipient.Tier.Rank() || !m.registry.InChainOfCommand(recipient.ID, sender.ID) {
			return fmt.Errorf("%w: downchain %s (%s) -> %s (%s)", types.ErrRoutingError, sender.ID, sender.Tier, recipient.ID, recipient.Tier)
		}
	case Upchain:
		if recipient.Tier.Rank() >= sender.Tier.Rank() || !m.registry.InChainOfCommand(sender.ID, recipient.ID) {
			return fmt.Errorf("%w: upchain %s (%s) -> %s (%s)", types.ErrRoutingError, sender.ID, sender.Tier, recipient.ID, recipient.Tier)
		}
	case Peer:
		if sender.Tier != recipient.Tier {
			return fmt.Errorf("%w: peer message across tiers %s -> %s", types.ErrRoutingError, sender.Tier, recipient.Tier)
		}
	default:
		return fmt.Errorf("%w: unknown channel type %q", types.ErrRoutingError, t)
	}
	return nil
}

// Send validates routing, persists one message per recipient, and returns the
// created messages in recipient order. All fan-out copies share a thread id.
func (m *Manager) Send(senderID string, t ChannelType, recipients []string, subject, body string, priority types.Priority, inReplyTo string) ([]*Message, error) {
	if t == Broadcast {
		return nil, fmt.Errorf("%w: use SendBroadcast for broadcast", types.ErrRoutingError)
	}
	if len(recipients) == 0 {
		return nil, fmt.Errorf("%w: no recipients", types.ErrRoutingError)
	}

	sender, err := m.registry.Get(senderID)
	if err != nil {
		return nil, err
	}

	// Validate every recipient before persisting anything.
	resolved := make([]*org.Agent, 0, len(recipients))
	for _, rid := range recipients {
		recipient, err := m.registry.Get(rid)
		if err != nil {
			return nil, err
		}
		if err := m.validateRoute(t, sender, recipient); err != nil {
			return nil, err
		}
		resolved = append(resolved, recipient)
	}

	threadID := inReplyTo
	if threadID == "" {
		threadID = fmt.Sprintf("thr_%s", uuid.New().String()[:8])
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]*Message, 0, len(resolved))
	for _, recipient := range resolved {
		msg, err := m.appendLocked(t, sender.ID, recipient.ID, subject, body, priority, inReplyTo, threadID)
		if err != nil {
			return out, err
		}
		out = append(out, msg)
	}
	return out, nil
}

// SendBroadcast expands a broadcast to the sender's transitive subordinate
// set, materialized as individual downchain-style messages.
func (m *Manager) SendBroadcast(senderID, subject, body string, priority types.Priority) ([]*Message, error) {
	if _, err := m.registry.Get(senderID); err != nil {
		return nil, err
	}
	audience := m.registry.Subordinates(senderID)
	if len(audience) == 0 {
		return nil, fmt.Errorf("%w: %s has no subordinates to broadcast to", types.ErrRoutingError, senderID)
	}

	threadID := fmt.Sprintf("thr_%s", uuid.New().String()[:8])

	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]*Message, 0, len(audience))
	for _, recipient := range audience {
		msg, err := m.appendLocked(Broadcast, senderID, recipient.ID, subject, body, priority, "", threadID)
		if err != nil {
			return out, err
		}
		out = append(out, msg)
	}
	logging.Channels("broadcast from %s to %d subordinates", senderID, len(out))
	return out, nil
}

func (m *Manager) appendLocked(t ChannelType, senderID, recipientID, subject, body string, priority types.Priority, inReplyTo, threadID string) (*Message, error) {
	id := laneID(t, senderID, recipientID)
	rec, ok := m.lanes[id]
	if !ok {
		rec = &channelRecord{
			SchemaVersion: types.SchemaVersion,
			ID:            id,
			Type:          t,
			Sender:        senderID,
			Recipient:     recipientID,
		}
		m.lanes[id] = rec
	}

	m.arrival++
	msg := &Message{
		ID:        fmt.Sprintf("msg_%s", uuid.New().String()[:8]),
		ChannelID: id,
		Type:      t,
		Sender:    senderID,
		Recipient: recipientID,
		Subject:   subject,
		Body:      body,
		Priority:  priority,
		Status:    MessagePending,
		InReplyTo: inReplyTo,
		ThreadID:  threadID,
		Arrival:   m.arrival,
		SentAt:    time.Now().UTC(),
	}

	if _, err := m.led.Append(senderID, ledger.EntityMessage, msg.ID, ledger.EventSent,
		map[string]interface{}{
			"channel":   id,
			"type":      string(t),
			"recipient": recipientID,
			"subject":   subject,
			"priority":  string(priority),
		}, 0); err != nil {
		return nil, err
	}

	rec.Messages = append(rec.Messages, msg)
	m.msgIndex[msg.ID] = id
	if err := m.persistLane(rec); err != nil {
		return nil, err
	}
	cp := *msg
	return &cp, nil
}

// Inbox returns the recipient's undelivered and unread messages, ordered by
// arrival (send order within each sender lane is preserved).
func (m *Manager) Inbox(recipientID string) []*Message {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*Message
	for _, rec := range m.lanes {
		if rec.Recipient != recipientID {
			continue
		}
		for _, msg := range rec.Messages {
			if msg.Status == MessagePending || msg.Status == MessageDelivered {
				cp := *msg
				out = append(out, &cp)
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Arrival < out[j].Arrival })
	return out
}

// MarkDelivered transitions a message to delivered.
func (m *Manager) MarkDelivered(messageID string) error {
	return m.transition(messageID, MessageDelivered)
}

// MarkRead transitions a message to read.
func (m *Manager) MarkRead(messageID string) error {
	return m.transition(messageID, MessageRead)
}

func (m *Manager) transition(messageID string, to MessageStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	laneKey, ok := m.msgIndex[messageID]
	if !ok {
		return fmt.Errorf("%w: message %s", types.ErrNotFound, messageID)
	}
	rec := m.lanes[laneKey]
	for _, msg := range rec.Messages {
		if msg.ID != messageID {
			continue
		}
		// Status only moves forward: pending -> delivered -> read.
		if statusRank(to) <= statusRank(msg.Status) {
			return nil
		}
		event := ledger.EventDelivered
		if to == MessageRead {
			event = ledger.EventRead
		}
		if _, err := m.led.Append(rec.Recipient, ledger.EntityMessage, messageID, event, nil, 0); err != nil {
			return err
		}
		now := time.Now().UTC()
		switch to {
		case MessageDelivered:
			msg.DeliveredAt = now
		case MessageRead:
			if msg.DeliveredAt.IsZero() {
				msg.DeliveredAt = now
			}
			msg.ReadAt = now
		}
		msg.Status = to
		return m.persistLane(rec)
	}
	return fmt.Errorf("%w: message %s", types.ErrNotFound, messageID)
}

func statusRank(s MessageStatus) int {
	switch s {
	case MessagePending:
		return 0
	case MessageDelivered:
		return 1
	case MessageRead:
		return 2
	default:
		return 3
	}
}

// History returns all messages in a lane in send order.
func (m *Manager) History(channelID string) ([]*Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.lanes[channelID]
	if !ok {
		return nil, fmt.Errorf("%w: channel %s", types.ErrNotFound, channelID)
	}
	out := make([]*Message, len(rec.Messages))
	for i, msg := range rec.Messages {
		cp := *msg
		out[i] = &cp
	}
	return out, nil
}
