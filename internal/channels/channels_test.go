package channels

import (
	"errors"
	"testing"

	"agentcorp/internal/ledger"
	"agentcorp/internal/org"
	"agentcorp/internal/types"
)

// testOrg builds ceo -> vp-eng -> dir-backend -> {worker-1, worker-2},
// with worker-3 under a separate director.
func testOrg(t *testing.T, root string) *org.Registry {
	t.Helper()
	reg, err := org.NewRegistry(root)
	if err != nil {
		t.Fatalf("new registry: %v", err)
	}
	hires := []*org.Agent{
		{ID: "ceo", Role: "chief", Tier: types.TierExecutive},
		{ID: "vp-eng", Role: "vp", Tier: types.TierVP, ReportsTo: "ceo"},
		{ID: "dir-backend", Role: "director", Tier: types.TierDirector, ReportsTo: "vp-eng"},
		{ID: "dir-frontend", Role: "director", Tier: types.TierDirector, ReportsTo: "vp-eng"},
		{ID: "worker-1", Role: "engineer", Tier: types.TierWorker, ReportsTo: "dir-backend"},
		{ID: "worker-2", Role: "engineer", Tier: types.TierWorker, ReportsTo: "dir-backend"},
		{ID: "worker-3", Role: "engineer", Tier: types.TierWorker, ReportsTo: "dir-frontend"},
	}
	for _, a := range hires {
		if err := reg.Register(a); err != nil {
			t.Fatalf("register %s: %v", a.ID, err)
		}
	}
	return reg
}

func newTestChannels(t *testing.T) *Manager {
	t.Helper()
	root := t.TempDir()
	led, err := ledger.Open(root)
	if err != nil {
		t.Fatalf("open ledger: %v", err)
	}
	t.Cleanup(func() { led.Close() })
	reg := testOrg(t, root)
	m, err := NewManager(root, led, reg)
	if err != nil {
		t.Fatalf("new channels manager: %v", err)
	}
	return m
}

func TestDownchainRequiresChainOfCommand(t *testing.T) {
	m := newTestChannels(t)

	if _, err := m.Send("vp-eng", Downchain, []string{"worker-1"}, "task", "do it", types.PriorityP1, ""); err != nil {
		t.Fatalf("downchain within chain should route: %v", err)
	}

	// worker-3 reports through dir-frontend, not dir-backend.
	_, err := m.Send("dir-backend", Downchain, []string{"worker-3"}, "task", "do it", types.PriorityP1, "")
	if !errors.Is(err, types.ErrRoutingError) {
		t.Fatalf("cross-chain downchain should fail with ErrRoutingError, got %v", err)
	}
}

func TestDownchainRejectsEqualOrHigherTier(t *testing.T) {
	m := newTestChannels(t)
	_, err := m.Send("worker-1", Downchain, []string{"dir-backend"}, "up", "nope", types.PriorityP1, "")
	if !errors.Is(err, types.ErrRoutingError) {
		t.Fatalf("upward downchain should fail, got %v", err)
	}
}

func TestUpchainRoutesToManagementChain(t *testing.T) {
	m := newTestChannels(t)
	if _, err := m.Send("worker-1", Upchain, []string{"vp-eng"}, "report", "done", types.PriorityP1, ""); err != nil {
		t.Fatalf("upchain to skip-level manager should route: %v", err)
	}
	_, err := m.Send("worker-1", Upchain, []string{"dir-frontend"}, "report", "done", types.PriorityP1, "")
	if !errors.Is(err, types.ErrRoutingError) {
		t.Fatalf("upchain outside chain should fail, got %v", err)
	}
}

func TestPeerRequiresSameTier(t *testing.T) {
	m := newTestChannels(t)
	if _, err := m.Send("worker-1", Peer, []string{"worker-3"}, "hey", "sync?", types.PriorityP2, ""); err != nil {
		t.Fatalf("same-tier peer message should route: %v", err)
	}
	_, err := m.Send("worker-1", Peer, []string{"dir-backend"}, "hey", "sync?", types.PriorityP2, "")
	if !errors.Is(err, types.ErrRoutingError) {
		t.Fatalf("cross-tier peer message should fail, got %v", err)
	}
}

func TestFanOutValidatesAllRecipientsFirst(t *testing.T) {
	m := newTestChannels(t)
	// worker-3 is outside dir-backend's chain, so the whole send must fail
	// with nothing persisted.
	_, err := m.Send("dir-backend", Downchain, []string{"worker-1", "worker-3"}, "t", "b", types.PriorityP1, "")
	if !errors.Is(err, types.ErrRoutingError) {
		t.Fatalf("expected routing error, got %v", err)
	}
	if inbox := m.Inbox("worker-1"); len(inbox) != 0 {
		t.Fatalf("partial fan-out leaked %d messages", len(inbox))
	}
}

func TestFanOutSharesThread(t *testing.T) {
	m := newTestChannels(t)
	msgs, err := m.Send("dir-backend", Downchain, []string{"worker-1", "worker-2"}, "t", "b", types.PriorityP1, "")
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if len(msgs) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(msgs))
	}
	if msgs[0].ThreadID == "" || msgs[0].ThreadID != msgs[1].ThreadID {
		t.Fatalf("fan-out copies must share a thread id: %q vs %q", msgs[0].ThreadID, msgs[1].ThreadID)
	}
	if msgs[0].ID == msgs[1].ID {
		t.Fatalf("fan-out copies must have distinct ids")
	}
}

func TestBroadcastReachesTransitiveSubordinates(t *testing.T) {
	m := newTestChannels(t)
	msgs, err := m.SendBroadcast("vp-eng", "all hands", "ship it", types.PriorityP1)
	if err != nil {
		t.Fatalf("broadcast: %v", err)
	}
	// dir-backend, dir-frontend, worker-1, worker-2, worker-3.
	if len(msgs) != 5 {
		t.Fatalf("broadcast reached %d agents, want 5", len(msgs))
	}

	_, err = m.SendBroadcast("worker-1", "void", "nobody", types.PriorityP2)
	if !errors.Is(err, types.ErrRoutingError) {
		t.Fatalf("broadcast with no subordinates should fail, got %v", err)
	}
}

func TestInboxOrderedByArrival(t *testing.T) {
	m := newTestChannels(t)
	m.Send("dir-backend", Downchain, []string{"worker-1"}, "first", "", types.PriorityP2, "")
	m.Send("vp-eng", Downchain, []string{"worker-1"}, "second", "", types.PriorityP0, "")
	m.Send("dir-backend", Downchain, []string{"worker-1"}, "third", "", types.PriorityP1, "")

	inbox := m.Inbox("worker-1")
	if len(inbox) != 3 {
		t.Fatalf("inbox size = %d, want 3", len(inbox))
	}
	for i, want := range []string{"first", "second", "third"} {
		if inbox[i].Subject != want {
			t.Fatalf("inbox[%d] = %q, want %q (arrival order, not priority)", i, inbox[i].Subject, want)
		}
	}
}

func TestStatusOnlyMovesForward(t *testing.T) {
	m := newTestChannels(t)
	msgs, err := m.Send("dir-backend", Downchain, []string{"worker-1"}, "t", "b", types.PriorityP1, "")
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	id := msgs[0].ID

	if err := m.MarkRead(id); err != nil {
		t.Fatalf("mark read: %v", err)
	}
	// Delivered after read is a no-op, not a regression.
	if err := m.MarkDelivered(id); err != nil {
		t.Fatalf("mark delivered after read: %v", err)
	}
	hist, err := m.History(msgs[0].ChannelID)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if hist[0].Status != MessageRead {
		t.Fatalf("status regressed to %s", hist[0].Status)
	}
	if hist[0].DeliveredAt.IsZero() || hist[0].ReadAt.IsZero() {
		t.Fatalf("read should backfill delivered timestamp: %+v", hist[0])
	}
	if inbox := m.Inbox("worker-1"); len(inbox) != 0 {
		t.Fatalf("read message must leave the inbox")
	}
}

func TestLaneHistorySurvivesReload(t *testing.T) {
	root := t.TempDir()
	led, err := ledger.Open(root)
	if err != nil {
		t.Fatalf("open ledger: %v", err)
	}
	defer led.Close()
	reg := testOrg(t, root)

	m, err := NewManager(root, led, reg)
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	m.Send("dir-backend", Downchain, []string{"worker-1"}, "a", "", types.PriorityP1, "")
	m.Send("dir-backend", Downchain, []string{"worker-1"}, "b", "", types.PriorityP1, "")

	m2, err := NewManager(root, led, reg)
	if err != nil {
		t.Fatalf("reload manager: %v", err)
	}
	hist, err := m2.History("downchain_dir-backend_worker-1")
	if err != nil {
		t.Fatalf("history after reload: %v", err)
	}
	if len(hist) != 2 || hist[0].Subject != "a" || hist[1].Subject != "b" {
		t.Fatalf("lane order lost across reload: %+v", hist)
	}
}
