package broker

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"cortex/internal/events"
)

type scriptedRemote struct {
	calls   atomic.Int64
	results map[string]interface{} // peer name -> result
	fail    map[string]bool        // peer name -> always fail
}

func (s *scriptedRemote) ExecuteOnPeer(ctx context.Context, peer PeerInfo, tool string, params map[string]interface{}) (interface{}, error) {
	s.calls.Add(1)
	if s.fail[peer.Name] {
		return nil, errors.New(peer.Name + " unreachable")
	}
	if s.results != nil {
		if result, ok := s.results[peer.Name]; ok {
			return result, nil
		}
	}
	return "ok from " + peer.Name, nil
}

func newTestBroker(bus *events.Bus) *Broker {
	b := NewBroker(Config{MaxRetries: 3}, bus)
	b.sleep = func(context.Context, time.Duration) error { return nil } // no real backoff in tests
	return b
}

func TestBroker_RegisterAndDiscover(t *testing.T) {
	b := newTestBroker(nil)
	peer := b.RegisterPeer(PeerInfo{Name: "worker1", Host: "10.0.0.2", Port: 9000, Tools: []string{"shell", "fs"}})

	if peer.ID == "" {
		t.Fatal("registered peer should get an id")
	}
	if got, ok := b.GetPeer(peer.ID); !ok || got.Status != PeerOnline {
		t.Errorf("peer should be online after registration: %+v", got)
	}

	remote := b.DiscoverTools(true)
	if len(remote) != 2 {
		t.Fatalf("expected 2 remote tools, got %d", len(remote))
	}
	for _, tool := range remote {
		if !tool.Remote || tool.Peer != "worker1" {
			t.Errorf("unexpected tool record: %+v", tool)
		}
	}
	if local := b.DiscoverTools(false); len(local) != 0 {
		t.Errorf("local-only discovery should skip remote peers, got %v", local)
	}
}

func TestBroker_DiscoveredToolsInvocable(t *testing.T) {
	b := newTestBroker(nil)
	b.SetToolDescriber(func(tool string) (string, bool) {
		if tool == "shell" {
			return "Validated shell command execution", true
		}
		return "", false
	})
	b.RegisterPeer(PeerInfo{Name: "worker1", Tools: []string{"shell", "gpu"}})
	remote := &scriptedRemote{results: map[string]interface{}{"worker1": "ran remotely"}}
	b.SetRemoteExecutor(remote)

	discovered := b.DiscoverTools(true)
	if len(discovered) != 2 {
		t.Fatalf("expected 2 tools, got %d", len(discovered))
	}

	byName := make(map[string]RemoteTool)
	for _, tool := range discovered {
		byName[tool.Name] = tool
	}
	if got := byName["shell"].Description; got != "Validated shell command execution" {
		t.Errorf("description should come from the describer, got %q", got)
	}
	if got := byName["gpu"].Description; got != "gpu on peer worker1" {
		t.Errorf("unknown tools should get a generic description, got %q", got)
	}

	shell := byName["shell"]
	if shell.Execute == nil {
		t.Fatal("remote tool should carry an execute handle")
	}
	result, err := shell.Execute(context.Background(), map[string]interface{}{"command": "ls"})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if result != "ran remotely" {
		t.Errorf("unexpected result %v", result)
	}
	if remote.calls.Load() != 1 {
		t.Errorf("expected 1 remote call, got %d", remote.calls.Load())
	}
}

func TestBroker_SelectBestPeerLowestLoad(t *testing.T) {
	b := newTestBroker(nil)
	busy := b.RegisterPeer(PeerInfo{Name: "busy", Tools: []string{"shell"}})
	idle := b.RegisterPeer(PeerInfo{Name: "idle", Tools: []string{"shell"}})
	b.UpdatePeerStatus(busy.ID, PeerOnline, 80)
	b.UpdatePeerStatus(idle.ID, PeerOnline, 10)

	best, err := b.SelectBestPeer("shell")
	if err != nil {
		t.Fatalf("SelectBestPeer: %v", err)
	}
	if best.Name != "idle" {
		t.Errorf("expected lowest-load peer, got %s", best.Name)
	}

	if _, err := b.SelectBestPeer("unknown-tool"); !errors.Is(err, ErrNoPeerAvailable) {
		t.Errorf("expected ErrNoPeerAvailable, got %v", err)
	}
}

func TestBroker_SelectSkipsOfflineAndBusy(t *testing.T) {
	b := newTestBroker(nil)
	off := b.RegisterPeer(PeerInfo{Name: "off", Tools: []string{"shell"}})
	busy := b.RegisterPeer(PeerInfo{Name: "busy", Tools: []string{"shell"}})
	b.UpdatePeerStatus(off.ID, PeerOffline, 0)
	b.UpdatePeerStatus(busy.ID, PeerBusy, 50)

	if _, err := b.SelectBestPeer("shell"); !errors.Is(err, ErrNoPeerAvailable) {
		t.Errorf("offline and busy peers must not be selected, got %v", err)
	}
}

func TestBroker_FailoverToNextPeer(t *testing.T) {
	bus := events.NewBus()
	var failoverErrors atomic.Int64
	bus.Subscribe(events.EventFailoverError, func(events.Event) { failoverErrors.Add(1) })

	b := newTestBroker(bus)
	bad := b.RegisterPeer(PeerInfo{Name: "bad", Tools: []string{"shell"}})
	good := b.RegisterPeer(PeerInfo{Name: "good", Tools: []string{"shell"}})
	b.UpdatePeerStatus(bad.ID, PeerOnline, 10)
	b.UpdatePeerStatus(good.ID, PeerOnline, 50)

	remote := &scriptedRemote{fail: map[string]bool{"bad": true}}
	b.SetRemoteExecutor(remote)

	result, err := b.CallToolWithFailover(context.Background(), "shell", nil)
	if err != nil {
		t.Fatalf("CallToolWithFailover: %v", err)
	}
	if result != "ok from good" {
		t.Errorf("expected failover to good peer, got %v", result)
	}
	if failoverErrors.Load() != 1 {
		t.Errorf("expected 1 failover:error event, got %d", failoverErrors.Load())
	}

	failed, _ := b.GetPeer(bad.ID)
	if failed.Status != PeerBusy {
		t.Errorf("failed peer should be demoted to busy, got %s", failed.Status)
	}
	if failed.Load != 30 {
		t.Errorf("failed peer load should rise by 20 (10+20), got %d", failed.Load)
	}
	succeeded, _ := b.GetPeer(good.ID)
	if succeeded.Load != 40 {
		t.Errorf("successful peer load should drop by 10 (50-10), got %d", succeeded.Load)
	}
}

func TestBroker_FailoverBoundedByMaxRetries(t *testing.T) {
	b := NewBroker(Config{MaxRetries: 2}, nil)
	b.sleep = func(context.Context, time.Duration) error { return nil }
	for _, name := range []string{"p1", "p2", "p3"} {
		b.RegisterPeer(PeerInfo{Name: name, Tools: []string{"shell"}})
	}
	remote := &scriptedRemote{fail: map[string]bool{"p1": true, "p2": true, "p3": true}}
	b.SetRemoteExecutor(remote)

	_, err := b.CallToolWithFailover(context.Background(), "shell", nil)
	if err == nil {
		t.Fatal("expected failure when all peers fail")
	}
	if remote.calls.Load() != 2 {
		t.Errorf("attempts must not exceed MaxRetries (2), got %d", remote.calls.Load())
	}
}

func TestBroker_FailoverBackoffSchedule(t *testing.T) {
	b := NewBroker(Config{MaxRetries: 3}, nil)
	var slept []time.Duration
	b.sleep = func(ctx context.Context, d time.Duration) error {
		slept = append(slept, d)
		return nil
	}
	for _, name := range []string{"p1", "p2", "p3"} {
		b.RegisterPeer(PeerInfo{Name: name, Tools: []string{"shell"}})
	}
	remote := &scriptedRemote{fail: map[string]bool{"p1": true, "p2": true, "p3": true}}
	b.SetRemoteExecutor(remote)

	if _, err := b.CallToolWithFailover(context.Background(), "shell", nil); err == nil {
		t.Fatal("expected failure when all peers fail")
	}

	want := []time.Duration{time.Second, 2 * time.Second}
	if len(slept) != len(want) {
		t.Fatalf("expected backoffs %v, got %v", want, slept)
	}
	for i, d := range want {
		if slept[i] != d {
			t.Errorf("backoff %d: expected %s, got %s", i, d, slept[i])
		}
	}
}

type cancellingRemote struct {
	calls  atomic.Int64
	cancel context.CancelFunc
}

func (c *cancellingRemote) ExecuteOnPeer(ctx context.Context, peer PeerInfo, tool string, params map[string]interface{}) (interface{}, error) {
	c.calls.Add(1)
	c.cancel()
	return nil, errors.New("connection dropped")
}

func TestBroker_FailoverStopsWhenContextCancelled(t *testing.T) {
	b := NewBroker(Config{MaxRetries: 3}, nil) // real (context-aware) backoff
	for _, name := range []string{"p1", "p2"} {
		b.RegisterPeer(PeerInfo{Name: name, Tools: []string{"shell"}})
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	remote := &cancellingRemote{cancel: cancel}
	b.SetRemoteExecutor(remote)

	_, err := b.CallToolWithFailover(ctx, "shell", nil)
	if !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
	if remote.calls.Load() != 1 {
		t.Errorf("no further attempts after cancellation, got %d", remote.calls.Load())
	}
}

func TestBroker_FailoverNeverRetriesSamePeer(t *testing.T) {
	b := newTestBroker(nil)
	b.RegisterPeer(PeerInfo{Name: "only", Tools: []string{"shell"}})
	remote := &scriptedRemote{fail: map[string]bool{"only": true}}
	b.SetRemoteExecutor(remote)

	_, err := b.CallToolWithFailover(context.Background(), "shell", nil)
	if err == nil {
		t.Fatal("expected failure")
	}
	if remote.calls.Load() != 1 {
		t.Errorf("a failed peer must not be retried in the same call, got %d attempts", remote.calls.Load())
	}
}

func TestBroker_NoExecutorConfigured(t *testing.T) {
	b := newTestBroker(nil)
	b.RegisterPeer(PeerInfo{Name: "p", Tools: []string{"shell"}})
	if _, err := b.CallToolWithFailover(context.Background(), "shell", nil); !errors.Is(err, ErrNoRemoteExecutor) {
		t.Errorf("expected ErrNoRemoteExecutor, got %v", err)
	}
}

func TestBroker_StaleSweepMarksOffline(t *testing.T) {
	bus := events.NewBus()
	var unhealthy atomic.Int64
	bus.Subscribe(events.EventPeerUnhealthy, func(events.Event) { unhealthy.Add(1) })

	b := NewBroker(Config{StaleAfter: 50 * time.Millisecond}, bus)
	peer := b.RegisterPeer(PeerInfo{Name: "flaky", Tools: []string{"shell"}})

	time.Sleep(80 * time.Millisecond)
	b.sweepStalePeers()

	got, _ := b.GetPeer(peer.ID)
	if got.Status != PeerOffline {
		t.Errorf("stale peer should be offline, got %s", got.Status)
	}
	if got.Load != 100 {
		t.Errorf("stale peer load should be 100, got %d", got.Load)
	}
	if unhealthy.Load() != 1 {
		t.Errorf("expected 1 peer:unhealthy event, got %d", unhealthy.Load())
	}

	// A second sweep must not re-emit for already-offline peers.
	b.sweepStalePeers()
	if unhealthy.Load() != 1 {
		t.Errorf("offline peer re-reported: %d events", unhealthy.Load())
	}
}

func TestBroker_LocalPeerProtected(t *testing.T) {
	b := newTestBroker(nil)
	localID := b.GetLocalPeerID()
	if localID == "" {
		t.Fatal("local peer id missing")
	}
	if err := b.UnregisterPeer(localID); err == nil {
		t.Error("local peer must not be removable")
	}
}

func TestBroker_GetLoadStats(t *testing.T) {
	b := newTestBroker(nil)
	p1 := b.RegisterPeer(PeerInfo{Name: "p1", Tools: []string{"shell"}})
	p2 := b.RegisterPeer(PeerInfo{Name: "p2", Tools: []string{"shell"}})
	p3 := b.RegisterPeer(PeerInfo{Name: "p3", Tools: []string{"shell"}})
	b.UpdatePeerStatus(p1.ID, PeerOnline, 40)
	b.UpdatePeerStatus(p2.ID, PeerOnline, 60)
	b.UpdatePeerStatus(p3.ID, PeerOffline, 90)

	stats := b.GetLoadStats()
	if stats.Peers != 3 || stats.Online != 2 {
		t.Errorf("unexpected counts: %+v", stats)
	}
	// Load figures cover online peers only; the offline 90 is excluded.
	if stats.AverageLoad != 50 {
		t.Errorf("expected average load 50, got %f", stats.AverageLoad)
	}
	if stats.MinLoad != 40 || stats.MaxLoad != 60 {
		t.Errorf("expected min/max 40/60, got %d/%d", stats.MinLoad, stats.MaxLoad)
	}
	if stats.PerPeer["p1"] != 40 || stats.PerPeer["p2"] != 60 || stats.PerPeer["p3"] != 90 {
		t.Errorf("unexpected per-peer loads: %v", stats.PerPeer)
	}
}
