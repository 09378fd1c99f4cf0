// Package broker tracks remote peers, discovers the tools they
// advertise and dispatches calls with load-aware failover.
package broker

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"cortex/internal/events"
)

var (
	// ErrNoPeerAvailable is returned when no online peer serves a tool.
	ErrNoPeerAvailable = errors.New("no peer available")
	// ErrPeerNotFound is returned for operations on unknown peer ids.
	ErrPeerNotFound = errors.New("peer not found")
	// ErrNoRemoteExecutor is returned when no transport is configured.
	ErrNoRemoteExecutor = errors.New("no remote executor configured")
)

// PeerStatus is the liveness state of a peer.
type PeerStatus string

const (
	PeerOnline  PeerStatus = "online"
	PeerOffline PeerStatus = "offline"
	PeerBusy    PeerStatus = "busy"
)

// PeerInfo describes one machine participating in the mesh.
type PeerInfo struct {
	ID           string     `json:"id"`
	Name         string     `json:"name"`
	Host         string     `json:"host"`
	Port         int        `json:"port"`
	Capabilities []string   `json:"capabilities,omitempty"`
	Tools        []string   `json:"tools,omitempty"`
	Status       PeerStatus `json:"status"`
	LastSeen     time.Time  `json:"last_seen"`
	Load         int        `json:"load"` // 0 (idle) to 100 (saturated)
}

// RemoteExecutor carries a tool call to a peer. The websocket adapter
// is the production implementation.
type RemoteExecutor interface {
	ExecuteOnPeer(ctx context.Context, peer PeerInfo, tool string, params map[string]interface{}) (interface{}, error)
}

// Config tunes the broker.
type Config struct {
	LocalName string
	// MaxRetries bounds failover attempts across peers.
	MaxRetries int
	// StaleAfter marks peers offline when unseen this long.
	StaleAfter time.Duration
	// HealthInterval is the cron schedule period for the health sweep.
	HealthInterval time.Duration
}

// Broker is the peer registry and failover dispatcher.
type Broker struct {
	mu          sync.RWMutex
	peers       map[string]*PeerInfo
	localPeerID string
	remote      RemoteExecutor
	bus         *events.Bus
	config      Config
	cron        *cron.Cron
	describe    func(tool string) (string, bool)
	sleep       func(ctx context.Context, d time.Duration) error // test hook
}

// NewBroker creates a broker with a synthetic local peer entry.
func NewBroker(config Config, bus *events.Bus) *Broker {
	if config.MaxRetries <= 0 {
		config.MaxRetries = 3
	}
	if config.StaleAfter <= 0 {
		config.StaleAfter = 2 * time.Minute
	}
	if config.HealthInterval <= 0 {
		config.HealthInterval = 30 * time.Second
	}
	if config.LocalName == "" {
		config.LocalName = "local"
	}

	b := &Broker{
		peers:  make(map[string]*PeerInfo),
		bus:    bus,
		config: config,
		sleep:  sleepCtx,
	}

	local := &PeerInfo{
		ID:       "peer_" + uuid.NewString(),
		Name:     config.LocalName,
		Host:     "localhost",
		Status:   PeerOnline,
		LastSeen: time.Now(),
	}
	b.peers[local.ID] = local
	b.localPeerID = local.ID
	return b
}

// sleepCtx waits out d unless the context is cancelled first.
func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// StartHealthMonitor begins the periodic stale-peer sweep. Stop with
// StopHealthMonitor.
func (b *Broker) StartHealthMonitor() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.cron != nil {
		return nil
	}
	c := cron.New()
	spec := fmt.Sprintf("@every %s", b.config.HealthInterval)
	if _, err := c.AddFunc(spec, b.sweepStalePeers); err != nil {
		return fmt.Errorf("scheduling health sweep: %w", err)
	}
	c.Start()
	b.cron = c
	log.Printf("[Broker] health monitor started (%s)", spec)
	return nil
}

// StopHealthMonitor stops the sweep scheduler.
func (b *Broker) StopHealthMonitor() {
	b.mu.Lock()
	c := b.cron
	b.cron = nil
	b.mu.Unlock()
	if c != nil {
		c.Stop()
	}
}

// sweepStalePeers marks peers unseen past StaleAfter as offline.
func (b *Broker) sweepStalePeers() {
	cutoff := time.Now().Add(-b.config.StaleAfter)

	b.mu.Lock()
	var unhealthy []PeerInfo
	for id, peer := range b.peers {
		if id == b.localPeerID || peer.Status == PeerOffline {
			continue
		}
		if peer.LastSeen.Before(cutoff) {
			peer.Status = PeerOffline
			peer.Load = 100
			unhealthy = append(unhealthy, *peer)
		}
	}
	b.mu.Unlock()

	for _, peer := range unhealthy {
		log.Printf("[Broker] peer %s (%s) went stale, marking offline", peer.Name, peer.ID)
		b.emit(events.EventPeerUnhealthy, map[string]interface{}{
			"peer_id": peer.ID, "name": peer.Name, "last_seen": peer.LastSeen,
		})
	}
}

// RegisterPeer adds or refreshes a peer. A missing ID gets generated.
func (b *Broker) RegisterPeer(peer PeerInfo) PeerInfo {
	if peer.ID == "" {
		peer.ID = "peer_" + uuid.NewString()
	}
	if peer.Status == "" {
		peer.Status = PeerOnline
	}
	peer.LastSeen = time.Now()

	b.mu.Lock()
	b.peers[peer.ID] = &peer
	b.mu.Unlock()

	b.emit(events.EventPeerRegistered, map[string]interface{}{
		"peer_id": peer.ID, "name": peer.Name, "tools": peer.Tools,
	})
	log.Printf("[Broker] registered peer %s (%s) with %d tools", peer.Name, peer.ID, len(peer.Tools))
	return peer
}

// UnregisterPeer removes a peer. The local peer cannot be removed.
func (b *Broker) UnregisterPeer(id string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if id == b.localPeerID {
		return fmt.Errorf("unregistering local peer: not allowed")
	}
	if _, ok := b.peers[id]; !ok {
		return fmt.Errorf("unregistering %s: %w", id, ErrPeerNotFound)
	}
	delete(b.peers, id)
	return nil
}

// GetPeer returns a snapshot of one peer.
func (b *Broker) GetPeer(id string) (PeerInfo, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	peer, ok := b.peers[id]
	if !ok {
		return PeerInfo{}, false
	}
	return *peer, true
}

// GetPeers returns snapshots of all peers, sorted by name.
func (b *Broker) GetPeers() []PeerInfo {
	b.mu.RLock()
	defer b.mu.RUnlock()

	out := make([]PeerInfo, 0, len(b.peers))
	for _, peer := range b.peers {
		out = append(out, *peer)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// GetLocalPeerID returns the id of the synthetic local peer.
func (b *Broker) GetLocalPeerID() string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.localPeerID
}

// UpdatePeerStatus sets status and load and refreshes LastSeen.
func (b *Broker) UpdatePeerStatus(id string, status PeerStatus, load int) error {
	if load < 0 {
		load = 0
	}
	if load > 100 {
		load = 100
	}

	b.mu.Lock()
	peer, ok := b.peers[id]
	if !ok {
		b.mu.Unlock()
		return fmt.Errorf("updating %s: %w", id, ErrPeerNotFound)
	}
	peer.Status = status
	peer.Load = load
	peer.LastSeen = time.Now()
	snapshot := *peer
	b.mu.Unlock()

	b.emit(events.EventPeerUpdated, map[string]interface{}{
		"peer_id": snapshot.ID, "status": string(snapshot.Status), "load": snapshot.Load,
	})
	return nil
}

// SetRemoteExecutor installs the transport used for remote calls.
func (b *Broker) SetRemoteExecutor(remote RemoteExecutor) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.remote = remote
}

// SetToolDescriber installs a lookup used to describe discovered
// tools, typically backed by the local registry.
func (b *Broker) SetToolDescriber(describe func(tool string) (string, bool)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.describe = describe
}

// RemoteTool is a tool advertised by a peer. Remote entries carry an
// Execute handle bound to the advertising peer.
type RemoteTool struct {
	Name        string                                                                        `json:"name"`
	Description string                                                                        `json:"description,omitempty"`
	PeerID      string                                                                        `json:"peer_id"`
	Peer        string                                                                        `json:"peer"`
	Remote      bool                                                                          `json:"remote"`
	Execute     func(ctx context.Context, params map[string]interface{}) (interface{}, error) `json:"-"`
}

// DiscoverTools lists tools across the mesh. With includeRemote false
// only the local peer's tools are returned.
func (b *Broker) DiscoverTools(includeRemote bool) []RemoteTool {
	b.mu.RLock()
	defer b.mu.RUnlock()

	var out []RemoteTool
	for id, peer := range b.peers {
		remote := id != b.localPeerID
		if remote && (!includeRemote || peer.Status == PeerOffline) {
			continue
		}
		for _, tool := range peer.Tools {
			rt := RemoteTool{Name: tool, PeerID: id, Peer: peer.Name, Remote: remote}
			if b.describe != nil {
				if desc, ok := b.describe(tool); ok {
					rt.Description = desc
				}
			}
			if rt.Description == "" {
				rt.Description = fmt.Sprintf("%s on peer %s", tool, peer.Name)
			}
			if remote {
				rt.Execute = b.remoteInvoker(id, tool)
			}
			out = append(out, rt)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Name != out[j].Name {
			return out[i].Name < out[j].Name
		}
		return out[i].Peer < out[j].Peer
	})
	return out
}

// remoteInvoker binds a discovered tool to its advertising peer for
// later calls. The peer is re-resolved at call time.
func (b *Broker) remoteInvoker(peerID, tool string) func(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	return func(ctx context.Context, params map[string]interface{}) (interface{}, error) {
		b.mu.RLock()
		remote := b.remote
		var snapshot PeerInfo
		peer, ok := b.peers[peerID]
		if ok {
			snapshot = *peer
		}
		b.mu.RUnlock()

		if remote == nil {
			return nil, ErrNoRemoteExecutor
		}
		if !ok {
			return nil, fmt.Errorf("invoking %s: %w", tool, ErrPeerNotFound)
		}
		return remote.ExecuteOnPeer(ctx, snapshot, tool, params)
	}
}

// SelectBestPeer picks the online remote peer with the lowest load
// among those advertising the tool.
func (b *Broker) SelectBestPeer(tool string) (PeerInfo, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.selectBestPeerLocked(tool, nil)
}

// selectBestPeerLocked is SelectBestPeer with an exclusion set.
// Caller must hold at least the read lock.
func (b *Broker) selectBestPeerLocked(tool string, exclude map[string]bool) (PeerInfo, error) {
	var best *PeerInfo
	for id, peer := range b.peers {
		if id == b.localPeerID || peer.Status != PeerOnline || exclude[id] {
			continue
		}
		if !advertises(peer, tool) {
			continue
		}
		if best == nil || peer.Load < best.Load ||
			(peer.Load == best.Load && peer.Name < best.Name) {
			best = peer
		}
	}
	if best == nil {
		return PeerInfo{}, fmt.Errorf("selecting peer for %s: %w", tool, ErrNoPeerAvailable)
	}
	return *best, nil
}

func advertises(peer *PeerInfo, tool string) bool {
	for _, t := range peer.Tools {
		if t == tool {
			return true
		}
	}
	return false
}

// CallToolWithFailover dispatches the call to the best peer, demoting
// a failed peer and reselecting until MaxRetries attempts are spent.
// A peer that failed is not retried within the same call.
func (b *Broker) CallToolWithFailover(ctx context.Context, tool string, params map[string]interface{}) (interface{}, error) {
	b.mu.RLock()
	remote := b.remote
	b.mu.RUnlock()
	if remote == nil {
		return nil, ErrNoRemoteExecutor
	}

	tried := make(map[string]bool)
	var lastErr error

	for attempt := 0; attempt < b.config.MaxRetries; attempt++ {
		if attempt > 0 {
			// 1s after the first failure, doubling per failure since.
			backoff := time.Duration(1<<(attempt-1)) * time.Second
			if err := b.sleep(ctx, backoff); err != nil {
				return nil, err
			}
		}

		b.mu.RLock()
		peer, err := b.selectBestPeerLocked(tool, tried)
		b.mu.RUnlock()
		if err != nil {
			if lastErr != nil {
				return nil, fmt.Errorf("all peers failed for %s: %w", tool, lastErr)
			}
			return nil, err
		}

		b.emit(events.EventFailoverAttempt, map[string]interface{}{
			"tool": tool, "peer_id": peer.ID, "attempt": attempt + 1,
		})

		result, err := remote.ExecuteOnPeer(ctx, peer, tool, params)
		if err == nil {
			b.adjustPeer(peer.ID, PeerOnline, -10)
			return result, nil
		}

		lastErr = err
		tried[peer.ID] = true
		b.adjustPeer(peer.ID, PeerBusy, +20)
		log.Printf("[Broker] peer %s failed for %s (attempt %d/%d): %v",
			peer.Name, tool, attempt+1, b.config.MaxRetries, err)
		b.emit(events.EventFailoverError, map[string]interface{}{
			"tool": tool, "peer_id": peer.ID, "attempt": attempt + 1, "error": err.Error(),
		})
	}
	return nil, fmt.Errorf("failover exhausted after %d attempts for %s: %w", b.config.MaxRetries, tool, lastErr)
}

// adjustPeer shifts a peer's load by delta and sets its status.
func (b *Broker) adjustPeer(id string, status PeerStatus, delta int) {
	b.mu.Lock()
	defer b.mu.Unlock()

	peer, ok := b.peers[id]
	if !ok {
		return
	}
	peer.Status = status
	peer.Load += delta
	if peer.Load < 0 {
		peer.Load = 0
	}
	if peer.Load > 100 {
		peer.Load = 100
	}
	peer.LastSeen = time.Now()
}

// LoadStats summarizes mesh load. The load figures cover currently
// online remote peers only.
type LoadStats struct {
	Peers       int            `json:"peers"`
	Online      int            `json:"online"`
	AverageLoad float64        `json:"average_load"`
	MinLoad     int            `json:"min_load"`
	MaxLoad     int            `json:"max_load"`
	PerPeer     map[string]int `json:"per_peer"`
}

// GetLoadStats reports load across remote peers.
func (b *Broker) GetLoadStats() LoadStats {
	b.mu.RLock()
	defer b.mu.RUnlock()

	stats := LoadStats{PerPeer: make(map[string]int)}
	total := 0
	for id, peer := range b.peers {
		if id == b.localPeerID {
			continue
		}
		stats.Peers++
		stats.PerPeer[peer.Name] = peer.Load
		if peer.Status != PeerOnline {
			continue
		}
		stats.Online++
		total += peer.Load
		if stats.Online == 1 || peer.Load < stats.MinLoad {
			stats.MinLoad = peer.Load
		}
		if peer.Load > stats.MaxLoad {
			stats.MaxLoad = peer.Load
		}
	}
	if stats.Online > 0 {
		stats.AverageLoad = float64(total) / float64(stats.Online)
	}
	return stats
}

func (b *Broker) emit(name string, data map[string]interface{}) {
	if b.bus != nil {
		b.bus.Emit(events.Event{Stage: name, Status: events.StatusProgress, Data: data})
	}
}
