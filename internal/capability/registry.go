// Package capability announces what this node serves and tracks the other
// recognizer and language nodes on the bus. Heartbeats carry session load so
// a client can pick the least busy recognizer before opening a session.
package capability

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/loqalabs/loqa-signs/internal/bus"
	"github.com/loqalabs/loqa-signs/internal/config"
)

const (
	Recognition = "sign.recognition"
	Sentence    = "sign.sentence"

	subjectAnnounce        = "signs.node.announce"
	subjectHeartbeatPrefix = "signs.node.heartbeat"
)

type Capability struct {
	Name       string            `json:"name"`
	Attributes map[string]string `json:"attributes,omitempty"`
}

// Local describes this node to its peers.
type Local struct {
	Capabilities []Capability
	// Sessions reports the number of open recognition sessions. Nil for
	// nodes that host none.
	Sessions    func() int
	MaxSessions int
}

// NodeInfo is the last known state of a peer (or of this node).
type NodeInfo struct {
	ID             string       `json:"id"`
	Role           string       `json:"role"`
	Capabilities   []Capability `json:"capabilities"`
	ActiveSessions int          `json:"active_sessions"`
	MaxSessions    int          `json:"max_sessions"`
	LastSeen       time.Time    `json:"last_seen"`
	Healthy        bool         `json:"healthy"`
}

// FreeSlots is how many more sessions the node accepts.
func (n NodeInfo) FreeSlots() int {
	if free := n.MaxSessions - n.ActiveSessions; free > 0 {
		return free
	}
	return 0
}

type announcement struct {
	NodeID       string       `json:"node_id"`
	Role         string       `json:"role"`
	Capabilities []Capability `json:"capabilities"`
	MaxSessions  int          `json:"max_sessions"`
	Timestamp    time.Time    `json:"timestamp"`
}

type heartbeat struct {
	NodeID         string    `json:"node_id"`
	ActiveSessions int       `json:"active_sessions"`
	Timestamp      time.Time `json:"timestamp"`
}

type Registry struct {
	cfg   config.NodeConfig
	local Local
	log   *slog.Logger
	bus   *bus.Client

	mu     sync.RWMutex
	nodes  map[string]*NodeInfo
	cancel context.CancelFunc
	wg     sync.WaitGroup
	subs   []*nats.Subscription
}

// NewRegistry subscribes to peer announcements, announces local and starts
// the heartbeat loop.
func NewRegistry(ctx context.Context, cfg config.NodeConfig, local Local, busClient *bus.Client, log *slog.Logger) (*Registry, error) {
	ctx, cancel := context.WithCancel(ctx)
	r := &Registry{
		cfg:    cfg,
		local:  local,
		log:    log.With(slog.String("component", "capability-registry")),
		bus:    busClient,
		nodes:  make(map[string]*NodeInfo),
		cancel: cancel,
	}

	if err := r.initMetrics(); err != nil {
		r.log.Warn("capability metrics unavailable", slogError(err))
	}
	if err := r.subscribe(); err != nil {
		cancel()
		return nil, err
	}
	if err := r.announce(time.Now().UTC()); err != nil {
		r.log.Warn("announce failed", slogError(err))
	}

	r.wg.Add(1)
	go r.loop(ctx)
	return r, nil
}

func (r *Registry) Close() {
	r.cancel()
	r.wg.Wait()
	for _, sub := range r.subs {
		_ = sub.Drain()
	}
}

func (r *Registry) subscribe() error {
	conn := r.bus.Conn()
	sub, err := conn.Subscribe(subjectAnnounce, r.handleAnnounce)
	if err != nil {
		return fmt.Errorf("subscribe announce: %w", err)
	}
	r.subs = append(r.subs, sub)

	sub, err = conn.Subscribe(subjectHeartbeatPrefix+".*", r.handleHeartbeat)
	if err != nil {
		return fmt.Errorf("subscribe heartbeat: %w", err)
	}
	r.subs = append(r.subs, sub)
	return nil
}

// loop publishes heartbeats and ages out silent peers.
func (r *Registry) loop(ctx context.Context) {
	defer r.wg.Done()
	beat := time.NewTicker(time.Duration(r.cfg.HeartbeatInterval) * time.Millisecond)
	defer beat.Stop()
	health := time.NewTicker(time.Second)
	defer health.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-beat.C:
			if err := r.publishHeartbeat(now.UTC()); err != nil {
				r.log.Warn("heartbeat failed", slogError(err))
			}
		case now := <-health.C:
			r.evaluateHealth(now)
		}
	}
}

func (r *Registry) activeSessions() int {
	if r.local.Sessions == nil {
		return 0
	}
	return r.local.Sessions()
}

func (r *Registry) announce(now time.Time) error {
	msg := announcement{
		NodeID:       r.cfg.ID,
		Role:         r.cfg.Role,
		Capabilities: r.local.Capabilities,
		MaxSessions:  r.local.MaxSessions,
		Timestamp:    now,
	}
	if err := r.bus.PublishJSON(subjectAnnounce, msg); err != nil {
		return err
	}
	r.apply(msg, heartbeat{NodeID: msg.NodeID, ActiveSessions: r.activeSessions(), Timestamp: now})
	return nil
}

func (r *Registry) publishHeartbeat(now time.Time) error {
	msg := heartbeat{NodeID: r.cfg.ID, ActiveSessions: r.activeSessions(), Timestamp: now}
	return r.bus.PublishJSON(subjectHeartbeatPrefix+"."+r.cfg.ID, msg)
}

func (r *Registry) handleAnnounce(msg *nats.Msg) {
	var a announcement
	if err := json.Unmarshal(msg.Data, &a); err != nil || a.NodeID == "" {
		r.log.Warn("dropping malformed announcement", slog.String("subject", msg.Subject))
		return
	}
	if a.NodeID == r.cfg.ID {
		return
	}
	if a.Timestamp.IsZero() {
		a.Timestamp = time.Now().UTC()
	}
	if r.apply(a, heartbeat{NodeID: a.NodeID, Timestamp: a.Timestamp}) {
		// Newcomers only hear announcements made after they subscribed.
		if err := r.announce(time.Now().UTC()); err != nil {
			r.log.Warn("announce failed", slogError(err))
		}
	}
}

func (r *Registry) handleHeartbeat(msg *nats.Msg) {
	var hb heartbeat
	if err := json.Unmarshal(msg.Data, &hb); err != nil || hb.NodeID == "" {
		r.log.Warn("dropping malformed heartbeat", slog.String("subject", msg.Subject))
		return
	}
	if hb.Timestamp.IsZero() {
		hb.Timestamp = time.Now().UTC()
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	node := r.nodeLocked(hb.NodeID)
	node.ActiveSessions = hb.ActiveSessions
	node.LastSeen = hb.Timestamp
	node.Healthy = true
}

// apply records an announcement and reports whether the node was unknown.
// Load is only taken from hb for this node; peers report theirs in
// heartbeats.
func (r *Registry) apply(a announcement, hb heartbeat) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, known := r.nodes[a.NodeID]
	node := r.nodeLocked(a.NodeID)
	if a.Role != "" {
		node.Role = a.Role
	}
	if len(a.Capabilities) > 0 {
		node.Capabilities = a.Capabilities
	}
	if a.MaxSessions > 0 {
		node.MaxSessions = a.MaxSessions
	}
	if a.NodeID == r.cfg.ID {
		node.ActiveSessions = hb.ActiveSessions
	}
	node.LastSeen = hb.Timestamp
	node.Healthy = true
	return !known
}

func (r *Registry) nodeLocked(id string) *NodeInfo {
	node, ok := r.nodes[id]
	if !ok {
		node = &NodeInfo{ID: id}
		r.nodes[id] = node
	}
	return node
}

func (r *Registry) evaluateHealth(now time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()

	timeout := time.Duration(r.cfg.HeartbeatTimeout) * time.Millisecond
	for _, node := range r.nodes {
		if now.Sub(node.LastSeen) > timeout {
			node.Healthy = false
		}
	}
}

// Healthy reports whether this node has seen its own heartbeat recently.
func (r *Registry) Healthy() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	node, ok := r.nodes[r.cfg.ID]
	return ok && node.Healthy
}

// Query returns copies of the known nodes accepted by filter, ordered by ID.
func (r *Registry) Query(filter func(NodeInfo) bool) []NodeInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var results []NodeInfo
	for _, node := range r.nodes {
		n := *node
		if filter == nil || filter(n) {
			results = append(results, n)
		}
	}
	sort.Slice(results, func(i, j int) bool { return results[i].ID < results[j].ID })
	return results
}

// PickRecognizer returns the healthy recognition node with the most free
// session slots. Ties go to the lowest node ID.
func (r *Registry) PickRecognizer() (NodeInfo, bool) {
	var best NodeInfo
	found := false
	for _, n := range r.Query(func(n NodeInfo) bool { return n.Healthy && hasCapability(n, Recognition) }) {
		if n.FreeSlots() == 0 {
			continue
		}
		if !found || n.FreeSlots() > best.FreeSlots() {
			best, found = n, true
		}
	}
	return best, found
}

func (r *Registry) LocalCapabilities() []Capability {
	return append([]Capability(nil), r.local.Capabilities...)
}

func (r *Registry) initMetrics() error {
	meter := otel.Meter("github.com/loqalabs/loqa-signs/internal/capability")
	nodeGauge, err := meter.Int64ObservableGauge("signs.capabilities.nodes", metric.WithDescription("Number of known nodes"))
	if err != nil {
		return err
	}
	recognizers, err := meter.Int64ObservableGauge("signs.capabilities.recognizers", metric.WithDescription("Healthy nodes serving sign recognition"))
	if err != nil {
		return err
	}
	_, err = meter.RegisterCallback(func(_ context.Context, obs metric.Observer) error {
		nodes, healthy := r.snapshotCounts()
		obs.ObserveInt64(nodeGauge, nodes)
		obs.ObserveInt64(recognizers, healthy)
		return nil
	}, nodeGauge, recognizers)
	return err
}

func (r *Registry) snapshotCounts() (nodes, recognizers int64) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, node := range r.nodes {
		nodes++
		if node.Healthy && hasCapability(*node, Recognition) {
			recognizers++
		}
	}
	return nodes, recognizers
}

func hasCapability(node NodeInfo, name string) bool {
	for _, c := range node.Capabilities {
		if c.Name == name {
			return true
		}
	}
	return false
}

func WithCapabilityFilter(name string) func(NodeInfo) bool {
	return func(node NodeInfo) bool { return hasCapability(node, name) }
}

func Healthy(node NodeInfo) bool { return node.Healthy }

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
