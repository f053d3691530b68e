// Package presence shares which rooms each node holds sessions in, using
// announcements and heartbeats on the bus.
package presence

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/loqalabs/loqa-rooms/internal/bus"
	"github.com/loqalabs/loqa-rooms/internal/config"
	"github.com/loqalabs/loqa-rooms/internal/protocol"
	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

// Source reports the local sessions to advertise.
type Source func() []protocol.RoomPresence

type NodeInfo struct {
	ID       string                  `json:"id"`
	Rooms    []protocol.RoomPresence `json:"rooms"`
	LastSeen time.Time               `json:"last_seen"`
	Healthy  bool                    `json:"healthy"`
}

// RoomInfo is one session anywhere in the cluster.
type RoomInfo struct {
	protocol.RoomPresence
	Node     string    `json:"node"`
	LastSeen time.Time `json:"last_seen"`
}

type Registry struct {
	cfg    config.NodeConfig
	log    *slog.Logger
	bus    *bus.Client
	source Source

	mu     sync.RWMutex
	nodes  map[string]*NodeInfo
	cancel context.CancelFunc
	subs   []*nats.Subscription
}

func NewRegistry(ctx context.Context, cfg config.NodeConfig, busClient *bus.Client, source Source, log *slog.Logger) (*Registry, error) {
	ctx, cancel := context.WithCancel(ctx)
	r := &Registry{
		cfg:    cfg,
		log:    log.With(slog.String("component", "room-presence")),
		bus:    busClient,
		source: source,
		nodes:  make(map[string]*NodeInfo),
		cancel: cancel,
	}

	if err := r.initMetrics(); err != nil {
		r.log.Warn("failed to initialize metrics", slog.String("error", err.Error()))
	}

	if err := r.subscribe(); err != nil {
		r.cancel()
		return nil, err
	}

	go r.runHeartbeat(ctx, time.Duration(cfg.HeartbeatInterval)*time.Millisecond)
	go r.monitorHealth(ctx)

	if err := r.Announce(); err != nil {
		r.log.Warn("failed to announce rooms", slog.String("error", err.Error()))
	}
	return r, nil
}

func (r *Registry) Close() {
	if r.cancel != nil {
		r.cancel()
	}
	for _, sub := range r.subs {
		_ = sub.Drain()
	}
}

func (r *Registry) subscribe() error {
	conn := r.bus.Conn()
	announceSub, err := conn.Subscribe(protocol.SubjectRoomsAnnounce, r.handle)
	if err != nil {
		return fmt.Errorf("subscribe announce: %w", err)
	}
	r.subs = append(r.subs, announceSub)

	heartbeatSub, err := conn.Subscribe(protocol.SubjectRoomsHeartbeat+".*", r.handle)
	if err != nil {
		return fmt.Errorf("subscribe heartbeat: %w", err)
	}
	r.subs = append(r.subs, heartbeatSub)
	return nil
}

func (r *Registry) runHeartbeat(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.publish(fmt.Sprintf("%s.%s", protocol.SubjectRoomsHeartbeat, r.cfg.ID)); err != nil {
				r.log.Warn("failed to publish heartbeat", slog.String("error", err.Error()))
			}
		}
	}
}

func (r *Registry) monitorHealth(ctx context.Context) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.evaluateHealth(time.Now())
		}
	}
}

// Announce publishes the local rooms immediately, e.g. after a join or leave.
func (r *Registry) Announce() error {
	return r.publish(protocol.SubjectRoomsAnnounce)
}

func (r *Registry) publish(subject string) error {
	msg := protocol.RoomAnnouncement{
		NodeID:    r.cfg.ID,
		Rooms:     r.localRooms(),
		Timestamp: time.Now().UTC(),
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	if err := r.bus.Conn().Publish(subject, payload); err != nil {
		return err
	}
	r.update(msg)
	return nil
}

func (r *Registry) localRooms() []protocol.RoomPresence {
	if r.source == nil {
		return nil
	}
	return r.source()
}

func (r *Registry) handle(msg *nats.Msg) {
	var ann protocol.RoomAnnouncement
	if err := json.Unmarshal(msg.Data, &ann); err != nil {
		r.log.Warn("invalid presence message", slog.String("subject", msg.Subject), slog.String("error", err.Error()))
		return
	}
	if ann.NodeID == "" {
		return
	}
	if ann.Timestamp.IsZero() {
		ann.Timestamp = time.Now().UTC()
	}
	r.update(ann)
}

func (r *Registry) update(ann protocol.RoomAnnouncement) {
	r.mu.Lock()
	defer r.mu.Unlock()

	node, ok := r.nodes[ann.NodeID]
	if !ok {
		node = &NodeInfo{ID: ann.NodeID}
		r.nodes[ann.NodeID] = node
	}
	if ann.Timestamp.Before(node.LastSeen) {
		return
	}
	node.Rooms = append([]protocol.RoomPresence(nil), ann.Rooms...)
	node.LastSeen = ann.Timestamp
	node.Healthy = true
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

// Healthy reports whether this node has seen its own announcements.
func (r *Registry) Healthy() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	node, ok := r.nodes[r.cfg.ID]
	return ok && node.Healthy
}

func (r *Registry) Nodes(filter func(NodeInfo) bool) []NodeInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var results []NodeInfo
	for _, node := range r.nodes {
		n := *node
		n.Rooms = append([]protocol.RoomPresence(nil), node.Rooms...)
		if filter == nil || filter(n) {
			results = append(results, n)
		}
	}
	slices.SortFunc(results, func(a, b NodeInfo) int { return strings.Compare(a.ID, b.ID) })
	return results
}

// Holders lists the healthy nodes holding a session in room.
func (r *Registry) Holders(room string) []string {
	match := WithRoom(room)
	var ids []string
	for _, node := range r.Nodes(HealthyOnly) {
		if match(node) {
			ids = append(ids, node.ID)
		}
	}
	return ids
}

// Rooms lists the sessions held by healthy nodes, sorted by room then node.
func (r *Registry) Rooms() []RoomInfo {
	var out []RoomInfo
	for _, node := range r.Nodes(HealthyOnly) {
		for _, room := range node.Rooms {
			out = append(out, RoomInfo{RoomPresence: room, Node: node.ID, LastSeen: node.LastSeen})
		}
	}
	slices.SortFunc(out, func(a, b RoomInfo) int {
		if c := strings.Compare(a.Room, b.Room); c != 0 {
			return c
		}
		return strings.Compare(a.Node, b.Node)
	})
	return out
}

func HealthyOnly(node NodeInfo) bool { return node.Healthy }

// WithRoom matches nodes holding a session in room.
func WithRoom(room string) func(NodeInfo) bool {
	return func(node NodeInfo) bool {
		for _, p := range node.Rooms {
			if p.Room == room {
				return true
			}
		}
		return false
	}
}

func (r *Registry) initMetrics() error {
	meter := otel.Meter("github.com/loqalabs/loqa-rooms/presence")
	nodes, err := meter.Int64ObservableGauge("loqa.presence.nodes", metric.WithDescription("Number of known nodes"))
	if err != nil {
		return err
	}
	rooms, err := meter.Int64ObservableGauge("loqa.presence.rooms", metric.WithDescription("Room sessions across the cluster"))
	if err != nil {
		return err
	}
	_, err = meter.RegisterCallback(func(ctx context.Context, obs metric.Observer) error {
		n, s := r.snapshotCounts()
		obs.ObserveInt64(nodes, n)
		obs.ObserveInt64(rooms, s)
		return nil
	}, nodes, rooms)
	return err
}

func (r *Registry) snapshotCounts() (int64, int64) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var nodes, rooms int64
	for _, node := range r.nodes {
		nodes++
		if node.Healthy {
			rooms += int64(len(node.Rooms))
		}
	}
	return nodes, rooms
}
