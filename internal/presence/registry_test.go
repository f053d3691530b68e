package presence

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/loqalabs/loqa-rooms/internal/bus"
	"github.com/loqalabs/loqa-rooms/internal/config"
	"github.com/loqalabs/loqa-rooms/internal/natsserver"
	"github.com/loqalabs/loqa-rooms/internal/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func startBus(t *testing.T) config.BusConfig {
	t.Helper()
	cfg := config.BusConfig{Enabled: true, Embedded: true, Port: -1, StoreDir: t.TempDir(), ConnectTimeout: 2000}
	srv, err := natsserver.Start(cfg, newLogger())
	require.NoError(t, err)
	t.Cleanup(srv.Shutdown)
	cfg.Servers = []string{srv.ClientURL()}
	return cfg
}

func connect(t *testing.T, cfg config.BusConfig) *bus.Client {
	t.Helper()
	client, err := bus.Connect(context.Background(), cfg, newLogger())
	require.NoError(t, err)
	t.Cleanup(client.Close)
	return client
}

type rooms struct {
	mu   sync.Mutex
	list []protocol.RoomPresence
}

func (r *rooms) set(list ...protocol.RoomPresence) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.list = list
}

func (r *rooms) source() []protocol.RoomPresence {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]protocol.RoomPresence(nil), r.list...)
}

func nodeConfig(id string) config.NodeConfig {
	return config.NodeConfig{ID: id, HeartbeatInterval: 50, HeartbeatTimeout: 500}
}

func TestRegistriesSeeEachOther(t *testing.T) {
	busCfg := startBus(t)

	var a, b rooms
	a.set(protocol.RoomPresence{Room: "lobby", Identity: "loqa-host", Role: "host"})

	regA, err := NewRegistry(context.Background(), nodeConfig("node-a"), connect(t, busCfg), a.source, newLogger())
	require.NoError(t, err)
	t.Cleanup(regA.Close)
	regB, err := NewRegistry(context.Background(), nodeConfig("node-b"), connect(t, busCfg), b.source, newLogger())
	require.NoError(t, err)
	t.Cleanup(regB.Close)

	require.Eventually(t, func() bool { return len(regB.Nodes(nil)) == 2 }, 2*time.Second, 20*time.Millisecond)
	assert.True(t, regA.Healthy())

	b.set(protocol.RoomPresence{Room: "attic", Identity: "bob", Role: "guest"})
	require.NoError(t, regB.Announce())

	require.Eventually(t, func() bool { return len(regA.Rooms()) == 2 }, 2*time.Second, 20*time.Millisecond)
	got := regA.Rooms()
	assert.Equal(t, "attic", got[0].Room)
	assert.Equal(t, "node-b", got[0].Node)
	assert.Equal(t, "lobby", got[1].Room)
	assert.Equal(t, "node-a", got[1].Node)

	assert.Equal(t, []string{"node-a"}, regB.Holders("lobby"))
	assert.Equal(t, []string{"node-b"}, regB.Holders("attic"))
	assert.Empty(t, regB.Holders("cellar"))
}

func TestStaleNodesDropOut(t *testing.T) {
	reg := &Registry{cfg: nodeConfig("self"), nodes: make(map[string]*NodeInfo), log: newLogger()}
	now := time.Now()
	reg.update(protocol.RoomAnnouncement{NodeID: "gone", Rooms: []protocol.RoomPresence{{Room: "x"}}, Timestamp: now.Add(-time.Minute)})
	reg.update(protocol.RoomAnnouncement{NodeID: "self", Rooms: []protocol.RoomPresence{{Room: "y"}}, Timestamp: now})

	reg.evaluateHealth(now)
	rooms := reg.Rooms()
	require.Len(t, rooms, 1)
	assert.Equal(t, "y", rooms[0].Room)
	assert.True(t, reg.Healthy())
	assert.Len(t, reg.Nodes(nil), 2)
	assert.Empty(t, reg.Holders("x"))
	assert.Equal(t, []string{"self"}, reg.Holders("y"))
}

func TestOutOfOrderAnnouncementIgnored(t *testing.T) {
	reg := &Registry{cfg: nodeConfig("self"), nodes: make(map[string]*NodeInfo), log: newLogger()}
	now := time.Now()
	reg.update(protocol.RoomAnnouncement{NodeID: "n", Rooms: []protocol.RoomPresence{{Room: "new"}}, Timestamp: now})
	reg.update(protocol.RoomAnnouncement{NodeID: "n", Rooms: []protocol.RoomPresence{{Room: "old"}}, Timestamp: now.Add(-time.Second)})
	assert.Equal(t, "new", reg.Nodes(nil)[0].Rooms[0].Room)
}
