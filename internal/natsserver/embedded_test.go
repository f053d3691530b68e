package natsserver

import (
	"io"
	"log/slog"
	"testing"

	"github.com/loqalabs/loqa-rooms/internal/config"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestStartDisabled(t *testing.T) {
	srv, err := Start(config.BusConfig{Enabled: true, Embedded: false}, newLogger())
	require.NoError(t, err)
	assert.Nil(t, srv)
	assert.Empty(t, srv.ClientURL())
	srv.Shutdown()
}

func TestStartWithToken(t *testing.T) {
	cfg := config.BusConfig{Enabled: true, Embedded: true, Port: -1, StoreDir: t.TempDir(), Token: "s3cret"}
	srv, err := Start(cfg, newLogger())
	require.NoError(t, err)
	t.Cleanup(srv.Shutdown)

	_, err = nats.Connect(srv.ClientURL())
	require.Error(t, err)

	nc, err := nats.Connect(srv.ClientURL(), nats.Token("s3cret"))
	require.NoError(t, err)
	nc.Close()
}
