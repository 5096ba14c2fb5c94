package events

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	natsserver "github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/continuityd/internal/boundary"
	"github.com/fyrsmithlabs/continuityd/internal/config"
	"github.com/fyrsmithlabs/continuityd/internal/logging"
)

// startTestNATSServer starts an embedded NATS server for testing.
func startTestNATSServer(t *testing.T) *natsserver.Server {
	t.Helper()
	opts := &natsserver.Options{
		Host:   "127.0.0.1",
		Port:   -1, // Random port
		NoLog:  true,
		NoSigs: true,
	}

	server, err := natsserver.NewServer(opts)
	require.NoError(t, err)

	go server.Start()

	if !server.ReadyForConnections(5 * time.Second) {
		t.Fatal("NATS server not ready")
	}

	t.Cleanup(func() {
		server.Shutdown()
		server.WaitForShutdown()
	})

	return server
}

func TestConnect_Disabled(t *testing.T) {
	e, err := Connect(config.EventsConfig{Enabled: false}, logging.NewTestLogger().Logger)
	require.NoError(t, err)
	assert.False(t, e.Connected())

	// Publishing on a disconnected emitter is a no-op, not a panic.
	e.BoundaryApproaching(context.Background(), BoundaryEvent{SessionID: "sess-1"})
	e.Close()
}

func TestConnect_Unreachable(t *testing.T) {
	_, err := Connect(config.EventsConfig{
		Enabled: true,
		NATSURL: "nats://127.0.0.1:1", // nothing listens here
	}, logging.NewTestLogger().Logger)
	require.Error(t, err)
}

func TestEmitter_NilSafe(t *testing.T) {
	var e *Emitter
	assert.False(t, e.Connected())
	e.BoundaryCritical(context.Background(), BoundaryEvent{})
	e.Close()
}

func TestEmitter_PublishesBoundaryEvents(t *testing.T) {
	server := startTestNATSServer(t)
	nc, err := nats.Connect(server.ClientURL())
	require.NoError(t, err)
	defer nc.Close()

	sub, err := nc.SubscribeSync("continuity.boundary.>")
	require.NoError(t, err)
	require.NoError(t, nc.Flush())

	e, err := Connect(config.EventsConfig{Enabled: true, NATSURL: server.ClientURL()}, logging.NewTestLogger().Logger)
	require.NoError(t, err)
	defer e.Close()
	assert.True(t, e.Connected())

	e.BoundaryApproaching(context.Background(), BoundaryEvent{
		SessionID: "sess-1",
		Ratio:     0.82,
		Remaining: 36_000,
		Timestamp: time.Now(),
	})
	e.BoundaryCritical(context.Background(), BoundaryEvent{
		SessionID:    "sess-1",
		BoundaryType: boundary.TypeCritical,
		Ratio:        0.93,
		Timestamp:    time.Now(),
	})

	msg, err := sub.NextMsg(2 * time.Second)
	require.NoError(t, err)
	assert.Equal(t, SubjectBoundaryApproaching, msg.Subject)

	var approaching BoundaryEvent
	require.NoError(t, json.Unmarshal(msg.Data, &approaching))
	assert.Equal(t, "sess-1", approaching.SessionID)
	assert.InDelta(t, 0.82, approaching.Ratio, 1e-9)

	msg, err = sub.NextMsg(2 * time.Second)
	require.NoError(t, err)
	assert.Equal(t, SubjectBoundaryCritical, msg.Subject)

	var critical BoundaryEvent
	require.NoError(t, json.Unmarshal(msg.Data, &critical))
	assert.Equal(t, boundary.TypeCritical, critical.BoundaryType)
}

func TestEmitter_PublishesSessionEvents(t *testing.T) {
	server := startTestNATSServer(t)
	nc, err := nats.Connect(server.ClientURL())
	require.NoError(t, err)
	defer nc.Close()

	sub, err := nc.SubscribeSync("continuity.session.>")
	require.NoError(t, err)
	require.NoError(t, nc.Flush())

	e := NewEmitter(nc, logging.NewTestLogger().Logger)

	e.SessionCreated(context.Background(), SessionEvent{
		SessionID: "sess-2",
		Timestamp: time.Now(),
	})
	e.SessionContinued(context.Background(), SessionEvent{
		SessionID:         "sess-2",
		PreviousSessionID: "sess-1",
		ContinuityToken:   "ct-abc",
		Timestamp:         time.Now(),
	})

	msg, err := sub.NextMsg(2 * time.Second)
	require.NoError(t, err)
	assert.Equal(t, SubjectSessionCreated, msg.Subject)

	msg, err = sub.NextMsg(2 * time.Second)
	require.NoError(t, err)
	assert.Equal(t, SubjectSessionContinued, msg.Subject)

	var continued SessionEvent
	require.NoError(t, json.Unmarshal(msg.Data, &continued))
	assert.Equal(t, "sess-1", continued.PreviousSessionID)
	assert.Equal(t, "ct-abc", continued.ContinuityToken)
}
