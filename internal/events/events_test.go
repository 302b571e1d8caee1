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

	"github.com/fyrsmithlabs/healerd/internal/envelope"
	"github.com/fyrsmithlabs/healerd/internal/patterns"
)

// startTestNATSServer starts an embedded NATS server for testing.
func startTestNATSServer(t *testing.T) *natsserver.Server {
	opts := &natsserver.Options{
		Host:   "127.0.0.1",
		Port:   -1,
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

func subscribe(t *testing.T, nc *nats.Conn, subject string) *nats.Subscription {
	t.Helper()
	sub, err := nc.SubscribeSync(subject)
	require.NoError(t, err)
	require.NoError(t, nc.Flush())
	return sub
}

func TestNATSPublisher_Subjects(t *testing.T) {
	p := NewNATSPublisher(nil, "", nil)
	assert.Equal(t, "healerd.session.s1.attempt", p.AttemptSubject("s1"))
	assert.Equal(t, "healerd.session.s1.closed", p.ClosedSubject("s1"))
	assert.Equal(t, "healerd.patterns.promoted", p.PromotedSubject())

	p = NewNATSPublisher(nil, "ci", nil)
	assert.Equal(t, "ci.patterns.promoted", p.PromotedSubject())
}

func TestNATSPublisher_PublishesSessionEvents(t *testing.T) {
	server := startTestNATSServer(t)
	nc, err := nats.Connect(server.ClientURL())
	require.NoError(t, err)
	defer nc.Close()

	sub := subscribe(t, nc, "healerd.session.sess-1.>")
	p := NewNATSPublisher(nc, "", nil)
	ctx := context.Background()

	require.NoError(t, p.PublishAttempt(ctx, AttemptEvent{
		SessionID: "sess-1",
		ErrorCode: "A.B",
		Attempt:   envelope.Attempt{Index: 1, ErrorsBefore: 4, ErrorsAfter: 2, Executed: true, Decision: "RETRY"},
	}))
	require.NoError(t, p.PublishClosed(ctx, ClosedEvent{SessionID: "sess-1", Outcome: envelope.OutcomePromoted, Attempts: 1}))

	msg, err := sub.NextMsg(2 * time.Second)
	require.NoError(t, err)
	assert.Equal(t, "healerd.session.sess-1.attempt", msg.Subject)
	var attempt AttemptEvent
	require.NoError(t, json.Unmarshal(msg.Data, &attempt))
	assert.Equal(t, 2, attempt.Attempt.Delta())

	msg, err = sub.NextMsg(2 * time.Second)
	require.NoError(t, err)
	assert.Equal(t, "healerd.session.sess-1.closed", msg.Subject)
	var closed ClosedEvent
	require.NoError(t, json.Unmarshal(msg.Data, &closed))
	assert.Equal(t, envelope.OutcomePromoted, closed.Outcome)
}

func TestConnect_PublishesPromotion(t *testing.T) {
	server := startTestNATSServer(t)
	nc, err := nats.Connect(server.ClientURL())
	require.NoError(t, err)
	defer nc.Close()
	sub := subscribe(t, nc, "healerd.patterns.promoted")

	p, err := Connect(server.ClientURL(), "", nil)
	require.NoError(t, err)

	require.NoError(t, p.PublishPromoted(context.Background(), PromotedEvent{
		SessionID: "sess-2",
		Pattern:   patterns.Pattern{ID: "01J", ClusterID: "A.B:x", SuccessCount: 1, Tier: patterns.TierGold},
	}))
	require.NoError(t, p.Close())

	msg, err := sub.NextMsg(2 * time.Second)
	require.NoError(t, err)
	var ev PromotedEvent
	require.NoError(t, json.Unmarshal(msg.Data, &ev))
	assert.Equal(t, patterns.TierGold, ev.Pattern.Tier)
}

func TestConnect_Unreachable(t *testing.T) {
	_, err := Connect("nats://127.0.0.1:1", "", nil, nats.Timeout(100*time.Millisecond))
	assert.Error(t, err)
}

func TestNop(t *testing.T) {
	var p Publisher = Nop{}
	assert.NoError(t, p.PublishAttempt(context.Background(), AttemptEvent{}))
	assert.NoError(t, p.Close())
}
