package events

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/discloser/pkg/store"
)

type fakeConn struct {
	mu   sync.Mutex
	msgs map[string][][]byte
	err  error
}

func (f *fakeConn) Publish(subject string, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	if f.msgs == nil {
		f.msgs = make(map[string][][]byte)
	}
	f.msgs[subject] = append(f.msgs[subject], data)
	return nil
}

func TestPublisher_LedgerHandler(t *testing.T) {
	conn := &fakeConn{}
	pub := NewPublisher(conn, "")

	ledger := store.NewAuditLedger(store.NewMemoryAuditBackend())
	ledger.AddHandler(pub.Handle)

	rec, err := ledger.Append(context.Background(), store.AppendRequest{
		OrganizationID: "acme.eu",
		EntityType:     "case",
		EntityID:       "c1",
		Action:         "created",
		Payload:        map[string]string{"title": "t"},
	})
	require.NoError(t, err)

	msgs := conn.msgs["discloser.audit.acme_eu"]
	require.Len(t, msgs, 1)

	var ev AuditEvent
	require.NoError(t, json.Unmarshal(msgs[0], &ev))
	assert.Equal(t, "1.0", ev.SpecVersion)
	assert.Equal(t, rec.ID, ev.ID)
	assert.Equal(t, "case/c1", ev.Subject)
	assert.Equal(t, rec.Hash, ev.Data.Hash)

	published, failed := pub.Stats()
	assert.Equal(t, int64(1), published)
	assert.Zero(t, failed)
}

func TestPublisher_FailureDoesNotBreakAppend(t *testing.T) {
	pub := NewPublisher(&fakeConn{err: errors.New("nats: connection closed")}, "x")
	ledger := store.NewAuditLedger(store.NewMemoryAuditBackend())
	ledger.AddHandler(pub.Handle)

	_, err := ledger.Append(context.Background(), store.AppendRequest{
		OrganizationID: "org", EntityType: "case", EntityID: "c1", Action: "created", Payload: map[string]string{},
	})
	require.NoError(t, err)
	_, failed := pub.Stats()
	assert.Equal(t, int64(1), failed)
}

func TestSubjectToken(t *testing.T) {
	assert.Equal(t, "_", subjectToken(""))
	assert.Equal(t, "a_b_c_d", subjectToken("a.b*c>d"))
	assert.Equal(t, "pfx.org-1", NewPublisher(&fakeConn{}, "pfx").Subject("org-1"))
}

func TestPublisher_NATSIntegration(t *testing.T) {
	url := os.Getenv("NATS_URL")
	if url == "" {
		t.Skip("NATS_URL not set")
	}
	nc, err := Connect(url, "discloser-test")
	require.NoError(t, err)
	defer nc.Close()

	got := make(chan *nats.Msg, 1)
	sub, err := nc.ChanSubscribe("discloser.audit.itest", got)
	require.NoError(t, err)
	defer func() { _ = sub.Unsubscribe() }()

	pub := NewPublisher(nc, "")
	require.NoError(t, pub.Publish(&store.AuditRecord{ID: "r1", OrganizationID: "itest", EntityType: "case", EntityID: "c"}))
	require.NoError(t, nc.Flush())

	select {
	case msg := <-got:
		assert.Contains(t, string(msg.Data), `"id":"r1"`)
	case <-time.After(2 * time.Second):
		t.Fatal("no message received")
	}
}
