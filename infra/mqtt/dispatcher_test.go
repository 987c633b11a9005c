package mqtt

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kilianp07/serverqueue/core/model"
	coremqtt "github.com/kilianp07/serverqueue/core/mqtt"
)

func TestDispatcherAttempt(t *testing.T) {
	pub := NewMockPublisher()
	d := NewDispatcher(pub, "lowest_priority", nil)

	err := d.Attempt(context.Background(), model.Client{ID: "c1", Name: "Alice", Server: "lobby"}, "arena")
	require.NoError(t, err)

	sent := pub.Sent()
	require.Len(t, sent, 1)
	assert.Equal(t, coremqtt.OrderTransfer, sent[0].Kind)
	assert.Equal(t, "c1", sent[0].Client)
	assert.Equal(t, "Alice", sent[0].ClientName)
	assert.Equal(t, "lobby", sent[0].From)
	assert.Equal(t, "arena", sent[0].Destination)
}

func TestDispatcherAttemptRejected(t *testing.T) {
	pub := NewMockPublisher()
	pub.Reject["c1"] = "server is full"
	d := NewDispatcher(pub, "", nil)

	err := d.Attempt(context.Background(), model.Client{ID: "c1"}, "arena")
	require.ErrorIs(t, err, coremqtt.ErrRejected)
	assert.Contains(t, err.Error(), "server is full")
}

func TestDispatcherAttemptSendFailure(t *testing.T) {
	pub := NewMockPublisher()
	pub.FailSend["c1"] = true
	d := NewDispatcher(pub, "", nil)

	assert.Error(t, d.Attempt(context.Background(), model.Client{ID: "c1"}, "arena"))
}

func TestDispatcherEvict(t *testing.T) {
	pub := NewMockPublisher()
	pub.Evict["arena"] = "idle-player"
	d := NewDispatcher(pub, "longest_idle", nil)

	id, err := d.EvictOneLowPriority(context.Background(), "arena")
	require.NoError(t, err)
	assert.Equal(t, model.ClientID("idle-player"), id)

	sent := pub.Sent()
	require.Len(t, sent, 1)
	assert.Equal(t, coremqtt.OrderEvict, sent[0].Kind)
	assert.Equal(t, "longest_idle", sent[0].Policy)
}

func TestDispatcherEvictNobody(t *testing.T) {
	d := NewDispatcher(NewMockPublisher(), "", nil)
	id, err := d.EvictOneLowPriority(context.Background(), "arena")
	require.NoError(t, err)
	assert.Empty(t, id)
}
