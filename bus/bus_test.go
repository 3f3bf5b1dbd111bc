package bus

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegisterAndSend(t *testing.T) {
	b := New(4)

	inbox, err := b.Register("agent-1")
	require.NoError(t, err)

	err = b.Send(NewMessage("agent-0", "agent-1", "ping", "hello"))
	require.NoError(t, err)

	select {
	case msg := <-inbox:
		assert.Equal(t, "hello", msg.Payload)
		assert.Equal(t, "agent-1", msg.To)
	case <-time.After(time.Second):
		t.Fatal("message not delivered")
	}
}

func TestSendToUnknownAgentFails(t *testing.T) {
	b := New(4)
	err := b.Send(NewMessage("agent-0", "ghost", "ping", nil))
	assert.ErrorIs(t, err, ErrAgentNotFound)
}

func TestDoubleRegisterFails(t *testing.T) {
	b := New(4)
	_, err := b.Register("agent-1")
	require.NoError(t, err)

	_, err = b.Register("agent-1")
	assert.ErrorIs(t, err, ErrAlreadyRegistered)
}

func TestUnregisterIsIdempotentAndClosesInbox(t *testing.T) {
	b := New(4)
	inbox, err := b.Register("agent-1")
	require.NoError(t, err)

	b.Unregister("agent-1")
	b.Unregister("agent-1") // must not panic

	_, open := <-inbox
	assert.False(t, open, "inbox channel should be closed after unregister")

	err = b.Send(NewMessage("x", "agent-1", "t", nil))
	assert.ErrorIs(t, err, ErrAgentNotFound)
}

func TestSendPreservesFIFOPerDestination(t *testing.T) {
	b := New(16)
	inbox, err := b.Register("agent-1")
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		require.NoError(t, b.Send(NewMessage("sender", "agent-1", "seq", i)))
	}

	for i := 0; i < 5; i++ {
		msg := <-inbox
		assert.Equal(t, i, msg.Payload)
	}
}

func TestSendReturnsErrInboxFullWhenBufferSaturated(t *testing.T) {
	b := New(1)
	_, err := b.Register("agent-1")
	require.NoError(t, err)

	require.NoError(t, b.Send(NewMessage("x", "agent-1", "t", 1)))
	err = b.Send(NewMessage("x", "agent-1", "t", 2))
	assert.ErrorIs(t, err, ErrInboxFull)
}

func TestBroadcastFansOutToAllSubscribers(t *testing.T) {
	b := New(4)
	sub1, err := b.SubscribeBroadcast("sub-1", 4)
	require.NoError(t, err)
	sub2, err := b.SubscribeBroadcast("sub-2", 4)
	require.NoError(t, err)

	b.Broadcast(NewBroadcast("agent-1", "news", "update"))

	for _, ch := range []<-chan *Message{sub1, sub2} {
		select {
		case msg := <-ch:
			assert.Equal(t, "update", msg.Payload)
			assert.Equal(t, KindBroadcast, msg.Kind)
		case <-time.After(time.Second):
			t.Fatal("broadcast not delivered")
		}
	}
}

func TestBroadcastSkipsSlowSubscriberWithoutBlocking(t *testing.T) {
	b := New(1)
	slow, err := b.SubscribeBroadcast("slow", 1)
	require.NoError(t, err)

	b.Broadcast(NewBroadcast("x", "t", 1))
	b.Broadcast(NewBroadcast("x", "t", 2)) // slow's buffer is now full

	stats := b.Stats()
	assert.EqualValues(t, 1, stats.Broadcast)
	assert.EqualValues(t, 1, stats.BroadcastFailed)

	msg := <-slow
	assert.Equal(t, 1, msg.Payload)
}

func TestRoutePicksLowestLoadMatchingFilter(t *testing.T) {
	b := New(4)
	_, err := b.Register("a")
	require.NoError(t, err)
	_, err = b.Register("b")
	require.NoError(t, err)

	b.UpdateRoute("a", RouteInfo{Capabilities: []string{"code_review"}, Load: 0.8, Healthy: true})
	b.UpdateRoute("b", RouteInfo{Capabilities: []string{"code_review"}, Load: 0.2, Healthy: true})

	id, ok := b.Route(func(info RouteInfo) bool { return info.Healthy })
	require.True(t, ok)
	assert.Equal(t, "b", id)
}

func TestStatsReflectsDeliveries(t *testing.T) {
	b := New(4)
	_, err := b.Register("a")
	require.NoError(t, err)

	require.NoError(t, b.Send(NewMessage("x", "a", "t", 1)))
	_ = b.Send(NewMessage("x", "ghost", "t", 1))

	stats := b.Stats()
	assert.Equal(t, 1, stats.Registered)
	assert.EqualValues(t, 1, stats.Delivered)
	assert.EqualValues(t, 1, stats.Failed)
}
