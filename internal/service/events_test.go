package service

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ricochet1k/wagate/internal/domain"
)

func TestNewEventBroadcaster(t *testing.T) {
	t.Run("with default buffer size", func(t *testing.T) {
		b := NewEventBroadcaster(0)
		require.NotNil(t, b)
		assert.Equal(t, 100, b.bufferSize)
	})

	t.Run("with custom buffer size", func(t *testing.T) {
		b := NewEventBroadcaster(50)
		assert.Equal(t, 50, b.bufferSize)
	})
}

func TestEventBroadcaster_Subscribe(t *testing.T) {
	b := NewEventBroadcaster(10)

	sub := b.Subscribe("sub1", "session1")
	require.NotNil(t, sub)
	assert.Equal(t, "sub1", sub.ID)
	assert.Equal(t, "session1", sub.SessionID)
	assert.NotNil(t, sub.Events)
	assert.Equal(t, 1, b.SubscriberCount())
}

func TestEventBroadcaster_Unsubscribe(t *testing.T) {
	b := NewEventBroadcaster(10)

	sub := b.Subscribe("sub1", "session1")
	b.Unsubscribe("sub1")
	assert.Equal(t, 0, b.SubscriberCount())

	_, ok := <-sub.Events
	assert.False(t, ok, "expected channel to be closed")

	// Unknown subscribers are ignored.
	b.Unsubscribe("missing")
}

func TestEventBroadcaster_ResubscribeReplaces(t *testing.T) {
	b := NewEventBroadcaster(10)

	first := b.Subscribe("sub1", "")
	second := b.Subscribe("sub1", "")
	assert.Equal(t, 1, b.SubscriberCount())

	_, ok := <-first.Events
	assert.False(t, ok, "previous subscription must be closed")

	b.PublishUpdate(domain.SessionUpdate{SessionID: "s1"})
	select {
	case ev := <-second.Events:
		assert.Equal(t, domain.EventTypeSessionUpdate, ev.Type)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
}

func TestEventBroadcaster_Publish(t *testing.T) {
	b := NewEventBroadcaster(10)

	all := b.Subscribe("all", "")
	s1 := b.Subscribe("s1-only", "s1")
	s2 := b.Subscribe("s2-only", "s2")

	b.PublishUpdate(domain.SessionUpdate{SessionID: "s1", Status: domain.StatusConnected})

	select {
	case ev := <-all.Events:
		assert.Equal(t, "s1", ev.SessionID)
	case <-time.After(time.Second):
		t.Fatal("global subscriber did not receive event")
	}
	select {
	case ev := <-s1.Events:
		data, ok := ev.Data.(domain.SessionUpdateData)
		require.True(t, ok)
		require.Len(t, data.Sessions, 1)
		assert.True(t, data.Sessions[0].Connected())
	case <-time.After(time.Second):
		t.Fatal("filtered subscriber did not receive event")
	}
	select {
	case ev := <-s2.Events:
		t.Fatalf("unexpected event for other session: %+v", ev)
	default:
	}
}

func TestEventBroadcaster_FullBufferDrops(t *testing.T) {
	b := NewEventBroadcaster(1)
	sub := b.Subscribe("slow", "")

	b.Publish(domain.NewSessionDeletedEvent("s1", "a@example.com"))
	b.Publish(domain.NewSessionDeletedEvent("s2", "a@example.com"))
	b.Publish(domain.NewSessionDeletedEvent("s3", "a@example.com"))

	assert.Equal(t, uint64(2), b.Dropped())
	ev := <-sub.Events
	assert.Equal(t, "s1", ev.SessionID)
}

func TestEventBroadcaster_ConcurrentAccess(t *testing.T) {
	b := NewEventBroadcaster(1000)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			subID := string(rune('a' + id))
			sub := b.Subscribe(subID, "")
			for j := 0; j < 100; j++ {
				select {
				case <-sub.Events:
				default:
				}
			}
			b.Unsubscribe(subID)
		}(i)
	}
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				b.Publish(domain.NewLogEvent("", "info", "tick", nil))
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 0, b.SubscriberCount())
}
