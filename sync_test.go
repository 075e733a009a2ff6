package gateway

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testCoordinator() *SyncCoordinator {
	logger := zerolog.Nop()
	return NewSyncCoordinator(&logger)
}

func TestNotifyReconnectedBroadcastsToAllContexts(t *testing.T) {
	c := testCoordinator()
	_, ch1 := c.Register()
	_, ch2 := c.Register()

	c.NotifyReconnected()

	for _, ch := range []<-chan Notification{ch1, ch2} {
		select {
		case n := <-ch:
			assert.Equal(t, NotificationBackgroundSync, n.Type)
			assert.NotEmpty(t, n.Message)
		case <-time.After(time.Second):
			t.Fatal("context never notified")
		}
	}
}

func TestDeregisteredContextIsNotNotified(t *testing.T) {
	c := testCoordinator()
	id, ch := c.Register()
	c.Deregister(id)

	c.NotifyReconnected()

	// channel is closed on deregistration; no notification arrives
	n, ok := <-ch
	assert.False(t, ok, "got notification %+v on deregistered context", n)

	// deregistering twice is safe
	c.Deregister(id)
}

func TestSlowContextDoesNotStallBroadcast(t *testing.T) {
	c := testCoordinator()
	_, slow := c.Register()
	_, fast := c.Register()

	// fill the slow context's buffer so the next send would block
	c.NotifyReconnected()
	<-fast

	done := make(chan struct{})
	go func() {
		c.NotifyReconnected()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("broadcast stalled on a slow context")
	}

	// the fast context still got the second notification
	select {
	case n := <-fast:
		require.Equal(t, NotificationBackgroundSync, n.Type)
	case <-time.After(time.Second):
		t.Fatal("fast context missed the broadcast")
	}

	// the slow context still holds its first, undrained notification
	assert.Len(t, slow, 1)
}

func TestRegisterReturnsUniqueIDs(t *testing.T) {
	c := testCoordinator()
	id1, _ := c.Register()
	id2, _ := c.Register()
	assert.NotEqual(t, id1, id2)
}
