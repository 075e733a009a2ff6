package gateway

import (
	"sync"

	"github.com/rs/xid"
	"github.com/rs/zerolog"
)

// NotificationBackgroundSync is the notification type broadcast when
// connectivity is restored.
const NotificationBackgroundSync = "BACKGROUND_SYNC"

// Notification is the message broadcast to application contexts.
type Notification struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// SyncCoordinator broadcasts connectivity-restored notifications to every
// registered application context. It carries no replay logic of its own:
// each context decides whether to replay its pending actions when
// notified.
type SyncCoordinator struct {
	log zerolog.Logger

	mu       sync.Mutex
	contexts map[string]chan Notification
}

// NewSyncCoordinator creates a coordinator with no registered contexts.
func NewSyncCoordinator(logger *zerolog.Logger) *SyncCoordinator {
	var log zerolog.Logger
	if logger == nil {
		log = zerolog.New(zerolog.NewConsoleWriter())
	} else {
		log = *logger
	}
	return &SyncCoordinator{
		log:      log,
		contexts: make(map[string]chan Notification),
	}
}

// Register adds an application context and returns its id together with
// the channel notifications are delivered on.
func (c *SyncCoordinator) Register() (string, <-chan Notification) {
	id := xid.New().String()
	ch := make(chan Notification, 1)
	c.mu.Lock()
	c.contexts[id] = ch
	c.mu.Unlock()
	c.log.Debug().Str("context", id).Msg("Context registered for sync notifications")
	return id, ch
}

// Deregister removes a context. Safe to call with an unknown id.
func (c *SyncCoordinator) Deregister(id string) {
	c.mu.Lock()
	ch, ok := c.contexts[id]
	delete(c.contexts, id)
	c.mu.Unlock()
	if ok {
		close(ch)
		c.log.Debug().Str("context", id).Msg("Context deregistered")
	}
}

// NotifyReconnected broadcasts a connectivity-restored notification to all
// registered contexts. Sends are non-blocking: a context that has not
// drained its previous notification is skipped rather than stalling the
// broadcast.
func (c *SyncCoordinator) NotifyReconnected() {
	n := Notification{
		Type:    NotificationBackgroundSync,
		Message: "Connectivity restored, pending changes can be synced",
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for id, ch := range c.contexts {
		select {
		case ch <- n:
		default:
			c.log.Warn().Str("context", id).Msg("Context not draining notifications, skipping")
		}
	}
	c.log.Info().Int("contexts", len(c.contexts)).Msg("Broadcast connectivity restored")
}
