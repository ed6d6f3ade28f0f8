// Package registrytest provides an in-memory registry.Conn for tests.
package registrytest

import (
	"errors"
	"sync"

	"github.com/anatoly-dev/go-chat-gateway/pkg/models"
	"github.com/google/uuid"
)

var ErrClosed = errors.New("registrytest: connection closed")

// Conn records every event sent to it.
type Conn struct {
	id     string
	userID string

	mu       sync.Mutex
	events   []*models.Event
	closed   bool
	rejected bool
	SendErr  error
}

func NewConn(userID string) *Conn {
	return &Conn{id: uuid.New().String(), userID: userID}
}

func (c *Conn) ID() string     { return c.id }
func (c *Conn) UserID() string { return c.userID }

func (c *Conn) Send(event *models.Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	if c.SendErr != nil {
		return c.SendErr
	}
	c.events = append(c.events, event)
	return nil
}

func (c *Conn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *Conn) Reject(string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	c.rejected = true
	return nil
}

// Rejected reports whether the connection was closed through Reject.
func (c *Conn) Rejected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.rejected
}

func (c *Conn) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Events returns the received events of the given type.
func (c *Conn) Events(eventType models.EventType) []*models.Event {
	c.mu.Lock()
	defer c.mu.Unlock()

	var out []*models.Event
	for _, e := range c.events {
		if e.Type == eventType {
			out = append(out, e)
		}
	}
	return out
}

// LastPresence returns the online-set of the most recent presence-update.
func (c *Conn) LastPresence() ([]string, bool) {
	events := c.Events(models.EventPresenceUpdate)
	if len(events) == 0 {
		return nil, false
	}
	ids, err := events[len(events)-1].UserIDs()
	if err != nil {
		return nil, false
	}
	return ids, true
}

func (c *Conn) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = nil
}
