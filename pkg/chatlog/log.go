// Package chatlog retains relayed chat messages.
package chatlog

import (
	"context"
	"errors"
	"sync"

	"github.com/anatoly-dev/go-chat-gateway/pkg/models"
)

const DefaultCapacity = 10000

type Log interface {
	Append(ctx context.Context, msg *models.ChatMessage) error
}

// Memory is a fixed-capacity ring of the most recent messages. Once full,
// each append evicts the oldest entry.
type Memory struct {
	mutex    sync.RWMutex
	entries  []*models.ChatMessage
	next     int
	full     bool
	appended uint64
}

func NewMemory(capacity int) *Memory {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Memory{entries: make([]*models.ChatMessage, capacity)}
}

func (m *Memory) Append(_ context.Context, msg *models.ChatMessage) error {
	if msg == nil {
		return errors.New("chatlog: nil message")
	}

	m.mutex.Lock()
	defer m.mutex.Unlock()

	m.entries[m.next] = msg
	m.next = (m.next + 1) % len(m.entries)
	if m.next == 0 {
		m.full = true
	}
	m.appended++
	return nil
}

func (m *Memory) Len() int {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	return m.lenLocked()
}

func (m *Memory) lenLocked() int {
	if m.full {
		return len(m.entries)
	}
	return m.next
}

// Appended counts every message ever appended, evicted ones included.
func (m *Memory) Appended() uint64 {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	return m.appended
}

// each walks retained messages oldest first until fn returns false.
func (m *Memory) each(fn func(*models.ChatMessage) bool) {
	n := m.lenLocked()
	start := 0
	if m.full {
		start = m.next
	}
	for i := 0; i < n; i++ {
		if !fn(m.entries[(start+i)%len(m.entries)]) {
			return
		}
	}
}

// Recent returns up to limit of the newest messages, oldest first.
// A limit <= 0 returns everything retained.
func (m *Memory) Recent(limit int) []*models.ChatMessage {
	m.mutex.RLock()
	defer m.mutex.RUnlock()

	all := make([]*models.ChatMessage, 0, m.lenLocked())
	m.each(func(msg *models.ChatMessage) bool {
		all = append(all, msg)
		return true
	})
	return tail(all, limit)
}

// Conversation returns up to limit of the newest messages exchanged between
// a and b in either direction, oldest first.
func (m *Memory) Conversation(a, b string, limit int) []*models.ChatMessage {
	m.mutex.RLock()
	defer m.mutex.RUnlock()

	var out []*models.ChatMessage
	m.each(func(msg *models.ChatMessage) bool {
		if (msg.SenderID == a && msg.RecipientID == b) || (msg.SenderID == b && msg.RecipientID == a) {
			out = append(out, msg)
		}
		return true
	})
	return tail(out, limit)
}

func tail(msgs []*models.ChatMessage, limit int) []*models.ChatMessage {
	if limit > 0 && len(msgs) > limit {
		return msgs[len(msgs)-limit:]
	}
	return msgs
}

// Multi appends to every log in order and joins their errors.
type Multi []Log

func (m Multi) Append(ctx context.Context, msg *models.ChatMessage) error {
	var errs []error
	for _, l := range m {
		if err := l.Append(ctx, msg); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
