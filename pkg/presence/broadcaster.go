// Package presence publishes the online-set to connected clients.
package presence

import (
	"context"

	"github.com/anatoly-dev/go-chat-gateway/pkg/metrics"
	"github.com/anatoly-dev/go-chat-gateway/pkg/models"
	"github.com/anatoly-dev/go-chat-gateway/pkg/registry"
	"go.uber.org/zap"
)

// Source yields the current online-set.
type Source interface {
	OnlineUserIDs(ctx context.Context) ([]string, error)
}

// Store is a presence set shared between gateway instances.
type Store interface {
	Source
	Join(ctx context.Context, userID string) error
	Leave(ctx context.Context, userID string) error
}

type localSource struct {
	registry *registry.Registry
}

func (s localSource) OnlineUserIDs(context.Context) ([]string, error) {
	return s.registry.AllUserIDs(), nil
}

type Broadcaster struct {
	registry *registry.Registry
	store    Store
	logger   *zap.Logger
	metrics  *metrics.PresenceMetrics
}

func NewBroadcaster(reg *registry.Registry, logger *zap.Logger) *Broadcaster {
	return &Broadcaster{
		registry: reg,
		logger:   logger,
	}
}

func (b *Broadcaster) SetMetrics(metrics *metrics.PresenceMetrics) {
	b.metrics = metrics
}

// SetStore makes the broadcaster publish the shared online-set instead of
// the local registry key-set.
func (b *Broadcaster) SetStore(store Store) {
	b.store = store
}

func (b *Broadcaster) source() Source {
	if b.store != nil {
		return b.store
	}
	return localSource{registry: b.registry}
}

// OnlineUserIDs returns the online-set, falling back to the local registry
// when the shared store fails.
func (b *Broadcaster) OnlineUserIDs(ctx context.Context) []string {
	ids, err := b.source().OnlineUserIDs(ctx)
	if err != nil {
		b.logger.Error("Failed to read shared presence, using local registry", zap.Error(err))
		return b.registry.AllUserIDs()
	}
	return ids
}

// Track records a user going online or offline on this instance in the
// shared store. Without a store it does nothing.
func (b *Broadcaster) Track(ctx context.Context, userID string, online bool) {
	if b.store == nil {
		return
	}

	var err error
	if online {
		err = b.store.Join(ctx, userID)
	} else {
		err = b.store.Leave(ctx, userID)
	}
	if err != nil {
		b.logger.Error("Failed to update shared presence",
			zap.Error(err),
			zap.String("userID", userID),
			zap.Bool("online", online))
	}
}

// BroadcastOnlineUsers sends one presence-update to every live connection
// and returns the set it sent.
func (b *Broadcaster) BroadcastOnlineUsers(ctx context.Context) []string {
	ids := b.OnlineUserIDs(ctx)

	event, err := models.NewPresenceEvent(ids)
	if err != nil {
		b.logger.Error("Failed to build presence event", zap.Error(err))
		return ids
	}

	conns := b.registry.Connections()
	for _, conn := range conns {
		if err := conn.Send(event); err != nil {
			b.logger.Debug("Failed to send presence update",
				zap.Error(err),
				zap.String("connID", conn.ID()))

			if b.metrics != nil {
				b.metrics.BroadcastErrors.Inc()
			}
		}
	}

	if b.metrics != nil {
		b.metrics.Broadcasts.Inc()
		b.metrics.OnlineUsers.Set(float64(len(ids)))
	}

	b.logger.Debug("Broadcast online users",
		zap.Int("online", len(ids)),
		zap.Int("connections", len(conns)))

	return ids
}
