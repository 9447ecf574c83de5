// Package presence derives online/offline transitions from session counts.
package presence

import (
	"context"
	"fmt"
	"time"

	"github.com/leisurelyCoder/chattle/protocol"
	"github.com/leisurelyCoder/chattle/session"
	"go.uber.org/zap"
)

type UserStore interface {
	SetOnline(ctx context.Context, userID string, online bool, at time.Time) error
}

type Broadcaster interface {
	BroadcastGlobal(ev protocol.Envelope) int
}

// Coordinator owns User.online and User.lastSeen. A transition is broadcast
// only after the durable update succeeds.
type Coordinator struct {
	registry *session.Registry
	users    UserStore
	router   Broadcaster
	mirror   Mirror
	log      *zap.Logger
	now      func() time.Time
}

func NewCoordinator(registry *session.Registry, users UserStore, router Broadcaster, mirror Mirror, logger *zap.Logger) *Coordinator {
	if mirror == nil {
		mirror = NopMirror{}
	}
	return &Coordinator{
		registry: registry,
		users:    users,
		router:   router,
		mirror:   mirror,
		log:      logger.Named("presence"),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Connect registers the connection; the user's first session announces user_online to everyone.
func (c *Coordinator) Connect(ctx context.Context, userID, connID string) error {
	_, err := c.registry.Register(ctx, userID, connID, func(count int) error {
		if count != 1 {
			return nil
		}

		at := c.now()
		if err := c.users.SetOnline(ctx, userID, true, at); err != nil {
			return fmt.Errorf("mark %s online: %w", userID, err)
		}

		c.router.BroadcastGlobal(protocol.MustEnvelope(protocol.EventUserOnline, protocol.UserOnline{UserID: userID}))
		if err := c.mirror.Online(ctx, userID, at); err != nil {
			c.log.Warn("presence mirror failed", zap.String("user_id", userID), zap.Error(err))
		}

		c.log.Info("user online", zap.String("user_id", userID))
		return nil
	})
	return err
}

// Disconnect deregisters the connection; the user's last session announces user_offline to everyone.
func (c *Coordinator) Disconnect(ctx context.Context, connID string) error {
	_, _, err := c.registry.Deregister(ctx, connID, func(userID string, count int) error {
		if count != 0 {
			return nil
		}

		at := c.now()
		if err := c.users.SetOnline(ctx, userID, false, at); err != nil {
			return fmt.Errorf("mark %s offline: %w", userID, err)
		}

		c.router.BroadcastGlobal(protocol.MustEnvelope(protocol.EventUserOffline, protocol.UserOffline{
			UserID:   userID,
			LastSeen: at,
		}))
		if err := c.mirror.Offline(ctx, userID, at); err != nil {
			c.log.Warn("presence mirror failed", zap.String("user_id", userID), zap.Error(err))
		}

		c.log.Info("user offline", zap.String("user_id", userID))
		return nil
	})
	return err
}

func (c *Coordinator) IsOnline(userID string) bool {
	return c.registry.IsOnline(userID)
}
