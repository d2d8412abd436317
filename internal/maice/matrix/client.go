// Package matrix is the transport adapter: it turns room messages into
// intake events and dispatches generated replies.
package matrix

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"
)

// Config holds Matrix client configuration.
type Config struct {
	Homeserver  string
	UserID      string
	AccessToken string
	// DB is an optional SQLite connection used to persist the Matrix sync
	// token (next_batch) across restarts. When nil, an in-memory store is
	// used and all room history will be replayed on every restart.
	DB *sql.DB
}

// MessageHandler receives one inbound text message.
type MessageHandler func(ctx context.Context, userID, roomID, eventID, text string, at time.Time)

// Client wraps the mautrix client.
type Client struct {
	client  *mautrix.Client
	config  *Config
	stopCh  chan struct{}
	handler MessageHandler
	logger  *slog.Logger
}

// New creates a Matrix client.
func New(config *Config, logger *slog.Logger) (*Client, error) {
	client, err := mautrix.NewClient(config.Homeserver, id.UserID(config.UserID), config.AccessToken)
	if err != nil {
		return nil, fmt.Errorf("matrix: create client: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}

	c := &Client{
		client: client,
		config: config,
		stopCh: make(chan struct{}),
		logger: logger,
	}

	if config.DB != nil {
		client.Store = newDBSyncStore(config.DB)
		logger.Info("matrix sync store: using persistent SQLite store")
	} else {
		logger.Warn("matrix sync store: no DB configured, using in-memory store (history will replay on restart)")
	}

	return c, nil
}

// Start begins syncing with the homeserver. Inbound text messages are
// delivered to handler; room invites are accepted automatically so anyone
// can pull the bot into a conversation.
func (c *Client) Start(ctx context.Context, handler MessageHandler) error {
	c.handler = handler

	syncer := c.client.Syncer.(*mautrix.DefaultSyncer)
	syncer.OnEventType(event.EventMessage, c.handleMessage)
	syncer.OnEventType(event.StateMember, c.handleMembership)

	// Sync in the background with exponential back-off reconnection. Without
	// retries a transient homeserver error would silently kill the sync
	// goroutine and leave the bot deaf to all new messages.
	go func() {
		const (
			backoffMin = 2 * time.Second
			backoffMax = 5 * time.Minute
		)
		backoff := backoffMin
		for {
			backoff = backoffMin // reset before each attempt
			if err := c.client.Sync(); err != nil {
				select {
				case <-c.stopCh:
					return
				default:
				}
				c.logger.Error("matrix sync stopped; reconnecting", "err", err, "backoff", backoff)
				select {
				case <-c.stopCh:
					return
				case <-time.After(backoff):
				}
				backoff *= 2
				if backoff > backoffMax {
					backoff = backoffMax
				}
				continue
			}
			// Sync returned nil — only happens on a clean StopSync() call.
			return
		}
	}()

	return nil
}

// Stop stops the sync loop.
func (c *Client) Stop() {
	close(c.stopCh)
	c.client.StopSync()
}

// SendMessage sends a text message to a room.
func (c *Client) SendMessage(ctx context.Context, roomID, message string) error {
	if _, err := c.client.SendText(ctx, id.RoomID(roomID), message); err != nil {
		return fmt.Errorf("matrix: send message: %w", err)
	}
	return nil
}

// SetTyping toggles the typing indicator while a reply is being generated.
func (c *Client) SetTyping(ctx context.Context, roomID string, typing bool, timeout time.Duration) error {
	if _, err := c.client.UserTyping(ctx, id.RoomID(roomID), typing, timeout); err != nil {
		return fmt.Errorf("matrix: set typing: %w", err)
	}
	return nil
}

// handleMessage forwards inbound text messages to the registered handler.
func (c *Client) handleMessage(ctx context.Context, evt *event.Event) {
	if evt.Sender == id.UserID(c.config.UserID) {
		return
	}

	msg := evt.Content.AsMessage()
	if msg == nil || (msg.MsgType != event.MsgText && msg.MsgType != event.MsgEmote) {
		return
	}

	if c.handler != nil {
		c.handler(ctx,
			evt.Sender.String(),
			evt.RoomID.String(),
			evt.ID.String(),
			msg.Body,
			time.UnixMilli(evt.Timestamp),
		)
	}
}

// handleMembership auto-joins rooms the bot is invited to.
func (c *Client) handleMembership(ctx context.Context, evt *event.Event) {
	if evt.GetStateKey() != c.config.UserID {
		return
	}
	member := evt.Content.AsMember()
	if member == nil || member.Membership != event.MembershipInvite {
		return
	}

	if _, err := c.client.JoinRoomByID(ctx, evt.RoomID); err != nil {
		// M_FORBIDDEN is returned when the bot is already a member.
		if errors.Is(err, mautrix.MForbidden) {
			c.logger.Warn("join on invite: already a member or access denied", "room", evt.RoomID)
			return
		}
		c.logger.Error("join on invite failed", "room", evt.RoomID, "err", err)
		return
	}
	c.logger.Info("joined room on invite", "room", evt.RoomID, "inviter", evt.Sender)
}
