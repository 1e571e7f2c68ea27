package transport

import (
	"context"
	"errors"
	"fmt"

	"socialchat/pkg/protocol"
)

// ErrRejected is returned when the relay answers a request with an error ack.
var ErrRejected = errors.New("transport: request rejected")

// Join subscribes the connection to a conversation room.
func (c *Client) Join(ctx context.Context, conversationID string) error {
	return c.expectOK(ctx, protocol.EventJoin, protocol.RoomPayload{ConversationID: conversationID})
}

// Leave unsubscribes from a conversation room.
func (c *Client) Leave(ctx context.Context, conversationID string) error {
	return c.Emit(ctx, protocol.EventLeave, protocol.RoomPayload{ConversationID: conversationID})
}

// SendMessage submits a message and returns the relay's acknowledgement.
// A rejected message is reported in the ack, not as an error.
func (c *Client) SendMessage(ctx context.Context, p protocol.SendPayload) (protocol.AckPayload, error) {
	return c.Request(ctx, protocol.EventSend, p)
}

func (c *Client) TypingStart(ctx context.Context, conversationID string) error {
	return c.Emit(ctx, protocol.EventTypingStart, protocol.RoomPayload{ConversationID: conversationID})
}

func (c *Client) TypingStop(ctx context.Context, conversationID string) error {
	return c.Emit(ctx, protocol.EventTypingStop, protocol.RoomPayload{ConversationID: conversationID})
}

// AddReaction sets the local user's reaction; an empty reaction clears it.
func (c *Client) AddReaction(ctx context.Context, p protocol.ReactionRequest) error {
	return c.expectOK(ctx, protocol.EventAddReaction, p)
}

func (c *Client) DeleteMessage(ctx context.Context, p protocol.DeletePayload) error {
	return c.expectOK(ctx, protocol.EventDeleteMessage, p)
}

func (c *Client) expectOK(ctx context.Context, event string, payload any) error {
	ack, err := c.Request(ctx, event, payload)
	if err != nil {
		return err
	}
	if !ack.OK() {
		return fmt.Errorf("%s: %w: %s", event, ErrRejected, ack.Error)
	}
	return nil
}
