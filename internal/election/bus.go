package election

import (
	"context"
	"errors"
)

// MessageType is the kind of an election message.
type MessageType string

const (
	MsgClaim     MessageType = "claim"
	MsgHeartbeat MessageType = "heartbeat"
	MsgResign    MessageType = "resign"
)

// Message is broadcast between electors.
type Message struct {
	Type  MessageType `json:"type"`
	TabID string      `json:"tab_id"`
}

// Bus is a broadcast channel shared by electors. Publishers do not receive
// their own messages.
type Bus interface {
	Publish(ctx context.Context, m Message) error
	// Subscribe registers fn for every message from other publishers.
	Subscribe(fn func(Message)) (unsubscribe func())
	Close() error
}

var ErrClosed = errors.New("election: bus closed")
