// Package bus carries inbound events from the poller and the scheduler to
// the gateway's single process loop.
package bus

import (
	"context"

	"github.com/elldeeone/rnd-digest/internal/chat"
)

type EventKind int

const (
	// EventMessage is a new or edited chat message from any allowed chat.
	EventMessage EventKind = iota
	// EventCallback is an inline button press.
	EventCallback
	// EventJob is a scheduler firing.
	EventJob
)

func (k EventKind) String() string {
	switch k {
	case EventMessage:
		return "message"
	case EventCallback:
		return "callback"
	case EventJob:
		return "job"
	}
	return "unknown"
}

// TopicEvent is a forum topic created or renamed by a service message.
type TopicEvent struct {
	ThreadID int64
	Title    string
}

// CallbackQuery is a pressed button and the message it sits under.
type CallbackQuery struct {
	ID        string
	SenderID  int64
	ChatID    int64
	MessageID int64
	Data      string
}

type InboundEvent struct {
	Kind EventKind
	// UpdateID is the Telegram update id, zero for scheduler events.
	UpdateID int64

	Message chat.Message
	Raw     []byte
	Topic   *TopicEvent

	Callback CallbackQuery

	Job *JobEvent
}

// JobEvent is a fired scheduler job. Attempt counts earlier failed runs.
type JobEvent struct {
	ID      string
	Name    string
	Advance bool
	Attempt int
}

type MessageBus struct {
	Inbound chan InboundEvent
}

func NewMessageBus(bufSize int) *MessageBus {
	return &MessageBus{Inbound: make(chan InboundEvent, bufSize)}
}

// Publish queues ev, waiting for buffer space until ctx is done.
func (b *MessageBus) Publish(ctx context.Context, ev InboundEvent) error {
	select {
	case b.Inbound <- ev:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
