// Package llm is the language model collaborator: one blocking chat call.
package llm

import (
	"context"
	"errors"
	"time"
)

// ErrDisabled is returned by New when no usable model is configured.
var ErrDisabled = errors.New("llm disabled")

const (
	RoleSystem = "system"
	RoleUser   = "user"
)

type Message struct {
	Role    string
	Content string
}

type Options struct {
	Temperature float64
	MaxTokens   int
	Timeout     time.Duration
}

// Client sends one chat request and returns the reply text. Any failure,
// including a timeout or an empty reply, is an error. Clients never retry.
type Client interface {
	Chat(ctx context.Context, messages []Message, opts Options) (string, error)
	Model() string
}

func System(content string) Message { return Message{Role: RoleSystem, Content: content} }

func User(content string) Message { return Message{Role: RoleUser, Content: content} }

// ClampTokens bounds a configured token budget to [lo, hi].
func ClampTokens(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
