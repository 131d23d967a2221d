package llm

import (
	"context"
	"fmt"
	"sync"
)

// Scripted is a Client that replays canned replies in order. A nil error in
// Errs at position i means Replies[i] is returned. Calls beyond the script fail.
type Scripted struct {
	mu      sync.Mutex
	Replies []string
	Errs    []error
	Calls   [][]Message
	Opts    []Options
	Name    string
}

func (s *Scripted) Model() string {
	if s.Name == "" {
		return "scripted"
	}
	return s.Name
}

func (s *Scripted) Chat(_ context.Context, messages []Message, opts Options) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	i := len(s.Calls)
	s.Calls = append(s.Calls, messages)
	s.Opts = append(s.Opts, opts)
	if i < len(s.Errs) && s.Errs[i] != nil {
		return "", s.Errs[i]
	}
	if i < len(s.Replies) {
		return s.Replies[i], nil
	}
	return "", fmt.Errorf("scripted llm: no reply for call %d", i+1)
}

// CallCount reports how many times Chat was invoked.
func (s *Scripted) CallCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.Calls)
}
