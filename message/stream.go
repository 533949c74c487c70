package message

import (
	"context"
	"fmt"
)

// Stream defines a named stream and its closed set of message types. A
// dispatcher for a stream accepts only messages whose type belongs to it.
type Stream struct {
	Name  string
	Types []string
}

func (s Stream) Accepts(msgType string) bool {
	for _, t := range s.Types {
		if t == msgType {
			return true
		}
	}
	return false
}

// Checked wraps a dispatcher and rejects messages outside the stream's set
// before anything is sent.
func (s Stream) Checked(next Dispatcher) Dispatcher {
	return DispatcherFunc(func(ctx context.Context, messages ...Message) error {
		for _, m := range messages {
			if !s.Accepts(m.Type) {
				return fmt.Errorf("message: type %q not part of stream %q", m.Type, s.Name)
			}
		}
		return next.Send(ctx, messages...)
	})
}
