package port

import "context"

// Publisher is the optional notification boundary. Publishing happens
// after commit and is best effort: failures must not affect persisted
// state.
type Publisher interface {
	Publish(ctx context.Context, topic string, message map[string]any) error
	Close() error
}
