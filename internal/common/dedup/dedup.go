// Package dedup records the ids of messages that have been fully processed so that redeliveries can be
// acknowledged without being applied a second time.
//
// Keys are only marked after the message has been applied. A crash between applying and marking means the
// message is applied again on redelivery, so consumers must still tolerate replays.
package dedup

import "context"

type Store interface {
	// Seen returns true if key was marked and has not yet expired.
	Seen(ctx context.Context, key string) (bool, error)
	// Mark records key as processed. Marking an already marked key is not an error.
	Mark(ctx context.Context, key string) error
}

// NoopStore never reports a key as seen.
type NoopStore struct{}

func (NoopStore) Seen(context.Context, string) (bool, error) {
	return false, nil
}

func (NoopStore) Mark(context.Context, string) error {
	return nil
}
