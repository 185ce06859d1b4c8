package storage

import "context"

// Store is a JSON document of live timer records, keyed by timer.
type Store interface {
	Set(ctx context.Context, key []byte, value interface{}) error
	Get(ctx context.Context, key []byte) ([]byte, error)
	Delete(ctx context.Context, key []byte) error

	Backup() ([]byte, error)

	ListenToUpdates() <-chan *Update

	Close() error
}

// Update describes a change to a single key. Value is nil when the key was
// deleted.
type Update struct {
	Key   []byte
	Value []byte
}

func (u *Update) Deleted() bool {
	return u.Value == nil
}
