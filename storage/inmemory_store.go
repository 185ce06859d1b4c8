package storage

import (
	"context"
	"errors"
	"sync"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

var ErrNotFound = errors.New("Key not found")

const UpdateBufferSize = 255

type InmemoryStore struct {
	mu          sync.RWMutex
	values      []byte
	updateChans []chan *Update

	// dropped counts updates a slow listener did not have room for
	dropped uint64

	// stop willl be closed when Close() is called
	stop chan struct{}
}

func NewInmemoryStore() *InmemoryStore {
	return &InmemoryStore{
		values:      []byte("{}"),
		stop:        make(chan struct{}),
		updateChans: make([]chan *Update, 0),
	}
}

func (i *InmemoryStore) Close() error {
	i.mu.Lock()
	defer i.mu.Unlock()

	if !i.isRunning() {
		return nil
	}

	close(i.stop)

	for _, updateChan := range i.updateChans {
		close(updateChan)
	}

	i.updateChans = nil

	return nil
}

func (i *InmemoryStore) Set(ctx context.Context, key []byte, value interface{}) (err error) {
	i.mu.Lock()
	defer i.mu.Unlock()

	i.values, err = sjson.SetBytes(i.values, escapeKey(key), value)
	if err != nil {
		return err
	}

	i.publish(&Update{
		Key:   key,
		Value: []byte(gjson.GetBytes(i.values, escapeKey(key)).Raw),
	})

	return nil
}

func (i *InmemoryStore) Get(ctx context.Context, key []byte) ([]byte, error) {
	i.mu.RLock()
	defer i.mu.RUnlock()

	result := gjson.GetBytes(i.values, escapeKey(key))
	if !result.Exists() {
		return nil, ErrNotFound
	}

	return []byte(result.Raw), nil
}

func (i *InmemoryStore) Delete(ctx context.Context, key []byte) (err error) {
	i.mu.Lock()
	defer i.mu.Unlock()

	if !gjson.GetBytes(i.values, escapeKey(key)).Exists() {
		return nil
	}

	i.values, err = sjson.DeleteBytes(i.values, escapeKey(key))
	if err != nil {
		return err
	}

	i.publish(&Update{Key: key})

	return nil
}

// Len returns the number of top level keys.
func (i *InmemoryStore) Len() int {
	i.mu.RLock()
	defer i.mu.RUnlock()

	n := 0
	gjson.ParseBytes(i.values).ForEach(func(_, _ gjson.Result) bool {
		n++
		return true
	})

	return n
}

// Dropped returns how many updates were discarded because a listener was not
// keeping up.
func (i *InmemoryStore) Dropped() uint64 {
	i.mu.RLock()
	defer i.mu.RUnlock()

	return i.dropped
}

// ListenToUpdates returns a channel receiving every change made after the
// call. Listeners that fall more than UpdateBufferSize updates behind miss
// updates rather than stalling writers. The channel is closed by Close.
func (i *InmemoryStore) ListenToUpdates() <-chan *Update {
	i.mu.Lock()
	defer i.mu.Unlock()

	updateChan := make(chan *Update, UpdateBufferSize)
	if !i.isRunning() {
		close(updateChan)
		return updateChan
	}

	i.updateChans = append(i.updateChans, updateChan)

	return updateChan
}

func (i *InmemoryStore) Backup() ([]byte, error) {
	i.mu.RLock()
	defer i.mu.RUnlock()

	if len(i.values) == 0 {
		return []byte("{}"), nil
	}

	return append([]byte(nil), i.values...), nil
}

// publish must be called with mu held.
func (i *InmemoryStore) publish(update *Update) {
	if !i.isRunning() {
		return
	}

	for _, updateChan := range i.updateChans {
		select {
		case updateChan <- update:
		default:
			i.dropped++
		}
	}
}

// isRunning returns true if Close has not been called
func (i *InmemoryStore) isRunning() bool {
	select {
	case <-i.stop:
		return false

	default:
		return true
	}
}

// escapeKey turns a raw key into a gjson/sjson path addressing a single top
// level member, whatever characters the key contains.
func escapeKey(key []byte) string {
	escaped := make([]byte, 0, len(key))

	for _, c := range key {
		switch c {
		case '.', '*', '?', '|', '#', '@', '!', '=', '<', '>', '%', ':', '\\':
			escaped = append(escaped, '\\')
		}

		escaped = append(escaped, c)
	}

	return string(escaped)
}

var _ Store = (*InmemoryStore)(nil)
