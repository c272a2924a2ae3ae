package store

import (
	"bytes"
	"context"
	"encoding/json"
	"sync"
	"time"
)

// ReadFunc reads the current value at a fixed path.
type ReadFunc func(ctx context.Context) (json.RawMessage, error)

// Hub fans out change notifications to in-process subscribers. Backends
// call Publish after every committed write.
type Hub struct {
	mu   sync.Mutex
	subs map[*subscriber]struct{}
}

type subscriber struct {
	path   string
	notify chan struct{}
}

func NewHub() *Hub {
	return &Hub{subs: make(map[*subscriber]struct{})}
}

// Subscribe starts a subscriber for path. Notifications coalesce: a slow
// reader only ever sees the latest value.
func (h *Hub) Subscribe(ctx context.Context, path string, read ReadFunc) <-chan json.RawMessage {
	sub := &subscriber{path: path, notify: make(chan struct{}, 1)}
	sub.notify <- struct{}{}

	h.mu.Lock()
	h.subs[sub] = struct{}{}
	h.mu.Unlock()

	out := make(chan json.RawMessage, 1)
	go func() {
		defer close(out)
		defer func() {
			h.mu.Lock()
			delete(h.subs, sub)
			h.mu.Unlock()
		}()
		var last json.RawMessage
		for {
			select {
			case <-ctx.Done():
				return
			case <-sub.notify:
			}
			v, ok := readValue(ctx, read)
			if !ok || (last != nil && bytes.Equal(last, v)) {
				continue
			}
			last = v
			select {
			case out <- v:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out
}

// Publish wakes every subscriber whose path is related to the changed path.
func (h *Hub) Publish(changed string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for sub := range h.subs {
		if !Related(sub.path, changed) {
			continue
		}
		select {
		case sub.notify <- struct{}{}:
		default:
		}
	}
}

// Poll emits the value returned by read every interval when it changes.
// Backends without change notifications use it for Subscribe.
func Poll(ctx context.Context, interval time.Duration, read ReadFunc) <-chan json.RawMessage {
	out := make(chan json.RawMessage, 1)
	go func() {
		defer close(out)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		var last json.RawMessage
		for {
			if v, ok := readValue(ctx, read); ok && (last == nil || !bytes.Equal(last, v)) {
				last = v
				select {
				case out <- v:
				case <-ctx.Done():
					return
				}
			}
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}()
	return out
}

func readValue(ctx context.Context, read ReadFunc) (json.RawMessage, bool) {
	v, err := read(ctx)
	switch {
	case err == nil:
		return v, true
	case IsNotFound(err):
		return Null, true
	default:
		return nil, false
	}
}
