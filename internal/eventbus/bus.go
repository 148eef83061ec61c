// Package eventbus fans out run lifecycle notices to in-process subscribers
// and keeps a bounded history of the most recent ones.
package eventbus

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

const (
	defaultHistory = 256
	defaultBuffer  = 64
)

type Bus struct {
	history int
	buffer  int
	nowFn   func() time.Time

	mu     sync.RWMutex
	recent []Notice
	subs   map[string]*subscriber
}

type subscriber struct {
	kinds map[Kind]struct{}
	ch    chan Notice
}

type Option func(*Bus)

// WithHistory sets how many notices List can return.
func WithHistory(n int) Option {
	return func(b *Bus) {
		if n > 0 {
			b.history = n
		}
	}
}

// WithBuffer sets the channel capacity of each subscriber.
func WithBuffer(n int) Option {
	return func(b *Bus) {
		if n > 0 {
			b.buffer = n
		}
	}
}

func NewBus(opts ...Option) *Bus {
	b := &Bus{
		history: defaultHistory,
		buffer:  defaultBuffer,
		nowFn:   func() time.Time { return time.Now().UTC() },
		subs:    map[string]*subscriber{},
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

func (b *Bus) Push(input NoticeInput) (Notice, error) {
	if !knownKind(input.Kind) {
		return Notice{}, fmt.Errorf("unknown notice kind %q", input.Kind)
	}
	if strings.TrimSpace(input.ThreadID) == "" {
		return Notice{}, fmt.Errorf("thread_id is required")
	}

	notice := Notice{
		ID:        ulid.Make().String(),
		Kind:      input.Kind,
		ThreadID:  input.ThreadID,
		RunID:     input.RunID,
		Detail:    input.Detail,
		CreatedAt: b.nowFn(),
	}

	b.mu.Lock()
	b.recent = append(b.recent, notice)
	if over := len(b.recent) - b.history; over > 0 {
		b.recent = append(b.recent[:0:0], b.recent[over:]...)
	}
	b.mu.Unlock()

	b.broadcast(notice)
	return notice, nil
}

// List returns retained notices, newest first unless opts.Order is "fifo".
func (b *Bus) List(opts ListOptions) []Notice {
	limit := opts.Limit
	if limit <= 0 {
		limit = 50
	}
	fifo := DefaultOrder(opts.Order) == "fifo"

	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]Notice, 0, min(limit, len(b.recent)))
	for i := range b.recent {
		idx := len(b.recent) - 1 - i
		if fifo {
			idx = i
		}
		n := b.recent[idx]
		if opts.ThreadID != "" && n.ThreadID != opts.ThreadID {
			continue
		}
		out = append(out, n)
		if len(out) == limit {
			break
		}
	}
	return out
}

// Subscribe delivers notices of the given kinds (all kinds when none are
// given) until ctx ends, then closes the channel.
func (b *Bus) Subscribe(ctx context.Context, kinds ...Kind) <-chan Notice {
	ch := make(chan Notice, b.buffer)
	kindSet := map[Kind]struct{}{}
	for _, k := range kinds {
		if k == "" {
			continue
		}
		kindSet[k] = struct{}{}
	}
	id := ulid.Make().String()

	sub := &subscriber{kinds: kindSet, ch: ch}
	b.mu.Lock()
	b.subs[id] = sub
	b.mu.Unlock()

	go func() {
		<-ctx.Done()
		b.mu.Lock()
		delete(b.subs, id)
		b.mu.Unlock()
		close(ch)
	}()

	return ch
}

func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

func (b *Bus) broadcast(notice Notice) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, sub := range b.subs {
		if len(sub.kinds) > 0 {
			if _, ok := sub.kinds[notice.Kind]; !ok {
				continue
			}
		}
		select {
		case sub.ch <- notice:
		default:
			// Drop if subscriber is slow.
		}
	}
}
