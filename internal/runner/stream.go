package runner

import (
	"context"
	"errors"
	"io"
	"sync"

	"github.com/oklog/ulid/v2"

	"github.com/flitsinc/runledger/internal/events"
)

// Stream delivers the events of one run in recording order. It never drops
// events: a subscriber that falls behind is queued for in memory. Next
// returns io.EOF once the run's terminal event has been delivered.
type Stream struct {
	id string

	mu       sync.Mutex
	queue    []events.Event
	ended    bool
	closed   bool
	notify   chan struct{}
	onDetach func()
}

func newStream(replay []events.Event) *Stream {
	return &Stream{
		id:     ulid.Make().String(),
		queue:  events.Clone(replay),
		notify: make(chan struct{}, 1),
	}
}

// finishedStream returns a stream holding list and nothing more.
func finishedStream(list []events.Event) *Stream {
	s := newStream(list)
	s.ended = true
	return s
}

// Next blocks until the next event is available, the stream is exhausted
// (io.EOF) or ctx ends.
func (s *Stream) Next(ctx context.Context) (events.Event, error) {
	for {
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			return events.Event{}, io.EOF
		}
		if len(s.queue) > 0 {
			e := s.queue[0]
			s.queue[0] = events.Event{}
			s.queue = s.queue[1:]
			s.mu.Unlock()
			return e, nil
		}
		if s.ended {
			s.mu.Unlock()
			return events.Event{}, io.EOF
		}
		s.mu.Unlock()

		select {
		case <-s.notify:
		case <-ctx.Done():
			return events.Event{}, ctx.Err()
		}
	}
}

// Collect reads the stream to the end.
func (s *Stream) Collect(ctx context.Context) ([]events.Event, error) {
	var out []events.Event
	for {
		e, err := s.Next(ctx)
		if errors.Is(err, io.EOF) {
			return out, nil
		}
		if err != nil {
			return out, err
		}
		out = append(out, e)
	}
}

// Close detaches the stream from its run and discards undelivered events.
// It does not affect the run.
func (s *Stream) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.queue = nil
	detach := s.onDetach
	s.onDetach = nil
	s.mu.Unlock()

	if detach != nil {
		detach()
	}
	s.signal()
}

func (s *Stream) push(e events.Event) {
	s.mu.Lock()
	if s.closed || s.ended {
		s.mu.Unlock()
		return
	}
	s.queue = append(s.queue, e)
	s.mu.Unlock()
	s.signal()
}

func (s *Stream) end() {
	s.mu.Lock()
	s.ended = true
	s.onDetach = nil
	s.mu.Unlock()
	s.signal()
}

func (s *Stream) signal() {
	select {
	case s.notify <- struct{}{}:
	default:
	}
}
