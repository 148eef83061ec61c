package runner

import (
	"context"
	"sync"
	"time"

	"goa.design/clue/log"

	"github.com/flitsinc/runledger/internal/eventbus"
	"github.com/flitsinc/runledger/internal/events"
	"github.com/flitsinc/runledger/internal/runlog"
	"github.com/flitsinc/runledger/internal/runstate"
)

// handle is the in-memory state of an active run. events is the append-only
// buffer subscribers replay from; only the run's drive goroutine appends.
type handle struct {
	threadID  string
	runID     string
	agent     Agent
	cancel    context.CancelFunc
	createdAt time.Time
	logCtx    context.Context
	done      chan struct{}

	// machine is only touched by the drive goroutine.
	machine *runstate.Machine

	mu       sync.Mutex
	events   []events.Event
	subs     map[string]*Stream
	settled  bool
	finished bool
	closed   bool
	err      error
}

func newHandle(logCtx context.Context, threadID, runID string, agent Agent, cancel context.CancelFunc, now time.Time) *handle {
	return &handle{
		threadID:  threadID,
		runID:     runID,
		agent:     agent,
		cancel:    cancel,
		createdAt: now,
		logCtx:    logCtx,
		done:      make(chan struct{}),
		subs:      map[string]*Stream{},
	}
}

func (h *handle) info() RunInfo {
	return RunInfo{ThreadID: h.threadID, RunID: h.runID, StartedAt: h.createdAt}
}

// settle decides once how the run ends. Stop and the agent's own terminal
// event race for it; the loser is ignored.
func (h *handle) settle() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.settled {
		return false
	}
	h.settled = true
	return true
}

// subscribe snapshots the buffer and registers the stream under the same
// lock commit publishes under, so no event is missed or seen twice.
func (h *handle) subscribe() *Stream {
	h.mu.Lock()
	defer h.mu.Unlock()
	s := newStream(h.events)
	if h.finished {
		s.ended = true
		return s
	}
	h.subs[s.id] = s
	s.onDetach = func() { h.unsubscribe(s.id) }
	return s
}

func (h *handle) unsubscribe(id string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.subs, id)
}

// commit makes list the run's buffer and publishes its last event.
func (h *handle) commit(list []events.Event) {
	e := list[len(list)-1]
	h.mu.Lock()
	defer h.mu.Unlock()
	h.events = list
	for _, s := range h.subs {
		s.push(e)
	}
	if events.IsTerminal(e.Type) {
		h.finished = true
		h.settled = true
	}
}

// close ends every subscriber stream and marks the run done.
func (h *handle) close(err error) {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	h.finished = true
	h.err = err
	subs := h.subs
	h.subs = map[string]*Stream{}
	h.mu.Unlock()

	for _, s := range subs {
		s.end()
	}
	close(h.done)
}

func (h *handle) failure() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.err
}

// drive runs the agent and records what it emits until the run's terminal
// event is recorded. Events the agent sends after that are drained and
// dropped so the agent never blocks on a send.
func (c *Coordinator) drive(ctx context.Context, h *handle, input events.RunInput) {
	defer c.wg.Done()

	out := make(chan events.Event, c.buffer)
	result := make(chan error, 1)
	go func() {
		defer close(out)
		result <- invoke(ctx, h.agent, input, out)
	}()

	r := &recorder{c: c, h: h, input: input, ctx: context.WithoutCancel(ctx)}
	for e := range out {
		r.accept(e)
	}
	r.finish(<-result)
}

// recorder is the per-run event pipeline: normalize, check, persist,
// publish.
type recorder struct {
	c     *Coordinator
	h     *handle
	input events.RunInput
	// ctx outlives Stop so closing events are still persisted.
	ctx context.Context

	started bool
	done    bool
	failed  error
}

func (r *recorder) accept(e events.Event) {
	if r.done {
		return
	}
	for _, ne := range r.h.machine.Normalize(e) {
		r.acceptOne(ne)
		if r.done {
			return
		}
		if r.failed != nil {
			r.fail()
			return
		}
	}
}

func (r *recorder) acceptOne(e events.Event) {
	if !r.started {
		if e.Type == events.RunStarted {
			r.start(e)
			return
		}
		r.start(events.NewRunStarted(r.input))
		if r.failed != nil {
			return
		}
	}

	if events.IsTerminal(e.Type) {
		if !r.h.settle() {
			log.Debug(r.ctx, log.KV{K: "msg", V: "ignoring agent terminal event after stop"}, log.KV{K: "event", V: string(e.Type)})
			return
		}
		outcome := outcomeFinished
		if e.Type == events.RunError {
			outcome = outcomeError
		}
		r.terminate(e, outcome)
		return
	}
	r.record(e)
}

// start records the run's RUN_STARTED. An agent supplied input is kept as
// is; otherwise the resolved delta input is attached.
func (r *recorder) start(e events.Event) {
	r.started = true
	if e.Input == nil {
		in := r.input
		e.Input = &in
		if e.ThreadID == "" {
			e.ThreadID = in.ThreadID
		}
		if e.RunID == "" {
			e.RunID = in.RunID
		}
	}
	if r.record(e) && r.failed == nil {
		r.c.tracker.MarkSeen(r.h.threadID, e.Input.Messages)
	}
}

// record appends e to the run if it is structurally valid. The full record
// is persisted before subscribers see e; an event whose write fails is
// dropped, except RUN_STARTED, which the RUN_ERROR that follows needs. After
// a persistence failure only the terminal event is written, best effort.
func (r *recorder) record(e events.Event) bool {
	e = events.Stamp(e, r.c.now())
	if err := r.h.machine.Observe(e); err != nil {
		r.c.metrics.violations.Add(r.ctx, 1)
		log.Warn(r.ctx, log.KV{K: "msg", V: "skipping invalid event"}, log.KV{K: "event", V: string(e.Type)}, log.KV{K: "err", V: err.Error()})
		return false
	}

	list := append(r.h.events, e)
	if r.failed == nil || events.IsTerminal(e.Type) {
		err := r.c.store.Put(r.ctx, runlog.Record{
			ThreadID:  r.h.threadID,
			RunID:     r.h.runID,
			Events:    list,
			CreatedAt: r.h.createdAt,
		})
		if err != nil && r.failed == nil {
			r.failed = err
			log.Error(r.ctx, err, log.KV{K: "msg", V: "persist run failed"}, log.KV{K: "event", V: string(e.Type)})
			if e.Type != events.RunStarted {
				r.rewind()
				return false
			}
		}
	}
	r.h.commit(list)
	r.c.metrics.recorded.Add(r.ctx, 1)
	return true
}

// rewind resets the span state to the events already published, so the
// closing events only balance spans subscribers have seen.
func (r *recorder) rewind() {
	m, err := runstate.Replay(r.h.events, runstate.WithIDGenerator(r.c.newID))
	if err != nil {
		log.Warn(r.ctx, log.KV{K: "msg", V: "rewind span state failed"}, log.KV{K: "err", V: err.Error()})
		return
	}
	r.h.machine = m
}

// fail aborts the run after a persistence error.
func (r *recorder) fail() {
	r.h.settle()
	r.h.cancel()
	r.terminate(events.NewRunError(r.h.threadID, r.h.runID, CodePersistence, r.failed.Error()), outcomeError)
}

// finish ends a run whose agent returned without a recorded terminal event.
func (r *recorder) finish(agentErr error) {
	if r.done {
		return
	}
	if !r.started {
		r.start(events.NewRunStarted(r.input))
	}
	if r.failed != nil {
		r.fail()
		return
	}

	switch {
	case !r.h.settle():
		r.terminate(events.NewRunFinished(r.h.threadID, r.h.runID), outcomeStopped)
	case agentErr != nil:
		log.Error(r.ctx, agentErr, log.KV{K: "msg", V: "agent failed"})
		r.terminate(events.NewRunError(r.h.threadID, r.h.runID, CodeAgentError, agentErr.Error()), outcomeError)
	default:
		r.terminate(events.NewRunFinished(r.h.threadID, r.h.runID), outcomeFinished)
	}
}

// terminate records the closing events for every open span, then terminal,
// then retires the handle.
func (r *recorder) terminate(terminal events.Event, outcome string) {
	r.done = true
	for _, e := range r.h.machine.ClosingEvents() {
		r.record(e)
	}
	if r.failed != nil && terminal.Code != CodePersistence {
		terminal = events.NewRunError(r.h.threadID, r.h.runID, CodePersistence, r.failed.Error())
		outcome = outcomeError
	}
	r.record(terminal)
	r.h.cancel()
	r.c.release(r.h)

	r.c.metrics.runCompleted(r.ctx, outcome)
	kind := eventbus.KindRunFinished
	switch outcome {
	case outcomeError:
		kind = eventbus.KindRunFailed
	case outcomeStopped:
		kind = eventbus.KindRunStopped
	}
	r.c.notifyRun(r.ctx, kind, r.h.threadID, r.h.runID, terminal.Message)
	log.Info(r.ctx, log.KV{K: "msg", V: "run completed"}, log.KV{K: "outcome", V: outcome}, log.KV{K: "events", V: len(r.h.events)})

	r.h.close(r.failed)
}
