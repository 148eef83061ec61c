// Package runner coordinates agent runs on threads.
//
// A Coordinator allows at most one active run per thread. Every event an
// agent emits is checked against the run's span state, persisted as part of
// the run's full record and only then published to the run's subscribers.
// Stopping a run closes whatever spans the agent left open before the
// terminal event is recorded, so every finished record is well formed.
package runner

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel/metric"
	"goa.design/clue/log"

	"github.com/flitsinc/runledger/internal/delta"
	"github.com/flitsinc/runledger/internal/eventbus"
	"github.com/flitsinc/runledger/internal/events"
	"github.com/flitsinc/runledger/internal/idgen"
	"github.com/flitsinc/runledger/internal/runctx"
	"github.com/flitsinc/runledger/internal/runlog"
	"github.com/flitsinc/runledger/internal/runstate"
)

var (
	ErrRunActive = errors.New("run already active")
	ErrClosed    = errors.New("coordinator closed")
	ErrRunExists = errors.New("run already recorded")
)

// RUN_ERROR codes recorded by the coordinator.
const (
	CodeAgentError  = "AGENT_ERROR"
	CodePersistence = "PERSISTENCE_ERROR"
	CodeInterrupted = "INTERRUPTED"
)

const (
	defaultEventBuffer = 16
	defaultStopWait    = 10 * time.Second
)

type (
	// ActiveRunError is returned by Run when the thread already has a run in
	// flight. It matches ErrRunActive.
	ActiveRunError struct {
		ThreadID string
		RunID    string
	}

	// RunExistsError is returned by Run when the caller supplied run id is
	// already recorded for the thread. It matches ErrRunExists.
	RunExistsError struct {
		ThreadID string
		RunID    string
	}

	// RunInfo describes an in-flight run.
	RunInfo struct {
		ThreadID  string    `json:"thread_id"`
		RunID     string    `json:"run_id"`
		StartedAt time.Time `json:"started_at"`
	}

	Option func(*Coordinator)

	Coordinator struct {
		store    runlog.Store
		tracker  *delta.Tracker
		bus      *eventbus.Bus
		meter    metric.Meter
		metrics  *metrics
		newID    func() string
		now      func() time.Time
		buffer   int
		stopWait time.Duration

		mu     sync.Mutex
		active map[string]*handle
		closed bool
		wg     sync.WaitGroup
	}

	// Execution is the caller's view of a started run.
	Execution struct {
		ThreadID string
		RunID    string

		h *handle
	}
)

func (e *ActiveRunError) Error() string {
	return fmt.Sprintf("thread %s: run %s is still active", e.ThreadID, e.RunID)
}

func (e *ActiveRunError) Unwrap() error { return ErrRunActive }

func (e *RunExistsError) Error() string {
	return fmt.Sprintf("thread %s: run %s is already recorded", e.ThreadID, e.RunID)
}

func (e *RunExistsError) Unwrap() error { return ErrRunExists }

// WithTracker shares a delta tracker with the coordinator. By default the
// coordinator builds one over its store.
func WithTracker(t *delta.Tracker) Option {
	return func(c *Coordinator) { c.tracker = t }
}

// WithBus publishes run lifecycle notices to b.
func WithBus(b *eventbus.Bus) Option {
	return func(c *Coordinator) { c.bus = b }
}

// WithMeter records coordinator metrics on m instead of the global meter.
func WithMeter(m metric.Meter) Option {
	return func(c *Coordinator) { c.meter = m }
}

// WithIDGenerator overrides how run ids and synthetic message ids are made.
func WithIDGenerator(fn func() string) Option {
	return func(c *Coordinator) {
		if fn != nil {
			c.newID = fn
		}
	}
}

// WithClock overrides the time source used for event timestamps.
func WithClock(fn func() time.Time) Option {
	return func(c *Coordinator) {
		if fn != nil {
			c.now = fn
		}
	}
}

// WithStopWait sets how long Stop waits for a cancelled run to record its
// terminal event. Zero makes Stop return as soon as the run is cancelled.
func WithStopWait(d time.Duration) Option {
	return func(c *Coordinator) {
		if d >= 0 {
			c.stopWait = d
		}
	}
}

// WithEventBuffer sets the capacity of the channel agents emit on.
func WithEventBuffer(n int) Option {
	return func(c *Coordinator) {
		if n >= 0 {
			c.buffer = n
		}
	}
}

func New(store runlog.Store, opts ...Option) *Coordinator {
	c := &Coordinator{
		store:    store,
		newID:    idgen.New,
		now:      func() time.Time { return time.Now().UTC() },
		buffer:   defaultEventBuffer,
		stopWait: defaultStopWait,
		active:   map[string]*handle{},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	if c.tracker == nil {
		c.tracker = delta.NewTracker(store)
	}
	c.metrics = newMetrics(c.meter)
	return c
}

// Run starts req.Agent on req.ThreadID. It fails with an *ActiveRunError
// when the thread already has an active run, leaving that run untouched, and
// with a *RunExistsError when req.RunID names a run already recorded for
// the thread.
// The run outlives ctx; use Stop to end it early.
func (c *Coordinator) Run(ctx context.Context, req RunRequest) (*Execution, error) {
	if err := idgen.ValidateThreadID(req.ThreadID); err != nil {
		return nil, err
	}
	if req.Agent == nil {
		return nil, errors.New("agent is required")
	}
	runID := req.RunID
	if runID == "" {
		runID = c.newID()
	}

	runCtx, cancel := context.WithCancel(runctx.WithRun(context.WithoutCancel(ctx), req.ThreadID, runID))
	runCtx = log.With(runCtx, log.KV{K: "thread_id", V: req.ThreadID}, log.KV{K: "run_id", V: runID})
	h := newHandle(context.WithoutCancel(runCtx), req.ThreadID, runID, req.Agent, cancel, c.now())
	h.machine = runstate.New(runstate.WithIDGenerator(c.newID))

	if err := c.reserve(h); err != nil {
		cancel()
		return nil, err
	}

	input, err := c.prepare(runCtx, h, req)
	if err != nil {
		c.unreserve(h)
		return nil, err
	}

	c.metrics.runStarted(runCtx)
	c.notify(runCtx, eventbus.KindRunStarted, h, "")
	log.Info(runCtx, log.KV{K: "msg", V: "run started"}, log.KV{K: "new_messages", V: len(input.Messages)})

	go c.drive(runCtx, h, input)
	return &Execution{ThreadID: h.threadID, RunID: h.runID, h: h}, nil
}

// Connect returns the events of the thread's active run, replayed from the
// start and followed live. Without an active run it returns the last
// persisted run as a finished stream, which is empty for an unknown thread.
func (c *Coordinator) Connect(ctx context.Context, threadID string) (*Stream, error) {
	if err := idgen.ValidateThreadID(threadID); err != nil {
		return nil, err
	}
	if s, ok := c.attach(threadID); ok {
		return s, nil
	}
	rec, ok, err := c.repairOrphan(ctx, threadID, nil)
	if err != nil {
		return nil, err
	}
	if !ok {
		return finishedStream(nil), nil
	}
	if !rec.Terminated() {
		// A run started after the first look.
		if s, ok := c.attach(threadID); ok {
			return s, nil
		}
	}
	return finishedStream(rec.Events), nil
}

// Stop ends the thread's active run. It reports false when there is no
// active run or the run already ended or is being stopped. Otherwise it
// cancels the agent and waits until the closing events and RUN_FINISHED are
// recorded, ctx ends or the stop wait elapses. An agent that ignores
// cancellation keeps its run active after Stop returns; the closing events
// are recorded once it returns. Use Execution.Done to wait for that.
func (c *Coordinator) Stop(ctx context.Context, threadID string) bool {
	c.mu.Lock()
	h := c.active[threadID]
	c.mu.Unlock()
	if h == nil {
		return false
	}
	if !c.requestStop(h) {
		return false
	}
	if c.stopWait == 0 {
		return true
	}
	timer := time.NewTimer(c.stopWait)
	defer timer.Stop()
	select {
	case <-h.done:
	case <-ctx.Done():
	case <-timer.C:
		log.Warn(h.logCtx, log.KV{K: "msg", V: "agent has not returned after stop"}, log.KV{K: "waited", V: c.stopWait.String()})
	}
	return true
}

func (c *Coordinator) IsRunning(threadID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.active[threadID]
	return ok
}

// ActiveRun returns the thread's in-flight run, if any.
func (c *Coordinator) ActiveRun(threadID string) (RunInfo, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	h, ok := c.active[threadID]
	if !ok {
		return RunInfo{}, false
	}
	return h.info(), true
}

// ActiveRuns lists in-flight runs ordered by thread id.
func (c *Coordinator) ActiveRuns() []RunInfo {
	c.mu.Lock()
	out := make([]RunInfo, 0, len(c.active))
	for _, h := range c.active {
		out = append(out, h.info())
	}
	c.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ThreadID < out[j].ThreadID })
	return out
}

// Close rejects new runs, stops every active run and waits for the agents
// to return or ctx to end.
func (c *Coordinator) Close(ctx context.Context) error {
	c.mu.Lock()
	c.closed = true
	handles := make([]*handle, 0, len(c.active))
	for _, h := range c.active {
		handles = append(handles, h)
	}
	c.mu.Unlock()

	for _, h := range handles {
		c.requestStop(h)
	}

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Subscribe returns a stream of the run's events from its first event on.
// Subscribers created at any time see the same events in the same order.
func (x *Execution) Subscribe() *Stream {
	return x.h.subscribe()
}

// Done is closed once the run's terminal event is recorded.
func (x *Execution) Done() <-chan struct{} {
	return x.h.done
}

// Wait blocks until the run ended and returns the persistence error that
// ended it, if any.
func (x *Execution) Wait(ctx context.Context) error {
	select {
	case <-x.h.done:
		return x.h.failure()
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Coordinator) reserve(h *handle) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	if cur, ok := c.active[h.threadID]; ok {
		return &ActiveRunError{ThreadID: cur.threadID, RunID: cur.runID}
	}
	c.active[h.threadID] = h
	c.wg.Add(1)
	return nil
}

// unreserve drops a handle whose run never started.
func (c *Coordinator) unreserve(h *handle) {
	c.mu.Lock()
	if c.active[h.threadID] == h {
		delete(c.active, h.threadID)
	}
	c.mu.Unlock()
	h.cancel()
	h.close(nil)
	c.wg.Done()
}

func (c *Coordinator) release(h *handle) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.active[h.threadID] == h {
		delete(c.active, h.threadID)
	}
}

func (c *Coordinator) attach(threadID string) (*Stream, bool) {
	c.mu.Lock()
	h := c.active[threadID]
	c.mu.Unlock()
	if h == nil {
		return nil, false
	}
	return h.subscribe(), true
}

// prepare repairs an interrupted previous run and resolves the input the
// agent receives.
func (c *Coordinator) prepare(ctx context.Context, h *handle, req RunRequest) (events.RunInput, error) {
	if _, _, err := c.repairOrphan(ctx, h.threadID, h); err != nil {
		return events.RunInput{}, err
	}
	if req.RunID != "" {
		if err := c.checkNewRun(ctx, h.threadID, req.RunID); err != nil {
			return events.RunInput{}, err
		}
	}
	msgs, err := c.tracker.Delta(ctx, h.threadID, req.Messages)
	if err != nil {
		return events.RunInput{}, err
	}
	return events.RunInput{
		ThreadID:       h.threadID,
		RunID:          h.runID,
		Messages:       msgs,
		State:          req.State,
		Tools:          req.Tools,
		Context:        req.Context,
		ForwardedProps: req.ForwardedProps,
	}, nil
}

// checkNewRun rejects a caller supplied run id that is already recorded, so
// a finished record is never rewritten.
func (c *Coordinator) checkNewRun(ctx context.Context, threadID, runID string) error {
	recs, err := c.store.ListRuns(ctx, threadID)
	if err != nil {
		return fmt.Errorf("list runs: %w", err)
	}
	for _, rec := range recs {
		if rec.RunID == runID {
			return &RunExistsError{ThreadID: threadID, RunID: runID}
		}
	}
	return nil
}

func (c *Coordinator) requestStop(h *handle) bool {
	if !h.settle() {
		return false
	}
	log.Info(h.logCtx, log.KV{K: "msg", V: "stop requested"})
	h.cancel()
	if a, ok := h.agent.(Aborter); ok {
		a.Abort()
	}
	return true
}

// repairOrphan returns the thread's last run record. A record without a
// terminal event that no live run owns was left by a process that died
// mid-run; it gets closing events and an INTERRUPTED RUN_ERROR first.
func (c *Coordinator) repairOrphan(ctx context.Context, threadID string, self *handle) (runlog.Record, bool, error) {
	rec, ok, err := c.store.LastRun(ctx, threadID)
	if err != nil {
		return runlog.Record{}, false, fmt.Errorf("load last run: %w", err)
	}
	if !ok || rec.Terminated() {
		return rec, ok, nil
	}

	// Holding mu keeps runs from starting. Any run of this thread not in
	// active has made its final write, so the re-read is stable.
	c.mu.Lock()
	defer c.mu.Unlock()
	if cur := c.active[threadID]; cur != nil && cur != self {
		return rec, true, nil
	}
	rec, ok, err = c.store.LastRun(ctx, threadID)
	if err != nil {
		return runlog.Record{}, false, fmt.Errorf("load last run: %w", err)
	}
	if !ok || rec.Terminated() {
		return rec, ok, nil
	}
	return c.repair(ctx, rec)
}

func (c *Coordinator) repair(ctx context.Context, rec runlog.Record) (runlog.Record, bool, error) {
	ctx = log.With(ctx, log.KV{K: "thread_id", V: rec.ThreadID}, log.KV{K: "run_id", V: rec.RunID})
	m, err := runstate.Replay(rec.Events, runstate.WithIDGenerator(c.newID))
	if err != nil || !m.Started() {
		log.Warn(ctx, log.KV{K: "msg", V: "interrupted run is malformed, leaving it as is"}, log.KV{K: "events", V: len(rec.Events)})
		return rec, true, nil
	}

	now := c.now()
	tail := m.ClosingEvents()
	tail = append(tail, events.NewRunError(rec.ThreadID, rec.RunID, CodeInterrupted, "run was interrupted before it finished"))
	repaired := rec.Clone()
	for _, e := range tail {
		repaired.Events = append(repaired.Events, events.Stamp(e, now))
	}
	if err := c.store.Put(ctx, repaired); err != nil {
		return runlog.Record{}, false, fmt.Errorf("repair run %s: %w", rec.RunID, err)
	}
	log.Info(ctx, log.KV{K: "msg", V: "repaired interrupted run"}, log.KV{K: "closing_events", V: len(tail) - 1})
	c.notifyRun(ctx, eventbus.KindRunRepaired, rec.ThreadID, rec.RunID, CodeInterrupted)
	return repaired, true, nil
}

func (c *Coordinator) notify(ctx context.Context, kind eventbus.Kind, h *handle, detail string) {
	c.notifyRun(ctx, kind, h.threadID, h.runID, detail)
}

func (c *Coordinator) notifyRun(ctx context.Context, kind eventbus.Kind, threadID, runID, detail string) {
	if c.bus == nil {
		return
	}
	if _, err := c.bus.Push(eventbus.NoticeInput{Kind: kind, ThreadID: threadID, RunID: runID, Detail: detail}); err != nil {
		log.Debug(ctx, log.KV{K: "msg", V: "publish notice failed"}, log.KV{K: "err", V: err.Error()})
	}
}
