package e2e

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"testing"
	"time"

	"github.com/flitsinc/runledger/internal/agents"
	"github.com/flitsinc/runledger/internal/api"
	"github.com/flitsinc/runledger/internal/delta"
	"github.com/flitsinc/runledger/internal/eventbus"
	"github.com/flitsinc/runledger/internal/events"
	"github.com/flitsinc/runledger/internal/runlog"
	"github.com/flitsinc/runledger/internal/runner"
	"github.com/flitsinc/runledger/internal/state"
	"github.com/flitsinc/runledger/internal/testutil"
)

// process is one daemon lifetime over a shared database.
type process struct {
	coord  *runner.Coordinator
	client *http.Client
}

func start(t *testing.T, store runlog.Store) *process {
	t.Helper()
	bus := eventbus.NewBus()
	coord := runner.New(store, runner.WithBus(bus), runner.WithTracker(delta.NewTracker(store)))
	server := &api.Server{Coordinator: coord, Store: store, Bus: bus, Agents: agents.DefaultRegistry(), StartedAt: time.Now()}
	return &process{coord: coord, client: testutil.NewInProcessClient(server.Handler())}
}

func (p *process) stop(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := p.coord.Close(ctx); err != nil {
		t.Fatalf("close coordinator: %v", err)
	}
}

func TestRunFlowAcrossRestarts(t *testing.T) {
	db, closeFn := testutil.OpenTestDB(t)
	defer closeFn()
	store := state.NewStore(db)

	// A run left without a terminal event by a crashed process.
	orphan := runlog.Record{
		ThreadID: "chat-1",
		RunID:    "orphan",
		Events: []events.Event{
			events.NewRunStarted(events.RunInput{
				ThreadID: "chat-1",
				RunID:    "orphan",
				Messages: []events.Message{{ID: "u0", Role: "user", Content: "are you there"}},
			}),
			events.NewTextMessageStart("m0", "assistant"),
			events.NewToolCallStart("tc0", "lookup", "m0"),
		},
		CreatedAt: time.Now().Add(-time.Minute),
	}
	if err := store.Put(context.Background(), orphan); err != nil {
		t.Fatalf("put orphan: %v", err)
	}

	first := start(t, store)
	streamed := runThread(t, first.client, "chat-1", []events.Message{
		{ID: "u0", Role: "user", Content: "are you there"},
		{ID: "u1", Role: "user", Content: "hello"},
	})
	if got := streamed[0].Input.Messages; len(got) != 1 || got[0].ID != "u1" {
		t.Fatalf("first run input should only carry u1, got %+v", got)
	}
	first.stop(t)

	second := start(t, store)
	streamed = runThread(t, second.client, "chat-1", []events.Message{
		{ID: "u0", Role: "user", Content: "are you there"},
		{ID: "u1", Role: "user", Content: "hello"},
		{ID: "u2", Role: "user", Content: "again"},
	})
	if got := streamed[0].Input.Messages; len(got) != 1 || got[0].ID != "u2" {
		t.Fatalf("run after restart should only carry u2, got %+v", got)
	}
	defer second.stop(t)

	resp := doJSON(t, second.client, "GET", "/api/threads/chat-1/runs", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("list status: %d", resp.StatusCode)
	}
	var recs []runlog.Record
	decodeJSON(t, resp, &recs)
	if len(recs) != 3 {
		t.Fatalf("expected 3 runs, got %d", len(recs))
	}

	repaired := recs[0].Events
	var tail []events.Type
	for _, e := range repaired[3:] {
		tail = append(tail, e.Type)
	}
	want := []events.Type{events.ToolCallEnd, events.ToolCallResult, events.TextMessageEnd, events.RunError}
	if len(tail) != len(want) {
		t.Fatalf("unexpected repair tail %v", tail)
	}
	for i := range want {
		if tail[i] != want[i] {
			t.Fatalf("unexpected repair tail %v", tail)
		}
	}
	if last := repaired[len(repaired)-1]; last.Code != runner.CodeInterrupted {
		t.Fatalf("repaired run ends with code %q", last.Code)
	}
	for _, rec := range recs[1:] {
		if !rec.Terminated() {
			t.Fatalf("run %s not terminated", rec.RunID)
		}
	}
}

func runThread(t *testing.T, client *http.Client, threadID string, msgs []events.Message) []events.Event {
	t.Helper()
	resp := doJSON(t, client, "POST", "/api/threads/"+threadID+"/runs", map[string]any{"agent": "echo", "messages": msgs})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("run status: %d", resp.StatusCode)
	}
	body, err := testutil.ReadAll(resp)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	streamed, err := testutil.DecodeLines[events.Event](body)
	if err != nil {
		t.Fatalf("decode stream: %v", err)
	}
	if len(streamed) == 0 || streamed[0].Type != events.RunStarted || streamed[0].Input == nil {
		t.Fatalf("stream does not open with RUN_STARTED: %+v", streamed)
	}
	if last := streamed[len(streamed)-1]; last.Type != events.RunFinished {
		t.Fatalf("stream ends with %s", last.Type)
	}
	return streamed
}

func doJSON(t *testing.T, client *http.Client, method, path string, payload any) *http.Response {
	t.Helper()
	var body *bytes.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		body = bytes.NewReader(data)
	} else {
		body = bytes.NewReader(nil)
	}
	req, err := http.NewRequestWithContext(context.Background(), method, "http://in-process"+path, body)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	return resp
}

func decodeJSON(t *testing.T, resp *http.Response, dest any) {
	t.Helper()
	defer resp.Body.Close()
	dec := json.NewDecoder(resp.Body)
	if err := dec.Decode(dest); err != nil {
		t.Fatalf("decode response: %v", err)
	}
}
