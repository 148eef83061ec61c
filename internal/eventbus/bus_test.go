package eventbus

import (
	"context"
	"testing"
	"time"
)

func TestBusPushList(t *testing.T) {
	bus := NewBus()

	first, err := bus.Push(NoticeInput{Kind: KindRunStarted, ThreadID: "t1", RunID: "r1"})
	if err != nil {
		t.Fatalf("push first: %v", err)
	}
	if _, err := bus.Push(NoticeInput{Kind: KindRunFinished, ThreadID: "t1", RunID: "r1"}); err != nil {
		t.Fatalf("push second: %v", err)
	}
	if _, err := bus.Push(NoticeInput{Kind: KindRunStarted, ThreadID: "t2", RunID: "r2"}); err != nil {
		t.Fatalf("push third: %v", err)
	}

	items := bus.List(ListOptions{Order: "fifo", ThreadID: "t1"})
	if len(items) != 2 {
		t.Fatalf("expected 2 notices, got %d", len(items))
	}
	if items[0].ID != first.ID {
		t.Fatalf("expected fifo order")
	}

	latest := bus.List(ListOptions{Limit: 1})
	if len(latest) != 1 || latest[0].ThreadID != "t2" {
		t.Fatalf("expected newest notice first, got %+v", latest)
	}
}

func TestBusRejectsInvalidNotices(t *testing.T) {
	bus := NewBus()
	if _, err := bus.Push(NoticeInput{Kind: "bogus", ThreadID: "t"}); err == nil {
		t.Fatalf("expected error for unknown kind")
	}
	if _, err := bus.Push(NoticeInput{Kind: KindRunStarted}); err == nil {
		t.Fatalf("expected error for missing thread")
	}
}

func TestBusHistoryIsBounded(t *testing.T) {
	bus := NewBus(WithHistory(3))
	for i := 0; i < 5; i++ {
		if _, err := bus.Push(NoticeInput{Kind: KindRunStarted, ThreadID: "t"}); err != nil {
			t.Fatalf("push: %v", err)
		}
	}
	if got := len(bus.List(ListOptions{Limit: 10})); got != 3 {
		t.Fatalf("expected 3 retained notices, got %d", got)
	}
}

func TestBusSubscribeFiltersKinds(t *testing.T) {
	bus := NewBus()
	ctx, cancel := context.WithCancel(context.Background())
	ch := bus.Subscribe(ctx, KindRunStopped)

	if _, err := bus.Push(NoticeInput{Kind: KindRunStarted, ThreadID: "t"}); err != nil {
		t.Fatalf("push: %v", err)
	}
	if _, err := bus.Push(NoticeInput{Kind: KindRunStopped, ThreadID: "t"}); err != nil {
		t.Fatalf("push: %v", err)
	}

	select {
	case n := <-ch:
		if n.Kind != KindRunStopped {
			t.Fatalf("expected stopped notice, got %s", n.Kind)
		}
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for notice")
	}

	cancel()
	for range ch {
	}
	if bus.SubscriberCount() != 0 {
		t.Fatalf("expected subscriber to be removed")
	}
}

func TestBusDropsForSlowSubscriber(t *testing.T) {
	bus := NewBus(WithBuffer(1))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ch := bus.Subscribe(ctx)

	for i := 0; i < 3; i++ {
		if _, err := bus.Push(NoticeInput{Kind: KindRunStarted, ThreadID: "t"}); err != nil {
			t.Fatalf("push: %v", err)
		}
	}
	if len(ch) != 1 {
		t.Fatalf("expected one buffered notice, got %d", len(ch))
	}
}
