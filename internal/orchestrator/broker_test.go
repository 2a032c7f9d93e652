package orchestrator_test

import (
	"testing"

	"github.com/seantiz/foreman/internal/model"
	"github.com/seantiz/foreman/internal/orchestrator"
)

func ev(t model.EventType) model.Event {
	return model.NewEvent(t, nil)
}

func TestBrokerSingleSubscriber(t *testing.T) {
	b := orchestrator.NewBroker()
	ch, unsub := b.Subscribe("e1", "conn-1")
	defer unsub()

	types := []model.EventType{model.EventExecutionStarted, model.EventStepStarted, model.EventStepCompleted}
	for _, typ := range types {
		b.Publish("e1", ev(typ))
	}
	b.Close("e1")

	var got []model.EventType
	for e := range ch {
		got = append(got, e.Type)
	}

	if len(got) != len(types) {
		t.Fatalf("got %d events, want %d", len(got), len(types))
	}
	for i, typ := range got {
		if typ != types[i] {
			t.Errorf("event[%d] = %q, want %q", i, typ, types[i])
		}
	}
}

func TestBrokerMultipleSubscribersSameOrder(t *testing.T) {
	b := orchestrator.NewBroker()
	ch1, unsub1 := b.Subscribe("e1", "conn-1")
	defer unsub1()
	ch2, unsub2 := b.Subscribe("e1", "conn-2")
	defer unsub2()

	types := []model.EventType{
		model.EventExecutionStarted,
		model.EventStepStarted,
		model.EventStepProgress,
		model.EventStepCompleted,
		model.EventExecutionCompleted,
	}
	for _, typ := range types {
		b.Publish("e1", ev(typ))
	}
	b.Close("e1")

	collect := func(ch <-chan model.Event) []model.EventType {
		var out []model.EventType
		for e := range ch {
			out = append(out, e.Type)
		}
		return out
	}

	got1 := collect(ch1)
	got2 := collect(ch2)

	if len(got1) != len(types) || len(got2) != len(types) {
		t.Fatalf("got %d and %d events, want %d each", len(got1), len(got2), len(types))
	}
	for i := range types {
		if got1[i] != got2[i] {
			t.Errorf("event[%d] differs between subscribers: %q vs %q", i, got1[i], got2[i])
		}
		if got1[i] != types[i] {
			t.Errorf("event[%d] = %q, want %q", i, got1[i], types[i])
		}
	}
}

func TestBrokerPublishNoSubscribersIsNoop(t *testing.T) {
	b := orchestrator.NewBroker()
	// Must not panic or block.
	b.Publish("nonexistent", ev(model.EventStepProgress))
	b.Close("nonexistent")
}

func TestBrokerUnsubscribeStopsDelivery(t *testing.T) {
	b := orchestrator.NewBroker()
	ch, unsub := b.Subscribe("e1", "conn-1")
	unsub()
	// A second unsubscribe is safe.
	unsub()

	b.Publish("e1", ev(model.EventStepStarted))
	b.Close("e1")

	select {
	case e, ok := <-ch:
		if ok {
			t.Errorf("got unexpected event %q after unsubscribe", e.Type)
		}
	default:
		// No data — expected.
	}
}

func TestBrokerCloseClosesChannels(t *testing.T) {
	b := orchestrator.NewBroker()
	ch, unsub := b.Subscribe("e1", "conn-1")
	defer unsub()

	b.Close("e1")

	_, ok := <-ch
	if ok {
		t.Error("channel should be closed after Close()")
	}
}

func TestBrokerLateSubscriberGetsClosedChannel(t *testing.T) {
	b := orchestrator.NewBroker()
	b.Publish("e1", ev(model.EventExecutionStarted))
	b.Close("e1")

	ch, unsub := b.Subscribe("e1", "conn-late")
	defer unsub()

	_, ok := <-ch
	if ok {
		t.Error("late subscriber should get a closed channel")
	}
}

func TestBrokerSubscriberIsolation(t *testing.T) {
	b := orchestrator.NewBroker()
	ch1, unsub1 := b.Subscribe("e1", "conn-1")
	defer unsub1()

	// A subscriber on a different execution must not receive e1's events.
	ch2, unsub2 := b.Subscribe("e2", "conn-2")
	defer unsub2()

	b.Publish("e1", ev(model.EventStepStarted))
	b.Close("e1")
	b.Close("e2")

	var got1 int
	for range ch1 {
		got1++
	}
	var got2 int
	for range ch2 {
		got2++
	}

	if got1 != 1 {
		t.Errorf("e1 subscriber got %d events, want 1", got1)
	}
	if got2 != 0 {
		t.Errorf("e2 subscriber got %d events, want 0", got2)
	}
}

func TestBrokerSubscriberCount(t *testing.T) {
	b := orchestrator.NewBroker()
	if n := b.SubscriberCount("e1"); n != 0 {
		t.Errorf("SubscriberCount = %d, want 0", n)
	}

	_, unsub1 := b.Subscribe("e1", "conn-1")
	_, unsub2 := b.Subscribe("e1", "conn-2")
	if n := b.SubscriberCount("e1"); n != 2 {
		t.Errorf("SubscriberCount = %d, want 2", n)
	}

	unsub1()
	unsub2()
	if n := b.SubscriberCount("e1"); n != 0 {
		t.Errorf("SubscriberCount after unsubscribe = %d, want 0", n)
	}
}
