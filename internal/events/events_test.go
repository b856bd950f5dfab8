package events

import (
	"io"
	"log/slog"
	"sync"
	"testing"
)

func newTestEmitter() *Emitter {
	return NewEmitter(slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestOnReceivesMatchingEventsOnly(t *testing.T) {
	t.Parallel()

	em := newTestEmitter()
	var got []string
	em.On(OrderFilled, func(ev Event) {
		got = append(got, ev.Name)
	})

	em.Emit(OrderCreated, nil)
	em.Emit(OrderFilled, nil)
	em.Emit(OrderCancelled, nil)
	em.Emit(OrderFilled, nil)

	if len(got) != 2 {
		t.Fatalf("handler fired %d times, want 2", len(got))
	}
	for _, name := range got {
		if name != OrderFilled {
			t.Errorf("handler saw %q, want %q", name, OrderFilled)
		}
	}
}

func TestOnAnySeesEverything(t *testing.T) {
	t.Parallel()

	em := newTestEmitter()
	var names []string
	em.OnAny(func(ev Event) { names = append(names, ev.Name) })

	em.Emit(Signal, nil)
	em.Emit(Execution, nil)
	em.Emit(RoundComplete, nil)

	want := []string{Signal, Execution, RoundComplete}
	if len(names) != len(want) {
		t.Fatalf("got %d events, want %d", len(names), len(want))
	}
	for i, n := range want {
		if names[i] != n {
			t.Errorf("event[%d] = %q, want %q (emission order must be preserved)", i, names[i], n)
		}
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	t.Parallel()

	em := newTestEmitter()
	count := 0
	off := em.On(PriceUpdate, func(Event) { count++ })

	em.Emit(PriceUpdate, nil)
	off()
	off() // second call must be harmless
	em.Emit(PriceUpdate, nil)

	if count != 1 {
		t.Errorf("handler fired %d times after unsubscribe, want 1", count)
	}
}

func TestHandlerPanicIsSwallowed(t *testing.T) {
	t.Parallel()

	em := newTestEmitter()
	em.On(Error, func(Event) { panic("subscriber bug") })

	fired := false
	em.On(Error, func(Event) { fired = true })

	// Must not panic, and the second handler must still run.
	em.Emit(Error, "boom")

	if !fired {
		t.Error("second handler did not run after first panicked")
	}
}

func TestSubscribeChannelAndCancel(t *testing.T) {
	t.Parallel()

	em := newTestEmitter()
	ch, cancel := em.Subscribe(4)

	em.Emit(Rotate, "next-market")
	em.Emit(Settled, 12.5)

	ev := <-ch
	if ev.Name != Rotate {
		t.Errorf("first event = %q, want %q", ev.Name, Rotate)
	}
	ev = <-ch
	if ev.Name != Settled {
		t.Errorf("second event = %q, want %q", ev.Name, Settled)
	}

	cancel()
	if _, ok := <-ch; ok {
		t.Error("channel should be closed after cancel")
	}

	// Emitting after cancel must not panic on the closed channel.
	em.Emit(Stopped, nil)
}

func TestSubscribeDropsWhenFull(t *testing.T) {
	t.Parallel()

	em := newTestEmitter()
	ch, cancel := em.Subscribe(1)
	defer cancel()

	em.Emit(PriceUpdate, 1)
	em.Emit(PriceUpdate, 2) // buffer full: dropped, must not block

	ev := <-ch
	if ev.Data != 1 {
		t.Errorf("kept event data = %v, want 1", ev.Data)
	}
	select {
	case ev := <-ch:
		t.Errorf("unexpected second event %v, overflow should be dropped", ev.Data)
	default:
	}
}

func TestEmitConcurrentWithSubscriptionChanges(t *testing.T) {
	t.Parallel()

	em := newTestEmitter()
	var wg sync.WaitGroup

	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				off := em.On(StatusChange, func(Event) {})
				em.Emit(StatusChange, j)
				off()
			}
		}()
	}
	wg.Wait()
}
