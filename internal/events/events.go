// Package events provides the in-process event emitter shared by the order
// manager, the strategy engine, and the rotation scheduler.
//
// Event names are part of the engine's public contract: tests and the
// dashboard key off them. Dispatch is synchronous per Emit call so that
// events from one component are observed in emission order; handler panics
// are recovered and logged, never propagated back into the emitting
// component.
package events

import (
	"log/slog"
	"sync"
	"time"
)

// Order lifecycle events emitted by the order manager.
const (
	OrderCreated         = "order_created"
	OrderOpened          = "order_opened"
	OrderPartiallyFilled = "order_partially_filled"
	OrderFilled          = "order_filled"
	OrderCancelled       = "order_cancelled"
	OrderExpired         = "order_expired"
	OrderRejected        = "order_rejected"
	StatusChange         = "status_change"
	TransactionSubmitted = "transaction_submitted"
	TransactionConfirmed = "transaction_confirmed"
)

// Strategy and rotation events.
const (
	Signal        = "signal"
	Execution     = "execution"
	NewRound      = "newRound"
	PriceUpdate   = "priceUpdate"
	RoundComplete = "roundComplete"
	Rotate        = "rotate"
	Settled       = "settled"
	Started       = "started"
	Stopped       = "stopped"
	Error         = "error"
)

// Event is a single named occurrence with an arbitrary typed payload.
type Event struct {
	Name string
	At   time.Time
	Data any
}

// Handler receives events synchronously on the emitting goroutine.
// Handlers must not block; slow consumers should use Subscribe instead.
type Handler func(Event)

// Emitter fans events out to registered handlers and channel subscribers.
// The zero value is not usable; construct with NewEmitter.
type Emitter struct {
	mu       sync.RWMutex
	nextID   int
	byName   map[string]map[int]Handler
	catchAll map[int]Handler
	subs     map[int]chan Event
	logger   *slog.Logger
}

// NewEmitter returns an emitter logging handler failures through logger.
func NewEmitter(logger *slog.Logger) *Emitter {
	return &Emitter{
		byName:   make(map[string]map[int]Handler),
		catchAll: make(map[int]Handler),
		subs:     make(map[int]chan Event),
		logger:   logger.With("component", "events"),
	}
}

// On registers a handler for one event name. The returned function removes
// the registration; calling it more than once is harmless.
func (e *Emitter) On(name string, h Handler) func() {
	e.mu.Lock()
	defer e.mu.Unlock()

	id := e.nextID
	e.nextID++
	if e.byName[name] == nil {
		e.byName[name] = make(map[int]Handler)
	}
	e.byName[name][id] = h

	var once sync.Once
	return func() {
		once.Do(func() {
			e.mu.Lock()
			defer e.mu.Unlock()
			delete(e.byName[name], id)
		})
	}
}

// OnAny registers a handler for every event regardless of name.
func (e *Emitter) OnAny(h Handler) func() {
	e.mu.Lock()
	defer e.mu.Unlock()

	id := e.nextID
	e.nextID++
	e.catchAll[id] = h

	var once sync.Once
	return func() {
		once.Do(func() {
			e.mu.Lock()
			defer e.mu.Unlock()
			delete(e.catchAll, id)
		})
	}
}

// Subscribe returns a buffered channel receiving every event. If the buffer
// is full the event is dropped for that subscriber with a warning; the
// emitter never blocks on slow consumers. The returned cancel function
// closes the channel.
func (e *Emitter) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 64
	}
	ch := make(chan Event, buffer)

	e.mu.Lock()
	id := e.nextID
	e.nextID++
	e.subs[id] = ch
	e.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			e.mu.Lock()
			delete(e.subs, id)
			e.mu.Unlock()
			close(ch)
		})
	}
	return ch, cancel
}

// Emit delivers the event to all handlers for its name, all catch-all
// handlers, and all channel subscribers. Never blocks and never panics.
func (e *Emitter) Emit(name string, data any) {
	ev := Event{Name: name, At: time.Now(), Data: data}

	e.mu.RLock()
	handlers := make([]Handler, 0, len(e.byName[name])+len(e.catchAll))
	for _, h := range e.byName[name] {
		handlers = append(handlers, h)
	}
	for _, h := range e.catchAll {
		handlers = append(handlers, h)
	}
	chans := make([]chan Event, 0, len(e.subs))
	for _, ch := range e.subs {
		chans = append(chans, ch)
	}
	e.mu.RUnlock()

	for _, h := range handlers {
		e.invoke(h, ev)
	}
	for _, ch := range chans {
		select {
		case ch <- ev:
		default:
			e.logger.Warn("subscriber buffer full, dropping event", "event", name)
		}
	}
}

// invoke runs one handler behind a recover fence. Subscriber panics must
// not reach the emitting component.
func (e *Emitter) invoke(h Handler, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("event handler panicked", "event", ev.Name, "panic", r)
		}
	}()
	h(ev)
}
