package order

import (
	"context"
	"log/slog"
	"sync"

	"polyarb/internal/events"
	"polyarb/pkg/types"
)

// Result is what a Handle resolves with, exactly once.
type Result struct {
	Status types.OrderStatus // FILLED, CANCELLED, EXPIRED or REJECTED
	Order  types.Order
	Fills  []types.Fill
	Reason string
}

// Handle is a per-order awaitable. Callbacks are registered fluently and
// invoked as the shared event stream delivers this order's lifecycle;
// callback panics are swallowed so user code cannot corrupt the manager.
// The handle resolves exactly once, on the first terminal event, and then
// detaches from the event stream.
type Handle struct {
	manager *Manager
	logger  *slog.Logger

	mu          sync.Mutex
	orderID     string
	resolved    bool
	result      Result
	done        chan struct{}
	unsubscribe func()

	onAccepted    []func(types.Order)
	onPartialFill []func(types.Fill, types.Order)
	onFilled      []func(Result)
	onRejected    []func(Result)
	onCancelled   []func(Result)
	onExpired     []func(Result)
}

func newHandle(m *Manager, logger *slog.Logger) *Handle {
	return &Handle{
		manager: m,
		logger:  logger,
		done:    make(chan struct{}),
	}
}

// ResolvedHandle returns a handle that resolved with res before it was
// returned. Useful where an order's outcome is known synchronously.
func ResolvedHandle(res Result) *Handle {
	h := &Handle{
		logger:   slog.Default(),
		orderID:  res.Order.OrderID,
		resolved: true,
		result:   res,
		done:     make(chan struct{}),
	}
	close(h.done)
	return h
}

// OnAccepted registers a callback for the order opening on the book.
func (h *Handle) OnAccepted(fn func(types.Order)) *Handle {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.onAccepted = append(h.onAccepted, fn)
	return h
}

// OnPartialFill registers a callback for each partial fill.
func (h *Handle) OnPartialFill(fn func(types.Fill, types.Order)) *Handle {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.onPartialFill = append(h.onPartialFill, fn)
	return h
}

// OnFilled registers a callback for complete execution.
func (h *Handle) OnFilled(fn func(Result)) *Handle {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.onFilled = append(h.onFilled, fn)
	return h
}

// OnRejected registers a callback for validation or submission rejection.
func (h *Handle) OnRejected(fn func(Result)) *Handle {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.onRejected = append(h.onRejected, fn)
	return h
}

// OnCancelled registers a callback for cancellation.
func (h *Handle) OnCancelled(fn func(Result)) *Handle {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.onCancelled = append(h.onCancelled, fn)
	return h
}

// OnExpired registers a callback for GTD expiry.
func (h *Handle) OnExpired(fn func(Result)) *Handle {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.onExpired = append(h.onExpired, fn)
	return h
}

// OrderID returns the venue-assigned order ID, or "" before acceptance.
func (h *Handle) OrderID() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.orderID
}

// Done is closed when the handle resolves.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Wait blocks until resolution or context cancellation.
func (h *Handle) Wait(ctx context.Context) (Result, error) {
	select {
	case <-h.done:
		h.mu.Lock()
		defer h.mu.Unlock()
		return h.result, nil
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

// Result returns the resolution. Valid only after Done is closed.
func (h *Handle) Result() Result {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.result
}

// Cancel requests cancellation of the underlying order. No-op when no
// order ID is known yet or the handle has already resolved.
func (h *Handle) Cancel(ctx context.Context) error {
	h.mu.Lock()
	id := h.orderID
	resolved := h.resolved
	h.mu.Unlock()

	if id == "" || resolved {
		return nil
	}
	return h.manager.CancelOrder(ctx, id)
}

// bind attaches the handle to an order ID and starts filtering the shared
// event stream. Events for other orders are ignored.
func (h *Handle) bind(orderID string, em *events.Emitter) {
	h.mu.Lock()
	h.orderID = orderID
	h.mu.Unlock()

	unsub := em.OnAny(func(ev events.Event) {
		payload, ok := ev.Data.(EventPayload)
		if !ok || payload.OrderID != orderID {
			return
		}
		h.dispatch(ev.Name, payload)
	})

	h.mu.Lock()
	if h.resolved {
		// Terminal event raced ahead of the registration.
		h.mu.Unlock()
		unsub()
		return
	}
	h.unsubscribe = unsub
	h.mu.Unlock()
}

func (h *Handle) dispatch(name string, payload EventPayload) {
	h.mu.Lock()
	if h.resolved {
		h.mu.Unlock()
		return
	}

	switch name {
	case events.OrderOpened:
		callbacks := append([]func(types.Order){}, h.onAccepted...)
		h.mu.Unlock()
		for _, fn := range callbacks {
			h.safely(func() { fn(payload.Order) })
		}
	case events.OrderPartiallyFilled:
		callbacks := append([]func(types.Fill, types.Order){}, h.onPartialFill...)
		h.mu.Unlock()
		if payload.Fill != nil {
			for _, fn := range callbacks {
				h.safely(func() { fn(*payload.Fill, payload.Order) })
			}
		}
	case events.OrderFilled, events.OrderCancelled, events.OrderExpired, events.OrderRejected:
		h.mu.Unlock()
		h.resolve(name, payload)
	default:
		h.mu.Unlock()
	}
}

// resolveRejected short-circuits a handle whose order never left the
// process (validation failure or REST error).
func (h *Handle) resolveRejected(o types.Order, reason string) {
	h.resolve(events.OrderRejected, EventPayload{
		OrderID: o.OrderID,
		Status:  types.StatusRejected,
		Order:   o,
		Reason:  reason,
	})
}

func (h *Handle) resolve(name string, payload EventPayload) {
	h.mu.Lock()
	if h.resolved {
		h.mu.Unlock()
		return
	}
	h.resolved = true
	h.result = Result{
		Status: payload.Status,
		Order:  payload.Order,
		Reason: payload.Reason,
	}
	if h.manager != nil {
		if tr := h.manager.tracker(payload.OrderID); tr != nil {
			h.result.Fills = tr.Fills()
		}
	}
	unsub := h.unsubscribe
	h.unsubscribe = nil

	var callbacks []func(Result)
	switch name {
	case events.OrderFilled:
		callbacks = append(callbacks, h.onFilled...)
	case events.OrderCancelled:
		callbacks = append(callbacks, h.onCancelled...)
	case events.OrderExpired:
		callbacks = append(callbacks, h.onExpired...)
	case events.OrderRejected:
		callbacks = append(callbacks, h.onRejected...)
	}
	result := h.result
	h.mu.Unlock()

	for _, fn := range callbacks {
		h.safely(func() { fn(result) })
	}
	if unsub != nil {
		unsub()
	}
	close(h.done)
}

// safely runs a user callback behind a recover fence.
func (h *Handle) safely(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			h.logger.Error("order callback panicked", "order_id", h.OrderID(), "panic", r)
		}
	}()
	fn()
}
