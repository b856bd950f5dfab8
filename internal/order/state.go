package order

import (
	"fmt"
	"strconv"
	"sync"
	"time"

	"polyarb/internal/events"
	"polyarb/pkg/types"
)

// Meta is caller-supplied context carried on every event for an order.
// Kind tells downstream handlers the expected lifecycle shape (a FOK order
// never passes through OPEN); Tag is free-form, e.g. a strategy leg label.
type Meta struct {
	Kind types.OrderKind
	Tag  string
}

// EventPayload is the Data carried by every order lifecycle event.
type EventPayload struct {
	OrderID          string            `json:"order_id"`
	Status           types.OrderStatus `json:"status"`
	From             types.OrderStatus `json:"from,omitempty"`
	Order            types.Order       `json:"order"`
	Fill             *types.Fill       `json:"fill,omitempty"`
	CumulativeFilled float64           `json:"cumulative_filled"`
	IsCompleteFill   bool              `json:"is_complete_fill,omitempty"`
	CancelledSize    float64           `json:"cancelled_size,omitempty"`
	Reason           string            `json:"reason,omitempty"`
	Err              string            `json:"err,omitempty"`
	Meta             Meta              `json:"-"`
}

// Emission is one event the tracker wants published. The manager attaches
// metadata and forwards it to the process emitter.
type Emission struct {
	Name    string
	Payload EventPayload
}

// validNext encodes the transition diagram. FOK/FAK orders jump straight
// from PENDING to their terminal outcome; GTD orders can expire from any
// resting state.
var validNext = map[types.OrderStatus]map[types.OrderStatus]bool{
	types.StatusPending: {
		types.StatusOpen:            true,
		types.StatusPartiallyFilled: true,
		types.StatusFilled:          true,
		types.StatusCancelled:       true,
		types.StatusRejected:        true,
	},
	types.StatusOpen: {
		types.StatusPartiallyFilled: true,
		types.StatusFilled:          true,
		types.StatusCancelled:       true,
		types.StatusExpired:         true,
	},
	types.StatusPartiallyFilled: {
		types.StatusFilled:    true,
		types.StatusCancelled: true,
		types.StatusExpired:   true,
	},
}

// Tracker reconciles one order's state from three asynchronous sources:
// user WebSocket events, REST polling, and chain settlement. Whichever
// source reports a fill first wins; later reports of the same fill are
// deduplicated by a (key, kind, salt) processed set, with fills keyed by
// the post-fill cumulative size so the sources share one key space.
type Tracker struct {
	mu              sync.Mutex
	order           types.Order
	fills           []types.Fill
	meta            Meta
	processed       map[string]struct{}
	cancelRequested bool
}

// NewTracker starts tracking an order that was just accepted by REST.
func NewTracker(o types.Order, meta Meta) *Tracker {
	if o.Status == "" {
		o.Status = types.StatusPending
	}
	if o.RemainingSize == 0 && o.FilledSize == 0 {
		o.RemainingSize = o.OriginalSize
	}
	return &Tracker{
		order:     o,
		meta:      meta,
		processed: make(map[string]struct{}),
	}
}

// Order returns a copy of the current order state.
func (t *Tracker) Order() types.Order {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.order
}

// Fills returns the fills observed so far, in arrival order.
func (t *Tracker) Fills() []types.Fill {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]types.Fill, len(t.fills))
	copy(out, t.fills)
	return out
}

// Meta returns the caller-supplied metadata.
func (t *Tracker) Meta() Meta { return t.meta }

// Terminal reports whether the order has reached a terminal status.
func (t *Tracker) Terminal() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.order.Status.IsTerminal()
}

// RequestCancel marks that the user asked for cancellation. From here on
// the tracker only accepts terminal-entering signals; the cancellation
// itself is reported with reason "user" instead of "system".
func (t *Tracker) RequestCancel() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.cancelRequested = true
}

// seen records a processed-event key, returning false when the key was
// already present.
func (t *Tracker) seen(key string) bool {
	if _, ok := t.processed[key]; ok {
		return false
	}
	t.processed[key] = struct{}{}
	return true
}

// ApplyUserOrder ingests a user-channel order event. PLACEMENT opens the
// order, UPDATE credits the matched-size delta as a fill at the limit
// price, CANCELLATION terminates it.
func (t *Tracker) ApplyUserOrder(ev *types.WSOrderEvent) []Emission {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.seen(ev.ID + "|order|" + ev.Timestamp) {
		return nil
	}

	switch ev.Type {
	case "PLACEMENT":
		return t.transition(types.StatusOpen, "")
	case "UPDATE":
		matched := parseSize(ev.SizeMatched)
		price := parseSize(ev.Price)
		if price <= 0 {
			price = t.order.Price
		}
		delta := matched - t.order.FilledSize
		if delta <= 1e-9 {
			return nil
		}
		return t.creditFill(delta, price, "", "", "", time.Now())
	case "CANCELLATION":
		reason := "system"
		if t.cancelRequested {
			reason = "user"
		}
		return t.transition(types.StatusCancelled, reason)
	default:
		return nil
	}
}

// ApplyUserTrade materializes a fill from a user-channel trade event.
// Size and price are the portion attributable to this order (for maker
// fills the caller extracts them from the matching maker_orders entry).
func (t *Tracker) ApplyUserTrade(ev *types.WSTradeEvent, size, price float64) []Emission {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.seen(ev.ID + "|trade|" + ev.Timestamp) {
		return nil
	}
	if size <= 0 {
		return nil
	}
	return t.creditFill(size, price, ev.ID, ev.TxHash, types.TradeStatus(ev.Status), time.Now())
}

// ApplyPoll reconciles the REST view of the order: a filledSize increase
// synthesizes one fill for the delta at the limit price, then any status
// difference is validated and applied. The synthesized fill carries a
// polling_<size> trade ID so a later WS replay of the same fill dedups.
func (t *Tracker) ApplyPoll(oo *types.OpenOrder) []Emission {
	t.mu.Lock()
	defer t.mu.Unlock()

	matched := parseSize(oo.SizeMatched)
	if orig := parseSize(oo.OriginalSize); orig > 0 && t.order.OriginalSize == 0 {
		t.order.OriginalSize = orig
		t.order.RemainingSize = orig
	}

	var out []Emission
	if delta := matched - t.order.FilledSize; delta > 1e-9 {
		tradeID := "polling_" + strconv.FormatFloat(matched, 'f', -1, 64)
		out = append(out, t.creditFill(delta, t.order.Price, tradeID, "", "", time.Now())...)
	}

	status := pollStatus(oo.Status, matched)
	if status != "" && status != t.order.Status {
		reason := ""
		if status == types.StatusCancelled {
			reason = "system"
			if t.cancelRequested {
				reason = "user"
			}
		}
		out = append(out, t.transition(status, reason)...)
	}
	return out
}

// ConfirmCancelled applies a REST-confirmed user cancellation.
func (t *Tracker) ConfirmCancelled() []Emission {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.cancelRequested = true
	return t.transition(types.StatusCancelled, "user")
}

// MarkExpired applies a GTD expiry observed by the manager.
func (t *Tracker) MarkExpired() []Emission {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.transition(types.StatusExpired, "")
}

// creditFill applies one fill, deduplicated by the post-fill cumulative
// size. Completion holds when the reported status is FILLED, remaining
// drops to zero, or cumulative reaches the original size (for limit
// orders; market originals are quote-denominated so that clause is
// skipped there). Caller holds t.mu.
func (t *Tracker) creditFill(size, price float64, tradeID, txHash string, status types.TradeStatus, at time.Time) []Emission {
	post := t.order.FilledSize + size
	if !t.seen(fmt.Sprintf("%s|fill|%.6f", t.order.OrderID, post)) {
		return nil
	}

	t.order.FilledSize = post
	t.order.RemainingSize -= size
	if t.order.RemainingSize < 0 {
		t.order.RemainingSize = 0
	}
	t.order.UpdatedAt = at
	if tradeID != "" {
		t.order.TradeIDs = append(t.order.TradeIDs, tradeID)
	}

	fill := types.Fill{TradeID: tradeID, Size: size, Price: price, TxHash: txHash, Status: status, At: at}
	t.fills = append(t.fills, fill)

	complete := t.order.RemainingSize <= 1e-9
	if !t.order.Kind.IsMarket() && post >= t.order.OriginalSize-1e-9 {
		complete = true
	}

	target := types.StatusPartiallyFilled
	name := events.OrderPartiallyFilled
	if complete {
		target = types.StatusFilled
		name = events.OrderFilled
	}

	from := t.order.Status
	if target != t.order.Status {
		if !t.allowed(from, target) {
			return []Emission{t.errorEmission(from, target)}
		}
		t.order.Status = target
	}

	payload := t.payload()
	payload.From = from
	payload.Fill = &fill
	payload.IsCompleteFill = complete

	out := []Emission{{Name: name, Payload: payload}}
	if target != from {
		out = append(out, Emission{Name: events.StatusChange, Payload: payload})
	}
	return out
}

// transition moves the order to a new status, emitting the typed event
// plus a status_change. Invalid transitions produce an error emission and
// leave the state untouched. Caller holds t.mu.
func (t *Tracker) transition(to types.OrderStatus, reason string) []Emission {
	from := t.order.Status
	if from == to {
		return nil
	}
	if !t.allowed(from, to) {
		return []Emission{t.errorEmission(from, to)}
	}
	if t.cancelRequested && !to.IsTerminal() {
		// Cancellation in flight: only the terminal confirmation may land.
		return nil
	}

	t.order.Status = to
	t.order.UpdatedAt = time.Now()

	payload := t.payload()
	payload.From = from
	payload.Reason = reason
	if to == types.StatusCancelled {
		payload.CancelledSize = t.order.OriginalSize - t.order.FilledSize
		if t.order.Kind.IsMarket() {
			payload.CancelledSize = t.order.RemainingSize
		}
	}

	return []Emission{
		{Name: statusEventName(to), Payload: payload},
		{Name: events.StatusChange, Payload: payload},
	}
}

func (t *Tracker) allowed(from, to types.OrderStatus) bool {
	return validNext[from][to]
}

func (t *Tracker) errorEmission(from, to types.OrderStatus) Emission {
	payload := t.payload()
	payload.From = from
	payload.Err = fmt.Sprintf("invalid transition %s -> %s for order %s", from, to, t.order.OrderID)
	return Emission{Name: events.Error, Payload: payload}
}

func (t *Tracker) payload() EventPayload {
	return EventPayload{
		OrderID:          t.order.OrderID,
		Status:           t.order.Status,
		Order:            t.order,
		CumulativeFilled: t.order.FilledSize,
		Meta:             t.meta,
	}
}

// statusEventName maps a status to its contractual event name.
func statusEventName(s types.OrderStatus) string {
	switch s {
	case types.StatusOpen:
		return events.OrderOpened
	case types.StatusPartiallyFilled:
		return events.OrderPartiallyFilled
	case types.StatusFilled:
		return events.OrderFilled
	case types.StatusCancelled:
		return events.OrderCancelled
	case types.StatusExpired:
		return events.OrderExpired
	case types.StatusRejected:
		return events.OrderRejected
	default:
		return events.StatusChange
	}
}

// pollStatus maps the REST order status vocabulary onto the engine's.
// LIVE with matched size means a resting partial fill.
func pollStatus(rest string, matched float64) types.OrderStatus {
	switch rest {
	case "LIVE", "DELAYED":
		if matched > 0 {
			return types.StatusPartiallyFilled
		}
		return types.StatusOpen
	case "MATCHED":
		return types.StatusFilled
	case "CANCELED", "CANCELLED":
		return types.StatusCancelled
	case "EXPIRED":
		return types.StatusExpired
	default:
		return ""
	}
}

func parseSize(s string) float64 {
	if s == "" {
		return 0
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0
	}
	return v
}
