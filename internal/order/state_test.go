package order

import (
	"testing"
	"time"

	"polyarb/internal/events"
	"polyarb/pkg/types"
)

func newLimitTracker(size float64) *Tracker {
	return NewTracker(types.Order{
		OrderID:       "ord-1",
		TokenID:       "tok",
		Side:          types.BUY,
		Price:         0.50,
		OriginalSize:  size,
		RemainingSize: size,
		Kind:          types.KindGTC,
		Status:        types.StatusPending,
	}, Meta{Kind: types.KindGTC})
}

func names(ems []Emission) []string {
	out := make([]string, len(ems))
	for i, em := range ems {
		out[i] = em.Name
	}
	return out
}

func countName(ems []Emission, name string) int {
	n := 0
	for _, em := range ems {
		if em.Name == name {
			n++
		}
	}
	return n
}

func TestPlacementOpensOrder(t *testing.T) {
	t.Parallel()

	tr := newLimitTracker(100)
	ems := tr.ApplyUserOrder(&types.WSOrderEvent{
		ID: "ord-1", Type: "PLACEMENT", Timestamp: "1700000000000",
	})
	if countName(ems, events.OrderOpened) != 1 {
		t.Fatalf("emissions = %v, want one order_opened", names(ems))
	}
	if got := tr.Order().Status; got != types.StatusOpen {
		t.Errorf("status = %s, want OPEN", got)
	}

	// Replayed PLACEMENT with the same timestamp is a duplicate.
	if ems := tr.ApplyUserOrder(&types.WSOrderEvent{
		ID: "ord-1", Type: "PLACEMENT", Timestamp: "1700000000000",
	}); len(ems) != 0 {
		t.Errorf("duplicate placement emitted %v", names(ems))
	}
}

// S1: partial fill observed through polling only.
func TestPollingPartialFill(t *testing.T) {
	t.Parallel()

	tr := newLimitTracker(100)
	ems := tr.ApplyPoll(&types.OpenOrder{
		ID: "ord-1", Status: "LIVE", OriginalSize: "100", SizeMatched: "0",
	})
	if countName(ems, events.OrderOpened) != 1 {
		t.Fatalf("first poll emissions = %v, want order_opened", names(ems))
	}

	ems = tr.ApplyPoll(&types.OpenOrder{
		ID: "ord-1", Status: "LIVE", OriginalSize: "100", SizeMatched: "50",
	})
	if countName(ems, events.OrderPartiallyFilled) != 1 {
		t.Fatalf("second poll emissions = %v, want one order_partially_filled", names(ems))
	}
	var partial Emission
	for _, em := range ems {
		if em.Name == events.OrderPartiallyFilled {
			partial = em
		}
	}
	if partial.Payload.Fill == nil || partial.Payload.Fill.Size != 50 {
		t.Fatalf("fill = %+v, want size 50", partial.Payload.Fill)
	}
	if partial.Payload.CumulativeFilled != 50 {
		t.Errorf("cumulative = %v, want 50", partial.Payload.CumulativeFilled)
	}
	if partial.Payload.IsCompleteFill {
		t.Error("partial fill marked complete")
	}
	if got := partial.Payload.Fill.TradeID; got != "polling_50" {
		t.Errorf("trade id = %q, want polling_50", got)
	}

	// Unchanged state polls emit nothing.
	for i := 0; i < 3; i++ {
		if ems := tr.ApplyPoll(&types.OpenOrder{
			ID: "ord-1", Status: "LIVE", OriginalSize: "100", SizeMatched: "50",
		}); len(ems) != 0 {
			t.Fatalf("steady-state poll %d emitted %v", i, names(ems))
		}
	}

	o := tr.Order()
	if o.FilledSize+o.RemainingSize != o.OriginalSize {
		t.Errorf("filled %v + remaining %v != original %v", o.FilledSize, o.RemainingSize, o.OriginalSize)
	}
}

// S2: FOK market order jumps straight from PENDING to FILLED.
func TestMarketFOKInstantComplete(t *testing.T) {
	t.Parallel()

	tr := NewTracker(types.Order{
		OrderID:      "ord-2",
		TokenID:      "tok",
		Side:         types.BUY,
		Price:        0.50,
		OriginalSize: 10, // quote currency
		Kind:         types.KindFOK,
		Status:       types.StatusPending,
	}, Meta{Kind: types.KindFOK})

	ems := tr.ApplyPoll(&types.OpenOrder{
		ID: "ord-2", Status: "MATCHED", OriginalSize: "10", SizeMatched: "20",
	})
	if countName(ems, events.OrderFilled) != 1 {
		t.Fatalf("emissions = %v, want one order_filled", names(ems))
	}
	if countName(ems, events.OrderOpened) != 0 {
		t.Error("FOK order must not pass through OPEN")
	}
	for _, em := range ems {
		if em.Name == events.OrderFilled && !em.Payload.IsCompleteFill {
			t.Error("order_filled without isCompleteFill")
		}
	}
	if got := tr.Order().Status; got != types.StatusFilled {
		t.Errorf("status = %s, want FILLED", got)
	}
}

// S3: FAK partial fill, then the venue cancels the residual.
func TestFAKPartialThenCancel(t *testing.T) {
	t.Parallel()

	tr := NewTracker(types.Order{
		OrderID:       "ord-3",
		TokenID:       "tok",
		Side:          types.BUY,
		Price:         0.50,
		OriginalSize:  100,
		RemainingSize: 100,
		Kind:          types.KindFAK,
		Status:        types.StatusPending,
	}, Meta{Kind: types.KindFAK})

	first := tr.ApplyUserOrder(&types.WSOrderEvent{
		ID: "ord-3", Type: "UPDATE", SizeMatched: "60", Price: "0.50", Timestamp: "1",
	})
	if countName(first, events.OrderPartiallyFilled) != 1 {
		t.Fatalf("first update emissions = %v, want one partial fill", names(first))
	}

	second := tr.ApplyUserOrder(&types.WSOrderEvent{
		ID: "ord-3", Type: "CANCELLATION", SizeMatched: "60", Timestamp: "2",
	})
	if countName(second, events.OrderCancelled) != 1 {
		t.Fatalf("cancellation emissions = %v, want one order_cancelled", names(second))
	}
	for _, em := range second {
		if em.Name != events.OrderCancelled {
			continue
		}
		if em.Payload.Order.FilledSize != 60 {
			t.Errorf("filledSize = %v, want 60", em.Payload.Order.FilledSize)
		}
		if em.Payload.CancelledSize != 40 {
			t.Errorf("cancelledSize = %v, want 40", em.Payload.CancelledSize)
		}
		if em.Payload.Reason != "system" {
			t.Errorf("reason = %q, want system", em.Payload.Reason)
		}
	}
}

// S6: a fill observed by polling must not be re-emitted when the WS
// replays the same cumulative size after reconnect.
func TestPollThenWSReplayDedup(t *testing.T) {
	t.Parallel()

	tr := newLimitTracker(100)
	tr.ApplyPoll(&types.OpenOrder{ID: "ord-1", Status: "LIVE", OriginalSize: "100", SizeMatched: "0"})
	tr.ApplyPoll(&types.OpenOrder{ID: "ord-1", Status: "LIVE", OriginalSize: "100", SizeMatched: "50"})
	ems := tr.ApplyPoll(&types.OpenOrder{ID: "ord-1", Status: "MATCHED", OriginalSize: "100", SizeMatched: "100"})
	if countName(ems, events.OrderFilled) != 1 {
		t.Fatalf("final poll emissions = %v, want order_filled", names(ems))
	}

	// WS reconnect replays the terminal UPDATE.
	replay := tr.ApplyUserOrder(&types.WSOrderEvent{
		ID: "ord-1", Type: "UPDATE", SizeMatched: "100", Price: "0.50", Timestamp: "99",
	})
	if len(replay) != 0 {
		t.Errorf("replayed UPDATE emitted %v, want nothing", names(replay))
	}
	if got := tr.Order().FilledSize; got != 100 {
		t.Errorf("filledSize = %v, want 100 (no double count)", got)
	}
}

func TestFillDedupAcrossSources(t *testing.T) {
	t.Parallel()

	// The same post-fill size arriving via trade event and poll counts once.
	tr := newLimitTracker(100)
	tr.ApplyUserOrder(&types.WSOrderEvent{ID: "ord-1", Type: "PLACEMENT", Timestamp: "0"})

	ems := tr.ApplyUserTrade(&types.WSTradeEvent{
		ID: "trade-1", Status: "MATCHED", Timestamp: "1",
	}, 40, 0.50)
	if countName(ems, events.OrderPartiallyFilled) != 1 {
		t.Fatalf("trade emissions = %v", names(ems))
	}

	ems = tr.ApplyPoll(&types.OpenOrder{ID: "ord-1", Status: "LIVE", OriginalSize: "100", SizeMatched: "40"})
	if countName(ems, events.OrderPartiallyFilled) != 0 {
		t.Errorf("poll re-emitted the same fill: %v", names(ems))
	}
	if got := tr.Order().FilledSize; got != 40 {
		t.Errorf("filledSize = %v, want 40", got)
	}
}

func TestFillSizesSumToFilledSize(t *testing.T) {
	t.Parallel()

	tr := newLimitTracker(100)
	tr.ApplyUserOrder(&types.WSOrderEvent{ID: "ord-1", Type: "PLACEMENT", Timestamp: "0"})
	tr.ApplyUserTrade(&types.WSTradeEvent{ID: "t1", Timestamp: "1"}, 30, 0.50)
	tr.ApplyUserTrade(&types.WSTradeEvent{ID: "t2", Timestamp: "2"}, 30, 0.50)
	tr.ApplyUserTrade(&types.WSTradeEvent{ID: "t3", Timestamp: "3"}, 40, 0.50)

	var sum float64
	for _, f := range tr.Fills() {
		sum += f.Size
	}
	o := tr.Order()
	if sum != o.FilledSize {
		t.Errorf("fill sizes sum %v != filledSize %v", sum, o.FilledSize)
	}
	if o.Status != types.StatusFilled {
		t.Errorf("status = %s, want FILLED", o.Status)
	}
	if got := len(o.TradeIDs); got != 3 {
		t.Errorf("trade ids = %d, want 3", got)
	}
}

func TestInvalidTransitionEmitsErrorWithoutMutation(t *testing.T) {
	t.Parallel()

	tr := newLimitTracker(100)
	tr.ApplyPoll(&types.OpenOrder{ID: "ord-1", Status: "MATCHED", OriginalSize: "100", SizeMatched: "100"})
	if got := tr.Order().Status; got != types.StatusFilled {
		t.Fatalf("setup status = %s", got)
	}

	// FILLED is terminal; a late OPEN report must not move it.
	ems := tr.ApplyPoll(&types.OpenOrder{ID: "ord-1", Status: "LIVE", OriginalSize: "100", SizeMatched: "100"})
	if countName(ems, events.Error) != 1 {
		t.Fatalf("emissions = %v, want one error", names(ems))
	}
	if got := tr.Order().Status; got != types.StatusFilled {
		t.Errorf("status mutated to %s after invalid transition", got)
	}
}

func TestCancellationReasonUserVsSystem(t *testing.T) {
	t.Parallel()

	system := newLimitTracker(100)
	system.ApplyUserOrder(&types.WSOrderEvent{ID: "ord-1", Type: "PLACEMENT", Timestamp: "0"})
	ems := system.ApplyUserOrder(&types.WSOrderEvent{ID: "ord-1", Type: "CANCELLATION", Timestamp: "1"})
	for _, em := range ems {
		if em.Name == events.OrderCancelled && em.Payload.Reason != "system" {
			t.Errorf("reason = %q, want system", em.Payload.Reason)
		}
	}

	user := newLimitTracker(100)
	user.ApplyUserOrder(&types.WSOrderEvent{ID: "ord-1", Type: "PLACEMENT", Timestamp: "0"})
	user.RequestCancel()
	ems = user.ApplyUserOrder(&types.WSOrderEvent{ID: "ord-1", Type: "CANCELLATION", Timestamp: "1"})
	for _, em := range ems {
		if em.Name == events.OrderCancelled && em.Payload.Reason != "user" {
			t.Errorf("reason = %q, want user", em.Payload.Reason)
		}
	}
}

func TestCancelRequestedBlocksNonTerminalTransitions(t *testing.T) {
	t.Parallel()

	tr := newLimitTracker(100)
	tr.RequestCancel()

	ems := tr.ApplyUserOrder(&types.WSOrderEvent{ID: "ord-1", Type: "PLACEMENT", Timestamp: "0"})
	if len(ems) != 0 {
		t.Errorf("PLACEMENT after cancel request emitted %v", names(ems))
	}
	if got := tr.Order().Status; got != types.StatusPending {
		t.Errorf("status = %s, want PENDING held", got)
	}

	ems = tr.ConfirmCancelled()
	if countName(ems, events.OrderCancelled) != 1 {
		t.Errorf("confirm emissions = %v", names(ems))
	}
}

func TestFilledSizeMonotonic(t *testing.T) {
	t.Parallel()

	tr := newLimitTracker(100)
	tr.ApplyPoll(&types.OpenOrder{ID: "ord-1", Status: "LIVE", OriginalSize: "100", SizeMatched: "60"})

	// A stale poll reporting a lower matched size must not rewind.
	ems := tr.ApplyPoll(&types.OpenOrder{ID: "ord-1", Status: "LIVE", OriginalSize: "100", SizeMatched: "30"})
	if countName(ems, events.OrderPartiallyFilled) != 0 {
		t.Errorf("stale poll emitted fills: %v", names(ems))
	}
	if got := tr.Order().FilledSize; got != 60 {
		t.Errorf("filledSize rewound to %v", got)
	}
}

func TestStatusChangeAccompaniesTransitions(t *testing.T) {
	t.Parallel()

	tr := newLimitTracker(100)
	ems := tr.ApplyUserOrder(&types.WSOrderEvent{ID: "ord-1", Type: "PLACEMENT", Timestamp: "0"})
	if countName(ems, events.StatusChange) != 1 {
		t.Errorf("emissions = %v, want a status_change alongside order_opened", names(ems))
	}
	for _, em := range ems {
		if em.Name == events.StatusChange {
			if em.Payload.From != types.StatusPending || em.Payload.Status != types.StatusOpen {
				t.Errorf("status_change %s -> %s, want PENDING -> OPEN", em.Payload.From, em.Payload.Status)
			}
		}
	}
}

func TestTrackerTimestampsAdvance(t *testing.T) {
	t.Parallel()

	tr := newLimitTracker(100)
	before := tr.Order().UpdatedAt
	time.Sleep(time.Millisecond)
	tr.ApplyUserOrder(&types.WSOrderEvent{ID: "ord-1", Type: "PLACEMENT", Timestamp: "0"})
	if !tr.Order().UpdatedAt.After(before) {
		t.Error("UpdatedAt did not advance on transition")
	}
}
