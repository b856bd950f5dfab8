package types

import "testing"

func TestTickSizeDecimals(t *testing.T) {
	t.Parallel()

	tests := []struct {
		tick TickSize
		want int
	}{
		{Tick01, 1},
		{Tick001, 2},
		{Tick0001, 3},
		{Tick00001, 4},
		{TickSize("unknown"), 2}, // default
	}

	for _, tt := range tests {
		if got := tt.tick.Decimals(); got != tt.want {
			t.Errorf("TickSize(%q).Decimals() = %d, want %d", tt.tick, got, tt.want)
		}
	}
}

func TestTickSizeAmountDecimals(t *testing.T) {
	t.Parallel()

	tests := []struct {
		tick TickSize
		want int
	}{
		{Tick01, 3},
		{Tick001, 4},
		{Tick0001, 5},
		{Tick00001, 6},
		{TickSize("unknown"), 4}, // default
	}

	for _, tt := range tests {
		if got := tt.tick.AmountDecimals(); got != tt.want {
			t.Errorf("TickSize(%q).AmountDecimals() = %d, want %d", tt.tick, got, tt.want)
		}
	}
}

func TestOrderStatusIsTerminal(t *testing.T) {
	t.Parallel()

	tests := []struct {
		status OrderStatus
		want   bool
	}{
		{StatusPending, false},
		{StatusOpen, false},
		{StatusPartiallyFilled, false},
		{StatusFilled, true},
		{StatusCancelled, true},
		{StatusExpired, true},
		{StatusRejected, true},
	}

	for _, tt := range tests {
		if got := tt.status.IsTerminal(); got != tt.want {
			t.Errorf("OrderStatus(%q).IsTerminal() = %v, want %v", tt.status, got, tt.want)
		}
	}
}

func TestOrderKindIsMarket(t *testing.T) {
	t.Parallel()

	tests := []struct {
		kind OrderKind
		want bool
	}{
		{KindGTC, false},
		{KindGTD, false},
		{KindFOK, true},
		{KindFAK, true},
	}

	for _, tt := range tests {
		if got := tt.kind.IsMarket(); got != tt.want {
			t.Errorf("OrderKind(%q).IsMarket() = %v, want %v", tt.kind, got, tt.want)
		}
	}
}

func TestSideOpposite(t *testing.T) {
	t.Parallel()

	if got := BUY.Opposite(); got != SELL {
		t.Errorf("BUY.Opposite() = %q, want SELL", got)
	}
	if got := SELL.Opposite(); got != BUY {
		t.Errorf("SELL.Opposite() = %q, want BUY", got)
	}
}

func TestUnderlyingFeedSymbol(t *testing.T) {
	t.Parallel()

	tests := []struct {
		u    Underlying
		want string
	}{
		{BTC, "btc/usd"},
		{ETH, "eth/usd"},
		{SOL, "sol/usd"},
		{XRP, "xrp/usd"},
		{Underlying("DOGE"), ""},
	}

	for _, tt := range tests {
		if got := tt.u.FeedSymbol(); got != tt.want {
			t.Errorf("Underlying(%q).FeedSymbol() = %q, want %q", tt.u, got, tt.want)
		}
	}
}
