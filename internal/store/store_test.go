package store

import (
	"testing"
	"time"

	"polyarb/pkg/types"
)

func openStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSaveAndLoadRedemptions(t *testing.T) {
	t.Parallel()
	s := openStore(t)

	end := time.Date(2026, 8, 25, 12, 5, 0, 0, time.UTC)
	queue := []types.PendingRedemption{
		{
			Market: types.MarketDescriptor{
				ConditionID: "0xcond",
				Slug:        "btc-updown-5m-1756100000",
				UpTokenID:   "up",
				DownTokenID: "down",
			},
			RoundID:       "btc-updown-5m-1756100000-1",
			MarketEndTime: end,
			AddedAt:       end.Add(time.Second),
			RetryCount:    3,
		},
	}

	if err := s.SaveRedemptions(queue); err != nil {
		t.Fatalf("SaveRedemptions: %v", err)
	}
	loaded, err := s.LoadRedemptions()
	if err != nil {
		t.Fatalf("LoadRedemptions: %v", err)
	}
	if len(loaded) != 1 {
		t.Fatalf("loaded %d entries, want 1", len(loaded))
	}
	got := loaded[0]
	if got.Market.ConditionID != "0xcond" || got.RoundID != queue[0].RoundID {
		t.Errorf("loaded entry = %+v, want %+v", got, queue[0])
	}
	if !got.MarketEndTime.Equal(end) || got.RetryCount != 3 {
		t.Errorf("loaded entry = %+v, want end %v retries 3", got, end)
	}
}

func TestLoadRedemptionsMissing(t *testing.T) {
	t.Parallel()
	s := openStore(t)

	loaded, err := s.LoadRedemptions()
	if err != nil {
		t.Fatalf("LoadRedemptions: %v", err)
	}
	if len(loaded) != 0 {
		t.Errorf("expected empty queue for a fresh store, got %+v", loaded)
	}
}

func TestSaveRedemptionsOverwrites(t *testing.T) {
	t.Parallel()
	s := openStore(t)

	one := []types.PendingRedemption{{RoundID: "r1"}}
	two := []types.PendingRedemption{{RoundID: "r2"}, {RoundID: "r3"}}

	if err := s.SaveRedemptions(one); err != nil {
		t.Fatalf("SaveRedemptions: %v", err)
	}
	if err := s.SaveRedemptions(two); err != nil {
		t.Fatalf("SaveRedemptions: %v", err)
	}

	loaded, err := s.LoadRedemptions()
	if err != nil {
		t.Fatalf("LoadRedemptions: %v", err)
	}
	if len(loaded) != 2 || loaded[0].RoundID != "r2" {
		t.Errorf("loaded = %+v, want the latest save", loaded)
	}
}

func TestRoundHistoryAppendsInOrder(t *testing.T) {
	t.Parallel()
	s := openStore(t)

	for i, phase := range []types.RoundPhase{types.PhaseCompleted, types.PhaseExpired} {
		r := types.Round{
			ID:         "round-" + string(rune('a'+i)),
			MarketSlug: "btc-updown-5m-1756100000",
			Phase:      phase,
			TotalCost:  0.98,
		}
		if err := s.AppendRound(r); err != nil {
			t.Fatalf("AppendRound: %v", err)
		}
	}

	rounds, err := s.LoadRounds()
	if err != nil {
		t.Fatalf("LoadRounds: %v", err)
	}
	if len(rounds) != 2 {
		t.Fatalf("loaded %d rounds, want 2", len(rounds))
	}
	if rounds[0].ID != "round-a" || rounds[1].ID != "round-b" {
		t.Errorf("rounds out of order: %v, %v", rounds[0].ID, rounds[1].ID)
	}
	if rounds[1].Phase != types.PhaseExpired {
		t.Errorf("phase = %q, want %q", rounds[1].Phase, types.PhaseExpired)
	}
}

func TestRoundHistoryTrimsToCap(t *testing.T) {
	t.Parallel()
	s := openStore(t)

	// Seed past the cap directly, then append once more.
	seed := make([]types.Round, maxRoundHistory)
	for i := range seed {
		seed[i] = types.Round{ID: "seed"}
	}
	if err := s.writeJSON(roundsFile, seed); err != nil {
		t.Fatalf("seed rounds: %v", err)
	}

	if err := s.AppendRound(types.Round{ID: "newest"}); err != nil {
		t.Fatalf("AppendRound: %v", err)
	}

	rounds, err := s.LoadRounds()
	if err != nil {
		t.Fatalf("LoadRounds: %v", err)
	}
	if len(rounds) != maxRoundHistory {
		t.Fatalf("history length = %d, want %d", len(rounds), maxRoundHistory)
	}
	if rounds[len(rounds)-1].ID != "newest" {
		t.Errorf("newest round missing from trimmed history")
	}
}
