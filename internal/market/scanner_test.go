package market

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/go-resty/resty/v2"

	"polyarb/pkg/types"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// gammaHandler answers GET /markets?slug=… for any slug in the up/down
// series, deriving the market from the slug's period-start suffix. Slugs
// listed in missing get an empty result, as Gamma does for period gaps.
func gammaHandler(t *testing.T, missing map[string]bool) http.HandlerFunc {
	t.Helper()
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		slug := r.URL.Query().Get("slug")
		if slug == "" || missing[slug] {
			fmt.Fprint(w, "[]")
			return
		}
		parts := strings.Split(slug, "-")
		start, err := strconv.ParseInt(parts[len(parts)-1], 10, 64)
		if err != nil {
			t.Errorf("slug %q has no period-start suffix", slug)
			fmt.Fprint(w, "[]")
			return
		}
		durStr := strings.TrimSuffix(parts[len(parts)-2], "m")
		dur, _ := strconv.Atoi(durStr)
		end := time.Unix(start, 0).Add(time.Duration(dur) * time.Minute)

		market := map[string]any{
			"id":                    "id-" + slug,
			"conditionId":           "cond-" + slug,
			"slug":                  slug,
			"question":              "Up or down?",
			"endDate":               end.UTC().Format(time.RFC3339),
			"clobTokenIds":          fmt.Sprintf(`["up-%d","down-%d"]`, start, start),
			"negRisk":               false,
			"orderPriceMinTickSize": 0.01,
			"orderMinSize":          5.0,
		}
		json.NewEncoder(w).Encode([]any{market})
	}
}

func newTestScanner(t *testing.T, handler http.HandlerFunc, now time.Time) *Scanner {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return &Scanner{
		http:   resty.New().SetBaseURL(srv.URL),
		logger: testLogger(),
		now:    func() time.Time { return now },
	}
}

// fixedNow is 100 seconds past a 5-minute period boundary.
var fixedNow = time.Unix(1_756_100_000-1_756_100_000%300+100, 0).UTC()

func TestScanUpcomingMarkets(t *testing.T) {
	t.Parallel()
	s := newTestScanner(t, gammaHandler(t, nil), fixedNow)

	got, err := s.ScanUpcomingMarkets(context.Background(), ScanFilter{
		Underlyings:     []types.Underlying{types.BTC},
		DurationMinutes: 5,
	})
	if err != nil {
		t.Fatalf("ScanUpcomingMarkets: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("got %d markets, want 2", len(got))
	}
	for i, m := range got {
		if m.Underlying != types.BTC {
			t.Errorf("market %d underlying = %s, want BTC", i, m.Underlying)
		}
		if m.DurationMinutes != 5 {
			t.Errorf("market %d duration = %d, want 5", i, m.DurationMinutes)
		}
		if !strings.HasPrefix(m.Slug, "btc-updown-5m-") {
			t.Errorf("market %d slug = %q", i, m.Slug)
		}
		if m.EndTime.Before(fixedNow) {
			t.Errorf("market %d already ended at %v", i, m.EndTime)
		}
		if m.UpTokenID == "" || m.DownTokenID == "" {
			t.Errorf("market %d missing token IDs", i)
		}
	}
	if !got[0].EndTime.Before(got[1].EndTime) {
		t.Errorf("results not sorted by end time: %v then %v", got[0].EndTime, got[1].EndTime)
	}
}

func TestScanNegativeWindowIncludesEndedMarkets(t *testing.T) {
	t.Parallel()
	s := newTestScanner(t, gammaHandler(t, nil), fixedNow)

	got, err := s.ScanUpcomingMarkets(context.Background(), ScanFilter{
		Underlyings:        []types.Underlying{types.ETH},
		DurationMinutes:    5,
		MinMinutesUntilEnd: -10,
	})
	if err != nil {
		t.Fatalf("ScanUpcomingMarkets: %v", err)
	}

	var ended int
	for _, m := range got {
		if m.EndTime.Before(fixedNow) {
			ended++
		}
	}
	if ended == 0 {
		t.Error("negative MinMinutesUntilEnd should admit recently ended markets")
	}
}

func TestScanSkipsSeriesGaps(t *testing.T) {
	t.Parallel()

	aligned := fixedNow.Unix() - 100
	missingSlug := fmt.Sprintf("btc-updown-5m-%d", aligned)
	s := newTestScanner(t, gammaHandler(t, map[string]bool{missingSlug: true}), fixedNow)

	got, err := s.ScanUpcomingMarkets(context.Background(), ScanFilter{
		Underlyings:     []types.Underlying{types.BTC},
		DurationMinutes: 5,
	})
	if err != nil {
		t.Fatalf("ScanUpcomingMarkets: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("got %d markets, want 1 after one gap", len(got))
	}
	if got[0].Slug == missingSlug {
		t.Errorf("gap slug %s should have been skipped", missingSlug)
	}
}

func TestScanMultipleUnderlyings(t *testing.T) {
	t.Parallel()
	s := newTestScanner(t, gammaHandler(t, nil), fixedNow)

	got, err := s.ScanUpcomingMarkets(context.Background(), ScanFilter{
		Underlyings:     []types.Underlying{types.BTC, types.ETH},
		DurationMinutes: 5,
	})
	if err != nil {
		t.Fatalf("ScanUpcomingMarkets: %v", err)
	}
	if len(got) != 4 {
		t.Fatalf("got %d markets, want 4 (2 per underlying)", len(got))
	}
}

func TestScanRejectsBadFilter(t *testing.T) {
	t.Parallel()
	s := newTestScanner(t, gammaHandler(t, nil), fixedNow)

	if _, err := s.ScanUpcomingMarkets(context.Background(), ScanFilter{
		Underlyings: []types.Underlying{types.BTC},
	}); err == nil {
		t.Error("zero duration should be rejected")
	}
	if _, err := s.ScanUpcomingMarkets(context.Background(), ScanFilter{
		DurationMinutes: 5,
	}); err == nil {
		t.Error("empty underlyings should be rejected")
	}
}

func TestScanServerErrorAborts(t *testing.T) {
	t.Parallel()
	s := newTestScanner(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "upstream broken", http.StatusBadGateway)
	}, fixedNow)
	s.http.SetRetryCount(0)

	if _, err := s.ScanUpcomingMarkets(context.Background(), ScanFilter{
		Underlyings:     []types.Underlying{types.BTC},
		DurationMinutes: 5,
	}); err == nil {
		t.Error("server failure should abort the scan")
	}
}

func TestDescribeDropsUnusableMarkets(t *testing.T) {
	t.Parallel()
	s := &Scanner{logger: testLogger(), now: time.Now}
	end := time.Now().Add(5 * time.Minute)

	if _, ok := s.describe(gammaMarket{ConditionID: "c", ClobTokenIds: `["only-one"]`}, types.BTC, 5, end); ok {
		t.Error("market with a single token should be dropped")
	}
	if _, ok := s.describe(gammaMarket{ClobTokenIds: `["a","b"]`}, types.BTC, 5, end); ok {
		t.Error("market without condition ID should be dropped")
	}
	if _, ok := s.describe(gammaMarket{ConditionID: "c", ClobTokenIds: `not-json`}, types.BTC, 5, end); ok {
		t.Error("market with unparseable token IDs should be dropped")
	}
}

func TestPeriodStartsAlignment(t *testing.T) {
	t.Parallel()

	period := 5 * time.Minute
	earliest := fixedNow
	latest := fixedNow.Add(2 * period)

	starts := periodStarts(earliest, latest, period)
	if len(starts) != 2 {
		t.Fatalf("got %d starts, want 2", len(starts))
	}
	for i, st := range starts {
		if st.Unix()%300 != 0 {
			t.Errorf("start %d = %v not aligned to period grid", i, st)
		}
		end := st.Add(period)
		if end.Before(earliest) || end.After(latest) {
			t.Errorf("start %d end %v outside [%v, %v]", i, end, earliest, latest)
		}
	}
}
