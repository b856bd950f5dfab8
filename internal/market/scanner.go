package market

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"polyarb/internal/config"
	"polyarb/pkg/types"
)

// Scanner discovers short-duration up/down markets on the Gamma API.
//
// These markets follow a deterministic slug convention,
// "<symbol>-updown-<duration>-<periodStartUnix>", with period starts aligned
// to the market duration. Rather than paging through the whole active-market
// catalog, the scanner generates the candidate slugs for the window of
// interest and resolves each against GET /markets?slug=… — one cheap query
// per candidate, and it works equally for markets that already ended (the
// recovery scan passes a negative MinMinutesUntilEnd to look back).
type Scanner struct {
	http   *resty.Client
	logger *slog.Logger
	now    func() time.Time
}

// ScanFilter narrows a scan to specific underlyings and a time window
// around now. MinMinutesUntilEnd bounds how soon a market may end; negative
// values admit markets that ended up to that many minutes ago.
type ScanFilter struct {
	Underlyings        []types.Underlying
	DurationMinutes    int // 5 or 15
	MinMinutesUntilEnd int
}

// gammaMarket is the subset of the Gamma /markets response the scanner reads.
type gammaMarket struct {
	ID                    string  `json:"id"`
	Question              string  `json:"question"`
	ConditionID           string  `json:"conditionId"`
	Slug                  string  `json:"slug"`
	Active                bool    `json:"active"`
	Closed                bool    `json:"closed"`
	AcceptingOrders       bool    `json:"acceptingOrders"`
	EndDate               string  `json:"endDate"`
	ClobTokenIds          string  `json:"clobTokenIds"`
	NegRisk               bool    `json:"negRisk"`
	OrderPriceMinTickSize float64 `json:"orderPriceMinTickSize"`
	OrderMinSize          float64 `json:"orderMinSize"`
}

// NewScanner creates a Gamma API scanner.
func NewScanner(api config.APIConfig, logger *slog.Logger) *Scanner {
	client := resty.New().
		SetBaseURL(api.GammaBaseURL).
		SetTimeout(15 * time.Second).
		SetRetryCount(2).
		SetRetryWaitTime(time.Second)

	return &Scanner{
		http:   client,
		logger: logger.With("component", "scanner"),
		now:    time.Now,
	}
}

// ScanUpcomingMarkets resolves the markets matching the filter, sorted by
// end time ascending. Markets the venue does not know (gaps in the series)
// are silently skipped; transport failures abort the scan.
func (s *Scanner) ScanUpcomingMarkets(ctx context.Context, f ScanFilter) ([]types.MarketDescriptor, error) {
	if f.DurationMinutes <= 0 {
		return nil, fmt.Errorf("scan markets: duration must be positive, got %d", f.DurationMinutes)
	}
	if len(f.Underlyings) == 0 {
		return nil, fmt.Errorf("scan markets: no underlyings given")
	}

	period := time.Duration(f.DurationMinutes) * time.Minute
	now := s.now()
	earliestEnd := now.Add(time.Duration(f.MinMinutesUntilEnd) * time.Minute)
	latestEnd := now.Add(2 * period)

	var out []types.MarketDescriptor
	for _, u := range f.Underlyings {
		for _, start := range periodStarts(earliestEnd, latestEnd, period) {
			slug := marketSlug(u, f.DurationMinutes, start)
			gm, found, err := s.fetchBySlug(ctx, slug)
			if err != nil {
				return nil, err
			}
			if !found {
				continue
			}
			desc, ok := s.describe(gm, u, f.DurationMinutes, start.Add(period))
			if !ok {
				continue
			}
			if desc.EndTime.Before(earliestEnd) || desc.EndTime.After(latestEnd) {
				continue
			}
			out = append(out, desc)
		}
	}

	sort.Slice(out, func(i, j int) bool {
		return out[i].EndTime.Before(out[j].EndTime)
	})

	s.logger.Debug("market scan complete",
		"underlyings", len(f.Underlyings),
		"duration_min", f.DurationMinutes,
		"found", len(out),
	)
	return out, nil
}

// marketSlug builds the venue's slug for one period of an up/down series,
// e.g. "btc-updown-5m-1756130400".
func marketSlug(u types.Underlying, durationMinutes int, start time.Time) string {
	return fmt.Sprintf("%s-updown-%dm-%d", strings.ToLower(string(u)), durationMinutes, start.Unix())
}

// periodStarts lists the period start times whose END falls in
// [earliestEnd, latestEnd], aligned to the period grid in UTC.
func periodStarts(earliestEnd, latestEnd time.Time, period time.Duration) []time.Time {
	firstStart := earliestEnd.Add(-period)
	aligned := time.Unix(firstStart.Unix()-firstStart.Unix()%int64(period.Seconds()), 0).UTC()

	var starts []time.Time
	for t := aligned; !t.Add(period).After(latestEnd); t = t.Add(period) {
		if t.Add(period).Before(earliestEnd) {
			continue
		}
		starts = append(starts, t)
	}
	return starts
}

func (s *Scanner) fetchBySlug(ctx context.Context, slug string) (gammaMarket, bool, error) {
	var page []gammaMarket
	resp, err := s.http.R().
		SetContext(ctx).
		SetQueryParam("slug", slug).
		SetResult(&page).
		Get("/markets")
	if err != nil {
		return gammaMarket{}, false, fmt.Errorf("fetch market %s: %w", slug, err)
	}
	if resp.StatusCode() != 200 {
		return gammaMarket{}, false, fmt.Errorf("fetch market %s: status %d", slug, resp.StatusCode())
	}
	if len(page) == 0 {
		return gammaMarket{}, false, nil
	}
	return page[0], true, nil
}

// describe converts a Gamma response into a MarketDescriptor. Markets with
// missing token IDs or condition ID are unusable and dropped.
func (s *Scanner) describe(gm gammaMarket, u types.Underlying, durationMinutes int, fallbackEnd time.Time) (types.MarketDescriptor, bool) {
	var tokenIDs []string
	if gm.ClobTokenIds != "" {
		if err := json.Unmarshal([]byte(gm.ClobTokenIds), &tokenIDs); err != nil {
			s.logger.Warn("unparseable token IDs", "slug", gm.Slug, "error", err)
			return types.MarketDescriptor{}, false
		}
	}
	if len(tokenIDs) < 2 || gm.ConditionID == "" {
		return types.MarketDescriptor{}, false
	}

	end := fallbackEnd
	if gm.EndDate != "" {
		if parsed, err := time.Parse(time.RFC3339, gm.EndDate); err == nil {
			end = parsed
		}
	}

	var tick types.TickSize
	switch gm.OrderPriceMinTickSize {
	case 0.1:
		tick = types.Tick01
	case 0.001:
		tick = types.Tick0001
	case 0.0001:
		tick = types.Tick00001
	default:
		tick = types.Tick001
	}

	return types.MarketDescriptor{
		ConditionID:     gm.ConditionID,
		Slug:            gm.Slug,
		Question:        gm.Question,
		UpTokenID:       tokenIDs[0],
		DownTokenID:     tokenIDs[1],
		Underlying:      u,
		DurationMinutes: durationMinutes,
		EndTime:         end,
		NegRisk:         gm.NegRisk,
		TickSize:        tick,
		MinOrderSize:    gm.OrderMinSize,
	}, true
}
