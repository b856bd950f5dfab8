// Package market tracks order books for one binary market's outcome token
// pair and discovers upcoming short-duration markets on the Gamma API.
//
// PairBook mirrors the venue books for the UP and DOWN tokens of a single
// market. It is updated from two sources:
//   - REST snapshots via ApplyBookResponse (initial load)
//   - WebSocket events via ApplySnapshot (full book) and ApplyPriceChange
//     (incremental level updates)
//
// The PairBook is concurrency-safe and provides the derived values the
// strategy layer reads on every tick: both best asks, best bids, and
// staleness.
package market

import (
	"strconv"
	"sync"
	"time"

	"polyarb/pkg/types"
)

// tokenBook is the level set for one outcome token. Levels are keyed by the
// venue's price string so incremental updates match snapshot entries exactly.
type tokenBook struct {
	bids map[string]float64 // price → size
	asks map[string]float64
	hash string
}

func newTokenBook() *tokenBook {
	return &tokenBook{
		bids: make(map[string]float64),
		asks: make(map[string]float64),
	}
}

// PairBook maintains a local mirror of the order books for both outcome
// tokens of one market.
type PairBook struct {
	mu      sync.RWMutex
	market  types.MarketDescriptor
	books   map[string]*tokenBook // asset ID → book
	updated time.Time
}

// NewPairBook creates an empty book pair for a market.
func NewPairBook(m types.MarketDescriptor) *PairBook {
	return &PairBook{
		market: m,
		books: map[string]*tokenBook{
			m.UpTokenID:   newTokenBook(),
			m.DownTokenID: newTokenBook(),
		},
	}
}

// Market returns the descriptor this book pair belongs to.
func (p *PairBook) Market() types.MarketDescriptor {
	return p.market
}

// Tracks reports whether assetID is one of the pair's outcome tokens.
func (p *PairBook) Tracks(assetID string) bool {
	_, ok := p.books[assetID]
	return ok
}

// ApplySnapshot replaces the book for one token with a full snapshot.
// Events for tokens outside the pair are ignored.
func (p *PairBook) ApplySnapshot(ev types.WSBookEvent) {
	p.applyLevels(ev.AssetID, ev.Bids, ev.Asks, ev.Hash)
}

// ApplyBookResponse applies a REST book response as a full snapshot.
func (p *PairBook) ApplyBookResponse(resp *types.BookResponse) {
	p.applyLevels(resp.AssetID, resp.Bids, resp.Asks, resp.Hash)
}

func (p *PairBook) applyLevels(assetID string, bids, asks []types.PriceLevel, hash string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	tb, ok := p.books[assetID]
	if !ok {
		return
	}

	fresh := newTokenBook()
	for _, lv := range bids {
		if size := parseFloat(lv.Size); size > 0 {
			fresh.bids[lv.Price] = size
		}
	}
	for _, lv := range asks {
		if size := parseFloat(lv.Size); size > 0 {
			fresh.asks[lv.Price] = size
		}
	}
	fresh.hash = hash
	tb.bids, tb.asks, tb.hash = fresh.bids, fresh.asks, fresh.hash
	p.updated = time.Now()
}

// ApplyPriceChange applies one incremental level change. A size of 0 removes
// the level. Entries for tokens outside the pair are ignored.
func (p *PairBook) ApplyPriceChange(e types.PriceChangeEntry) {
	p.mu.Lock()
	defer p.mu.Unlock()

	tb, ok := p.books[e.AssetID]
	if !ok {
		return
	}

	levels := tb.asks
	if e.Side == string(types.BUY) {
		levels = tb.bids
	}
	if size := parseFloat(e.Size); size > 0 {
		levels[e.Price] = size
	} else {
		delete(levels, e.Price)
	}
	tb.hash = e.Hash
	p.updated = time.Now()
}

// BestAsk returns the lowest ask for one outcome.
func (p *PairBook) BestAsk(o types.Outcome) (price float64, ok bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return bestPrice(p.side(o).asks, false)
}

// BestBid returns the highest bid for one outcome.
func (p *PairBook) BestBid(o types.Outcome) (price float64, ok bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return bestPrice(p.side(o).bids, true)
}

// Asks returns both best asks. ok is false until both books have at least
// one ask level.
func (p *PairBook) Asks() (upAsk, downAsk float64, ok bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	up, upOK := bestPrice(p.books[p.market.UpTokenID].asks, false)
	down, downOK := bestPrice(p.books[p.market.DownTokenID].asks, false)
	if !upOK || !downOK {
		return 0, 0, false
	}
	return up, down, true
}

// AskFor returns the best ask for a token by asset ID.
func (p *PairBook) AskFor(assetID string) (price float64, ok bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	tb, tracked := p.books[assetID]
	if !tracked {
		return 0, false
	}
	return bestPrice(tb.asks, false)
}

// Outcome maps an asset ID to its outcome side.
func (p *PairBook) Outcome(assetID string) (types.Outcome, bool) {
	switch assetID {
	case p.market.UpTokenID:
		return types.OutcomeUp, true
	case p.market.DownTokenID:
		return types.OutcomeDown, true
	}
	return "", false
}

// IsStale reports whether no book data has arrived within maxAge.
func (p *PairBook) IsStale(maxAge time.Duration) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.updated.IsZero() {
		return true
	}
	return time.Since(p.updated) > maxAge
}

// LastUpdated returns the timestamp of the last book update.
func (p *PairBook) LastUpdated() time.Time {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.updated
}

func (p *PairBook) side(o types.Outcome) *tokenBook {
	if o == types.OutcomeUp {
		return p.books[p.market.UpTokenID]
	}
	return p.books[p.market.DownTokenID]
}

// bestPrice scans one level map for the best price: highest for bids,
// lowest for asks. Books on these markets rarely exceed a few dozen levels,
// so a linear scan per read is fine.
func bestPrice(levels map[string]float64, highest bool) (float64, bool) {
	best, found := 0.0, false
	for ps, size := range levels {
		if size <= 0 {
			continue
		}
		price := parseFloat(ps)
		if !found || (highest && price > best) || (!highest && price < best) {
			best, found = price, true
		}
	}
	return best, found
}

func parseFloat(s string) float64 {
	v, _ := strconv.ParseFloat(s, 64)
	return v
}
