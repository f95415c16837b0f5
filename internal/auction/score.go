package auction

import (
	"math"
	"time"

	"github.com/holiman/uint256"

	"github.com/intentauction/coordinator/internal/domain"
)

// Weights are the non-negative, sum-to-one multipliers over the four
// score components.
type Weights struct {
	Out   float64
	Fee   float64
	Speed float64
	Rep   float64
}

// DefaultWeights matches the coordinator's external interface contract.
func DefaultWeights() Weights {
	return Weights{Out: 0.3, Fee: 0.3, Speed: 0.2, Rep: 0.2}
}

// ScoreInputs bundles everything computeScore needs for one bid, with the
// auction-wide context (max quote seen, window size, fee cap) already
// resolved by the caller.
type ScoreInputs struct {
	QuoteOut     *uint256.Int
	MaxQuoteOut  *uint256.Int // the largest quoteOut observed in this auction so far
	FeeBps       uint16
	FeeCapBps    uint16
	ArrivedAt    time.Time
	IntentOpenAt time.Time
	WindowMs     int64
	Reputation   float64
}

// computeScore implements the coordinator's scoring formula:
//
//	score = w_out   * normalize(quoteOut)
//	      + w_fee   * (1 - solverFeeBps/feeCap)
//	      + w_speed * max(0, 1 - arrivedMs/windowMs)
//	      + w_rep   * clamp(reputation, 0, 1)
//
// normalize(quoteOut) maps the bid's quoteOut into [0,1] against the
// current observed maximum for the auction -- so scores are recomputed
// for the whole set whenever a new high quote arrives.
func computeScore(w Weights, in ScoreInputs) float64 {
	var outScore float64
	if in.MaxQuoteOut != nil && !in.MaxQuoteOut.IsZero() && in.QuoteOut != nil {
		outScore = quoteRatio(in.QuoteOut, in.MaxQuoteOut)
	}

	feeCap := float64(in.FeeCapBps)
	feeScore := 1.0
	if feeCap > 0 {
		feeScore = 1 - float64(in.FeeBps)/feeCap
	}
	if feeScore < 0 {
		feeScore = 0
	}

	var speedScore float64
	if in.WindowMs > 0 {
		arrivedMs := in.ArrivedAt.Sub(in.IntentOpenAt).Milliseconds()
		speedScore = math.Max(0, 1-float64(arrivedMs)/float64(in.WindowMs))
	}

	rep := in.Reputation
	if rep < 0 {
		rep = 0
	} else if rep > 1 {
		rep = 1
	}

	return w.Out*outScore + w.Fee*feeScore + w.Speed*speedScore + w.Rep*rep
}

// quoteRatio computes quote/max as a float64 in [0,1] without losing
// precision to premature float conversion of 256-bit values: it divides
// in integer space scaled to a fixed-point numerator first.
func quoteRatio(quote, max *uint256.Int) float64 {
	if max.IsZero() {
		return 0
	}
	if quote.Cmp(max) >= 0 {
		return 1
	}
	const scale = 1_000_000
	scaled := new(uint256.Int).Mul(quote, uint256.NewInt(scale))
	scaled.Div(scaled, max)
	return float64(scaled.Uint64()) / scale
}

// tieBreakLess implements the total order for equal-scored bids: earlier
// arrival wins; on equal arrival, the lexicographically lower bid id wins.
func tieBreakLess(a, b *domain.Bid) bool {
	if a.Score != b.Score {
		return a.Score > b.Score
	}
	if !a.ArrivedAt.Equal(b.ArrivedAt) {
		return a.ArrivedAt.Before(b.ArrivedAt)
	}
	return a.ID < b.ID
}
