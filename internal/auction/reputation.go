package auction

import (
	"sync"

	"github.com/ethereum/go-ethereum/common"
)

// reputationColdStartDefault is returned for solvers with too few settled
// auctions to have a meaningful win rate -- avoids the feedback/lock-out
// failure mode of scoring new solvers against an empty history.
const reputationColdStartDefault = 0.5

// reputationMinSamples is the number of settled auctions a solver must
// have before its observed win rate is blended into scoring at all.
const reputationMinSamples = 5

// reputationAlpha is the EWMA decay applied to each settled outcome.
const reputationAlpha = 0.2

// ReputationTracker maintains a per-solver exponentially-weighted win
// rate, updated once per settled auction the solver participated in.
// Unlike a tick-driven rate meter, this one updates directly on each
// outcome -- there is no fixed sampling interval to decay against.
type ReputationTracker struct {
	mu      sync.Mutex
	samples map[common.Address]int
	rate    map[common.Address]float64
}

// NewReputationTracker creates an empty tracker.
func NewReputationTracker() *ReputationTracker {
	return &ReputationTracker{
		samples: make(map[common.Address]int),
		rate:    make(map[common.Address]float64),
	}
}

// Observe records a single settled-auction outcome for solverID: won=true
// if its bid won that auction, false if it lost.
func (r *ReputationTracker) Observe(solverID common.Address, won bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	outcome := 0.0
	if won {
		outcome = 1.0
	}

	n := r.samples[solverID]
	if n == 0 {
		r.rate[solverID] = outcome
	} else {
		r.rate[solverID] += reputationAlpha * (outcome - r.rate[solverID])
	}
	r.samples[solverID] = n + 1
}

// Reputation returns the clamp(reputation, 0, 1) input to scoring for
// solverID. Solvers with fewer than reputationMinSamples settled auctions
// get the cold-start default rather than their noisy early win rate.
func (r *ReputationTracker) Reputation(solverID common.Address) float64 {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.samples[solverID] < reputationMinSamples {
		return reputationColdStartDefault
	}
	rate := r.rate[solverID]
	if rate < 0 {
		return 0
	}
	if rate > 1 {
		return 1
	}
	return rate
}
