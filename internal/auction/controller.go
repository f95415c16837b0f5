// Package auction implements the per-intent auction state machine (C6):
// bid admission, live scoring, window-close winner selection, and the
// settlement-confirmation / withdrawal entry points. It is "the hard
// part" of the coordinator -- every other component either feeds it
// (admission, signature verification) or drains it (session managers,
// the reaper).
package auction

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/holiman/uint256"

	"github.com/intentauction/coordinator/internal/apperr"
	"github.com/intentauction/coordinator/internal/bus"
	"github.com/intentauction/coordinator/internal/domain"
	"github.com/intentauction/coordinator/internal/log"
	"github.com/intentauction/coordinator/internal/sig"
	"github.com/intentauction/coordinator/internal/store"
)

// Config bundles the auction controller's tunables, all sourced from the
// coordinator's configuration.
type Config struct {
	MaxSolverFeeBps uint16
	MinBidCount     int
	Weights         Weights
}

// BidSubmission is the caller-supplied portion of a bid submission; the
// solver identity is never trusted from the caller, only recovered from
// Signature.
type BidSubmission struct {
	IntentHash common.Hash
	Fields     domain.BidFields
	Signature  [65]byte
}

// BidResponse is the result of SubmitBid.
type BidResponse struct {
	Accepted bool
	BidID    string
	Rank     int
	Score    float64
}

// auctionState is the controller's in-memory bookkeeping for one
// in-progress auction, protected by that intent's lock.
type auctionState struct {
	openAt      time.Time
	windowMs    int64
	maxQuoteOut *uint256.Int
}

// Controller owns every in-progress auction's in-memory representation.
// Stores remain the durable source of truth; the controller's job is to
// serialize mutation per intentHash and keep cache/bus consistent with
// what it persists.
type Controller struct {
	cfg        Config
	intents    store.IntentStore
	bids       store.BidStore
	bus        bus.MessageBus
	verifier   *sig.Verifier
	reputation *ReputationTracker
	log        *log.Logger

	locks sync.Map // common.Hash -> *sync.Mutex

	stateMu sync.Mutex
	states  map[common.Hash]*auctionState
	timers  map[common.Hash]*time.Timer
}

// NewController wires the auction controller's dependencies.
func NewController(cfg Config, intents store.IntentStore, bids store.BidStore, msgBus bus.MessageBus, verifier *sig.Verifier, reputation *ReputationTracker, logger *log.Logger) *Controller {
	if cfg.Weights == (Weights{}) {
		cfg.Weights = DefaultWeights()
	}
	return &Controller{
		cfg:        cfg,
		intents:    intents,
		bids:       bids,
		bus:        msgBus,
		verifier:   verifier,
		reputation: reputation,
		log:        logger,
		states:     make(map[common.Hash]*auctionState),
		timers:     make(map[common.Hash]*time.Timer),
	}
}

func (c *Controller) lockFor(hash common.Hash) *sync.Mutex {
	actual, _ := c.locks.LoadOrStore(hash, &sync.Mutex{})
	return actual.(*sync.Mutex)
}

// gc drops the controller's in-memory bookkeeping for a terminal intent:
// the per-intent lock, its auction state, and any still-armed timer.
func (c *Controller) gc(hash common.Hash) {
	c.locks.Delete(hash)
	c.stateMu.Lock()
	delete(c.states, hash)
	if t, ok := c.timers[hash]; ok {
		t.Stop()
		delete(c.timers, hash)
	}
	c.stateMu.Unlock()
}

// ArmWindow schedules the auction's close at openAt+windowMs. Called by
// the admission pipeline (C5) immediately after publishing solver:intents.
func (c *Controller) ArmWindow(hash common.Hash, openAt time.Time, windowMs int64) {
	c.stateMu.Lock()
	c.states[hash] = &auctionState{openAt: openAt, windowMs: windowMs, maxQuoteOut: new(uint256.Int)}
	c.stateMu.Unlock()

	timer := time.AfterFunc(time.Duration(windowMs)*time.Millisecond, func() {
		c.closeWindow(context.Background(), hash)
	})

	c.stateMu.Lock()
	c.timers[hash] = timer
	c.stateMu.Unlock()
}

func (c *Controller) stateFor(hash common.Hash) *auctionState {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	st := c.states[hash]
	if st == nil {
		// Timer-less path (e.g. a bid arriving after a restart lost the
		// in-memory state): fall back to a state with an unknown open
		// time, which zeroes the speed component rather than panicking.
		st = &auctionState{openAt: time.Now(), windowMs: 0, maxQuoteOut: new(uint256.Int)}
		c.states[hash] = st
	}
	return st
}

// SubmitBid validates, verifies, scores, and admits a bid, replacing the
// submitting solver's prior accepted bid on the same intent if any.
func (c *Controller) SubmitBid(ctx context.Context, sub BidSubmission) (*BidResponse, error) {
	if err := validateBidFields(sub.Fields, c.cfg.MaxSolverFeeBps); err != nil {
		return nil, err
	}

	intent, err := c.intents.FindByHash(ctx, sub.IntentHash)
	if err != nil {
		return nil, err
	}
	now := time.Now()
	if !intent.Status.Acceptable() {
		return nil, apperr.New(apperr.KindStateConflict, "intent is not accepting bids")
	}
	if !intent.ExpiresAt.After(now) {
		return nil, apperr.New(apperr.KindStateConflict, "intent has expired")
	}

	solverID, err := c.verifier.VerifyBid(sub.Fields, sub.Signature)
	if err != nil {
		return nil, err
	}

	mu := c.lockFor(sub.IntentHash)
	mu.Lock()
	defer mu.Unlock()

	// Re-read under the lock: another goroutine may have closed the
	// window or transitioned the intent between our unlocked reads above.
	intent, err = c.intents.FindByHash(ctx, sub.IntentHash)
	if err != nil {
		return nil, err
	}
	if !intent.Status.Acceptable() || !intent.ExpiresAt.After(time.Now()) {
		return nil, apperr.New(apperr.KindStateConflict, "intent is not accepting bids")
	}

	existing, err := c.bids.FindByIntent(ctx, sub.IntentHash)
	if err != nil {
		return nil, err
	}

	var priorAcceptedID string
	accepted := make([]*domain.Bid, 0, len(existing)+1)
	for _, b := range existing {
		if b.Status != domain.BidAccepted {
			continue
		}
		if b.SolverID == solverID {
			priorAcceptedID = b.ID
			continue // superseded, excluded from the rescored set
		}
		accepted = append(accepted, b)
	}

	newBid := &domain.Bid{
		ID:         uuid.NewString(),
		IntentHash: sub.IntentHash,
		Fields:     sub.Fields,
		Signature:  sub.Signature,
		SolverID:   solverID,
		ArrivedAt:  now,
		Status:     domain.BidAccepted,
	}
	accepted = append(accepted, newBid)

	st := c.stateFor(sub.IntentHash)
	if sub.Fields.QuoteOut.Cmp(st.maxQuoteOut) > 0 {
		st.maxQuoteOut = new(uint256.Int).Set(sub.Fields.QuoteOut)
	}

	c.rescoreAndRank(accepted, st)

	bestBidID := accepted[0].ID
	totalBids := intent.TotalBids + 1

	if err := c.bids.AdmitReplacement(ctx, newBid, priorAcceptedID, bestBidID, totalBids); err != nil {
		return nil, err
	}
	for _, b := range accepted {
		if b.ID == newBid.ID {
			continue
		}
		if err := c.bids.UpdateScoreAndRank(ctx, b.ID, b.Score, b.Rank); err != nil {
			c.log.Warn("rescore existing bid failed", "bidId", b.ID, "err", err)
		}
	}

	if intent.Status == domain.IntentBroadcasting {
		if err := c.intents.UpdateStatus(ctx, sub.IntentHash, domain.IntentBidding); err != nil {
			c.log.Warn("transition to bidding failed", "intentHash", sub.IntentHash.Hex(), "err", err)
		}
	}

	c.refreshCache(ctx, sub.IntentHash)
	c.publishBidUpdate(ctx, sub.IntentHash, newBid, totalBids)

	return &BidResponse{Accepted: true, BidID: newBid.ID, Rank: newBid.Rank, Score: newBid.Score}, nil
}

// rescoreAndRank computes each bid's score against st.maxQuoteOut and
// assigns rank 1..n by the coordinator's tie-break total order. Mutates
// the Score/Rank fields of every bid in place.
func (c *Controller) rescoreAndRank(bids []*domain.Bid, st *auctionState) {
	for _, b := range bids {
		b.Score = computeScore(c.cfg.Weights, ScoreInputs{
			QuoteOut:     b.Fields.QuoteOut,
			MaxQuoteOut:  st.maxQuoteOut,
			FeeBps:       b.Fields.SolverFeeBps,
			FeeCapBps:    c.cfg.MaxSolverFeeBps,
			ArrivedAt:    b.ArrivedAt,
			IntentOpenAt: st.openAt,
			WindowMs:     st.windowMs,
			Reputation:   c.reputation.Reputation(b.SolverID),
		})
	}
	sortBids(bids)
	for i, b := range bids {
		b.Rank = i + 1
	}
}

func sortBids(bids []*domain.Bid) {
	// Simple insertion sort: N is small (dozens per spec), and it keeps
	// the comparator identical to tieBreakLess with no extra allocation.
	for i := 1; i < len(bids); i++ {
		j := i
		for j > 0 && tieBreakLess(bids[j], bids[j-1]) {
			bids[j], bids[j-1] = bids[j-1], bids[j]
			j--
		}
	}
}

func validateBidFields(f domain.BidFields, feeCap uint16) error {
	if f.QuoteOut == nil || f.QuoteOut.IsZero() {
		return apperr.New(apperr.KindInvalidInput, "quoteOut must be positive").WithFields("quoteOut")
	}
	if f.SolverFeeBps > feeCap {
		return apperr.New(apperr.KindInvalidInput, "solverFeeBps exceeds configured cap").WithFields("solverFeeBps")
	}
	if f.TTLMs < 1_000 || f.TTLMs > 300_000 {
		return apperr.New(apperr.KindInvalidInput, "ttlMs out of range [1000, 300000]").WithFields("ttlMs")
	}
	if len(f.CalldataHint) < 5 {
		return apperr.New(apperr.KindInvalidInput, "calldataHint must be at least 5 bytes").WithFields("calldataHint")
	}
	return nil
}

// closeWindow runs at the end of an auction's bidding window: it is a
// no-op if the intent already reached a terminal state (a timer racing a
// deadline-triggered close).
func (c *Controller) closeWindow(ctx context.Context, hash common.Hash) {
	mu := c.lockFor(hash)
	mu.Lock()

	intent, err := c.intents.FindByHash(ctx, hash)
	if err != nil {
		mu.Unlock()
		c.log.Warn("close window: intent lookup failed", "intentHash", hash.Hex(), "err", err)
		return
	}
	if intent.Status.Terminal() {
		mu.Unlock()
		return
	}

	all, err := c.bids.FindByIntent(ctx, hash)
	if err != nil {
		mu.Unlock()
		c.log.Warn("close window: bid lookup failed", "intentHash", hash.Hex(), "err", err)
		return
	}
	var accepted []*domain.Bid
	for _, b := range all {
		if b.Status == domain.BidAccepted {
			accepted = append(accepted, b)
		}
	}

	var publishSelection *BidSelectionMessage
	var newStatus domain.IntentStatus

	type solverResult struct {
		solverID common.Address
		msg      BidResultMessage
	}
	var bidResults []solverResult

	if len(accepted) >= c.cfg.MinBidCount {
		winner := accepted[0]
		if err := c.bids.UpdateStatus(ctx, winner.ID, domain.BidWon); err != nil {
			c.log.Warn("mark winner failed", "bidId", winner.ID, "err", err)
		}
		c.reputation.Observe(winner.SolverID, true)
		bidResults = append(bidResults, solverResult{winner.SolverID, BidResultMessage{IntentHash: hash.Hex(), BidID: winner.ID, Outcome: string(domain.BidWon)}})
		for _, b := range accepted[1:] {
			if err := c.bids.UpdateStatus(ctx, b.ID, domain.BidLost); err != nil {
				c.log.Warn("mark loser failed", "bidId", b.ID, "err", err)
			}
			c.reputation.Observe(b.SolverID, false)
			bidResults = append(bidResults, solverResult{b.SolverID, BidResultMessage{IntentHash: hash.Hex(), BidID: b.ID, Outcome: string(domain.BidLost)}})
		}
		publishSelection = &BidSelectionMessage{
			IntentHash:   hash.Hex(),
			BidID:        winner.ID,
			QuoteOut:     winner.Fields.QuoteOut.Dec(),
			SolverFeeBps: winner.Fields.SolverFeeBps,
			CalldataHint: "0x" + hex.EncodeToString(winner.Fields.CalldataHint),
			SolverID:     winner.SolverID.Hex(),
			Timestamp:    time.Now(),
		}
		newStatus = domain.IntentBidding // remains BIDDING pending settlement confirmation
	} else {
		if _, err := c.bids.MarkExpired(ctx, hash); err != nil {
			c.log.Warn("mark accepted bids expired failed", "intentHash", hash.Hex(), "err", err)
		}
		newStatus = domain.IntentExpired
	}

	if newStatus != intent.Status {
		if err := c.intents.UpdateStatus(ctx, hash, newStatus); err != nil {
			c.log.Warn("close window: status update failed", "intentHash", hash.Hex(), "err", err)
		}
	}
	if newStatus.Terminal() {
		defer c.gc(hash)
	}
	mu.Unlock()

	if publishSelection != nil {
		c.publishJSON(ctx, bus.ChannelBidSelection, publishSelection)
	}
	for _, r := range bidResults {
		c.publishJSON(ctx, bus.SolverBidResultChannel(r.solverID.Hex()), r.msg)
	}
	c.publishIntentStatus(ctx, hash, newStatus)
}

// ConfirmSettlement is the external entry point a downstream settler
// calls after consuming coordinator:bid_selection and finalizing
// on-chain. It is the only path that moves a BIDDING intent with a
// pinned winner into FILLED; the reaper moves overdue intents to EXPIRED
// instead.
func (c *Controller) ConfirmSettlement(ctx context.Context, hash common.Hash, bidID string) error {
	mu := c.lockFor(hash)
	mu.Lock()

	intent, err := c.intents.FindByHash(ctx, hash)
	if err != nil {
		mu.Unlock()
		return err
	}
	if intent.Status != domain.IntentBidding || intent.BestBidID != bidID {
		mu.Unlock()
		return apperr.New(apperr.KindStateConflict, "no pinned winner matches bidId")
	}
	if err := c.intents.UpdateStatus(ctx, hash, domain.IntentFilled); err != nil {
		mu.Unlock()
		return err
	}
	defer c.gc(hash)
	mu.Unlock()

	c.publishIntentStatus(ctx, hash, domain.IntentFilled)
	return nil
}

// WithdrawBid lets a solver retract its own unexpired accepted bid
// before the window closes. Withdrawn bids become REJECTED, not LOST --
// they never lost to a better bid.
func (c *Controller) WithdrawBid(ctx context.Context, hash common.Hash, bidID string, callerSolverID common.Address) error {
	mu := c.lockFor(hash)
	mu.Lock()
	defer mu.Unlock()

	bid, err := c.bids.FindByID(ctx, bidID)
	if err != nil {
		return err
	}
	if bid.IntentHash != hash {
		return apperr.New(apperr.KindInvalidInput, "bid does not belong to intent")
	}
	if bid.SolverID != callerSolverID {
		return apperr.New(apperr.KindUnauthorized, "solver does not own this bid")
	}
	if bid.Status != domain.BidAccepted {
		return apperr.New(apperr.KindStateConflict, "bid is not active")
	}

	if err := c.bids.UpdateStatus(ctx, bidID, domain.BidRejected); err != nil {
		return err
	}

	intent, err := c.intents.FindByHash(ctx, hash)
	if err != nil {
		return err
	}
	if intent.Status.Terminal() {
		return nil
	}

	all, err := c.bids.FindByIntent(ctx, hash)
	if err != nil {
		return err
	}
	var accepted []*domain.Bid
	for _, b := range all {
		if b.Status == domain.BidAccepted {
			accepted = append(accepted, b)
		}
	}
	st := c.stateFor(hash)
	c.rescoreAndRank(accepted, st)

	bestBidID := ""
	if len(accepted) > 0 {
		bestBidID = accepted[0].ID
	}
	if err := c.intents.UpdateBestBid(ctx, hash, bestBidID, intent.TotalBids); err != nil {
		c.log.Warn("withdraw: update best bid failed", "intentHash", hash.Hex(), "err", err)
	}
	for _, b := range accepted {
		if err := c.bids.UpdateScoreAndRank(ctx, b.ID, b.Score, b.Rank); err != nil {
			c.log.Warn("withdraw: rescore failed", "bidId", b.ID, "err", err)
		}
	}
	if len(accepted) > 0 {
		c.publishBidUpdate(ctx, hash, accepted[0], intent.TotalBids)
	}
	return nil
}

func (c *Controller) refreshCache(ctx context.Context, hash common.Hash) {
	intent, err := c.intents.FindByHash(ctx, hash)
	if err != nil {
		return
	}
	payload, err := json.Marshal(intent)
	if err != nil {
		return
	}
	ttl := time.Until(intent.ExpiresAt)
	if ttl <= 0 {
		return
	}
	if err := c.bus.CacheSet(ctx, bus.IntentCacheKey(hash.Hex()), payload, ttl); err != nil {
		c.log.Warn("cache refresh failed", "intentHash", hash.Hex(), "err", err)
	}
}

func (c *Controller) publishBidUpdate(ctx context.Context, hash common.Hash, bid *domain.Bid, totalBids int) {
	msg := BidUpdateMessage{
		IntentHash:   hash.Hex(),
		BidID:        bid.ID,
		Rank:         bid.Rank,
		Score:        bid.Score,
		QuoteOut:     bid.Fields.QuoteOut.Dec(),
		SolverFeeBps: bid.Fields.SolverFeeBps,
		TotalBids:    totalBids,
	}
	c.publishJSON(ctx, bus.ChannelWSBidUpdatePrefix+hash.Hex(), msg)
}

func (c *Controller) publishIntentStatus(ctx context.Context, hash common.Hash, status domain.IntentStatus) {
	msg := IntentStatusMessage{IntentHash: hash.Hex(), Status: string(status), UpdatedAt: time.Now()}
	c.publishJSON(ctx, bus.ChannelWSIntentStatusPrefix+hash.Hex(), msg)
}

func (c *Controller) publishJSON(ctx context.Context, channel string, v any) {
	payload, err := json.Marshal(v)
	if err != nil {
		c.log.Error("marshal publish payload failed", "channel", channel, "err", err)
		return
	}
	if err := c.bus.Publish(ctx, channel, payload); err != nil {
		c.log.Warn("publish failed", "channel", channel, "err", err)
	}
}

// Shutdown stops every armed window timer without closing any auction,
// for graceful process shutdown.
func (c *Controller) Shutdown() {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	for hash, t := range c.timers {
		t.Stop()
		delete(c.timers, hash)
	}
}
