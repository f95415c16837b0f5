package auction

import (
	"context"
	"crypto/ecdsa"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/holiman/uint256"

	"github.com/intentauction/coordinator/internal/bus"
	"github.com/intentauction/coordinator/internal/domain"
	"github.com/intentauction/coordinator/internal/log"
	"github.com/intentauction/coordinator/internal/sig"
	"github.com/intentauction/coordinator/internal/store"
)

const testVerifyingContract = "0x00000000000000000000000000000000000001"

func newTestController(t *testing.T) (*Controller, *store.MemoryIntentStore, *store.MemoryBidStore, *sig.Verifier) {
	t.Helper()
	intents := store.NewMemoryIntentStore()
	bids := store.NewMemoryBidStore(intents)
	b := bus.NewMemoryBus(16)
	verifier := sig.NewVerifier(1, common.HexToAddress(testVerifyingContract))
	logger := log.Default()

	ctrl := NewController(Config{
		MaxSolverFeeBps: 30,
		MinBidCount:     1,
		Weights:         DefaultWeights(),
	}, intents, bids, b, verifier, NewReputationTracker(), logger)
	return ctrl, intents, bids, verifier
}

func seedOpenIntent(t *testing.T, intents *store.MemoryIntentStore) *domain.Intent {
	t.Helper()
	hash := common.HexToHash("0x01")
	intent := &domain.Intent{
		IntentHash: hash,
		Payload: domain.IntentPayload{
			TokenIn:  common.HexToAddress("0xaaaa"),
			TokenOut: common.HexToAddress("0xbbbb"),
			AmountIn: uint256.NewInt(1_000_000),
			ChainID:  1,
			Receiver: common.HexToAddress("0xcccc"),
			Nonce:    uint256.NewInt(1),
		},
		Status:    domain.IntentBroadcasting,
		CreatedAt: time.Now(),
		UpdatedAt: time.Now(),
		ExpiresAt: time.Now().Add(time.Hour),
	}
	created, _, err := intents.Create(context.Background(), intent)
	if err != nil {
		t.Fatalf("seed intent: %v", err)
	}
	return created
}

func signBid(t *testing.T, key *ecdsa.PrivateKey, verifier *sig.Verifier, fields domain.BidFields) [65]byte {
	t.Helper()
	digest, err := verifier.BidHash(fields)
	if err != nil {
		t.Fatalf("bid hash: %v", err)
	}
	sig65, err := crypto.Sign(digest[:], key)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	var out [65]byte
	copy(out[:], sig65)
	if out[64] < 27 {
		out[64] += 27
	}
	return out
}

func TestSubmitBid_AdmitsAndScores(t *testing.T) {
	ctrl, intents, bids, verifier := newTestController(t)
	intent := seedOpenIntent(t, intents)

	key, _ := crypto.GenerateKey()
	fields := domain.BidFields{
		IntentHash:   intent.IntentHash,
		QuoteOut:     uint256.NewInt(950_000_000_000_000_000),
		SolverFeeBps: 15,
		CalldataHint: []byte{1, 2, 3, 4, 5},
		TTLMs:        5000,
	}
	signature := signBid(t, key, verifier, fields)

	resp, err := ctrl.SubmitBid(context.Background(), BidSubmission{
		IntentHash: intent.IntentHash,
		Fields:     fields,
		Signature:  signature,
	})
	if err != nil {
		t.Fatalf("submit bid: %v", err)
	}
	if !resp.Accepted || resp.Rank != 1 {
		t.Fatalf("resp = %+v", resp)
	}

	stored, err := bids.FindByID(context.Background(), resp.BidID)
	if err != nil {
		t.Fatalf("find bid: %v", err)
	}
	if stored.Status != domain.BidAccepted {
		t.Fatalf("status = %s, want ACCEPTED", stored.Status)
	}

	updated, err := intents.FindByHash(context.Background(), intent.IntentHash)
	if err != nil {
		t.Fatalf("find intent: %v", err)
	}
	if updated.Status != domain.IntentBidding {
		t.Fatalf("intent status = %s, want BIDDING", updated.Status)
	}
	if updated.BestBidID != resp.BidID {
		t.Fatalf("bestBidId = %s, want %s", updated.BestBidID, resp.BidID)
	}
}

func TestSubmitBid_SolverReplacesOwnBid(t *testing.T) {
	ctrl, intents, bids, verifier := newTestController(t)
	intent := seedOpenIntent(t, intents)
	key, _ := crypto.GenerateKey()

	first := domain.BidFields{
		IntentHash: intent.IntentHash, QuoteOut: uint256.NewInt(950_000_000_000_000_000),
		SolverFeeBps: 15, CalldataHint: []byte{1, 2, 3, 4, 5}, TTLMs: 5000,
	}
	firstSig := signBid(t, key, verifier, first)
	firstResp, err := ctrl.SubmitBid(context.Background(), BidSubmission{IntentHash: intent.IntentHash, Fields: first, Signature: firstSig})
	if err != nil {
		t.Fatalf("submit first bid: %v", err)
	}

	second := domain.BidFields{
		IntentHash: intent.IntentHash, QuoteOut: uint256.NewInt(955_000_000_000_000_000),
		SolverFeeBps: 12, CalldataHint: []byte{1, 2, 3, 4, 5}, TTLMs: 5000,
	}
	secondSig := signBid(t, key, verifier, second)
	secondResp, err := ctrl.SubmitBid(context.Background(), BidSubmission{IntentHash: intent.IntentHash, Fields: second, Signature: secondSig})
	if err != nil {
		t.Fatalf("submit second bid: %v", err)
	}

	firstStored, err := bids.FindByID(context.Background(), firstResp.BidID)
	if err != nil {
		t.Fatalf("find first bid: %v", err)
	}
	if firstStored.Status != domain.BidLost {
		t.Fatalf("first bid status = %s, want LOST", firstStored.Status)
	}
	secondStored, err := bids.FindByID(context.Background(), secondResp.BidID)
	if err != nil {
		t.Fatalf("find second bid: %v", err)
	}
	if secondStored.Status != domain.BidAccepted {
		t.Fatalf("second bid status = %s, want ACCEPTED", secondStored.Status)
	}

	updated, err := intents.FindByHash(context.Background(), intent.IntentHash)
	if err != nil {
		t.Fatalf("find intent: %v", err)
	}
	if updated.TotalBids != 2 {
		t.Fatalf("totalBids = %d, want 2", updated.TotalBids)
	}
}

func TestSubmitBid_RejectsFeeAboveCap(t *testing.T) {
	ctrl, intents, _, verifier := newTestController(t)
	intent := seedOpenIntent(t, intents)
	key, _ := crypto.GenerateKey()

	fields := domain.BidFields{
		IntentHash: intent.IntentHash, QuoteOut: uint256.NewInt(1), SolverFeeBps: 31,
		CalldataHint: []byte{1, 2, 3, 4, 5}, TTLMs: 5000,
	}
	signature := signBid(t, key, verifier, fields)

	_, err := ctrl.SubmitBid(context.Background(), BidSubmission{IntentHash: intent.IntentHash, Fields: fields, Signature: signature})
	if err == nil {
		t.Fatal("expected fee cap rejection")
	}
}

func TestCloseWindow_PicksHighestScoringWinner(t *testing.T) {
	ctrl, intents, bids, verifier := newTestController(t)
	intent := seedOpenIntent(t, intents)
	ctrl.ArmWindow(intent.IntentHash, intent.CreatedAt, 60_000)

	keyA, _ := crypto.GenerateKey()
	keyB, _ := crypto.GenerateKey()

	lowBid := domain.BidFields{IntentHash: intent.IntentHash, QuoteOut: uint256.NewInt(900_000_000_000_000_000), SolverFeeBps: 15, CalldataHint: []byte{1, 2, 3, 4, 5}, TTLMs: 5000}
	highBid := domain.BidFields{IntentHash: intent.IntentHash, QuoteOut: uint256.NewInt(960_000_000_000_000_000), SolverFeeBps: 10, CalldataHint: []byte{1, 2, 3, 4, 5}, TTLMs: 5000}

	lowResp, err := ctrl.SubmitBid(context.Background(), BidSubmission{IntentHash: intent.IntentHash, Fields: lowBid, Signature: signBid(t, keyA, verifier, lowBid)})
	if err != nil {
		t.Fatalf("submit low bid: %v", err)
	}
	highResp, err := ctrl.SubmitBid(context.Background(), BidSubmission{IntentHash: intent.IntentHash, Fields: highBid, Signature: signBid(t, keyB, verifier, highBid)})
	if err != nil {
		t.Fatalf("submit high bid: %v", err)
	}

	ctrl.closeWindow(context.Background(), intent.IntentHash)

	winner, err := bids.FindByID(context.Background(), highResp.BidID)
	if err != nil {
		t.Fatalf("find high bid: %v", err)
	}
	if winner.Status != domain.BidWon {
		t.Fatalf("winner status = %s, want WON", winner.Status)
	}
	loser, err := bids.FindByID(context.Background(), lowResp.BidID)
	if err != nil {
		t.Fatalf("find low bid: %v", err)
	}
	if loser.Status != domain.BidLost {
		t.Fatalf("loser status = %s, want LOST", loser.Status)
	}

	updated, err := intents.FindByHash(context.Background(), intent.IntentHash)
	if err != nil {
		t.Fatalf("find intent: %v", err)
	}
	if updated.BestBidID != highResp.BidID {
		t.Fatalf("bestBidId = %s, want %s", updated.BestBidID, highResp.BidID)
	}
}

func TestCloseWindow_NoBidsExpiresIntent(t *testing.T) {
	ctrl, intents, _, _ := newTestController(t)
	intent := seedOpenIntent(t, intents)
	ctrl.ArmWindow(intent.IntentHash, intent.CreatedAt, 60_000)

	ctrl.closeWindow(context.Background(), intent.IntentHash)

	updated, err := intents.FindByHash(context.Background(), intent.IntentHash)
	if err != nil {
		t.Fatalf("find intent: %v", err)
	}
	if updated.Status != domain.IntentExpired {
		t.Fatalf("status = %s, want EXPIRED", updated.Status)
	}
}

func TestConfirmSettlement_TransitionsToFilled(t *testing.T) {
	ctrl, intents, _, verifier := newTestController(t)
	intent := seedOpenIntent(t, intents)
	ctrl.ArmWindow(intent.IntentHash, intent.CreatedAt, 60_000)

	key, _ := crypto.GenerateKey()
	fields := domain.BidFields{IntentHash: intent.IntentHash, QuoteOut: uint256.NewInt(950_000_000_000_000_000), SolverFeeBps: 15, CalldataHint: []byte{1, 2, 3, 4, 5}, TTLMs: 5000}
	resp, err := ctrl.SubmitBid(context.Background(), BidSubmission{IntentHash: intent.IntentHash, Fields: fields, Signature: signBid(t, key, verifier, fields)})
	if err != nil {
		t.Fatalf("submit bid: %v", err)
	}

	ctrl.closeWindow(context.Background(), intent.IntentHash)

	if err := ctrl.ConfirmSettlement(context.Background(), intent.IntentHash, resp.BidID); err != nil {
		t.Fatalf("confirm settlement: %v", err)
	}

	updated, err := intents.FindByHash(context.Background(), intent.IntentHash)
	if err != nil {
		t.Fatalf("find intent: %v", err)
	}
	if updated.Status != domain.IntentFilled {
		t.Fatalf("status = %s, want FILLED", updated.Status)
	}
}

func TestWithdrawBid_RejectsOtherSolver(t *testing.T) {
	ctrl, intents, _, verifier := newTestController(t)
	intent := seedOpenIntent(t, intents)
	key, _ := crypto.GenerateKey()
	fields := domain.BidFields{IntentHash: intent.IntentHash, QuoteOut: uint256.NewInt(950_000_000_000_000_000), SolverFeeBps: 15, CalldataHint: []byte{1, 2, 3, 4, 5}, TTLMs: 5000}
	resp, err := ctrl.SubmitBid(context.Background(), BidSubmission{IntentHash: intent.IntentHash, Fields: fields, Signature: signBid(t, key, verifier, fields)})
	if err != nil {
		t.Fatalf("submit bid: %v", err)
	}

	if err := ctrl.WithdrawBid(context.Background(), intent.IntentHash, resp.BidID, common.HexToAddress("0xdead")); err == nil {
		t.Fatal("expected unauthorized withdrawal to fail")
	}
}
