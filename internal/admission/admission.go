// Package admission implements the intent admission pipeline (C5):
// structural validation, hashing and deduplication, signature
// verification, persistence, caching, and the first publish that kicks
// off fan-out to solvers.
package admission

import (
	"context"
	"encoding/json"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/intentauction/coordinator/internal/apperr"
	"github.com/intentauction/coordinator/internal/auction"
	"github.com/intentauction/coordinator/internal/bus"
	"github.com/intentauction/coordinator/internal/domain"
	"github.com/intentauction/coordinator/internal/log"
	"github.com/intentauction/coordinator/internal/sig"
	"github.com/intentauction/coordinator/internal/store"
)

// Config bundles the admission pipeline's tunables.
type Config struct {
	BiddingWindowMs int64
	ChainID         uint64
}

// Pipeline implements submit(payload, signature) per the coordinator's
// admission contract.
type Pipeline struct {
	cfg      Config
	intents  store.IntentStore
	bus      bus.MessageBus
	verifier *sig.Verifier
	auction  *auction.Controller
	log      *log.Logger

	serialize keyedSerializer
}

// NewPipeline wires the admission pipeline's dependencies.
func NewPipeline(cfg Config, intents store.IntentStore, msgBus bus.MessageBus, verifier *sig.Verifier, controller *auction.Controller, logger *log.Logger) *Pipeline {
	return &Pipeline{
		cfg:      cfg,
		intents:  intents,
		bus:      msgBus,
		verifier: verifier,
		auction:  controller,
		log:      logger,
	}
}

// Result is the response to a successful (or duplicate) submission.
type Result struct {
	IntentHash      common.Hash
	BiddingWindowMs int64
	ExpiresAt       time.Time
	Status          domain.IntentStatus
	Duplicate       bool
}

// SolverIntentMessage is published on bus.ChannelSolverIntents for C7 to
// fan out to connected solver sessions.
type SolverIntentMessage struct {
	IntentHash      string              `json:"intentHash"`
	Intent          intentSubsetPayload `json:"intent"`
	BiddingWindowMs int64               `json:"biddingWindowMs"`
	CreatedAt       time.Time           `json:"createdAt"`
}

// intentSubsetPayload is the subset of the intent solvers need to quote
// against -- no internal bookkeeping fields (bestBidId, totalBids).
type intentSubsetPayload struct {
	TokenIn        string `json:"tokenIn"`
	TokenOut       string `json:"tokenOut"`
	AmountIn       string `json:"amountIn"`
	MaxSlippageBps uint32 `json:"maxSlippageBps"`
	Deadline       int64  `json:"deadline"`
}

// Submit runs the full admission pipeline for a newly received intent.
// Steps 2-8 of the coordinator's admission contract are serialized per
// intentHash so concurrent duplicate submitters observe one atomic
// outcome.
func (p *Pipeline) Submit(ctx context.Context, payload domain.IntentPayload, signature [65]byte) (*Result, error) {
	if err := validatePayload(payload, p.cfg.ChainID); err != nil {
		return nil, err
	}

	hash, err := p.verifier.IntentHash(payload)
	if err != nil {
		return nil, err
	}

	release := p.serialize.lock(hash)
	defer release()

	if existing, err := p.intents.FindByHash(ctx, hash); err == nil {
		return &Result{
			IntentHash:      hash,
			BiddingWindowMs: p.cfg.BiddingWindowMs,
			ExpiresAt:       existing.ExpiresAt,
			Status:          existing.Status,
			Duplicate:       true,
		}, nil
	} else if apperr.KindOf(err) != apperr.KindNotFound {
		return nil, err
	}

	signer, err := p.verifier.VerifyIntent(payload, signature)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	expiresAt := deadlineTime(payload)
	if !expiresAt.After(now) {
		return nil, apperr.New(apperr.KindInvalidInput, "deadline has already passed").WithFields("deadline")
	}

	intent := &domain.Intent{
		IntentHash: hash,
		Payload:    payload,
		Signature:  signature,
		Signer:     signer,
		CreatedAt:  now,
		UpdatedAt:  now,
		ExpiresAt:  expiresAt,
		Status:     domain.IntentNew,
	}

	created, alreadyExisted, err := p.intents.Create(ctx, intent)
	if err != nil {
		return nil, err
	}
	if alreadyExisted {
		return &Result{
			IntentHash:      hash,
			BiddingWindowMs: p.cfg.BiddingWindowMs,
			ExpiresAt:       created.ExpiresAt,
			Status:          created.Status,
			Duplicate:       true,
		}, nil
	}

	ttl := time.Until(created.ExpiresAt)
	if ttl > 0 {
		if payloadJSON, err := json.Marshal(created); err == nil {
			if err := p.bus.CacheSet(ctx, bus.IntentCacheKey(hash.Hex()), payloadJSON, ttl); err != nil {
				p.log.Warn("admission: cache set failed", "intentHash", hash.Hex(), "err", err)
			}
		}
	}

	if err := p.intents.UpdateStatus(ctx, hash, domain.IntentBroadcasting); err != nil {
		return nil, err
	}

	msg := SolverIntentMessage{
		IntentHash: hash.Hex(),
		Intent: intentSubsetPayload{
			TokenIn:        payload.TokenIn.Hex(),
			TokenOut:       payload.TokenOut.Hex(),
			AmountIn:       payload.AmountIn.Dec(),
			MaxSlippageBps: payload.MaxSlippageBps,
			Deadline:       payload.Deadline,
		},
		BiddingWindowMs: p.cfg.BiddingWindowMs,
		CreatedAt:       now,
	}
	if body, err := json.Marshal(msg); err == nil {
		if err := p.bus.Publish(ctx, bus.ChannelSolverIntents, body); err != nil {
			p.log.Warn("admission: publish solver:intents failed", "intentHash", hash.Hex(), "err", err)
		}
	}

	p.auction.ArmWindow(hash, now, p.cfg.BiddingWindowMs)

	return &Result{
		IntentHash:      hash,
		BiddingWindowMs: p.cfg.BiddingWindowMs,
		ExpiresAt:       created.ExpiresAt,
		Status:          domain.IntentBroadcasting,
	}, nil
}

func deadlineTime(p domain.IntentPayload) time.Time { return time.Unix(p.Deadline, 0) }

func validatePayload(p domain.IntentPayload, configuredChainID uint64) error {
	var badFields []string
	if p.TokenIn == (common.Address{}) {
		badFields = append(badFields, "tokenIn")
	}
	if p.TokenOut == (common.Address{}) {
		badFields = append(badFields, "tokenOut")
	}
	if p.AmountIn == nil || p.AmountIn.IsZero() {
		badFields = append(badFields, "amountIn")
	}
	if p.MaxSlippageBps > 10_000 {
		badFields = append(badFields, "maxSlippageBps")
	}
	if p.Deadline <= time.Now().Unix() {
		badFields = append(badFields, "deadline")
	}
	if p.ChainID != configuredChainID {
		badFields = append(badFields, "chainId")
	}
	if len(badFields) > 0 {
		return apperr.New(apperr.KindInvalidInput, "invalid intent payload").WithFields(badFields...)
	}
	return nil
}
