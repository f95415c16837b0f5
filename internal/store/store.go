// Package store defines the durable-storage ports (C2 intent store, C3
// bid store) and their Postgres-backed implementation. Both stores are
// the durable source of truth; the cache in internal/bus is advisory.
package store

import (
	"context"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/intentauction/coordinator/internal/domain"
)

// IntentStats summarizes the intent table for operational visibility.
type IntentStats struct {
	Total       int
	ByStatus    map[domain.IntentStatus]int
	Last24Hours int
}

// IntentStore is the durable record of intents keyed by hash, with a
// status index and an expiry scan. create is idempotent on IntentHash.
type IntentStore interface {
	Create(ctx context.Context, intent *domain.Intent) (created *domain.Intent, alreadyExisted bool, err error)
	FindByHash(ctx context.Context, hash common.Hash) (*domain.Intent, error)
	UpdateStatus(ctx context.Context, hash common.Hash, status domain.IntentStatus) error
	UpdateBestBid(ctx context.Context, hash common.Hash, bestBidID string, totalBids int) error
	FindExpired(ctx context.Context, now time.Time, limit int) ([]*domain.Intent, error)
	Stats(ctx context.Context, now time.Time) (IntentStats, error)
}

// BidStore is the durable record of bids keyed by id, with a secondary
// index by intent and rank/score columns.
type BidStore interface {
	Create(ctx context.Context, bid *domain.Bid) error
	FindByID(ctx context.Context, id string) (*domain.Bid, error)
	FindByIntent(ctx context.Context, intentHash common.Hash) ([]*domain.Bid, error)
	UpdateStatus(ctx context.Context, id string, status domain.BidStatus) error
	UpdateScoreAndRank(ctx context.Context, id string, score float64, rank int) error
	MarkExpired(ctx context.Context, intentHash common.Hash) (int, error)
	BestAccepted(ctx context.Context, intentHash common.Hash) (*domain.Bid, error)

	// AdmitReplacement persists a new ACCEPTED bid and, within the same
	// transaction, demotes the solver's prior ACCEPTED bid on the same
	// intent (if any) to LOST, and updates the intent's bestBidId/totalBids
	// in the intent store. This is the transactional
	// "update_best_bid + insert bid" operation the coordinator's shared
	// resource policy requires for bid admission.
	AdmitReplacement(ctx context.Context, newBid *domain.Bid, priorAcceptedID string, bestBidID string, totalBids int) error
}
