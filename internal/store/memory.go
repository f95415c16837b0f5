package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/intentauction/coordinator/internal/apperr"
	"github.com/intentauction/coordinator/internal/domain"
)

// MemoryIntentStore is an in-process IntentStore, grounded on the teacher's
// txpool in-memory index shape: a guarded map, no background flushing. It
// is the store used by component tests and by single-node deployments that
// don't need a durable backend.
type MemoryIntentStore struct {
	mu      sync.Mutex
	intents map[common.Hash]*domain.Intent
}

func NewMemoryIntentStore() *MemoryIntentStore {
	return &MemoryIntentStore{intents: make(map[common.Hash]*domain.Intent)}
}

func cloneIntent(i *domain.Intent) *domain.Intent {
	c := *i
	return &c
}

func (s *MemoryIntentStore) Create(ctx context.Context, intent *domain.Intent) (*domain.Intent, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.intents[intent.IntentHash]; ok {
		return cloneIntent(existing), true, nil
	}
	s.intents[intent.IntentHash] = cloneIntent(intent)
	return cloneIntent(intent), false, nil
}

func (s *MemoryIntentStore) FindByHash(ctx context.Context, hash common.Hash) (*domain.Intent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	intent, ok := s.intents[hash]
	if !ok {
		return nil, apperr.New(apperr.KindNotFound, "intent not found")
	}
	return cloneIntent(intent), nil
}

func (s *MemoryIntentStore) UpdateStatus(ctx context.Context, hash common.Hash, status domain.IntentStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	intent, ok := s.intents[hash]
	if !ok {
		return apperr.New(apperr.KindNotFound, "intent not found")
	}
	intent.Status = status
	intent.UpdatedAt = time.Now()
	return nil
}

func (s *MemoryIntentStore) UpdateBestBid(ctx context.Context, hash common.Hash, bestBidID string, totalBids int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	intent, ok := s.intents[hash]
	if !ok {
		return apperr.New(apperr.KindNotFound, "intent not found")
	}
	intent.BestBidID = bestBidID
	intent.TotalBids = totalBids
	intent.UpdatedAt = time.Now()
	return nil
}

func (s *MemoryIntentStore) FindExpired(ctx context.Context, now time.Time, limit int) ([]*domain.Intent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*domain.Intent
	for _, intent := range s.intents {
		if intent.Status.Terminal() {
			continue
		}
		if intent.ExpiresAt.Before(now) {
			out = append(out, cloneIntent(intent))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ExpiresAt.Before(out[j].ExpiresAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryIntentStore) Stats(ctx context.Context, now time.Time) (IntentStats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	stats := IntentStats{ByStatus: map[domain.IntentStatus]int{}}
	for _, intent := range s.intents {
		stats.Total++
		stats.ByStatus[intent.Status]++
		if intent.CreatedAt.After(now.Add(-24 * time.Hour)) {
			stats.Last24Hours++
		}
	}
	return stats, nil
}

// MemoryBidStore is an in-process BidStore paired with MemoryIntentStore.
type MemoryBidStore struct {
	mu     sync.Mutex
	bids   map[string]*domain.Bid
	byIntent map[common.Hash][]string

	intents *MemoryIntentStore
}

// NewMemoryBidStore binds to the intent store it must keep consistent
// during AdmitReplacement, mirroring the single-transaction guarantee the
// Postgres implementation gets from the database.
func NewMemoryBidStore(intents *MemoryIntentStore) *MemoryBidStore {
	return &MemoryBidStore{
		bids:     make(map[string]*domain.Bid),
		byIntent: make(map[common.Hash][]string),
		intents:  intents,
	}
}

func cloneBid(b *domain.Bid) *domain.Bid {
	c := *b
	return &c
}

func (s *MemoryBidStore) Create(ctx context.Context, bid *domain.Bid) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.bids[bid.ID]; exists {
		return apperr.New(apperr.KindDuplicate, "bid id already exists")
	}
	s.bids[bid.ID] = cloneBid(bid)
	s.byIntent[bid.IntentHash] = append(s.byIntent[bid.IntentHash], bid.ID)
	return nil
}

func (s *MemoryBidStore) FindByID(ctx context.Context, id string) (*domain.Bid, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	bid, ok := s.bids[id]
	if !ok {
		return nil, apperr.New(apperr.KindNotFound, "bid not found")
	}
	return cloneBid(bid), nil
}

func (s *MemoryBidStore) FindByIntent(ctx context.Context, intentHash common.Hash) ([]*domain.Bid, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ids := s.byIntent[intentHash]
	out := make([]*domain.Bid, 0, len(ids))
	for _, id := range ids {
		out = append(out, cloneBid(s.bids[id]))
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].ArrivedAt.Before(out[j].ArrivedAt)
	})
	return out, nil
}

func (s *MemoryBidStore) UpdateStatus(ctx context.Context, id string, status domain.BidStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	bid, ok := s.bids[id]
	if !ok {
		return apperr.New(apperr.KindNotFound, "bid not found")
	}
	bid.Status = status
	return nil
}

func (s *MemoryBidStore) UpdateScoreAndRank(ctx context.Context, id string, score float64, rank int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	bid, ok := s.bids[id]
	if !ok {
		return apperr.New(apperr.KindNotFound, "bid not found")
	}
	bid.Score = score
	bid.Rank = rank
	return nil
}

func (s *MemoryBidStore) MarkExpired(ctx context.Context, intentHash common.Hash) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	count := 0
	for _, id := range s.byIntent[intentHash] {
		bid := s.bids[id]
		if bid.Status == domain.BidAccepted {
			bid.Status = domain.BidExpired
			count++
		}
	}
	return count, nil
}

func (s *MemoryBidStore) BestAccepted(ctx context.Context, intentHash common.Hash) (*domain.Bid, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var best *domain.Bid
	for _, id := range s.byIntent[intentHash] {
		bid := s.bids[id]
		if bid.Status != domain.BidAccepted {
			continue
		}
		if best == nil || bid.Score > best.Score || (bid.Score == best.Score && bid.ArrivedAt.Before(best.ArrivedAt)) {
			best = bid
		}
	}
	if best == nil {
		return nil, nil
	}
	return cloneBid(best), nil
}

func (s *MemoryBidStore) AdmitReplacement(ctx context.Context, newBid *domain.Bid, priorAcceptedID string, bestBidID string, totalBids int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.bids[newBid.ID]; exists {
		return apperr.New(apperr.KindDuplicate, "bid id already exists")
	}
	if err := s.intents.UpdateBestBid(ctx, newBid.IntentHash, bestBidID, totalBids); err != nil {
		return err
	}
	if priorAcceptedID != "" {
		if prior, ok := s.bids[priorAcceptedID]; ok {
			prior.Status = domain.BidLost
		}
	}
	s.bids[newBid.ID] = cloneBid(newBid)
	s.byIntent[newBid.IntentHash] = append(s.byIntent[newBid.IntentHash], newBid.ID)
	return nil
}
