package store

import (
	"context"
	"errors"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/intentauction/coordinator/internal/apperr"
	"github.com/intentauction/coordinator/internal/domain"
)

// PGBidStore implements BidStore over a Postgres connection pool.
type PGBidStore struct {
	pool *pgxpool.Pool
}

// NewPGBidStore wraps an existing pool.
func NewPGBidStore(pool *pgxpool.Pool) *PGBidStore {
	return &PGBidStore{pool: pool}
}

func (s *PGBidStore) Create(ctx context.Context, bid *domain.Bid) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO bids (id, intent_hash, solver_id, quote_out, solver_fee_bps, calldata_hint, ttl_ms, solver_signature, arrived_at, rank, score, status)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
	`, bid.ID, bid.IntentHash.Bytes(), bid.SolverID.Bytes(), bid.Fields.QuoteOut.Dec(), bid.Fields.SolverFeeBps,
		bid.Fields.CalldataHint, bid.Fields.TTLMs, bid.Signature[:], bid.ArrivedAt, bid.Rank, bid.Score, string(bid.Status),
	)
	if err != nil {
		return apperr.Wrap(apperr.KindStorageUnavailable, "insert bid", err)
	}
	return nil
}

func (s *PGBidStore) FindByID(ctx context.Context, id string) (*domain.Bid, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, intent_hash, solver_id, quote_out, solver_fee_bps, calldata_hint, ttl_ms, solver_signature, arrived_at, COALESCE(rank,0), COALESCE(score,0), status
		FROM bids WHERE id = $1
	`, id)
	return scanBid(row)
}

func scanBid(row pgx.Row) (*domain.Bid, error) {
	var (
		id, status                  string
		intentHash, solverID        []byte
		quoteOutStr                 string
		feeBps                      uint16
		calldataHint                []byte
		ttlMs                       uint32
		signature                   []byte
		arrivedAt                   time.Time
		rank                        int
		score                       float64
	)
	if err := row.Scan(&id, &intentHash, &solverID, &quoteOutStr, &feeBps, &calldataHint, &ttlMs, &signature, &arrivedAt, &rank, &score, &status); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperr.New(apperr.KindNotFound, "bid not found")
		}
		return nil, apperr.Wrap(apperr.KindStorageUnavailable, "scan bid", err)
	}
	quoteOut, err := uint256.FromDecimal(quoteOutStr)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindInternal, "decode quoteOut", err)
	}

	bid := &domain.Bid{
		ID:         id,
		IntentHash: common.BytesToHash(intentHash),
		SolverID:   common.BytesToAddress(solverID),
		Fields: domain.BidFields{
			IntentHash:   common.BytesToHash(intentHash),
			QuoteOut:     quoteOut,
			SolverFeeBps: feeBps,
			CalldataHint: calldataHint,
			TTLMs:        ttlMs,
		},
		ArrivedAt: arrivedAt,
		Score:     score,
		Rank:      rank,
		Status:    domain.BidStatus(status),
	}
	copy(bid.Signature[:], signature)
	return bid, nil
}

func (s *PGBidStore) FindByIntent(ctx context.Context, intentHash common.Hash) ([]*domain.Bid, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, intent_hash, solver_id, quote_out, solver_fee_bps, calldata_hint, ttl_ms, solver_signature, arrived_at, COALESCE(rank,0), COALESCE(score,0), status
		FROM bids WHERE intent_hash = $1
		ORDER BY score DESC, arrived_at ASC
	`, intentHash.Bytes())
	if err != nil {
		return nil, apperr.Wrap(apperr.KindStorageUnavailable, "find bids by intent", err)
	}
	defer rows.Close()

	var out []*domain.Bid
	for rows.Next() {
		bid, err := scanBid(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, bid)
	}
	return out, rows.Err()
}

func (s *PGBidStore) UpdateStatus(ctx context.Context, id string, status domain.BidStatus) error {
	_, err := s.pool.Exec(ctx, `UPDATE bids SET status=$1 WHERE id=$2`, string(status), id)
	if err != nil {
		return apperr.Wrap(apperr.KindStorageUnavailable, "update bid status", err)
	}
	return nil
}

func (s *PGBidStore) UpdateScoreAndRank(ctx context.Context, id string, score float64, rank int) error {
	_, err := s.pool.Exec(ctx, `UPDATE bids SET score=$1, rank=$2 WHERE id=$3`, score, rank, id)
	if err != nil {
		return apperr.Wrap(apperr.KindStorageUnavailable, "update bid score/rank", err)
	}
	return nil
}

func (s *PGBidStore) MarkExpired(ctx context.Context, intentHash common.Hash) (int, error) {
	tag, err := s.pool.Exec(ctx, `UPDATE bids SET status='EXPIRED' WHERE intent_hash=$1 AND status='ACCEPTED'`, intentHash.Bytes())
	if err != nil {
		return 0, apperr.Wrap(apperr.KindStorageUnavailable, "mark bids expired", err)
	}
	return int(tag.RowsAffected()), nil
}

func (s *PGBidStore) BestAccepted(ctx context.Context, intentHash common.Hash) (*domain.Bid, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, intent_hash, solver_id, quote_out, solver_fee_bps, calldata_hint, ttl_ms, solver_signature, arrived_at, COALESCE(rank,0), COALESCE(score,0), status
		FROM bids WHERE intent_hash = $1 AND status = 'ACCEPTED'
		ORDER BY score DESC, arrived_at ASC
		LIMIT 1
	`, intentHash.Bytes())
	bid, err := scanBid(row)
	if err != nil {
		if apperr.KindOf(err) == apperr.KindNotFound {
			return nil, nil
		}
		return nil, err
	}
	return bid, nil
}

// AdmitReplacement persists newBid as ACCEPTED, demotes priorAcceptedID
// (if non-empty) to LOST, and updates the parent intent's bestBidId and
// totalBids, all inside one transaction -- the single-solver replacement
// and the best-bid pointer must never be observed as split writes.
func (s *PGBidStore) AdmitReplacement(ctx context.Context, newBid *domain.Bid, priorAcceptedID string, bestBidID string, totalBids int) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return apperr.Wrap(apperr.KindStorageUnavailable, "begin admission tx", err)
	}
	defer tx.Rollback(ctx)

	if priorAcceptedID != "" {
		if _, err := tx.Exec(ctx, `UPDATE bids SET status='LOST' WHERE id=$1`, priorAcceptedID); err != nil {
			return apperr.Wrap(apperr.KindStorageUnavailable, "demote prior bid", err)
		}
	}

	if _, err := tx.Exec(ctx, `
		INSERT INTO bids (id, intent_hash, solver_id, quote_out, solver_fee_bps, calldata_hint, ttl_ms, solver_signature, arrived_at, rank, score, status)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
	`, newBid.ID, newBid.IntentHash.Bytes(), newBid.SolverID.Bytes(), newBid.Fields.QuoteOut.Dec(), newBid.Fields.SolverFeeBps,
		newBid.Fields.CalldataHint, newBid.Fields.TTLMs, newBid.Signature[:], newBid.ArrivedAt, newBid.Rank, newBid.Score, string(newBid.Status),
	); err != nil {
		return apperr.Wrap(apperr.KindStorageUnavailable, "insert replacement bid", err)
	}

	if _, err := tx.Exec(ctx, `UPDATE intents SET best_bid_id=NULLIF($1,''), total_bids=$2, updated_at=$3 WHERE intent_hash=$4`,
		bestBidID, totalBids, time.Now(), newBid.IntentHash.Bytes(),
	); err != nil {
		return apperr.Wrap(apperr.KindStorageUnavailable, "update intent best bid", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return apperr.Wrap(apperr.KindStorageUnavailable, "commit admission tx", err)
	}
	return nil
}
