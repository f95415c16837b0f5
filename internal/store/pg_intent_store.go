package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/intentauction/coordinator/internal/apperr"
	"github.com/intentauction/coordinator/internal/domain"
)

// PGIntentStore implements IntentStore over a Postgres connection pool.
type PGIntentStore struct {
	pool *pgxpool.Pool
}

// NewPGIntentStore wraps an existing pool. The pool's lifecycle (close on
// shutdown) is owned by the caller, not this store.
func NewPGIntentStore(pool *pgxpool.Pool) *PGIntentStore {
	return &PGIntentStore{pool: pool}
}

type intentPayloadJSON struct {
	TokenIn        string `json:"tokenIn"`
	TokenOut       string `json:"tokenOut"`
	AmountIn       string `json:"amountIn"`
	MaxSlippageBps uint32 `json:"maxSlippageBps"`
	Deadline       int64  `json:"deadline"`
	ChainID        uint64 `json:"chainId"`
	Receiver       string `json:"receiver"`
	Nonce          string `json:"nonce"`
}

func toPayloadJSON(p domain.IntentPayload) intentPayloadJSON {
	return intentPayloadJSON{
		TokenIn:        p.TokenIn.Hex(),
		TokenOut:       p.TokenOut.Hex(),
		AmountIn:       p.AmountIn.Dec(),
		MaxSlippageBps: p.MaxSlippageBps,
		Deadline:       p.Deadline,
		ChainID:        p.ChainID,
		Receiver:       p.Receiver.Hex(),
		Nonce:          p.Nonce.Dec(),
	}
}

func fromPayloadJSON(j intentPayloadJSON) (domain.IntentPayload, error) {
	amountIn, err := uint256.FromDecimal(j.AmountIn)
	if err != nil {
		return domain.IntentPayload{}, err
	}
	nonce, err := uint256.FromDecimal(j.Nonce)
	if err != nil {
		return domain.IntentPayload{}, err
	}
	return domain.IntentPayload{
		TokenIn:        common.HexToAddress(j.TokenIn),
		TokenOut:       common.HexToAddress(j.TokenOut),
		AmountIn:       amountIn,
		MaxSlippageBps: j.MaxSlippageBps,
		Deadline:       j.Deadline,
		ChainID:        j.ChainID,
		Receiver:       common.HexToAddress(j.Receiver),
		Nonce:          nonce,
	}, nil
}

// Create is idempotent on IntentHash: if a row already exists it is
// returned unmodified alongside alreadyExisted=true.
func (s *PGIntentStore) Create(ctx context.Context, intent *domain.Intent) (*domain.Intent, bool, error) {
	payload, err := json.Marshal(toPayloadJSON(intent.Payload))
	if err != nil {
		return nil, false, apperr.Wrap(apperr.KindInternal, "marshal intent payload", err)
	}

	tag, err := s.pool.Exec(ctx, `
		INSERT INTO intents (intent_hash, payload, signature, signer, status, created_at, updated_at, expires_at, total_bids, best_bid_id)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,NULLIF($10,''))
		ON CONFLICT (intent_hash) DO NOTHING
	`, intent.IntentHash.Bytes(), payload, intent.Signature[:], intent.Signer.Bytes(),
		string(intent.Status), intent.CreatedAt, intent.UpdatedAt, intent.ExpiresAt,
		intent.TotalBids, intent.BestBidID,
	)
	if err != nil {
		return nil, false, apperr.Wrap(apperr.KindStorageUnavailable, "insert intent", err)
	}
	alreadyExisted := tag.RowsAffected() == 0

	existing, err := s.FindByHash(ctx, intent.IntentHash)
	if err != nil {
		return nil, false, err
	}
	return existing, alreadyExisted, nil
}

func (s *PGIntentStore) FindByHash(ctx context.Context, hash common.Hash) (*domain.Intent, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT intent_hash, payload, signature, signer, status, created_at, updated_at, expires_at, total_bids, COALESCE(best_bid_id, '')
		FROM intents WHERE intent_hash = $1
	`, hash.Bytes())
	return scanIntent(row)
}

func scanIntent(row pgx.Row) (*domain.Intent, error) {
	var (
		intentHash, signature, signer []byte
		payloadRaw                    []byte
		status                        string
		createdAt, updatedAt, expiresAt time.Time
		totalBids                     int
		bestBidID                     string
	)
	if err := row.Scan(&intentHash, &payloadRaw, &signature, &signer, &status, &createdAt, &updatedAt, &expiresAt, &totalBids, &bestBidID); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperr.New(apperr.KindNotFound, "intent not found")
		}
		return nil, apperr.Wrap(apperr.KindStorageUnavailable, "scan intent", err)
	}

	var pj intentPayloadJSON
	if err := json.Unmarshal(payloadRaw, &pj); err != nil {
		return nil, apperr.Wrap(apperr.KindInternal, "unmarshal intent payload", err)
	}
	payload, err := fromPayloadJSON(pj)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindInternal, "decode intent payload", err)
	}

	intent := &domain.Intent{
		IntentHash: common.BytesToHash(intentHash),
		Payload:    payload,
		Signer:     common.BytesToAddress(signer),
		CreatedAt:  createdAt,
		UpdatedAt:  updatedAt,
		ExpiresAt:  expiresAt,
		Status:     domain.IntentStatus(status),
		BestBidID:  bestBidID,
		TotalBids:  totalBids,
	}
	copy(intent.Signature[:], signature)
	return intent, nil
}

func (s *PGIntentStore) UpdateStatus(ctx context.Context, hash common.Hash, status domain.IntentStatus) error {
	_, err := s.pool.Exec(ctx, `UPDATE intents SET status=$1, updated_at=$2 WHERE intent_hash=$3`,
		string(status), time.Now(), hash.Bytes())
	if err != nil {
		return apperr.Wrap(apperr.KindStorageUnavailable, "update intent status", err)
	}
	return nil
}

func (s *PGIntentStore) UpdateBestBid(ctx context.Context, hash common.Hash, bestBidID string, totalBids int) error {
	_, err := s.pool.Exec(ctx, `UPDATE intents SET best_bid_id=NULLIF($1,''), total_bids=$2, updated_at=$3 WHERE intent_hash=$4`,
		bestBidID, totalBids, time.Now(), hash.Bytes())
	if err != nil {
		return apperr.Wrap(apperr.KindStorageUnavailable, "update best bid", err)
	}
	return nil
}

func (s *PGIntentStore) FindExpired(ctx context.Context, now time.Time, limit int) ([]*domain.Intent, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT intent_hash, payload, signature, signer, status, created_at, updated_at, expires_at, total_bids, COALESCE(best_bid_id, '')
		FROM intents
		WHERE expires_at < $1 AND status NOT IN ('FILLED','EXPIRED','CANCELLED','FAILED')
		ORDER BY expires_at ASC
		LIMIT $2
	`, now, limit)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindStorageUnavailable, "find expired intents", err)
	}
	defer rows.Close()

	var out []*domain.Intent
	for rows.Next() {
		intent, err := scanIntent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, intent)
	}
	return out, rows.Err()
}

func (s *PGIntentStore) Stats(ctx context.Context, now time.Time) (IntentStats, error) {
	stats := IntentStats{ByStatus: map[domain.IntentStatus]int{}}

	rows, err := s.pool.Query(ctx, `SELECT status, count(*) FROM intents GROUP BY status`)
	if err != nil {
		return stats, apperr.Wrap(apperr.KindStorageUnavailable, "stats by status", err)
	}
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			rows.Close()
			return stats, apperr.Wrap(apperr.KindStorageUnavailable, "scan stats", err)
		}
		stats.ByStatus[domain.IntentStatus(status)] = count
		stats.Total += count
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return stats, apperr.Wrap(apperr.KindStorageUnavailable, "stats rows", err)
	}

	if err := s.pool.QueryRow(ctx, `SELECT count(*) FROM intents WHERE created_at > $1`, now.Add(-24*time.Hour)).Scan(&stats.Last24Hours); err != nil {
		return stats, apperr.Wrap(apperr.KindStorageUnavailable, "stats last 24h", err)
	}
	return stats, nil
}
