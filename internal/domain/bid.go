package domain

import (
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// BidStatus is the lifecycle state of a Bid.
type BidStatus string

const (
	BidPending  BidStatus = "PENDING"
	BidAccepted BidStatus = "ACCEPTED"
	BidRejected BidStatus = "REJECTED"
	BidExpired  BidStatus = "EXPIRED"
	BidWon      BidStatus = "WON"
	BidLost     BidStatus = "LOST"
	BidInvalid  BidStatus = "INVALID"
)

// BidFields is the signed portion of a bid submission, matching the
// "Bid" EIP-712 primary type field-for-field.
type BidFields struct {
	IntentHash   common.Hash  `json:"intentHash"`
	QuoteOut     *uint256.Int `json:"quoteOut"`
	SolverFeeBps uint16       `json:"solverFeeBps"`
	CalldataHint []byte       `json:"calldataHint"`
	TTLMs        uint32       `json:"ttlMs"`
}

// Bid is the full persisted record for a solver's execution quote.
type Bid struct {
	ID         string         `json:"id"`
	IntentHash common.Hash    `json:"intentHash"`
	Fields     BidFields      `json:"fields"`
	Signature  [65]byte       `json:"-"`
	SolverID   common.Address `json:"solverId"`

	ArrivedAt time.Time `json:"arrivedAt"`
	Score     float64   `json:"score"`
	Rank      int       `json:"rank"`
	Status    BidStatus `json:"status"`
}

// QuoteOut is a convenience accessor used throughout scoring code.
func (b *Bid) QuoteOut() *uint256.Int { return b.Fields.QuoteOut }

// FeeBps is a convenience accessor.
func (b *Bid) FeeBps() uint16 { return b.Fields.SolverFeeBps }
