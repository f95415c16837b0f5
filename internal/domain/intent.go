// Package domain holds the coordinator's core data model: intents, bids,
// and their status state machines. It has no dependency on storage,
// transport, or cryptography -- those live in sibling packages and
// operate on these types.
package domain

import (
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/holiman/uint256"
)

// IntentStatus is the lifecycle state of an Intent.
type IntentStatus string

const (
	IntentNew          IntentStatus = "NEW"
	IntentBroadcasting IntentStatus = "BROADCASTING"
	IntentBidding      IntentStatus = "BIDDING"
	IntentFilled       IntentStatus = "FILLED"
	IntentExpired      IntentStatus = "EXPIRED"
	IntentCancelled    IntentStatus = "CANCELLED"
	IntentFailed       IntentStatus = "FAILED"
)

// Terminal reports whether the status admits no further transitions.
func (s IntentStatus) Terminal() bool {
	switch s {
	case IntentFilled, IntentExpired, IntentCancelled, IntentFailed:
		return true
	default:
		return false
	}
}

// Acceptable reports whether an intent in this status can still accept bids.
func (s IntentStatus) Acceptable() bool {
	return s == IntentBroadcasting || s == IntentBidding
}

// IntentPayload is the immutable, user-signed portion of an Intent. Field
// order matters: it is the EIP-712 struct field order (spec domain
// "Intent"), and the JSON boundary representation follows it for
// readability, though JSON itself is unordered.
type IntentPayload struct {
	TokenIn        common.Address `json:"tokenIn"`
	TokenOut       common.Address `json:"tokenOut"`
	AmountIn       *uint256.Int   `json:"amountIn"`
	MaxSlippageBps uint32         `json:"maxSlippageBps"`
	Deadline       int64          `json:"deadline"`
	ChainID        uint64         `json:"chainId"`
	Receiver       common.Address `json:"receiver"`
	Nonce          *uint256.Int   `json:"nonce"`
}

// Intent is the full persisted record: immutable payload plus mutable
// status metadata.
type Intent struct {
	IntentHash common.Hash    `json:"intentHash"`
	Payload    IntentPayload  `json:"payload"`
	Signature  [65]byte       `json:"-"`
	Signer     common.Address `json:"signer"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
	ExpiresAt time.Time `json:"expiresAt"`

	Status     IntentStatus `json:"status"`
	BestBidID  string       `json:"bestBidId,omitempty"`
	TotalBids  int          `json:"totalBids"`
}

// SignatureHex renders the 65-byte ECDSA signature as 0x-prefixed hex.
func (i *Intent) SignatureHex() string {
	return hexutil.Encode(i.Signature[:])
}
