// Package sig implements EIP-712 typed-data signature verification for
// intents and bids (component C1). The digest it produces for an intent
// must be bit-identical to what on-chain settlement computes from the
// same payload, so it is built directly on go-ethereum's own typed-data
// machinery rather than a hand-rolled ABI encoder.
package sig

import (
	"crypto/ecdsa"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"

	"github.com/intentauction/coordinator/internal/apperr"
	"github.com/intentauction/coordinator/internal/domain"
)

// secp256k1HalfN is half the order of the secp256k1 curve; an ECDSA
// signature is canonical ("low-s") iff its s value does not exceed it.
// Mirrors the check go-ethereum's own transaction signing applies.
var secp256k1HalfN = new(big.Int).Rsh(crypto.S256().Params().N, 1)

// Domain is the fixed EIP-712 domain for one primary type. Intents and
// bids use distinct domains (same chain/contract, different name).
type Domain struct {
	Name              string
	Version           string
	ChainID           uint64
	VerifyingContract common.Address
}

func (d Domain) typedDataDomain() apitypes.TypedDataDomain {
	return apitypes.TypedDataDomain{
		Name:              d.Name,
		Version:           d.Version,
		ChainId:           math.NewHexOrDecimal256(int64(d.ChainID)),
		VerifyingContract: d.VerifyingContract.Hex(),
	}
}

// Verifier verifies intent and bid signatures against fixed EIP-712
// domains configured at startup.
type Verifier struct {
	intentDomain Domain
	bidDomain    Domain
}

// NewVerifier builds a Verifier whose domains share chainId/verifyingContract
// but use the "IntentSettlement"/"IntentBidding" names the coordinator's
// external interface contract specifies.
func NewVerifier(chainID uint64, verifyingContract common.Address) *Verifier {
	return &Verifier{
		intentDomain: Domain{Name: "IntentSettlement", Version: "1", ChainID: chainID, VerifyingContract: verifyingContract},
		bidDomain:    Domain{Name: "IntentBidding", Version: "1", ChainID: chainID, VerifyingContract: verifyingContract},
	}
}

var intentTypes = apitypes.Types{
	"EIP712Domain": {
		{Name: "name", Type: "string"},
		{Name: "version", Type: "string"},
		{Name: "chainId", Type: "uint256"},
		{Name: "verifyingContract", Type: "address"},
	},
	"Intent": {
		{Name: "tokenIn", Type: "address"},
		{Name: "tokenOut", Type: "address"},
		{Name: "amountIn", Type: "uint256"},
		{Name: "maxSlippageBps", Type: "uint256"},
		{Name: "deadline", Type: "uint256"},
		{Name: "chainId", Type: "uint256"},
		{Name: "receiver", Type: "address"},
		{Name: "nonce", Type: "uint256"},
	},
}

var bidTypes = apitypes.Types{
	"EIP712Domain": {
		{Name: "name", Type: "string"},
		{Name: "version", Type: "string"},
		{Name: "chainId", Type: "uint256"},
		{Name: "verifyingContract", Type: "address"},
	},
	"Bid": {
		{Name: "intentHash", Type: "bytes32"},
		{Name: "quoteOut", Type: "uint256"},
		{Name: "solverFeeBps", Type: "uint16"},
		{Name: "calldataHint", Type: "bytes"},
		{Name: "ttlMs", Type: "uint32"},
	},
}

// intentTypedData builds the TypedData structure for an intent payload.
func (v *Verifier) intentTypedData(p domain.IntentPayload) apitypes.TypedData {
	return apitypes.TypedData{
		Types:       intentTypes,
		PrimaryType: "Intent",
		Domain:      v.intentDomain.typedDataDomain(),
		Message: apitypes.TypedDataMessage{
			"tokenIn":        p.TokenIn.Hex(),
			"tokenOut":       p.TokenOut.Hex(),
			"amountIn":       p.AmountIn.ToBig().String(),
			"maxSlippageBps": fmt.Sprintf("%d", p.MaxSlippageBps),
			"deadline":       fmt.Sprintf("%d", p.Deadline),
			"chainId":        fmt.Sprintf("%d", p.ChainID),
			"receiver":       p.Receiver.Hex(),
			"nonce":          p.Nonce.ToBig().String(),
		},
	}
}

func (v *Verifier) bidTypedData(f domain.BidFields) apitypes.TypedData {
	return apitypes.TypedData{
		Types:       bidTypes,
		PrimaryType: "Bid",
		Domain:      v.bidDomain.typedDataDomain(),
		Message: apitypes.TypedDataMessage{
			"intentHash":   f.IntentHash.Hex(),
			"quoteOut":     f.QuoteOut.ToBig().String(),
			"solverFeeBps": fmt.Sprintf("%d", f.SolverFeeBps),
			"calldataHint": hexutil.Encode(f.CalldataHint),
			"ttlMs":        fmt.Sprintf("%d", f.TTLMs),
		},
	}
}

// IntentHash computes the canonical EIP-712 digest for an intent payload.
// This must round-trip bit-identically with on-chain settlement's own
// computation of the same digest.
func (v *Verifier) IntentHash(p domain.IntentPayload) (common.Hash, error) {
	td := v.intentTypedData(p)
	digest, _, err := apitypes.TypedDataAndHash(td)
	if err != nil {
		return common.Hash{}, apperr.Wrap(apperr.KindInvalidInput, "compute intent hash", err)
	}
	return common.BytesToHash(digest), nil
}

// BidHash computes the canonical EIP-712 digest for a bid's signed fields.
func (v *Verifier) BidHash(f domain.BidFields) (common.Hash, error) {
	td := v.bidTypedData(f)
	digest, _, err := apitypes.TypedDataAndHash(td)
	if err != nil {
		return common.Hash{}, apperr.Wrap(apperr.KindInvalidInput, "compute bid hash", err)
	}
	return common.BytesToHash(digest), nil
}

// VerifyIntent recovers the signer of an EIP-712-signed intent and checks
// the signature is in canonical low-s form. It does not check the
// claimed signer against anything -- the caller (admission pipeline)
// decides whether the recovered signer is who it expected.
func (v *Verifier) VerifyIntent(p domain.IntentPayload, signature [65]byte) (common.Address, error) {
	if p.ChainID == 0 {
		return common.Address{}, apperr.New(apperr.KindInvalidInput, "chainId must be nonzero")
	}
	digest, err := v.IntentHash(p)
	if err != nil {
		return common.Address{}, err
	}
	return recoverAndCheck(digest, signature)
}

// VerifyBid recovers the signer of an EIP-712-signed bid. The caller
// supplies no trusted solver identity -- the recovered address *is* the
// solverId, per the coordinator's no-caller-supplied-identity rule.
func (v *Verifier) VerifyBid(f domain.BidFields, signature [65]byte) (common.Address, error) {
	digest, err := v.BidHash(f)
	if err != nil {
		return common.Address{}, err
	}
	return recoverAndCheck(digest, signature)
}

// recoverAndCheck performs ECDSA public key recovery over digest using
// signature, rejecting non-canonical (high-s) signatures and malformed
// recovery IDs before returning the recovered address.
func recoverAndCheck(digest common.Hash, signature [65]byte) (common.Address, error) {
	s := new(big.Int).SetBytes(signature[32:64])
	if s.Cmp(secp256k1HalfN) > 0 {
		return common.Address{}, apperr.New(apperr.KindInvalidSignature, "signature is not canonical (high-s)")
	}
	recoveryID := signature[64]
	if recoveryID >= 27 {
		recoveryID -= 27
	}
	if recoveryID != 0 && recoveryID != 1 {
		return common.Address{}, apperr.New(apperr.KindInvalidSignature, "invalid recovery id")
	}

	sig := make([]byte, 65)
	copy(sig, signature[:64])
	sig[64] = recoveryID

	pub, err := crypto.SigToPub(digest[:], sig)
	if err != nil {
		return common.Address{}, apperr.Wrap(apperr.KindInvalidSignature, "signature recovery failed", err)
	}
	return pubkeyToAddress(pub), nil
}

func pubkeyToAddress(pub *ecdsa.PublicKey) common.Address {
	return crypto.PubkeyToAddress(*pub)
}
