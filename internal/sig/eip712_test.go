package sig

import (
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/holiman/uint256"

	"github.com/intentauction/coordinator/internal/domain"
)

func testPayload() domain.IntentPayload {
	return domain.IntentPayload{
		TokenIn:        common.HexToAddress("0x1111111111111111111111111111111111111111"),
		TokenOut:       common.HexToAddress("0x2222222222222222222222222222222222222222"),
		AmountIn:       uint256.NewInt(1_000_000_000_000_000_000),
		MaxSlippageBps: 300,
		Deadline:       2_000_000_000,
		ChainID:        1,
		Receiver:       common.HexToAddress("0x3333333333333333333333333333333333333333"),
		Nonce:          uint256.NewInt(1),
	}
}

func TestVerifyIntent_RoundTrips(t *testing.T) {
	priv, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	wantSigner := crypto.PubkeyToAddress(priv.PublicKey)

	v := NewVerifier(1, common.HexToAddress("0x4444444444444444444444444444444444444444"))
	payload := testPayload()

	digest, err := v.IntentHash(payload)
	if err != nil {
		t.Fatalf("intent hash: %v", err)
	}

	sigBytes, err := crypto.Sign(digest[:], priv)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	var sig [65]byte
	copy(sig[:], sigBytes)

	signer, err := v.VerifyIntent(payload, sig)
	if err != nil {
		t.Fatalf("verify intent: %v", err)
	}
	if signer != wantSigner {
		t.Fatalf("recovered signer = %s, want %s", signer.Hex(), wantSigner.Hex())
	}
}

func TestVerifyIntent_WrongChainRejected(t *testing.T) {
	priv, _ := crypto.GenerateKey()
	v1 := NewVerifier(1, common.Address{})
	v2 := NewVerifier(2, common.Address{})

	payload := testPayload()
	digest, err := v1.IntentHash(payload)
	if err != nil {
		t.Fatalf("intent hash: %v", err)
	}
	sigBytes, _ := crypto.Sign(digest[:], priv)
	var sig [65]byte
	copy(sig[:], sigBytes)

	signer, err := v1.VerifyIntent(payload, sig)
	if err != nil {
		t.Fatalf("expected valid signature under v1 domain: %v", err)
	}

	otherSigner, err := v2.VerifyIntent(payload, sig)
	if err == nil && otherSigner == signer {
		t.Fatalf("signature verified under mismatched chain domain")
	}
}

func TestVerifyIntent_HighSRejected(t *testing.T) {
	priv, _ := crypto.GenerateKey()
	v := NewVerifier(1, common.Address{})
	payload := testPayload()
	digest, _ := v.IntentHash(payload)
	sigBytes, _ := crypto.Sign(digest[:], priv)

	// Flip to the high-s form: s' = N - s, v' = v ^ 1.
	s := new(big.Int).SetBytes(sigBytes[32:64])
	n := crypto.S256().Params().N
	sPrime := new(big.Int).Sub(n, s)
	sBytes := sPrime.Bytes()
	var padded [32]byte
	copy(padded[32-len(sBytes):], sBytes)

	var sig [65]byte
	copy(sig[:32], sigBytes[:32])
	copy(sig[32:64], padded[:])
	sig[64] = sigBytes[64] ^ 1

	if _, err := v.VerifyIntent(payload, sig); err == nil {
		t.Fatalf("expected high-s signature to be rejected")
	}
}

func TestVerifyBid_RoundTrips(t *testing.T) {
	priv, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	wantSolver := crypto.PubkeyToAddress(priv.PublicKey)

	v := NewVerifier(1, common.Address{})
	fields := domain.BidFields{
		IntentHash:   common.HexToHash("0xaa"),
		QuoteOut:     uint256.NewInt(950_000_000_000_000_000),
		SolverFeeBps: 15,
		CalldataHint: []byte{1, 2, 3, 4, 5},
		TTLMs:        30_000,
	}
	digest, err := v.BidHash(fields)
	if err != nil {
		t.Fatalf("bid hash: %v", err)
	}
	sigBytes, err := crypto.Sign(digest[:], priv)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	var sig [65]byte
	copy(sig[:], sigBytes)

	solverID, err := v.VerifyBid(fields, sig)
	if err != nil {
		t.Fatalf("verify bid: %v", err)
	}
	if solverID != wantSolver {
		t.Fatalf("recovered solverId = %s, want %s", solverID.Hex(), wantSolver.Hex())
	}
}
