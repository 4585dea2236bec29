// signer.go implements the three signing schemes the venues require
// adapters to accommodate by configuration: EIP-712 typed-data signing with
// a secp256k1 wallet key, a Stark-curve/SNIP-712-style typed-data signer,
// and HMAC-SHA256 with a rotating nonce. The contract is:
// canonical-serialize the request, compute a domain-specific digest, sign
// with the configured key, attach the signature as the venue defines.
package venue

import (
	"crypto/ecdsa"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"math/big"
	"strconv"
	"time"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	dcrecdsa "github.com/decred/dcrd/dcrec/secp256k1/v4/ecdsa"
	ethcommon "github.com/ethereum/go-ethereum/common"
	ethmath "github.com/ethereum/go-ethereum/common/math"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
)

// RequestSigner produces venue-specific auth headers/fields for a canonical
// request payload. The Lighter (StarkSigner) and Vertex (HMACSigner)
// adapters each own one; the Hyperliquid adapter signs with EIP712Signer,
// which does not implement this interface.
type RequestSigner interface {
	// Sign returns the attachment (a signature string, or a header map
	// encoded as "k=v;k=v" by the caller) for the given canonical message.
	Sign(message string) (string, error)
}

// --- EIP-712 (Hyperliquid-style wallet signing) ---------------------------

// EIP712Signer signs typed data with an Ethereum-style secp256k1 wallet key,
// following a typed-data signing flow.
type EIP712Signer struct {
	privateKey *ecdsa.PrivateKey
	chainID    *big.Int
	domainName string
}

// NewEIP712Signer constructs a signer from a hex-encoded private key (with
// or without a leading 0x).
func NewEIP712Signer(hexKey string, chainID int64, domainName string) (*EIP712Signer, error) {
	if len(hexKey) >= 2 && hexKey[:2] == "0x" {
		hexKey = hexKey[2:]
	}
	pk, err := ethcrypto.HexToECDSA(hexKey)
	if err != nil {
		return nil, fmt.Errorf("eip712 signer: parse private key: %w", err)
	}
	return &EIP712Signer{
		privateKey: pk,
		chainID:    big.NewInt(chainID),
		domainName: domainName,
	}, nil
}

// Address returns the signer's Ethereum address, used as the venue account
// identifier for hyperliquid-style APIs.
func (s *EIP712Signer) Address() string {
	return ethcrypto.PubkeyToAddress(s.privateKey.PublicKey).Hex()
}

// SignOrderIntent signs a typed "OrderIntent" message: the canonical
// per-order digest every placeOrder call commits to.
func (s *EIP712Signer) SignOrderIntent(nonce int64, symbol, side string, size, price string) (string, error) {
	typedData := apitypes.TypedData{
		Types: apitypes.Types{
			"EIP712Domain": {
				{Name: "name", Type: "string"},
				{Name: "version", Type: "string"},
				{Name: "chainId", Type: "uint256"},
			},
			"OrderIntent": {
				{Name: "symbol", Type: "string"},
				{Name: "side", Type: "string"},
				{Name: "size", Type: "string"},
				{Name: "price", Type: "string"},
				{Name: "nonce", Type: "uint256"},
			},
		},
		PrimaryType: "OrderIntent",
		Domain: apitypes.TypedDataDomain{
			Name:    s.domainName,
			Version: "1",
			ChainId: (*ethmath.HexOrDecimal256)(new(big.Int).Set(s.chainID)),
		},
		Message: apitypes.TypedDataMessage{
			"symbol": symbol,
			"side":   side,
			"size":   size,
			"price":  price,
			"nonce":  strconv.FormatInt(nonce, 10),
		},
	}

	hash, _, err := apitypes.TypedDataAndHash(typedData)
	if err != nil {
		return "", fmt.Errorf("eip712 signer: hash typed data: %w", err)
	}

	sig, err := ethcrypto.Sign(hash, s.privateKey)
	if err != nil {
		return "", fmt.Errorf("eip712 signer: sign: %w", err)
	}
	if sig[64] < 27 {
		sig[64] += 27
	}
	return "0x" + ethcommon.Bytes2Hex(sig), nil
}

// --- Stark-curve-style signer (Lighter) ------------------------------------
//
// No Stark-curve library is available
// (confirmed by grep for starknet/stark-curve/snip712 across all repos and
// other_examples/). Per the grounding rule this is documented rather than
// guessed: StarkSigner implements the same typed-data-digest contract a real
// Stark-curve signer would, but signs with secp256k1
// (github.com/decred/dcrd/dcrec/secp256k1/v4) as a drop-in stand-in. Swapping
// in a genuine Stark-curve implementation later only touches this type.
type StarkSigner struct {
	key *secp256k1.PrivateKey
}

// NewStarkSigner constructs a signer from a hex-encoded scalar.
func NewStarkSigner(hexKey string) (*StarkSigner, error) {
	if len(hexKey) >= 2 && hexKey[:2] == "0x" {
		hexKey = hexKey[2:]
	}
	raw, err := hex.DecodeString(hexKey)
	if err != nil {
		return nil, fmt.Errorf("stark signer: decode key: %w", err)
	}
	priv := secp256k1.PrivKeyFromBytes(raw)
	return &StarkSigner{key: priv}, nil
}

// Sign computes a domain-separated digest over the canonical message and
// signs it, returning a hex-encoded compact signature.
func (s *StarkSigner) Sign(message string) (string, error) {
	digest := sha256.Sum256([]byte("lighter-order-intent:" + message))
	sig := dcrecdsa.Sign(s.key, digest[:])
	return hex.EncodeToString(sig.Serialize()), nil
}

// --- HMAC-SHA256 with rotating nonce (Vertex) ------------------------------

// HMACSigner signs "timestamp + nonce + method + path + body" with a shared
// secret, with an explicit rotating nonce mixed into the signed payload.
type HMACSigner struct {
	secret []byte
}

// NewHMACSigner decodes a base64 or raw secret, trying the same decoder
// fallback chain for API secrets of unknown encoding.
func NewHMACSigner(secret string) (*HMACSigner, error) {
	decoders := []*base64.Encoding{base64.URLEncoding, base64.RawURLEncoding, base64.StdEncoding, base64.RawStdEncoding}
	for _, dec := range decoders {
		if raw, err := dec.DecodeString(secret); err == nil {
			return &HMACSigner{secret: raw}, nil
		}
	}
	return &HMACSigner{secret: []byte(secret)}, nil
}

// NextNonce returns a fresh monotonically-unpredictable nonce for a request,
// combining wall-clock time with randomness so replays are rejected by the
// venue's nonce window.
func NextNonce() (string, error) {
	var buf [8]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return "", err
	}
	return fmt.Sprintf("%d%x", time.Now().UnixNano(), buf), nil
}

// Sign returns a base64url-encoded HMAC-SHA256 over message.
func (s *HMACSigner) Sign(message string) (string, error) {
	mac := hmac.New(sha256.New, s.secret)
	mac.Write([]byte(message))
	return base64.URLEncoding.EncodeToString(mac.Sum(nil)), nil
}
