// Package sign holds the local account signer used by the wallet's account methods.
//
// Key storage and derivation live outside the bridge; a Signer is handed in fully formed.
package sign

import (
	"crypto/ecdsa"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
)

var ErrInvalidSignature = errors.New("invalid signature")

// Signer signs 32 byte digests on behalf of one account.
type Signer interface {
	Address() common.Address
	Sign(hash []byte) (Signature, error)
}

// Signature is a 65 byte [R || S || V] secp256k1 signature, V in {27, 28}.
type Signature []byte

func (s Signature) String() string { return hexutil.Encode(s) }

func (s Signature) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

func (s *Signature) UnmarshalJSON(data []byte) error {
	var raw hexutil.Bytes
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*s = Signature(raw)
	return nil
}

var _ Signer = (*EthereumSigner)(nil)

// EthereumSigner signs with an in-memory secp256k1 key.
type EthereumSigner struct {
	key     *ecdsa.PrivateKey
	address common.Address
}

// NewEthereumSigner parses a hex private key, with or without the 0x prefix.
func NewEthereumSigner(privateKeyHex string) (*EthereumSigner, error) {
	key, err := ethcrypto.HexToECDSA(strings.TrimPrefix(privateKeyHex, "0x"))
	if err != nil {
		return nil, fmt.Errorf("could not parse ethereum private key: %w", err)
	}
	return newEthereumSigner(key), nil
}

// GenerateEthereumSigner creates a signer with a fresh random key.
func GenerateEthereumSigner() (*EthereumSigner, error) {
	key, err := ethcrypto.GenerateKey()
	if err != nil {
		return nil, err
	}
	return newEthereumSigner(key), nil
}

func newEthereumSigner(key *ecdsa.PrivateKey) *EthereumSigner {
	return &EthereumSigner{key: key, address: ethcrypto.PubkeyToAddress(key.PublicKey)}
}

func (s *EthereumSigner) Address() common.Address { return s.address }

// Sign expects a 32 byte digest.
func (s *EthereumSigner) Sign(hash []byte) (Signature, error) {
	sig, err := ethcrypto.Sign(hash, s.key)
	if err != nil {
		return nil, err
	}
	sig[64] += 27
	return sig, nil
}

// SignPersonal signs msg with the EIP-191 "\x19Ethereum Signed Message" prefix (personal_sign).
func SignPersonal(s Signer, msg []byte) (Signature, error) {
	return s.Sign(accounts.TextHash(msg))
}

// RecoverPersonal returns the account that produced sig over msg with SignPersonal.
func RecoverPersonal(msg []byte, sig Signature) (common.Address, error) {
	if len(sig) != ethcrypto.SignatureLength {
		return common.Address{}, ErrInvalidSignature
	}
	normalized := make([]byte, len(sig))
	copy(normalized, sig)
	if normalized[64] >= 27 {
		normalized[64] -= 27
	}

	pub, err := ethcrypto.SigToPub(accounts.TextHash(msg), normalized)
	if err != nil {
		return common.Address{}, fmt.Errorf("%w: %w", ErrInvalidSignature, err)
	}
	return ethcrypto.PubkeyToAddress(*pub), nil
}
