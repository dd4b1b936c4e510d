package rollup

import (
	"crypto/ecdsa"
	"fmt"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
)

// EthSignature is an EIP-191 signature over a transaction's Message.
type EthSignature struct {
	Type      string `json:"type"`
	Signature string `json:"signature"`
}

// SignedTx is a transaction ready for submission.
type SignedTx struct {
	Tx        Tx            `json:"tx"`
	Signature *EthSignature `json:"signature,omitempty"`
}

// Signer produces the layer-1 authorisation for a layer-2 transaction.
type Signer interface {
	Sign(tx Tx) (*SignedTx, error)
}

// ECDSASigner signs transaction messages with an L1 private key.
type ECDSASigner struct {
	key *ecdsa.PrivateKey
}

// NewECDSASigner returns a Signer backed by key.
func NewECDSASigner(key *ecdsa.PrivateKey) *ECDSASigner {
	return &ECDSASigner{key: key}
}

// Sign implements Signer.
func (s *ECDSASigner) Sign(tx Tx) (*SignedTx, error) {
	sig, err := crypto.Sign(accounts.TextHash([]byte(tx.Message())), s.key)
	if err != nil {
		return nil, fmt.Errorf("sign %s: %w", tx.Type(), err)
	}
	sig[crypto.RecoveryIDOffset] += 27
	return &SignedTx{
		Tx: tx,
		Signature: &EthSignature{
			Type:      "EthereumSignature",
			Signature: hexutil.Encode(sig),
		},
	}, nil
}

// RecoverSigner returns the address that produced sig over tx.
func RecoverSigner(tx Tx, sig *EthSignature) (string, error) {
	raw, err := hexutil.Decode(sig.Signature)
	if err != nil {
		return "", err
	}
	if len(raw) != crypto.SignatureLength {
		return "", fmt.Errorf("signature length %d", len(raw))
	}
	raw[crypto.RecoveryIDOffset] -= 27
	pub, err := crypto.SigToPub(accounts.TextHash([]byte(tx.Message())), raw)
	if err != nil {
		return "", err
	}
	return crypto.PubkeyToAddress(*pub).Hex(), nil
}
