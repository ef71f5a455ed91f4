// Package wallet provides the signer interface the session ledger
// consumes to authorize payments, plus an ECDSA-backed implementation
// grounded on secp256k1/Ethereum personal-sign semantics. Key custody
// itself is out of scope; callers supply a private key or their own
// Signer implementation (e.g. backed by an HSM or remote KMS).
package wallet

import (
	"crypto/ecdsa"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/crypto"
)

// Signer is the capability the session ledger depends on: an address to
// bind into a session, and the ability to personal-sign an arbitrary
// message (the ACE payment signing message, see payment.BuildSigningMessage).
type Signer interface {
	// Address returns the signer's wallet address, lowercase hex
	// (0x-prefixed).
	Address() string

	// SignPersonal signs message using the Ethereum personal-sign
	// convention: the \x19Ethereum Signed Message:\n<len> prefix is
	// applied before Keccak-256 hashing and secp256k1 signing. Returns
	// a 65-byte recoverable signature (r || s || v, v in {27,28}).
	SignPersonal(message []byte) ([]byte, error)
}

// ECDSAWallet implements Signer using a raw secp256k1 private key, the
// same key type go-ethereum/crypto operates on.
type ECDSAWallet struct {
	privateKey *ecdsa.PrivateKey
	address    string
}

// NewECDSAWalletFromPrivateKey builds a wallet from a hex-encoded
// secp256k1 private key (with or without a "0x" prefix).
func NewECDSAWalletFromPrivateKey(privateKeyHex string) (*ECDSAWallet, error) {
	privateKeyHex = strings.TrimPrefix(privateKeyHex, "0x")

	privateKey, err := crypto.HexToECDSA(privateKeyHex)
	if err != nil {
		return nil, fmt.Errorf("wallet: invalid private key: %w", err)
	}

	address := crypto.PubkeyToAddress(privateKey.PublicKey)

	return &ECDSAWallet{
		privateKey: privateKey,
		address:    strings.ToLower(address.Hex()),
	}, nil
}

// Address returns the wallet's address, lowercase hex.
func (w *ECDSAWallet) Address() string {
	return w.address
}

// SignPersonal implements Signer.
func (w *ECDSAWallet) SignPersonal(message []byte) ([]byte, error) {
	digest := PersonalSignDigest(message)

	signature, err := crypto.Sign(digest, w.privateKey)
	if err != nil {
		return nil, fmt.Errorf("wallet: sign: %w", err)
	}

	// go-ethereum/crypto.Sign returns recovery id 0/1 in the last byte;
	// Ethereum's personal-sign convention uses 27/28.
	signature[64] += 27

	return signature, nil
}

// PersonalSignDigest applies the Ethereum personal-sign framing
// (\x19Ethereum Signed Message:\n<len>) to message and returns its
// Keccak-256 hash, i.e. the digest that gets secp256k1-signed or
// recovered against.
func PersonalSignDigest(message []byte) []byte {
	framed := fmt.Sprintf("\x19Ethereum Signed Message:\n%d", len(message))
	return crypto.Keccak256(append([]byte(framed), message...))
}

// RecoverAddress recovers the signer address (lowercase hex) from a
// 65-byte personal-sign signature over message.
func RecoverAddress(message, signature []byte) (string, error) {
	if len(signature) != 65 {
		return "", fmt.Errorf("wallet: signature must be 65 bytes, got %d", len(signature))
	}

	digest := PersonalSignDigest(message)

	// Ecrecover/SigToPub expect recovery id in {0,1}; undo the personal-sign
	// 27/28 offset before recovery.
	sig := make([]byte, 65)
	copy(sig, signature)
	if sig[64] >= 27 {
		sig[64] -= 27
	}

	pubKey, err := crypto.SigToPub(digest, sig)
	if err != nil {
		return "", fmt.Errorf("wallet: recover address: %w", err)
	}

	return strings.ToLower(crypto.PubkeyToAddress(*pubKey).Hex()), nil
}
