// Package wallet derives deposit addresses and transaction signers from a
// BIP-39 mnemonic using the standard Ethereum HD path, following the same
// seed -> master key -> child key -> ECDSA key chain used throughout the
// Go Ethereum wallet ecosystem (tyler-smith/go-bip39 for the mnemonic,
// btcsuite's hdkeychain for BIP-32 derivation, go-ethereum's crypto
// package for the secp256k1 -> address conversion).
package wallet

import (
	"crypto/ecdsa"
	"fmt"
	"math/big"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcutil/hdkeychain"
	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/tyler-smith/go-bip39"

	"github.com/polygon-custody/hotwallet/internal/apperr"
)

// maxIndex bounds derivation indices to the unsigned 31-bit range spec.md
// requires (the hardened-key boundary in BIP-32 is 2^31, so this also
// keeps every index in the non-hardened child range).
const maxIndex = 1 << 31

// Signer signs transactions on behalf of the address derived at a given
// index. It never exposes the underlying private key.
type Signer interface {
	Address() common.Address
	SignTx(tx *types.Transaction, chainID *big.Int) (*types.Transaction, error)
}

// Wallet is an immutable, pure (no I/O) deterministic key derivation
// source. Signer derivation is safe for concurrent use.
type Wallet struct {
	masterKey *hdkeychain.ExtendedKey
}

// New builds a Wallet from a BIP-39 mnemonic phrase. The mnemonic must
// pass BIP-39 checksum validation.
func New(mnemonic string) (*Wallet, error) {
	if !bip39.IsMnemonicValid(mnemonic) {
		return nil, fmt.Errorf("%w: failed bip-39 checksum", apperr.ErrBadMnemonic)
	}
	seed := bip39.NewSeed(mnemonic, "")
	masterKey, err := hdkeychain.NewMaster(seed, &chaincfg.MainNetParams)
	if err != nil {
		return nil, fmt.Errorf("%w: deriving master key: %v", apperr.ErrBadMnemonic, err)
	}
	return &Wallet{masterKey: masterKey}, nil
}

// derivationPath returns m/44'/60'/0'/0/{index}, the standard Ethereum
// external-chain path (accounts.DefaultRootDerivationPath is
// m/44'/60'/0'/0 in go-ethereum; we append the address index ourselves so
// callers deal in a single uint32 rather than a full path).
func derivationPath(index uint32) (accounts.DerivationPath, error) {
	if index >= maxIndex {
		return nil, fmt.Errorf("%w: %d", apperr.ErrBadIndex, index)
	}
	path := make(accounts.DerivationPath, len(accounts.DefaultRootDerivationPath))
	copy(path, accounts.DefaultRootDerivationPath)
	return append(path, index), nil
}

func (w *Wallet) derivePrivateKey(index uint32) (*ecdsa.PrivateKey, error) {
	path, err := derivationPath(index)
	if err != nil {
		return nil, err
	}
	key := w.masterKey
	for _, n := range path {
		key, err = key.Child(n)
		if err != nil {
			return nil, fmt.Errorf("%w: child derivation at %d: %v", apperr.ErrSign, n, err)
		}
	}
	ecKey, err := key.ECPrivKey()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", apperr.ErrSign, err)
	}
	return ecKey.ToECDSA(), nil
}

// DeriveAddress returns the Ethereum address for the given index.
func (w *Wallet) DeriveAddress(index uint32) (common.Address, error) {
	priv, err := w.derivePrivateKey(index)
	if err != nil {
		return common.Address{}, err
	}
	return crypto.PubkeyToAddress(priv.PublicKey), nil
}

// Signer returns a signer for the address derived at index. Derivation is
// pure and re-run on every call: no long-lived private key material is
// cached on the Wallet.
func (w *Wallet) Signer(index uint32) (Signer, error) {
	priv, err := w.derivePrivateKey(index)
	if err != nil {
		return nil, err
	}
	return &signer{priv: priv, addr: crypto.PubkeyToAddress(priv.PublicKey)}, nil
}

type signer struct {
	priv *ecdsa.PrivateKey
	addr common.Address
}

func (s *signer) Address() common.Address { return s.addr }

func (s *signer) SignTx(tx *types.Transaction, chainID *big.Int) (*types.Transaction, error) {
	signed, err := types.SignTx(tx, types.LatestSignerForChainID(chainID), s.priv)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", apperr.ErrSign, err)
	}
	return signed, nil
}
