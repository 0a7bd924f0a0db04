// Package faucet seeds freshly derived deposit addresses with enough
// native currency (the "existential deposit") to pay for their own
// future sweep gas, and tops them up again if the Sweeper finds one
// running dry.
package faucet

import (
	"context"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/polygon-custody/hotwallet/internal/apperr"
	"github.com/polygon-custody/hotwallet/internal/rpcclient"
	"github.com/polygon-custody/hotwallet/internal/wallet"
)

// Faucet funds new addresses from a single signer (derivation index 0
// of a dedicated mnemonic, distinct from the deposit-address mnemonic).
// Its signing path is serialised by mu so concurrent Fund calls —
// the background funding spawned by Register and the Sweeper's
// opportunistic top-ups — never race on the faucet's nonce.
type Faucet struct {
	rpc               rpcclient.Client
	signer            wallet.Signer
	chainID           *big.Int
	existentialDeposit *big.Int

	mu sync.Mutex
}

// New constructs a Faucet. signer must be derived at index 0 of the
// faucet mnemonic.
func New(rpc rpcclient.Client, signer wallet.Signer, chainID, existentialDeposit *big.Int) *Faucet {
	return &Faucet{
		rpc:                rpc,
		signer:             signer,
		chainID:            chainID,
		existentialDeposit: existentialDeposit,
	}
}

// NeedsFunding reports whether addr's native balance is below the
// existential deposit.
func (f *Faucet) NeedsFunding(ctx context.Context, addr common.Address) (bool, error) {
	balance, err := f.rpc.BalanceAt(ctx, addr)
	if err != nil {
		return false, err
	}
	return balance.Cmp(f.existentialDeposit) < 0, nil
}

// Fund sends the existential deposit to to and waits for its receipt,
// returning the transaction hash. It fails with ErrInsufficientFaucet
// if the faucet's own balance can't cover the transfer.
func (f *Faucet) Fund(ctx context.Context, to common.Address) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	faucetBalance, err := f.rpc.BalanceAt(ctx, f.signer.Address())
	if err != nil {
		return "", err
	}
	if faucetBalance.Cmp(f.existentialDeposit) < 0 {
		return "", fmt.Errorf("%w: faucet balance %s < existential deposit %s", apperr.ErrInsufficientFaucet, faucetBalance, f.existentialDeposit)
	}

	tip, err := f.rpc.SuggestFeeTip(ctx)
	if err != nil {
		return "", err
	}
	baseFee, err := f.rpc.SuggestBaseFee(ctx)
	if err != nil {
		return "", err
	}
	maxFeePerGas := new(big.Int).Add(baseFee, tip)

	nonce, err := f.nonce(ctx)
	if err != nil {
		return "", err
	}

	tx := types.NewTx(&types.DynamicFeeTx{
		ChainID:   f.chainID,
		Nonce:     nonce,
		GasTipCap: tip,
		GasFeeCap: maxFeePerGas,
		Gas:       21000,
		To:        &to,
		Value:     f.existentialDeposit,
	})

	signed, err := f.signer.SignTx(tx, f.chainID)
	if err != nil {
		return "", err
	}
	if err := f.rpc.SendRawTransaction(ctx, signed); err != nil {
		return "", err
	}
	if err := awaitReceipt(ctx, f.rpc, signed.Hash()); err != nil {
		return "", err
	}
	return signed.Hash().Hex(), nil
}

// nonce derives the faucet's next nonce from its pending transaction
// count. Held under f.mu by every caller so it can never be reused.
func (f *Faucet) nonce(ctx context.Context) (uint64, error) {
	return f.rpc.PendingNonceAt(ctx, f.signer.Address())
}

func awaitReceipt(ctx context.Context, rpc rpcclient.Client, hash common.Hash) error {
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			rcpt, err := rpc.TransactionReceipt(ctx, hash)
			if err == nil && rcpt != nil {
				if rcpt.Status != types.ReceiptStatusSuccessful {
					return fmt.Errorf("%w: faucet funding tx %s reverted", apperr.ErrRPC, hash)
				}
				return nil
			}
		}
	}
}
