// Package sweeper forwards detected deposits to the treasury address,
// ensuring each deposit address carries enough native currency for its
// own sweep gas before signing and submitting, and only then marking
// the deposit swept and notifying.
package sweeper

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/log"

	"github.com/polygon-custody/hotwallet/internal/erc20"
	"github.com/polygon-custody/hotwallet/internal/faucet"
	"github.com/polygon-custody/hotwallet/internal/notifier"
	"github.com/polygon-custody/hotwallet/internal/rpcclient"
	"github.com/polygon-custody/hotwallet/internal/store"
	"github.com/polygon-custody/hotwallet/internal/wallet"
)

const nativeGasLimit = 21000

// gasBufferNum/gasBufferDen applies the spec's 10% safety buffer
// (gas_cost * 1.1) using integer arithmetic.
const gasBufferNum = 11
const gasBufferDen = 10

// Config tunes a Sweeper.
type Config struct {
	Treasury      common.Address
	ChainID       *big.Int
	PollInterval  time.Duration
	WebhookBearer string
}

// Sweeper is the consumer half of the deposit lifecycle: it reconciles
// on-chain balances of detected deposits and forwards them to the
// treasury. Failures in one deposit never halt processing of the rest.
type Sweeper struct {
	rpc      rpcclient.Client
	store    *store.Store
	wallet   *wallet.Wallet
	faucet   *faucet.Faucet
	notifier *notifier.Notifier
	cfg      Config
}

// New constructs a Sweeper.
func New(rpc rpcclient.Client, st *store.Store, w *wallet.Wallet, f *faucet.Faucet, notif *notifier.Notifier, cfg Config) *Sweeper {
	if cfg.PollInterval == 0 {
		cfg.PollInterval = 10 * time.Second
	}
	return &Sweeper{rpc: rpc, store: st, wallet: w, faucet: f, notifier: notif, cfg: cfg}
}

// Run processes detected deposits every cfg.PollInterval until ctx is
// cancelled.
func (s *Sweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()
	for {
		s.tick(ctx)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (s *Sweeper) tick(ctx context.Context) {
	natives, err := s.store.ListDetectedNative()
	if err != nil {
		log.Error("sweeper: listing native deposits", "err", err)
	}
	for _, d := range natives {
		if err := s.sweepNative(ctx, d); err != nil {
			log.Warn("sweeper: native sweep failed, retrying next tick", "tx_hash", d.TxHash, "err", err)
		}
	}

	erc20s, err := s.store.ListDetectedErc20()
	if err != nil {
		log.Error("sweeper: listing erc20 deposits", "err", err)
	}
	for _, d := range erc20s {
		if err := s.sweepErc20(ctx, d); err != nil {
			log.Warn("sweeper: erc20 sweep failed, retrying next tick", "key", d.Key, "err", err)
		}
	}
}

func (s *Sweeper) sweepNative(ctx context.Context, deposit store.NativeDeposit) error {
	acct, ok, err := s.store.LookupByID(deposit.RegistrationID)
	if err != nil || !ok {
		return fmt.Errorf("resolving account %s: %w", deposit.RegistrationID, err)
	}
	signer, err := s.wallet.Signer(acct.DerivationIndex)
	if err != nil {
		return err
	}
	from := signer.Address()

	balance, err := s.rpc.BalanceAt(ctx, from)
	if err != nil {
		return err
	}

	maxFeePerGas, err := s.estimateMaxFeePerGas(ctx)
	if err != nil {
		return err
	}
	gasCost := new(big.Int).Mul(big.NewInt(nativeGasLimit), maxFeePerGas)
	gasCostBuf := applyBuffer(gasCost)

	if balance.Cmp(gasCostBuf) <= 0 {
		if _, err := s.faucet.Fund(ctx, from); err != nil {
			return fmt.Errorf("faucet top-up: %w", err)
		}
		time.Sleep(2 * time.Second)
		balance, err = s.rpc.BalanceAt(ctx, from)
		if err != nil {
			return err
		}
		if balance.Cmp(gasCostBuf) <= 0 {
			return fmt.Errorf("balance still insufficient after faucet top-up")
		}
	}

	value := new(big.Int).Sub(balance, gasCostBuf)
	nonce, err := s.rpc.PendingNonceAt(ctx, from)
	if err != nil {
		return err
	}
	tip, err := s.rpc.SuggestFeeTip(ctx)
	if err != nil {
		return err
	}
	to := s.cfg.Treasury
	tx := types.NewTx(&types.DynamicFeeTx{
		ChainID:   s.cfg.ChainID,
		Nonce:     nonce,
		GasTipCap: tip,
		GasFeeCap: maxFeePerGas,
		Gas:       nativeGasLimit,
		To:        &to,
		Value:     value,
	})
	signed, err := signer.SignTx(tx, s.cfg.ChainID)
	if err != nil {
		return err
	}
	if err := s.rpc.SendRawTransaction(ctx, signed); err != nil {
		return err
	}
	if err := awaitReceipt(ctx, s.rpc, signed.Hash()); err != nil {
		return err
	}

	if err := s.store.MarkNativeSwept(deposit.TxHash); err != nil {
		return err
	}
	s.notifier.Send(ctx, acct.WebhookURL, notifier.DepositSweptEvent{
		ID:             deposit.TxHash,
		Event:          "deposit_swept",
		AccountID:      acct.Address,
		RegistrationID: deposit.RegistrationID,
		OriginalTxHash: deposit.TxHash,
		Amount:         value.String(),
		TokenType:      "native",
	}, s.cfg.WebhookBearer)
	return nil
}

func (s *Sweeper) sweepErc20(ctx context.Context, deposit store.Erc20Deposit) error {
	acct, ok, err := s.store.LookupByID(deposit.RegistrationID)
	if err != nil || !ok {
		return fmt.Errorf("resolving account %s: %w", deposit.RegistrationID, err)
	}
	signer, err := s.wallet.Signer(acct.DerivationIndex)
	if err != nil {
		return err
	}
	from := signer.Address()
	tokenAddr := common.HexToAddress(deposit.TokenAddress)

	if deposit.TokenSymbol == "UNKNOWN" {
		// Defensive: cannot classify the token, don't risk submitting a
		// transfer against an unverified interface.
		return s.finishErc20Sweep(ctx, deposit, acct, big.NewInt(0))
	}

	balanceData, err := erc20.PackBalanceOf(from)
	if err != nil {
		return err
	}
	balanceOut, err := s.rpc.CallContract(ctx, ethereum.CallMsg{To: &tokenAddr, Data: balanceData})
	if err != nil {
		return err
	}
	tokenBalance, err := erc20.UnpackUint256(balanceOut)
	if err != nil {
		return err
	}
	if tokenBalance.Sign() == 0 {
		return s.finishErc20Sweep(ctx, deposit, acct, big.NewInt(0))
	}

	transferData, err := erc20.PackTransfer(s.cfg.Treasury, tokenBalance)
	if err != nil {
		return err
	}

	maxFeePerGas, err := s.estimateMaxFeePerGas(ctx)
	if err != nil {
		return err
	}
	gasLimit, err := s.rpc.EstimateGas(ctx, ethereum.CallMsg{From: from, To: &tokenAddr, Data: transferData})
	if err != nil {
		return err
	}
	requiredGasCost := applyBuffer(new(big.Int).Mul(new(big.Int).SetUint64(gasLimit), maxFeePerGas))

	nativeBalance, err := s.rpc.BalanceAt(ctx, from)
	if err != nil {
		return err
	}
	if nativeBalance.Cmp(requiredGasCost) < 0 {
		if _, err := s.faucet.Fund(ctx, from); err != nil {
			return fmt.Errorf("faucet top-up: %w", err)
		}
		time.Sleep(2 * time.Second)
		nativeBalance, err = s.rpc.BalanceAt(ctx, from)
		if err != nil {
			return err
		}
		if nativeBalance.Cmp(requiredGasCost) < 0 {
			return fmt.Errorf("native balance still insufficient for erc20 sweep gas after faucet top-up")
		}
	}

	nonce, err := s.rpc.PendingNonceAt(ctx, from)
	if err != nil {
		return err
	}
	tip, err := s.rpc.SuggestFeeTip(ctx)
	if err != nil {
		return err
	}
	tx := types.NewTx(&types.DynamicFeeTx{
		ChainID:   s.cfg.ChainID,
		Nonce:     nonce,
		GasTipCap: tip,
		GasFeeCap: maxFeePerGas,
		Gas:       addBufferToGasLimit(gasLimit),
		To:        &tokenAddr,
		Data:      transferData,
	})
	signed, err := signer.SignTx(tx, s.cfg.ChainID)
	if err != nil {
		return err
	}
	if err := s.rpc.SendRawTransaction(ctx, signed); err != nil {
		return err
	}
	if err := awaitReceipt(ctx, s.rpc, signed.Hash()); err != nil {
		return err
	}

	return s.finishErc20Sweep(ctx, deposit, acct, tokenBalance)
}

func (s *Sweeper) finishErc20Sweep(ctx context.Context, deposit store.Erc20Deposit, acct store.Account, amountSwept *big.Int) error {
	if err := s.store.MarkErc20Swept(deposit.Key); err != nil {
		return err
	}
	var tokenDecimals *uint8
	if meta, ok, err := s.store.GetTokenMetadata(deposit.TokenAddress); err == nil && ok {
		d := meta.Decimals
		tokenDecimals = &d
	}
	s.notifier.Send(ctx, acct.WebhookURL, notifier.DepositSweptEvent{
		ID:             deposit.Key,
		Event:          "deposit_swept",
		AccountID:      acct.Address,
		RegistrationID: deposit.RegistrationID,
		OriginalTxHash: deposit.TxHash,
		Amount:         amountSwept.String(),
		TokenType:      "erc20",
		TokenSymbol:    deposit.TokenSymbol,
		TokenAddress:   deposit.TokenAddress,
		TokenDecimals:  tokenDecimals,
	}, s.cfg.WebhookBearer)
	return nil
}

// estimateMaxFeePerGas applies the standard EIP-1559 recipe: base fee
// from the latest header plus the suggested priority tip.
func (s *Sweeper) estimateMaxFeePerGas(ctx context.Context) (*big.Int, error) {
	tip, err := s.rpc.SuggestFeeTip(ctx)
	if err != nil {
		return nil, err
	}
	baseFee, err := s.rpc.SuggestBaseFee(ctx)
	if err != nil {
		return nil, err
	}
	return new(big.Int).Add(baseFee, tip), nil
}

func applyBuffer(v *big.Int) *big.Int {
	buffered := new(big.Int).Mul(v, big.NewInt(gasBufferNum))
	return buffered.Div(buffered, big.NewInt(gasBufferDen))
}

func addBufferToGasLimit(gasLimit uint64) uint64 {
	return uint64(applyBuffer(new(big.Int).SetUint64(gasLimit)).Uint64())
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
					return fmt.Errorf("sweep tx %s reverted", hash)
				}
				return nil
			}
		}
	}
}
