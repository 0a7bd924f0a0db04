// Package monitor implements the scan-cursor state machine that
// advances through confirmed blocks, detects native and ERC-20
// transfers to registered deposit addresses, and records them
// idempotently. The shape follows the StateMachine block-scanning loop
// used elsewhere in the pack for deposit sweeping: a ticker-driven
// Run(ctx) loop guarded by ctx.Done(), one RPC-backed fetch per block for
// up to batchSize blocks per tick, and per-key insert-if-absent to make
// detection idempotent across restarts.
package monitor

import (
	"context"
	"fmt"
	"math/big"
	"runtime"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/log"
	"golang.org/x/sync/errgroup"

	"github.com/polygon-custody/hotwallet/internal/erc20"
	"github.com/polygon-custody/hotwallet/internal/notifier"
	"github.com/polygon-custody/hotwallet/internal/rpcclient"
	"github.com/polygon-custody/hotwallet/internal/store"
)

// batchSize is the maximum number of blocks processed per tick.
const batchSize = 10

// Config tunes a Monitor.
type Config struct {
	ConfirmationOffset uint64 // default 20
	PollInterval       time.Duration
	FaucetAddress      common.Address
	WebhookBearer      string
}

// Monitor owns the scan-cursor state machine. It is safe to run exactly
// one Monitor per Store: concurrent Monitors over the same cursor would
// race on block ranges.
type Monitor struct {
	rpc      rpcclient.Client
	store    *store.Store
	notifier *notifier.Notifier
	cfg      Config
}

// New constructs a Monitor.
func New(rpc rpcclient.Client, st *store.Store, notif *notifier.Notifier, cfg Config) *Monitor {
	if cfg.ConfirmationOffset == 0 {
		cfg.ConfirmationOffset = 20
	}
	if cfg.PollInterval == 0 {
		cfg.PollInterval = 10 * time.Second
	}
	return &Monitor{rpc: rpc, store: st, notifier: notif, cfg: cfg}
}

// Run polls on cfg.PollInterval until ctx is cancelled. Used for the
// HTTP-backed RPC client.
func (m *Monitor) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.cfg.PollInterval)
	defer ticker.Stop()
	for {
		if err := m.tick(ctx); err != nil {
			log.Error("monitor: tick failed", "err", err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// RunWS catches up to the chain tip, then re-ticks on every new block
// header instead of a fixed poll interval. On subscription stream end
// it sleeps 5s and resubscribes, reusing the same tick() routine the
// HTTP variant polls with.
func (m *Monitor) RunWS(ctx context.Context) error {
	if err := m.tick(ctx); err != nil {
		log.Error("monitor: initial catch-up failed", "err", err)
	}
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		headers, sub, err := m.rpc.SubscribeNewHead(ctx)
		if err != nil {
			log.Error("monitor: subscribe new head failed", "err", err)
			if !sleepOrDone(ctx, 5*time.Second) {
				return ctx.Err()
			}
			continue
		}
		m.consumeHeaders(ctx, headers, sub)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if !sleepOrDone(ctx, 5*time.Second) {
			return ctx.Err()
		}
	}
}

func (m *Monitor) consumeHeaders(ctx context.Context, headers <-chan *types.Header, sub ethereum.Subscription) {
	defer sub.Unsubscribe()
	for {
		select {
		case <-ctx.Done():
			return
		case err := <-sub.Err():
			if err != nil {
				log.Error("monitor: subscription error", "err", err)
			}
			return
		case <-headers:
			if err := m.tick(ctx); err != nil {
				log.Error("monitor: tick failed", "err", err)
			}
		}
	}
}

func sleepOrDone(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}

// tick runs one iteration of the scan-cursor state machine: cold-start
// anchoring, or processing up to batchSize confirmed blocks.
func (m *Monitor) tick(ctx context.Context) error {
	tip, err := m.rpc.BlockNumber(ctx)
	if err != nil {
		return err
	}
	safe := uint64(0)
	if tip > m.cfg.ConfirmationOffset {
		safe = tip - m.cfg.ConfirmationOffset
	}

	cursor, err := m.store.GetCursor()
	if err != nil {
		return err
	}
	if cursor == 0 {
		return m.store.SetCursor(safe)
	}
	if cursor >= safe {
		return nil
	}

	end := cursor + batchSize
	if end > safe {
		end = safe
	}
	for height := cursor + 1; height <= end; height++ {
		if err := m.processBlock(ctx, height); err != nil {
			return fmt.Errorf("processing block %d: %w", height, err)
		}
		if err := m.store.SetCursor(height); err != nil {
			return err
		}
	}
	return nil
}

func (m *Monitor) processBlock(ctx context.Context, height uint64) error {
	block, err := m.rpc.BlockByNumber(ctx, height)
	if err != nil {
		return err
	}

	if err := m.scanNativeTransfers(ctx, block); err != nil {
		return err
	}
	return m.scanErc20Transfers(ctx, height)
}

func (m *Monitor) scanNativeTransfers(ctx context.Context, block *types.Block) error {
	for _, tx := range block.Transactions() {
		to := tx.To()
		if to == nil {
			continue
		}
		if sameAddress(*to, m.cfg.FaucetAddress) {
			continue
		}
		from, err := types.Sender(types.LatestSignerForChainID(tx.ChainId()), tx)
		if err == nil && sameAddress(from, m.cfg.FaucetAddress) {
			continue
		}

		regID, err := m.store.LookupByAddress(to.Hex())
		if err != nil {
			return err
		}
		if regID == "" {
			continue
		}

		isNew, err := m.store.RecordNativeDeposit(tx.Hash().Hex(), regID, tx.Value())
		if err != nil {
			return err
		}
		if !isNew {
			continue
		}

		acct, ok, err := m.store.LookupByID(regID)
		if err != nil {
			return err
		}
		if !ok {
			continue
		}
		m.notifier.Send(ctx, acct.WebhookURL, notifier.DepositDetectedEvent{
			Event:     "deposit_detected",
			AccountID: regID,
			TxHash:    tx.Hash().Hex(),
			Amount:    tx.Value().String(),
			TokenType: "native",
		}, m.cfg.WebhookBearer)
	}
	return nil
}

func (m *Monitor) scanErc20Transfers(ctx context.Context, height uint64) error {
	topic0 := erc20.TransferEventTopic0()
	blockNum := new(big.Int).SetUint64(height)
	logs, err := m.rpc.FilterLogs(ctx, ethereum.FilterQuery{
		FromBlock: blockNum,
		ToBlock:   blockNum,
		Topics:    [][]common.Hash{{topic0}},
	})
	if err != nil {
		return err
	}

	// Metadata lookups for distinct token addresses in this block are
	// independent read-only RPC calls; fan them out bounded by
	// GOMAXPROCS since the block's deposit recording below must stay
	// sequential to preserve cursor-advance-after-full-commit.
	tokenAddrs := distinctTokenAddresses(logs)
	metaByToken := make(map[common.Address]store.TokenMetadata, len(tokenAddrs))
	if len(tokenAddrs) > 0 {
		metas := make([]store.TokenMetadata, len(tokenAddrs))
		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(max(1, runtime.GOMAXPROCS(0)))
		for i, addr := range tokenAddrs {
			i, addr := i, addr
			g.Go(func() error {
				metas[i] = m.resolveTokenMetadata(gctx, addr)
				return nil
			})
		}
		_ = g.Wait()
		for i, addr := range tokenAddrs {
			metaByToken[addr] = metas[i]
		}
	}

	for _, l := range logs {
		if len(l.Topics) < 3 {
			continue
		}
		from, to, amount, err := erc20.DecodeTransfer(l)
		if err != nil {
			continue
		}
		if sameAddress(from, m.cfg.FaucetAddress) {
			continue
		}
		regID, err := m.store.LookupByAddress(to.Hex())
		if err != nil {
			return err
		}
		if regID == "" {
			continue
		}

		meta := metaByToken[l.Address]
		isNew, err := m.store.RecordErc20Deposit(l.TxHash.Hex(), l.Index, regID, amount, l.Address.Hex(), meta.Symbol)
		if err != nil {
			return err
		}
		if !isNew {
			continue
		}

		acct, ok, err := m.store.LookupByID(regID)
		if err != nil {
			return err
		}
		if !ok {
			continue
		}
		m.notifier.Send(ctx, acct.WebhookURL, notifier.DepositDetectedEvent{
			Event:        "deposit_detected",
			AccountID:    regID,
			TxHash:       l.TxHash.Hex(),
			Amount:       amount.String(),
			TokenType:    "erc20",
			TokenSymbol:  meta.Symbol,
			TokenAddress: l.Address.Hex(),
		}, m.cfg.WebhookBearer)
	}
	return nil
}

// resolveTokenMetadata returns the cached metadata for tokenAddr,
// falling back to live symbol/decimals/name calls on a cache miss. A
// fully failed live lookup still produces a usable row with symbol
// "UNKNOWN" rather than aborting the block.
func (m *Monitor) resolveTokenMetadata(ctx context.Context, tokenAddr common.Address) store.TokenMetadata {
	if meta, ok, err := m.store.GetTokenMetadata(tokenAddr.Hex()); err == nil && ok {
		return meta
	}

	meta := store.TokenMetadata{Symbol: "UNKNOWN"}
	if data, err := erc20.PackSymbol(); err == nil {
		if out, err := m.rpc.CallContract(ctx, ethereum.CallMsg{To: &tokenAddr, Data: data}); err == nil {
			if symbol, err := erc20.UnpackSymbol(out); err == nil {
				meta.Symbol = symbol
			}
		}
	}
	if data, err := erc20.PackDecimals(); err == nil {
		if out, err := m.rpc.CallContract(ctx, ethereum.CallMsg{To: &tokenAddr, Data: data}); err == nil {
			if decimals, err := erc20.UnpackDecimals(out); err == nil {
				meta.Decimals = decimals
			}
		}
	}
	if data, err := erc20.PackName(); err == nil {
		if out, err := m.rpc.CallContract(ctx, ethereum.CallMsg{To: &tokenAddr, Data: data}); err == nil {
			if name, err := erc20.UnpackName(out); err == nil {
				meta.Name = name
			}
		}
	}

	if meta.Symbol != "UNKNOWN" {
		if err := m.store.PutTokenMetadata(tokenAddr.Hex(), meta); err != nil {
			log.Warn("monitor: caching token metadata failed", "token", tokenAddr, "err", err)
		}
	}
	return meta
}

func distinctTokenAddresses(logs []types.Log) []common.Address {
	seen := make(map[common.Address]bool)
	var out []common.Address
	for _, l := range logs {
		// Logs with fewer than three topics are skipped by the caller, so
		// their token metadata is never needed.
		if len(l.Topics) < 3 {
			continue
		}
		if !seen[l.Address] {
			seen[l.Address] = true
			out = append(out, l.Address)
		}
	}
	return out
}

func sameAddress(a, b common.Address) bool {
	return a == b
}
