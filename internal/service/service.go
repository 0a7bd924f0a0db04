// Package service is the façade that ties together every collaborator
// (Wallet, Store, RPC client, Faucet, Notifier, Monitor, Sweeper), as
// built by cmd/hotwalletd from configuration, and exposes the two
// operations the HTTP admission adapter calls: Register and
// VerifyTransfer.
package service

import (
	"context"
	"fmt"
	"hash/fnv"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/log"
	"golang.org/x/sync/errgroup"

	"github.com/polygon-custody/hotwallet/internal/erc20"
	"github.com/polygon-custody/hotwallet/internal/faucet"
	"github.com/polygon-custody/hotwallet/internal/monitor"
	"github.com/polygon-custody/hotwallet/internal/notifier"
	"github.com/polygon-custody/hotwallet/internal/rpcclient"
	"github.com/polygon-custody/hotwallet/internal/store"
	"github.com/polygon-custody/hotwallet/internal/sweeper"
	"github.com/polygon-custody/hotwallet/internal/wallet"
)

// derivationIndexMask keeps every derived index in [0, 2^31), the
// non-hardened BIP-32 child range spec.md requires.
const derivationIndexMask = 0x7FFFFFFF

// Service ties the deposit lifecycle engine together. One Service
// instance owns one Store and backs exactly one Monitor/Sweeper pair.
type Service struct {
	wallet   *wallet.Wallet
	store    *store.Store
	rpc      rpcclient.Client
	faucet   *faucet.Faucet
	notifier *notifier.Notifier
	monitor  *monitor.Monitor
	sweeper  *sweeper.Sweeper

	webhookBearer string
	useWS         bool
}

// Deps bundles the constructed collaborators a Service wraps. Built by
// cmd/hotwalletd from internal/config.Config.
type Deps struct {
	Wallet        *wallet.Wallet
	Store         *store.Store
	RPC           rpcclient.Client
	Faucet        *faucet.Faucet
	Notifier      *notifier.Notifier
	Monitor       *monitor.Monitor
	Sweeper       *sweeper.Sweeper
	WebhookBearer string
	UseWS         bool
}

// New constructs a Service from already-built collaborators.
func New(d Deps) *Service {
	return &Service{
		wallet:        d.Wallet,
		store:         d.Store,
		rpc:           d.RPC,
		faucet:        d.Faucet,
		notifier:      d.Notifier,
		monitor:       d.Monitor,
		sweeper:       d.Sweeper,
		webhookBearer: d.WebhookBearer,
		useWS:         d.UseWS,
	}
}

// Run launches Monitor and Sweeper as supervised background tasks tied
// to ctx; it returns when either fails or ctx is cancelled.
func (s *Service) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if s.useWS {
			return s.monitor.RunWS(gctx)
		}
		return s.monitor.Run(gctx)
	})
	g.Go(func() error {
		return s.sweeper.Run(gctx)
	})
	return g.Wait()
}

// derivationIndex deterministically maps an opaque registration id to
// a non-hardened BIP-32 index via a stable, non-cryptographic hash
// truncated to 31 bits. Collision-possible in principle (hash space
// 2^31); spec inherits this rather than layering an id->index registry.
func derivationIndex(registrationID string) uint32 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(registrationID))
	return h.Sum32() & derivationIndexMask
}

// RegisterResult is the return value of Register.
type RegisterResult struct {
	Address string
}

// Register is idempotent: re-registering an existing registration id
// returns its existing address without creating a new account row. On
// first registration it spawns a fire-and-forget faucet top-up that
// reports its outcome via the faucet_funding webhook.
func (s *Service) Register(ctx context.Context, registrationID, webhookURL string) (RegisterResult, error) {
	if existing, ok, err := s.store.LookupByID(registrationID); err != nil {
		return RegisterResult{}, err
	} else if ok {
		return RegisterResult{Address: existing.Address}, nil
	}

	index := derivationIndex(registrationID)
	addr, err := s.wallet.DeriveAddress(index)
	if err != nil {
		return RegisterResult{}, err
	}

	acct := store.Account{
		RegistrationID:  registrationID,
		DerivationIndex: index,
		Address:         addr.Hex(),
		WebhookURL:      webhookURL,
	}
	if err := s.store.RegisterAccount(acct); err != nil {
		return RegisterResult{}, err
	}

	go s.fundNewAddress(context.Background(), acct)

	return RegisterResult{Address: addr.Hex()}, nil
}

func (s *Service) fundNewAddress(ctx context.Context, acct store.Account) {
	addr := common.HexToAddress(acct.Address)
	if needs, err := s.faucet.NeedsFunding(ctx, addr); err == nil && !needs {
		return
	}
	txHash, err := s.faucet.Fund(ctx, addr)
	event := notifier.FaucetFundingEvent{
		Event:          "faucet_funding",
		AccountID:      acct.Address,
		RegistrationID: acct.RegistrationID,
		ID:             fmt.Sprintf("%s:funding", acct.RegistrationID),
		Success:        err == nil,
	}
	if err != nil {
		log.Warn("service: faucet funding failed", "registration_id", acct.RegistrationID, "err", err)
		event.Error = err.Error()
	} else {
		event.TxHash = txHash
	}
	s.notifier.Send(ctx, acct.WebhookURL, event, s.webhookBearer)
}

// VerifyTransferRequest is the out-of-band confirmation request.
type VerifyTransferRequest struct {
	TxHash       string
	To           common.Address
	Amount       *big.Int
	TokenType    string // "native" | "erc20"
	TokenAddress common.Address
	TokenSymbol  string
}

// VerifyTransferResult is the out-of-band confirmation response.
type VerifyTransferResult struct {
	Status        string
	Message       string
	ActualTo      common.Address
	ActualAmount  *big.Int
	TokenType     string
	TokenSymbol   string
	BlockNumber   *uint64
}

// VerifyTransfer independently confirms a claimed transfer against the
// chain: receipt success, recipient, amount, and (for erc20) token
// identity.
func (s *Service) VerifyTransfer(ctx context.Context, req VerifyTransferRequest) (VerifyTransferResult, error) {
	hash := common.HexToHash(req.TxHash)

	tx, _, err := s.rpc.TransactionByHash(ctx, hash)
	if err != nil {
		return VerifyTransferResult{Status: "error", Message: fmt.Sprintf("transaction not found: %v", err)}, nil
	}
	rcpt, err := s.rpc.TransactionReceipt(ctx, hash)
	if err != nil {
		return VerifyTransferResult{Status: "error", Message: fmt.Sprintf("receipt not found: %v", err)}, nil
	}
	blockNumber := rcpt.BlockNumber.Uint64()

	if rcpt.Status != types.ReceiptStatusSuccessful {
		return VerifyTransferResult{Status: "error", Message: "transaction reverted", TokenType: req.TokenType, BlockNumber: &blockNumber}, nil
	}

	switch req.TokenType {
	case "erc20":
		return s.verifyErc20Transfer(ctx, req, rcpt, blockNumber), nil
	default:
		return s.verifyNativeTransfer(req, tx, blockNumber), nil
	}
}

func (s *Service) verifyNativeTransfer(req VerifyTransferRequest, tx *types.Transaction, blockNumber uint64) VerifyTransferResult {
	to := tx.To()
	if to == nil || *to != req.To {
		return VerifyTransferResult{Status: "error", Message: "recipient mismatch", TokenType: "native", BlockNumber: &blockNumber}
	}
	if tx.Value().Cmp(req.Amount) < 0 {
		return VerifyTransferResult{Status: "error", Message: "amount below expected", TokenType: "native", BlockNumber: &blockNumber}
	}
	return VerifyTransferResult{
		Status: "success", ActualTo: *to, ActualAmount: tx.Value(), TokenType: "native", BlockNumber: &blockNumber,
	}
}

func (s *Service) verifyErc20Transfer(ctx context.Context, req VerifyTransferRequest, rcpt *types.Receipt, blockNumber uint64) VerifyTransferResult {
	for _, l := range rcpt.Logs {
		if l.Address != req.TokenAddress || len(l.Topics) < 3 {
			continue
		}
		if l.Topics[0] != erc20.TransferEventTopic0() {
			continue
		}
		_, to, amount, err := erc20.DecodeTransfer(*l)
		if err != nil || to != req.To {
			continue
		}
		if amount.Cmp(req.Amount) < 0 {
			continue
		}
		if req.TokenSymbol != "" {
			if !s.symbolMatches(ctx, req.TokenAddress, req.TokenSymbol) {
				continue
			}
		}
		return VerifyTransferResult{
			Status: "success", ActualTo: to, ActualAmount: amount, TokenType: "erc20",
			TokenSymbol: req.TokenSymbol, BlockNumber: &blockNumber,
		}
	}
	return VerifyTransferResult{Status: "error", Message: "no matching transfer log found", TokenType: "erc20", BlockNumber: &blockNumber}
}

// symbolMatches confirms req wants the token's real symbol() (case
// insensitive), per spec.md §4.7. A cache miss falls through to a live
// contract read rather than passing verification unconditionally.
func (s *Service) symbolMatches(ctx context.Context, tokenAddr common.Address, want string) bool {
	if meta, ok, err := s.store.GetTokenMetadata(tokenAddr.Hex()); err == nil && ok {
		return strings.EqualFold(meta.Symbol, want)
	}

	data, err := erc20.PackSymbol()
	if err != nil {
		return false
	}
	out, err := s.rpc.CallContract(ctx, ethereum.CallMsg{To: &tokenAddr, Data: data})
	if err != nil {
		return false
	}
	symbol, err := erc20.UnpackSymbol(out)
	if err != nil {
		return false
	}
	return strings.EqualFold(symbol, want)
}
