// Package rpcclient abstracts the EVM JSON-RPC provider the Monitor and
// Sweeper depend on down to the narrow capability surface they
// actually use, matching the usage pattern of go-ethereum's
// ethclient.Client seen throughout the pack (e.g. the StateMachine
// provider used in the mz-unit deposit sweeper). Two concrete backings
// wrap the same *ethclient.Client: NewHTTP and NewWS differ only in
// whether SubscribeNewHead is available.
package rpcclient

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"golang.org/x/time/rate"

	"github.com/polygon-custody/hotwallet/internal/apperr"
)

// Client is the capability interface the Monitor and Sweeper are
// written against; it is satisfied by both the HTTP and WebSocket
// backings below and by the gomock-style test double in rpcclientmock.
type Client interface {
	BlockNumber(ctx context.Context) (uint64, error)
	BlockByNumber(ctx context.Context, number uint64) (*types.Block, error)
	FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error)
	BalanceAt(ctx context.Context, addr common.Address) (*big.Int, error)
	PendingNonceAt(ctx context.Context, addr common.Address) (uint64, error)
	SuggestFeeTip(ctx context.Context) (*big.Int, error)
	SuggestBaseFee(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
	SendRawTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionByHash(ctx context.Context, hash common.Hash) (*types.Transaction, bool, error)
	TransactionReceipt(ctx context.Context, hash common.Hash) (*types.Receipt, error)
	ChainID(ctx context.Context) (*big.Int, error)
	CallContract(ctx context.Context, msg ethereum.CallMsg) ([]byte, error)
	SubscribeNewHead(ctx context.Context) (<-chan *types.Header, ethereum.Subscription, error)
	Close()
}

// DefaultRatePerSecond is the client-side rate limit applied to every
// call when Config.RatePerSecond is left at zero. It models the spec's
// "unreliable RPC endpoint" premise as a provider that throttles.
const DefaultRatePerSecond = 20

// Config tunes a Client backing.
type Config struct {
	URL            string
	RatePerSecond  float64
	SupportsWS     bool
}

type client struct {
	ec         *ethclient.Client
	limiter    *rate.Limiter
	supportsWS bool
}

// NewHTTP dials an HTTP(S) JSON-RPC endpoint. SubscribeNewHead on the
// returned Client always fails with ErrSubscribeUnsupported.
func NewHTTP(ctx context.Context, cfg Config) (Client, error) {
	return dial(ctx, cfg, false)
}

// NewWS dials a ws:// or wss:// JSON-RPC endpoint. SubscribeNewHead is
// implemented.
func NewWS(ctx context.Context, cfg Config) (Client, error) {
	return dial(ctx, cfg, true)
}

// dial connects to cfg.URL and confirms the endpoint answers eth_chainId,
// so an unreachable endpoint fails here for both transports (an HTTP
// ethclient opens no connection until its first request).
func dial(ctx context.Context, cfg Config, ws bool) (Client, error) {
	ec, err := ethclient.DialContext(ctx, cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("%w: dialing %s: %v", apperr.ErrRPC, cfg.URL, err)
	}
	if _, err := ec.ChainID(ctx); err != nil {
		ec.Close()
		return nil, fmt.Errorf("%w: probing %s: %v", apperr.ErrRPC, cfg.URL, err)
	}
	rps := cfg.RatePerSecond
	if rps <= 0 {
		rps = DefaultRatePerSecond
	}
	return &client{
		ec:         ec,
		limiter:    rate.NewLimiter(rate.Limit(rps), int(rps)),
		supportsWS: ws,
	}, nil
}

func (c *client) wait(ctx context.Context) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("%w: rate limiter: %v", apperr.ErrRPC, err)
	}
	return nil
}

func (c *client) Close() { c.ec.Close() }

func (c *client) BlockNumber(ctx context.Context) (uint64, error) {
	if err := c.wait(ctx); err != nil {
		return 0, err
	}
	n, err := c.ec.BlockNumber(ctx)
	if err != nil {
		return 0, fmt.Errorf("%w: block number: %v", apperr.ErrRPC, err)
	}
	return n, nil
}

func (c *client) BlockByNumber(ctx context.Context, number uint64) (*types.Block, error) {
	if err := c.wait(ctx); err != nil {
		return nil, err
	}
	b, err := c.ec.BlockByNumber(ctx, new(big.Int).SetUint64(number))
	if err != nil {
		return nil, fmt.Errorf("%w: block by number %d: %v", apperr.ErrRPC, number, err)
	}
	return b, nil
}

func (c *client) FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error) {
	if err := c.wait(ctx); err != nil {
		return nil, err
	}
	logs, err := c.ec.FilterLogs(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("%w: filter logs: %v", apperr.ErrRPC, err)
	}
	return logs, nil
}

func (c *client) BalanceAt(ctx context.Context, addr common.Address) (*big.Int, error) {
	if err := c.wait(ctx); err != nil {
		return nil, err
	}
	bal, err := c.ec.BalanceAt(ctx, addr, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: balance at %s: %v", apperr.ErrRPC, addr, err)
	}
	return bal, nil
}

func (c *client) PendingNonceAt(ctx context.Context, addr common.Address) (uint64, error) {
	if err := c.wait(ctx); err != nil {
		return 0, err
	}
	nonce, err := c.ec.PendingNonceAt(ctx, addr)
	if err != nil {
		return 0, fmt.Errorf("%w: pending nonce at %s: %v", apperr.ErrRPC, addr, err)
	}
	return nonce, nil
}

func (c *client) SuggestFeeTip(ctx context.Context) (*big.Int, error) {
	if err := c.wait(ctx); err != nil {
		return nil, err
	}
	tip, err := c.ec.SuggestGasTipCap(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: suggest tip: %v", apperr.ErrRPC, err)
	}
	return tip, nil
}

// SuggestBaseFee returns the latest header's base fee, or zero when the
// header carries none. Callers add the SuggestFeeTip priority tip to it
// to form max-fee-per-gas, the standard EIP-1559 fee-estimation recipe.
func (c *client) SuggestBaseFee(ctx context.Context) (*big.Int, error) {
	if err := c.wait(ctx); err != nil {
		return nil, err
	}
	head, err := c.ec.HeaderByNumber(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: header by number: %v", apperr.ErrRPC, err)
	}
	if head.BaseFee == nil {
		return big.NewInt(0), nil
	}
	return new(big.Int).Set(head.BaseFee), nil
}

func (c *client) EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error) {
	if err := c.wait(ctx); err != nil {
		return 0, err
	}
	gas, err := c.ec.EstimateGas(ctx, msg)
	if err != nil {
		return 0, fmt.Errorf("%w: estimate gas: %v", apperr.ErrRPC, err)
	}
	return gas, nil
}

func (c *client) SendRawTransaction(ctx context.Context, tx *types.Transaction) error {
	if err := c.wait(ctx); err != nil {
		return err
	}
	if err := c.ec.SendTransaction(ctx, tx); err != nil {
		return fmt.Errorf("%w: send transaction %s: %v", apperr.ErrRPC, tx.Hash(), err)
	}
	return nil
}

func (c *client) TransactionByHash(ctx context.Context, hash common.Hash) (*types.Transaction, bool, error) {
	if err := c.wait(ctx); err != nil {
		return nil, false, err
	}
	tx, pending, err := c.ec.TransactionByHash(ctx, hash)
	if err != nil {
		return nil, false, fmt.Errorf("%w: transaction by hash %s: %v", apperr.ErrRPC, hash, err)
	}
	return tx, pending, nil
}

func (c *client) TransactionReceipt(ctx context.Context, hash common.Hash) (*types.Receipt, error) {
	if err := c.wait(ctx); err != nil {
		return nil, err
	}
	rcpt, err := c.ec.TransactionReceipt(ctx, hash)
	if err != nil {
		return nil, fmt.Errorf("%w: transaction receipt %s: %v", apperr.ErrRPC, hash, err)
	}
	return rcpt, nil
}

func (c *client) ChainID(ctx context.Context) (*big.Int, error) {
	if err := c.wait(ctx); err != nil {
		return nil, err
	}
	id, err := c.ec.ChainID(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: chain id: %v", apperr.ErrRPC, err)
	}
	return id, nil
}

func (c *client) CallContract(ctx context.Context, msg ethereum.CallMsg) ([]byte, error) {
	if err := c.wait(ctx); err != nil {
		return nil, err
	}
	out, err := c.ec.CallContract(ctx, msg, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: call contract: %v", apperr.ErrRPC, err)
	}
	return out, nil
}

func (c *client) SubscribeNewHead(ctx context.Context) (<-chan *types.Header, ethereum.Subscription, error) {
	if !c.supportsWS {
		return nil, nil, apperr.ErrSubscribeUnsupported
	}
	ch := make(chan *types.Header)
	sub, err := c.ec.SubscribeNewHead(ctx, ch)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: subscribe new head: %v", apperr.ErrRPC, err)
	}
	return ch, sub, nil
}
