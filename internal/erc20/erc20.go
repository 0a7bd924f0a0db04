// Package erc20 is a minimal hand-written ABI binding for the subset of
// the ERC-20 interface the hot wallet needs: decoding Transfer events
// and packing/unpacking symbol, decimals, name, balanceOf and transfer
// calls. It parses the ABI JSON once at init time the same way code
// generated by the teacher stack's cmd/abigen does, without requiring
// a generated contract-binding file for a single, fixed interface.
package erc20

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/polygon-custody/hotwallet/internal/apperr"
)

const erc20ABIJSON = `[
	{"constant":true,"inputs":[],"name":"symbol","outputs":[{"name":"","type":"string"}],"type":"function"},
	{"constant":true,"inputs":[],"name":"decimals","outputs":[{"name":"","type":"uint8"}],"type":"function"},
	{"constant":true,"inputs":[],"name":"name","outputs":[{"name":"","type":"string"}],"type":"function"},
	{"constant":true,"inputs":[{"name":"owner","type":"address"}],"name":"balanceOf","outputs":[{"name":"","type":"uint256"}],"type":"function"},
	{"constant":false,"inputs":[{"name":"to","type":"address"},{"name":"value","type":"uint256"}],"name":"transfer","outputs":[{"name":"","type":"bool"}],"type":"function"},
	{"anonymous":false,"inputs":[{"indexed":true,"name":"from","type":"address"},{"indexed":true,"name":"to","type":"address"},{"indexed":false,"name":"value","type":"uint256"}],"name":"Transfer","type":"event"}
]`

var parsedABI abi.ABI

// transferEventSignature is the raw string hashed to produce topic0 of
// every ERC-20 Transfer log.
const transferEventSignature = "Transfer(address,address,uint256)"

func init() {
	var err error
	parsedABI, err = abi.JSON(strings.NewReader(erc20ABIJSON))
	if err != nil {
		panic(fmt.Sprintf("erc20: invalid embedded ABI: %v", err))
	}
}

// TransferEventTopic0 returns keccak256("Transfer(address,address,uint256)"),
// the log topic every ERC-20 Transfer event is indexed under.
func TransferEventTopic0() common.Hash {
	return crypto.Keccak256Hash([]byte(transferEventSignature))
}

// DecodeTransfer extracts (from, to, amount) from a raw Transfer log.
// Callers must first check len(log.Topics) >= 3 and
// log.Topics[0] == TransferEventTopic0(); a log with fewer than three
// topics is not a valid indexed Transfer event and must be ignored by
// the caller before reaching this function.
func DecodeTransfer(log types.Log) (from, to common.Address, amount *big.Int, err error) {
	if len(log.Topics) < 3 {
		return common.Address{}, common.Address{}, nil, fmt.Errorf("%w: transfer log has %d topics, want >= 3", apperr.ErrRPC, len(log.Topics))
	}
	from = common.BytesToAddress(log.Topics[1].Bytes())
	to = common.BytesToAddress(log.Topics[2].Bytes())
	amount = new(big.Int).SetBytes(log.Data)
	return from, to, amount, nil
}

// PackTransfer builds the call data for transfer(to, value).
func PackTransfer(to common.Address, value *big.Int) ([]byte, error) {
	data, err := parsedABI.Pack("transfer", to, value)
	if err != nil {
		return nil, fmt.Errorf("%w: packing transfer: %v", apperr.ErrRPC, err)
	}
	return data, nil
}

// PackBalanceOf builds the call data for balanceOf(owner).
func PackBalanceOf(owner common.Address) ([]byte, error) {
	data, err := parsedABI.Pack("balanceOf", owner)
	if err != nil {
		return nil, fmt.Errorf("%w: packing balanceOf: %v", apperr.ErrRPC, err)
	}
	return data, nil
}

// PackSymbol builds the call data for symbol().
func PackSymbol() ([]byte, error) {
	data, err := parsedABI.Pack("symbol")
	if err != nil {
		return nil, fmt.Errorf("%w: packing symbol: %v", apperr.ErrRPC, err)
	}
	return data, nil
}

// PackDecimals builds the call data for decimals().
func PackDecimals() ([]byte, error) {
	data, err := parsedABI.Pack("decimals")
	if err != nil {
		return nil, fmt.Errorf("%w: packing decimals: %v", apperr.ErrRPC, err)
	}
	return data, nil
}

// PackName builds the call data for name().
func PackName() ([]byte, error) {
	data, err := parsedABI.Pack("name")
	if err != nil {
		return nil, fmt.Errorf("%w: packing name: %v", apperr.ErrRPC, err)
	}
	return data, nil
}

// UnpackUint256 decodes the single uint256 return value of balanceOf().
// decimals() returns a uint8 and is decoded by UnpackDecimals below.
func UnpackUint256(data []byte) (*big.Int, error) {
	out, err := parsedABI.Unpack("balanceOf", data)
	if err != nil {
		return nil, fmt.Errorf("%w: unpacking uint256: %v", apperr.ErrRPC, err)
	}
	if len(out) != 1 {
		return nil, fmt.Errorf("%w: unexpected uint256 unpack arity %d", apperr.ErrRPC, len(out))
	}
	v, ok := out[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("%w: uint256 unpack produced %T", apperr.ErrRPC, out[0])
	}
	return v, nil
}

// UnpackSymbol decodes the string return value of symbol().
func UnpackSymbol(data []byte) (string, error) {
	return unpackString(data, "symbol")
}

// UnpackName decodes the string return value of name().
func UnpackName(data []byte) (string, error) {
	return unpackString(data, "name")
}

func unpackString(data []byte, method string) (string, error) {
	out, err := parsedABI.Unpack(method, data)
	if err != nil {
		return "", fmt.Errorf("%w: unpacking %s: %v", apperr.ErrRPC, method, err)
	}
	if len(out) != 1 {
		return "", fmt.Errorf("%w: unexpected %s unpack arity %d", apperr.ErrRPC, method, len(out))
	}
	s, ok := out[0].(string)
	if !ok {
		return "", fmt.Errorf("%w: %s unpack produced %T", apperr.ErrRPC, method, out[0])
	}
	return s, nil
}

// UnpackDecimals decodes the uint8 return value of decimals().
func UnpackDecimals(data []byte) (uint8, error) {
	out, err := parsedABI.Unpack("decimals", data)
	if err != nil {
		return 0, fmt.Errorf("%w: unpacking decimals: %v", apperr.ErrRPC, err)
	}
	if len(out) != 1 {
		return 0, fmt.Errorf("%w: unexpected decimals unpack arity %d", apperr.ErrRPC, len(out))
	}
	d, ok := out[0].(uint8)
	if !ok {
		return 0, fmt.Errorf("%w: decimals unpack produced %T", apperr.ErrRPC, out[0])
	}
	return d, nil
}
