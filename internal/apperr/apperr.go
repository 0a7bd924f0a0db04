// Package apperr defines the error taxonomy shared by every component of
// the hot wallet: config loading, the store, the RPC client and the
// sweeper all wrap failures into one of these kinds so callers can branch
// on errors.Is/errors.As instead of parsing messages.
package apperr

import "errors"

var (
	// ErrConfig marks a startup configuration failure. Fatal.
	ErrConfig = errors.New("config error")

	// ErrStore marks a store I/O failure. Transient unless the underlying
	// engine reports corruption, in which case the caller should treat it
	// as fatal.
	ErrStore = errors.New("store error")

	// ErrRPC marks a failure talking to the chain provider. Always
	// transient from the caller's perspective: Monitor and Sweeper retry
	// on the next tick.
	ErrRPC = errors.New("rpc error")

	// ErrSign marks a signing failure (a BIP-32 child-key derivation
	// failure, or the underlying signer rejecting the transaction). A bad
	// mnemonic or index is reported as ErrBadMnemonic / ErrBadIndex.
	ErrSign = errors.New("sign error")

	// ErrInsufficientBalance means a deposit address doesn't have enough
	// native currency to cover the gas cost buffer for a sweep.
	ErrInsufficientBalance = errors.New("insufficient balance")

	// ErrInsufficientFaucet means the faucet's own balance has dropped
	// below the existential deposit it's meant to hand out.
	ErrInsufficientFaucet = errors.New("insufficient faucet balance")

	// ErrBadMnemonic means the configured mnemonic phrase failed BIP-39
	// checksum validation.
	ErrBadMnemonic = errors.New("invalid mnemonic")

	// ErrBadIndex means a derivation index fell outside [0, 2^31).
	ErrBadIndex = errors.New("derivation index out of range")

	// ErrSubscribeUnsupported is returned by an HTTP-backed RPC client
	// when asked to subscribe to new block headers; only the WebSocket
	// backing supports it.
	ErrSubscribeUnsupported = errors.New("block subscription requires a websocket provider")

	// ErrNotFound marks a lookup miss. Store methods do not return it:
	// they report a miss as a zero value (ok=false or an empty id) and no
	// error.
	ErrNotFound = errors.New("not found")
)
