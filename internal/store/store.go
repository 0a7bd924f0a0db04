// Package store is the durable, transactional key-value layer backing
// the hot wallet: accounts, detected deposits, sweep state and the
// token-metadata cache. It is built on github.com/cockroachdb/pebble,
// an embedded ordered KV engine, the same family of storage engine the
// teacher stack links in for its own state databases.
package store

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math/big"
	"sync"

	"github.com/cockroachdb/pebble"
	"github.com/holiman/uint256"

	"github.com/polygon-custody/hotwallet/internal/apperr"
)

// Key-prefix "tables", mirroring the six logical tables named in the
// data model: accounts, address_to_id, native_deposits, erc20_deposits,
// state, token_metadata.
const (
	prefixAccounts      = "accounts/"
	prefixAddressToID   = "address_to_id/"
	prefixNativeDeposit = "native_deposits/"
	prefixErc20Deposit  = "erc20_deposits/"
	prefixTokenMeta     = "token_metadata/"
	keyCursor           = "state/cursor"
)

// DepositStatus is the lifecycle state of a detected deposit row.
type DepositStatus string

const (
	StatusDetected DepositStatus = "detected"
	StatusSwept    DepositStatus = "swept"
)

// Account is the identity of a depositing user.
type Account struct {
	RegistrationID  string `json:"registration_id"`
	DerivationIndex uint32 `json:"derivation_index"`
	Address         string `json:"address"`
	WebhookURL      string `json:"webhook_url"`
}

// NativeDeposit is a detected or swept native-currency transfer, keyed
// by transaction hash.
type NativeDeposit struct {
	TxHash         string        `json:"tx_hash"`
	RegistrationID string        `json:"registration_id"`
	AmountWei      *big.Int      `json:"-"`
	Status         DepositStatus `json:"status"`
}

// Erc20Deposit is a detected or swept ERC-20 transfer, keyed by
// "{tx_hash}:{log_index}".
type Erc20Deposit struct {
	Key            string        `json:"key"`
	TxHash         string        `json:"tx_hash"`
	LogIndex       uint          `json:"log_index"`
	RegistrationID string        `json:"registration_id"`
	Amount         *big.Int      `json:"-"`
	TokenAddress   string        `json:"token_address"`
	TokenSymbol    string        `json:"token_symbol"`
	Status         DepositStatus `json:"status"`
}

// TokenMetadata is a cached ERC-20 token descriptor.
type TokenMetadata struct {
	Symbol   string `json:"symbol"`
	Decimals uint8  `json:"decimals"`
	Name     string `json:"name"`
}

// nativeDepositWire and erc20DepositWire carry the big.Int amount as a
// zero-padded big-endian uint256 byte string so that lexicographic
// ordering of the stored bytes matches numeric ordering, the same
// convention the teacher stack uses for gas/value accounting.
type nativeDepositWire struct {
	RegistrationID string        `json:"registration_id"`
	AmountWei      []byte        `json:"amount_wei"`
	Status         DepositStatus `json:"status"`
}

type erc20DepositWire struct {
	TxHash         string        `json:"tx_hash"`
	LogIndex       uint          `json:"log_index"`
	RegistrationID string        `json:"registration_id"`
	Amount         []byte        `json:"amount"`
	TokenAddress   string        `json:"token_address"`
	TokenSymbol    string        `json:"token_symbol"`
	Status         DepositStatus `json:"status"`
}

func encodeAmount(v *big.Int) []byte {
	u, overflow := uint256.FromBig(v)
	if overflow {
		u = new(uint256.Int)
	}
	b := u.Bytes32()
	return b[:]
}

func decodeAmount(b []byte) *big.Int {
	var u uint256.Int
	u.SetBytes(b)
	return u.ToBig()
}

// Store wraps a pebble.DB. All cross-table writes go through a single
// pebble.Batch committed with Sync: true; a store-wide mutex makes
// insert-if-absent atomic under concurrent Monitor/Sweeper access,
// since a pebble batch alone gives no check-and-set across concurrent
// writers.
type Store struct {
	db *pebble.DB
	mu sync.Mutex
}

// Open opens (creating if absent) the pebble database at path.
func Open(path string) (*Store, error) {
	db, err := pebble.Open(path, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("%w: opening %s: %v", apperr.ErrStore, path, err)
	}
	return &Store{db: db}, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("%w: %v", apperr.ErrStore, err)
	}
	return nil
}

func wrapStoreErr(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %v", apperr.ErrStore, err)
}

// RegisterAccount writes both the accounts and address_to_id tables in
// one transaction. Overwrites are permitted: calling it again for the
// same registration_id is idempotent.
func (s *Store) RegisterAccount(acct Account) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	buf, err := json.Marshal(acct)
	if err != nil {
		return wrapStoreErr(err)
	}

	batch := s.db.NewBatch()
	defer batch.Close()
	if err := batch.Set([]byte(prefixAccounts+acct.RegistrationID), buf, nil); err != nil {
		return wrapStoreErr(err)
	}
	if err := batch.Set([]byte(prefixAddressToID+normalizeAddr(acct.Address)), []byte(acct.RegistrationID), nil); err != nil {
		return wrapStoreErr(err)
	}
	return wrapStoreErr(batch.Commit(pebble.Sync))
}

func normalizeAddr(addr string) string {
	b := []byte(addr)
	for i, c := range b {
		if c >= 'A' && c <= 'Z' {
			b[i] = c + ('a' - 'A')
		}
	}
	return string(b)
}

// LookupByAddress returns the registration id owning addr, or "" if
// none is registered.
func (s *Store) LookupByAddress(addr string) (string, error) {
	val, closer, err := s.db.Get([]byte(prefixAddressToID + normalizeAddr(addr)))
	if err == pebble.ErrNotFound {
		return "", nil
	}
	if err != nil {
		return "", wrapStoreErr(err)
	}
	defer closer.Close()
	return string(val), nil
}

// LookupByID returns the account registered under registrationID, or
// ok=false if none exists.
func (s *Store) LookupByID(registrationID string) (Account, bool, error) {
	val, closer, err := s.db.Get([]byte(prefixAccounts + registrationID))
	if err == pebble.ErrNotFound {
		return Account{}, false, nil
	}
	if err != nil {
		return Account{}, false, wrapStoreErr(err)
	}
	defer closer.Close()
	var acct Account
	if err := json.Unmarshal(val, &acct); err != nil {
		return Account{}, false, wrapStoreErr(err)
	}
	return acct, true, nil
}

// RecordNativeDeposit inserts the deposit only if txHash is absent.
// Returns isNew=true when this call performed the insert; callers use
// that to decide whether to emit deposit_detected exactly once.
func (s *Store) RecordNativeDeposit(txHash, registrationID string, amountWei *big.Int) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := []byte(prefixNativeDeposit + txHash)
	_, closer, err := s.db.Get(key)
	if err == nil {
		closer.Close()
		return false, nil
	}
	if err != pebble.ErrNotFound {
		return false, wrapStoreErr(err)
	}

	wire := nativeDepositWire{
		RegistrationID: registrationID,
		AmountWei:      encodeAmount(amountWei),
		Status:         StatusDetected,
	}
	buf, err := json.Marshal(wire)
	if err != nil {
		return false, wrapStoreErr(err)
	}
	if err := s.db.Set(key, buf, pebble.Sync); err != nil {
		return false, wrapStoreErr(err)
	}
	return true, nil
}

// RecordErc20Deposit inserts the deposit only if the composite
// "{txHash}:{logIndex}" key is absent.
func (s *Store) RecordErc20Deposit(txHash string, logIndex uint, registrationID string, amount *big.Int, tokenAddress, tokenSymbol string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	compositeKey := fmt.Sprintf("%s:%d", txHash, logIndex)
	key := []byte(prefixErc20Deposit + compositeKey)
	_, closer, err := s.db.Get(key)
	if err == nil {
		closer.Close()
		return false, nil
	}
	if err != pebble.ErrNotFound {
		return false, wrapStoreErr(err)
	}

	wire := erc20DepositWire{
		TxHash:         txHash,
		LogIndex:       logIndex,
		RegistrationID: registrationID,
		Amount:         encodeAmount(amount),
		TokenAddress:   tokenAddress,
		TokenSymbol:    tokenSymbol,
		Status:         StatusDetected,
	}
	buf, err := json.Marshal(wire)
	if err != nil {
		return false, wrapStoreErr(err)
	}
	if err := s.db.Set(key, buf, pebble.Sync); err != nil {
		return false, wrapStoreErr(err)
	}
	return true, nil
}

// ListDetectedNative enumerates native deposits with status=detected.
// Iteration order is not part of the contract.
func (s *Store) ListDetectedNative() ([]NativeDeposit, error) {
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: []byte(prefixNativeDeposit),
		UpperBound: prefixUpperBound(prefixNativeDeposit),
	})
	if err != nil {
		return nil, wrapStoreErr(err)
	}
	defer iter.Close()

	var out []NativeDeposit
	for iter.First(); iter.Valid(); iter.Next() {
		var wire nativeDepositWire
		if err := json.Unmarshal(iter.Value(), &wire); err != nil {
			return nil, wrapStoreErr(err)
		}
		if wire.Status != StatusDetected {
			continue
		}
		txHash := string(iter.Key()[len(prefixNativeDeposit):])
		out = append(out, NativeDeposit{
			TxHash:         txHash,
			RegistrationID: wire.RegistrationID,
			AmountWei:      decodeAmount(wire.AmountWei),
			Status:         wire.Status,
		})
	}
	return out, wrapStoreErr(iter.Error())
}

// ListDetectedErc20 enumerates ERC-20 deposits with status=detected.
func (s *Store) ListDetectedErc20() ([]Erc20Deposit, error) {
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: []byte(prefixErc20Deposit),
		UpperBound: prefixUpperBound(prefixErc20Deposit),
	})
	if err != nil {
		return nil, wrapStoreErr(err)
	}
	defer iter.Close()

	var out []Erc20Deposit
	for iter.First(); iter.Valid(); iter.Next() {
		var wire erc20DepositWire
		if err := json.Unmarshal(iter.Value(), &wire); err != nil {
			return nil, wrapStoreErr(err)
		}
		if wire.Status != StatusDetected {
			continue
		}
		out = append(out, Erc20Deposit{
			Key:            string(iter.Key()[len(prefixErc20Deposit):]),
			TxHash:         wire.TxHash,
			LogIndex:       wire.LogIndex,
			RegistrationID: wire.RegistrationID,
			Amount:         decodeAmount(wire.Amount),
			TokenAddress:   wire.TokenAddress,
			TokenSymbol:    wire.TokenSymbol,
			Status:         wire.Status,
		})
	}
	return out, wrapStoreErr(iter.Error())
}

// MarkNativeSwept transitions a native deposit detected -> swept. A
// missing row is a no-op, not an error.
func (s *Store) MarkNativeSwept(txHash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := []byte(prefixNativeDeposit + txHash)
	val, closer, err := s.db.Get(key)
	if err == pebble.ErrNotFound {
		return nil
	}
	if err != nil {
		return wrapStoreErr(err)
	}
	var wire nativeDepositWire
	unmarshalErr := json.Unmarshal(val, &wire)
	closer.Close()
	if unmarshalErr != nil {
		return wrapStoreErr(unmarshalErr)
	}
	wire.Status = StatusSwept
	buf, err := json.Marshal(wire)
	if err != nil {
		return wrapStoreErr(err)
	}
	return wrapStoreErr(s.db.Set(key, buf, pebble.Sync))
}

// MarkErc20Swept transitions an ERC-20 deposit detected -> swept, keyed
// by the composite "{tx_hash}:{log_index}" string.
func (s *Store) MarkErc20Swept(compositeKey string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := []byte(prefixErc20Deposit + compositeKey)
	val, closer, err := s.db.Get(key)
	if err == pebble.ErrNotFound {
		return nil
	}
	if err != nil {
		return wrapStoreErr(err)
	}
	var wire erc20DepositWire
	unmarshalErr := json.Unmarshal(val, &wire)
	closer.Close()
	if unmarshalErr != nil {
		return wrapStoreErr(unmarshalErr)
	}
	wire.Status = StatusSwept
	buf, err := json.Marshal(wire)
	if err != nil {
		return wrapStoreErr(err)
	}
	return wrapStoreErr(s.db.Set(key, buf, pebble.Sync))
}

// GetCursor returns the persisted scan cursor, 0 if uninitialised.
func (s *Store) GetCursor() (uint64, error) {
	val, closer, err := s.db.Get([]byte(keyCursor))
	if err == pebble.ErrNotFound {
		return 0, nil
	}
	if err != nil {
		return 0, wrapStoreErr(err)
	}
	defer closer.Close()
	return binary.BigEndian.Uint64(val), nil
}

// SetCursor persists the scan cursor.
func (s *Store) SetCursor(n uint64) error {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], n)
	return wrapStoreErr(s.db.Set([]byte(keyCursor), buf[:], pebble.Sync))
}

// GetTokenMetadata returns the cached metadata for addr, ok=false if
// uncached.
func (s *Store) GetTokenMetadata(addr string) (TokenMetadata, bool, error) {
	val, closer, err := s.db.Get([]byte(prefixTokenMeta + normalizeAddr(addr)))
	if err == pebble.ErrNotFound {
		return TokenMetadata{}, false, nil
	}
	if err != nil {
		return TokenMetadata{}, false, wrapStoreErr(err)
	}
	defer closer.Close()
	var meta TokenMetadata
	if err := json.Unmarshal(val, &meta); err != nil {
		return TokenMetadata{}, false, wrapStoreErr(err)
	}
	return meta, true, nil
}

// PutTokenMetadata caches token metadata for addr.
func (s *Store) PutTokenMetadata(addr string, meta TokenMetadata) error {
	buf, err := json.Marshal(meta)
	if err != nil {
		return wrapStoreErr(err)
	}
	return wrapStoreErr(s.db.Set([]byte(prefixTokenMeta+normalizeAddr(addr)), buf, pebble.Sync))
}

// prefixUpperBound returns the smallest key strictly greater than every
// key with the given prefix, for use as a pebble iterator upper bound.
func prefixUpperBound(prefix string) []byte {
	b := []byte(prefix)
	for i := len(b) - 1; i >= 0; i-- {
		if b[i] != 0xff {
			out := make([]byte, i+1)
			copy(out, b[:i+1])
			out[i]++
			return out
		}
	}
	return nil
}
