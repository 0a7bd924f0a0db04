package service

import (
	"context"
	"math/big"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"github.com/polygon-custody/hotwallet/internal/erc20"
	"github.com/polygon-custody/hotwallet/internal/faucet"
	"github.com/polygon-custody/hotwallet/internal/monitor"
	"github.com/polygon-custody/hotwallet/internal/notifier"
	"github.com/polygon-custody/hotwallet/internal/rpcclient/rpcclientmock"
	"github.com/polygon-custody/hotwallet/internal/store"
	"github.com/polygon-custody/hotwallet/internal/sweeper"
	"github.com/polygon-custody/hotwallet/internal/wallet"
)

const testMnemonic = "test test test test test test test test test test test junk"
const faucetMnemonic = "legal winner thank year wave sausage worth useful legal winner thank yellow"

func newTestService(t *testing.T, rpc *rpcclientmock.MockClient) *Service {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "wallet.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	w, err := wallet.New(testMnemonic)
	require.NoError(t, err)
	fw, err := wallet.New(faucetMnemonic)
	require.NoError(t, err)
	faucetSigner, err := fw.Signer(0)
	require.NoError(t, err)

	f := faucet.New(rpc, faucetSigner, big.NewInt(137), big.NewInt(10_000_000_000_000_000))
	n := notifier.New()
	m := monitor.New(rpc, st, n, monitor.Config{})
	sw := sweeper.New(rpc, st, w, f, n, sweeper.Config{Treasury: common.HexToAddress("0x9999999999999999999999999999999999999999"), ChainID: big.NewInt(137), PollInterval: time.Hour})

	return New(Deps{Wallet: w, Store: st, RPC: rpc, Faucet: f, Notifier: n, Monitor: m, Sweeper: sw})
}

func TestRegister_DerivesAddressAndPersistsAccount(t *testing.T) {
	ctrl := gomock.NewController(t)
	rpc := rpcclientmock.NewMockClient(ctrl)
	rpc.EXPECT().BalanceAt(gomock.Any(), gomock.Any()).Return(big.NewInt(0), nil).AnyTimes()

	s := newTestService(t, rpc)

	result, err := s.Register(context.Background(), "user_1", "https://x/hook")
	require.NoError(t, err)
	require.NotEmpty(t, result.Address)

	acct, ok, err := s.store.LookupByID("user_1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, result.Address, acct.Address)
}

func TestRegister_IsIdempotent(t *testing.T) {
	ctrl := gomock.NewController(t)
	rpc := rpcclientmock.NewMockClient(ctrl)
	rpc.EXPECT().BalanceAt(gomock.Any(), gomock.Any()).Return(big.NewInt(0), nil).AnyTimes()

	s := newTestService(t, rpc)

	first, err := s.Register(context.Background(), "user_1", "https://x/hook")
	require.NoError(t, err)
	second, err := s.Register(context.Background(), "user_1", "https://y/different-hook")
	require.NoError(t, err)

	require.Equal(t, first.Address, second.Address)
}

func TestDerivationIndex_WithinNonHardenedRange(t *testing.T) {
	idx := derivationIndex("any-opaque-id")
	require.Less(t, idx, uint32(1<<31))
}

func TestVerifyTransfer_NativeSuccess(t *testing.T) {
	ctrl := gomock.NewController(t)
	rpc := rpcclientmock.NewMockClient(ctrl)
	s := newTestService(t, rpc)

	to := common.HexToAddress("0x1111111111111111111111111111111111111111")
	hash := common.HexToHash("0xabc")
	tx := types.NewTx(&types.LegacyTx{To: &to, Value: big.NewInt(1_000_000), Gas: 21000, GasPrice: big.NewInt(1)})

	rpc.EXPECT().TransactionByHash(gomock.Any(), hash).Return(tx, false, nil)
	rpc.EXPECT().TransactionReceipt(gomock.Any(), hash).Return(&types.Receipt{Status: types.ReceiptStatusSuccessful, BlockNumber: big.NewInt(100)}, nil)

	result, err := s.VerifyTransfer(context.Background(), VerifyTransferRequest{
		TxHash: "0xabc", To: to, Amount: big.NewInt(500_000), TokenType: "native",
	})
	require.NoError(t, err)
	require.Equal(t, "success", result.Status)
}

func TestVerifyTransfer_RevertedReceipt(t *testing.T) {
	ctrl := gomock.NewController(t)
	rpc := rpcclientmock.NewMockClient(ctrl)
	s := newTestService(t, rpc)

	to := common.HexToAddress("0x1111111111111111111111111111111111111111")
	hash := common.HexToHash("0xabc")
	tx := types.NewTx(&types.LegacyTx{To: &to, Value: big.NewInt(1_000_000), Gas: 21000, GasPrice: big.NewInt(1)})

	rpc.EXPECT().TransactionByHash(gomock.Any(), hash).Return(tx, false, nil)
	rpc.EXPECT().TransactionReceipt(gomock.Any(), hash).Return(&types.Receipt{Status: types.ReceiptStatusFailed, BlockNumber: big.NewInt(100)}, nil)

	result, err := s.VerifyTransfer(context.Background(), VerifyTransferRequest{
		TxHash: "0xabc", To: to, Amount: big.NewInt(500_000), TokenType: "native",
	})
	require.NoError(t, err)
	require.Equal(t, "error", result.Status)
	require.Contains(t, result.Message, "reverted")
}

func encodeABIString(s string) []byte {
	out := make([]byte, 0, 96)
	out = append(out, common.LeftPadBytes(big.NewInt(32).Bytes(), 32)...)
	out = append(out, common.LeftPadBytes(big.NewInt(int64(len(s))).Bytes(), 32)...)
	data := []byte(s)
	padded := (len(data) + 31) / 32 * 32
	if padded == 0 {
		padded = 32
	}
	out = append(out, common.RightPadBytes(data, padded)...)
	return out
}

func TestVerifyTransfer_Erc20WrongSymbolOnCacheMissFails(t *testing.T) {
	ctrl := gomock.NewController(t)
	rpc := rpcclientmock.NewMockClient(ctrl)
	s := newTestService(t, rpc)

	token := common.HexToAddress("0x2222222222222222222222222222222222222222")
	to := common.HexToAddress("0x1111111111111111111111111111111111111111")
	hash := common.HexToHash("0xabc")
	topic0 := erc20.TransferEventTopic0()
	transferLog := &types.Log{
		Address: token,
		Topics:  []common.Hash{topic0, common.BytesToHash(common.HexToAddress("0x3333333333333333333333333333333333333333").Bytes()), common.BytesToHash(to.Bytes())},
		Data:    common.LeftPadBytes(big.NewInt(1_000_000).Bytes(), 32),
	}

	rpc.EXPECT().TransactionByHash(gomock.Any(), hash).Return(nil, false, nil)
	rpc.EXPECT().TransactionReceipt(gomock.Any(), hash).Return(&types.Receipt{
		Status: types.ReceiptStatusSuccessful, BlockNumber: big.NewInt(100), Logs: []*types.Log{transferLog},
	}, nil)
	rpc.EXPECT().CallContract(gomock.Any(), gomock.Any()).Return(encodeABIString("USDT"), nil)

	result, err := s.VerifyTransfer(context.Background(), VerifyTransferRequest{
		TxHash: "0xabc", To: to, Amount: big.NewInt(500_000), TokenType: "erc20",
		TokenAddress: token, TokenSymbol: "DAI",
	})
	require.NoError(t, err)
	require.Equal(t, "error", result.Status)
}

func TestVerifyTransfer_Erc20CorrectSymbolViaLiveLookupSucceeds(t *testing.T) {
	ctrl := gomock.NewController(t)
	rpc := rpcclientmock.NewMockClient(ctrl)
	s := newTestService(t, rpc)

	token := common.HexToAddress("0x2222222222222222222222222222222222222222")
	to := common.HexToAddress("0x1111111111111111111111111111111111111111")
	hash := common.HexToHash("0xabc")
	topic0 := erc20.TransferEventTopic0()
	transferLog := &types.Log{
		Address: token,
		Topics:  []common.Hash{topic0, common.BytesToHash(common.HexToAddress("0x3333333333333333333333333333333333333333").Bytes()), common.BytesToHash(to.Bytes())},
		Data:    common.LeftPadBytes(big.NewInt(1_000_000).Bytes(), 32),
	}

	rpc.EXPECT().TransactionByHash(gomock.Any(), hash).Return(nil, false, nil)
	rpc.EXPECT().TransactionReceipt(gomock.Any(), hash).Return(&types.Receipt{
		Status: types.ReceiptStatusSuccessful, BlockNumber: big.NewInt(100), Logs: []*types.Log{transferLog},
	}, nil)
	rpc.EXPECT().CallContract(gomock.Any(), gomock.Any()).Return(encodeABIString("DAI"), nil)

	result, err := s.VerifyTransfer(context.Background(), VerifyTransferRequest{
		TxHash: "0xabc", To: to, Amount: big.NewInt(500_000), TokenType: "erc20",
		TokenAddress: token, TokenSymbol: "dai",
	})
	require.NoError(t, err)
	require.Equal(t, "success", result.Status)
}

func TestRegister_FundsViaWebhook(t *testing.T) {
	received := make(chan struct{}, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		received <- struct{}{}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	ctrl := gomock.NewController(t)
	rpc := rpcclientmock.NewMockClient(ctrl)
	rpc.EXPECT().BalanceAt(gomock.Any(), gomock.Any()).Return(big.NewInt(0), nil).AnyTimes()

	s := newTestService(t, rpc)

	_, err := s.Register(context.Background(), "user_1", srv.URL)
	require.NoError(t, err)

	select {
	case <-received:
	case <-time.After(2 * time.Second):
		t.Fatal("faucet_funding webhook was not delivered")
	}
}
