package monitor

import (
	"context"
	"math/big"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"github.com/polygon-custody/hotwallet/internal/erc20"
	"github.com/polygon-custody/hotwallet/internal/notifier"
	"github.com/polygon-custody/hotwallet/internal/rpcclient/rpcclientmock"
	"github.com/polygon-custody/hotwallet/internal/store"
	"github.com/polygon-custody/hotwallet/internal/wallet"
)

const testMnemonic = "test test test test test test test test test test test junk"

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "wallet.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func emptyBlock(t *testing.T, number int64) *types.Block {
	t.Helper()
	header := &types.Header{Number: big.NewInt(number)}
	return types.NewBlockWithHeader(header)
}

func blockWithTxs(t *testing.T, number int64, txs ...*types.Transaction) *types.Block {
	t.Helper()
	header := &types.Header{Number: big.NewInt(number)}
	return types.NewBlockWithHeader(header).WithBody(txs, nil)
}

func legacyTx(t *testing.T, from wallet.Signer, to common.Address, value *big.Int, nonce uint64) *types.Transaction {
	t.Helper()
	tx := types.NewTx(&types.LegacyTx{
		Nonce:    nonce,
		To:       &to,
		Value:    value,
		Gas:      21000,
		GasPrice: big.NewInt(1),
	})
	signed, err := from.SignTx(tx, big.NewInt(1))
	require.NoError(t, err)
	return signed
}

func TestTick_ColdStartAnchorsCursorWithoutScanning(t *testing.T) {
	ctrl := gomock.NewController(t)
	rpc := rpcclientmock.NewMockClient(ctrl)
	st := newTestStore(t)
	n := notifier.New()
	m := New(rpc, st, n, Config{ConfirmationOffset: 20, PollInterval: time.Hour})

	rpc.EXPECT().BlockNumber(gomock.Any()).Return(uint64(1000), nil)

	require.NoError(t, m.tick(context.Background()))

	cursor, err := st.GetCursor()
	require.NoError(t, err)
	require.Equal(t, uint64(980), cursor)
}

func TestTick_TipBelowOffsetNoScanNoCrash(t *testing.T) {
	ctrl := gomock.NewController(t)
	rpc := rpcclientmock.NewMockClient(ctrl)
	st := newTestStore(t)
	n := notifier.New()
	m := New(rpc, st, n, Config{ConfirmationOffset: 20, PollInterval: time.Hour})

	rpc.EXPECT().BlockNumber(gomock.Any()).Return(uint64(5), nil)

	require.NoError(t, m.tick(context.Background()))
	cursor, err := st.GetCursor()
	require.NoError(t, err)
	require.Equal(t, uint64(0), cursor)
}

func TestTick_CursorAtOrAboveSafeIsNoop(t *testing.T) {
	ctrl := gomock.NewController(t)
	rpc := rpcclientmock.NewMockClient(ctrl)
	st := newTestStore(t)
	n := notifier.New()
	m := New(rpc, st, n, Config{ConfirmationOffset: 20, PollInterval: time.Hour})

	require.NoError(t, st.SetCursor(980))
	rpc.EXPECT().BlockNumber(gomock.Any()).Return(uint64(1000), nil)

	require.NoError(t, m.tick(context.Background()))
	cursor, err := st.GetCursor()
	require.NoError(t, err)
	require.Equal(t, uint64(980), cursor)
}

func TestTick_NativeDepositDetectedAndNotified(t *testing.T) {
	ctrl := gomock.NewController(t)
	rpc := rpcclientmock.NewMockClient(ctrl)
	st := newTestStore(t)

	var notified int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&notified, 1)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()
	n := notifier.New()

	m := New(rpc, st, n, Config{ConfirmationOffset: 1, PollInterval: time.Hour})

	w, err := wallet.New(testMnemonic)
	require.NoError(t, err)
	depositAddr, err := w.DeriveAddress(0)
	require.NoError(t, err)
	require.NoError(t, st.RegisterAccount(store.Account{
		RegistrationID: "user_1", Address: depositAddr.Hex(), WebhookURL: srv.URL,
	}))

	sender, err := w.Signer(99)
	require.NoError(t, err)
	tx := legacyTx(t, sender, depositAddr, big.NewInt(1_000_000_000_000_000_000), 0)
	block := blockWithTxs(t, 11, tx)

	require.NoError(t, st.SetCursor(10))
	rpc.EXPECT().BlockNumber(gomock.Any()).Return(uint64(12), nil)
	rpc.EXPECT().BlockByNumber(gomock.Any(), uint64(11)).Return(block, nil)
	rpc.EXPECT().FilterLogs(gomock.Any(), gomock.Any()).Return(nil, nil)

	require.NoError(t, m.tick(context.Background()))

	deposits, err := st.ListDetectedNative()
	require.NoError(t, err)
	require.Len(t, deposits, 1)
	require.Equal(t, "user_1", deposits[0].RegistrationID)

	cursor, err := st.GetCursor()
	require.NoError(t, err)
	require.Equal(t, uint64(11), cursor)

	require.Eventually(t, func() bool { return atomic.LoadInt32(&notified) == 1 }, time.Second, 10*time.Millisecond)
}

func TestTick_DuplicateBlockReplayIsSilent(t *testing.T) {
	ctrl := gomock.NewController(t)
	rpc := rpcclientmock.NewMockClient(ctrl)
	st := newTestStore(t)
	n := notifier.New()
	m := New(rpc, st, n, Config{ConfirmationOffset: 1, PollInterval: time.Hour})

	w, err := wallet.New(testMnemonic)
	require.NoError(t, err)
	depositAddr, err := w.DeriveAddress(0)
	require.NoError(t, err)
	require.NoError(t, st.RegisterAccount(store.Account{RegistrationID: "user_1", Address: depositAddr.Hex(), WebhookURL: "http://unused"}))

	sender, err := w.Signer(99)
	require.NoError(t, err)
	tx := legacyTx(t, sender, depositAddr, big.NewInt(1), 0)
	block := blockWithTxs(t, 11, tx)

	_, err = st.RecordNativeDeposit(tx.Hash().Hex(), "user_1", big.NewInt(1))
	require.NoError(t, err)

	require.NoError(t, st.SetCursor(10))
	rpc.EXPECT().BlockNumber(gomock.Any()).Return(uint64(12), nil)
	rpc.EXPECT().BlockByNumber(gomock.Any(), uint64(11)).Return(block, nil)
	rpc.EXPECT().FilterLogs(gomock.Any(), gomock.Any()).Return(nil, nil)

	require.NoError(t, m.tick(context.Background()))

	deposits, err := st.ListDetectedNative()
	require.NoError(t, err)
	require.Len(t, deposits, 1)
}

func TestScanErc20Transfers_IgnoresLogWithFewerThanThreeTopics(t *testing.T) {
	ctrl := gomock.NewController(t)
	rpc := rpcclientmock.NewMockClient(ctrl)
	st := newTestStore(t)
	n := notifier.New()
	m := New(rpc, st, n, Config{ConfirmationOffset: 0, PollInterval: time.Hour})

	rpc.EXPECT().FilterLogs(gomock.Any(), gomock.Any()).Return([]types.Log{
		{Topics: []common.Hash{erc20.TransferEventTopic0()}},
	}, nil)

	require.NoError(t, m.scanErc20Transfers(context.Background(), 11))

	deposits, err := st.ListDetectedErc20()
	require.NoError(t, err)
	require.Empty(t, deposits)
}

func TestScanErc20Transfers_DetectsRegisteredRecipient(t *testing.T) {
	ctrl := gomock.NewController(t)
	rpc := rpcclientmock.NewMockClient(ctrl)
	st := newTestStore(t)
	n := notifier.New()
	m := New(rpc, st, n, Config{ConfirmationOffset: 0, PollInterval: time.Hour})

	w, err := wallet.New(testMnemonic)
	require.NoError(t, err)
	depositAddr, err := w.DeriveAddress(0)
	require.NoError(t, err)
	require.NoError(t, st.RegisterAccount(store.Account{RegistrationID: "user_1", Address: depositAddr.Hex(), WebhookURL: "http://unused"}))

	from := common.HexToAddress("0x5555555555555555555555555555555555555555")
	tokenAddr := common.HexToAddress("0x7777777777777777777777777777777777777777")
	amount := big.NewInt(1_000_000)

	rpc.EXPECT().FilterLogs(gomock.Any(), gomock.Any()).Return([]types.Log{
		{
			Address: tokenAddr,
			Topics: []common.Hash{
				erc20.TransferEventTopic0(),
				common.BytesToHash(from.Bytes()),
				common.BytesToHash(depositAddr.Bytes()),
			},
			Data:   common.LeftPadBytes(amount.Bytes(), 32),
			TxHash: common.HexToHash("0xaaaa"),
			Index:  0,
		},
	}, nil)
	rpc.EXPECT().CallContract(gomock.Any(), gomock.Any()).Return(nil, nilCallError(t)).AnyTimes()

	require.NoError(t, m.scanErc20Transfers(context.Background(), 11))

	deposits, err := st.ListDetectedErc20()
	require.NoError(t, err)
	require.Len(t, deposits, 1)
	require.Equal(t, "user_1", deposits[0].RegistrationID)
}

func nilCallError(t *testing.T) error {
	t.Helper()
	return nil
}
