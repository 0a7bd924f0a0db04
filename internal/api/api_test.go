package api

import (
	"bytes"
	"encoding/json"
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

	"github.com/polygon-custody/hotwallet/internal/faucet"
	"github.com/polygon-custody/hotwallet/internal/metrics"
	"github.com/polygon-custody/hotwallet/internal/monitor"
	"github.com/polygon-custody/hotwallet/internal/notifier"
	"github.com/polygon-custody/hotwallet/internal/rpcclient/rpcclientmock"
	"github.com/polygon-custody/hotwallet/internal/service"
	"github.com/polygon-custody/hotwallet/internal/store"
	"github.com/polygon-custody/hotwallet/internal/sweeper"
	"github.com/polygon-custody/hotwallet/internal/wallet"
)

const testMnemonic = "test test test test test test test test test test test junk"
const faucetMnemonic = "legal winner thank year wave sausage worth useful legal winner thank yellow"

func newTestServer(t *testing.T, rpc *rpcclientmock.MockClient) *Server {
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
	sw := sweeper.New(rpc, st, w, f, n, sweeper.Config{
		Treasury:     common.HexToAddress("0x9999999999999999999999999999999999999999"),
		ChainID:      big.NewInt(137),
		PollInterval: time.Hour,
	})
	svc := service.New(service.Deps{Wallet: w, Store: st, RPC: rpc, Faucet: f, Notifier: n, Monitor: m, Sweeper: sw})

	return New(svc, st, metrics.NewRegistry())
}

func TestHandleHealth_ReturnsOK(t *testing.T) {
	ctrl := gomock.NewController(t)
	rpc := rpcclientmock.NewMockClient(ctrl)
	s := newTestServer(t, rpc)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "OK", rec.Body.String())
}

func TestHandleRegister_ReturnsDerivedAddress(t *testing.T) {
	ctrl := gomock.NewController(t)
	rpc := rpcclientmock.NewMockClient(ctrl)
	rpc.EXPECT().BalanceAt(gomock.Any(), gomock.Any()).Return(big.NewInt(0), nil).AnyTimes()
	s := newTestServer(t, rpc)

	body, _ := json.Marshal(registerRequest{ID: "user_1", WebhookURL: "https://x/hook"})
	req := httptest.NewRequest(http.MethodPost, "/register", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var resp registerResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.NotEmpty(t, resp.Address)
}

func TestHandleVerifyTransfer_NativeSuccess(t *testing.T) {
	ctrl := gomock.NewController(t)
	rpc := rpcclientmock.NewMockClient(ctrl)
	s := newTestServer(t, rpc)

	to := common.HexToAddress("0x1111111111111111111111111111111111111111")
	hash := common.HexToHash("0xabc")
	tx := types.NewTx(&types.LegacyTx{To: &to, Value: big.NewInt(1_000_000), Gas: 21000, GasPrice: big.NewInt(1)})
	rpc.EXPECT().TransactionByHash(gomock.Any(), hash).Return(tx, false, nil)
	rpc.EXPECT().TransactionReceipt(gomock.Any(), hash).Return(&types.Receipt{Status: types.ReceiptStatusSuccessful, BlockNumber: big.NewInt(100)}, nil)

	body, _ := json.Marshal(verifyTransferRequest{
		TxHash: "0xabc", ToAddress: to.Hex(), Amount: "500000", TokenType: "native",
	})
	req := httptest.NewRequest(http.MethodPost, "/verify_transfer", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var resp verifyTransferResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, "success", resp.Status)
	require.Equal(t, "1000000", resp.ActualAmount)
}

func TestHandleVerifyTransfer_InvalidAmountReturnsErrorStatus(t *testing.T) {
	ctrl := gomock.NewController(t)
	rpc := rpcclientmock.NewMockClient(ctrl)
	s := newTestServer(t, rpc)

	body, _ := json.Marshal(verifyTransferRequest{
		TxHash: "0xabc", ToAddress: "0x1", Amount: "not-a-number", TokenType: "native",
	})
	req := httptest.NewRequest(http.MethodPost, "/verify_transfer", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var resp verifyTransferResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, "error", resp.Status)
}

func TestHandleBlockNumber_GetAndSetRoundTrip(t *testing.T) {
	ctrl := gomock.NewController(t)
	rpc := rpcclientmock.NewMockClient(ctrl)
	s := newTestServer(t, rpc)

	setBody, _ := json.Marshal(map[string]uint64{"block_number": 42})
	setReq := httptest.NewRequest(http.MethodPost, "/block_number", bytes.NewReader(setBody))
	setRec := httptest.NewRecorder()
	s.ServeHTTP(setRec, setReq)
	require.Equal(t, http.StatusOK, setRec.Code)

	getReq := httptest.NewRequest(http.MethodGet, "/block_number", nil)
	getRec := httptest.NewRecorder()
	s.ServeHTTP(getRec, getReq)
	require.Equal(t, http.StatusOK, getRec.Code)

	var resp map[string]uint64
	require.NoError(t, json.Unmarshal(getRec.Body.Bytes(), &resp))
	require.Equal(t, uint64(42), resp["block_number"])
}

func TestHandleMetrics_ServesPrometheusFormat(t *testing.T) {
	ctrl := gomock.NewController(t)
	rpc := rpcclientmock.NewMockClient(ctrl)
	s := newTestServer(t, rpc)

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "hotwallet_")
}
