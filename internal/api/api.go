// Package api is the thin HTTP admission adapter: it decodes requests,
// calls Service.Register / Service.VerifyTransfer / Store cursor
// accessors, and serializes the result. It holds no business logic of
// its own, per spec.md's scope note that this adapter is an external
// collaborator. Routing uses github.com/gorilla/mux, the router used
// for auxiliary HTTP surfaces elsewhere in the pack's go-ethereum
// derived repos.
package api

import (
	"encoding/json"
	"math/big"
	"net/http"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/log"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/polygon-custody/hotwallet/internal/metrics"
	"github.com/polygon-custody/hotwallet/internal/service"
	"github.com/polygon-custody/hotwallet/internal/store"
)

// Server wraps the hot wallet's admission HTTP surface.
type Server struct {
	svc     *service.Service
	store   *store.Store
	metrics *metrics.Registry
	router  *mux.Router
}

// New builds a Server with every route wired.
func New(svc *service.Service, st *store.Store, reg *metrics.Registry) *Server {
	s := &Server{svc: svc, store: st, metrics: reg, router: mux.NewRouter()}
	s.routes()
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) routes() {
	s.router.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	s.router.HandleFunc("/register", s.handleRegister).Methods(http.MethodPost)
	s.router.HandleFunc("/verify_transfer", s.handleVerifyTransfer).Methods(http.MethodPost)
	s.router.HandleFunc("/block_number", s.handleGetBlockNumber).Methods(http.MethodGet)
	s.router.HandleFunc("/block_number", s.handleSetBlockNumber).Methods(http.MethodPost)
	s.router.Handle("/metrics", promhttp.HandlerFor(s.metrics.Gatherer, promhttp.HandlerOpts{})).Methods(http.MethodGet)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

type registerRequest struct {
	ID         string `json:"id"`
	WebhookURL string `json:"webhook_url"`
}

type registerResponse struct {
	Address string `json:"address"`
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeInternalError(w, err)
		return
	}
	result, err := s.svc.Register(r.Context(), req.ID, req.WebhookURL)
	if err != nil {
		writeInternalError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, registerResponse{Address: result.Address})
}

type verifyTransferRequest struct {
	TxHash       string `json:"tx_hash"`
	ToAddress    string `json:"to_address"`
	Amount       string `json:"amount"`
	TokenType    string `json:"token_type"`
	TokenAddress string `json:"token_address,omitempty"`
	TokenSymbol  string `json:"token_symbol,omitempty"`
}

type verifyTransferResponse struct {
	Status       string  `json:"status"`
	Message      string  `json:"message,omitempty"`
	ActualTo     string  `json:"actual_to,omitempty"`
	ActualAmount string  `json:"actual_amount,omitempty"`
	TokenType    string  `json:"token_type,omitempty"`
	TokenSymbol  string  `json:"token_symbol,omitempty"`
	BlockNumber  *uint64 `json:"block_number,omitempty"`
}

func (s *Server) handleVerifyTransfer(w http.ResponseWriter, r *http.Request) {
	var req verifyTransferRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeInternalError(w, err)
		return
	}
	amount, ok := new(big.Int).SetString(req.Amount, 10)
	if !ok {
		writeJSON(w, http.StatusOK, verifyTransferResponse{Status: "error", Message: "invalid amount"})
		return
	}

	result, err := s.svc.VerifyTransfer(r.Context(), service.VerifyTransferRequest{
		TxHash:       req.TxHash,
		To:           common.HexToAddress(req.ToAddress),
		Amount:       amount,
		TokenType:    req.TokenType,
		TokenAddress: common.HexToAddress(req.TokenAddress),
		TokenSymbol:  req.TokenSymbol,
	})
	if err != nil {
		writeInternalError(w, err)
		return
	}

	resp := verifyTransferResponse{
		Status:      result.Status,
		Message:     result.Message,
		TokenType:   result.TokenType,
		TokenSymbol: result.TokenSymbol,
		BlockNumber: result.BlockNumber,
	}
	if result.Status == "success" {
		resp.ActualTo = result.ActualTo.Hex()
		resp.ActualAmount = result.ActualAmount.String()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleGetBlockNumber(w http.ResponseWriter, r *http.Request) {
	cursor, err := s.store.GetCursor()
	if err != nil {
		writeInternalError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]uint64{"block_number": cursor})
}

func (s *Server) handleSetBlockNumber(w http.ResponseWriter, r *http.Request) {
	var req struct {
		BlockNumber uint64 `json:"block_number"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeInternalError(w, err)
		return
	}
	if err := s.store.SetCursor(req.BlockNumber); err != nil {
		writeInternalError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]uint64{"block_number": req.BlockNumber})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error("api: encoding response failed", "err", err)
	}
}

func writeInternalError(w http.ResponseWriter, err error) {
	log.Error("api: internal error", "err", err)
	w.WriteHeader(http.StatusInternalServerError)
	_, _ = w.Write([]byte(err.Error()))
}
