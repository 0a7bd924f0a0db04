// Package notifier posts webhook events to per-account URLs. Delivery
// failures are logged and swallowed: by the time Send is called the
// store commit the event describes has already happened, so there is
// nothing left to roll back.
package notifier

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum/log"
)

const defaultTimeout = 10 * time.Second

// Notifier POSTs JSON payloads to webhook URLs over a shared,
// connection-pooled HTTP client.
type Notifier struct {
	httpClient *http.Client
}

// New constructs a Notifier with a 10s per-request timeout.
func New() *Notifier {
	return &Notifier{httpClient: &http.Client{Timeout: defaultTimeout}}
}

// FaucetFundingEvent is the payload for the "faucet_funding" webhook.
type FaucetFundingEvent struct {
	Event          string `json:"event"`
	AccountID      string `json:"account_id"`
	RegistrationID string `json:"registration_id"`
	ID             string `json:"id"`
	Success        bool   `json:"success"`
	TxHash         string `json:"tx_hash,omitempty"`
	Error          string `json:"error,omitempty"`
}

// DepositDetectedEvent is the payload for the "deposit_detected"
// webhook, shared by the native and erc20 paths.
type DepositDetectedEvent struct {
	Event        string `json:"event"`
	AccountID    string `json:"account_id"`
	TxHash       string `json:"tx_hash"`
	Amount       string `json:"amount"`
	TokenType    string `json:"token_type"`
	TokenSymbol  string `json:"token_symbol,omitempty"`
	TokenAddress string `json:"token_address,omitempty"`
}

// DepositSweptEvent is the payload for the "deposit_swept" webhook.
type DepositSweptEvent struct {
	ID              string `json:"id"`
	Event           string `json:"event"`
	AccountID       string `json:"account_id"`
	RegistrationID  string `json:"registration_id"`
	OriginalTxHash  string `json:"original_tx_hash"`
	Amount          string `json:"amount"`
	TokenType       string `json:"token_type"`
	TokenSymbol     string `json:"token_symbol,omitempty"`
	TokenAddress    string `json:"token_address,omitempty"`
	TokenDecimals   *uint8 `json:"token_decimals,omitempty"`
}

// Send POSTs payload as JSON to webhookURL. When bearer is non-empty it
// is sent as "Authorization: Bearer <bearer>". Errors are logged, never
// returned to the caller.
func (n *Notifier) Send(ctx context.Context, webhookURL string, payload any, bearer string) {
	body, err := json.Marshal(payload)
	if err != nil {
		log.Error("notifier: marshal webhook payload", "url", webhookURL, "err", err)
		return
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, webhookURL, bytes.NewReader(body))
	if err != nil {
		log.Error("notifier: build webhook request", "url", webhookURL, "err", err)
		return
	}
	req.Header.Set("Content-Type", "application/json")
	if bearer != "" {
		req.Header.Set("Authorization", fmt.Sprintf("Bearer %s", bearer))
	}

	resp, err := n.httpClient.Do(req)
	if err != nil {
		log.Warn("notifier: webhook delivery failed", "url", webhookURL, "err", err)
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		log.Warn("notifier: webhook rejected", "url", webhookURL, "status", resp.StatusCode)
	}
}
