package chain

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"
)

// HTTPCoinClient talks to an explorer-style REST gateway for the native
// coin chain. Lookup is GET /api/tx/{txid}; broadcast is POST /api/send.
type HTTPCoinClient struct {
	base   string
	client *http.Client
}

func NewHTTPCoinClient(baseURL string) *HTTPCoinClient {
	return &HTTPCoinClient{
		base:   baseURL,
		client: &http.Client{Timeout: 30 * time.Second},
	}
}

func (c *HTTPCoinClient) GetTransaction(ctx context.Context, txid string) (*CoinTx, error) {
	var tx CoinTx
	if err := getJSON(ctx, c.client, c.base+"/api/tx/"+url.PathEscape(txid), &tx); err != nil {
		return nil, err
	}
	return &tx, nil
}

func (c *HTTPCoinClient) Broadcast(ctx context.Context, fromKey, toAddress string, amount int64, memo string) (string, error) {
	req := map[string]any{
		"private_key": fromKey,
		"to":          toAddress,
		"amount":      amount,
		"memo":        memo,
	}
	var resp struct {
		TxID string `json:"txid"`
	}
	if err := postJSON(ctx, c.client, c.base+"/api/send", req, &resp); err != nil {
		return "", err
	}
	if resp.TxID == "" {
		return "", fmt.Errorf("chain: broadcast returned no txid")
	}
	return resp.TxID, nil
}

// HTTPTokenClient talks to the token-layer REST gateway.
type HTTPTokenClient struct {
	base   string
	client *http.Client
}

func NewHTTPTokenClient(baseURL string) *HTTPTokenClient {
	return &HTTPTokenClient{
		base:   baseURL,
		client: &http.Client{Timeout: 30 * time.Second},
	}
}

func (c *HTTPTokenClient) GetTransaction(ctx context.Context, txid string) (*TokenTx, error) {
	var tx TokenTx
	if err := getJSON(ctx, c.client, c.base+"/api/tokentx/"+url.PathEscape(txid), &tx); err != nil {
		return nil, err
	}
	return &tx, nil
}

func (c *HTTPTokenClient) SendToken(ctx context.Context, fromKey string, amount int64, toAddress, memo, tokenID string) (string, error) {
	req := map[string]any{
		"private_key": fromKey,
		"amount":      amount,
		"to":          toAddress,
		"memo":        memo,
		"token":       tokenID,
	}
	var resp struct {
		TxID string `json:"txid"`
	}
	if err := postJSON(ctx, c.client, c.base+"/api/sendtoken", req, &resp); err != nil {
		return "", err
	}
	if resp.TxID == "" {
		return "", fmt.Errorf("chain: token send returned no txid")
	}
	return resp.TxID, nil
}

func getJSON(ctx context.Context, client *http.Client, url string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("chain: %s returned %s", url, resp.Status)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func postJSON(ctx context.Context, client *http.Client, url string, in, out any) error {
	body, err := json.Marshal(in)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("chain: %s returned %s", url, resp.Status)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
