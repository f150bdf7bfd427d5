package ledger

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client talks to the ledger service over HTTP.
type Client struct {
	baseURL string
	client  *http.Client
}

func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: 15 * time.Second},
	}
}

func (c *Client) Post(ctx context.Context, tx Transaction) error {
	if err := tx.Validate(); err != nil {
		return err
	}
	body, err := json.Marshal(tx)
	if err != nil {
		return fmt.Errorf("ledger: marshal transaction: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/transactions", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("ledger: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", tx.IdempotencyKey)

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("ledger: post %s: %w", tx.IdempotencyKey, err)
	}
	defer resp.Body.Close()

	// 409 means the key was already applied.
	if resp.StatusCode == http.StatusConflict || resp.StatusCode/100 == 2 {
		return nil
	}
	msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	return fmt.Errorf("ledger: post %s: status %d: %s", tx.IdempotencyKey, resp.StatusCode, strings.TrimSpace(string(msg)))
}

func (c *Client) Balances(ctx context.Context, accounts ...AccountID) (map[AccountID]Balance, error) {
	q := url.Values{}
	for _, a := range accounts {
		q.Add("account", a.String())
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/balances?"+q.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("ledger: build request: %w", err)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("ledger: balances: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("ledger: balances: status %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	var list []Balance
	if err := json.NewDecoder(resp.Body).Decode(&list); err != nil {
		return nil, fmt.Errorf("ledger: decode balances: %w", err)
	}
	out := make(map[AccountID]Balance, len(accounts))
	for _, a := range accounts {
		out[a] = Balance{Account: a}
	}
	for _, b := range list {
		out[b.Account] = b
	}
	return out, nil
}
