package broker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/gregtusar/fleet/pkg/models"
)

// BridgeClient talks to a broker terminal bridge over HTTP JSON. One client
// is one authenticated session for one account; the engine wraps it in a
// RateLimited port.
type BridgeClient struct {
	baseURL  string
	login    string
	password string
	client   *http.Client

	sessionToken string
}

func NewBridgeClient(baseURL, login, password string) *BridgeClient {
	return &BridgeClient{
		baseURL:  baseURL,
		login:    login,
		password: password,
		client:   &http.Client{Timeout: 30 * time.Second},
	}
}

type bridgeEnvelope struct {
	OK      bool            `json:"ok"`
	Code    string          `json:"code,omitempty"`
	Message string          `json:"message,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (b *BridgeClient) call(ctx context.Context, method, path string, payload, out interface{}) error {
	var body io.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		body = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, b.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if b.sessionToken != "" {
		req.Header.Set("Authorization", "Bearer "+b.sessionToken)
	}

	resp, err := b.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrNotConnected, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrNotConnected, err)
	}
	if resp.StatusCode >= 500 {
		return fmt.Errorf("%w: bridge returned %d", ErrNotConnected, resp.StatusCode)
	}

	var envelope bridgeEnvelope
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	if !envelope.OK {
		switch envelope.Code {
		case "symbol_not_found":
			return fmt.Errorf("%w: %s", ErrSymbolNotFound, envelope.Message)
		case "order_rejected":
			return fmt.Errorf("%w: %s", ErrOrderRejected, envelope.Message)
		default:
			return fmt.Errorf("bridge error %s: %s", envelope.Code, envelope.Message)
		}
	}
	if out != nil && envelope.Data != nil {
		if err := json.Unmarshal(envelope.Data, out); err != nil {
			return fmt.Errorf("failed to decode response data: %w", err)
		}
	}
	return nil
}

// Connect opens the terminal session and stores its token.
func (b *BridgeClient) Connect(ctx context.Context) error {
	var data struct {
		Token string `json:"token"`
	}
	err := b.call(ctx, http.MethodPost, "/session", map[string]string{
		"login":    b.login,
		"password": b.password,
	}, &data)
	if err != nil {
		return err
	}
	b.sessionToken = data.Token
	return nil
}

func (b *BridgeClient) Close() error {
	if b.sessionToken == "" {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return b.call(ctx, http.MethodDelete, "/session", nil, nil)
}

func (b *BridgeClient) GetPrice(ctx context.Context, symbol string) (models.PriceSample, error) {
	var sample models.PriceSample
	err := b.call(ctx, http.MethodGet, "/price/"+symbol, nil, &sample)
	return sample, err
}

func (b *BridgeClient) GetHistory(ctx context.Context, symbol, timeframe string, count int) ([]models.PriceSample, error) {
	var candles []models.PriceSample
	path := fmt.Sprintf("/history/%s?timeframe=%s&count=%d", symbol, timeframe, count)
	err := b.call(ctx, http.MethodGet, path, nil, &candles)
	return candles, err
}

func (b *BridgeClient) GetSymbolSpec(ctx context.Context, symbol string) (SymbolSpec, error) {
	var spec SymbolSpec
	err := b.call(ctx, http.MethodGet, "/symbols/"+symbol, nil, &spec)
	return spec, err
}

func (b *BridgeClient) PlaceOrder(ctx context.Context, req *models.OrderRequest) (string, error) {
	var data struct {
		Ticket string `json:"ticket"`
	}
	if err := b.call(ctx, http.MethodPost, "/orders", req, &data); err != nil {
		return "", err
	}
	return data.Ticket, nil
}

func (b *BridgeClient) ClosePosition(ctx context.Context, ticket string) error {
	return b.call(ctx, http.MethodDelete, "/positions/"+ticket, nil, nil)
}

func (b *BridgeClient) ModifyPosition(ctx context.Context, ticket string, stopLoss, takeProfit float64) error {
	return b.call(ctx, http.MethodPatch, "/positions/"+ticket, map[string]float64{
		"sl": stopLoss,
		"tp": takeProfit,
	}, nil)
}

func (b *BridgeClient) ListOpenPositions(ctx context.Context) ([]models.Position, error) {
	var positions []models.Position
	err := b.call(ctx, http.MethodGet, "/positions", nil, &positions)
	return positions, err
}

func (b *BridgeClient) GetAccountSnapshot(ctx context.Context) (AccountSnapshot, error) {
	var snapshot AccountSnapshot
	err := b.call(ctx, http.MethodGet, "/account", nil, &snapshot)
	return snapshot, err
}
