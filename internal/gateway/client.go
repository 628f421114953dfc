package gateway

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"MarketSettle/internal/observability"
)

// Client is the HTTP adapter for CoinGateway. Every request carries an
// HMAC-SHA256 digest over "{timestamp}:{method}:{path}[:{body}]" in the
// Authorization header: "HMAC {timestamp}:{digest}".
type Client struct {
	baseURL    string
	secret     []byte
	httpClient *http.Client
	log        zerolog.Logger
	metrics    *observability.Metrics
	now        func() time.Time
}

// ClientConfig configures the gateway client. Timeout bounds every call; on
// expiry the outcome is unknown and surfaces as ErrGatewayIndeterminate.
type ClientConfig struct {
	BaseURL string
	Secret  string
	Timeout time.Duration
}

func NewClient(cfg ClientConfig, log zerolog.Logger, metrics *observability.Metrics) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		baseURL:    cfg.BaseURL,
		secret:     []byte(cfg.Secret),
		httpClient: &http.Client{Timeout: timeout},
		log:        log,
		metrics:    metrics,
		now:        time.Now,
	}
}

func (c *Client) CreateWallet(ctx context.Context, symbol, address string) (Wallet, error) {
	var w Wallet
	body := map[string]string{"symbol": symbol, "address": address}
	err := c.do(ctx, http.MethodPost, "/accounts", body, &w)
	return w, err
}

func (c *Client) GetWallet(ctx context.Context, symbol, address string) (Wallet, error) {
	var w Wallet
	path := fmt.Sprintf("/accounts/%s/address/%s", url.PathEscape(symbol), url.PathEscape(address))
	err := c.do(ctx, http.MethodGet, path, nil, &w)
	return w, err
}

// GetWalletByKey fetches a wallet by its gateway key.
func (c *Client) GetWalletByKey(ctx context.Context, key string) (Wallet, error) {
	var w Wallet
	err := c.do(ctx, http.MethodGet, "/accounts/"+url.PathEscape(key), nil, &w)
	return w, err
}

func (c *Client) GetNonce(ctx context.Context, symbol, address string) (uint64, error) {
	w, err := c.GetWallet(ctx, symbol, address)
	if err != nil {
		return 0, err
	}
	return w.Nonce, nil
}

func (c *Client) SendTransfer(ctx context.Context, req TransferRequest) (TransferResult, error) {
	var res TransferResult
	err := c.do(ctx, http.MethodPost, "/transactions", req, &res)
	return res, err
}

func (c *Client) Mint(ctx context.Context, symbol string, amount decimal.Decimal, notes string) (TransferResult, error) {
	var res TransferResult
	body := map[string]interface{}{
		"symbol": symbol,
		"amount": amount,
		"notes":  notes,
	}
	err := c.do(ctx, http.MethodPost, "/transactions/mint", body, &res)
	return res, err
}

func (c *Client) FindTransactions(ctx context.Context, q TxnQuery) ([]Transaction, error) {
	query := url.Values{}
	if q.Symbol != "" {
		query.Set("symbol", q.Symbol)
	}
	if q.Sender != "" {
		query.Set("sender", q.Sender)
	}
	if q.Notes != "" {
		query.Set("notes", q.Notes)
	}
	path := "/transactions"
	if len(query) > 0 {
		path += "?" + query.Encode()
	}

	var txns []Transaction
	err := c.do(ctx, http.MethodGet, path, nil, &txns)
	return txns, err
}

// errorEnvelope is the gateway's error response body.
type errorEnvelope struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (c *Client) do(ctx context.Context, method, path string, body, out interface{}) error {
	start := time.Now()

	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal gateway request: %w", err)
		}
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build gateway request: %w", err)
	}

	ts := strconv.FormatInt(c.now().Unix(), 10)
	req.Header.Set("Authorization", authHeader(c.secret, ts, method, path, payload))
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	c.observe(path, start, err, resp)
	if err != nil {
		if isTimeout(err) {
			c.log.Warn().Str("method", method).Str("path", path).
				Msg("gateway call timed out, outcome unknown")
			return fmt.Errorf("%s %s: %w", method, path, ErrGatewayIndeterminate)
		}
		return &Error{Msg: err.Error()}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		// Response started arriving, so the gateway accepted the request.
		return fmt.Errorf("%s %s: read body: %w", method, path, ErrGatewayIndeterminate)
	}

	if resp.StatusCode >= 400 {
		var envelope errorEnvelope
		_ = json.Unmarshal(raw, &envelope)
		return &Error{Status: resp.StatusCode, Code: envelope.Code, Msg: envelope.Message}
	}

	if out != nil {
		if err := json.Unmarshal(raw, out); err != nil {
			return fmt.Errorf("decode gateway response: %w", err)
		}
	}
	return nil
}

func (c *Client) observe(path string, start time.Time, err error, resp *http.Response) {
	if c.metrics == nil {
		return
	}
	status := "error"
	if err == nil {
		status = strconv.Itoa(resp.StatusCode)
	} else if isTimeout(err) {
		status = "timeout"
		c.metrics.GatewayIndeterminate.Inc()
	}
	c.metrics.GatewayRequests.WithLabelValues(path, status).Inc()
	c.metrics.GatewayDuration.WithLabelValues(path).Observe(time.Since(start).Seconds())
}

// authHeader computes the signed Authorization header for one request.
// The digest covers "{timestamp}:{method}:{path}" plus ":{body}" when a body
// is present; the byte layout is part of the gateway contract.
func authHeader(secret []byte, timestamp, method, path string, body []byte) string {
	msg := timestamp + ":" + method + ":" + path
	if len(body) > 0 {
		msg += ":" + string(body)
	}
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(msg))
	return "HMAC " + timestamp + ":" + hex.EncodeToString(mac.Sum(nil))
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
