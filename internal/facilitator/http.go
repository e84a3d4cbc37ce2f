package facilitator

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const maxErrorBody = 512

type HTTPConfig struct {
	BaseURL   string
	Timeout   time.Duration
	RateLimit float64 // запросов в секунду, 0: без ограничения
	Burst     int
	APIKey    string // уходит в Authorization: Bearer
}

// HTTPClient ходит в facilitator по REST: POST /verify, POST /settle, GET /supported.
// Таймаут вызова — политика самого клиента, оркестратор своих дедлайнов не ставит.
type HTTPClient struct {
	baseURL string
	apiKey  string
	http    *http.Client
	limiter *rate.Limiter
	logger  *zap.Logger
}

func NewHTTPClient(cfg HTTPConfig, logger *zap.Logger) *HTTPClient {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}

	limiter := rate.NewLimiter(rate.Inf, 0)
	if cfg.RateLimit > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), burst)
	}

	return &HTTPClient{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:  cfg.APIKey,
		http:    &http.Client{Timeout: cfg.Timeout},
		limiter: limiter,
		logger:  logger.Named("facilitator"),
	}
}

func (c *HTTPClient) Endpoint() string { return c.baseURL }

type exchangeRequest struct {
	X402Version         int                 `json:"x402Version"`
	PaymentPayload      PaymentPayload      `json:"paymentPayload"`
	PaymentRequirements PaymentRequirements `json:"paymentRequirements"`
}

func (c *HTTPClient) Verify(ctx context.Context, payload PaymentPayload, reqs PaymentRequirements) (*VerifyResponse, error) {
	var out VerifyResponse
	body := exchangeRequest{X402Version: payload.X402Version, PaymentPayload: payload, PaymentRequirements: reqs}
	if err := c.do(ctx, "verify", http.MethodPost, "/verify", body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *HTTPClient) Settle(ctx context.Context, payload PaymentPayload, reqs PaymentRequirements) (*SettleResponse, error) {
	var out SettleResponse
	body := exchangeRequest{X402Version: payload.X402Version, PaymentPayload: payload, PaymentRequirements: reqs}
	if err := c.do(ctx, "settle", http.MethodPost, "/settle", body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *HTTPClient) Supported(ctx context.Context) (*SupportedResponse, error) {
	var out SupportedResponse
	if err := c.do(ctx, "supported", http.MethodGet, "/supported", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *HTTPClient) do(ctx context.Context, op, method, path string, in, out any) error {
	// 1. Rate Limiter
	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("facilitator %s: rate limit wait: %w", op, err)
	}

	// 2. Запрос
	var reader io.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("facilitator %s: encode request: %w", op, err)
		}
		reader = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("facilitator %s: build request: %w", op, err)
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		c.logger.Warn("request failed", zap.String("op", op), zap.Error(err))
		return fmt.Errorf("facilitator %s: %w", op, err)
	}
	defer resp.Body.Close()

	c.logger.Debug("response",
		zap.String("op", op),
		zap.Int("status", resp.StatusCode),
		zap.Duration("latency", time.Since(start)))

	// 3. Разбор статуса
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		statusErr := &StatusError{Op: op, StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(raw))}
		if resp.StatusCode == http.StatusTooManyRequests {
			return &ThrottleError{RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After")), Cause: statusErr}
		}
		return statusErr
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("facilitator %s: decode response: %w", op, err)
	}
	return nil
}

// parseRetryAfter понимает секунды и HTTP-дату
func parseRetryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(strings.TrimSpace(v)); err == nil && secs >= 0 {
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(v); err == nil {
		if d := time.Until(at); d > 0 {
			return d
		}
	}
	return 0
}
