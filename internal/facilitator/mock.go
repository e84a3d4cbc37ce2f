package facilitator

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync/atomic"
	"time"
)

// MockClient — песочница facilitator для локального запуска и тестов.
// Имитирует задержку и управляемые сбои, в сеть не ходит.
type MockClient struct {
	Name       string
	MinLatency time.Duration
	MaxLatency time.Duration

	// VerifyErr/SettleErr возвращаются как транспортные ошибки
	VerifyErr error
	SettleErr error
	// InvalidReason делает verify невалидным, RejectReason — settle неуспешным
	InvalidReason string
	RejectReason  string

	verifyCalls atomic.Int64
	settleCalls atomic.Int64
}

func (c *MockClient) Endpoint() string {
	if c.Name == "" {
		return "mock://facilitator"
	}
	return c.Name
}

func (c *MockClient) Verify(ctx context.Context, payload PaymentPayload, reqs PaymentRequirements) (*VerifyResponse, error) {
	c.verifyCalls.Add(1)
	if err := c.sleep(ctx); err != nil {
		return nil, err
	}
	if c.VerifyErr != nil {
		return nil, c.VerifyErr
	}
	if c.InvalidReason != "" {
		return &VerifyResponse{IsValid: false, InvalidReason: c.InvalidReason}, nil
	}
	return &VerifyResponse{IsValid: true, Payer: payerOf(payload)}, nil
}

func (c *MockClient) Settle(ctx context.Context, payload PaymentPayload, reqs PaymentRequirements) (*SettleResponse, error) {
	n := c.settleCalls.Add(1)
	if err := c.sleep(ctx); err != nil {
		return nil, err
	}
	if c.SettleErr != nil {
		return nil, c.SettleErr
	}
	if c.RejectReason != "" {
		return &SettleResponse{Success: false, ErrorReason: c.RejectReason, Network: reqs.Network}, nil
	}
	return &SettleResponse{
		Success: true,
		TxHash:  fmt.Sprintf("0x%064x", n),
		Network: reqs.Network,
		Payer:   payerOf(payload),
	}, nil
}

func (c *MockClient) Supported(ctx context.Context) (*SupportedResponse, error) {
	return &SupportedResponse{Kinds: []SupportedKind{
		{X402Version: 1, Scheme: "exact", Network: "base-sepolia"},
		{X402Version: 1, Scheme: "exact", Network: "base"},
	}}, nil
}

func (c *MockClient) VerifyCalls() int64 { return c.verifyCalls.Load() }
func (c *MockClient) SettleCalls() int64 { return c.settleCalls.Load() }

func (c *MockClient) sleep(ctx context.Context) error {
	if c.MaxLatency <= 0 {
		return ctx.Err()
	}
	latency := c.MinLatency
	if spread := c.MaxLatency - c.MinLatency; spread > 0 {
		latency += time.Duration(rand.Int64N(int64(spread)))
	}

	select {
	case <-time.After(latency):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// payerOf достает authorization.from из exact-схемы EVM
func payerOf(p PaymentPayload) string {
	auth, ok := p.Payload["authorization"].(map[string]any)
	if !ok {
		return ""
	}
	from, _ := auth["from"].(string)
	return from
}

// ErrMockUnavailable — типовой транспортный сбой для сценариев с предохранителем
var ErrMockUnavailable = errors.New("mock facilitator: connection reset by peer")
