// Package x402 переводит платежные данные протокола x402 в каноническую транзакцию шлюза.
// Подписи и содержимое authorization не проверяются: это работа facilitator.
package x402

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"github.com/xela07ax/paygate/internal/domain"
	"github.com/xela07ax/paygate/internal/facilitator"
	"golang.org/x/crypto/sha3"
)

const Protocol = "x402"

var ErrInvalidAmount = errors.New("x402: invalid amount")

// AgentResolver достает ID агента из запроса. Пустая строка: не смог.
type AgentResolver func(ctx context.Context, payload facilitator.PaymentPayload, reqs facilitator.PaymentRequirements) string

type Config struct {
	DefaultAgent string
	Currency     string // валюта для политик и бюджетов, например USDC
}

type Mapper struct {
	cfg      Config
	resolver AgentResolver
	decimals DecimalsResolver
}

type Option func(*Mapper)

func WithAgentResolver(r AgentResolver) Option {
	return func(m *Mapper) { m.resolver = r }
}

func WithDecimals(d DecimalsResolver) Option {
	return func(m *Mapper) { m.decimals = d }
}

func NewMapper(cfg Config, opts ...Option) *Mapper {
	if cfg.Currency == "" {
		cfg.Currency = "USDC"
	}
	m := &Mapper{
		cfg:      cfg,
		decimals: HeuristicDecimals{},
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// ToTransaction строит pending-транзакцию.
// Агент: свой резолвер -> плательщик -> агент по умолчанию -> unknown-agent.
func (m *Mapper) ToTransaction(ctx context.Context, payload facilitator.PaymentPayload, reqs facilitator.PaymentRequirements) (*domain.Transaction, error) {
	raw, err := RawAmount(payload, reqs)
	if err != nil {
		return nil, err
	}

	dec := m.decimals.Decimals(scheme(payload, reqs), network(payload, reqs), reqs.Asset)
	payer := Payer(payload)

	agentID := ""
	if m.resolver != nil {
		agentID = strings.TrimSpace(m.resolver(ctx, payload, reqs))
	}
	if agentID == "" {
		agentID = payer
	}
	if agentID == "" {
		agentID = m.cfg.DefaultAgent
	}

	return domain.NewTransaction(domain.TransactionInput{
		AgentID:   agentID,
		Recipient: NormalizeAddress(reqs.PayTo),
		Amount:    raw.Shift(-dec),
		Currency:  m.cfg.Currency,
		Purpose:   reqs.Description,
		Protocol:  Protocol,
		Metadata: map[string]any{
			"scheme":     scheme(payload, reqs),
			"network":    network(payload, reqs),
			"asset":      reqs.Asset,
			"resource":   reqs.Resource,
			"raw_amount": raw.String(),
			"decimals":   dec,
			"payer":      payer,
		},
	})
}

// Fingerprint связывает verify и settle одной попытки: плательщик, получатель, сумма в базовых единицах
func (m *Mapper) Fingerprint(payload facilitator.PaymentPayload, reqs facilitator.PaymentRequirements) string {
	raw, err := RawAmount(payload, reqs)
	amount := raw.String()
	if err != nil {
		amount = strings.TrimSpace(reqs.MaxAmountRequired)
	}
	return strings.ToLower(Payer(payload)) + ":" + strings.ToLower(NormalizeAddress(reqs.PayTo)) + ":" + amount
}

// PayloadDigest — keccak256 от подписанной части платежа (authorization, nonce, подпись).
// Отпечаток не различает две авторизации на одну сумму, дайджест различает.
func PayloadDigest(payload facilitator.PaymentPayload) string {
	raw, err := json.Marshal(payload.Payload)
	if err != nil {
		return ""
	}
	h := sha3.NewLegacyKeccak256()
	h.Write(raw)
	return "0x" + hex.EncodeToString(h.Sum(nil))
}

// RawAmount — сумма в базовых единицах: authorization.value, иначе maxAmountRequired
func RawAmount(payload facilitator.PaymentPayload, reqs facilitator.PaymentRequirements) (decimal.Decimal, error) {
	s := strings.TrimSpace(reqs.MaxAmountRequired)
	if auth := authorization(payload); auth != nil {
		if v, ok := auth["value"].(string); ok && strings.TrimSpace(v) != "" {
			s = strings.TrimSpace(v)
		}
	}
	if s == "" {
		return decimal.Zero, fmt.Errorf("%w: amount is missing", ErrInvalidAmount)
	}

	raw, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, fmt.Errorf("%w: %q", ErrInvalidAmount, s)
	}
	if raw.IsNegative() || !raw.Equal(raw.Truncate(0)) {
		return decimal.Zero, fmt.Errorf("%w: %q is not a non-negative integer", ErrInvalidAmount, s)
	}
	return raw, nil
}

// Payer — authorization.from в checksum-форме, если это EVM-адрес
func Payer(payload facilitator.PaymentPayload) string {
	auth := authorization(payload)
	if auth == nil {
		return ""
	}
	from, _ := auth["from"].(string)
	return NormalizeAddress(from)
}

// NormalizeAddress приводит EVM-адрес к EIP-55, остальное возвращает как есть
func NormalizeAddress(addr string) string {
	addr = strings.TrimSpace(addr)
	if common.IsHexAddress(addr) {
		return common.HexToAddress(addr).Hex()
	}
	return addr
}

func authorization(payload facilitator.PaymentPayload) map[string]any {
	auth, _ := payload.Payload["authorization"].(map[string]any)
	return auth
}

func scheme(p facilitator.PaymentPayload, r facilitator.PaymentRequirements) string {
	if r.Scheme != "" {
		return r.Scheme
	}
	return p.Scheme
}

func network(p facilitator.PaymentPayload, r facilitator.PaymentRequirements) string {
	if r.Network != "" {
		return r.Network
	}
	return p.Network
}
