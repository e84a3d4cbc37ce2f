// Package facilitator описывает внешний сервис верификации и расчета платежей
// (x402 facilitator). Шлюз не интерпретирует payload сверх того, что нужно
// для маппинга в транзакцию.
package facilitator

import "context"

// Client — контракт внешнего коллаборатора расчетов
type Client interface {
	Verify(ctx context.Context, payload PaymentPayload, reqs PaymentRequirements) (*VerifyResponse, error)
	Settle(ctx context.Context, payload PaymentPayload, reqs PaymentRequirements) (*SettleResponse, error)
	Supported(ctx context.Context) (*SupportedResponse, error)
	// Endpoint — идентификатор endpoint, по нему ключуется предохранитель
	Endpoint() string
}

type PaymentPayload struct {
	X402Version int            `json:"x402Version"`
	Scheme      string         `json:"scheme"`
	Network     string         `json:"network"`
	Payload     map[string]any `json:"payload"`
}

type PaymentRequirements struct {
	Scheme            string         `json:"scheme"`
	Network           string         `json:"network"`
	MaxAmountRequired string         `json:"maxAmountRequired"` // в базовых единицах актива
	Resource          string         `json:"resource,omitempty"`
	Description       string         `json:"description,omitempty"`
	MimeType          string         `json:"mimeType,omitempty"`
	PayTo             string         `json:"payTo"`
	MaxTimeoutSeconds int            `json:"maxTimeoutSeconds,omitempty"`
	Asset             string         `json:"asset,omitempty"`
	Extra             map[string]any `json:"extra,omitempty"`
}

type VerifyResponse struct {
	IsValid       bool   `json:"isValid"`
	InvalidReason string `json:"invalidReason,omitempty"`
	Payer         string `json:"payer,omitempty"`
}

type SettleResponse struct {
	Success     bool   `json:"success"`
	ErrorReason string `json:"errorReason,omitempty"`
	TxHash      string `json:"transaction,omitempty"`
	Network     string `json:"network,omitempty"`
	Payer       string `json:"payer,omitempty"`
}

type SupportedKind struct {
	X402Version int    `json:"x402Version"`
	Scheme      string `json:"scheme"`
	Network     string `json:"network"`
}

type SupportedResponse struct {
	Kinds []SupportedKind `json:"kinds"`
}

// Schemes возвращает уникальные схемы в порядке появления
func (s *SupportedResponse) Schemes() []string {
	return uniq(s.Kinds, func(k SupportedKind) string { return k.Scheme })
}

// Networks возвращает уникальные сети в порядке появления
func (s *SupportedResponse) Networks() []string {
	return uniq(s.Kinds, func(k SupportedKind) string { return k.Network })
}

func uniq(kinds []SupportedKind, field func(SupportedKind) string) []string {
	seen := make(map[string]struct{}, len(kinds))
	var out []string
	for _, k := range kinds {
		v := field(k)
		if _, ok := seen[v]; ok || v == "" {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}
