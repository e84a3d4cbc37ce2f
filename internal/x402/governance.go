package x402

import "github.com/xela07ax/paygate/internal/domain"

// Governance — блок, которым шлюз дополняет ответ facilitator
type Governance struct {
	SessionID     string        `json:"sessionId"`
	TransactionID string        `json:"transactionId,omitempty"`
	PolicyAction  domain.Action `json:"policyAction"`
	Recorded      bool          `json:"recorded"`
}

// Enrich возвращает копию тела ответа с ключом governance
func Enrich(body map[string]any, g Governance) map[string]any {
	out := make(map[string]any, len(body)+1)
	for k, v := range body {
		out[k] = v
	}
	out["governance"] = g
	return out
}
