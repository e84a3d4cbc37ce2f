package policy

import (
	"fmt"
	"slices"
	"strings"

	"github.com/shopspring/decimal"
	"github.com/xela07ax/paygate/internal/domain"
)

// thresholdRule срабатывает при amount > threshold (строго) в своей валюте.
// Граничное значение проходит на следующий уровень.
type thresholdRule struct {
	name      string
	threshold decimal.Decimal
	currency  string
	action    domain.Action
}

func (r thresholdRule) Match(tx *domain.Transaction) bool {
	// Валюты не конвертируем: другая валюта: правило не применяется
	if tx.Currency != r.currency {
		return false
	}
	return tx.Amount.GreaterThan(r.threshold)
}

func (r thresholdRule) Action() domain.Action { return r.action }

func (r thresholdRule) Describe() string {
	return fmt.Sprintf("%s(%s %s)", r.name, r.threshold.String(), r.currency)
}

// BlockAbove — запрет при amount > threshold
func BlockAbove(threshold decimal.Decimal, currency string) domain.Rule {
	return thresholdRule{name: "blockAbove", threshold: threshold, currency: normCurrency(currency), action: domain.ActionDeny}
}

// RequireApprovalAbove — ручное подтверждение при amount > threshold
func RequireApprovalAbove(threshold decimal.Decimal, currency string) domain.Rule {
	return thresholdRule{name: "requireApprovalAbove", threshold: threshold, currency: normCurrency(currency), action: domain.ActionRequireApproval}
}

// FlagAbove пропускает платеж, но помечает его для разбора
func FlagAbove(threshold decimal.Decimal, currency string) domain.Rule {
	return thresholdRule{name: "flagAbove", threshold: threshold, currency: normCurrency(currency), action: domain.ActionFlag}
}

type allowAll struct{}

func (allowAll) Match(*domain.Transaction) bool { return true }
func (allowAll) Action() domain.Action          { return domain.ActionAllow }
func (allowAll) Describe() string               { return "allowAll()" }

// AllowAll — терминальное catch-all правило, по соглашению последнее в списке
func AllowAll() domain.Rule { return allowAll{} }

// recipientRule сравнивает получателя со списком без учета регистра (адреса EVM)
type recipientRule struct {
	name       string
	recipients []string
	inverse    bool // true — срабатывает, когда получателя НЕТ в списке
}

func (r recipientRule) Match(tx *domain.Transaction) bool {
	listed := slices.Contains(r.recipients, strings.ToLower(tx.Recipient))
	return listed != r.inverse
}

func (r recipientRule) Action() domain.Action { return domain.ActionDeny }

func (r recipientRule) Describe() string {
	return fmt.Sprintf("%s(%s)", r.name, strings.Join(r.recipients, ","))
}

// DenyRecipients блокирует платежи получателям из списка
func DenyRecipients(recipients ...string) domain.Rule {
	return recipientRule{name: "denyRecipients", recipients: lowerAll(recipients)}
}

// AllowRecipientsOnly блокирует всех, кого нет в списке
func AllowRecipientsOnly(recipients ...string) domain.Rule {
	return recipientRule{name: "allowRecipientsOnly", recipients: lowerAll(recipients), inverse: true}
}

func normCurrency(c string) string {
	return strings.ToUpper(strings.TrimSpace(c))
}

func lowerAll(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		if s = strings.ToLower(strings.TrimSpace(s)); s != "" {
			out = append(out, s)
		}
	}
	return out
}
