package main

import (
	"encoding/json"
	"fmt"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"
	"github.com/xela07ax/paygate/internal/alert"
	"github.com/xela07ax/paygate/internal/domain"
	"github.com/xela07ax/paygate/internal/ledger"
	"github.com/xela07ax/paygate/internal/policy"
	"go.uber.org/zap"
)

func policyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "policy",
		Short: "Inspect and dry-run policy documents",
	}
	cmd.AddCommand(policyValidateCmd())
	cmd.AddCommand(policyCheckCmd())
	return cmd
}

func policyValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate [file]",
		Short: "Parse a policy document and its alert rules",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			policies, rules, err := loadDocument(args[0])
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			for _, p := range policies {
				fmt.Fprintf(out, "policy %s (%s): %d rules, %d budgets, enabled=%t\n",
					p.ID, p.Name, len(p.Rules), len(p.Budgets), p.Enabled)
			}
			for _, r := range rules {
				fmt.Fprintf(out, "alert %s: %s\n", r.ID, r.Type)
			}
			return nil
		},
	}
}

// policyCheckCmd прогоняет одну транзакцию через движок без резерва и записи в ledger
func policyCheckCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "check",
		Short: "Evaluate a single transaction against a policy document",
		RunE: func(cmd *cobra.Command, args []string) error {
			file, _ := cmd.Flags().GetString("file")
			agentID, _ := cmd.Flags().GetString("agent")
			amountRaw, _ := cmd.Flags().GetString("amount")
			currency, _ := cmd.Flags().GetString("currency")
			recipient, _ := cmd.Flags().GetString("recipient")
			purpose, _ := cmd.Flags().GetString("purpose")

			amount, err := decimal.NewFromString(amountRaw)
			if err != nil {
				return fmt.Errorf("invalid --amount %q: %w", amountRaw, err)
			}

			policies, _, err := loadDocument(file)
			if err != nil {
				return err
			}

			engine := policy.NewEngine(ledger.NewMemoryLedger(), zap.NewNop())
			if err := engine.Reload(policies); err != nil {
				return err
			}

			tx, err := domain.NewTransaction(domain.TransactionInput{
				AgentID:   agentID,
				Recipient: recipient,
				Amount:    amount,
				Currency:  currency,
				Purpose:   purpose,
			})
			if err != nil {
				return err
			}

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(engine.Evaluate(tx))
		},
	}

	cmd.Flags().StringP("file", "f", "configs/policies.yaml", "Policy document")
	cmd.Flags().StringP("agent", "a", "", "Agent ID")
	cmd.Flags().String("amount", "", "Amount in major units, e.g. 12.50")
	cmd.Flags().String("currency", "USDC", "Currency")
	cmd.Flags().String("recipient", "", "Recipient address")
	cmd.Flags().String("purpose", "", "Payment purpose")
	_ = cmd.MarkFlagRequired("agent")
	_ = cmd.MarkFlagRequired("amount")
	return cmd
}

func loadDocument(path string) ([]*domain.Policy, []alert.RuleConfig, error) {
	policies, err := policy.LoadFile(path)
	if err != nil {
		return nil, nil, err
	}
	rules, err := loadAlertRules(path)
	if err != nil {
		return nil, nil, err
	}
	return policies, rules, nil
}
