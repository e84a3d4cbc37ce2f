package service

import (
	"context"
	"fmt"

	"go.uber.org/zap"
)

// KillSwitch — оперативная блокировка агентов (engine.KillSwitchManager)
type KillSwitch interface {
	Block(ctx context.Context, agentID string) error
	Unblock(ctx context.Context, agentID string) error
	Blocked() []string
}

type AgentService struct {
	ks     KillSwitch
	logger *zap.Logger
}

func NewAgentService(ks KillSwitch, logger *zap.Logger) *AgentService {
	return &AgentService{
		ks:     ks,
		logger: logger.Named("agent-service"),
	}
}

// BlockAgent — агент получает отказ на следующем же intent. operatorID пишется в лог для подотчетности.
func (s *AgentService) BlockAgent(ctx context.Context, agentID, operatorID string) error {
	return s.updateAgentState(ctx, agentID, operatorID, true)
}

func (s *AgentService) UnblockAgent(ctx context.Context, agentID, operatorID string) error {
	return s.updateAgentState(ctx, agentID, operatorID, false)
}

func (s *AgentService) updateAgentState(ctx context.Context, agentID, operatorID string, blocked bool) error {
	action := "kill-switch-unblock"
	if blocked {
		action = "kill-switch-block"
	}

	var err error
	if blocked {
		err = s.ks.Block(ctx, agentID)
	} else {
		err = s.ks.Unblock(ctx, agentID)
	}
	if err != nil {
		s.logger.Error("agent state update failed",
			zap.String("agent_id", agentID),
			zap.String("action", action),
			zap.Error(err))
		return fmt.Errorf("%s: %w", action, err)
	}

	s.logger.Info("agent state updated successfully",
		zap.String("agent_id", agentID),
		zap.String("action", action),
		zap.String("operator_id", operatorID))
	return nil
}

// ListBlocked гарантирует, что клиент получит [], а не null
func (s *AgentService) ListBlocked() []string {
	if ids := s.ks.Blocked(); ids != nil {
		return ids
	}
	return []string{}
}
