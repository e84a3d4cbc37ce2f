package engine

import (
	"context"

	"github.com/xela07ax/paygate/internal/infra"
	"go.uber.org/zap"
)

// StartListener подписывается на Redis и обновляет состояние.
// Блокирует до отмены ctx, запускать в отдельной горутине.
func (m *KillSwitchManager) StartListener(ctx context.Context) {
	if m.rdb == nil {
		return
	}
	m.logger.Info("kill-switch listener started")

	ListenStateResilient(ctx, m.rdb, m.logger, infra.RedisChanKillSwitch,
		func() error { return m.sync(ctx) }, // при переподключении могли пропустить сигналы
		func(payload string) {
			agentID, blocked, ok := parseSignal(payload)
			if !ok {
				m.logger.Error("invalid signal format", zap.String("payload", payload))
				return
			}
			m.logger.Info("kill-switch signal", zap.String("agent_id", agentID), zap.Bool("blocked", blocked))
			m.apply(agentID, blocked)
		},
	)
}

// apply — внутренний метод для обновления мапы
func (m *KillSwitchManager) apply(agentID string, blocked bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if blocked {
		m.blockedAgents[agentID] = struct{}{}
	} else {
		delete(m.blockedAgents, agentID)
	}
}
