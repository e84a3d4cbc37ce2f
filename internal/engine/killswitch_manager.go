package engine

import (
	"context"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
	"github.com/xela07ax/paygate/internal/infra"
	"go.uber.org/zap"
)

// KillSwitchManager держит локальную копию заблокированных агентов.
// Источник правды — Redis set, изменения приходят по Pub/Sub.
type KillSwitchManager struct {
	mu            sync.RWMutex
	blockedAgents map[string]struct{}
	rdb           redis.UniversalClient
	logger        *zap.Logger
}

func NewKillSwitchManager(rdb redis.UniversalClient, logger *zap.Logger) *KillSwitchManager {
	return &KillSwitchManager{
		blockedAgents: make(map[string]struct{}),
		rdb:           rdb,
		logger:        logger.With(zap.String("mod", "kill-switch")),
	}
}

// Init прогревает состояние при старте: seed из конфига заливается только в пустой Redis,
// локальный кэш берется из Redis set
func (m *KillSwitchManager) Init(ctx context.Context, seed []string) error {
	if m.rdb == nil {
		m.markAll(seed)
		return nil
	}

	agents, err := seedSharedSet(ctx, m.rdb, m.logger, infra.RedisKeyBlockedAgents,
		infra.GetWarmupLockKey("blocked"), seed)
	if err != nil {
		return fmt.Errorf("kill-switch warmup: %w", err)
	}
	m.replace(agents)
	return nil
}

// sync заменяет локальный кэш содержимым Redis set
func (m *KillSwitchManager) sync(ctx context.Context) error {
	agents, err := m.rdb.SMembers(ctx, infra.RedisKeyBlockedAgents).Result()
	if err != nil {
		return fmt.Errorf("load blocked agents: %w", err)
	}
	m.replace(agents)
	return nil
}

func (m *KillSwitchManager) replace(agents []string) {
	fresh := make(map[string]struct{}, len(agents))
	for _, id := range agents {
		fresh[id] = struct{}{}
	}

	m.mu.Lock()
	m.blockedAgents = fresh
	m.mu.Unlock()
}

// Block пишет блокировку в Redis и рассылает сигнал всем инстансам шлюза
func (m *KillSwitchManager) Block(ctx context.Context, agentID string) error {
	return m.set(ctx, agentID, true)
}

func (m *KillSwitchManager) Unblock(ctx context.Context, agentID string) error {
	return m.set(ctx, agentID, false)
}

func (m *KillSwitchManager) set(ctx context.Context, agentID string, blocked bool) error {
	if agentID == "" {
		return fmt.Errorf("agent id is required")
	}

	// Локально применяем сразу: этот инстанс не должен ждать Pub/Sub
	m.apply(agentID, blocked)
	if m.rdb == nil {
		return nil
	}

	pipe := m.rdb.TxPipeline()
	if blocked {
		pipe.SAdd(ctx, infra.RedisKeyBlockedAgents, agentID)
	} else {
		pipe.SRem(ctx, infra.RedisKeyBlockedAgents, agentID)
	}
	pipe.Publish(ctx, infra.RedisChanKillSwitch, fmt.Sprintf("%s:%t", agentID, blocked))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("kill-switch publish: %w", err)
	}

	m.logger.Warn("kill-switch updated", zap.String("agent_id", agentID), zap.Bool("blocked", blocked))
	return nil
}

func (m *KillSwitchManager) markAll(ids []string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range ids {
		m.blockedAgents[id] = struct{}{}
	}
}
