package engine

import (
	"context"

	"github.com/redis/go-redis/v9"
	"github.com/xela07ax/paygate/internal/infra"
	"go.uber.org/zap"
)

// PolicyRefresher — перечитывает набор политик из источника (policy.Loader)
type PolicyRefresher interface {
	Refresh(ctx context.Context) error
}

// WatchPolicies перечитывает политики по сигналу из Redis и при каждом переподключении.
// Содержимое сообщения не важно: это только триггер.
func WatchPolicies(ctx context.Context, rdb redis.UniversalClient, logger *zap.Logger, r PolicyRefresher) {
	log := logger.With(zap.String("mod", "policy-watcher"))
	ListenStateResilient(ctx, rdb, log, infra.RedisChanPolicyUpdate,
		func() error { return r.Refresh(ctx) },
		func(payload string) {
			log.Info("policy update signal", zap.String("payload", payload))
			if err := r.Refresh(ctx); err != nil {
				log.Error("policy refresh failed", zap.Error(err))
			}
		},
	)
}

// NotifyPolicyUpdate рассылает всем инстансам команду перечитать политики
func NotifyPolicyUpdate(ctx context.Context, rdb redis.UniversalClient, version string) error {
	return rdb.Publish(ctx, infra.RedisChanPolicyUpdate, version).Err()
}
