package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const warmupLockTTL = 30 * time.Second

// seedSharedSet заливает seed в пустой Redis set и возвращает его актуальное содержимое.
// Заливает только инстанс, взявший lockKey; остальные сразу читают то, что есть.
// Непустой set не трогаем: состояние кластера важнее конфига.
func seedSharedSet(ctx context.Context, rdb redis.UniversalClient, logger *zap.Logger,
	setKey, lockKey string, seed []string) ([]string, error) {
	if len(seed) > 0 {
		owner, err := rdb.SetNX(ctx, lockKey, "processing", warmupLockTTL).Result()
		switch {
		case err != nil:
			logger.Warn("warmup lock unavailable, skipping seed", zap.String("key", setKey), zap.Error(err))
		case owner:
			err = seedIfEmpty(ctx, rdb, logger, setKey, seed)
			rdb.Del(context.WithoutCancel(ctx), lockKey)
			if err != nil {
				return nil, err
			}
		}
	}

	members, err := rdb.SMembers(ctx, setKey).Result()
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", setKey, err)
	}
	return members, nil
}

func seedIfEmpty(ctx context.Context, rdb redis.UniversalClient, logger *zap.Logger, setKey string, seed []string) error {
	count, err := rdb.SCard(ctx, setKey).Result()
	if err != nil {
		return fmt.Errorf("check %s: %w", setKey, err)
	}
	if count > 0 {
		return nil
	}

	logger.Info("shared set is empty, seeding from config", zap.String("key", setKey), zap.Int("count", len(seed)))
	members := make([]any, len(seed))
	for i, id := range seed {
		members[i] = id
	}
	return rdb.SAdd(ctx, setKey, members...).Err()
}
