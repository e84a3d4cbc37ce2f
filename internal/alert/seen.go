package alert

import (
	"context"
	"strings"
	"sync"

	"github.com/redis/go-redis/v9"
)

// SeenSet запоминает пары (агент, получатель). Add атомарен по паре:
// из двух одновременных вставок одной пары true вернет ровно одна.
type SeenSet interface {
	Add(ctx context.Context, agentID, recipient string) (added bool, err error)
}

type MemorySeenSet struct {
	mu   sync.Mutex
	seen map[string]struct{}
}

func NewMemorySeenSet() *MemorySeenSet {
	return &MemorySeenSet{seen: make(map[string]struct{})}
}

func (s *MemorySeenSet) Add(_ context.Context, agentID, recipient string) (bool, error) {
	key := pairKey(agentID, recipient)

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.seen[key]; ok {
		return false, nil
	}
	s.seen[key] = struct{}{}
	return true, nil
}

// RedisSeenSet хранит пары в Redis-сете: один набор на все инстансы шлюза,
// SADD атомарен и сразу говорит, была ли пара новой.
type RedisSeenSet struct {
	rdb redis.UniversalClient
	key string
}

func NewRedisSeenSet(rdb redis.UniversalClient, key string) *RedisSeenSet {
	return &RedisSeenSet{rdb: rdb, key: key}
}

func (s *RedisSeenSet) Add(ctx context.Context, agentID, recipient string) (bool, error) {
	n, err := s.rdb.SAdd(ctx, s.key, pairKey(agentID, recipient)).Result()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// Адреса EVM регистронезависимы
func pairKey(agentID, recipient string) string {
	return agentID + "|" + strings.ToLower(recipient)
}
