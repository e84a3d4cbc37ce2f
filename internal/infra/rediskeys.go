package infra

import "fmt"

const (
	// RedisNamespace Базовый префикс для изоляции данных проекта в Redis
	RedisNamespace = "paygate"
)

// Ключи для Sets (состояние)
const (
	RedisKeyBlockedAgents  = RedisNamespace + ":agents:blocked_set"
	RedisKeySeenRecipients = RedisNamespace + ":alerts:seen_recipients"
)

// Каналы Pub/Sub (события)
const (
	RedisChanKillSwitch   = RedisNamespace + ":agents:kill-switch-signal"
	RedisChanPolicyUpdate = RedisNamespace + ":policies:update"
	// RedisChanAlerts — поток алертов для внешних подписчиков (chat ops, UI)
	RedisChanAlerts = RedisNamespace + ":alerts"
)

// GetWarmupLockKey Генератор ключей для блокировок (если нужны динамические)
func GetWarmupLockKey(resource string) string {
	return fmt.Sprintf("%s:lock:warmup:%s", RedisNamespace, resource)
}
