package alert

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/redis/go-redis/v9"
	"github.com/xela07ax/paygate/internal/domain"
	"go.uber.org/zap"
)

const publishTimeout = 3 * time.Second

// LogNotifier пишет каждый алерт в журнал с уровнем по severity
func LogNotifier(logger *zap.Logger) Handler {
	log := logger.Named("alerts")
	return func(_ context.Context, a domain.Alert) {
		fields := []zap.Field{
			zap.String("alert_id", a.ID),
			zap.String("rule_id", a.RuleID),
			zap.String("type", string(a.Type)),
			zap.String("agent_id", a.AgentID),
			zap.String("tx_id", a.TransactionID),
		}
		switch a.Severity {
		case domain.SeverityCritical:
			log.Error(a.Message, fields...)
		case domain.SeverityWarning:
			log.Warn(a.Message, fields...)
		default:
			log.Info(a.Message, fields...)
		}
	}
}

// RedisNotifier публикует алерты в Pub/Sub канал для внешних подписчиков (chat ops, UI)
type RedisNotifier struct {
	rdb     redis.UniversalClient
	channel string
	logger  *zap.Logger
}

func NewRedisNotifier(rdb redis.UniversalClient, channel string, logger *zap.Logger) *RedisNotifier {
	return &RedisNotifier{rdb: rdb, channel: channel, logger: logger.Named("alert-redis")}
}

func (n *RedisNotifier) Notify(ctx context.Context, a domain.Alert) {
	body, err := json.Marshal(a)
	if err != nil {
		n.logger.Error("marshal alert", zap.Error(err))
		return
	}

	// Контекст расчета может быть уже отменен: публикуем со своим таймаутом
	pubCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), publishTimeout)
	defer cancel()

	if err := n.rdb.Publish(pubCtx, n.channel, body).Err(); err != nil {
		n.logger.Warn("publish alert failed", zap.String("alert_id", a.ID), zap.Error(err))
	}
}

// AMQPPublisher — срез *amqp.Channel, нужный нотификатору
type AMQPPublisher interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
}

// AMQPNotifier отправляет алерты в topic exchange с ключом alert.<severity>
type AMQPNotifier struct {
	pub      AMQPPublisher
	exchange string
	logger   *zap.Logger

	conn *amqp.Connection
	ch   *amqp.Channel
}

func NewAMQPNotifier(pub AMQPPublisher, exchange string, logger *zap.Logger) *AMQPNotifier {
	return &AMQPNotifier{pub: pub, exchange: exchange, logger: logger.Named("alert-amqp")}
}

// DialAMQPNotifier подключается к брокеру и объявляет durable topic exchange
func DialAMQPNotifier(url, exchange string, logger *zap.Logger) (*AMQPNotifier, error) {
	if url == "" {
		return nil, errors.New("amqp url is empty")
	}
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("dial amqp: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("open amqp channel: %w", err)
	}
	if err := ch.ExchangeDeclare(exchange, amqp.ExchangeTopic, true, false, false, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("declare exchange %s: %w", exchange, err)
	}

	n := NewAMQPNotifier(ch, exchange, logger)
	n.conn, n.ch = conn, ch
	return n, nil
}

func (n *AMQPNotifier) Notify(ctx context.Context, a domain.Alert) {
	body, err := json.Marshal(a)
	if err != nil {
		n.logger.Error("marshal alert", zap.Error(err))
		return
	}

	pubCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), publishTimeout)
	defer cancel()

	err = n.pub.PublishWithContext(pubCtx, n.exchange, RoutingKey(a), false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    a.ID,
		Timestamp:    a.Timestamp,
		Type:         string(a.Type),
		Body:         body,
	})
	if err != nil {
		n.logger.Warn("publish alert failed", zap.String("alert_id", a.ID), zap.Error(err))
	}
}

// Close закрывает соединение, если нотификатор его открывал сам
func (n *AMQPNotifier) Close() error {
	if n.ch != nil {
		_ = n.ch.Close()
	}
	if n.conn != nil {
		return n.conn.Close()
	}
	return nil
}

// RoutingKey позволяет подписчикам фильтровать по важности: alert.critical, alert.*
func RoutingKey(a domain.Alert) string {
	return "alert." + string(a.Severity)
}
