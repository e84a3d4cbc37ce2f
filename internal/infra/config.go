package infra

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
	"github.com/xela07ax/paygate/internal/domain"
)

// Config — корневая структура конфигурации шлюза и консоли.
type Config struct {
	Server      ServerConfig      `mapstructure:"server"`
	Console     ServerConfig      `mapstructure:"console"`
	Metrics     MetricsConfig     `mapstructure:"metrics"`
	Database    DatabaseConfig    `mapstructure:"database"`
	Redis       RedisConfig       `mapstructure:"redis"`
	Auth        AuthConfig        `mapstructure:"auth"`
	Engine      EngineConfig      `mapstructure:"engine"`
	Breaker     BreakerConfig     `mapstructure:"breaker"`
	Facilitator FacilitatorConfig `mapstructure:"facilitator"`
	Mapping     MappingConfig     `mapstructure:"mapping"`
	Alerts      AlertsConfig      `mapstructure:"alerts"`
	Logger      LoggerConfig      `mapstructure:"logger"`

	// PolicyFile — YAML с политиками и правилами алертов
	PolicyFile string `mapstructure:"policy_file"`
}

// ServerConfig описывает настройки HTTP-сервера.
type ServerConfig struct {
	Host         string        `mapstructure:"host"`
	Port         int           `mapstructure:"port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

func (s ServerConfig) Addr() string {
	return net.JoinHostPort(s.Host, strconv.Itoa(s.Port))
}

type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Port    int    `mapstructure:"port"`
	Path    string `mapstructure:"path"`
}

// DatabaseConfig описывает подключение к PostgreSQL. Пустой URL — аудит только в памяти.
type DatabaseConfig struct {
	URL      string `mapstructure:"url"`
	MaxConns int32  `mapstructure:"max_conns"`
	MinConns int32  `mapstructure:"min_conns"`
}

// RedisConfig описывает подключение к Redis (Pub/Sub и общее состояние).
// Пустой Addr — инстанс работает автономно.
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// AuthConfig содержит пути к RSA ключам, настройки JWT и операторов консоли.
type AuthConfig struct {
	PublicKeyPath  string            `mapstructure:"public_key_path"`
	PrivateKeyPath string            `mapstructure:"private_key_path"` // Только для Console API
	TokenTTL       time.Duration     `mapstructure:"token_ttl"`
	BcryptCost     int               `mapstructure:"bcrypt_cost"`
	Issuer         string            `mapstructure:"issuer"`
	Operators      []domain.Operator `mapstructure:"operators"`
	// ProtectGateway включает JWT и на платежных маршрутах шлюза
	ProtectGateway bool `mapstructure:"protect_gateway"`
	PublicKey      []byte
	PrivateKey     []byte
}

// EngineConfig — поведение оркестратора и аудита.
type EngineConfig struct {
	FailClosed     bool          `mapstructure:"fail_closed"`
	AttemptTTL     time.Duration `mapstructure:"attempt_ttl"`
	ReservationTTL time.Duration `mapstructure:"reservation_ttl"`
	// BlockedAgents: начальное состояние kill-switch, если Redis пуст
	BlockedAgents []string `mapstructure:"blocked_agents"`

	ProvenanceBufferSize    int           `mapstructure:"provenance_buffer_size"`
	ProvenanceBatchSize     int           `mapstructure:"provenance_batch_size"`
	ProvenanceFlushInterval time.Duration `mapstructure:"provenance_flush_interval"`
}

// BreakerConfig — предохранитель на endpoint facilitator
type BreakerConfig struct {
	FailureThreshold    uint32        `mapstructure:"failure_threshold"`
	RecoveryTimeout     time.Duration `mapstructure:"recovery_timeout"`
	HalfOpenMaxRequests uint32        `mapstructure:"half_open_max_requests"`
}

// FacilitatorConfig. Mode: http — реальный facilitator, mock — песочница без сети.
type FacilitatorConfig struct {
	Mode      string        `mapstructure:"mode"`
	URL       string        `mapstructure:"url"`
	APIKey    string        `mapstructure:"api_key"`
	Timeout   time.Duration `mapstructure:"timeout"`
	RateLimit float64       `mapstructure:"rate_limit"` // запросов в секунду, 0: без лимита
	Burst     int           `mapstructure:"burst"`

	MockMinLatency time.Duration `mapstructure:"mock_min_latency"`
	MockMaxLatency time.Duration `mapstructure:"mock_max_latency"`
}

// MappingConfig — перевод x402 в транзакцию
type MappingConfig struct {
	DefaultAgent string `mapstructure:"default_agent"`
	Currency     string `mapstructure:"currency"`
	// AgentHeader: брать агента из X-Agent-ID раньше плательщика
	AgentHeader bool `mapstructure:"agent_header"`
	// Decimals — точность по адресу актива, перекрывает эвристику
	Decimals map[string]int32 `mapstructure:"decimals"`
}

type AlertsConfig struct {
	RecentSize   int        `mapstructure:"recent_size"`
	RedisChannel string     `mapstructure:"redis_channel"` // пусто: не публикуем
	AMQP         AMQPConfig `mapstructure:"amqp"`
}

type AMQPConfig struct {
	URL      string `mapstructure:"url"` // пусто: AMQP выключен
	Exchange string `mapstructure:"exchange"`
}

// LoggerConfig настраивает поведение zap логгера.
type LoggerConfig struct {
	Level  string `mapstructure:"level"`  // debug, info, warn, error
	Format string `mapstructure:"format"` // json, console
}

// LoadConfig инициализирует конфигурацию, объединяя значения из файла и ENV.
// path: явный файл (флаг --config), пусто: поиск config.yaml по умолчанию.
func LoadConfig(path string) (*Config, error) {
	v := viper.New()

	// 1. Настройка поиска файла
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")    // имя файла без расширения
		v.SetConfigType("yaml")      // формат
		v.AddConfigPath(".")         // ищем в корне
		v.AddConfigPath("./configs") // и в папке с конфигами
	}

	// 2. Настройка переменных окружения (ENV)
	// Позволяет перекрывать конфиг: PAYGATE_SERVER_PORT=9000 перекроет server.port
	v.SetEnvPrefix("paygate")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// 3. Установка дефолтных значений
	setDefaults(v)

	// 4. Чтение файла
	if err := v.ReadInConfig(); err != nil {
		var configFileNotFoundError viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &configFileNotFoundError) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
		// Если файла нет: работаем на ENV и дефолтах
	}

	// 5. Маппинг в структуру
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unable to decode into struct: %w", err)
	}

	// 6. Загрузка ключей из Файла ИЛИ из ENV
	// Сначала проверяем, не лежит ли сам PEM-ключ в ENV (для Docker/K8s)
	// Если нет: читаем файл по указанному пути
	cfg.Auth.PublicKey = loadKeyResource(cfg.Auth.PublicKeyPath, "PAYGATE_AUTH_PUBLIC_KEY_DATA")
	cfg.Auth.PrivateKey = loadKeyResource(cfg.Auth.PrivateKeyPath, "PAYGATE_AUTH_PRIVATE_KEY_DATA")

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate ловит конфигурации, с которыми шлюз заведомо не поднимется
func (c *Config) Validate() error {
	switch c.Facilitator.Mode {
	case "mock":
	case "http":
		if c.Facilitator.URL == "" {
			return errors.New("facilitator.url is required in http mode")
		}
	default:
		return fmt.Errorf("unknown facilitator.mode %q", c.Facilitator.Mode)
	}
	if c.Engine.AttemptTTL <= 0 {
		return errors.New("engine.attempt_ttl must be positive")
	}
	for _, op := range c.Auth.Operators {
		if op.Username == "" || op.PasswordHash == "" {
			return fmt.Errorf("operator %q: username and password_hash are required", op.ID)
		}
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", 5*time.Second)
	v.SetDefault("server.write_timeout", 30*time.Second)
	v.SetDefault("console.port", 8000)
	v.SetDefault("console.read_timeout", 5*time.Second)
	v.SetDefault("console.write_timeout", 10*time.Second)
	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.port", 9090)
	v.SetDefault("metrics.path", "/metrics")
	v.SetDefault("database.max_conns", 15)
	v.SetDefault("database.min_conns", 5)
	v.SetDefault("auth.token_ttl", 12*time.Hour)
	v.SetDefault("auth.bcrypt_cost", 12)
	v.SetDefault("auth.issuer", "paygate-console")
	v.SetDefault("engine.fail_closed", true)
	v.SetDefault("engine.attempt_ttl", 10*time.Minute)
	v.SetDefault("engine.reservation_ttl", 5*time.Minute)
	v.SetDefault("engine.provenance_buffer_size", 10000)
	v.SetDefault("engine.provenance_batch_size", 100)
	v.SetDefault("engine.provenance_flush_interval", 500*time.Millisecond)
	v.SetDefault("breaker.failure_threshold", 5)
	v.SetDefault("breaker.recovery_timeout", 30*time.Second)
	v.SetDefault("breaker.half_open_max_requests", 1)
	v.SetDefault("facilitator.mode", "mock")
	v.SetDefault("facilitator.timeout", 10*time.Second)
	v.SetDefault("mapping.currency", "USDC")
	v.SetDefault("alerts.recent_size", 100)
	v.SetDefault("alerts.amqp.exchange", "paygate.alerts")
	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "json")
}

// loadKeyResource — ключ из ENV (PEM целиком) или из файла по пути
func loadKeyResource(path string, envDataKey string) []byte {
	// Если ключ прилетел напрямую в ENV
	if data := os.Getenv(envDataKey); data != "" {
		return []byte(data)
	}
	// Иначе читаем файл по пути из конфига
	if path != "" {
		data, err := os.ReadFile(path)
		if err == nil {
			return data
		}
	}
	return nil
}
