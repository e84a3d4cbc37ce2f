package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/avast/retry-go/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/xela07ax/paygate/internal/alert"
	"github.com/xela07ax/paygate/internal/breaker"
	"github.com/xela07ax/paygate/internal/console/handler"
	"github.com/xela07ax/paygate/internal/console/server"
	"github.com/xela07ax/paygate/internal/console/service"
	"github.com/xela07ax/paygate/internal/engine"
	"github.com/xela07ax/paygate/internal/facilitator"
	"github.com/xela07ax/paygate/internal/infra"
	"github.com/xela07ax/paygate/internal/infra/auth"
	"github.com/xela07ax/paygate/internal/ledger"
	"github.com/xela07ax/paygate/internal/policy"
	"github.com/xela07ax/paygate/internal/provenance"
	"github.com/xela07ax/paygate/internal/repository/postgres"
	"github.com/xela07ax/paygate/internal/x402"
	"go.uber.org/zap"
)

const (
	connectAttempts = 5
	connectDelay    = 500 * time.Millisecond
	bootstrapAuthor = "bootstrap"
)

// app — собранный процесс: шлюз, консоль и все, что нужно закрыть при выходе
type app struct {
	Gateway http.Handler
	Console http.Handler // nil, если нет RSA ключей

	closers []func()
}

// Close освобождает ресурсы в обратном порядке сборки
func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
}

func (a *app) onClose(fn func()) {
	a.closers = append(a.closers, fn)
}

func buildApp(ctx context.Context, cfg *infra.Config, metrics *engine.Metrics, logger *zap.Logger) (_ *app, err error) {
	a := &app{}
	defer func() {
		if err != nil {
			a.Close()
		}
	}()

	// 1. Инфраструктура. Redis и Postgres опциональны: без них инстанс работает автономно.
	var rdb redis.UniversalClient
	if cfg.Redis.Addr != "" {
		if rdb, err = connectRedis(ctx, cfg.Redis, logger); err != nil {
			return nil, err
		}
		a.onClose(func() { _ = rdb.Close() })
	} else {
		logger.Warn("redis is not configured: kill-switch and policy updates are local to this instance")
	}

	var pool *pgxpool.Pool
	if cfg.Database.URL != "" {
		if pool, err = connectPostgres(ctx, cfg.Database, logger); err != nil {
			return nil, err
		}
		a.onClose(pool.Close)
	} else {
		logger.Warn("database is not configured: provenance is kept in memory only")
	}

	// 2. Аудит: память инстанса + асинхронная запись пачками в Postgres
	var recOpts []provenance.Option
	var archive service.ProvenanceArchive
	if pool != nil {
		repo := postgres.NewProvenanceRepo(pool)
		sink := provenance.NewAsyncSink(repo, provenance.SinkConfig{
			BufferSize:    cfg.Engine.ProvenanceBufferSize,
			BatchSize:     cfg.Engine.ProvenanceBatchSize,
			FlushInterval: cfg.Engine.ProvenanceFlushInterval,
		}, logger, provenance.WithSinkMetrics(metrics.ProvenanceBufferFill, metrics.ProvenanceDropped))
		sink.Start()
		a.onClose(sink.Stop)
		recOpts = append(recOpts, provenance.WithSink(sink))
		archive = repo
	}
	rec := provenance.NewRecorder(logger, recOpts...)

	// 3. Политики
	l := ledger.NewMemoryLedger()
	policies := policy.NewEngine(l, logger, policy.WithReservationTTL(cfg.Engine.ReservationTTL))

	var store service.DocumentStore
	var source policy.Source = policy.FileSource{Path: cfg.PolicyFile}
	if pool != nil {
		repo := postgres.NewPolicyRepo(pool)
		if err = bootstrapPolicyDocument(ctx, repo, cfg.PolicyFile, logger); err != nil {
			return nil, err
		}
		store, source = repo, repo
	}
	loader := policy.NewLoader(source, policies, logger)
	if cfg.PolicyFile != "" || pool != nil {
		if rerr := loader.Refresh(ctx); rerr != nil {
			if !errors.Is(rerr, postgres.ErrNoPolicyDocument) {
				return nil, fmt.Errorf("initial policy load: %w", rerr)
			}
			logger.Warn("no policy document published yet: every payment will be denied")
		}
	} else {
		logger.Warn("no policy source configured: every payment will be denied")
	}
	if rdb != nil {
		go engine.WatchPolicies(ctx, rdb, logger, loader)
	}

	// 4. Алерты
	alerts, err := buildAlerts(ctx, cfg, l, rdb, metrics, a, logger)
	if err != nil {
		return nil, err
	}

	// 5. Предохранитель и facilitator
	breakers := breaker.NewManager(breaker.Config{
		FailureThreshold:    cfg.Breaker.FailureThreshold,
		RecoveryTimeout:     cfg.Breaker.RecoveryTimeout,
		HalfOpenMaxRequests: cfg.Breaker.HalfOpenMaxRequests,
		IsFailure:           facilitator.IsEndpointFailure,
	}, logger)
	breakers.OnStateChange(metrics.BreakerListener())

	client := newFacilitator(cfg.Facilitator, logger)
	mapper := newMapper(cfg.Mapping)

	// 6. Kill-switch: Redis set как источник правды, Pub/Sub для мгновенной доставки
	ksm := engine.NewKillSwitchManager(rdb, logger)
	if err = ksm.Init(ctx, cfg.Engine.BlockedAgents); err != nil {
		return nil, err
	}
	go ksm.StartListener(ctx)

	// 7. Ядро
	orch := engine.NewOrchestrator(
		engine.Config{FailClosed: cfg.Engine.FailClosed, AttemptTTL: cfg.Engine.AttemptTTL},
		policies, l, alerts, breakers, rec, client, mapper, logger,
		engine.WithKillSwitch(ksm),
		engine.WithMetrics(metrics),
	)
	a.onClose(orch.Close)

	var mws []func(http.Handler) http.Handler
	if cfg.Auth.ProtectGateway {
		pub, perr := auth.ParseRSAPublicKey(cfg.Auth.PublicKey)
		if perr != nil {
			return nil, fmt.Errorf("auth.protect_gateway requires a public key: %w", perr)
		}
		mws = append(mws, auth.NewMiddleware(auth.NewBaseValidator(pub, cfg.Auth.Issuer), logger))
	}
	a.Gateway = engine.NewGateway(orch, logger, mws...)

	// 8. Консоль оператора
	if len(cfg.Auth.PrivateKey) == 0 {
		logger.Warn("auth private key is not configured: console is disabled")
		return a, nil
	}
	var notify service.UpdateNotifier
	if rdb != nil {
		notify = func(ctx context.Context, version string) error {
			return engine.NotifyPolicyUpdate(ctx, rdb, version)
		}
	}
	a.Console, err = buildConsole(cfg, consoleDeps{
		ledger:   l,
		recorder: rec,
		archive:  archive,
		policies: policies,
		store:    store,
		notify:   notify,
		ks:       ksm,
		breakers: breakers,
		alerts:   alerts,
	}, logger)
	if err != nil {
		return nil, err
	}
	return a, nil
}

type consoleDeps struct {
	ledger   ledger.Store
	recorder *provenance.Recorder
	archive  service.ProvenanceArchive
	policies *policy.Engine
	store    service.DocumentStore
	notify   service.UpdateNotifier
	ks       service.KillSwitch
	breakers handler.BreakerController
	alerts   handler.AlertFeed
}

func buildConsole(cfg *infra.Config, d consoleDeps, logger *zap.Logger) (http.Handler, error) {
	priv, err := auth.ParseRSAPrivateKey(cfg.Auth.PrivateKey)
	if err != nil {
		return nil, fmt.Errorf("console private key: %w", err)
	}
	if len(cfg.Auth.Operators) == 0 {
		logger.Warn("no console operators configured: login is impossible")
	}

	authSvc := service.NewAuthService(service.NewStaticOperators(cfg.Auth.Operators), priv, cfg.Auth.TokenTTL, cfg.Auth.Issuer)
	agentSvc := service.NewAgentService(d.ks, logger)
	auditSvc := service.NewAuditService(d.ledger, d.recorder, d.archive)
	policySvc := service.NewPolicyService(d.policies, d.store, d.notify, logger)

	return server.NewConsoleServer(authSvc, server.Handlers{
		Auth:      handler.NewAuthHandler(authSvc, logger),
		Agents:    handler.NewAgentHandler(agentSvc),
		Policies:  handler.NewPolicyHandler(policySvc),
		Audit:     handler.NewAuditHandler(auditSvc),
		Dashboard: handler.NewDashboardHandler(d.breakers, d.alerts, auditSvc, agentSvc),
	}, logger), nil
}

func buildAlerts(ctx context.Context, cfg *infra.Config, l ledger.Store, rdb redis.UniversalClient,
	metrics *engine.Metrics, a *app, logger *zap.Logger) (*alert.Engine, error) {
	opts := []alert.Option{alert.WithRecentSize(cfg.Alerts.RecentSize)}
	if rdb != nil {
		// «Новый получатель» должен быть новым для всего кластера, а не для инстанса
		opts = append(opts, alert.WithSeenSet(alert.NewRedisSeenSet(rdb, infra.RedisKeySeenRecipients)))
	}
	alerts := alert.NewEngine(l, logger, opts...)

	rules, err := loadAlertRules(cfg.PolicyFile)
	if err != nil {
		return nil, err
	}
	for _, r := range rules {
		if err := alerts.AddRule(r); err != nil {
			return nil, err
		}
	}

	alerts.OnAlert(alert.LogNotifier(logger))
	alerts.OnAlert(metrics.CountAlert)
	if rdb != nil && cfg.Alerts.RedisChannel != "" {
		alerts.OnAlert(alert.NewRedisNotifier(rdb, cfg.Alerts.RedisChannel, logger).Notify)
	}
	if cfg.Alerts.AMQP.URL != "" {
		var n *alert.AMQPNotifier
		err := retry.New(
			retry.Context(ctx),
			retry.Attempts(connectAttempts),
			retry.Delay(connectDelay),
			retry.LastErrorOnly(true),
		).Do(func() (err error) {
			n, err = alert.DialAMQPNotifier(cfg.Alerts.AMQP.URL, cfg.Alerts.AMQP.Exchange, logger)
			return err
		})
		if err != nil {
			return nil, fmt.Errorf("amqp alerts: %w", err)
		}
		a.onClose(func() { _ = n.Close() })
		alerts.OnAlert(n.Notify)
	}
	return alerts, nil
}

// loadAlertRules читает ключ alerts того же YAML, где лежат политики
func loadAlertRules(path string) ([]alert.RuleConfig, error) {
	if path == "" {
		return nil, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read alert rules: %w", err)
	}
	return alert.ParseRules(data)
}

// bootstrapPolicyDocument публикует файл политик первой версией, если в БД еще пусто
func bootstrapPolicyDocument(ctx context.Context, repo *postgres.PolicyRepo, path string, logger *zap.Logger) error {
	_, err := repo.Latest(ctx)
	if err == nil || !errors.Is(err, postgres.ErrNoPolicyDocument) {
		return err
	}
	if path == "" {
		logger.Warn("no policy document published and no policy_file to bootstrap from")
		return nil
	}

	body, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read policy file: %w", err)
	}
	version, err := repo.Publish(ctx, string(body), bootstrapAuthor)
	if err != nil {
		return fmt.Errorf("bootstrap policy document: %w", err)
	}
	logger.Info("policy document bootstrapped from file", zap.String("path", path), zap.Int64("version", version))
	return nil
}

func newFacilitator(cfg infra.FacilitatorConfig, logger *zap.Logger) facilitator.Client {
	if cfg.Mode == "http" {
		return facilitator.NewHTTPClient(facilitator.HTTPConfig{
			BaseURL:   cfg.URL,
			Timeout:   cfg.Timeout,
			RateLimit: cfg.RateLimit,
			Burst:     cfg.Burst,
			APIKey:    cfg.APIKey,
		}, logger)
	}
	logger.Warn("facilitator runs in mock mode: payments are not settled on-chain")
	return &facilitator.MockClient{
		MinLatency: cfg.MockMinLatency,
		MaxLatency: cfg.MockMaxLatency,
	}
}

func newMapper(cfg infra.MappingConfig) *x402.Mapper {
	overrides := make(map[string]int32, len(cfg.Decimals))
	for asset, d := range cfg.Decimals {
		overrides[strings.ToLower(asset)] = d
	}

	opts := []x402.Option{x402.WithDecimals(x402.HeuristicDecimals{Overrides: overrides})}
	if cfg.AgentHeader {
		opts = append(opts, x402.WithAgentResolver(engine.HeaderAgentResolver))
	}
	return x402.NewMapper(x402.Config{DefaultAgent: cfg.DefaultAgent, Currency: cfg.Currency}, opts...)
}

func connectRedis(ctx context.Context, cfg infra.RedisConfig, logger *zap.Logger) (redis.UniversalClient, error) {
	rdb := redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs:    strings.Split(cfg.Addr, ","),
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	err := retry.New(
		retry.Context(ctx),
		retry.Attempts(connectAttempts),
		retry.Delay(connectDelay),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(n uint, err error) {
			logger.Warn("redis ping retry", zap.Uint("attempt", n+1), zap.Error(err))
		}),
	).Do(func() error {
		return rdb.Ping(ctx).Err()
	})
	if err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis unreachable: %w", err)
	}
	return rdb, nil
}

func connectPostgres(ctx context.Context, cfg infra.DatabaseConfig, logger *zap.Logger) (*pgxpool.Pool, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	err = retry.New(
		retry.Context(ctx),
		retry.Attempts(connectAttempts),
		retry.Delay(connectDelay),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(n uint, err error) {
			logger.Warn("database ping retry", zap.Uint("attempt", n+1), zap.Error(err))
		}),
	).Do(func() error {
		return pool.Ping(ctx)
	})
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("database unreachable: %w", err)
	}
	return pool, nil
}
