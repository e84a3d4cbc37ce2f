package provenance

/*
Файл sink.go реализует асинхронную доставку аудита в долговременное хранилище.

- Non-blocking: Log кладет запись в буферизованный канал и сразу возвращается,
  задержки БД не попадают в путь платежа.
- Batching: записи копятся и пишутся пачкой по таймеру или при достижении лимита.
- Drain Pattern: Stop закрывает канал, воркер вычитывает остаток и делает финальный flush.
- Retries: временные сбои БД переживаются повторами с backoff; исчерпав попытки,
  пачка логируется и отбрасывается, канонический журнал в памяти остается целым.
*/

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/avast/retry-go/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/xela07ax/paygate/internal/domain"
	"go.uber.org/zap"
)

// BatchWriter — куда физически пишутся записи (Postgres)
type BatchWriter interface {
	WriteBatch(ctx context.Context, records []domain.ProvenanceRecord) error
}

type SinkConfig struct {
	BufferSize    int
	BatchSize     int
	FlushInterval time.Duration
	Attempts      uint
	RetryDelay    time.Duration
}

func DefaultSinkConfig() SinkConfig {
	return SinkConfig{
		BufferSize:    10000,
		BatchSize:     100,
		FlushInterval: 500 * time.Millisecond,
		Attempts:      3,
		RetryDelay:    100 * time.Millisecond,
	}
}

type AsyncSink struct {
	cfg    SinkConfig
	ch     chan domain.ProvenanceRecord
	writer BatchWriter
	logger *zap.Logger
	wg     sync.WaitGroup

	isClosed atomic.Bool
	// Stop закрывает канал под write-lock, Log отправляет под read-lock
	closeMu sync.RWMutex

	fill    prometheus.Gauge   // может быть nil
	dropped prometheus.Counter // может быть nil
}

type SinkOption func(*AsyncSink)

// WithSinkMetrics подключает метрики заполнения буфера и потерь
func WithSinkMetrics(fill prometheus.Gauge, dropped prometheus.Counter) SinkOption {
	return func(s *AsyncSink) {
		s.fill = fill
		s.dropped = dropped
	}
}

func NewAsyncSink(writer BatchWriter, cfg SinkConfig, logger *zap.Logger, opts ...SinkOption) *AsyncSink {
	def := DefaultSinkConfig()
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = def.BufferSize
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = def.FlushInterval
	}
	if cfg.Attempts == 0 {
		cfg.Attempts = def.Attempts
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = def.RetryDelay
	}

	s := &AsyncSink{
		cfg:    cfg,
		ch:     make(chan domain.ProvenanceRecord, cfg.BufferSize),
		writer: writer,
		logger: logger.With(zap.String("mod", "provenance-sink")),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *AsyncSink) Start() {
	s.wg.Add(1)
	go s.worker()
}

// Stop запирает вход и ждет, пока воркер все допишет
func (s *AsyncSink) Stop() {
	s.closeMu.Lock()
	if s.isClosed.Swap(true) {
		s.closeMu.Unlock()
		return
	}
	s.logger.Info("stopping provenance sink: closing channel and flushing buffer...")
	close(s.ch)
	s.closeMu.Unlock()

	s.wg.Wait()
	s.logger.Info("provenance sink stopped gracefully")
}

func (s *AsyncSink) Log(rec domain.ProvenanceRecord) {
	s.closeMu.RLock()
	defer s.closeMu.RUnlock()

	if s.isClosed.Load() {
		s.logger.Warn("provenance record dropped: sink is stopping", zap.String("id", rec.ID))
		s.drop()
		return
	}

	// Load Shedding: при переполнении не блокируем путь платежа
	select {
	case s.ch <- rec:
		if s.fill != nil {
			s.fill.Set(float64(len(s.ch)))
		}
	default:
		s.logger.Error("provenance_buffer_overflow",
			zap.String("tx_id", rec.TransactionID),
			zap.String("trace_id", rec.TraceID),
			zap.String("stage", string(rec.Stage)))
		s.drop()
	}
}

func (s *AsyncSink) drop() {
	if s.dropped != nil {
		s.dropped.Inc()
	}
}

func (s *AsyncSink) worker() {
	defer s.wg.Done()

	batch := make([]domain.ProvenanceRecord, 0, s.cfg.BatchSize)
	ticker := time.NewTicker(s.cfg.FlushInterval)
	defer ticker.Stop()

	flush := func() {
		if len(batch) == 0 {
			return
		}
		// Background: основной контекст к моменту flush может быть уже закрыт
		if err := s.write(context.Background(), batch); err != nil {
			s.logger.Error("provenance flush failed, batch dropped",
				zap.Int("records", len(batch)), zap.Error(err))
		}
		batch = batch[:0]
		if s.fill != nil {
			s.fill.Set(float64(len(s.ch)))
		}
	}

	for {
		select {
		case rec, ok := <-s.ch:
			if !ok {
				flush() // финальный сброс
				s.logger.Info("provenance worker finished")
				return
			}
			batch = append(batch, rec)
			if len(batch) >= s.cfg.BatchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		}
	}
}

func (s *AsyncSink) write(ctx context.Context, batch []domain.ProvenanceRecord) error {
	r := retry.New(
		retry.Context(ctx),
		retry.Attempts(s.cfg.Attempts),
		retry.Delay(s.cfg.RetryDelay),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(n uint, err error) {
			s.logger.Warn("provenance write retry", zap.Uint("attempt", n+1), zap.Error(err))
		}),
	)
	return r.Do(func() error {
		return s.writer.WriteBatch(ctx, batch)
	})
}
