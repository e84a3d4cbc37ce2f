// Package provenance ведет неизменяемый аудит жизненного цикла платежа.
//
// Канонический журнал живет в памяти процесса (Recorder), каждая запись
// дополнительно уходит в асинхронный Sink для долговременного хранения.
package provenance

import (
	"errors"
	"fmt"
	"maps"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/xela07ax/paygate/internal/domain"
	"go.uber.org/zap"
)

var (
	ErrStageOrder   = errors.New("provenance: stage out of order")
	ErrUnknownStage = errors.New("provenance: unknown stage")
)

// Sink принимает копию каждой записи. Не должен блокировать вызывающего.
type Sink interface {
	Log(rec domain.ProvenanceRecord)
}

type Recorder struct {
	mu   sync.RWMutex
	byTx map[string][]domain.ProvenanceRecord

	sink   Sink
	now    func() time.Time
	logger *zap.Logger
}

type Option func(*Recorder)

func WithSink(s Sink) Option {
	return func(r *Recorder) { r.sink = s }
}

func WithClock(now func() time.Time) Option {
	return func(r *Recorder) { r.now = now }
}

func NewRecorder(logger *zap.Logger, opts ...Option) *Recorder {
	r := &Recorder{
		byTx:   make(map[string][]domain.ProvenanceRecord),
		now:    time.Now,
		logger: logger.Named("provenance"),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Record дописывает запись. Стадия не может идти раньше уже записанной:
// intent -> policy_check -> execution -> settlement, повтор стадии допустим.
func (r *Recorder) Record(txID, traceID string, stage domain.Stage, outcome domain.Outcome, metadata map[string]any) (domain.ProvenanceRecord, error) {
	if stage.Rank() < 0 {
		return domain.ProvenanceRecord{}, fmt.Errorf("%w: %q", ErrUnknownStage, stage)
	}

	rec := domain.ProvenanceRecord{
		ID:            uuid.New().String(),
		TransactionID: txID,
		TraceID:       traceID,
		Stage:         stage,
		Outcome:       outcome,
		Metadata:      maps.Clone(metadata),
		Timestamp:     r.now().UTC(),
	}

	r.mu.Lock()
	existing := r.byTx[txID]
	if n := len(existing); n > 0 && existing[n-1].Stage.Rank() > stage.Rank() {
		last := existing[n-1].Stage
		r.mu.Unlock()
		r.logger.Error("stage out of order",
			zap.String("tx_id", txID),
			zap.String("last", string(last)),
			zap.String("stage", string(stage)))
		return domain.ProvenanceRecord{}, fmt.Errorf("%w: %s after %s", ErrStageOrder, stage, last)
	}
	r.byTx[txID] = append(existing, rec)
	r.mu.Unlock()

	if r.sink != nil {
		r.sink.Log(rec)
	}
	return rec, nil
}

// Get возвращает копию журнала транзакции в порядке записи
func (r *Recorder) Get(txID string) []domain.ProvenanceRecord {
	r.mu.RLock()
	defer r.mu.RUnlock()

	src := r.byTx[txID]
	out := make([]domain.ProvenanceRecord, len(src))
	for i, rec := range src {
		rec.Metadata = maps.Clone(rec.Metadata)
		out[i] = rec
	}
	return out
}

// Size — число транзакций с хотя бы одной записью
func (r *Recorder) Size() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byTx)
}
