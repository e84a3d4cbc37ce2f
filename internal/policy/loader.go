package policy

import (
	"context"

	"github.com/xela07ax/paygate/internal/domain"
	"go.uber.org/zap"
)

// Source — откуда берется набор политик (файл, Postgres)
type Source interface {
	LoadPolicies(ctx context.Context) ([]*domain.Policy, error)
}

// FileSource читает YAML-документ при каждом Refresh, чтобы подхватывать правки
type FileSource struct {
	Path string
}

func (s FileSource) LoadPolicies(ctx context.Context) ([]*domain.Policy, error) {
	return LoadFile(s.Path)
}

// Loader выполняет «холодную загрузку» политик в память движка при старте и по сигналу.
// В рантайме движок обращается только к памяти, источник нужен только для Refresh.
type Loader struct {
	source Source
	engine *Engine
	logger *zap.Logger
}

func NewLoader(source Source, engine *Engine, logger *zap.Logger) *Loader {
	return &Loader{
		source: source,
		engine: engine,
		logger: logger.Named("policy-loader"),
	}
}

// Refresh заменяет набор политик целиком. При ошибке источника старый набор остается в силе.
func (l *Loader) Refresh(ctx context.Context) error {
	policies, err := l.source.LoadPolicies(ctx)
	if err != nil {
		l.logger.Error("policy refresh failed, keeping current set", zap.Error(err))
		return err
	}

	if err := l.engine.Reload(policies); err != nil {
		return err
	}

	l.logger.Info("policy cache refreshed", zap.Int("count", len(policies)))
	return nil
}
