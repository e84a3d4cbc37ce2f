package service

import (
	"context"
	"fmt"

	"github.com/xela07ax/paygate/internal/domain"
	"github.com/xela07ax/paygate/internal/ledger"
	"github.com/xela07ax/paygate/internal/provenance"
)

// ProvenanceArchive — долговременный аудит (postgres.ProvenanceRepo).
// Нужен для транзакций, которых уже нет в памяти инстанса.
type ProvenanceArchive interface {
	ListByTransaction(ctx context.Context, txID string) ([]domain.ProvenanceRecord, error)
}

type AuditService struct {
	ledger   ledger.Store
	recorder *provenance.Recorder
	archive  ProvenanceArchive
}

func NewAuditService(l ledger.Store, rec *provenance.Recorder, archive ProvenanceArchive) *AuditService {
	return &AuditService{
		ledger:   l,
		recorder: rec,
		archive:  archive,
	}
}

// Transactions — выборка из ledger, всегда не nil
func (s *AuditService) Transactions(f ledger.Filter) []*domain.Transaction {
	txs := s.ledger.Query(f)
	if txs == nil {
		return []*domain.Transaction{}
	}
	return txs
}

func (s *AuditService) Transaction(id string) (*domain.Transaction, bool) {
	return s.ledger.Get(id)
}

// Provenance: сначала память инстанса, затем архив
func (s *AuditService) Provenance(ctx context.Context, txID string) ([]domain.ProvenanceRecord, error) {
	if records := s.recorder.Get(txID); len(records) > 0 {
		return records, nil
	}
	if s.archive == nil {
		return []domain.ProvenanceRecord{}, nil
	}

	records, err := s.archive.ListByTransaction(ctx, txID)
	if err != nil {
		return nil, fmt.Errorf("audit_service: failed to fetch provenance: %w", err)
	}
	if records == nil {
		return []domain.ProvenanceRecord{}, nil
	}
	return records, nil
}
