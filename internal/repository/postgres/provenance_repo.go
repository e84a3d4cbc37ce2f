package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/xela07ax/paygate/internal/domain"
)

// provenanceFields — число колонок в provenance_records
const provenanceFields = 7

// ProvenanceRepo пишет аудит пачками одним INSERT
type ProvenanceRepo struct {
	pool *pgxpool.Pool
}

func NewProvenanceRepo(pool *pgxpool.Pool) *ProvenanceRepo {
	return &ProvenanceRepo{pool: pool}
}

func (r *ProvenanceRepo) WriteBatch(ctx context.Context, records []domain.ProvenanceRecord) error {
	query, args, err := buildProvenanceInsert(records)
	if err != nil || query == "" {
		return err
	}

	if _, err := r.pool.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("postgres: write provenance batch: %w", err)
	}
	return nil
}

// ListByTransaction читает журнал транзакции из БД (после рестарта процесса)
func (r *ProvenanceRepo) ListByTransaction(ctx context.Context, txID string) ([]domain.ProvenanceRecord, error) {
	query := `
		SELECT id, transaction_id, trace_id, stage, outcome, metadata, recorded_at
		FROM provenance_records
		WHERE transaction_id = $1
		ORDER BY recorded_at, id`

	rows, err := r.pool.Query(ctx, query, txID)
	if err != nil {
		return nil, fmt.Errorf("postgres: list provenance: %w", err)
	}
	defer rows.Close()

	var out []domain.ProvenanceRecord
	for rows.Next() {
		var (
			rec  domain.ProvenanceRecord
			meta []byte
		)
		if err := rows.Scan(&rec.ID, &rec.TransactionID, &rec.TraceID, &rec.Stage, &rec.Outcome, &meta, &rec.Timestamp); err != nil {
			return nil, err
		}
		if len(meta) > 0 {
			if err := json.Unmarshal(meta, &rec.Metadata); err != nil {
				return nil, fmt.Errorf("postgres: decode provenance metadata: %w", err)
			}
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// buildProvenanceInsert динамически строит запрос для пакетной вставки
func buildProvenanceInsert(records []domain.ProvenanceRecord) (string, []any, error) {
	if len(records) == 0 {
		return "", nil, nil
	}

	var sb strings.Builder
	args := make([]any, 0, len(records)*provenanceFields)

	for i, rec := range records {
		meta, err := json.Marshal(rec.Metadata)
		if err != nil {
			return "", nil, fmt.Errorf("postgres: encode provenance metadata: %w", err)
		}

		p := i * provenanceFields
		if i > 0 {
			sb.WriteString(", ")
		}
		fmt.Fprintf(&sb, "($%d, $%d, $%d, $%d, $%d, $%d, $%d)", p+1, p+2, p+3, p+4, p+5, p+6, p+7)

		args = append(args,
			rec.ID, rec.TransactionID, rec.TraceID, string(rec.Stage), string(rec.Outcome), meta, rec.Timestamp,
		)
	}

	query := "INSERT INTO provenance_records (id, transaction_id, trace_id, stage, outcome, metadata, recorded_at) VALUES " +
		sb.String() + " ON CONFLICT (id) DO NOTHING"
	return query, args, nil
}
