package postgres

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xela07ax/paygate/internal/domain"
)

func TestBuildProvenanceInsert(t *testing.T) {
	now := time.Now().UTC()
	recs := []domain.ProvenanceRecord{
		{ID: "1", TransactionID: "tx", TraceID: "tr", Stage: domain.StageIntent, Outcome: domain.OutcomePass, Timestamp: now},
		{ID: "2", TransactionID: "tx", Stage: domain.StagePolicyCheck, Outcome: domain.OutcomeFail, Metadata: map[string]any{"reason": "deny"}, Timestamp: now},
	}

	query, args, err := buildProvenanceInsert(recs)
	require.NoError(t, err)

	assert.Contains(t, query, "INSERT INTO provenance_records")
	assert.Contains(t, query, "($1, $2, $3, $4, $5, $6, $7), ($8, $9, $10, $11, $12, $13, $14)")
	assert.Contains(t, query, "ON CONFLICT (id) DO NOTHING")
	require.Len(t, args, 14)
	assert.Equal(t, "policy_check", args[10])
	assert.Equal(t, []byte(`{"reason":"deny"}`), args[12])
}

func TestBuildProvenanceInsert_Empty(t *testing.T) {
	query, args, err := buildProvenanceInsert(nil)
	require.NoError(t, err)
	assert.Empty(t, query)
	assert.Nil(t, args)
}

func TestBuildProvenanceInsert_BadMetadata(t *testing.T) {
	_, _, err := buildProvenanceInsert([]domain.ProvenanceRecord{{ID: "1", Metadata: map[string]any{"ch": make(chan int)}}})
	assert.Error(t, err)
}
