package postgres

/*
Файл policy_repo.go отвечает за долговременное хранение документа политик.
Каждая публикация — новая версия; в память шлюза грузится последняя.
Проверка платежей идет только по памяти, БД нужна для Refresh.
*/

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/xela07ax/paygate/internal/domain"
	"github.com/xela07ax/paygate/internal/policy"
)

var ErrNoPolicyDocument = errors.New("postgres: no policy document published")

type PolicyDocument struct {
	Version   int64     `json:"version"`
	Body      string    `json:"body"`
	Author    string    `json:"author"`
	CreatedAt time.Time `json:"created_at"`
}

type PolicyRepo struct {
	pool *pgxpool.Pool
}

func NewPolicyRepo(pool *pgxpool.Pool) *PolicyRepo {
	return &PolicyRepo{pool: pool}
}

// Latest возвращает последнюю опубликованную версию
func (r *PolicyRepo) Latest(ctx context.Context) (*PolicyDocument, error) {
	query := `
		SELECT version, body, author, created_at
		FROM policy_documents
		ORDER BY version DESC
		LIMIT 1`

	var d PolicyDocument
	err := r.pool.QueryRow(ctx, query).Scan(&d.Version, &d.Body, &d.Author, &d.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNoPolicyDocument
		}
		return nil, fmt.Errorf("postgres: load policy document: %w", err)
	}
	return &d, nil
}

// Publish сохраняет новую версию. Документ валидируется до записи:
// битая версия никогда не станет последней.
func (r *PolicyRepo) Publish(ctx context.Context, body, author string) (int64, error) {
	if _, err := policy.ParseDocument([]byte(body)); err != nil {
		return 0, err
	}

	query := `
		INSERT INTO policy_documents (body, author)
		VALUES ($1, $2)
		RETURNING version`

	var version int64
	if err := r.pool.QueryRow(ctx, query, body, author).Scan(&version); err != nil {
		return 0, fmt.Errorf("postgres: publish policy document: %w", err)
	}
	return version, nil
}

// LoadPolicies реализует policy.Source
func (r *PolicyRepo) LoadPolicies(ctx context.Context) ([]*domain.Policy, error) {
	d, err := r.Latest(ctx)
	if err != nil {
		return nil, err
	}
	return policy.ParseDocument([]byte(d.Body))
}
