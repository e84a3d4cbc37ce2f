package service

import (
	"context"
	"crypto/rsa"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/xela07ax/paygate/internal/domain"
	"github.com/xela07ax/paygate/internal/infra/auth"
	"golang.org/x/crypto/bcrypt"
)

var ErrInvalidCredentials = errors.New("invalid credentials")

type AuthProvider interface {
	GetOperatorByUsername(ctx context.Context, username string) (*domain.Operator, error)
}

// StaticOperators — операторы из секции auth.operators конфига
type StaticOperators map[string]domain.Operator

func NewStaticOperators(ops []domain.Operator) StaticOperators {
	s := make(StaticOperators, len(ops))
	for _, op := range ops {
		s[strings.ToLower(op.Username)] = op
	}
	return s
}

func (s StaticOperators) GetOperatorByUsername(_ context.Context, username string) (*domain.Operator, error) {
	op, ok := s[strings.ToLower(username)]
	if !ok {
		return nil, nil
	}
	return &op, nil
}

// AuthService выпускает токены консоли и сам же их проверяет (встроенный BaseValidator)
type AuthService struct {
	*auth.BaseValidator
	repo       AuthProvider
	privateKey *rsa.PrivateKey
	ttl        time.Duration
	issuer     string
	now        func() time.Time
}

func NewAuthService(repo AuthProvider, privateKey *rsa.PrivateKey, ttl time.Duration, issuer string) *AuthService {
	if ttl <= 0 {
		ttl = 12 * time.Hour
	}
	return &AuthService{
		BaseValidator: auth.NewBaseValidator(&privateKey.PublicKey, issuer),
		repo:          repo,
		privateKey:    privateKey,
		ttl:           ttl,
		issuer:        issuer,
		now:           time.Now,
	}
}

func (s *AuthService) GenerateToken(ctx context.Context, username, password string) (*domain.TokenResponse, error) {
	// 1. Аутентификация
	op, err := s.repo.GetOperatorByUsername(ctx, username)
	if err != nil || op == nil {
		return nil, ErrInvalidCredentials
	}

	// 2. Проверка пароля (используем bcrypt)
	if err := bcrypt.CompareHashAndPassword([]byte(op.PasswordHash), []byte(password)); err != nil {
		return nil, ErrInvalidCredentials
	}

	// 3. Формирование Claims (Scopes берем из прав оператора)
	now := s.now()
	expiresAt := now.Add(s.ttl)
	claims := &domain.CustomClaims{
		OperatorID: op.ID,
		Scopes:     op.Scopes, // Напр. map[string]bool{"admin": true}
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    s.issuer,
			Subject:   op.ID,
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			IssuedAt:  jwt.NewNumericDate(now),
		},
	}

	// 4. Подпись токена ЗАКРЫТЫМ КЛЮЧОМ (RS256)
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	signedToken, err := token.SignedString(s.privateKey)
	if err != nil {
		return nil, fmt.Errorf("failed to sign token: %w", err)
	}

	return &domain.TokenResponse{
		AccessToken: signedToken,
		TokenType:   "Bearer",
		ExpiresIn:   int64(s.ttl.Seconds()),
	}, nil
}
