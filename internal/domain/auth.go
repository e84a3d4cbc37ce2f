package domain

import (
	"github.com/golang-jwt/jwt/v5"
)

// Скоупы консоли
const (
	ScopeAdmin    = "admin"    // управление политиками, breaker-ами и kill-switch
	ScopeReadOnly = "readonly" // просмотр ledger, аудита и алертов
)

type CustomClaims struct {
	OperatorID string          `json:"operator_id"`
	Scopes     map[string]bool `json:"scopes"`
	jwt.RegisteredClaims
}

// HasScope — admin подразумевает любой скоуп
func (c *CustomClaims) HasScope(scope string) bool {
	return c.Scopes[ScopeAdmin] || c.Scopes[scope]
}

type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type TokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"` // Всегда "Bearer"
	ExpiresIn   int64  `json:"expires_in"`
}

// Operator — человек, управляющий контуром (описывается в конфиге)
type Operator struct {
	ID           string          `mapstructure:"id" json:"id"`
	Username     string          `mapstructure:"username" json:"username"`
	PasswordHash string          `mapstructure:"password_hash" json:"-"` // bcrypt, никогда не отдаем наружу
	Scopes       map[string]bool `mapstructure:"scopes" json:"scopes"`
}
