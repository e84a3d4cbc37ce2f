package facilitator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"syscall"
	"time"

	"github.com/xela07ax/paygate/internal/breaker"
)

// ThrottleError — facilitator попросил подождать (429 + Retry-After)
type ThrottleError struct {
	RetryAfter time.Duration
	Cause      error
}

func (e *ThrottleError) Error() string {
	return fmt.Sprintf("throttled: retry after %v (cause: %v)", e.RetryAfter, e.Cause)
}

func (e *ThrottleError) Unwrap() error { return e.Cause }

// StatusError — ответ facilitator с не-2xx статусом
type StatusError struct {
	Op         string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("facilitator %s: status %d: %s", e.Op, e.StatusCode, e.Body)
}

// RejectedError — facilitator ответил штатно, но отказал в расчете (success=false)
type RejectedError struct {
	Op     string
	Reason string
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("facilitator %s rejected: %s", e.Op, e.Reason)
}

// Class — результат классификации сбоя. Шлюз сам не повторяет,
// решение о повторе за вызывающим.
type Class struct {
	Retryable bool   `json:"retryable"`
	Kind      string `json:"kind"`
}

var nonRetryableReasons = []string{"insufficient", "invalid", "unauthorized", "forbidden", "expired", "signature"}

var retryableSignals = []string{"timeout", "timed out", "econnreset", "connection reset", "connection refused", "503", "502", "429", "temporarily"}

// Classify делит сбои на сетевые (можно повторить позже) и бизнес/валидационные (нельзя)
func Classify(err error) Class {
	if err == nil {
		return Class{Kind: "none"}
	}

	var (
		openErr     *breaker.OpenError
		throttleErr *ThrottleError
		statusErr   *StatusError
		rejectedErr *RejectedError
		netErr      net.Error
	)

	switch {
	case errors.As(err, &openErr):
		return Class{Retryable: true, Kind: "circuit_open"}
	case errors.As(err, &throttleErr):
		return Class{Retryable: true, Kind: "throttled"}
	case errors.As(err, &statusErr):
		return classifyStatus(statusErr.StatusCode)
	case errors.As(err, &rejectedErr):
		return classifyReason(rejectedErr.Reason)
	case errors.Is(err, context.DeadlineExceeded):
		return Class{Retryable: true, Kind: "timeout"}
	case errors.Is(err, context.Canceled):
		return Class{Kind: "canceled"}
	case errors.As(err, &netErr) && netErr.Timeout():
		return Class{Retryable: true, Kind: "timeout"}
	case errors.Is(err, syscall.ECONNRESET), errors.Is(err, syscall.ECONNREFUSED),
		errors.Is(err, io.ErrUnexpectedEOF), errors.Is(err, io.EOF):
		return Class{Retryable: true, Kind: "network"}
	}

	// Последний рубеж: сигнал в тексте ошибки
	msg := strings.ToLower(err.Error())
	for _, s := range retryableSignals {
		if strings.Contains(msg, s) {
			return Class{Retryable: true, Kind: "network"}
		}
	}
	return Class{Kind: "unknown"}
}

// IsRetryable — сокращение для Classify(err).Retryable
func IsRetryable(err error) bool {
	return Classify(err).Retryable
}

// IsEndpointFailure решает, считать ли ошибку отказом endpoint для предохранителя.
// Отказы по валидации и авторизации — ошибка запроса, а не endpoint.
func IsEndpointFailure(err error) bool {
	if errors.Is(err, context.Canceled) {
		return false
	}
	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		return statusErr.StatusCode >= http.StatusInternalServerError || statusErr.StatusCode == http.StatusTooManyRequests
	}
	var rejectedErr *RejectedError
	return !errors.As(err, &rejectedErr)
}

func classifyStatus(code int) Class {
	switch code {
	case http.StatusRequestTimeout, http.StatusGatewayTimeout:
		return Class{Retryable: true, Kind: "timeout"}
	case http.StatusTooManyRequests:
		return Class{Retryable: true, Kind: "throttled"}
	case http.StatusBadGateway, http.StatusServiceUnavailable:
		return Class{Retryable: true, Kind: "unavailable"}
	case http.StatusUnauthorized, http.StatusForbidden:
		return Class{Kind: "auth"}
	case http.StatusBadRequest, http.StatusUnprocessableEntity, http.StatusPaymentRequired:
		return Class{Kind: "validation"}
	}
	return Class{Kind: fmt.Sprintf("status_%d", code)}
}

func classifyReason(reason string) Class {
	r := strings.ToLower(reason)
	for _, s := range nonRetryableReasons {
		if strings.Contains(r, s) {
			return Class{Kind: "rejected"}
		}
	}
	for _, s := range retryableSignals {
		if strings.Contains(r, s) {
			return Class{Retryable: true, Kind: "network"}
		}
	}
	return Class{Kind: "rejected"}
}
