package breaker

import (
	"errors"
	"fmt"
	"time"
)

// ErrCircuitOpen — быстрый отказ: endpoint известен как неисправный.
// Это не ошибка самого endpoint, повторить можно после RetryAfter.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// OpenError несет оставшееся время охлаждения
type OpenError struct {
	Key        string
	State      State
	RetryAfter time.Duration
}

func (e *OpenError) Error() string {
	return fmt.Sprintf("circuit breaker %q is %s, retry after %s", e.Key, e.State, e.RetryAfter.Round(time.Millisecond))
}

func (e *OpenError) Is(target error) bool {
	return target == ErrCircuitOpen
}
