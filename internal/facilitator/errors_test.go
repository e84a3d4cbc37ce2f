package facilitator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/xela07ax/paygate/internal/breaker"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		retryable bool
		kind      string
	}{
		{"nil", nil, false, "none"},
		{"circuit open", &breaker.OpenError{Key: "f", State: breaker.StateOpen, RetryAfter: time.Second}, true, "circuit_open"},
		{"wrapped circuit open", fmt.Errorf("settle: %w", &breaker.OpenError{Key: "f"}), true, "circuit_open"},
		{"throttle", &ThrottleError{RetryAfter: time.Second}, true, "throttled"},
		{"503", &StatusError{StatusCode: 503}, true, "unavailable"},
		{"502", &StatusError{StatusCode: 502}, true, "unavailable"},
		{"504", &StatusError{StatusCode: 504}, true, "timeout"},
		{"408", &StatusError{StatusCode: 408}, true, "timeout"},
		{"401", &StatusError{StatusCode: 401}, false, "auth"},
		{"400", &StatusError{StatusCode: 400}, false, "validation"},
		{"402", &StatusError{StatusCode: 402}, false, "validation"},
		{"500", &StatusError{StatusCode: 500}, false, "status_500"},
		{"insufficient funds", &RejectedError{Op: "settle", Reason: "insufficient_funds"}, false, "rejected"},
		{"invalid signature", &RejectedError{Op: "settle", Reason: "invalid_exact_evm_payload_signature"}, false, "rejected"},
		{"rejected with network reason", &RejectedError{Op: "settle", Reason: "rpc timeout"}, true, "network"},
		{"deadline", fmt.Errorf("call: %w", context.DeadlineExceeded), true, "timeout"},
		{"canceled", context.Canceled, false, "canceled"},
		{"econnreset", fmt.Errorf("read: %w", syscall.ECONNRESET), true, "network"},
		{"econnrefused", syscall.ECONNREFUSED, true, "network"},
		{"unexpected eof", io.ErrUnexpectedEOF, true, "network"},
		{"text signal", errors.New("upstream temporarily unavailable"), true, "network"},
		{"business", errors.New("unsupported scheme"), false, "unknown"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := Classify(tt.err)
			assert.Equal(t, tt.retryable, c.Retryable)
			assert.Equal(t, tt.kind, c.Kind)
			assert.Equal(t, tt.retryable, IsRetryable(tt.err))
		})
	}
}

func TestIsEndpointFailure(t *testing.T) {
	assert.True(t, IsEndpointFailure(errors.New("dial tcp: connection refused")))
	assert.True(t, IsEndpointFailure(&StatusError{StatusCode: 500}))
	assert.True(t, IsEndpointFailure(&ThrottleError{Cause: &StatusError{StatusCode: 429}}))
	assert.False(t, IsEndpointFailure(&StatusError{StatusCode: 400}))
	assert.False(t, IsEndpointFailure(&RejectedError{Reason: "insufficient_funds"}))
	assert.False(t, IsEndpointFailure(context.Canceled))
}
