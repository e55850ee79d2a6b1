package broker

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIsPermanent(t *testing.T) {
	assert.True(t, IsPermanent(&APIError{Status: 400}))
	assert.True(t, IsPermanent(&APIError{Status: 403}))
	assert.True(t, IsPermanent(fmt.Errorf("wrapped: %w", &APIError{Status: 404})))
	assert.False(t, IsPermanent(&APIError{Status: 429}), "rate limiting is retryable")
	assert.False(t, IsPermanent(&APIError{Status: 502}))
	assert.False(t, IsPermanent(errors.New("connection reset")))
	assert.False(t, IsPermanent(nil))
}

func TestIsTransient(t *testing.T) {
	assert.True(t, IsTransient(&APIError{Status: 502}))
	assert.True(t, IsTransient(&APIError{Status: 429}))
	assert.True(t, IsTransient(errors.New("dial tcp: connection refused")))
	assert.True(t, IsTransient(errors.New("request timeout exceeded")))
	assert.False(t, IsTransient(&APIError{Status: 400}))
	assert.False(t, IsTransient(errors.New("invalid symbol")))
	assert.False(t, IsTransient(nil))
}

func TestIsMarketUnavailable(t *testing.T) {
	assert.True(t, IsMarketUnavailable(ErrMarketClosed))
	assert.True(t, IsMarketUnavailable(fmt.Errorf("order: %w", ErrMarketClosed)))
	assert.True(t, IsMarketUnavailable(&APIError{Status: 200, Body: "주문가능시간이 아닙니다"}))
	assert.False(t, IsMarketUnavailable(&APIError{Status: 200, Body: "잔고 부족"}))
	assert.False(t, IsMarketUnavailable(errors.New("boom")))
}
