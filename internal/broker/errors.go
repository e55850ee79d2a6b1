package broker

import (
	"errors"
	"fmt"
	"strings"
)

// APIError represents a broker API error with HTTP status, KIS return code
// and message. A non-"0" rt_cd on a 200 response is still an APIError.
type APIError struct {
	Status int    // HTTP status
	Code   string // KIS msg_cd / rt_cd
	Body   string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("API error %d (%s): %s", e.Status, e.Code, e.Body)
	}
	return fmt.Sprintf("API error %d: %s", e.Status, e.Body)
}

// ErrMarketClosed is returned when the exchange rejects an order because the
// session is closed. The executor converts this into a PendingExit.
var ErrMarketClosed = errors.New("market closed")

// ErrTokenExpired is returned when the cached access token was rejected.
var ErrTokenExpired = errors.New("access token expired")

// ErrOrderNotFound is returned when an order number cannot be located in the
// daily execution inquiry.
var ErrOrderNotFound = errors.New("order not found")

// IsPermanent reports whether err is a 4xx API error that retrying cannot
// fix. 429 is excluded: the rate limiter backs off and retries those.
func IsPermanent(err error) bool {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Status >= 400 && apiErr.Status < 500 && apiErr.Status != 429
	}
	return false
}

// IsTransient reports whether err looks like a transport-level failure worth
// retrying with backoff.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if IsPermanent(err) {
		return false
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Status == 429 || apiErr.Status >= 500
	}

	errStr := strings.ToLower(err.Error())
	transientPatterns := []string{
		"timeout",
		"connection refused",
		"connection reset",
		"temporary failure",
		"server error",
		"rate limit",
		"network",
		"dns",
		"tcp",
		"eof",
	}
	for _, pattern := range transientPatterns {
		if strings.Contains(errStr, pattern) {
			return true
		}
	}
	return false
}

// IsMarketUnavailable reports whether err means the order could not trade
// because the market is closed, as opposed to being rejected on merit.
func IsMarketUnavailable(err error) bool {
	if errors.Is(err, ErrMarketClosed) {
		return true
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		body := strings.ToLower(apiErr.Body)
		return strings.Contains(body, "장종료") || strings.Contains(body, "장운영") ||
			strings.Contains(body, "주문가능시간") || strings.Contains(body, "market closed")
	}
	return false
}
