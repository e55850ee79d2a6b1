package markethours

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hyunwoolee/kis-trend-atr/internal/models"
)

// 2025-03-10 is a Monday.
func kst(hh, mm int) time.Time {
	return time.Date(2025, 3, 10, hh, mm, 0, 0, models.KST)
}

func TestStatusPhases(t *testing.T) {
	svc := NewService(nil, true)

	tests := []struct {
		at   time.Time
		want Status
	}{
		{kst(8, 29), StatusClosed},
		{kst(8, 30), StatusPreOpen},
		{kst(8, 59), StatusPreOpen},
		{kst(9, 0), StatusOpen},
		{kst(12, 30), StatusOpen},
		{kst(15, 19), StatusOpen},
		{kst(15, 20), StatusCloseAuction},
		{kst(15, 29), StatusCloseAuction},
		{kst(15, 30), StatusClosed},
		{kst(23, 0), StatusClosed},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, svc.Status(tt.at), "at %s", tt.at.Format("15:04"))
	}
}

func TestStatusWeekendAndHoliday(t *testing.T) {
	cal, err := NewHolidaySet([]string{"2025-03-12"})
	require.NoError(t, err)
	svc := NewService(cal, true)

	saturday := time.Date(2025, 3, 8, 10, 0, 0, 0, models.KST)
	assert.Equal(t, StatusClosed, svc.Status(saturday))

	holiday := time.Date(2025, 3, 12, 10, 0, 0, 0, models.KST)
	assert.Equal(t, StatusClosed, svc.Status(holiday))
}

func TestNewHolidaySetRejectsBadDate(t *testing.T) {
	_, err := NewHolidaySet([]string{"03/12/2025"})
	assert.Error(t, err)
}

func TestTradeable(t *testing.T) {
	svc := NewService(nil, true)

	ok, _ := svc.Tradeable(kst(10, 0), false)
	assert.True(t, ok)

	ok, reason := svc.Tradeable(kst(15, 25), false)
	assert.False(t, ok)
	assert.Contains(t, reason, "close auction")

	// emergency exits may attempt during the close auction
	ok, _ = svc.Tradeable(kst(15, 25), true)
	assert.True(t, ok)

	// but emergency does not unlock a fully closed market
	ok, _ = svc.Tradeable(kst(16, 0), true)
	assert.False(t, ok)

	ok, _ = svc.Tradeable(kst(8, 45), true)
	assert.False(t, ok, "pre-open auction never tradeable")
}

func TestTradeableUnenforced(t *testing.T) {
	svc := NewService(nil, false)
	ok, _ := svc.Tradeable(kst(3, 0), false)
	assert.True(t, ok)
}

func TestNextOpen(t *testing.T) {
	cal, err := NewHolidaySet([]string{"2025-03-11"})
	require.NoError(t, err)
	svc := NewService(cal, true)

	// market open: zero
	assert.Equal(t, time.Duration(0), svc.NextOpen(kst(10, 0)))

	// same-day pre-open
	assert.Equal(t, 30*time.Minute, svc.NextOpen(kst(8, 30)))

	// after close Monday, Tuesday is a holiday, so next open is Wednesday 09:00
	got := svc.NextOpen(kst(16, 0))
	assert.Equal(t, 41*time.Hour, got)

	// Friday evening rolls to Monday
	friday := time.Date(2025, 3, 14, 16, 0, 0, 0, models.KST)
	assert.Equal(t, 65*time.Hour, svc.NextOpen(friday))
}
