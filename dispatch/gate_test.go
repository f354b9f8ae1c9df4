package dispatch

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestInQuietHours(t *testing.T) {
	tests := []struct {
		name             string
		hour, start, end int
		want             bool
	}{
		{"wrapping window late evening", 23, 22, 9, true},
		{"wrapping window early morning", 3, 22, 9, true},
		{"wrapping window start boundary", 22, 22, 9, true},
		{"wrapping window end boundary", 9, 22, 9, false},
		{"wrapping window daytime", 10, 22, 9, false},
		{"same-day window inside", 13, 12, 14, true},
		{"same-day window end boundary", 14, 12, 14, false},
		{"same-day window before", 11, 12, 14, false},
		{"empty window", 5, 8, 8, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, InQuietHours(tt.hour, tt.start, tt.end))
		})
	}
}

func TestNextAllowed(t *testing.T) {
	brt := time.FixedZone("BRT", -3*3600)

	// 23:30 local rolls over to 09:00 the next day
	now := time.Date(2024, 3, 10, 23, 30, 0, 0, brt)
	assert.True(t, NextAllowed(now, brt, 9).Equal(time.Date(2024, 3, 11, 9, 0, 0, 0, brt)))

	// 03:00 local stays on the same day
	now = time.Date(2024, 3, 11, 3, 0, 0, 0, brt)
	assert.True(t, NextAllowed(now, brt, 9).Equal(time.Date(2024, 3, 11, 9, 0, 0, 0, brt)))

	// input in UTC is interpreted in the customer's zone: 01:00Z is 22:00 BRT
	now = time.Date(2024, 3, 11, 1, 0, 0, 0, time.UTC)
	got := NextAllowed(now, brt, 9)
	assert.True(t, got.Equal(time.Date(2024, 3, 11, 12, 0, 0, 0, time.UTC)), got.String())
}
