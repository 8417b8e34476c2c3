package game

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestScore(t *testing.T) {
	tests := []struct {
		name       string
		prediction int64
		actual     int64
		want       int
	}{
		{"exact", 2500, 2500, 100},
		{"off by one", 2500, 2501, 75},
		{"off by ten", 2500, 2510, 75},
		{"off by eleven", 2500, 2511, 50},
		{"off by 25", 2500, 2525, 50},
		{"off by 26", 2500, 2526, 25},
		{"off by 50", 2500, 2550, 25},
		{"off by 51", 2500, 2551, 10},
		{"off by 100", 2500, 2600, 10},
		{"off by 101", 2500, 2601, 0},
		{"under", 2500, 2490, 75},
		{"negative prediction", -5, 5, 75},
		{"zero", 0, 0, 100},
		{"extremes", math.MinInt64, math.MaxInt64, 0},
		{"extremes equal", math.MaxInt64, math.MaxInt64, 100},
		{"near min", math.MinInt64, math.MinInt64 + 100, 10},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Score(tt.prediction, tt.actual))
			assert.Equal(t, tt.want, Score(tt.actual, tt.prediction), "score must be symmetric")
		})
	}
}

func TestIsCorrect(t *testing.T) {
	assert.True(t, IsCorrect(2500, 2500))
	assert.False(t, IsCorrect(2500, 2501))
	assert.False(t, IsCorrect(0, -1))
}

func TestDifference(t *testing.T) {
	assert.Equal(t, uint64(0), difference(7, 7))
	assert.Equal(t, uint64(10), difference(-5, 5))
	assert.Equal(t, uint64(math.MaxUint64), difference(math.MinInt64, math.MaxInt64))
}
