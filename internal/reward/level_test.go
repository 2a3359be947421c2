package reward

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExpForLevel(t *testing.T) {
	tests := []struct {
		level int
		want  int
	}{
		{1, 100},
		{2, 282},
		{3, 519},
		{4, 800},
		{5, 1118},
		{10, 3162},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, ExpForLevel(tt.level), "level %d", tt.level)
	}

	assert.Equal(t, 0, ExpForLevel(0))
	assert.Equal(t, 0, ExpForLevel(-3))
}

func TestExpForLevelMonotonic(t *testing.T) {
	prev := 0
	for n := 1; n <= 50; n++ {
		cost := ExpForLevel(n)
		require.Greater(t, cost, prev, "curve must strictly increase at level %d", n)
		prev = cost
	}
}

func TestLevelFromExp(t *testing.T) {
	tests := []struct {
		name        string
		total       int
		wantLevel   int
		wantCurrent int
		wantToNext  int
	}{
		{"zero", 0, 1, 0, 100},
		{"just below first threshold", 99, 1, 99, 100},
		{"exactly first threshold", 100, 2, 0, 282},
		{"mid second level", 250, 2, 150, 282},
		{"two levels consumed", 383, 3, 1, 519},
		{"negative clamps to zero", -10, 1, 0, 100},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := LevelFromExp(tt.total)
			assert.Equal(t, tt.wantLevel, p.Level)
			assert.Equal(t, tt.wantCurrent, p.CurrentExp)
			assert.Equal(t, tt.wantToNext, p.ExpToNext)
		})
	}
}

func TestLevelFromExpNeverDecreases(t *testing.T) {
	prevLevel := 0
	for exp := 0; exp <= 5000; exp += 50 {
		p := LevelFromExp(exp)
		require.GreaterOrEqual(t, p.Level, prevLevel, "level dropped at exp=%d", exp)
		prevLevel = p.Level
	}
}
