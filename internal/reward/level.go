package reward

import (
	"math"

	"github.com/classpad/classwork-engine/internal/models"
)

// ExpForLevel returns the experience needed to advance past level n:
// floor(100 * n^1.5).
func ExpForLevel(n int) int {
	if n < 1 {
		return 0
	}
	return int(math.Floor(100 * math.Pow(float64(n), 1.5)))
}

// LevelFromExp walks the level curve: starting at level 1, each level
// consumes ExpForLevel(level) before advancing. The remainder is the
// progress within the current level.
func LevelFromExp(totalExp int) models.LevelProgress {
	if totalExp < 0 {
		totalExp = 0
	}

	level := 1
	remaining := totalExp
	for remaining >= ExpForLevel(level) {
		remaining -= ExpForLevel(level)
		level++
	}

	return models.LevelProgress{
		Level:      level,
		CurrentExp: remaining,
		ExpToNext:  ExpForLevel(level),
	}
}
