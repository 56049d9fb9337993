package worker

import (
	"fmt"
	"math"
	"time"
)

// levelCount is how many play strengths the move protocol defines.
const levelCount = 8

// Levels maps the play strength of a move request, 1 through 8, onto
// engine parameters. Index i holds the values for level i+1.
type Levels struct {
	Skill    []int
	MoveTime []time.Duration
	Depth    []int
}

// DefaultLevels returns the stock strength tables.
func DefaultLevels() Levels {
	return Levels{
		Skill: []int{0, 3, 6, 10, 14, 16, 18, 20},
		MoveTime: []time.Duration{
			50 * time.Millisecond,
			100 * time.Millisecond,
			150 * time.Millisecond,
			200 * time.Millisecond,
			300 * time.Millisecond,
			400 * time.Millisecond,
			500 * time.Millisecond,
			1000 * time.Millisecond,
		},
		Depth: []int{1, 1, 2, 3, 5, 8, 13, 22},
	}
}

// Validate checks that every table covers all eight levels.
func (l Levels) Validate() error {
	if len(l.Skill) != levelCount {
		return fmt.Errorf("skill table has %d entries, want %d", len(l.Skill), levelCount)
	}
	if len(l.MoveTime) != levelCount {
		return fmt.Errorf("movetime table has %d entries, want %d", len(l.MoveTime), levelCount)
	}
	if len(l.Depth) != levelCount {
		return fmt.Errorf("depth table has %d entries, want %d", len(l.Depth), levelCount)
	}
	return nil
}

// ForLevel returns the engine parameters for a level from 1 to 8.
func (l Levels) ForLevel(level int) (skill int, movetime time.Duration, depth int) {
	i := level - 1
	return l.Skill[i], l.MoveTime[i], l.Depth[i]
}

// scaleMoveTime compensates for imperfect thread scaling, so that an
// engine with more threads does not play disproportionately stronger at
// the same level.
func scaleMoveTime(movetime time.Duration, threads int) time.Duration {
	if threads <= 1 {
		return movetime
	}
	ms := float64(movetime.Milliseconds()) / (float64(threads) * math.Pow(0.9, float64(threads-1)))
	return time.Duration(math.Round(ms)) * time.Millisecond
}
