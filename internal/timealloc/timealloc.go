// Package timealloc turns clock state and position complexity into a per-move budget.
package timealloc

import "math"

const (
	// DefaultMovesToGo is assumed when the time control does not say how many moves remain.
	DefaultMovesToGo = 30

	reserveFraction   = 0.95
	incrementFraction = 0.8
	panicThresholdMs  = 1000
	panicFraction     = 0.5
)

// Request holds the inputs for one allocation. Negative times are treated as zero.
type Request struct {
	TimeLeftMs  int64
	IncrementMs int64
	MovesToGo   int
	Complexity  int
}

// Tier returns the budget multiplier for a complexity score.
func Tier(complexity int) float64 {
	switch {
	case complexity >= 40:
		return 2.0
	case complexity >= 30:
		return 1.5
	case complexity >= 20:
		return 1.2
	default:
		return 1.0
	}
}

// Allocate returns the milliseconds to spend on the current move. Always at least 1.
func Allocate(req Request) int64 {
	timeLeft := float64(max(req.TimeLeftMs, 0))
	inc := float64(max(req.IncrementMs, 0))

	// 5%는 어떤 경우에도 남겨둔다
	remaining := timeLeft * reserveFraction
	budget := remaining / float64(max(req.MovesToGo, 1))
	budget += inc * incrementFraction
	budget *= Tier(req.Complexity)

	if budget > remaining {
		budget = remaining
	}
	if req.TimeLeftMs < panicThresholdMs {
		budget = math.Min(budget, timeLeft*panicFraction)
	}
	return max(int64(math.Round(budget)), 1)
}
