// Package strength maps a difficulty control onto concrete search parameters.
package strength

import (
	"errors"
	"fmt"
	"math"
	"strings"
)

type Mode string

const (
	ModePlay     Mode = "play"
	ModeAnalysis Mode = "analysis"
)

const (
	MinElo        = 800
	MaxElo        = 3000
	MinDepth      = 4
	MaxDepth      = 22
	MaxMoveTimeMs = 3000
	MaxSkillLevel = 20

	analysisDepthBonus = 2
	analysisTimeFactor = 1.6
	analysisMultiPV    = 3
)

var ErrInvalidParameters = errors.New("invalid search parameters")

// ParseMode accepts "play" and "analysis"; empty means play.
func ParseMode(raw string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "", "play":
		return ModePlay, nil
	case "analysis", "analyze":
		return ModeAnalysis, nil
	}
	return "", fmt.Errorf("unknown strength mode: %s", raw)
}

// Parameters are the search settings pushed to the worker.
type Parameters struct {
	EloLike       int   `json:"elo"`
	Depth         int   `json:"depth"`
	MoveTimeMs    int64 `json:"movetime"`
	MultiPV       int   `json:"multipv"`
	LimitStrength bool  `json:"limitStrength"`
	SkillLevel    int   `json:"skill"`
}

// MapStrength derives parameters from an Elo-like value. Values outside
// [MinElo, MaxElo] are clamped.
func MapStrength(eloLike int, mode Mode) Parameters {
	elo := min(max(eloLike, MinElo), MaxElo)
	span := float64(elo - MinElo)

	skill := int(math.Round(span / 110))

	depth := int(math.Round(6 + span*12/2200))
	if mode == ModeAnalysis {
		depth += analysisDepthBonus
	}
	depth = min(max(depth, MinDepth), MaxDepth)

	moveTime := math.Round(150 + span*850/2200)
	if mode == ModeAnalysis {
		moveTime = math.Round(moveTime * analysisTimeFactor)
	}
	moveTime = math.Min(moveTime, MaxMoveTimeMs)

	multiPV := 1
	if mode == ModeAnalysis {
		multiPV = analysisMultiPV
	}

	return Parameters{
		EloLike:       elo,
		Depth:         depth,
		MoveTimeMs:    int64(moveTime),
		MultiPV:       multiPV,
		LimitStrength: elo < MaxElo,
		SkillLevel:    skill,
	}
}

func (p Parameters) Validate() error {
	if p.Depth <= 0 {
		return fmt.Errorf("%w: depth must be > 0: %d", ErrInvalidParameters, p.Depth)
	}
	if p.MoveTimeMs <= 0 {
		return fmt.Errorf("%w: movetime must be > 0: %d", ErrInvalidParameters, p.MoveTimeMs)
	}
	if p.MultiPV <= 0 {
		return fmt.Errorf("%w: multipv must be > 0: %d", ErrInvalidParameters, p.MultiPV)
	}
	if p.SkillLevel < 0 || p.SkillLevel > MaxSkillLevel {
		return fmt.Errorf("%w: skill level %d out of range 0-20", ErrInvalidParameters, p.SkillLevel)
	}
	return nil
}
