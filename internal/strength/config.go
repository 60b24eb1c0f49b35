package strength

import (
	"errors"
	"fmt"
)

var ErrInvalidManual = errors.New("invalid manual tuning")

// TuningConfig is either Auto or Manual.
type TuningConfig interface {
	tuning()
	TuningMode() Mode
}

// Auto derives everything from an Elo-like value.
type Auto struct {
	EloLike int
	Mode    Mode
}

// Manual applies user overrides verbatim.
type Manual struct {
	Depth      int
	MoveTimeMs int64
	MultiPV    int
	Mode       Mode
}

func (Auto) tuning()   {}
func (Manual) tuning() {}

func (a Auto) TuningMode() Mode   { return orPlay(a.Mode) }
func (m Manual) TuningMode() Mode { return orPlay(m.Mode) }

func orPlay(m Mode) Mode {
	if m == "" {
		return ModePlay
	}
	return m
}

// Settings is the flat, user-facing form of a TuningConfig.
type Settings struct {
	Mode     Mode  `json:"mode" yaml:"mode"`
	Auto     bool  `json:"auto" yaml:"auto"`
	EloLike  int   `json:"elo" yaml:"elo"`
	Depth    int   `json:"depth,omitempty" yaml:"depth"`
	MoveTime int64 `json:"movetime,omitempty" yaml:"movetime"`
	MultiPV  int   `json:"multipv,omitempty" yaml:"multipv"`
}

// Config converts s into a TuningConfig. Manual overrides are validated here.
func (s Settings) Config() (TuningConfig, error) {
	mode, err := ParseMode(string(s.Mode))
	if err != nil {
		return nil, err
	}
	if s.Auto {
		return Auto{EloLike: s.EloLike, Mode: mode}, nil
	}
	m := Manual{Depth: s.Depth, MoveTimeMs: s.MoveTime, MultiPV: s.MultiPV, Mode: mode}
	if err := m.validate(); err != nil {
		return nil, err
	}
	return m, nil
}

// SettingsOf is the inverse of Settings.Config.
func SettingsOf(cfg TuningConfig) Settings {
	switch c := cfg.(type) {
	case Auto:
		return Settings{Mode: c.TuningMode(), Auto: true, EloLike: c.EloLike}
	case Manual:
		return Settings{Mode: c.TuningMode(), Depth: c.Depth, MoveTime: c.MoveTimeMs, MultiPV: c.MultiPV}
	}
	return Settings{}
}

func (m Manual) validate() error {
	if m.Depth <= 0 {
		return fmt.Errorf("%w: depth must be > 0", ErrInvalidManual)
	}
	if m.MoveTimeMs <= 0 {
		return fmt.Errorf("%w: movetime must be > 0", ErrInvalidManual)
	}
	if m.MultiPV <= 0 {
		return fmt.Errorf("%w: multipv must be > 0", ErrInvalidManual)
	}
	return nil
}

// Resolve turns a TuningConfig into parameters. Manual values bypass the formula.
func Resolve(cfg TuningConfig) (Parameters, error) {
	switch c := cfg.(type) {
	case Auto:
		return MapStrength(c.EloLike, c.TuningMode()), nil
	case Manual:
		if err := c.validate(); err != nil {
			return Parameters{}, err
		}
		return Parameters{
			EloLike:       MaxElo,
			Depth:         c.Depth,
			MoveTimeMs:    c.MoveTimeMs,
			MultiPV:       c.MultiPV,
			LimitStrength: false,
			SkillLevel:    MaxSkillLevel,
		}, nil
	case nil:
		return Parameters{}, fmt.Errorf("%w: no tuning config", ErrInvalidParameters)
	}
	return Parameters{}, fmt.Errorf("%w: unsupported tuning config %T", ErrInvalidParameters, cfg)
}
