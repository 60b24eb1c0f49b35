package strength

import (
	"fmt"
	"strconv"
	"sync"

	"go.uber.org/zap"

	"github.com/park285/chess-tempo/internal/obslog"
)

const (
	// Stockfish rejects UCI_Elo outside this range; weaker play comes from Skill Level.
	engineMinElo = 1320
	engineMaxElo = 3190

	changeBuffer = 16
)

// OptionSetter is the narrow surface the tuner pushes parameters through.
type OptionSetter interface {
	SetOption(name, value string) error
	SetDepth(depth int) error
	SetMoveTime(ms int64) error
	SetMultiPV(n int) error
}

// Change is broadcast whenever parameters are (re)applied.
type Change struct {
	Mode     Mode  `json:"mode"`
	Auto     bool  `json:"auto"`
	Elo      int   `json:"elo"`
	Depth    int   `json:"depth"`
	MoveTime int64 `json:"movetime"`
	MultiPV  int   `json:"multipv"`
}

// Tuner arbitrates automatic and manual control and pushes the result to an OptionSetter.
type Tuner struct {
	setter OptionSetter
	logger *zap.Logger

	mu        sync.Mutex
	cfg       TuningConfig
	effective Parameters
	changes   chan Change
}

type TunerOption func(*Tuner)

func WithTunerLogger(l *zap.Logger) TunerOption {
	return func(t *Tuner) { t.logger = obslog.OrNop(l) }
}

func NewTuner(setter OptionSetter, opts ...TunerOption) *Tuner {
	t := &Tuner{
		setter:  setter,
		logger:  obslog.Named("strength"),
		changes: make(chan Change, changeBuffer),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Changes delivers change events in order. A slow reader loses the oldest events.
func (t *Tuner) Changes() <-chan Change { return t.changes }

// Retune applies cfg. Auto overwrites the exposed controls with MapStrength;
// Manual pushes its values verbatim.
func (t *Tuner) Retune(cfg TuningConfig) (Parameters, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.applyLocked(cfg)
}

// SetManual edits manual overrides. Zero fields keep their current value, so a
// single control can change on its own. While Auto is engaged the edit is
// ignored and SetManual reports false.
func (t *Tuner) SetManual(m Manual) (bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, auto := t.cfg.(Auto); auto {
		t.logger.Debug("strength_manual_ignored", zap.Int("depth", m.Depth))
		return false, nil
	}
	merged, _ := t.cfg.(Manual)
	if m.Depth != 0 {
		merged.Depth = m.Depth
	}
	if m.MoveTimeMs != 0 {
		merged.MoveTimeMs = m.MoveTimeMs
	}
	if m.MultiPV != 0 {
		merged.MultiPV = m.MultiPV
	}
	if m.Mode != "" {
		merged.Mode = m.Mode
	}
	if _, err := t.applyLocked(merged); err != nil {
		return false, err
	}
	return true, nil
}

// Config returns the active configuration, nil before the first Retune.
func (t *Tuner) Config() TuningConfig {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.cfg
}

func (t *Tuner) Effective() Parameters {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.effective
}

// Current returns the effective state in change-event form.
func (t *Tuner) Current() Change {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.changeLocked()
}

func (t *Tuner) applyLocked(cfg TuningConfig) (Parameters, error) {
	params, err := Resolve(cfg)
	if err != nil {
		return Parameters{}, err
	}
	if err := push(t.setter, params); err != nil {
		return Parameters{}, fmt.Errorf("apply tuning: %w", err)
	}
	t.cfg = cfg
	t.effective = params
	ch := t.changeLocked()
	t.logger.Info("strength_retuned",
		zap.String("mode", string(ch.Mode)),
		zap.Bool("auto", ch.Auto),
		zap.Int("elo", ch.Elo),
		zap.Int("depth", ch.Depth),
		zap.Int64("movetime", ch.MoveTime),
		zap.Int("multipv", ch.MultiPV))
	t.publish(ch)
	return params, nil
}

func (t *Tuner) changeLocked() Change {
	if t.cfg == nil {
		return Change{}
	}
	_, auto := t.cfg.(Auto)
	return Change{
		Mode:     t.cfg.TuningMode(),
		Auto:     auto,
		Elo:      t.effective.EloLike,
		Depth:    t.effective.Depth,
		MoveTime: t.effective.MoveTimeMs,
		MultiPV:  t.effective.MultiPV,
	}
}

func (t *Tuner) publish(ch Change) {
	select {
	case t.changes <- ch:
		return
	default:
	}
	select {
	case <-t.changes:
	default:
	}
	select {
	case t.changes <- ch:
	default:
	}
}

func push(setter OptionSetter, p Parameters) error {
	if setter == nil {
		return nil
	}
	if err := setter.SetOption("UCI_LimitStrength", strconv.FormatBool(p.LimitStrength)); err != nil {
		return err
	}
	if p.LimitStrength {
		if err := setter.SetOption("UCI_Elo", strconv.Itoa(EngineElo(p.EloLike))); err != nil {
			return err
		}
	}
	if err := setter.SetOption("Skill Level", strconv.Itoa(p.SkillLevel)); err != nil {
		return err
	}
	if err := setter.SetDepth(p.Depth); err != nil {
		return err
	}
	if err := setter.SetMoveTime(p.MoveTimeMs); err != nil {
		return err
	}
	return setter.SetMultiPV(p.MultiPV)
}

// EngineElo clamps an Elo-like value into the range the engine accepts for UCI_Elo.
func EngineElo(elo int) int {
	return min(max(elo, engineMinElo), engineMaxElo)
}
