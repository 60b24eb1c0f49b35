package httpapi

import (
	"github.com/park285/chess-tempo/internal/clock"
	"github.com/park285/chess-tempo/internal/protocol"
	"github.com/park285/chess-tempo/internal/session"
	"github.com/park285/chess-tempo/internal/strength"
	"github.com/park285/chess-tempo/pkg/tempodto"
)

func stateDTO(snap session.Snapshot) tempodto.SessionState {
	st := tempodto.SessionState{
		ID:         snap.ID,
		StartFEN:   snap.StartFEN,
		FEN:        snap.FEN,
		MovesUCI:   snap.Moves,
		MovesSAN:   snap.SAN,
		Turn:       snap.Turn.String(),
		Status:     string(snap.Status),
		Winner:     snap.Winner,
		Reason:     snap.Reason,
		Clock:      clockDTO(snap.Clock),
		Tuning:     tuningDTO(snap.Tuning),
		Searching:  snap.Searching,
		Analysis:   linesDTO(snap.Analysis),
		AnalysisAt: snap.AnalysisAt,
	}
	if st.MovesUCI == nil {
		st.MovesUCI = []string{}
		st.MovesSAN = []string{}
	}
	if snap.OpeningCode != "" {
		st.Opening = &tempodto.Opening{Code: snap.OpeningCode, Title: snap.OpeningTitle}
	}
	return st
}

func moveDTO(res session.MoveResult, snap session.Snapshot) tempodto.MoveResponse {
	return tempodto.MoveResponse{
		UCI:      res.UCI,
		SAN:      res.SAN,
		Source:   res.Source,
		BudgetMs: res.BudgetMs,
		State:    stateDTO(snap),
	}
}

func clockDTO(st clock.State) tempodto.ClockState {
	out := tempodto.ClockState{
		BaseMs:  st.BaseMs,
		IncMs:   st.IncMs,
		WhiteMs: st.WhiteMs,
		BlackMs: st.BlackMs,
		White:   clock.FormatMs(st.WhiteMs),
		Black:   clock.FormatMs(st.BlackMs),
		Turn:    st.Turn.String(),
		Phase:   st.Phase.String(),
	}
	if st.Flagged() {
		out.FlaggedSide = st.FlaggedSide.String()
	}
	return out
}

func tuningDTO(ch strength.Change) tempodto.EffectiveTuning {
	return tempodto.EffectiveTuning{
		Mode:     string(ch.Mode),
		Auto:     ch.Auto,
		Elo:      ch.Elo,
		Depth:    ch.Depth,
		MoveTime: ch.MoveTime,
		MultiPV:  ch.MultiPV,
	}
}

func linesDTO(lines []protocol.Line) []tempodto.Line {
	if len(lines) == 0 {
		return nil
	}
	out := make([]tempodto.Line, 0, len(lines))
	for _, l := range lines {
		out = append(out, tempodto.Line{Move: l.Move, Score: l.Score, Mate: l.Mate, PV: l.PV, MultiPV: l.MultiPV})
	}
	return out
}
