// Package complexity scores how tactically busy a position is.
package complexity

import (
	"strings"

	nchess "github.com/corentings/chess/v2"
	"go.uber.org/zap"

	"github.com/park285/chess-tempo/internal/obslog"
)

const StartPos = "startpos"

// Estimate returns the number of legal moves for the side to move plus the number
// of those moves that capture, castle, promote or give check.
// An unreadable position scores 0, which callers treat as "no information".
func Estimate(fen string) (score int) {
	defer func() {
		if r := recover(); r != nil {
			obslog.L().Debug("complexity_estimate_panic", zap.String("fen", fen), zap.Any("panic", r))
			score = 0
		}
	}()

	game, err := load(fen)
	if err != nil {
		obslog.L().Debug("complexity_bad_fen", zap.String("fen", fen), zap.Error(err))
		return 0
	}

	legal := 0
	tactical := 0
	for _, mv := range game.ValidMoves() {
		legal++
		if mv.HasTag(nchess.Capture) ||
			mv.HasTag(nchess.EnPassant) ||
			mv.HasTag(nchess.KingSideCastle) ||
			mv.HasTag(nchess.QueenSideCastle) ||
			mv.HasTag(nchess.Check) ||
			mv.Promo() != nchess.NoPieceType {
			tactical++
		}
	}
	return legal + tactical
}

func load(fen string) (*nchess.Game, error) {
	trimmed := strings.TrimSpace(fen)
	if trimmed == "" || strings.EqualFold(trimmed, StartPos) {
		return nchess.NewGame(), nil
	}
	opt, err := nchess.FEN(trimmed)
	if err != nil {
		return nil, err
	}
	return nchess.NewGame(opt), nil
}
