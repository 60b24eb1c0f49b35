// Package book answers engine-move requests from a polyglot opening book.
package book

import (
	"fmt"
	"os"
	"strings"
	"sync"

	chesslib "github.com/corentings/chess/v2"
	"github.com/corentings/chess/v2/opening"
	"go.uber.org/zap"

	"github.com/park285/chess-tempo/internal/obslog"
)

const DefaultMaxPly = 16

type Result struct {
	Move   string
	Weight uint16
}

// Book is safe for concurrent use. A nil or empty Book never finds a move.
type Book struct {
	poly   *chesslib.PolyglotBook
	maxPly int
	logger *zap.Logger
}

// Open loads a polyglot file. An empty path yields a disabled book.
func Open(path string, maxPly int) (*Book, error) {
	if maxPly <= 0 {
		maxPly = DefaultMaxPly
	}
	b := &Book{maxPly: maxPly, logger: obslog.Named("book")}
	if strings.TrimSpace(path) == "" {
		return b, nil
	}
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open polyglot book %q: %w", path, err)
	}
	defer file.Close()

	poly, err := chesslib.LoadFromReader(file)
	if err != nil {
		return nil, fmt.Errorf("load polyglot book %q: %w", path, err)
	}
	b.poly = poly
	return b, nil
}

func (b *Book) Enabled() bool { return b != nil && b.poly != nil }

// Lookup returns the heaviest book move for the position reached from fen by moves.
// ok is false when the book is disabled, past its ply limit or has no entry.
func (b *Book) Lookup(fen string, moves []string) (Result, bool, error) {
	if !b.Enabled() || len(moves) >= b.maxPly {
		return Result{}, false, nil
	}
	game, err := buildGame(fen, moves)
	if err != nil {
		return Result{}, false, err
	}

	hashStr, err := chesslib.NewZobristHasher().HashPosition(game.FEN())
	if err != nil {
		return Result{}, false, fmt.Errorf("compute polyglot hash: %w", err)
	}
	entries := b.poly.FindMoves(chesslib.ZobristHashToUint64(hashStr))
	if len(entries) == 0 {
		return Result{}, false, nil
	}

	best := entries[0]
	for _, e := range entries[1:] {
		if e.Weight > best.Weight {
			best = e
		}
	}
	move := chesslib.DecodeMove(best.Move).ToMove()
	uciMove := move.String()

	// polyglot encodes castling as king-takes-rook; the rules library must accept the move as played
	if err := game.PushNotationMove(uciMove, chesslib.UCINotation{}, nil); err != nil {
		b.logger.Debug("book_move_rejected", zap.String("move", uciMove), zap.Error(err))
		return Result{}, false, nil
	}
	return Result{Move: uciMove, Weight: best.Weight}, true, nil
}

var (
	ecoOnce sync.Once
	ecoBook *opening.BookECO
)

// Opening names the opening reached by moves from the initial position.
func Opening(moves []string) (code, title string) {
	if len(moves) == 0 {
		return "", ""
	}
	game, err := buildGame("", moves)
	if err != nil {
		return "", ""
	}
	ecoOnce.Do(func() { ecoBook = opening.NewBookECO() })
	if eco := ecoBook.Find(game.Moves()); eco != nil {
		return eco.Code(), eco.Title()
	}
	return "", ""
}

func buildGame(fen string, moves []string) (*chesslib.Game, error) {
	var game *chesslib.Game
	if strings.TrimSpace(fen) == "" || fen == "startpos" {
		game = chesslib.NewGame()
	} else {
		option, err := chesslib.FEN(fen)
		if err != nil {
			return nil, fmt.Errorf("parse fen %q: %w", fen, err)
		}
		game = chesslib.NewGame(option)
	}
	for _, mv := range moves {
		if err := game.PushNotationMove(mv, chesslib.UCINotation{}, nil); err != nil {
			return nil, fmt.Errorf("apply move %q: %w", mv, err)
		}
	}
	return game, nil
}
