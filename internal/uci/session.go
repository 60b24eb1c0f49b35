// Package uci drives a UCI engine process (Stockfish) for the search worker.
package uci

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/park285/chess-tempo/internal/obslog"
)

const (
	defaultReadyTimeout  = 4 * time.Second
	newGameRetryAttempts = 3
	newGameRetryDelay    = 150 * time.Millisecond

	// Stockfish accepts UCI_Elo only inside this range.
	engineMinElo = 1320
	engineMaxElo = 3190
	mateValue    = 30000
)

var ErrNoLimits = errors.New("no search limits specified")

type Options struct {
	Threads       int
	HashMB        int
	MultiPV       int
	SkillLevel    int
	LimitStrength bool
	Elo           int
}

type Limits struct {
	Depth          int
	MoveTimeMillis int
}

type Candidate struct {
	Move      string
	EvalCP    int
	Mate      int
	Principal []string
}

// Info is one completed search depth.
type Info struct {
	Depth      int
	Candidates []Candidate
}

type Session struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout *bufio.Reader
	lines  chan lineResult
	logger *zap.Logger

	mu     sync.Mutex
	search sync.Mutex
	opt    Options
}

type lineResult struct {
	line string
	err  error
}

func NewSession(ctx context.Context, binaryPath string, opt Options) (*Session, error) {
	if err := validateOptions(opt); err != nil {
		return nil, err
	}

	cmd := exec.CommandContext(ctx, binaryPath)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("create stdin pipe: %w", err)
	}
	stdoutPipe, err := cmd.StdoutPipe()
	if err != nil {
		stdin.Close()
		return nil, fmt.Errorf("create stdout pipe: %w", err)
	}
	cmd.Stderr = os.Stderr

	if err := cmd.Start(); err != nil {
		stdin.Close()
		stdoutPipe.Close()
		return nil, fmt.Errorf("start engine: %w", err)
	}

	s := newSessionIO(stdoutPipe, stdin)
	s.cmd = cmd
	if err := s.initialize(ctx, opt); err != nil {
		s.Close()
		return nil, err
	}
	return s, nil
}

// newSessionIO wires a session to an already running engine's pipes.
func newSessionIO(stdout io.Reader, stdin io.WriteCloser) *Session {
	s := &Session{
		stdin:  stdin,
		stdout: bufio.NewReader(stdout),
		lines:  make(chan lineResult, 64),
		logger: obslog.Named("uci"),
	}
	go s.readLoop()
	return s
}

// readLoop is the only reader of stdout, so an abandoned readLine never loses a line.
func (s *Session) readLoop() {
	for {
		line, err := s.stdout.ReadString('\n')
		if err != nil {
			if trimmed := strings.TrimSpace(line); trimmed != "" {
				s.lines <- lineResult{line: trimmed}
			}
			s.lines <- lineResult{err: err}
			close(s.lines)
			return
		}
		s.lines <- lineResult{line: strings.TrimSpace(line)}
	}
}

type SearchRequest struct {
	FEN    string
	Moves  []string
	Limits Limits
	// Stop, when closed, ends the search early. A close that happens before
	// go is sent still takes effect once the search starts.
	Stop <-chan struct{}
}

type SearchResponse struct {
	Candidates []Candidate
	BestMove   string
	Depth      int
}

// Search runs one search. onInfo, if set, is called once per completed depth.
func (s *Session) Search(ctx context.Context, req SearchRequest, onInfo func(Info)) (SearchResponse, error) {
	s.search.Lock()
	defer s.search.Unlock()

	positionCmd := buildPositionCommand(req.FEN, req.Moves)
	if err := s.send(positionCmd); err != nil {
		return SearchResponse{}, fmt.Errorf("send position: %w", err)
	}

	goTokens, err := buildGoTokens(req.Limits)
	if err != nil {
		return SearchResponse{}, err
	}
	goCmd := strings.Join(goTokens, " ")
	if err := s.send(goCmd + "\n"); err != nil {
		return SearchResponse{}, fmt.Errorf("send go: %w", err)
	}
	if req.Stop != nil {
		watchDone := make(chan struct{})
		var watch sync.WaitGroup
		watch.Add(1)
		go func() {
			defer watch.Done()
			select {
			case <-req.Stop:
				if err := s.send("stop\n"); err != nil {
					s.logger.Debug("uci_stop_failed", zap.Error(err))
				}
			case <-watchDone:
			}
		}()
		defer func() {
			close(watchDone)
			watch.Wait()
		}()
	}

	searchCtx, cancel := context.WithTimeout(ctx, computeSearchTimeout(req.Limits))
	defer cancel()

	acc := newDepthAccumulator()
	for {
		line, err := s.readLine(searchCtx)
		if err != nil {
			s.logger.Warn("uci_read_failed",
				zap.String("position", strings.TrimSpace(positionCmd)),
				zap.String("go", goCmd),
				zap.Error(err))
			// ask the engine to finish so the next search does not read this one's bestmove
			_ = s.send("stop\n")
			return SearchResponse{}, fmt.Errorf("read line: %w", err)
		}
		if line == "" {
			continue
		}

		switch {
		case strings.HasPrefix(line, "info "):
			info, ok := parseInfo(line)
			if !ok {
				continue
			}
			if done, completed := acc.add(info); completed && onInfo != nil {
				onInfo(done)
			}
		case strings.HasPrefix(line, "bestmove"):
			parts := strings.Fields(line)
			var best string
			if len(parts) >= 2 && parts[1] != "(none)" {
				best = parts[1]
			}
			last := acc.finish()
			return SearchResponse{Candidates: last.Candidates, BestMove: best, Depth: last.Depth}, nil
		}
	}
}

// Configure changes per-request options on a live session.
func (s *Session) Configure(opt Options) error {
	if err := validateOptions(opt); err != nil {
		return err
	}
	s.mu.Lock()
	same := s.opt == opt
	s.mu.Unlock()
	if same {
		return nil
	}
	if err := s.applyOptions(opt); err != nil {
		return err
	}
	s.mu.Lock()
	s.opt = opt
	s.mu.Unlock()
	return nil
}

func buildPositionCommand(fen string, moves []string) string {
	var sb strings.Builder
	if strings.TrimSpace(fen) == "" || fen == "startpos" {
		sb.WriteString("position startpos")
	} else {
		sb.WriteString("position fen ")
		sb.WriteString(fen)
	}
	if len(moves) > 0 {
		sb.WriteString(" moves ")
		sb.WriteString(strings.Join(moves, " "))
	}
	sb.WriteString("\n")
	return sb.String()
}

func validateOptions(opt Options) error {
	if opt.SkillLevel < 0 || opt.SkillLevel > 20 {
		return fmt.Errorf("skill level %d out of range 0-20", opt.SkillLevel)
	}
	if opt.HashMB <= 0 {
		return fmt.Errorf("hash size must be > 0: %d", opt.HashMB)
	}
	if opt.MultiPV <= 0 {
		return fmt.Errorf("multipv must be > 0: %d", opt.MultiPV)
	}
	if opt.Elo < 0 {
		return fmt.Errorf("elo must be >= 0: %d", opt.Elo)
	}
	return nil
}

func buildGoTokens(l Limits) ([]string, error) {
	args := []string{"go"}
	if l.Depth > 0 {
		args = append(args, "depth", strconv.Itoa(l.Depth))
	}
	if l.MoveTimeMillis > 0 {
		args = append(args, "movetime", strconv.Itoa(l.MoveTimeMillis))
	}
	if len(args) == 1 {
		return nil, ErrNoLimits
	}
	return args, nil
}

func computeSearchTimeout(l Limits) time.Duration {
	if l.MoveTimeMillis > 0 {
		ms := l.MoveTimeMillis + 2000
		return time.Duration(ms) * time.Millisecond * 3
	}
	if l.Depth > 0 {
		base := time.Duration(l.Depth) * 300 * time.Millisecond
		return min(max(base, 6*time.Second), 20*time.Second)
	}
	return 6 * time.Second
}

type infoLine struct {
	depth   int
	multipv int
	cand    Candidate
}

// parseInfo reads depth, multipv, score and pv. Bound scores and lines without a pv are skipped.
func parseInfo(line string) (infoLine, bool) {
	parts := strings.Fields(line)
	out := infoLine{multipv: 1}
	pvIdx := -1

	for i := 0; i < len(parts); i++ {
		switch parts[i] {
		case "depth":
			if i+1 < len(parts) {
				if v, err := strconv.Atoi(parts[i+1]); err == nil {
					out.depth = v
				}
				i++
			}
		case "multipv":
			if i+1 < len(parts) {
				if v, err := strconv.Atoi(parts[i+1]); err == nil {
					out.multipv = v
				}
				i++
			}
		case "lowerbound", "upperbound":
			return infoLine{}, false
		case "score":
			if i+2 < len(parts) {
				val, err := strconv.Atoi(parts[i+2])
				if err == nil {
					switch parts[i+1] {
					case "cp":
						out.cand.EvalCP = val
					case "mate":
						out.cand.Mate = val
						if val >= 0 {
							out.cand.EvalCP = mateValue
						} else {
							out.cand.EvalCP = -mateValue
						}
					}
				}
				i += 2
			}
		case "pv":
			pvIdx = i + 1
			i = len(parts)
		}
	}

	if pvIdx == -1 || pvIdx >= len(parts) || out.depth == 0 {
		return infoLine{}, false
	}
	principal := parts[pvIdx:]
	out.cand.Move = principal[0]
	out.cand.Principal = append([]string(nil), principal...)
	return out, true
}

// depthAccumulator groups multipv lines by depth and reports a depth once the
// engine has moved past it.
type depthAccumulator struct {
	depth    int
	lines    map[int]Candidate
	lastDone Info
}

func newDepthAccumulator() *depthAccumulator {
	return &depthAccumulator{lines: make(map[int]Candidate)}
}

func (a *depthAccumulator) add(info infoLine) (Info, bool) {
	var done Info
	completed := false
	if info.depth > a.depth && len(a.lines) > 0 {
		done = Info{Depth: a.depth, Candidates: collapseCandidates(a.lines)}
		a.lastDone = done
		a.lines = make(map[int]Candidate)
		completed = true
	}
	if info.depth >= a.depth {
		a.depth = info.depth
		a.lines[info.multipv] = info.cand
	}
	return done, completed
}

// finish returns the deepest fully reported depth, or the partial one if nothing completed.
func (a *depthAccumulator) finish() Info {
	if len(a.lines) == 0 {
		return a.lastDone
	}
	current := Info{Depth: a.depth, Candidates: collapseCandidates(a.lines)}
	if a.lastDone.Depth == 0 || len(current.Candidates) >= len(a.lastDone.Candidates) {
		return current
	}
	return a.lastDone
}

func collapseCandidates(m map[int]Candidate) []Candidate {
	if len(m) == 0 {
		return nil
	}
	keys := make([]int, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Ints(keys)
	result := make([]Candidate, 0, len(keys))
	for _, k := range keys {
		result = append(result, m[k])
	}
	return result
}

func (s *Session) EnsureReady(ctx context.Context) error {
	readyCtx, cancel := context.WithTimeout(ctx, defaultReadyTimeout)
	defer cancel()

	if err := s.send("isready\n"); err != nil {
		return fmt.Errorf("send isready: %w", err)
	}
	if err := s.awaitToken(readyCtx, "readyok"); err != nil {
		return fmt.Errorf("wait readyok: %w", err)
	}
	return nil
}

func (s *Session) NewGame(ctx context.Context) error {
	if err := s.send("ucinewgame\n"); err != nil {
		return fmt.Errorf("send ucinewgame: %w", err)
	}

	for attempt := 1; attempt <= newGameRetryAttempts; attempt++ {
		err := s.EnsureReady(ctx)
		if err == nil {
			return nil
		}
		if attempt == newGameRetryAttempts {
			return err
		}
		s.logger.Warn("uci_ready_retry", zap.Int("attempt", attempt), zap.Error(err))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(newGameRetryDelay):
		}
	}
	return nil
}

func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stdin != nil {
		s.stdin.Close()
	}
	if s.cmd != nil && s.cmd.Process != nil {
		_ = s.cmd.Process.Kill()
	}
	if s.cmd != nil {
		return s.cmd.Wait()
	}
	return nil
}

func (s *Session) initialize(ctx context.Context, opt Options) error {
	initCtx, cancel := context.WithTimeout(ctx, defaultReadyTimeout)
	defer cancel()

	if err := s.send("uci\n"); err != nil {
		return fmt.Errorf("send uci: %w", err)
	}
	if err := s.awaitToken(initCtx, "uciok"); err != nil {
		return fmt.Errorf("wait uciok: %w", err)
	}
	if err := s.applyOptions(opt); err != nil {
		return err
	}
	s.opt = opt

	if err := s.send("isready\n"); err != nil {
		return fmt.Errorf("send isready: %w", err)
	}
	if err := s.awaitToken(initCtx, "readyok"); err != nil {
		return fmt.Errorf("wait readyok: %w", err)
	}
	return nil
}

func optionCommands(opt Options) []string {
	threads := opt.Threads
	if threads <= 0 {
		threads = 1
	}
	cmds := []string{
		fmt.Sprintf("setoption name Threads value %d\n", threads),
		fmt.Sprintf("setoption name Hash value %d\n", opt.HashMB),
		fmt.Sprintf("setoption name Skill Level value %d\n", opt.SkillLevel),
		fmt.Sprintf("setoption name MultiPV value %d\n", opt.MultiPV),
		"setoption name Minimum Thinking Time value 10\n",
		"setoption name Move Overhead value 100\n",
	}
	if opt.LimitStrength {
		elo := min(max(opt.Elo, engineMinElo), engineMaxElo)
		cmds = append(cmds,
			"setoption name UCI_LimitStrength value true\n",
			fmt.Sprintf("setoption name UCI_Elo value %d\n", elo))
	} else {
		cmds = append(cmds, "setoption name UCI_LimitStrength value false\n")
	}
	return cmds
}

func (s *Session) applyOptions(opt Options) error {
	for _, cmd := range optionCommands(opt) {
		if err := s.send(cmd); err != nil {
			return fmt.Errorf("apply options: %w", err)
		}
	}
	return nil
}

func (s *Session) send(msg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := io.WriteString(s.stdin, msg)
	return err
}

func (s *Session) awaitToken(ctx context.Context, token string) error {
	for {
		line, err := s.readLine(ctx)
		if err != nil {
			return err
		}
		if strings.Contains(line, token) {
			return nil
		}
	}
}

func (s *Session) readLine(ctx context.Context) (string, error) {
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case res, ok := <-s.lines:
		if !ok {
			return "", io.EOF
		}
		return res.line, res.err
	}
}
