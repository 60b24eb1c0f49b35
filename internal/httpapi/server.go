// Package httpapi exposes sessions over HTTP.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/valyala/fasthttp"
	"go.uber.org/zap"

	"github.com/park285/chess-tempo/internal/clock"
	"github.com/park285/chess-tempo/internal/obslog"
	"github.com/park285/chess-tempo/internal/protocol"
	"github.com/park285/chess-tempo/internal/session"
	"github.com/park285/chess-tempo/internal/strength"
	"github.com/park285/chess-tempo/pkg/tempodto"
)

const defaultSearchTimeout = 2 * time.Minute

var errBadRequest = errors.New("bad request")

type Option func(*Server)

func WithLogger(l *zap.Logger) Option {
	return func(s *Server) { s.logger = obslog.OrNop(l) }
}

// WithSearchTimeout bounds engine-move and analyze requests.
func WithSearchTimeout(d time.Duration) Option {
	return func(s *Server) {
		if d > 0 {
			s.searchTimeout = d
		}
	}
}

type Server struct {
	reg           *session.Registry
	logger        *zap.Logger
	searchTimeout time.Duration
	srv           *fasthttp.Server
}

func New(reg *session.Registry, opts ...Option) *Server {
	s := &Server{reg: reg, logger: obslog.Named("http"), searchTimeout: defaultSearchTimeout}
	for _, opt := range opts {
		opt(s)
	}
	s.srv = &fasthttp.Server{
		Handler:      s.Handle,
		Name:         "tempo",
		ReadTimeout:  10 * time.Second,
		WriteTimeout: s.searchTimeout + 10*time.Second,
	}
	return s
}

func (s *Server) ListenAndServe(addr string) error { return s.srv.ListenAndServe(addr) }

func (s *Server) Serve(ln net.Listener) error { return s.srv.Serve(ln) }

func (s *Server) Shutdown(ctx context.Context) error { return s.srv.ShutdownWithContext(ctx) }

// Handle routes one request.
func (s *Server) Handle(ctx *fasthttp.RequestCtx) {
	start := time.Now()
	method := string(ctx.Method())
	parts := splitPath(string(ctx.Path()))
	s.route(ctx, method, parts)
	s.logger.Debug("http_request",
		zap.String("method", method),
		zap.ByteString("path", ctx.Path()),
		zap.Int("status", ctx.Response.StatusCode()),
		zap.Duration("took", time.Since(start)))
}

func (s *Server) route(ctx *fasthttp.RequestCtx, method string, parts []string) {
	if len(parts) == 0 || parts[0] != "sessions" {
		writeError(ctx, fasthttp.StatusNotFound, tempodto.DomainError{Code: "not_found", Message: "unknown route"})
		return
	}
	switch len(parts) {
	case 1:
		switch method {
		case fasthttp.MethodPost:
			s.createSession(ctx)
		case fasthttp.MethodGet:
			writeJSON(ctx, fasthttp.StatusOK, map[string][]string{"sessions": s.reg.IDs()})
		default:
			methodNotAllowed(ctx)
		}
		return
	case 2:
		switch method {
		case fasthttp.MethodGet:
			s.withSession(ctx, parts[1], s.getSession)
		case fasthttp.MethodDelete:
			s.deleteSession(ctx, parts[1])
		default:
			methodNotAllowed(ctx)
		}
		return
	}

	id, action := parts[1], parts[2]
	switch {
	case action == "moves" && method == fasthttp.MethodPost:
		s.withSession(ctx, id, s.playMove)
	case action == "engine-move" && method == fasthttp.MethodPost:
		s.withSession(ctx, id, s.engineMove)
	case action == "analyze" && method == fasthttp.MethodPost:
		s.withSession(ctx, id, s.analyze)
	case action == "stop" && method == fasthttp.MethodPost:
		s.withSession(ctx, id, s.stop)
	case action == "clock" && len(parts) == 4 && method == fasthttp.MethodPost:
		op := parts[3]
		s.withSession(ctx, id, func(ctx *fasthttp.RequestCtx, sess *session.Session) { s.clockOp(ctx, sess, op) })
	case action == "tuning" && method == fasthttp.MethodPut:
		s.withSession(ctx, id, s.retune)
	case action == "tuning" && method == fasthttp.MethodPatch:
		s.withSession(ctx, id, s.setManual)
	default:
		writeError(ctx, fasthttp.StatusNotFound, tempodto.DomainError{Code: "not_found", Message: "unknown route"})
	}
}

func (s *Server) withSession(ctx *fasthttp.RequestCtx, id string, fn func(*fasthttp.RequestCtx, *session.Session)) {
	sess, err := s.reg.Get(id)
	if err != nil {
		s.fail(ctx, err)
		return
	}
	fn(ctx, sess)
}

func (s *Server) createSession(ctx *fasthttp.RequestCtx) {
	var req tempodto.CreateSessionRequest
	if err := decodeBody(ctx, &req); err != nil {
		s.fail(ctx, err)
		return
	}
	opts := session.Options{StartFEN: req.FEN, MovesToGo: req.MovesToGo}
	opts.TimeControl = s.reg.Defaults().TimeControl
	if strings.TrimSpace(req.TimeControl) != "" {
		tc, err := clock.ParseTimeControl(req.TimeControl)
		if err != nil {
			s.fail(ctx, badRequest(err))
			return
		}
		opts.TimeControl = tc
	}
	if req.Tuning != nil {
		cfg, err := tuningConfig(*req.Tuning)
		if err != nil {
			s.fail(ctx, err)
			return
		}
		opts.Tuning = cfg
	}

	cctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	sess, err := s.reg.Create(cctx, opts)
	if err != nil {
		s.fail(ctx, err)
		return
	}
	writeJSON(ctx, fasthttp.StatusCreated, stateDTO(sess.Snapshot()))
}

func (s *Server) getSession(ctx *fasthttp.RequestCtx, sess *session.Session) {
	writeJSON(ctx, fasthttp.StatusOK, stateDTO(sess.Snapshot()))
}

func (s *Server) deleteSession(ctx *fasthttp.RequestCtx, id string) {
	if err := s.reg.Remove(id); err != nil {
		s.fail(ctx, err)
		return
	}
	ctx.SetStatusCode(fasthttp.StatusNoContent)
}

func (s *Server) playMove(ctx *fasthttp.RequestCtx, sess *session.Session) {
	var req tempodto.MoveRequest
	if err := decodeBody(ctx, &req); err != nil {
		s.fail(ctx, err)
		return
	}
	res, err := sess.PlayMove(req.Move)
	if err != nil {
		s.fail(ctx, err)
		return
	}
	writeJSON(ctx, fasthttp.StatusOK, moveDTO(res, sess.Snapshot()))
}

func (s *Server) engineMove(ctx *fasthttp.RequestCtx, sess *session.Session) {
	sctx, cancel := context.WithTimeout(context.Background(), s.searchTimeout)
	defer cancel()
	res, err := sess.EngineMove(sctx)
	if err != nil {
		s.fail(ctx, err)
		return
	}
	writeJSON(ctx, fasthttp.StatusOK, moveDTO(res, sess.Snapshot()))
}

func (s *Server) analyze(ctx *fasthttp.RequestCtx, sess *session.Session) {
	sctx, cancel := context.WithTimeout(context.Background(), s.searchTimeout)
	defer cancel()
	progress := 0
	rep, err := sess.Analyze(sctx, func(protocol.Reply) { progress++ })
	if err != nil {
		s.fail(ctx, err)
		return
	}
	writeJSON(ctx, fasthttp.StatusOK, tempodto.AnalyzeResponse{Depth: rep.Depth, Lines: linesDTO(rep.Lines), Progress: progress})
}

func (s *Server) stop(ctx *fasthttp.RequestCtx, sess *session.Session) {
	sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := sess.Stop(sctx); err != nil {
		s.fail(ctx, err)
		return
	}
	ctx.SetStatusCode(fasthttp.StatusAccepted)
}

func (s *Server) clockOp(ctx *fasthttp.RequestCtx, sess *session.Session, op string) {
	switch op {
	case "start":
		if err := sess.StartClock(); err != nil {
			s.fail(ctx, err)
			return
		}
	case "pause":
		sess.PauseClock()
	case "reset":
		sess.ResetClock()
	default:
		writeError(ctx, fasthttp.StatusNotFound, tempodto.DomainError{Code: "not_found", Message: "unknown clock operation " + op})
		return
	}
	writeJSON(ctx, fasthttp.StatusOK, clockDTO(sess.Snapshot().Clock))
}

func (s *Server) retune(ctx *fasthttp.RequestCtx, sess *session.Session) {
	var req tempodto.Tuning
	if err := decodeBody(ctx, &req); err != nil {
		s.fail(ctx, err)
		return
	}
	cfg, err := tuningConfig(req)
	if err != nil {
		s.fail(ctx, err)
		return
	}
	ch, err := sess.Retune(cfg)
	if err != nil {
		s.fail(ctx, badRequest(err))
		return
	}
	writeJSON(ctx, fasthttp.StatusOK, tempodto.TuningResponse{Applied: true, Effective: tuningDTO(ch)})
}

// setManual applies manual overrides, which only take effect while tuning is manual.
func (s *Server) setManual(ctx *fasthttp.RequestCtx, sess *session.Session) {
	var req tempodto.Tuning
	if err := decodeBody(ctx, &req); err != nil {
		s.fail(ctx, err)
		return
	}
	// mode가 비어 있으면 현재 모드를 유지
	var mode strength.Mode
	if strings.TrimSpace(req.Mode) != "" {
		m, err := strength.ParseMode(req.Mode)
		if err != nil {
			s.fail(ctx, badRequest(err))
			return
		}
		mode = m
	}
	applied, err := sess.SetManual(strength.Manual{Depth: req.Depth, MoveTimeMs: req.MoveTime, MultiPV: req.MultiPV, Mode: mode})
	if err != nil {
		s.fail(ctx, badRequest(err))
		return
	}
	writeJSON(ctx, fasthttp.StatusOK, tempodto.TuningResponse{Applied: applied, Effective: tuningDTO(sess.Snapshot().Tuning)})
}

func tuningConfig(t tempodto.Tuning) (strength.TuningConfig, error) {
	elo := t.Elo
	if p := strings.TrimSpace(t.Preset); p != "" {
		v, err := strength.ResolvePreset(p)
		if err != nil {
			return nil, badRequest(err)
		}
		elo = v
	}
	cfg, err := strength.Settings{
		Mode:     strength.Mode(t.Mode),
		Auto:     t.Auto,
		EloLike:  elo,
		Depth:    t.Depth,
		MoveTime: t.MoveTime,
		MultiPV:  t.MultiPV,
	}.Config()
	if err != nil {
		return nil, badRequest(err)
	}
	return cfg, nil
}

func decodeBody(ctx *fasthttp.RequestCtx, out any) error {
	body := ctx.PostBody()
	if len(body) == 0 {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return badRequest(err)
	}
	return nil
}

func badRequest(err error) error {
	return fmt.Errorf("%w: %w", errBadRequest, err)
}

func splitPath(p string) []string {
	var parts []string
	for _, seg := range strings.Split(p, "/") {
		if seg != "" {
			parts = append(parts, seg)
		}
	}
	return parts
}

func methodNotAllowed(ctx *fasthttp.RequestCtx) {
	writeError(ctx, fasthttp.StatusMethodNotAllowed, tempodto.DomainError{Code: "method_not_allowed"})
}

func writeJSON(ctx *fasthttp.RequestCtx, status int, v any) {
	b, err := json.Marshal(v)
	if err != nil {
		ctx.Error("encode response", fasthttp.StatusInternalServerError)
		return
	}
	ctx.SetStatusCode(status)
	ctx.SetContentType("application/json")
	ctx.SetBody(b)
}

func writeError(ctx *fasthttp.RequestCtx, status int, e tempodto.DomainError) {
	writeJSON(ctx, status, e)
}
