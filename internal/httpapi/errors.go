package httpapi

import (
	"errors"

	"github.com/valyala/fasthttp"
	"go.uber.org/zap"

	"github.com/park285/chess-tempo/internal/dispatch"
	"github.com/park285/chess-tempo/internal/session"
	"github.com/park285/chess-tempo/internal/strength"
	"github.com/park285/chess-tempo/pkg/tempodto"
)

type errorMapping struct {
	target    error
	status    int
	code      string
	retryable bool
}

var errorTable = []errorMapping{
	{session.ErrNotFound, fasthttp.StatusNotFound, "not_found", false},
	{session.ErrIllegalMove, fasthttp.StatusUnprocessableEntity, "illegal_move", false},
	{session.ErrGameOver, fasthttp.StatusConflict, "game_over", false},
	{session.ErrBusy, fasthttp.StatusConflict, "busy", true},
	{session.ErrStale, fasthttp.StatusConflict, "stale_position", true},
	{session.ErrIdle, fasthttp.StatusConflict, "idle", false},
	{session.ErrInvalidFEN, fasthttp.StatusBadRequest, "invalid_position", false},
	{errBadRequest, fasthttp.StatusBadRequest, "bad_request", false},
	{strength.ErrInvalidManual, fasthttp.StatusBadRequest, "bad_request", false},
	{strength.ErrInvalidParameters, fasthttp.StatusBadRequest, "bad_request", false},
	{dispatch.ErrDeadline, fasthttp.StatusGatewayTimeout, "deadline", true},
	{dispatch.ErrCanceled, fasthttp.StatusGatewayTimeout, "canceled", true},
	{dispatch.ErrTooManyInFlight, fasthttp.StatusTooManyRequests, "too_many_in_flight", true},
	{dispatch.ErrClosed, fasthttp.StatusServiceUnavailable, "worker_unavailable", true},
	{dispatch.ErrProtocol, fasthttp.StatusBadGateway, "worker_error", false},
}

// fail maps err to a status and a DomainError body.
func (s *Server) fail(ctx *fasthttp.RequestCtx, err error) {
	for _, m := range errorTable {
		if errors.Is(err, m.target) {
			writeError(ctx, m.status, tempodto.DomainError{Code: m.code, Message: err.Error(), Retryable: m.retryable})
			return
		}
	}
	s.logger.Error("http_internal_error", zap.ByteString("path", ctx.Path()), zap.Error(err))
	writeError(ctx, fasthttp.StatusInternalServerError, tempodto.DomainError{Code: "internal", Message: err.Error()})
}
