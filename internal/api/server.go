// Package api exposes the filling engine over HTTP: a blocking JSON
// endpoint and a server-sent-events stream backed by the incremental loop.
package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	json "github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/labstack/echo/v5"
	"golang.org/x/time/rate"

	"github.com/samcharles93/seqfill/internal/engine"
	"github.com/samcharles93/seqfill/internal/logger"
)

// Server serves fill requests against a single model.
type Server struct {
	model   engine.Model
	log     logger.Logger
	limiter *rate.Limiter
	clock   func() time.Time
}

// NewServer returns a server around the given model. requestsPerSecond
// bounds the accepted request rate; zero or negative disables limiting.
func NewServer(model engine.Model, log logger.Logger, requestsPerSecond float64) *Server {
	var limiter *rate.Limiter
	if requestsPerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(requestsPerSecond), int(requestsPerSecond)+1)
	}
	return &Server{
		model:   model,
		log:     log,
		limiter: limiter,
		clock:   time.Now,
	}
}

// Register attaches the fill routes to e.
func (s *Server) Register(e *echo.Echo) {
	e.POST("/v1/fill", s.handleFill, s.rateLimit)
}

func (s *Server) rateLimit(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c *echo.Context) error {
		if s.limiter != nil && !s.limiter.Allow() {
			return writeError(c, http.StatusTooManyRequests, "rate_limit_error", "too many requests")
		}
		return next(c)
	}
}

func (s *Server) handleFill(c *echo.Context) error {
	req, err := decodeJSON[FillRequest](c.Request().Body)
	if err != nil {
		return writeError(c, http.StatusBadRequest, "invalid_request_error", err.Error())
	}
	if len(req.Sequence) == 0 {
		return writeError(c, http.StatusBadRequest, "invalid_request_error", "sequence is required and must not be empty")
	}

	strat, err := BuildStrategy(req.Strategy)
	if err != nil {
		return writeError(c, http.StatusBadRequest, "invalid_request_error", err.Error())
	}

	seq := engine.Sequence(req.Sequence)
	opts := engine.FillOptions{
		BatchSize:       req.BatchSize,
		Strategy:        strat,
		MaxMemoryLength: req.MaxMemoryLength,
	}
	if req.MaskPosition != nil {
		maskPos := *req.MaskPosition
		contextLength := seq.ContextLength()
		if req.ContextLength != nil {
			contextLength = *req.ContextLength
		}
		opts.Layout = func(s engine.Sequence) engine.Layout {
			return engine.InfillLayout(s, maskPos, contextLength)
		}
	}

	id := "fill_" + uuid.NewString()
	ctx := logger.WithContext(c.Request().Context(), s.log.With("request_id", id))

	if req.Stream {
		return s.streamFill(c, ctx, id, seq, opts)
	}

	tokens, mems, err := engine.Fill(ctx, s.model, seq, opts)
	if err != nil {
		return writeError(c, http.StatusInternalServerError, "server_error", err.Error())
	}
	return c.JSON(http.StatusOK, FillResponse{
		ID:           id,
		Object:       "fill",
		Created:      s.clock().Unix(),
		Sequences:    tokens,
		MemoryLength: mems.Length(),
	})
}

// streamFill drives the incremental loop and emits one SSE event per
// generated step, then a completion event carrying the finalized rows.
func (s *Server) streamFill(c *echo.Context, ctx context.Context, id string, seq engine.Sequence, opts engine.FillOptions) error {
	res := c.Response()
	res.Header().Set(echo.HeaderContentType, "text/event-stream")
	res.Header().Set("Cache-Control", "no-cache")
	res.Header().Set("Connection", "keep-alive")

	flusher, ok := res.(interface{ Flush() })
	if !ok {
		return writeError(c, http.StatusBadRequest, "invalid_request_error", "streaming unsupported")
	}

	send := func(ev fillStepEvent) error {
		b, err := json.Marshal(ev)
		if err != nil {
			return err
		}
		if _, err := fmt.Fprintf(res, "data: %s\n\n", b); err != nil {
			return err
		}
		flusher.Flush()
		return nil
	}

	seqNum := 0
	var last engine.Step
	for step, err := range engine.StreamFill(ctx, s.model, seq, opts) {
		if err != nil {
			s.log.Error("stream fill failed", "request_id", id, "error", err)
			return send(fillStepEvent{Type: "fill.failed", ID: id, SequenceNumber: seqNum})
		}
		seqNum++
		last = step
		if err := send(fillStepEvent{Type: "fill.step", ID: id, Tokens: step.Tokens, SequenceNumber: seqNum}); err != nil {
			return err
		}
	}

	if last.Tokens == nil {
		// Fully provided sequence: nothing was generated.
		last.Tokens = [][]int{append([]int(nil), seq...)}
	}
	tokens, _ := opts.Strategy.Finalize(last.Tokens, last.Memory)
	seqNum++
	return send(fillStepEvent{Type: "fill.completed", ID: id, Sequences: tokens, SequenceNumber: seqNum})
}

func writeError(c *echo.Context, status int, errType, msg string) error {
	return c.JSON(status, errorResponse{Error: errorBody{Message: msg, Type: errType}})
}
