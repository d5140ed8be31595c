package httpapi

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/valyala/fasthttp"
	"go.uber.org/zap"

	"github.com/comtower/signal-turn-bot/internal/notify"
	"github.com/comtower/signal-turn-bot/internal/obslog"
	"github.com/comtower/signal-turn-bot/internal/signalbridge"
)

// Server is a thin status surface: health and group listing are pass-throughs
// to the bridge, plus the live session count. Not part of the notification
// pipeline's contract.
type Server struct {
	addr       string
	bridge     *signalbridge.Client
	supervisor *notify.Supervisor

	srv    *fasthttp.Server
	wg     sync.WaitGroup
	logger *zap.Logger
}

func NewServer(addr string, bridge *signalbridge.Client, supervisor *notify.Supervisor) *Server {
	s := &Server{
		addr:       addr,
		bridge:     bridge,
		supervisor: supervisor,
		logger:     obslog.L(),
	}
	s.srv = &fasthttp.Server{
		Handler:     s.handle,
		ReadTimeout: 10 * time.Second,
	}
	return s
}

func (s *Server) Start() {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.logger.Info("status_server_listen", zap.String("addr", s.addr))
		if err := s.srv.ListenAndServe(s.addr); err != nil {
			s.logger.Warn("status_server_stopped", zap.Error(err))
		}
	}()
}

func (s *Server) Shutdown() error {
	err := s.srv.Shutdown()
	s.wg.Wait()
	return err
}

func (s *Server) handle(ctx *fasthttp.RequestCtx) {
	switch string(ctx.Path()) {
	case "/healthz":
		s.handleHealth(ctx)
	case "/groups":
		s.handleGroups(ctx)
	default:
		ctx.SetStatusCode(fasthttp.StatusNotFound)
	}
}

func (s *Server) handleHealth(ctx *fasthttp.RequestCtx) {
	rctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	bridgeOK := true
	if _, err := s.bridge.About(rctx); err != nil {
		bridgeOK = false
	}
	writeJSON(ctx, fasthttp.StatusOK, map[string]any{
		"ok":       bridgeOK,
		"bridge":   bridgeOK,
		"sessions": s.supervisor.Count(),
	})
}

func (s *Server) handleGroups(ctx *fasthttp.RequestCtx) {
	rctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	groups, err := s.bridge.ListGroups(rctx)
	if err != nil {
		writeJSON(ctx, fasthttp.StatusBadGateway, map[string]any{"error": err.Error()})
		return
	}
	writeJSON(ctx, fasthttp.StatusOK, map[string]any{"groups": groups})
}

func writeJSON(ctx *fasthttp.RequestCtx, status int, v any) {
	ctx.SetStatusCode(status)
	ctx.SetContentType("application/json")
	payload, err := json.Marshal(v)
	if err != nil {
		ctx.SetStatusCode(fasthttp.StatusInternalServerError)
		return
	}
	ctx.SetBody(payload)
}
