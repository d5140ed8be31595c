package awbw

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/comtower/signal-turn-bot/internal/obslog"
)

// EventHandler receives every recognized frame from one game socket.
type EventHandler func(ev Event)

// Socket holds one live connection to a game's event stream. It reconnects
// after a fixed delay on any failure until Close is called.
type Socket struct {
	gameID string
	url    string

	reconnectDelay time.Duration
	onEvent        EventHandler

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	logger *zap.Logger
}

// SocketURL builds the per-game stream URL.
func SocketURL(wsBase, gameID string) string {
	return fmt.Sprintf("%s/node/game/%s", wsBase, gameID)
}

func NewSocket(wsBase, gameID string, reconnectDelay time.Duration, handler EventHandler) *Socket {
	return &Socket{
		gameID:         gameID,
		url:            SocketURL(wsBase, gameID),
		reconnectDelay: reconnectDelay,
		onEvent:        handler,
		stopCh:         make(chan struct{}),
		logger:         obslog.L().With(zap.String("game_id", gameID)),
	}
}

// Start launches the connect/listen loop. Safe to call once.
func (s *Socket) Start() {
	s.wg.Add(1)
	go s.run()
}

func (s *Socket) run() {
	defer s.wg.Done()
	for {
		if s.stopping() {
			return
		}
		err := s.session()
		if s.stopping() {
			return
		}
		s.logger.Warn("socket_reconnect", zap.Error(err), zap.Duration("delay", s.reconnectDelay))
		select {
		case <-s.stopCh:
			return
		case <-time.After(s.reconnectDelay):
		}
	}
}

// session dials once and pumps frames until the connection dies.
func (s *Socket) session() error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-s.stopCh:
			cancel()
		case <-ctx.Done():
		}
	}()

	dialCtx, dialCancel := context.WithTimeout(ctx, 10*time.Second)
	conn, _, err := websocket.Dial(dialCtx, s.url, &websocket.DialOptions{
		CompressionMode: websocket.CompressionNoContextTakeover,
	})
	dialCancel()
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	defer conn.Close(websocket.StatusGoingAway, "reconnect")
	s.logger.Info("socket_connected")

	s.wg.Add(1)
	go s.pingLoop(ctx, conn, cancel)

	for {
		var raw json.RawMessage
		if err := wsjson.Read(ctx, conn, &raw); err != nil {
			return fmt.Errorf("read: %w", err)
		}
		ev := ParseFrame(raw)
		if u, ok := ev.(Unknown); ok {
			s.logger.Debug("socket_frame_unknown", zap.String("type", u.Type))
			continue
		}
		s.onEvent(ev)
	}
}

func (s *Socket) pingLoop(ctx context.Context, conn *websocket.Conn, cancel context.CancelFunc) {
	defer s.wg.Done()
	t := time.NewTicker(30 * time.Second)
	defer t.Stop()
	failures := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			pctx, pcancel := context.WithTimeout(ctx, 3*time.Second)
			err := conn.Ping(pctx)
			pcancel()
			if err != nil {
				failures++
				if failures >= 2 {
					// Force the read loop out; run() handles the reconnect.
					cancel()
					return
				}
				continue
			}
			failures = 0
		}
	}
}

// Close stops the socket permanently. No reconnect happens afterwards.
func (s *Socket) Close(ctx context.Context) error {
	s.stopOnce.Do(func() { close(s.stopCh) })

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
		return nil
	}
}

func (s *Socket) stopping() bool {
	select {
	case <-s.stopCh:
		return true
	default:
		return false
	}
}
