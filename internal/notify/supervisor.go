package notify

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/comtower/signal-turn-bot/internal/awbw"
	"github.com/comtower/signal-turn-bot/internal/obslog"
	"github.com/comtower/signal-turn-bot/internal/store"
)

// EndChecker answers the standalone "has this game ended" question used by the
// periodic poll.
type EndChecker interface {
	GameEnded(ctx context.Context, gameID string) bool
}

// Supervisor owns every live game session. It is the single owner of session
// lifecycle: at most one session per patch id, replaced wholesale when the
// subscriber list changes, stopped permanently when the game ends.
type Supervisor struct {
	wsBase         string
	reconnectDelay time.Duration
	gameEndPoll    time.Duration

	ends     EndChecker
	pipeline *Pipeline

	mu       sync.Mutex
	sessions map[string]*session

	logger *zap.Logger
}

// session is the runtime state for one monitored game. Not persisted.
type session struct {
	patch       store.Patch
	fingerprint string
	socket      *awbw.Socket
	stopCh      chan struct{}
	stopOnce    sync.Once
	wg          sync.WaitGroup
}

func NewSupervisor(wsBase string, reconnectDelay, gameEndPoll time.Duration, ends EndChecker, pipeline *Pipeline) *Supervisor {
	return &Supervisor{
		wsBase:         wsBase,
		reconnectDelay: reconnectDelay,
		gameEndPoll:    gameEndPoll,
		ends:           ends,
		pipeline:       pipeline,
		sessions:       make(map[string]*session),
		logger:         obslog.L(),
	}
}

// Start opens a session for the patch, replacing any existing session for the
// same patch id. Patches without subscribers get no session.
func (s *Supervisor) Start(patch store.Patch) {
	if len(patch.Subscribers) == 0 {
		s.Stop(patch.ID)
		return
	}
	s.Stop(patch.ID)

	sess := &session{
		patch:       patch,
		fingerprint: patch.Fingerprint(),
		stopCh:      make(chan struct{}),
	}
	sess.socket = awbw.NewSocket(s.wsBase, patch.GameID, s.reconnectDelay, func(ev awbw.Event) {
		s.handleEvent(patch, ev)
	})

	s.mu.Lock()
	s.sessions[patch.ID] = sess
	s.mu.Unlock()

	sess.socket.Start()
	sess.wg.Add(1)
	go s.pollGameEnd(sess)

	s.logger.Info("session_start",
		zap.String("patch_id", patch.ID),
		zap.String("game_id", patch.GameID),
		zap.Int("subscribers", len(patch.Subscribers)))
}

// Replace restarts the session for a patch whose subscriber list changed.
func (s *Supervisor) Replace(patch store.Patch) { s.Start(patch) }

// Stop tears down the session for a patch id, if one exists. Idempotent.
func (s *Supervisor) Stop(patchID string) {
	s.mu.Lock()
	sess, ok := s.sessions[patchID]
	if ok {
		delete(s.sessions, patchID)
	}
	s.mu.Unlock()
	if !ok {
		return
	}

	sess.stopOnce.Do(func() { close(sess.stopCh) })
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := sess.socket.Close(ctx); err != nil {
		s.logger.Warn("session_close_timeout", zap.String("patch_id", patchID), zap.Error(err))
	}
	sess.wg.Wait()
	s.logger.Info("session_stop", zap.String("patch_id", patchID))
}

// StopAll tears down every session. Used at shutdown.
func (s *Supervisor) StopAll() {
	s.mu.Lock()
	ids := make([]string, 0, len(s.sessions))
	for id := range s.sessions {
		ids = append(ids, id)
	}
	s.mu.Unlock()
	for _, id := range ids {
		s.Stop(id)
	}
}

// ActivePatches snapshots the patches with a live session. Used by the hourly
// reminder sweep.
func (s *Supervisor) ActivePatches() []store.Patch {
	s.mu.Lock()
	defer s.mu.Unlock()
	patches := make([]store.Patch, 0, len(s.sessions))
	for _, sess := range s.sessions {
		patches = append(patches, sess.patch)
	}
	return patches
}

// Fingerprint returns the subscriber fingerprint of the live session for a
// patch id, or "" when none exists.
func (s *Supervisor) Fingerprint(patchID string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sess, ok := s.sessions[patchID]; ok {
		return sess.fingerprint
	}
	return ""
}

// Count reports the number of live sessions.
func (s *Supervisor) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

func (s *Supervisor) handleEvent(patch store.Patch, ev awbw.Event) {
	switch e := ev.(type) {
	case awbw.TurnChange:
		// Off the socket read loop; dispatch for one event fans out internally.
		go s.pipeline.HandleTurnChange(context.Background(), patch, e)
	case awbw.GameOver:
		s.logger.Info("game_over_frame", zap.String("game_id", patch.GameID))
		// Stop waits on the socket goroutines, so never stop from the read loop.
		go s.Stop(patch.ID)
	}
}

// pollGameEnd is the slow safety net for games whose end never arrives as a
// socket frame.
func (s *Supervisor) pollGameEnd(sess *session) {
	defer sess.wg.Done()
	t := time.NewTicker(s.gameEndPoll)
	defer t.Stop()
	for {
		select {
		case <-sess.stopCh:
			return
		case <-t.C:
			ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
			ended := s.ends.GameEnded(ctx, sess.patch.GameID)
			cancel()
			if ended {
				s.logger.Info("game_over_poll", zap.String("game_id", sess.patch.GameID))
				go s.Stop(sess.patch.ID)
				return
			}
		}
	}
}
