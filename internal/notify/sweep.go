package notify

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/comtower/signal-turn-bot/internal/obslog"
)

// Sweep re-evaluates all active sessions on a fixed interval for subscribers
// who asked for repeat reminders. It re-enters the pipeline at the policy
// stage; no socket event is involved.
type Sweep struct {
	supervisor *Supervisor
	pipeline   *Pipeline
	interval   time.Duration

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	logger *zap.Logger
}

func NewSweep(supervisor *Supervisor, pipeline *Pipeline, interval time.Duration) *Sweep {
	return &Sweep{
		supervisor: supervisor,
		pipeline:   pipeline,
		interval:   interval,
		stopCh:     make(chan struct{}),
		logger:     obslog.L(),
	}
}

func (s *Sweep) Start() {
	s.wg.Add(1)
	go s.run()
}

func (s *Sweep) run() {
	defer s.wg.Done()
	t := time.NewTicker(s.interval)
	defer t.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case <-t.C:
			s.sweep()
		}
	}
}

func (s *Sweep) sweep() {
	patches := s.supervisor.ActivePatches()
	s.logger.Info("hourly_sweep", zap.Int("sessions", len(patches)))
	for _, patch := range patches {
		select {
		case <-s.stopCh:
			return
		default:
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
		s.pipeline.RunHourly(ctx, patch)
		cancel()
	}
}

func (s *Sweep) Stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
	s.wg.Wait()
}
