package notify

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/comtower/signal-turn-bot/internal/obslog"
	"github.com/comtower/signal-turn-bot/internal/store"
)

// PatchSource lists the current patch snapshot from the persistent store.
type PatchSource interface {
	ListPatches(ctx context.Context) ([]store.Patch, error)
}

// Watcher polls the patch collection and keeps the supervisor's session set in
// sync with it: new patches start sessions, edited subscriber lists replace
// them, removed patches stop them.
type Watcher struct {
	patches    PatchSource
	supervisor *Supervisor
	interval   time.Duration

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	logger *zap.Logger
}

func NewWatcher(patches PatchSource, supervisor *Supervisor, interval time.Duration) *Watcher {
	return &Watcher{
		patches:    patches,
		supervisor: supervisor,
		interval:   interval,
		stopCh:     make(chan struct{}),
		logger:     obslog.L(),
	}
}

func (w *Watcher) Start() {
	w.wg.Add(1)
	go w.run()
}

func (w *Watcher) run() {
	defer w.wg.Done()
	// Sync once at startup, then on the interval.
	w.sync()
	t := time.NewTicker(w.interval)
	defer t.Stop()
	for {
		select {
		case <-w.stopCh:
			return
		case <-t.C:
			w.sync()
		}
	}
}

func (w *Watcher) sync() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	patches, err := w.patches.ListPatches(ctx)
	if err != nil {
		w.logger.Warn("patch_list_failed", zap.Error(err))
		return
	}

	seen := make(map[string]bool, len(patches))
	for _, p := range patches {
		seen[p.ID] = true
		if len(p.Subscribers) == 0 {
			w.supervisor.Stop(p.ID)
			continue
		}
		current := w.supervisor.Fingerprint(p.ID)
		switch {
		case current == "":
			w.supervisor.Start(p)
		case current != p.Fingerprint():
			w.logger.Info("patch_changed", zap.String("patch_id", p.ID))
			w.supervisor.Replace(p)
		}
	}

	// Sessions for patches that disappeared from the store.
	for _, p := range w.supervisor.ActivePatches() {
		if !seen[p.ID] {
			w.logger.Info("patch_removed", zap.String("patch_id", p.ID))
			w.supervisor.Stop(p.ID)
		}
	}
}

func (w *Watcher) Stop() {
	w.stopOnce.Do(func() { close(w.stopCh) })
	w.wg.Wait()
}
