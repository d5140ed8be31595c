package notify

import (
	"context"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/comtower/signal-turn-bot/internal/obslog"
	"github.com/comtower/signal-turn-bot/internal/signalbridge"
	"github.com/comtower/signal-turn-bot/internal/store"
	"github.com/comtower/signal-turn-bot/internal/util"
	"github.com/comtower/signal-turn-bot/pkg/bridgedto"
)

// sendTimeout bounds one bridge call. A send that hits it is retried exactly
// once; a second timeout is a failure.
const sendTimeout = 30 * time.Second

// flightKey identifies an in-flight send. A newer event for the same key
// supersedes and cancels the older send.
type flightKey struct {
	GameID string
	Handle string
}

// Target is one resolved recipient of a dispatch cycle.
type Target struct {
	Subscriber store.Subscriber
	Text       string
	Variant    store.Variant
}

// GroupIDCache is the subset of the cache the dispatcher needs.
type GroupIDCache interface {
	GroupID(ctx context.Context, handle string) (string, error)
	SaveGroupID(ctx context.Context, handle, groupID string) error
}

// GroupIDWriteback persists a resolved group id onto the owning patch.
type GroupIDWriteback interface {
	UpdateSubscriberGroupID(ctx context.Context, patchID, handle, groupID string) error
}

// Dispatcher fans a rendered message out to subscribers via the bridge.
type Dispatcher struct {
	bridge    *signalbridge.Client
	cache     GroupIDCache     // may be nil
	writeback GroupIDWriteback // may be nil

	timeout time.Duration
	dryRun  bool

	mu       sync.Mutex
	inflight map[flightKey]*flight

	logger *zap.Logger
}

// flight is one registered in-flight send. Identity of the struct pointer is
// what lets done() release only its own slot.
type flight struct {
	cancel context.CancelFunc
}

func NewDispatcher(bridge *signalbridge.Client, cache GroupIDCache, writeback GroupIDWriteback, dryRun bool) *Dispatcher {
	return &Dispatcher{
		bridge:    bridge,
		cache:     cache,
		writeback: writeback,
		timeout:   sendTimeout,
		dryRun:    dryRun,
		inflight:  make(map[flightKey]*flight),
		logger:    obslog.L(),
	}
}

// Dispatch sends to every target concurrently and returns the per-recipient
// outcomes. Sends cancelled by a newer event are silently absent from the
// result: supersession is not a failure.
func (d *Dispatcher) Dispatch(ctx context.Context, patchID, gameID, currentPlayer string, targets []Target) []store.Delivery {
	results := make(chan *store.Delivery, len(targets))
	var wg sync.WaitGroup
	for _, t := range targets {
		wg.Add(1)
		go func(t Target) {
			defer wg.Done()
			results <- d.sendOne(ctx, patchID, gameID, currentPlayer, t)
		}(t)
	}
	wg.Wait()
	close(results)

	var deliveries []store.Delivery
	for r := range results {
		if r != nil {
			deliveries = append(deliveries, *r)
		}
	}
	return deliveries
}

// sendOne delivers to a single subscriber. Returns nil when the send was
// superseded mid-flight.
func (d *Dispatcher) sendOne(ctx context.Context, patchID, gameID, currentPlayer string, t Target) *store.Delivery {
	key := flightKey{GameID: gameID, Handle: t.Subscriber.Handle}
	fctx, done := d.begin(ctx, key)
	defer done()

	logger := d.logger.With(
		zap.String("game_id", gameID),
		zap.String("handle", t.Subscriber.Handle),
		zap.String("variant", string(t.Variant)),
	)

	if d.dryRun {
		logger.Info("dispatch_dryrun")
		return &store.Delivery{Handle: t.Subscriber.Handle, Variant: t.Variant, Status: "sent"}
	}

	var err error
	if t.Subscriber.IsGroup() {
		err = d.sendGroup(fctx, patchID, currentPlayer, t)
	} else {
		err = d.sendDirect(fctx, t)
	}

	if fctx.Err() == context.Canceled {
		// Superseded by a newer event for the same recipient. Abandoned, not failed.
		logger.Info("dispatch_superseded")
		return nil
	}
	if err != nil {
		logger.Warn("dispatch_failed", zap.Error(err))
		return &store.Delivery{Handle: t.Subscriber.Handle, Variant: t.Variant, Status: "failed", Error: err.Error()}
	}
	logger.Info("dispatch_sent")
	return &store.Delivery{Handle: t.Subscriber.Handle, Variant: t.Variant, Status: "sent"}
}

func (d *Dispatcher) sendDirect(ctx context.Context, t Target) error {
	req := &bridgedto.SendRequest{
		Message:    t.Text,
		Recipients: []string{util.NormalizePhone(t.Subscriber.Handle)},
	}
	return d.sendWithRetry(ctx, req)
}

func (d *Dispatcher) sendGroup(ctx context.Context, patchID, currentPlayer string, t Target) error {
	groupID, err := d.resolveGroupID(ctx, patchID, &t.Subscriber)
	if err != nil {
		return err
	}

	message, mentions := withMention(t.Text, &t.Subscriber, currentPlayer)
	req := &bridgedto.SendRequest{
		Message:    message,
		Recipients: []string{groupID},
		Mentions:   mentions,
	}
	err = d.sendWithRetry(ctx, req)
	if err == nil || ctx.Err() != nil {
		return err
	}
	// Only bridge rejections suggest a wrong id encoding; a timed-out send
	// already got its one retry.
	if signalbridge.IsTimeout(err) {
		return err
	}

	// The stored id may be in the other encoding. One retry with the
	// alternate form before surfacing the error.
	alt := signalbridge.AltGroupID(groupID)
	req.Recipients = []string{alt}
	if altErr := d.sendWithRetry(ctx, req); altErr == nil {
		d.cacheGroupID(patchID, t.Subscriber.Handle, alt)
		return nil
	}
	return err
}

// sendWithRetry performs the bridge call with the per-send timeout, retrying
// exactly once when the first attempt times out. Cancellation is checked
// before each attempt.
func (d *Dispatcher) sendWithRetry(ctx context.Context, req *bridgedto.SendRequest) error {
	for attempt := 1; attempt <= 2; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		sctx, cancel := context.WithTimeout(ctx, d.timeout)
		_, err := d.bridge.Send(sctx, req)
		cancel()
		if err == nil {
			return nil
		}
		if attempt == 1 && signalbridge.IsTimeout(err) && ctx.Err() == nil {
			continue
		}
		return err
	}
	return nil
}

// resolveGroupID picks the delivery group id: the stored one, then the cache,
// then a live bridge lookup from the invite fragment or group name. A fresh
// resolution is written back best-effort.
func (d *Dispatcher) resolveGroupID(ctx context.Context, patchID string, sub *store.Subscriber) (string, error) {
	if id := strings.TrimSpace(sub.GroupID); id != "" {
		return id, nil
	}
	if d.cache != nil {
		if id, err := d.cache.GroupID(ctx, sub.Handle); err == nil && id != "" {
			return id, nil
		}
	}
	group, err := d.bridge.ResolveGroupID(ctx, signalbridge.InviteFragment(sub.Handle), sub.GroupName)
	if err != nil {
		return "", err
	}
	id := group.ID
	if id == "" && group.InternalID != "" {
		id = "group." + group.InternalID
	}
	d.cacheGroupID(patchID, sub.Handle, id)
	return id, nil
}

// cacheGroupID records a working group id in the cache and on the patch.
// Both writes are best effort and never block a delivery outcome.
func (d *Dispatcher) cacheGroupID(patchID, handle, groupID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if d.cache != nil {
		if err := d.cache.SaveGroupID(ctx, handle, groupID); err != nil {
			d.logger.Debug("group_id_cache_failed", zap.Error(err))
		}
	}
	if d.writeback != nil {
		if err := d.writeback.UpdateSubscriberGroupID(ctx, patchID, handle, groupID); err != nil {
			d.logger.Debug("group_id_writeback_failed", zap.Error(err))
		}
	}
}

// begin registers an in-flight send, cancelling any older send for the same
// (game, handle) pair. The returned done func releases the slot if this send
// still owns it.
func (d *Dispatcher) begin(ctx context.Context, key flightKey) (context.Context, func()) {
	fctx, cancel := context.WithCancel(ctx)
	f := &flight{cancel: cancel}

	d.mu.Lock()
	if prev, ok := d.inflight[key]; ok {
		prev.cancel()
	}
	d.inflight[key] = f
	d.mu.Unlock()

	return fctx, func() {
		d.mu.Lock()
		if cur, ok := d.inflight[key]; ok && cur == f {
			delete(d.inflight, key)
		}
		d.mu.Unlock()
		cancel()
	}
}
