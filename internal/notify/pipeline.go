package notify

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/comtower/signal-turn-bot/internal/awbw"
	"github.com/comtower/signal-turn-bot/internal/obslog"
	"github.com/comtower/signal-turn-bot/internal/store"
)

// AuditLog is the persistent message lifecycle log. It is also the policy
// evaluator's only source for last-delivery times, so dispatch outcomes must
// land here before the next event is evaluated (eventual consistency; a
// slightly-too-frequent duplicate in a race is tolerated).
type AuditLog interface {
	InsertMessage(ctx context.Context, rec *store.MessageRecord) error
	UpdateMessageRendered(ctx context.Context, rec *store.MessageRecord) error
	MarkMessageSending(ctx context.Context, rec *store.MessageRecord) error
	FinishMessage(ctx context.Context, rec *store.MessageRecord) error
	LastDeliveries(ctx context.Context, gameID string) (map[string]time.Time, error)
}

// PageSource resolves game-page facts: the authoritative current player,
// roster, display name, and whether the game ended.
type PageSource interface {
	FetchPage(ctx context.Context, gameID string) (*awbw.GamePage, error)
	GameLink(gameID string) string
}

// Pipeline runs one event through the linear stages:
// detect → evaluate → render → dispatch → log.
type Pipeline struct {
	deduper    *Deduper
	pages      PageSource
	renderer   *Renderer
	dispatcher *Dispatcher
	audit      AuditLog
	cache      *store.Cache // may be nil
	logger     *zap.Logger
}

func NewPipeline(pages PageSource, renderer *Renderer, dispatcher *Dispatcher, audit AuditLog, cache *store.Cache) *Pipeline {
	return &Pipeline{
		deduper:    NewDeduper(),
		pages:      pages,
		renderer:   renderer,
		dispatcher: dispatcher,
		audit:      audit,
		cache:      cache,
		logger:     obslog.L(),
	}
}

// HandleTurnChange processes one socket turn-change frame for a patch.
func (p *Pipeline) HandleTurnChange(ctx context.Context, patch store.Patch, ev awbw.TurnChange) {
	if p.deduper.Duplicate(patch.ID, patch.GameID, ev.Day, ev.PlayerID) {
		p.logger.Debug("turn_event_duplicate",
			zap.String("game_id", patch.GameID), zap.Int("day", ev.Day), zap.Int64("player_id", ev.PlayerID))
		return
	}
	p.run(ctx, patch, ev.Day, ev.PlayerName, store.SourceTurn, false)
}

// RunHourly re-enters the pipeline for one patch from the reminder sweep,
// without a socket event and without deduplication.
func (p *Pipeline) RunHourly(ctx context.Context, patch store.Patch) {
	p.run(ctx, patch, 0, "", store.SourceHourly, true)
}

func (p *Pipeline) run(ctx context.Context, patch store.Patch, day int, socketHint string, source store.MessageSource, hourlyOnly bool) {
	logger := p.logger.With(zap.String("game_id", patch.GameID), zap.String("patch_id", patch.ID), zap.String("source", string(source)))

	player, players, gameName := p.resolveGame(ctx, patch.GameID, socketHint, logger)

	last := map[string]time.Time{}
	if m, err := p.audit.LastDeliveries(ctx, patch.GameID); err != nil {
		logger.Warn("last_deliveries_failed", zap.Error(err))
	} else {
		last = m
	}

	targets := Evaluate(PolicyInput{
		Subscribers:    patch.Subscribers,
		CurrentPlayer:  player,
		LastDeliveries: last,
		Now:            time.Now(),
		HourlyOnly:     hourlyOnly,
	})
	if len(targets) == 0 {
		logger.Info("no_recipients", zap.String("player", player))
		return
	}

	rec := newRecord(patch, source, day, player, targets)
	if err := p.audit.InsertMessage(ctx, rec); err != nil {
		// A lost audit row must not suppress the notification itself.
		logger.Warn("audit_insert_failed", zap.Error(err))
	}

	wantClassic := len(rec.RecipientsClassic) > 0
	wantFun := len(rec.RecipientsFun) > 0
	classic, fun := p.renderer.Variants(ctx, RenderRequest{
		GameID:     patch.GameID,
		Day:        day,
		PlayerName: player,
		Players:    players,
		GameName:   gameName,
		Link:       p.pages.GameLink(patch.GameID),
	}, wantClassic, wantFun)
	if source == store.SourceHourly {
		if classic != "" {
			classic = p.renderer.HourlyPrefix(classic)
		}
		if fun != "" {
			fun = p.renderer.HourlyPrefix(fun)
		}
	}

	rec.TextClassic = classic
	rec.TextFun = fun
	rec.Status = store.StatusRendered
	rec.UpdatedAt = time.Now().UTC()
	if err := p.audit.UpdateMessageRendered(ctx, rec); err != nil {
		logger.Warn("audit_update_failed", zap.Error(err))
	}
	if err := p.audit.MarkMessageSending(ctx, rec); err != nil {
		logger.Warn("audit_update_failed", zap.Error(err))
	}

	sendTargets := make([]Target, 0, len(targets))
	for _, sub := range targets {
		text, variant := classic, store.VariantClassic
		if sub.FunEnabled {
			text, variant = fun, store.VariantFun
		}
		sendTargets = append(sendTargets, Target{Subscriber: sub, Text: text, Variant: variant})
	}

	deliveries := p.dispatcher.Dispatch(ctx, patch.ID, patch.GameID, player, sendTargets)

	rec.Deliveries = deliveries
	rec.Status = store.TerminalStatus(deliveries)
	rec.Error = aggregateError(deliveries)
	rec.UpdatedAt = time.Now().UTC()
	if err := p.audit.FinishMessage(ctx, rec); err != nil {
		logger.Warn("audit_finish_failed", zap.Error(err))
	}
	logger.Info("dispatch_done",
		zap.String("status", string(rec.Status)),
		zap.Int("targets", len(sendTargets)),
		zap.Int("deliveries", len(deliveries)))
}

// resolveGame scrapes the game page for the authoritative current player and
// metadata, falling back to cached values. Scrape failure leaves the player
// unknown; the socket's name is a hint only and mismatches are logged.
func (p *Pipeline) resolveGame(ctx context.Context, gameID, socketHint string, logger *zap.Logger) (player string, players []string, gameName string) {
	page, err := p.pages.FetchPage(ctx, gameID)
	if err != nil {
		logger.Warn("page_resolve_failed", zap.Error(err))
		if p.cache != nil {
			players, _ = p.cache.Roster(ctx, gameID)
			gameName, _ = p.cache.GameName(ctx, gameID)
		}
		return "", players, gameName
	}

	player = page.CurrentPlayer
	players = page.Players
	gameName = page.GameName
	if socketHint != "" && player != "" && !strings.EqualFold(socketHint, player) {
		logger.Warn("player_mismatch", zap.String("socket", socketHint), zap.String("scraped", player))
	}
	if p.cache != nil {
		if err := p.cache.SaveRoster(ctx, gameID, players); err != nil {
			logger.Debug("roster_cache_failed", zap.Error(err))
		}
		if err := p.cache.SaveGameName(ctx, gameID, gameName); err != nil {
			logger.Debug("name_cache_failed", zap.Error(err))
		}
	}
	return player, players, gameName
}

func newRecord(patch store.Patch, source store.MessageSource, day int, player string, targets []store.Subscriber) *store.MessageRecord {
	now := time.Now().UTC()
	rec := &store.MessageRecord{
		ID:         uuid.NewString(),
		GameID:     patch.GameID,
		PatchID:    patch.ID,
		Source:     source,
		Status:     store.StatusProcessing,
		Day:        day,
		PlayerName: player,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	for _, sub := range targets {
		if sub.FunEnabled {
			rec.RecipientsFun = append(rec.RecipientsFun, sub.Handle)
		} else {
			rec.RecipientsClassic = append(rec.RecipientsClassic, sub.Handle)
		}
	}
	return rec
}

func aggregateError(deliveries []store.Delivery) string {
	var errs []string
	for _, d := range deliveries {
		if d.Status == "failed" && d.Error != "" {
			errs = append(errs, d.Handle+": "+d.Error)
		}
	}
	return strings.Join(errs, "; ")
}
