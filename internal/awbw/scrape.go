package awbw

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/valyala/fasthttp"
	"go.uber.org/zap"

	"github.com/comtower/signal-turn-bot/internal/obslog"
)

// Patterns observed on live game pages. The page layout shifts between themes,
// so current-player detection tries several shapes before giving up.
var (
	reCurrentPlayerVar  = regexp.MustCompile(`(?i)currentplayer["']?\s*[:=]\s*["']([^"']+)["']`)
	reCurrentTurnLink   = regexp.MustCompile(`(?i)Current\s+Turn[^<]*profile\.php\?username=([^"'>\s]+)`)
	rePossessiveTurn    = regexp.MustCompile(`profile\.php\?username=([A-Za-z0-9_]+)[^<]{0,60}(?:'|’|&rsquo;|&#8217;|&#039;|&apos;)s\s+turn`)
	reCurrentTurnID     = regexp.MustCompile(`let\s+currentTurn\s*=\s*(\d+)`)
	rePlayersInfoBlob   = regexp.MustCompile(`let\s+playersInfo\s*=\s*(\{[\s\S]*?\});`)
	rePlayerProfileLink = regexp.MustCompile(`profile\.php\?username=([A-Za-z0-9_]+)`)
	reTitle             = regexp.MustCompile(`(?i)<title[^>]*>([^<]+)</title>`)
	reMapName           = regexp.MustCompile(`(?i)prevmaps\.php\?maps_id=\d+[^>]*>([^<]+)<`)
	reGameEndedVar      = regexp.MustCompile(`let\s+gameEnded\s*=\s*(?:true|1)`)
	reWonTheGame        = regexp.MustCompile(`(?i)(?:has\s+won\s+the\s+game|Game\s+Over)`)
)

// GamePage is everything the detector can extract from one scraped page.
// Missing values stay zero; scraping is best-effort.
type GamePage struct {
	GameID        string
	GameName      string
	MapName       string
	CurrentPlayer string
	Players       []string
	Ended         bool
}

// Detector scrapes game pages as a secondary source of truth for whose turn it
// is and whether a game finished. The socket payload is only a hint.
type Detector struct {
	httpBase string
	http     *fasthttp.Client
	logger   *zap.Logger
}

func NewDetector(httpBase string) *Detector {
	return &Detector{
		httpBase: strings.TrimRight(httpBase, "/"),
		http:     &fasthttp.Client{ReadTimeout: 15 * time.Second, WriteTimeout: 10 * time.Second, MaxConnsPerHost: 8},
		logger:   obslog.L(),
	}
}

// GameLink is the permanent player-facing URL for a game.
func (d *Detector) GameLink(gameID string) string {
	return fmt.Sprintf("%s/game.php?games_id=%s", d.httpBase, gameID)
}

// FetchPage downloads and parses a game page, retrying twice on fetch errors.
func (d *Detector) FetchPage(ctx context.Context, gameID string) (*GamePage, error) {
	var lastErr error
	for attempt := 1; attempt <= 3; attempt++ {
		html, err := d.fetch(ctx, gameID)
		if err == nil {
			return ParsePage(gameID, html), nil
		}
		lastErr = err
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(500 * time.Millisecond):
		}
	}
	return nil, lastErr
}

// CurrentPlayer resolves the authoritative active player name. Any failure
// degrades to "" so downstream policy simply yields no my-turn matches.
func (d *Detector) CurrentPlayer(ctx context.Context, gameID string) string {
	page, err := d.FetchPage(ctx, gameID)
	if err != nil {
		d.logger.Warn("scrape_failed", zap.String("game_id", gameID), zap.Error(err))
		return ""
	}
	return page.CurrentPlayer
}

// GameEnded reports whether the page says the game is finished. Fetch failures
// count as not-ended; the periodic poll will try again.
func (d *Detector) GameEnded(ctx context.Context, gameID string) bool {
	page, err := d.FetchPage(ctx, gameID)
	if err != nil {
		d.logger.Warn("scrape_failed", zap.String("game_id", gameID), zap.Error(err))
		return false
	}
	return page.Ended
}

func (d *Detector) fetch(ctx context.Context, gameID string) (string, error) {
	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer func() {
		fasthttp.ReleaseRequest(req)
		fasthttp.ReleaseResponse(resp)
	}()

	req.Header.SetMethod(fasthttp.MethodGet)
	req.SetRequestURI(d.GameLink(gameID))
	req.Header.Set("User-Agent", "signal-turn-bot (community tool)")
	req.Header.Set("Cache-Control", "no-cache")

	deadline := time.Now().Add(15 * time.Second)
	if dl, ok := ctx.Deadline(); ok && dl.Before(deadline) {
		deadline = dl
	}
	if err := d.http.DoDeadline(req, resp, deadline); err != nil {
		return "", fmt.Errorf("fetch game page: %w", err)
	}
	if resp.StatusCode() != fasthttp.StatusOK {
		return "", fmt.Errorf("fetch game page: status=%d", resp.StatusCode())
	}
	return string(resp.Body()), nil
}

// ParsePage extracts game metadata from raw page HTML.
func ParsePage(gameID, html string) *GamePage {
	page := &GamePage{
		GameID:        gameID,
		GameName:      cleanGameName(extractTitle(html), gameID),
		MapName:       extractFirst(reMapName, html),
		CurrentPlayer: extractCurrentPlayer(html),
		Players:       extractPlayers(html),
		Ended:         reGameEndedVar.MatchString(html) || reWonTheGame.MatchString(html),
	}
	return page
}

func extractCurrentPlayer(html string) string {
	for _, re := range []*regexp.Regexp{reCurrentPlayerVar, reCurrentTurnLink, rePossessiveTurn} {
		if m := re.FindStringSubmatch(html); len(m) > 1 && m[1] != "" {
			return m[1]
		}
	}
	// Fallback: currentTurn id plus the playersInfo JSON blob.
	idMatch := reCurrentTurnID.FindStringSubmatch(html)
	blobMatch := rePlayersInfoBlob.FindStringSubmatch(html)
	if len(idMatch) > 1 && len(blobMatch) > 1 {
		var info map[string]struct {
			Username string `json:"users_username"`
		}
		if err := json.Unmarshal([]byte(blobMatch[1]), &info); err == nil {
			if p, ok := info[idMatch[1]]; ok {
				return p.Username
			}
		}
	}
	return ""
}

func extractPlayers(html string) []string {
	seen := make(map[string]bool)
	var players []string
	for _, m := range rePlayerProfileLink.FindAllStringSubmatch(html, -1) {
		name := m[1]
		if name == "" || seen[name] {
			continue
		}
		seen[name] = true
		players = append(players, name)
	}
	return players
}

func extractTitle(html string) string {
	return extractFirst(reTitle, html)
}

func extractFirst(re *regexp.Regexp, html string) string {
	if m := re.FindStringSubmatch(html); len(m) > 1 {
		return strings.TrimSpace(m[1])
	}
	return ""
}

var (
	reAWBWSuffix = regexp.MustCompile(`(?i)\s+AWBW\b`)
	reGamePrefix = regexp.MustCompile(`(?i)^\s*Game\s*-?\s*`)
)

func cleanGameName(name, gameID string) string {
	name = reAWBWSuffix.ReplaceAllString(name, "")
	name = reGamePrefix.ReplaceAllString(name, "")
	name = strings.TrimRight(strings.TrimSpace(name), "-")
	name = strings.TrimSpace(name)
	if name == "" {
		return "Game " + gameID
	}
	return name
}
