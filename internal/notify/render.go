package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/valyala/fasthttp"
	"go.uber.org/zap"

	"github.com/comtower/signal-turn-bot/internal/msgcat"
	"github.com/comtower/signal-turn-bot/internal/obslog"
)

// RenderRequest is the payload sent to the external render endpoint.
type RenderRequest struct {
	GameID              string   `json:"gameId"`
	Day                 int      `json:"day"`
	PlayerName          string   `json:"playerName"`
	Players             []string `json:"players"`
	GameName            string   `json:"gameName"`
	Link                string   `json:"link"`
	EnableEmbellishment bool     `json:"enableEmbellishment"`
	IncludeImage        bool     `json:"includeImage"`
}

// RenderResponse is the render endpoint's reply.
type RenderResponse struct {
	Text     string `json:"text"`
	ImageURL string `json:"imageUrl,omitempty"`
}

// Renderer produces the final message text for a turn event. The external
// endpoint supplies the flavor; any failure degrades to a deterministic local
// template. A degraded notification beats no notification.
type Renderer struct {
	url     string
	http    *fasthttp.Client
	catalog *msgcat.Catalog
	timeout time.Duration
	logger  *zap.Logger
}

// NewRenderer builds a renderer. An empty url disables the remote call and
// every render uses the local template.
func NewRenderer(url string, catalog *msgcat.Catalog) *Renderer {
	return &Renderer{
		url:     strings.TrimSpace(url),
		http:    &fasthttp.Client{ReadTimeout: 20 * time.Second, WriteTimeout: 10 * time.Second, MaxConnsPerHost: 8},
		catalog: catalog,
		timeout: 15 * time.Second,
		logger:  obslog.L(),
	}
}

// Variants renders the classic and fun message texts, concurrently when both
// are wanted. Unwanted variants come back empty.
func (r *Renderer) Variants(ctx context.Context, req RenderRequest, wantClassic, wantFun bool) (classic, fun string) {
	var wg sync.WaitGroup
	if wantClassic {
		wg.Add(1)
		go func() {
			defer wg.Done()
			plain := req
			plain.EnableEmbellishment = false
			classic = r.Render(ctx, plain)
		}()
	}
	if wantFun {
		wg.Add(1)
		go func() {
			defer wg.Done()
			embellished := req
			embellished.EnableEmbellishment = true
			fun = r.Render(ctx, embellished)
		}()
	}
	wg.Wait()
	return classic, fun
}

// Render returns the message text for one variant. Never fails: remote errors
// fall back to the catalog template, and the permanent game link plus game-name
// tag are appended when the remote text lacks them.
func (r *Renderer) Render(ctx context.Context, req RenderRequest) string {
	text, err := r.remote(ctx, req)
	if err != nil {
		if r.url != "" {
			r.logger.Warn("render_fallback", zap.String("game_id", req.GameID), zap.Error(err))
		}
		text = r.fallback(req)
	}
	return r.decorate(text, req)
}

func (r *Renderer) remote(ctx context.Context, req RenderRequest) (string, error) {
	if r.url == "" {
		return "", fmt.Errorf("render endpoint not configured")
	}

	hreq := fasthttp.AcquireRequest()
	hresp := fasthttp.AcquireResponse()
	defer func() {
		fasthttp.ReleaseRequest(hreq)
		fasthttp.ReleaseResponse(hresp)
	}()

	hreq.Header.SetMethod(fasthttp.MethodPost)
	hreq.SetRequestURI(r.url)
	hreq.Header.SetContentType("application/json")
	payload, err := json.Marshal(req)
	if err != nil {
		return "", fmt.Errorf("marshal render request: %w", err)
	}
	hreq.SetBody(payload)

	deadline := time.Now().Add(r.timeout)
	if dl, ok := ctx.Deadline(); ok && dl.Before(deadline) {
		deadline = dl
	}
	if err := r.http.DoDeadline(hreq, hresp, deadline); err != nil {
		return "", fmt.Errorf("render request: %w", err)
	}
	if hresp.StatusCode() < 200 || hresp.StatusCode() >= 300 {
		return "", fmt.Errorf("render endpoint: status=%d", hresp.StatusCode())
	}

	var resp RenderResponse
	if err := json.Unmarshal(hresp.Body(), &resp); err != nil {
		return "", fmt.Errorf("decode render response: %w", err)
	}
	if strings.TrimSpace(resp.Text) == "" {
		return "", fmt.Errorf("render endpoint returned empty text")
	}
	return resp.Text, nil
}

func (r *Renderer) fallback(req RenderRequest) string {
	data := map[string]any{
		"Day":      req.Day,
		"Player":   req.PlayerName,
		"GameName": req.GameName,
		"Link":     req.Link,
	}
	text, err := r.catalog.Render("turn.fallback", data)
	if err != nil {
		// Catalog misconfiguration must not kill the notification either.
		r.logger.Error("render_template_error", zap.Error(err))
		return fmt.Sprintf("Next turn is up. %s", req.Link)
	}
	return strings.TrimSpace(text)
}

// decorate guarantees the permanent link and game-name tag are present.
func (r *Renderer) decorate(text string, req RenderRequest) string {
	text = strings.TrimSpace(text)
	if req.GameName != "" && !strings.Contains(text, req.GameName) {
		if tag, err := r.catalog.Render("turn.tag", map[string]any{"GameName": req.GameName}); err == nil {
			text += tag
		}
	}
	if req.Link != "" && !strings.Contains(text, req.Link) {
		text += " " + req.Link
	}
	return text
}

// HourlyPrefix prepends the reminder lead-in for sweep-sourced messages.
func (r *Renderer) HourlyPrefix(text string) string {
	prefix, err := r.catalog.Render("hourly.prefix", nil)
	if err != nil || strings.TrimSpace(prefix) == "" {
		return text
	}
	return strings.TrimSpace(prefix) + " " + text
}
