package notify

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/comtower/signal-turn-bot/internal/signalbridge"
	"github.com/comtower/signal-turn-bot/internal/store"
	"github.com/comtower/signal-turn-bot/pkg/bridgedto"
)

func newTestDispatcher(t *testing.T, handler http.Handler) *Dispatcher {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	bridge := signalbridge.NewClient(srv.URL, "+10000000000")
	return NewDispatcher(bridge, nil, nil, false)
}

func decodeSend(t *testing.T, r *http.Request) bridgedto.SendRequest {
	t.Helper()
	var req bridgedto.SendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		t.Errorf("decode send request: %v", err)
	}
	return req
}

func sendOK(w http.ResponseWriter) {
	json.NewEncoder(w).Encode(bridgedto.SendResponse{Timestamp: time.Now().UnixMilli()})
}

func sendErr(w http.ResponseWriter, msg string) {
	w.WriteHeader(http.StatusBadRequest)
	json.NewEncoder(w).Encode(bridgedto.ErrorResponse{Error: msg})
}

func TestDispatch_DirectSend(t *testing.T) {
	var mu sync.Mutex
	var got bridgedto.SendRequest
	d := newTestDispatcher(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		got = decodeSend(t, r)
		mu.Unlock()
		sendOK(w)
	}))

	target := Target{
		Subscriber: store.Subscriber{Type: store.TypeDM, Handle: "555-123-4567", Scope: store.ScopeAll},
		Text:       "your move",
		Variant:    store.VariantClassic,
	}
	deliveries := d.Dispatch(context.Background(), "p1", "g1", "alice", []Target{target})

	if len(deliveries) != 1 || deliveries[0].Status != "sent" {
		t.Fatalf("unexpected deliveries: %+v", deliveries)
	}
	mu.Lock()
	defer mu.Unlock()
	if len(got.Recipients) != 1 || got.Recipients[0] != "+5551234567" {
		t.Fatalf("recipient not normalized: %v", got.Recipients)
	}
	if got.Number != "+10000000000" {
		t.Fatalf("sender number not filled: %q", got.Number)
	}
}

func TestDispatch_DirectFailure(t *testing.T) {
	d := newTestDispatcher(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sendErr(w, "unregistered recipient")
	}))

	target := Target{
		Subscriber: store.Subscriber{Type: store.TypeDM, Handle: "+15551234567", Scope: store.ScopeAll},
		Text:       "your move",
		Variant:    store.VariantClassic,
	}
	deliveries := d.Dispatch(context.Background(), "p1", "g1", "alice", []Target{target})

	if len(deliveries) != 1 || deliveries[0].Status != "failed" {
		t.Fatalf("unexpected deliveries: %+v", deliveries)
	}
	if !strings.Contains(deliveries[0].Error, "unregistered") {
		t.Fatalf("bridge error not surfaced: %q", deliveries[0].Error)
	}
}

func TestDispatch_GroupMentionForActivePlayer(t *testing.T) {
	var mu sync.Mutex
	var got bridgedto.SendRequest
	d := newTestDispatcher(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		got = decodeSend(t, r)
		mu.Unlock()
		sendOK(w)
	}))

	text := "alice, you're up"
	target := Target{
		Subscriber: store.Subscriber{
			Type:           store.TypeGroup,
			Handle:         "https://signal.group/#abc123",
			GroupID:        "group.abc",
			PlayerPhoneMap: map[string]string{"Alice": "+15550001111", "Bob": "+15550002222"},
			Scope:          store.ScopeAll,
		},
		Text:    text,
		Variant: store.VariantClassic,
	}
	deliveries := d.Dispatch(context.Background(), "p1", "g1", "alice", []Target{target})
	if len(deliveries) != 1 || deliveries[0].Status != "sent" {
		t.Fatalf("unexpected deliveries: %+v", deliveries)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(got.Recipients) != 1 || got.Recipients[0] != "group.abc" {
		t.Fatalf("group id not used as recipient: %v", got.Recipients)
	}
	if len(got.Mentions) != 1 {
		t.Fatalf("expected exactly one mention, got %d", len(got.Mentions))
	}
	m := got.Mentions[0]
	if m.Author != "+15550001111" {
		t.Fatalf("mention should target the active player's number, got %q", m.Author)
	}
	if m.Start != utf8.RuneCountInString(text)+1 || m.Length != 1 {
		t.Fatalf("mention span wrong: start=%d length=%d", m.Start, m.Length)
	}
	if !strings.HasSuffix(got.Message, bridgedto.MentionGlyph) {
		t.Fatalf("message missing mention glyph: %q", got.Message)
	}
}

func TestDispatch_GroupAltIDRetry(t *testing.T) {
	var calls int32
	var mu sync.Mutex
	var recipients []string
	d := newTestDispatcher(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		req := decodeSend(t, r)
		mu.Lock()
		recipients = append(recipients, req.Recipients...)
		mu.Unlock()
		if len(req.Recipients) == 1 && req.Recipients[0] == "abc" {
			sendOK(w)
			return
		}
		sendErr(w, "invalid group id")
	}))

	target := Target{
		Subscriber: store.Subscriber{Type: store.TypeGroup, Handle: "grp", GroupID: "group.abc", Scope: store.ScopeAll},
		Text:       "your move",
		Variant:    store.VariantClassic,
	}
	deliveries := d.Dispatch(context.Background(), "p1", "g1", "alice", []Target{target})

	if len(deliveries) != 1 || deliveries[0].Status != "sent" {
		t.Fatalf("alt-id retry should have succeeded: %+v", deliveries)
	}
	if n := atomic.LoadInt32(&calls); n != 2 {
		t.Fatalf("expected 2 bridge calls, got %d", n)
	}
	mu.Lock()
	defer mu.Unlock()
	if recipients[0] != "group.abc" || recipients[1] != "abc" {
		t.Fatalf("unexpected recipient sequence: %v", recipients)
	}
}

func TestDispatch_GroupTimeoutSkipsAltID(t *testing.T) {
	var calls int32
	d := newTestDispatcher(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		time.Sleep(600 * time.Millisecond)
		sendOK(w)
	}))
	d.timeout = 100 * time.Millisecond

	target := Target{
		Subscriber: store.Subscriber{Type: store.TypeGroup, Handle: "grp", GroupID: "group.abc", Scope: store.ScopeAll},
		Text:       "your move",
		Variant:    store.VariantClassic,
	}
	deliveries := d.Dispatch(context.Background(), "p1", "g1", "alice", []Target{target})

	if len(deliveries) != 1 || deliveries[0].Status != "failed" {
		t.Fatalf("double timeout must fail: %+v", deliveries)
	}
	// One timeout retry only; no alternate-encoding attempts on a timeout.
	if n := atomic.LoadInt32(&calls); n != 2 {
		t.Fatalf("expected 2 bridge calls, got %d", n)
	}
}

func TestDispatch_TimeoutRetriesOnce(t *testing.T) {
	var calls int32
	d := newTestDispatcher(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			time.Sleep(600 * time.Millisecond)
		}
		sendOK(w)
	}))
	d.timeout = 200 * time.Millisecond

	target := Target{
		Subscriber: store.Subscriber{Type: store.TypeDM, Handle: "+15551234567", Scope: store.ScopeAll},
		Text:       "your move",
		Variant:    store.VariantClassic,
	}
	deliveries := d.Dispatch(context.Background(), "p1", "g1", "alice", []Target{target})

	if len(deliveries) != 1 || deliveries[0].Status != "sent" {
		t.Fatalf("timed-out send should retry once and succeed: %+v", deliveries)
	}
	if n := atomic.LoadInt32(&calls); n != 2 {
		t.Fatalf("expected 2 bridge calls, got %d", n)
	}
}

func TestDispatch_SupersededIsNotAFailure(t *testing.T) {
	arrived := make(chan struct{})
	release := make(chan struct{})
	d := newTestDispatcher(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		close(arrived)
		<-release
		sendErr(w, "too late")
	}))

	target := Target{
		Subscriber: store.Subscriber{Type: store.TypeDM, Handle: "+15551234567", Scope: store.ScopeAll},
		Text:       "your move",
		Variant:    store.VariantClassic,
	}

	resultCh := make(chan *store.Delivery, 1)
	go func() {
		resultCh <- d.sendOne(context.Background(), "p1", "g1", "alice", target)
	}()

	<-arrived
	// A newer event for the same (game, handle) pair takes over the slot.
	_, done := d.begin(context.Background(), flightKey{GameID: "g1", Handle: "+15551234567"})
	close(release)

	if r := <-resultCh; r != nil {
		t.Fatalf("superseded send must not report an outcome, got %+v", r)
	}
	done()

	d.mu.Lock()
	n := len(d.inflight)
	d.mu.Unlock()
	if n != 0 {
		t.Fatalf("inflight map leaked %d entries", n)
	}
}

func TestDispatch_DryRunSkipsBridge(t *testing.T) {
	d := newTestDispatcher(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Errorf("dry run must not hit the bridge")
	}))
	d.dryRun = true

	target := Target{
		Subscriber: store.Subscriber{Type: store.TypeDM, Handle: "+15551234567", Scope: store.ScopeAll},
		Text:       "your move",
		Variant:    store.VariantClassic,
	}
	deliveries := d.Dispatch(context.Background(), "p1", "g1", "alice", []Target{target})
	if len(deliveries) != 1 || deliveries[0].Status != "sent" {
		t.Fatalf("unexpected deliveries: %+v", deliveries)
	}
}

func TestDispatch_PartialFailureAggregation(t *testing.T) {
	d := newTestDispatcher(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		req := decodeSend(t, r)
		if len(req.Recipients) == 1 && req.Recipients[0] == "+15550000001" {
			sendOK(w)
			return
		}
		sendErr(w, "unregistered recipient")
	}))

	targets := []Target{
		{Subscriber: store.Subscriber{Type: store.TypeDM, Handle: "+15550000001", Scope: store.ScopeAll}, Text: "m", Variant: store.VariantClassic},
		{Subscriber: store.Subscriber{Type: store.TypeDM, Handle: "+15550000002", Scope: store.ScopeAll}, Text: "m", Variant: store.VariantFun},
	}
	deliveries := d.Dispatch(context.Background(), "p1", "g1", "alice", targets)
	if len(deliveries) != 2 {
		t.Fatalf("expected 2 deliveries, got %+v", deliveries)
	}
	if got := store.TerminalStatus(deliveries); got != store.StatusPartialFailed {
		t.Fatalf("expected partial-failed, got %s", got)
	}
}
