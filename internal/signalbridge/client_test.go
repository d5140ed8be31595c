package signalbridge

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/valyala/fasthttp"

	"github.com/comtower/signal-turn-bot/pkg/bridgedto"
)

func TestSend_FillsSenderNumber(t *testing.T) {
	var got bridgedto.SendRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/v2/send" {
			t.Errorf("unexpected request: %s %s", r.Method, r.URL.Path)
		}
		json.NewDecoder(r.Body).Decode(&got)
		json.NewEncoder(w).Encode(bridgedto.SendResponse{Timestamp: 42})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "+10000000000")
	resp, err := c.Send(context.Background(), &bridgedto.SendRequest{
		Message:    "hi",
		Recipients: []string{"+15551234567"},
	})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if resp.Timestamp != 42 {
		t.Fatalf("got timestamp %d", resp.Timestamp)
	}
	if got.Number != "+10000000000" {
		t.Fatalf("sender number not filled: %q", got.Number)
	}
}

func TestSend_BridgeErrorSurfaced(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		json.NewEncoder(w).Encode(bridgedto.ErrorResponse{Error: "captcha required"})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "+1")
	_, err := c.Send(context.Background(), &bridgedto.SendRequest{Message: "hi", Recipients: []string{"+2"}})
	if err == nil || !strings.Contains(err.Error(), "captcha required") {
		t.Fatalf("expected bridge error, got %v", err)
	}
}

func TestSend_SingleAttempt(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "+1")
	_, err := c.Send(context.Background(), &bridgedto.SendRequest{Message: "hi", Recipients: []string{"+2"}})
	if err == nil {
		t.Fatalf("expected error")
	}
	// Send never retries internally; the dispatcher owns retry policy.
	if n := atomic.LoadInt32(&calls); n != 1 {
		t.Fatalf("expected 1 attempt, got %d", n)
	}
}

func TestListGroups_RetriesServerErrors(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		json.NewEncoder(w).Encode([]bridgedto.Group{{ID: "group.abc", Name: "war room"}})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "+1")
	groups, err := c.ListGroups(context.Background())
	if err != nil {
		t.Fatalf("ListGroups: %v", err)
	}
	if len(groups) != 1 || groups[0].Name != "war room" {
		t.Fatalf("got %+v", groups)
	}
	if n := atomic.LoadInt32(&calls); n != 2 {
		t.Fatalf("expected retry, got %d calls", n)
	}
}

func TestResolveGroupID(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode([]bridgedto.Group{
			{ID: "group.abc", InternalID: "abc", Name: "war room"},
			{ID: "group.def", InternalID: "def", Name: "lobby"},
		})
	}))
	defer srv.Close()
	c := NewClient(srv.URL, "+1")
	ctx := context.Background()

	byName, err := c.ResolveGroupID(ctx, "", "lobby")
	if err != nil || byName.ID != "group.def" {
		t.Fatalf("by name: %+v %v", byName, err)
	}
	byFragment, err := c.ResolveGroupID(ctx, "abc", "")
	if err != nil || byFragment.ID != "group.abc" {
		t.Fatalf("by fragment: %+v %v", byFragment, err)
	}
	if _, err := c.ResolveGroupID(ctx, "zzz", "nope"); err == nil {
		t.Fatalf("expected not-found error")
	}
}

func TestAltGroupID(t *testing.T) {
	if AltGroupID("group.abc") != "abc" || AltGroupID("abc") != "group.abc" {
		t.Fatalf("AltGroupID must toggle the prefix")
	}
}

func TestInviteFragment(t *testing.T) {
	cases := map[string]string{
		"https://signal.group/#AbCd123=": "AbCd123=",
		"group.abc":                      "abc",
		"plainfragment":                  "plainfragment",
	}
	for in, want := range cases {
		if got := InviteFragment(in); got != want {
			t.Fatalf("InviteFragment(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestIsTimeout(t *testing.T) {
	if !IsTimeout(fasthttp.ErrTimeout) || !IsTimeout(context.DeadlineExceeded) {
		t.Fatalf("timeout errors not recognized")
	}
	if IsTimeout(errors.New("boom")) {
		t.Fatalf("plain errors must not count as timeouts")
	}
}

func TestComputeDeadline_ContextWins(t *testing.T) {
	c := NewClient("http://x", "+1", WithTimeout(time.Hour))
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	dl := c.computeDeadline(ctx)
	if time.Until(dl) > 2*time.Second {
		t.Fatalf("context deadline should win, got %v away", time.Until(dl))
	}
}
