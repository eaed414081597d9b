package notify

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/alanyoungcy/omenarb/internal/domain"
)

type captureSender struct {
	name   string
	err    error
	titles []string
	bodies []string
}

func (c *captureSender) Send(_ context.Context, title, message string) error {
	c.titles = append(c.titles, title)
	c.bodies = append(c.bodies, message)
	return c.err
}

func (c *captureSender) Name() string { return c.name }

func testLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func TestNotifierFiltersEvents(t *testing.T) {
	s := &captureSender{name: "capture"}
	n := NewNotifier([]Sender{s}, []string{EventExecution, " "}, testLogger())
	ctx := context.Background()

	if err := n.Notify(ctx, EventOpportunity, "t", "m"); err != nil {
		t.Fatal(err)
	}
	if err := n.Notify(ctx, EventExecution, "t", "m"); err != nil {
		t.Fatal(err)
	}
	if len(s.titles) != 1 {
		t.Errorf("sent %d notifications, want 1", len(s.titles))
	}
	if err := n.NotifyAll(ctx, "all", "m"); err != nil {
		t.Fatal(err)
	}
	if len(s.titles) != 2 {
		t.Errorf("NotifyAll should bypass the filter")
	}
}

func TestNotifierCombinesSenderErrors(t *testing.T) {
	good := &captureSender{name: "good"}
	bad := &captureSender{name: "bad", err: errors.New("boom")}
	n := NewNotifier([]Sender{bad, good}, nil, testLogger())

	err := n.NotifyAll(context.Background(), "t", "m")
	if err == nil || !strings.Contains(err.Error(), "bad: boom") {
		t.Fatalf("err = %v", err)
	}
	if len(good.titles) != 1 {
		t.Error("a failing sender must not block the others")
	}
}

func TestNotifierReportMapsRecords(t *testing.T) {
	s := &captureSender{name: "capture"}
	n := NewNotifier([]Sender{s}, nil, testLogger())
	ctx := context.Background()

	n.Report(ctx, domain.Record{Kind: domain.RecordLegDecision, Message: "leg skipped"})
	n.Report(ctx, domain.Record{
		Kind:     domain.RecordExecution,
		MarketID: "0xm",
		Message:  "aborted",
		Fields:   map[string]any{"error": "rpc down", "committed": 1},
	})
	if len(s.titles) != 1 || s.titles[0] != "Execution aborted" {
		t.Fatalf("titles = %v", s.titles)
	}
	if !strings.Contains(s.bodies[0], "committed: 1") || !strings.Contains(s.bodies[0], "market: 0xm") {
		t.Errorf("body = %q", s.bodies[0])
	}
}

func TestDiscordSenderPostsEmbed(t *testing.T) {
	var got discordPayload
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode: %v", err)
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	if err := NewDiscordSender(srv.URL).Send(context.Background(), "title", "body"); err != nil {
		t.Fatal(err)
	}
	if len(got.Embeds) != 1 || got.Embeds[0].Title != "title" || got.Embeds[0].Description != "body" {
		t.Errorf("payload = %+v", got)
	}
}

func TestDiscordSenderReportsStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "rate limited", http.StatusTooManyRequests)
	}))
	defer srv.Close()

	err := NewDiscordSender(srv.URL).Send(context.Background(), "t", "m")
	if err == nil || !strings.Contains(err.Error(), "429") {
		t.Errorf("err = %v, want status error", err)
	}
}

func TestNewTelegramSenderRejectsBadChatID(t *testing.T) {
	if _, err := NewTelegramSender("token", "not-a-number"); err == nil {
		t.Error("expected parse error")
	}
	if _, err := NewTelegramSender("token", "-100123"); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
}
