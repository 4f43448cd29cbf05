package app

import (
	"context"
	"path/filepath"
	"strings"
	"testing"

	"funding-arb-bot/internal/alerts"
	"funding-arb-bot/internal/config"
	"funding-arb-bot/internal/engine"
	"funding-arb-bot/internal/state"
	"funding-arb-bot/internal/state/sqlite"

	"go.uber.org/zap"
)

func newTestApp(t *testing.T) *App {
	t.Helper()
	store, err := sqlite.New(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return &App{
		cfg:     &config.Config{},
		log:     zap.NewNop(),
		store:   store,
		alerts:  alerts.NewTelegram(config.TelegramConfig{}, zap.NewNop()),
		engines: make(map[string]*engine.Engine),
	}
}

func TestParseOperatorCommand(t *testing.T) {
	cases := []struct {
		text string
		cmd  string
		ok   bool
	}{
		{"/pause", "pause", true},
		{"  /RESUME  ", "resume", true},
		{"/status now please", "status", true},
		{"pause", "", false},
		{"", "", false},
		{"   ", "", false},
	}
	for _, tc := range cases {
		cmd, ok := parseOperatorCommand(tc.text)
		if cmd != tc.cmd || ok != tc.ok {
			t.Fatalf("parse %q: got (%q, %v), want (%q, %v)", tc.text, cmd, ok, tc.cmd, tc.ok)
		}
	}
}

func TestOperatorPauseResume(t *testing.T) {
	ctx := context.Background()
	a := newTestApp(t)
	meta := operatorMeta{UpdateID: 1, UserID: 7, ChatID: 42, Raw: "/pause"}

	if resp := a.handleOperatorCommand(ctx, "pause", meta); resp != "trading paused" {
		t.Fatalf("pause response: %q", resp)
	}
	if !a.isPaused() {
		t.Fatal("expected paused after /pause")
	}
	if resp := a.handleOperatorCommand(ctx, "pause", meta); resp != "trading already paused" {
		t.Fatalf("repeat pause response: %q", resp)
	}
	if resp := a.handleOperatorCommand(ctx, "resume", meta); resp != "trading resumed" {
		t.Fatalf("resume response: %q", resp)
	}
	if a.isPaused() {
		t.Fatal("expected active after /resume")
	}
	if resp := a.handleOperatorCommand(ctx, "resume", meta); resp != "trading already active" {
		t.Fatalf("repeat resume response: %q", resp)
	}
	if resp := a.handleOperatorCommand(ctx, "shrug", meta); !strings.Contains(resp, "/status") {
		t.Fatalf("unknown command should return help, got %q", resp)
	}
}

func TestOperatorStatusReadsSnapshots(t *testing.T) {
	ctx := context.Background()
	a := newTestApp(t)
	a.engines["ETH"] = nil
	a.engines["BTC"] = nil

	if err := state.SaveEngineSnapshot(ctx, a.store, state.EngineSnapshot{
		State:         "OPENING",
		BaseToken:     "ETH",
		PerpSize:      10,
		PerpNotional:  1000.5,
		HedgeSize:     10,
		HedgeNotional: 1001.25,
	}); err != nil {
		t.Fatalf("save snapshot: %v", err)
	}

	status := a.operatorStatus(ctx)
	if !strings.HasPrefix(status, "paused: false") {
		t.Fatalf("status missing paused line: %q", status)
	}
	if !strings.Contains(status, "ETH: OPENING perp 10.000000 (1000.50) hedge 10.000000 (1001.25)") {
		t.Fatalf("status missing ETH snapshot: %q", status)
	}
	if !strings.Contains(status, "BTC: no snapshot yet") {
		t.Fatalf("status missing BTC placeholder: %q", status)
	}
}

func TestHandleOperatorUpdateFilters(t *testing.T) {
	ctx := context.Background()
	a := newTestApp(t)
	allowed := map[int64]struct{}{7: {}}
	pause := func(chatID, userID int64, text string) alerts.Update {
		return alerts.Update{
			UpdateID: 1,
			Message: &alerts.Message{
				Text: text,
				Chat: &alerts.Chat{ID: chatID},
				From: &alerts.User{ID: userID},
			},
		}
	}

	a.handleOperatorUpdate(ctx, pause(99, 7, "/pause"), 42, allowed)
	if a.isPaused() {
		t.Fatal("message from another chat must be ignored")
	}
	a.handleOperatorUpdate(ctx, pause(42, 8, "/pause"), 42, allowed)
	if a.isPaused() {
		t.Fatal("message from a disallowed user must be ignored")
	}
	a.handleOperatorUpdate(ctx, pause(42, 7, "just chatting"), 42, allowed)
	if a.isPaused() {
		t.Fatal("plain text must be ignored")
	}
	a.handleOperatorUpdate(ctx, alerts.Update{UpdateID: 2}, 42, allowed)
	if a.isPaused() {
		t.Fatal("update without a message must be ignored")
	}
	a.handleOperatorUpdate(ctx, pause(42, 7, "/pause"), 42, allowed)
	if !a.isPaused() {
		t.Fatal("allowed operator command must apply")
	}
	// no allow list means any user in the chat may operate
	a.setPaused(false)
	a.handleOperatorUpdate(ctx, pause(42, 1234, "/pause"), 42, nil)
	if !a.isPaused() {
		t.Fatal("empty allow list must accept any chat member")
	}
}

func TestOperatorOffsetRoundTrip(t *testing.T) {
	ctx := context.Background()
	a := newTestApp(t)

	if got := a.loadOperatorOffset(ctx); got != 0 {
		t.Fatalf("fresh store offset: %d", got)
	}
	a.saveOperatorOffset(ctx, 1234)
	if got := a.loadOperatorOffset(ctx); got != 1234 {
		t.Fatalf("offset after save: %d", got)
	}
	if err := a.store.Set(ctx, operatorOffsetKey, "garbage"); err != nil {
		t.Fatalf("set: %v", err)
	}
	if got := a.loadOperatorOffset(ctx); got != 0 {
		t.Fatalf("corrupt offset should reset: %d", got)
	}
}
