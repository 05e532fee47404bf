package alerting

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"vaultwatch/internal/vault"
)

func sampleNote() Notification {
	return Notification{
		Network:        "karura",
		CycleAt:        time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC),
		PositionID:     "alice-KSM",
		OwnerID:        "alice",
		CollateralID:   "KSM",
		From:           vault.ZoneYellow,
		To:             vault.ZoneRed,
		RatioPct:       decimal.RequireFromString("157.142857"),
		LiquidationPct: decimal.NewFromInt(150),
	}
}

func TestTelegramNotifierSuccess(t *testing.T) {
	received := make(map[string]string)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.Contains(r.URL.Path, "sendMessage") {
			t.Fatalf("路径应包含 sendMessage, 实际 %s", r.URL.Path)
		}
		if err := json.NewDecoder(r.Body).Decode(&received); err != nil {
			t.Fatalf("解析请求体失败: %v", err)
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"ok": true})
	}))
	defer srv.Close()

	notifier := NewTelegramNotifier("token", "chat", srv.URL, time.Second, testLogger())
	if err := notifier.Notify(context.Background(), sampleNote()); err != nil {
		t.Fatalf("Telegram Notify 应成功: %v", err)
	}

	if received["chat_id"] != "chat" {
		t.Fatalf("chat_id 不正确: %#v", received)
	}
	text := received["text"]
	if !strings.Contains(text, "alice-KSM") || !strings.Contains(text, "yellow -> red") || !strings.Contains(text, "157.14%") {
		t.Fatalf("消息内容不完整: %q", text)
	}
}

func TestTelegramNotifierError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(map[string]any{"ok": false})
	}))
	defer srv.Close()

	notifier := NewTelegramNotifier("token", "chat", srv.URL, time.Second, testLogger())
	if err := notifier.Notify(context.Background(), sampleNote()); err == nil {
		t.Fatal("ok=false 应报错")
	}
}

type failingNotifier struct{ calls int }

func (f *failingNotifier) Notify(context.Context, Notification) error {
	f.calls++
	return errors.New("boom")
}

func TestMultiNotifiesEveryChannel(t *testing.T) {
	first, second := &failingNotifier{}, &failingNotifier{}
	err := Multi{first, NewLogNotifier(testLogger()), second}.Notify(context.Background(), sampleNote())
	if err == nil {
		t.Fatal("应返回首个错误")
	}
	if first.calls != 1 || second.calls != 1 {
		t.Fatal("某个通道失败时其余通道仍应被调用")
	}
}

func testLogger() zerolog.Logger {
	return zerolog.Nop()
}
