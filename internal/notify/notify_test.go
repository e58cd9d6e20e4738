package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"portfolio-orchestrator/internal/config"
	"portfolio-orchestrator/internal/models"
)

func TestFromEvent(t *testing.T) {
	tests := []struct {
		name string
		ev   models.Event
		want NotificationType
		ok   bool
	}{
		{"completed fill", models.Event{Type: models.EventExecutionSettled, Data: map[string]any{"status": "completed"}}, NotificationTrade, true},
		{"failed fill", models.Event{Type: models.EventExecutionSettled, Data: map[string]any{"status": "failed"}}, NotificationError, true},
		{"fault", models.Event{Type: models.EventBotStatusChanged, Data: map[string]any{"from": "running", "to": "error", "reason": "quotes down"}}, NotificationError, true},
		{"start", models.Event{Type: models.EventBotStatusChanged, Data: map[string]any{"from": "stopped", "to": "running"}}, NotificationInfo, true},
		{"performance", models.Event{Type: models.EventPerformanceUpdated}, "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			n, ok := FromEvent(tt.ev)
			if ok != tt.ok || n.Type != tt.want {
				t.Errorf("got %s %v, want %s %v", n.Type, ok, tt.want, tt.ok)
			}
		})
	}
}

func TestLevelFilter(t *testing.T) {
	var buf bytes.Buffer
	mn := NewMultiNotifier(config.NotifyConfig{Level: "errors_only"})
	mn.AddChannel(NewConsoleNotifier(&buf))

	_ = mn.Send(context.Background(), Notification{Type: NotificationTrade, Title: "fill"})
	_ = mn.Send(context.Background(), Notification{Type: NotificationError, Title: "fault"})

	out := buf.String()
	if strings.Contains(out, "fill") || !strings.Contains(out, "fault") {
		t.Errorf("output = %q", out)
	}
}

func TestEventSinkPostsToWebhook(t *testing.T) {
	var mu sync.Mutex
	var got []Notification
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var n Notification
		_ = json.NewDecoder(r.Body).Decode(&n)
		mu.Lock()
		got = append(got, n)
		mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	mn := NewMultiNotifier(config.NotifyConfig{
		Level:   "all",
		Webhook: config.WebhookConfig{Enabled: true, URL: srv.URL, Timeout: time.Second},
	})
	if !mn.HasChannels() {
		t.Fatal("webhook channel not configured")
	}
	sink := NewEventSink(mn, zerolog.Nop(), 10)
	sink.Consume(models.Event{Type: models.EventBotStatusChanged, PortfolioID: "pf", BotID: "b1",
		Data: map[string]any{"from": "running", "to": "error", "reason": "boom"}})
	sink.Consume(models.Event{Type: models.EventPerformanceUpdated})
	sink.Close()

	mu.Lock()
	defer mu.Unlock()
	if len(got) != 1 || got[0].BotID != "b1" || got[0].Message != "boom" {
		t.Errorf("webhook received %+v", got)
	}
}
