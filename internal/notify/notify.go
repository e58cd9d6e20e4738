// Package notify forwards selected orchestrator events to outbound channels.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/fatih/color"
	"github.com/rs/zerolog"

	"portfolio-orchestrator/internal/config"
	"portfolio-orchestrator/internal/models"
)

// Notifier defines the interface for sending notifications.
type Notifier interface {
	Send(ctx context.Context, n Notification) error
}

// NotificationChannel defines the interface for a notification channel.
type NotificationChannel interface {
	Name() string
	Send(ctx context.Context, n Notification) error
	IsEnabled() bool
}

// Notification represents a notification message.
type Notification struct {
	Type        NotificationType       `json:"type"`
	Title       string                 `json:"title"`
	Message     string                 `json:"message"`
	PortfolioID string                 `json:"portfolio_id,omitempty"`
	BotID       string                 `json:"bot_id,omitempty"`
	Data        map[string]interface{} `json:"data,omitempty"`
	Timestamp   time.Time              `json:"timestamp"`
}

// NotificationType represents the type of notification.
type NotificationType string

const (
	NotificationTrade NotificationType = "trade"
	NotificationError NotificationType = "error"
	NotificationInfo  NotificationType = "info"
)

// NotificationLevel represents the notification level filter.
type NotificationLevel string

const (
	LevelAll        NotificationLevel = "all"
	LevelTradesOnly NotificationLevel = "trades_only"
	LevelErrorsOnly NotificationLevel = "errors_only"
)

// FromEvent turns an event into a notification. ok is false for events that
// are never worth notifying, such as periodic performance updates.
func FromEvent(ev models.Event) (n Notification, ok bool) {
	n = Notification{
		PortfolioID: ev.PortfolioID,
		BotID:       ev.BotID,
		Data:        ev.Data,
		Timestamp:   ev.Timestamp,
	}
	switch ev.Type {
	case models.EventExecutionSettled:
		n.Type = NotificationTrade
		if status, _ := ev.Data["status"].(string); status != string(models.ExecutionCompleted) {
			n.Type = NotificationError
		}
		n.Title = fmt.Sprintf("Execution %v: %v %v", ev.Data["status"], ev.Data["execution_type"], ev.Data["symbol"])
		n.Message = fmt.Sprintf("bot %s: %v %v @ %v", ev.BotID, ev.Data["execution_type"], ev.Data["quantity"], ev.Data["price"])
	case models.EventBotStatusChanged:
		n.Type = NotificationInfo
		to, _ := ev.Data["to"].(string)
		if to == string(models.BotError) {
			n.Type = NotificationError
		}
		n.Title = fmt.Sprintf("Bot %s: %v -> %s", ev.BotID, ev.Data["from"], to)
		if reason, _ := ev.Data["reason"].(string); reason != "" {
			n.Message = reason
		}
	case models.EventAllocationChanged:
		n.Type = NotificationInfo
		n.Title = fmt.Sprintf("Allocation of bot %s changed", ev.BotID)
		n.Message = fmt.Sprintf("%v%% (%v)", ev.Data["allocated_percentage"], ev.Data["allocated_amount"])
	default:
		return Notification{}, false
	}
	return n, true
}

// MultiNotifier sends notifications to multiple channels.
type MultiNotifier struct {
	channels []NotificationChannel
	level    NotificationLevel
	mu       sync.RWMutex
}

// NewMultiNotifier creates a new MultiNotifier with the given configuration.
func NewMultiNotifier(cfg config.NotifyConfig) *MultiNotifier {
	mn := &MultiNotifier{
		channels: make([]NotificationChannel, 0),
		level:    NotificationLevel(cfg.Level),
	}

	if mn.level == "" {
		mn.level = LevelAll
	}

	if cfg.Webhook.Enabled {
		mn.channels = append(mn.channels, NewWebhookNotifier(cfg.Webhook))
	}

	return mn
}

// AddChannel adds a notification channel.
func (mn *MultiNotifier) AddChannel(ch NotificationChannel) {
	mn.mu.Lock()
	defer mn.mu.Unlock()
	mn.channels = append(mn.channels, ch)
}

// HasChannels reports whether any enabled channel is configured.
func (mn *MultiNotifier) HasChannels() bool {
	mn.mu.RLock()
	defer mn.mu.RUnlock()
	for _, ch := range mn.channels {
		if ch.IsEnabled() {
			return true
		}
	}
	return false
}

// shouldSend checks if a notification should be sent based on the level filter.
func (mn *MultiNotifier) shouldSend(notifType NotificationType) bool {
	switch mn.level {
	case LevelTradesOnly:
		return notifType == NotificationTrade
	case LevelErrorsOnly:
		return notifType == NotificationError
	default:
		return true
	}
}

// Send sends a notification to all enabled channels.
func (mn *MultiNotifier) Send(ctx context.Context, n Notification) error {
	if !mn.shouldSend(n.Type) {
		return nil
	}

	if n.Timestamp.IsZero() {
		n.Timestamp = time.Now()
	}

	mn.mu.RLock()
	channels := mn.channels
	mn.mu.RUnlock()

	var errs []string
	for _, ch := range channels {
		if ch.IsEnabled() {
			if err := ch.Send(ctx, n); err != nil {
				errs = append(errs, fmt.Sprintf("%s: %v", ch.Name(), err))
			}
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("notification errors: %s", strings.Join(errs, "; "))
	}
	return nil
}

// WebhookNotifier sends notifications via HTTP webhook.
type WebhookNotifier struct {
	url     string
	enabled bool
	client  *http.Client
}

// NewWebhookNotifier creates a new WebhookNotifier.
func NewWebhookNotifier(cfg config.WebhookConfig) *WebhookNotifier {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &WebhookNotifier{
		url:     cfg.URL,
		enabled: cfg.Enabled && cfg.URL != "",
		client: &http.Client{
			Timeout: timeout,
		},
	}
}

// Name returns the name of the notifier.
func (w *WebhookNotifier) Name() string {
	return "webhook"
}

// IsEnabled returns whether the notifier is enabled.
func (w *WebhookNotifier) IsEnabled() bool {
	return w.enabled
}

// Send sends a notification via webhook.
func (w *WebhookNotifier) Send(ctx context.Context, n Notification) error {
	if !w.enabled {
		return nil
	}

	body, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("marshaling webhook payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("creating webhook request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "PortfolioOrchestrator/1.0")

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("sending webhook: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}

	return nil
}

// ConsoleNotifier prints notifications as colored lines.
type ConsoleNotifier struct {
	mu sync.Mutex
	w  io.Writer
}

// NewConsoleNotifier creates a console channel writing to w.
func NewConsoleNotifier(w io.Writer) *ConsoleNotifier {
	return &ConsoleNotifier{w: w}
}

// Name returns the name of the notifier.
func (c *ConsoleNotifier) Name() string { return "console" }

// IsEnabled returns whether the notifier is enabled.
func (c *ConsoleNotifier) IsEnabled() bool { return c.w != nil }

// Send writes the notification.
func (c *ConsoleNotifier) Send(_ context.Context, n Notification) error {
	paint := color.New(color.FgCyan).SprintFunc()
	switch n.Type {
	case NotificationError:
		paint = color.New(color.FgRed, color.Bold).SprintFunc()
	case NotificationTrade:
		paint = color.New(color.FgGreen).SprintFunc()
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	_, err := fmt.Fprintf(c.w, "%s %s %s\n", n.Timestamp.Format("15:04:05"), paint(n.Title), n.Message)
	return err
}

// EventSink forwards events to a notifier on its own goroutine so slow
// channels never hold up event delivery. Events beyond the queue are dropped.
type EventSink struct {
	notifier Notifier
	log      zerolog.Logger
	queue    chan Notification
	done     chan struct{}
	once     sync.Once
}

// NewEventSink creates a sink and starts its worker.
func NewEventSink(n Notifier, log zerolog.Logger, queueSize int) *EventSink {
	if queueSize <= 0 {
		queueSize = 100
	}
	s := &EventSink{
		notifier: n,
		log:      log,
		queue:    make(chan Notification, queueSize),
		done:     make(chan struct{}),
	}
	go s.run()
	return s
}

// Name implements stream.Sink.
func (s *EventSink) Name() string { return "notify" }

// Consume implements stream.Sink.
func (s *EventSink) Consume(ev models.Event) {
	n, ok := FromEvent(ev)
	if !ok {
		return
	}
	select {
	case s.queue <- n:
	default:
		s.log.Warn().Str("title", n.Title).Msg("notification queue full, dropping")
	}
}

func (s *EventSink) run() {
	defer close(s.done)
	for n := range s.queue {
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		if err := s.notifier.Send(ctx, n); err != nil {
			s.log.Warn().Err(err).Str("title", n.Title).Msg("notification failed")
		}
		cancel()
	}
}

// Close stops accepting events and waits for queued notifications.
func (s *EventSink) Close() {
	s.once.Do(func() { close(s.queue) })
	<-s.done
}

// NoOpNotifier is a notifier that does nothing.
type NoOpNotifier struct{}

// Send does nothing.
func (NoOpNotifier) Send(context.Context, Notification) error { return nil }
