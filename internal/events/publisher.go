package events

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/mymmrac/telego"
	"github.com/redis/go-redis/v9"

	"github.com/oturie/relay/internal/logger"
)

const (
	webhookTimeout = 5 * time.Second

	// publishTimeout bounds how long any single sink may spend delivering
	// one event.
	publishTimeout = 10 * time.Second
)

// Publisher delivers lifecycle events. Implementations never return errors;
// failures are an implementation-internal logging concern.
type Publisher interface {
	Publish(ctx context.Context, event Event)
}

// Multi fans one event out to every configured sink.
type Multi struct {
	sinks []Publisher
}

// NewMulti builds a fan-out publisher. An empty sink list is valid and
// publishes to nobody.
func NewMulti(sinks ...Publisher) *Multi {
	return &Multi{sinks: sinks}
}

// Publish hands the event to every sink on its own goroutine and returns
// immediately. Each sink gets a fresh bounded context detached from the
// caller's, so a slow or hung sink can neither stall the calling execution
// nor be cut short by it.
func (m *Multi) Publish(_ context.Context, event Event) {
	for _, sink := range m.sinks {
		go func(s Publisher) {
			ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
			defer cancel()
			s.Publish(ctx, event)
		}(sink)
	}
}

// WebhookSink POSTs events as JSON to a fixed URL.
type WebhookSink struct {
	url        string
	httpClient *http.Client
	log        *logger.Logger
}

// NewWebhookSink creates a webhook sink.
func NewWebhookSink(url string, log *logger.Logger) *WebhookSink {
	return &WebhookSink{
		url:        url,
		httpClient: &http.Client{Timeout: webhookTimeout},
		log:        log,
	}
}

// Publish POSTs the event; failures are logged and swallowed.
func (s *WebhookSink) Publish(ctx context.Context, event Event) {
	body, err := json.Marshal(event)
	if err != nil {
		s.log.Warn("failed to encode event", logger.Field{Key: "error", Value: err})
		return
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		s.log.Warn("failed to build event request", logger.Field{Key: "error", Value: err})
		return
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		s.log.Warn("event webhook delivery failed",
			logger.Field{Key: "type", Value: event.Type},
			logger.Field{Key: "error", Value: err})
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		s.log.Warn("event webhook rejected",
			logger.Field{Key: "type", Value: event.Type},
			logger.Field{Key: "status", Value: resp.StatusCode})
	}
}

// RedisSink publishes events on a Redis pub/sub channel.
type RedisSink struct {
	client  redis.UniversalClient
	channel string
	log     *logger.Logger
}

// NewRedisSink creates a Redis pub/sub sink.
func NewRedisSink(client redis.UniversalClient, channel string, log *logger.Logger) *RedisSink {
	return &RedisSink{client: client, channel: channel, log: log}
}

// Publish sends the event on the channel; failures are logged and swallowed.
func (s *RedisSink) Publish(ctx context.Context, event Event) {
	body, err := json.Marshal(event)
	if err != nil {
		s.log.Warn("failed to encode event", logger.Field{Key: "error", Value: err})
		return
	}
	if err := s.client.Publish(ctx, s.channel, body).Err(); err != nil {
		s.log.Warn("event redis publish failed",
			logger.Field{Key: "type", Value: event.Type},
			logger.Field{Key: "error", Value: err})
	}
}

// TelegramSink notifies operators with a short human-readable line.
type TelegramSink struct {
	bot    *telego.Bot
	chatID int64
	log    *logger.Logger
}

// NewTelegramSink creates a Telegram notifier sink.
func NewTelegramSink(token string, chatID int64, log *logger.Logger) (*TelegramSink, error) {
	bot, err := telego.NewBot(token)
	if err != nil {
		return nil, fmt.Errorf("failed to create telegram bot: %w", err)
	}
	return &TelegramSink{bot: bot, chatID: chatID, log: log}, nil
}

// Publish sends a notification message; failures are logged and swallowed.
// The send carries its own deadline so a hung Telegram API cannot hold the
// caller hostage.
func (s *TelegramSink) Publish(ctx context.Context, event Event) {
	ctx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()

	_, err := s.bot.SendMessage(ctx, &telego.SendMessageParams{
		ChatID: telego.ChatID{ID: s.chatID},
		Text:   formatEvent(event),
	})
	if err != nil {
		s.log.Warn("event telegram delivery failed",
			logger.Field{Key: "type", Value: event.Type},
			logger.Field{Key: "error", Value: err})
	}
}

func formatEvent(event Event) string {
	switch event.Type {
	case TypeExecutionStarted:
		return fmt.Sprintf("▶️ execution %s started (schedule %s)", event.ExecutionID, event.ScheduleID)
	case TypeExecutionCompleted:
		if event.Error != "" {
			return fmt.Sprintf("❌ execution %s finished: %s (%s)", event.ExecutionID, event.Status, event.Error)
		}
		return fmt.Sprintf("✅ execution %s finished: %s", event.ExecutionID, event.Status)
	default:
		return fmt.Sprintf("execution %s: %s", event.ExecutionID, event.Type)
	}
}
