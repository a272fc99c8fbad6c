package notify

import (
	"bytes"
	"encoding/json"
	"net/http"
	"time"

	"github.com/XCP/xcpfolio-bot/logging"
)

// Level classifies notification events.
type Level string

const (
	LevelInfo     Level = "info"
	LevelSuccess  Level = "success"
	LevelWarning  Level = "warning"
	LevelCritical Level = "critical"
)

// Event is the structured payload posted to the webhook.
type Event struct {
	Level     Level                  `json:"level"`
	Title     string                 `json:"title"`
	Message   string                 `json:"message"`
	Fields    map[string]interface{} `json:"fields,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
}

// Notifier is a fire-and-forget structured event sink. Failures are
// logged and never influence control flow.
type Notifier interface {
	Info(title, message string, fields map[string]interface{})
	Success(title, message string, fields map[string]interface{})
	Warning(title, message string, fields map[string]interface{})
	Critical(title, message string, fields map[string]interface{})
}

// WebhookNotifier posts events as JSON to a configured webhook URL.
type WebhookNotifier struct {
	url    string
	http   *http.Client
	logger *logging.ComponentLogger
}

// New returns a webhook notifier, or a no-op notifier when url is
// empty.
func New(url string, logger *logging.ComponentLogger) Notifier {
	if url == "" {
		return &NopNotifier{}
	}
	return &WebhookNotifier{
		url:    url,
		http:   &http.Client{Timeout: 10 * time.Second},
		logger: logger,
	}
}

func (n *WebhookNotifier) Info(title, message string, fields map[string]interface{}) {
	n.send(LevelInfo, title, message, fields)
}

func (n *WebhookNotifier) Success(title, message string, fields map[string]interface{}) {
	n.send(LevelSuccess, title, message, fields)
}

func (n *WebhookNotifier) Warning(title, message string, fields map[string]interface{}) {
	n.send(LevelWarning, title, message, fields)
}

func (n *WebhookNotifier) Critical(title, message string, fields map[string]interface{}) {
	n.send(LevelCritical, title, message, fields)
}

func (n *WebhookNotifier) send(level Level, title, message string, fields map[string]interface{}) {
	event := Event{
		Level:     level,
		Title:     title,
		Message:   message,
		Fields:    fields,
		Timestamp: time.Now(),
	}
	payload, err := json.Marshal(event)
	if err != nil {
		n.logger.Error().
			Err(err).
			Str("title", title).
			Msg("Failed to encode notification")
		return
	}

	go func() {
		resp, err := n.http.Post(n.url, "application/json", bytes.NewReader(payload))
		if err != nil {
			n.logger.Warn().
				Err(err).
				Str("title", title).
				Msg("Notification delivery failed")
			return
		}
		resp.Body.Close()
		if resp.StatusCode >= 300 {
			n.logger.Warn().
				Int("status", resp.StatusCode).
				Str("title", title).
				Msg("Notification rejected by webhook")
		}
	}()
}

// NopNotifier drops all events. Used when no webhook is configured and
// in tests.
type NopNotifier struct{}

func (NopNotifier) Info(string, string, map[string]interface{})     {}
func (NopNotifier) Success(string, string, map[string]interface{})  {}
func (NopNotifier) Warning(string, string, map[string]interface{})  {}
func (NopNotifier) Critical(string, string, map[string]interface{}) {}
