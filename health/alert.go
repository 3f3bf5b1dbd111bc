package health

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gitmind-dev/gitmind/rtlog"
)

// Alert is what Monitor hands to every registered AlertSink when an agent's
// aggregate status changes, whether for the worse or back to Healthy.
type Alert struct {
	AgentID   string
	Status    State
	Message   string
	Timestamp time.Time
}

// AlertSink delivers an Alert somewhere. Monitor never blocks on a sink: a
// slow or failing sink only logs a warning, it never stalls the check loop.
type AlertSink interface {
	Name() string
	Send(ctx context.Context, alert Alert) error
}

// LoggingSink is the default AlertSink: it writes through rtlog at a
// severity matched to the alert's status, the way the teacher logs
// CircuitBreaker/health transitions directly rather than routing them
// through a notification channel.
type LoggingSink struct{}

func NewLoggingSink() *LoggingSink { return &LoggingSink{} }

func (s *LoggingSink) Name() string { return "logging" }

func (s *LoggingSink) Send(ctx context.Context, alert Alert) error {
	switch alert.Status {
	case StateUnhealthy:
		if rtlog.ErrorLog != nil {
			rtlog.ErrorLog.Printf("health: %s is unhealthy: %s", alert.AgentID, alert.Message)
		}
	case StateDegraded:
		if rtlog.WarningLog != nil {
			rtlog.WarningLog.Printf("health: %s is degraded: %s", alert.AgentID, alert.Message)
		}
	default:
		if rtlog.InfoLog != nil {
			rtlog.InfoLog.Printf("health: %s recovered to %s", alert.AgentID, alert.Status)
		}
	}
	return nil
}

// validateWebhookURL rejects anything but http/https and rejects embedded
// credentials, mirroring the teacher's WebhookChannel validation
// (concurrency/notifications.go) that guards against SSRF via a malformed
// or credential-bearing webhook target.
func validateWebhookURL(raw string) error {
	parsed, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid webhook URL: %w", err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return fmt.Errorf("invalid URL scheme: only http/https allowed")
	}
	if parsed.User != nil {
		return fmt.Errorf("credentials in URL not allowed")
	}
	return nil
}

// WebhookSink posts each Alert as JSON to a configured HTTP endpoint,
// grounded on the teacher's WebhookChannel (concurrency/notifications.go).
type WebhookSink struct {
	url    string
	client *http.Client
	mu     sync.Mutex
}

// NewWebhookSink validates url and builds a WebhookSink that posts to it.
func NewWebhookSink(rawURL string) (*WebhookSink, error) {
	if err := validateWebhookURL(rawURL); err != nil {
		return nil, err
	}
	return &WebhookSink{
		url: rawURL,
		client: &http.Client{
			Timeout: 10 * time.Second,
			Transport: &http.Transport{
				TLSClientConfig: &tls.Config{MinVersion: tls.VersionTLS12},
			},
		},
	}, nil
}

func (s *WebhookSink) Name() string { return "webhook" }

func (s *WebhookSink) Send(ctx context.Context, alert Alert) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	payload, err := json.Marshal(alert)
	if err != nil {
		return fmt.Errorf("health: marshal alert: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("health: build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		if rtlog.WarningLog != nil {
			rtlog.WarningLog.Printf("health: webhook %s delivery failed: %v", rtlog.SanitizeURL(s.url), err)
		}
		return fmt.Errorf("health: send webhook: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("health: webhook returned status %d: %s", resp.StatusCode, string(body))
	}
	return nil
}
