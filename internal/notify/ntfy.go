package notify

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"stageline/internal/config"
	"stageline/internal/domain"
)

const ntfyUserAgent = "Stageline/0.1.0"

type ntfySink struct {
	endpoint string
	client   *http.Client
}

func newNtfySink(cfg config.NtfyConfig) Sink {
	topic := strings.TrimSpace(cfg.Topic)
	if topic == "" {
		return nil
	}
	timeout := time.Duration(cfg.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &ntfySink{endpoint: topic, client: &http.Client{Timeout: timeout}}
}

func (s *ntfySink) Name() string { return "ntfy" }

func (s *ntfySink) Deliver(ctx context.Context, n domain.StageNotification) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint, strings.NewReader(n.Message))
	if err != nil {
		return fmt.Errorf("build ntfy request: %w", err)
	}
	req.Header.Set("User-Agent", ntfyUserAgent)
	req.Header.Set("Content-Type", "text/plain; charset=utf-8")
	req.Header.Set("Title", n.Title)
	req.Header.Set("Tags", strings.Join([]string{"stageline", n.Stage}, ","))
	switch n.Urgency {
	case domain.UrgencyHigh:
		req.Header.Set("Priority", "high")
	case domain.UrgencyLow:
		req.Header.Set("Priority", "low")
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("send ntfy notification: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return fmt.Errorf("ntfy returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}
