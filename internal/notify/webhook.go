package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"stageline/internal/config"
	"stageline/internal/domain"
)

const defaultWebhookTimeout = 5 * time.Second

type webhookSink struct {
	pipeline  string
	hook      config.WebhookConfig
	client    *http.Client
	urgencies map[string]struct{}
}

func newWebhookSink(pipeline string, hook config.WebhookConfig) Sink {
	if hook.Enabled != nil && !*hook.Enabled {
		return nil
	}
	if strings.TrimSpace(hook.URL) == "" {
		return nil
	}
	timeout := defaultWebhookTimeout
	if hook.TimeoutSeconds > 0 {
		timeout = time.Duration(hook.TimeoutSeconds) * time.Second
	}
	s := &webhookSink{
		pipeline: pipeline,
		hook:     hook,
		client:   &http.Client{Timeout: timeout},
	}
	if len(hook.Urgencies) > 0 {
		s.urgencies = make(map[string]struct{}, len(hook.Urgencies))
		for _, u := range hook.Urgencies {
			if key := strings.TrimSpace(u); key != "" {
				s.urgencies[key] = struct{}{}
			}
		}
	}
	return s
}

func (s *webhookSink) Name() string { return "webhook " + s.hook.URL }

func (s *webhookSink) Deliver(ctx context.Context, n domain.StageNotification) error {
	if s.urgencies != nil {
		if _, ok := s.urgencies[n.Urgency]; !ok {
			return nil
		}
	}
	data, err := json.Marshal(n)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.hook.URL, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Stageline-Stage", n.Stage)
	req.Header.Set("X-Stageline-Delivery", n.ID)
	req.Header.Set("X-Stageline-Pipeline", s.pipeline)
	if strings.TrimSpace(s.hook.Secret) != "" {
		req.Header.Set("X-Stageline-Secret", s.hook.Secret)
	}
	res, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return fmt.Errorf("status %d: %s", res.StatusCode, strings.TrimSpace(string(body)))
	}
	return nil
}
