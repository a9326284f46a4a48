package stagelinesdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal Stageline HTTP API client.
type Client struct {
	BaseURL     string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 10 * time.Second,
	}
}

// Application represents the API application model.
type Application struct {
	ID            string `json:"id"`
	CandidateName string `json:"candidate_name"`
	Program       string `json:"program,omitempty"`
	Status        string `json:"status"`
	CreatedAt     string `json:"created_at"`
}

// TimelineEntry represents one stage visit.
type TimelineEntry struct {
	ID            string   `json:"id"`
	ApplicationID string   `json:"application_id"`
	Stage         string   `json:"stage"`
	Status        string   `json:"status"`
	Progress      int      `json:"progress"`
	EnteredAt     string   `json:"entered_at"`
	CompletedAt   *string  `json:"completed_at,omitempty"`
	AssignedTo    []string `json:"assigned_to,omitempty"`
}

// Transition represents an audit-log record.
type Transition struct {
	ID               string  `json:"id"`
	ApplicationID    string  `json:"application_id"`
	FromStage        string  `json:"from_stage,omitempty"`
	ToStage          string  `json:"to_stage"`
	TransitionedBy   string  `json:"transitioned_by"`
	TransitionedAt   string  `json:"transitioned_at"`
	Automatic        bool    `json:"automatic"`
	RequiresApproval bool    `json:"requires_approval"`
	ApprovedAt       *string `json:"approved_at,omitempty"`
	RejectedAt       *string `json:"rejected_at,omitempty"`
}

// TransitionResult wraps a transition with delivery warnings.
type TransitionResult struct {
	Transition Transition `json:"transition"`
	Warnings   []string   `json:"warnings,omitempty"`
}

// Issue represents a reported stage issue.
type Issue struct {
	ID            string  `json:"id"`
	ApplicationID string  `json:"application_id"`
	Stage         string  `json:"stage"`
	Severity      string  `json:"severity"`
	Title         string  `json:"title"`
	ResolvedAt    *string `json:"resolved_at,omitempty"`
}

// Notification represents an emitted notification.
type Notification struct {
	ID             string  `json:"id"`
	ApplicationID  string  `json:"application_id"`
	Stage          string  `json:"stage"`
	Title          string  `json:"title"`
	Message        string  `json:"message"`
	Urgency        string  `json:"urgency"`
	ActionRequired bool    `json:"action_required"`
	SentAt         string  `json:"sent_at"`
	ReadAt         *string `json:"read_at,omitempty"`
}

// StageStats aggregates completed entries for one stage.
type StageStats struct {
	Stage           string `json:"stage"`
	Count           int    `json:"count"`
	AverageDuration int64  `json:"average_duration"`
}

// Bottleneck ranks a stage running over estimate.
type Bottleneck struct {
	Stage       string `json:"stage"`
	AverageTime int64  `json:"average_time"`
	Delta       int64  `json:"delta"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// CreateApplication registers an application.
func (c *Client) CreateApplication(ctx context.Context, candidateName, program string) (Application, error) {
	body := map[string]any{
		"candidate_name": candidateName,
	}
	if program != "" {
		body["program"] = program
	}
	var resp Application
	err := c.do(ctx, http.MethodPost, "v0/applications", body, &resp)
	return resp, err
}

// Timeline returns the full stage timeline for an application.
func (c *Client) Timeline(ctx context.Context, applicationID string) ([]TimelineEntry, error) {
	var resp []TimelineEntry
	endpoint := fmt.Sprintf("v0/applications/%s/timeline", url.PathEscape(applicationID))
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// TransitionStage requests a stage change.
func (c *Client) TransitionStage(ctx context.Context, applicationID, toStage, reason string) (TransitionResult, error) {
	body := map[string]any{
		"to_stage": toStage,
	}
	if reason != "" {
		body["reason"] = reason
	}
	var resp TransitionResult
	endpoint := fmt.Sprintf("v0/applications/%s/transition", url.PathEscape(applicationID))
	err := c.do(ctx, http.MethodPost, endpoint, body, &resp)
	return resp, err
}

// ApproveTransition resolves a pending approval.
func (c *Client) ApproveTransition(ctx context.Context, transitionID string) (TransitionResult, error) {
	var resp TransitionResult
	endpoint := fmt.Sprintf("v0/transitions/%s/approve", url.PathEscape(transitionID))
	err := c.do(ctx, http.MethodPost, endpoint, map[string]any{}, &resp)
	return resp, err
}

// RejectTransition rejects a pending approval.
func (c *Client) RejectTransition(ctx context.Context, transitionID, reason string) (TransitionResult, error) {
	var resp TransitionResult
	endpoint := fmt.Sprintf("v0/transitions/%s/reject", url.PathEscape(transitionID))
	err := c.do(ctx, http.MethodPost, endpoint, map[string]any{"reason": reason}, &resp)
	return resp, err
}

// PendingTransitions lists unresolved approval-gated transitions.
func (c *Client) PendingTransitions(ctx context.Context, applicationID string) ([]Transition, error) {
	var resp []Transition
	endpoint := fmt.Sprintf("v0/applications/%s/transitions?pending=true", url.PathEscape(applicationID))
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// ReportIssue reports an issue on the active entry.
func (c *Client) ReportIssue(ctx context.Context, applicationID, severity, title string) (Issue, error) {
	body := map[string]any{
		"severity": severity,
		"title":    title,
	}
	var resp Issue
	endpoint := fmt.Sprintf("v0/applications/%s/issues", url.PathEscape(applicationID))
	err := c.do(ctx, http.MethodPost, endpoint, body, &resp)
	return resp, err
}

// ResolveIssue records a resolution.
func (c *Client) ResolveIssue(ctx context.Context, issueID, resolution string) (Issue, error) {
	var resp Issue
	endpoint := fmt.Sprintf("v0/issues/%s/resolve", url.PathEscape(issueID))
	err := c.do(ctx, http.MethodPost, endpoint, map[string]any{"resolution": resolution}, &resp)
	return resp, err
}

// Notifications lists notifications, optionally unread only.
func (c *Client) Notifications(ctx context.Context, applicationID string, unreadOnly bool) ([]Notification, error) {
	endpoint := fmt.Sprintf("v0/applications/%s/notifications", url.PathEscape(applicationID))
	if unreadOnly {
		endpoint += "?unread=true"
	}
	var resp []Notification
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// StageStatistics returns per-stage completion statistics.
func (c *Client) StageStatistics(ctx context.Context) (map[string]StageStats, error) {
	var resp map[string]StageStats
	err := c.do(ctx, http.MethodGet, "v0/stats/stages", nil, &resp)
	return resp, err
}

// Bottlenecks returns stages running over their estimated duration.
func (c *Client) Bottlenecks(ctx context.Context) ([]Bottleneck, error) {
	var resp []Bottleneck
	err := c.do(ctx, http.MethodGet, "v0/stats/bottlenecks", nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
