package memory

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/grovhq/grov-proxy/internal/common/logger"
	"github.com/grovhq/grov-proxy/internal/session/models"
)

const maxFetchLimit = 100

// Service is the memory-service surface the pipeline consumes.
type Service interface {
	FetchTeamMemories(ctx context.Context, projectPath, userPrompt string, currentFiles []string, limit int) ([]*Memory, error)
	SaveMemory(ctx context.Context, session *models.Session, steps []*models.Step, triggerReason string) (string, error)
}

// Client talks JSON/HTTP to the memory service.
type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     *logger.Logger
}

// NewClient creates a memory-service client.
func NewClient(baseURL string, timeout time.Duration, log *logger.Logger) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: timeout,
		},
		logger: log.WithComponent("memory-client"),
	}
}

// FetchTeamMemories runs a semantic search scoped to the project. The service
// never returns more than limit entries; limit is clamped to the batch bound.
func (c *Client) FetchTeamMemories(ctx context.Context, projectPath, userPrompt string, currentFiles []string, limit int) ([]*Memory, error) {
	if limit <= 0 || limit > maxFetchLimit {
		limit = maxFetchLimit
	}
	payload := struct {
		ProjectPath  string   `json:"project_path"`
		UserPrompt   string   `json:"user_prompt"`
		CurrentFiles []string `json:"current_files,omitempty"`
		Limit        int      `json:"limit"`
	}{projectPath, userPrompt, currentFiles, limit}

	var result struct {
		Memories []*Memory `json:"memories"`
	}
	if err := c.post(ctx, "/api/v1/memories/search", payload, &result); err != nil {
		return nil, err
	}
	if len(result.Memories) > limit {
		result.Memories = result.Memories[:limit]
	}
	return result.Memories, nil
}

// SaveMemory persists a completed session as a knowledge entry and returns
// the new entry's id. Transient failures are retried with exponential
// backoff because completion is the only moment this knowledge exists.
func (c *Client) SaveMemory(ctx context.Context, session *models.Session, steps []*models.Step, triggerReason string) (string, error) {
	payload := struct {
		Session       *models.Session `json:"session"`
		Steps         []*models.Step  `json:"steps,omitempty"`
		TriggerReason string          `json:"trigger_reason"`
	}{session, steps, triggerReason}

	var result struct {
		ID string `json:"id"`
	}
	op := func() error {
		return c.post(ctx, "/api/v1/memories", payload, &result)
	}
	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 3), ctx)
	if err := backoff.Retry(op, policy); err != nil {
		return "", err
	}
	c.logger.Info("Memory saved",
		zap.String("memory_id", result.ID),
		zap.String("session_id", session.ID),
		zap.String("trigger", triggerReason))
	return result.ID, nil
}

func (c *Client) post(ctx context.Context, path string, payload, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return backoff.Permanent(fmt.Errorf("failed to encode memory request: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return backoff.Permanent(err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("memory service request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return fmt.Errorf("failed to read memory service response: %w", err)
	}
	if resp.StatusCode >= 400 && resp.StatusCode < 500 {
		return backoff.Permanent(fmt.Errorf("memory service %s rejected request with status %d", path, resp.StatusCode))
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("memory service %s failed with status %d", path, resp.StatusCode)
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return backoff.Permanent(fmt.Errorf("failed to parse memory service response: %w", err))
	}
	return nil
}
