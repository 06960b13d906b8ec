package analyzer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/grovhq/grov-proxy/internal/common/logger"
	"github.com/grovhq/grov-proxy/internal/session/models"
)

// Analyzer is the LLM-backed analysis surface the pipeline consumes. All
// remote calls are bounded by ctx; CheckRecoveryAlignment is pure and
// synchronous.
type Analyzer interface {
	AnalyzeTaskContext(ctx context.Context, req *TaskContextRequest) (*TaskVerdict, error)
	CheckDrift(ctx context.Context, req *DriftRequest) (*DriftResult, error)
	CheckRecoveryAlignment(action *models.Action, recoverySteps []string, session *models.Session) AlignmentResult
	GenerateSessionSummary(ctx context.Context, session *models.Session, steps []*models.Step, maxChars int) (string, error)
}

// HTTPAnalyzer talks to the analysis endpoints of the memory service.
type HTTPAnalyzer struct {
	baseURL    string
	httpClient *http.Client
	logger     *logger.Logger
}

// NewHTTP creates an analyzer client against the given service base URL.
func NewHTTP(baseURL string, timeout time.Duration, log *logger.Logger) *HTTPAnalyzer {
	return &HTTPAnalyzer{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: timeout,
		},
		logger: log.WithComponent("analyzer-client"),
	}
}

// AnalyzeTaskContext classifies one end-of-turn exchange into a task verdict.
func (a *HTTPAnalyzer) AnalyzeTaskContext(ctx context.Context, req *TaskContextRequest) (*TaskVerdict, error) {
	var verdict TaskVerdict
	if err := a.post(ctx, "/api/v1/analyze/task", req, &verdict); err != nil {
		return nil, err
	}
	if verdict.Action == "" {
		return nil, fmt.Errorf("task analyzer returned no action")
	}
	return &verdict, nil
}

// CheckDrift scores the latest actions against the session goal.
func (a *HTTPAnalyzer) CheckDrift(ctx context.Context, req *DriftRequest) (*DriftResult, error) {
	var result DriftResult
	if err := a.post(ctx, "/api/v1/analyze/drift", req, &result); err != nil {
		return nil, err
	}
	if result.Score < 0 || result.Score > 10 {
		return nil, fmt.Errorf("drift score %d out of range", result.Score)
	}
	return &result, nil
}

// GenerateSessionSummary produces a plan summary bounded to maxChars.
func (a *HTTPAnalyzer) GenerateSessionSummary(ctx context.Context, session *models.Session, steps []*models.Step, maxChars int) (string, error) {
	payload := struct {
		Session  *models.Session `json:"session"`
		Steps    []*models.Step  `json:"steps"`
		MaxChars int             `json:"max_chars"`
	}{session, steps, maxChars}

	var result struct {
		Summary string `json:"summary"`
	}
	if err := a.post(ctx, "/api/v1/analyze/summary", payload, &result); err != nil {
		return "", err
	}
	if maxChars > 0 && len(result.Summary) > maxChars {
		result.Summary = result.Summary[:maxChars]
	}
	return result.Summary, nil
}

// CheckRecoveryAlignment decides locally whether an action follows the
// recovery plan: read-only inspection always counts as aligned, mutations
// count when they touch a file or command the plan names.
func (a *HTTPAnalyzer) CheckRecoveryAlignment(action *models.Action, recoverySteps []string, session *models.Session) AlignmentResult {
	return CheckAlignment(action, recoverySteps, session)
}

// CheckAlignment is the pure alignment oracle shared by all analyzer
// implementations.
func CheckAlignment(action *models.Action, recoverySteps []string, session *models.Session) AlignmentResult {
	if action == nil {
		return AlignmentResult{Aligned: false, Reason: "no action observed"}
	}
	if !action.IsMutation() {
		return AlignmentResult{Aligned: true, Reason: "read-only inspection is always permitted during recovery"}
	}
	if len(recoverySteps) == 0 {
		// No explicit plan: fall back to goal-relevance of the touched paths.
		for _, f := range action.Files {
			if session != nil && session.OriginalGoal != "" && containsToken(session.OriginalGoal, f) {
				return AlignmentResult{Aligned: true, Reason: fmt.Sprintf("file %s appears in the session goal", f)}
			}
		}
		return AlignmentResult{Aligned: false, Reason: "mutation without a recovery plan or goal-relevant target"}
	}

	plan := strings.ToLower(strings.Join(recoverySteps, "\n"))
	for _, f := range action.Files {
		if f != "" && strings.Contains(plan, strings.ToLower(baseName(f))) {
			return AlignmentResult{Aligned: true, Reason: fmt.Sprintf("file %s is named by the recovery plan", f)}
		}
	}
	if action.Command != "" {
		first := strings.Fields(action.Command)
		if len(first) > 0 && strings.Contains(plan, strings.ToLower(first[0])) {
			return AlignmentResult{Aligned: true, Reason: fmt.Sprintf("command %s is named by the recovery plan", first[0])}
		}
	}
	return AlignmentResult{Aligned: false, Reason: "action targets nothing in the recovery plan"}
}

func baseName(path string) string {
	if i := strings.LastIndexByte(path, '/'); i >= 0 {
		return path[i+1:]
	}
	return path
}

func containsToken(haystack, path string) bool {
	name := baseName(path)
	if name == "" {
		return false
	}
	return strings.Contains(strings.ToLower(haystack), strings.ToLower(name))
}

func (a *HTTPAnalyzer) post(ctx context.Context, path string, payload, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to encode analyzer request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("analyzer request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("failed to read analyzer response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		a.logger.Debug("Analyzer returned non-2xx",
			zap.String("path", path),
			zap.Int("status", resp.StatusCode))
		return fmt.Errorf("analyzer %s failed with status %d", path, resp.StatusCode)
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("failed to parse analyzer response: %w", err)
	}
	return nil
}
