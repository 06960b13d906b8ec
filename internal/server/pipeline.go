package server

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/grovhq/grov-proxy/internal/common/httpmw"
	"github.com/grovhq/grov-proxy/internal/common/tracing"
	"github.com/grovhq/grov-proxy/internal/events"
	"github.com/grovhq/grov-proxy/internal/events/bus"
	"github.com/grovhq/grov-proxy/internal/memory"
	"github.com/grovhq/grov-proxy/internal/orchestrator"
	"github.com/grovhq/grov-proxy/internal/proxy/adapter"
	"github.com/grovhq/grov-proxy/internal/session/manager"
	"github.com/grovhq/grov-proxy/internal/session/models"
)

// handleProxy is the generic handler both endpoints route to: classify the
// turn, inject, forward, run the expansion loop, reply, and kick off the
// post-processor.
func (s *Server) handleProxy(c *gin.Context) {
	a, ok := s.registry.ForPath(c.Request.URL.Path)
	if !ok {
		proxyError(c, http.StatusNotFound, "not found")
		return
	}

	body := httpmw.RawBody(c)
	if len(body) == 0 || !json.Valid(body) {
		proxyError(c, http.StatusBadRequest, "malformed request body")
		return
	}

	// Background models skip the whole pipeline: no session, no injection.
	if a.IsSubagentModel(body) {
		resp, err := s.forward(c.Request.Context(), a, "", c.Request.Header, body)
		if err != nil {
			s.replyForwardError(c, err)
			return
		}
		s.reply(c, a, resp)
		return
	}

	projectPath := a.ExtractProjectPath(c.Request.Header, body)
	s.cache.Touch(projectPath)

	lookup, err := s.sessions.GetOrCreate(c.Request.Context(), projectPath)
	if err != nil {
		// Session lookup failure degrades to a plain forward.
		s.logger.Error("Session lookup failed", zap.String("project", projectPath), zap.Error(err))
	}

	msgCount := a.MessageCount(body)
	reqType := s.state.DetectRequestType(projectPath, msgCount, a.LastMessageHasToolResult(body))
	userMessage := a.ExtractUserMessage(body)

	outBody := s.injectForTurn(c.Request.Context(), a, projectPath, lookup, reqType, body, msgCount, userMessage)

	resp, err := s.forward(c.Request.Context(), a, projectPath, c.Request.Header, outBody)
	if err != nil {
		s.replyForwardError(c, err)
		return
	}

	resp, outBody = s.expandLoop(c.Request.Context(), a, projectPath, c.Request.Header, outBody, resp)

	if resp.Status >= http.StatusInternalServerError {
		s.logger.Warn("Upstream error",
			zap.String("project", projectPath),
			zap.Int("status", resp.Status))
		proxyError(c, http.StatusBadGateway, "upstream error")
		return
	}

	if resp.Status == http.StatusOK {
		info := a.Inspect(resp.Body)
		if info.Valid {
			if info.EndTurn {
				s.spawnPostProcess(a, projectPath, lookup, userMessage, info, c.Request.Header, outBody)
			} else {
				s.persistPlaceholder(c.Request.Context(), lookup)
			}
		}
	}
	s.reply(c, a, resp)
}

// persistPlaceholder creates the session row early when the exchange is still
// mid-turn, so steps of later tool turns have a home before task analysis
// names a goal.
func (s *Server) persistPlaceholder(ctx context.Context, lookup *manager.Lookup) {
	if lookup == nil || lookup.Session == nil || !lookup.Session.IsNew {
		return
	}
	if err := s.sessions.Persist(ctx, lookup.Session); err != nil {
		s.logger.Error("Placeholder session persist failed",
			zap.String("session_id", lookup.Session.ID),
			zap.Error(err))
	}
}

// injectForTurn applies the turn's injections. Injection failure is logged
// and the original bytes are forwarded; the client is never errored.
func (s *Server) injectForTurn(ctx context.Context, a adapter.Adapter, projectPath string, lookup *manager.Lookup, reqType memory.RequestType, body []byte, msgCount int, userMessage string) []byte {
	switch reqType {
	case memory.RequestFirst, memory.RequestNewConversation:
		return s.injectFirst(ctx, a, projectPath, lookup, body, msgCount, userMessage)

	case memory.RequestRetry:
		// Bit-stable replay: same delta as the original attempt, no new
		// pending record, no memory-service call.
		systemText := memory.ExpandToolDescription
		delta, _ := s.state.CachedPreview(projectPath, msgCount)
		out := s.applyInjections(a, body, systemText, delta)
		return s.reconstruct(a, projectPath, out)

	default: // continuation
		out := s.applyInjections(a, body, memory.ExpandToolDescription, "")
		return s.reconstruct(a, projectPath, out)
	}
}

// reconstruct re-applies committed preview records to the positions they were
// recorded at, so a resent history carries the same previews the model saw
// when they were first injected. Tool-cycle records are never replayed.
// Runs after the byte-level injections: the object-level rewrite only touches
// the messages at the recorded positions, never the current one.
// Without committed previews the original bytes pass through untouched.
func (s *Server) reconstruct(a adapter.Adapter, projectPath string, body []byte) []byte {
	out := body
	for _, rec := range s.state.History(projectPath) {
		if rec.Kind != memory.RecordPreview || rec.Text == "" {
			continue
		}
		b, ok := a.InjectPreviewAt(out, rec.Position, rec.Text)
		if !ok {
			// The position no longer holds a user message; skip the record.
			continue
		}
		out = b
	}
	return out
}

// injectFirst runs the serialized first-request sequence: commit pending,
// fetch memories, build the preview, inject, record pending.
func (s *Server) injectFirst(ctx context.Context, a adapter.Adapter, projectPath string, lookup *manager.Lookup, body []byte, msgCount int, userMessage string) []byte {
	out := body
	_ = s.state.SerializeFirst(projectPath, func() error {
		s.state.CommitPending(projectPath)

		mems, err := s.memSvc.FetchTeamMemories(ctx, projectPath, userMessage, nil, s.cfg.Memory.MaxPerPreview)
		if err != nil {
			// The explicit empty preview below stops the model from acting
			// on a stale one.
			s.logger.Warn("Memory fetch failed",
				zap.String("project", projectPath),
				zap.Error(err))
			mems = nil
		}
		s.state.CacheMemories(projectPath, mems)

		delta := memory.BuildPreview(mems, time.Now().UTC())
		if lookup != nil && lookup.Session != nil && !lookup.Session.IsNew {
			if pc := lookup.Session.PendingCorrection; pc != "" {
				delta += "\n\n" + pc
			}
			if fr := lookup.Session.PendingForcedRecovery; fr != "" {
				delta += "\n\nMANDATORY RECOVERY PLAN:\n" + fr
			}
		}

		systemText := memory.ExpandToolDescription
		working := body
		cleared := false
		if summary, ok := s.orch.TakePendingClear(projectPath); ok {
			// A completed plan replaces the history: only the current user
			// message goes upstream, with the summary in the system prompt.
			systemText += "\n\n[PREVIOUS PLAN SUMMARY]\n" + summary
			if trimmed, ok := a.TrimToLastUserMessage(working); ok {
				working = trimmed
				cleared = true
			} else {
				s.logger.Warn("History trim failed, forwarding full history",
					zap.String("project", projectPath))
			}
		}

		out = s.applyInjections(a, working, systemText, delta)
		if !cleared {
			out = s.reconstruct(a, projectPath, out)
		}
		s.state.AddPreviewRecord(projectPath, msgCount-1, delta, msgCount)
		s.publish(ctx, events.SubjectMemory, events.MemoryInjected, map[string]any{
			"project":   projectPath,
			"memories":  len(mems),
			"msg_count": msgCount,
		})
		return nil
	})
	return out
}

// applyInjections layers system text, user delta, and the expand tool onto
// the original bytes. Each step that fails leaves the previous bytes intact.
func (s *Server) applyInjections(a adapter.Adapter, body []byte, systemText, userDelta string) []byte {
	out := body
	if b, ok := a.InjectSystem(out, systemText); ok {
		out = b
	} else {
		s.logger.Warn("System injection failed", zap.String("adapter", a.Name()))
	}
	if userDelta != "" {
		if b, ok := a.InjectUserDelta(out, userDelta); ok {
			out = b
		} else {
			s.logger.Warn("User delta injection failed", zap.String("adapter", a.Name()))
		}
	}
	if b, ok := a.InjectExpandTool(out); ok {
		out = b
	} else {
		s.logger.Warn("Tool injection failed", zap.String("adapter", a.Name()))
	}
	return out
}

func (s *Server) forward(ctx context.Context, a adapter.Adapter, projectPath string, headers http.Header, body []byte) (*adapter.UpstreamResponse, error) {
	ctx, span := tracing.TraceForward(ctx, a.Name(), projectPath, len(body))
	resp, err := a.Forward(ctx, headers, body)
	tracing.EndSpan(span, err)
	return resp, err
}

func (s *Server) replyForwardError(c *gin.Context, err error) {
	if isTimeout(err) {
		proxyError(c, http.StatusGatewayTimeout, "Gateway timeout")
		return
	}
	s.logger.Warn("Upstream unreachable", zap.Error(err))
	proxyError(c, http.StatusBadGateway, "upstream unreachable")
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// expandLoop resolves expand tool-calls and continues the upstream
// conversation until the model stops asking or the cap is hit. Returns the
// final response and the final forwarded body.
func (s *Server) expandLoop(ctx context.Context, a adapter.Adapter, projectPath string, headers http.Header, reqBody []byte, resp *adapter.UpstreamResponse) (*adapter.UpstreamResponse, []byte) {
	for i := 0; i < maxExpandIterations; i++ {
		if resp.Status != http.StatusOK {
			return resp, reqBody
		}
		info := a.Inspect(resp.Body)
		if !info.Valid || info.ExpandCall == nil {
			return resp, reqBody
		}

		call := info.ExpandCall
		result := s.resolveExpand(projectPath, call)
		position := a.MessageCount(reqBody) - 1
		s.state.AddToolCycleRecord(projectPath, position, &memory.ToolUse{
			ID:    call.ID,
			Name:  call.Name,
			Input: call.Input,
		}, result)
		s.publish(ctx, events.SubjectMemory, events.MemoryExpanded, map[string]any{
			"project": projectPath,
			"ids":     call.IDs(),
		})

		next, err := a.BuildContinueBody(reqBody, call, result)
		if err != nil {
			s.logger.Error("Continue body build failed", zap.Error(err))
			return resp, reqBody
		}
		followUp, err := s.forward(ctx, a, projectPath, headers, next)
		if err != nil {
			s.logger.Error("Expansion follow-up failed", zap.Error(err))
			return resp, reqBody
		}
		reqBody = next
		resp = followUp
	}
	return resp, reqBody
}

// resolveExpand joins the expanded bodies for the requested ids into one
// tool-result string.
func (s *Server) resolveExpand(projectPath string, call *adapter.ToolCall) string {
	ids := call.IDs()
	if len(ids) == 0 {
		return "No knowledge IDs were provided."
	}
	parts := make([]string, 0, len(ids))
	for _, id := range ids {
		if m, ok := s.state.MemoryByID(projectPath, id); ok {
			parts = append(parts, m.ExpandedBody())
		} else {
			parts = append(parts, memory.NotFoundResult(id))
		}
	}
	return strings.Join(parts, "\n\n")
}

func (s *Server) reply(c *gin.Context, a adapter.Adapter, resp *adapter.UpstreamResponse) {
	header := c.Writer.Header()
	for name, values := range a.FilterResponseHeaders(resp.Headers) {
		for _, v := range values {
			header.Add(name, v)
		}
	}
	c.Data(resp.Status, a.ResponseContentType(resp.Body), resp.Body)
}

// spawnPostProcess runs task analysis, drift checking, step writes, and the
// cache snapshot off the request path. Work is dropped when the worker pool
// is saturated; the client response is already on its way.
func (s *Server) spawnPostProcess(a adapter.Adapter, projectPath string, lookup *manager.Lookup, userMessage string, info *adapter.ResponseInfo, reqHeaders http.Header, finalBody []byte) {
	select {
	case s.postSem <- struct{}{}:
	default:
		s.logger.Warn("Post-process pool saturated, dropping turn",
			zap.String("project", projectPath))
		return
	}
	headers := reqHeaders.Clone()
	s.postWG.Add(1)
	go func() {
		defer s.postWG.Done()
		defer func() { <-s.postSem }()
		defer func() {
			if r := recover(); r != nil {
				s.logger.Error("Post-process panic",
					zap.String("project", projectPath),
					zap.Any("panic", r))
			}
		}()
		ctx, cancel := context.WithTimeout(s.baseCtx, postProcessTimeout)
		defer cancel()
		s.postProcess(ctx, a, projectPath, lookup, userMessage, info, headers, finalBody)
	}()
}

func (s *Server) postProcess(ctx context.Context, a adapter.Adapter, projectPath string, lookup *manager.Lookup, userMessage string, info *adapter.ResponseInfo, reqHeaders http.Header, finalBody []byte) {
	sessionID := ""
	if lookup != nil && lookup.Session != nil {
		sessionID = lookup.Session.ID
	}
	ctx, span := tracing.TracePostProcess(ctx, sessionID, projectPath)
	defer span.End()

	var recentSteps []*models.Step
	if lookup != nil && lookup.Session != nil && !lookup.Session.IsNew {
		steps, err := s.repo.ListRecentSteps(ctx, lookup.Session.ID, recentStepLimit)
		if err != nil {
			s.logger.Debug("Recent step fetch failed", zap.Error(err))
		} else {
			recentSteps = steps
		}
	}

	var session *models.Session
	if lookup != nil {
		result, err := s.orch.ProcessTurn(ctx, &orchestrator.TurnInput{
			ProjectPath:   projectPath,
			Lookup:        lookup,
			UserMessage:   userMessage,
			AssistantText: info.Text,
			Actions:       info.Actions,
			RecentSteps:   recentSteps,
		})
		if err != nil {
			s.logger.Error("Turn orchestration failed",
				zap.String("project", projectPath),
				zap.Error(err))
		} else {
			session = result.Session
		}
	}
	if session == nil {
		s.cache.Store(projectPath, reqHeaders, finalBody, a)
		return
	}

	outcome := s.drift.Process(ctx, session, info.Actions, recentSteps, userMessage)
	if outcome.Validated {
		s.writeSteps(ctx, session, info.Actions, outcome.Score)
	}

	session.PromptCount++
	if info.ContextTokens > 0 {
		session.TokenCount = info.ContextTokens
	}
	if err := s.repo.UpdateSession(ctx, session); err != nil {
		s.logger.Error("Session counter update failed",
			zap.String("session_id", session.ID),
			zap.Error(err))
	}

	if threshold := s.cfg.Pipeline.TokenClearThreshold; threshold > 0 && info.ContextTokens >= threshold {
		summary, err := s.analyzer.GenerateSessionSummary(ctx, session, recentSteps, contextSummaryMaxChars)
		if err != nil || summary == "" {
			s.logger.Warn("Context summary generation failed", zap.Error(err))
		} else {
			s.orch.SetPendingClear(projectPath, summary)
			s.logger.Info("Context clear queued",
				zap.String("project", projectPath),
				zap.Int("context_tokens", info.ContextTokens))
		}
	}

	s.cache.Store(projectPath, reqHeaders, finalBody, a)
}

// writeSteps appends the turn's validated actions to the step log.
func (s *Server) writeSteps(ctx context.Context, session *models.Session, actions []models.Action, driftScore int) {
	for _, action := range actions {
		step := &models.Step{
			SessionID:   session.ID,
			Action:      action.Type,
			Files:       action.Files,
			Folders:     action.Folders,
			Command:     action.Command,
			DriftScore:  driftScore,
			IsValidated: true,
		}
		if err := s.repo.CreateStep(ctx, step); err != nil {
			s.logger.Error("Step write failed",
				zap.String("session_id", session.ID),
				zap.Error(err))
		}
	}
}

func (s *Server) publish(ctx context.Context, subject, eventType string, data map[string]any) {
	if s.bus == nil {
		return
	}
	if err := s.bus.Publish(ctx, subject, bus.NewEvent(eventType, "server", data)); err != nil {
		s.logger.Debug("Event publish failed", zap.Error(err))
	}
}
