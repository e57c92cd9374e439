// Package chat binds tab lifecycle events and chat prompts to sessions,
// telemetry and the streaming generator.
package chat

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/tabchat/server/logger"
	"github.com/tabchat/server/rpc"
	"github.com/tabchat/server/session"
	"github.com/tabchat/server/stream"
	"github.com/tabchat/server/telemetry"
	"github.com/tabchat/server/transcript"
)

const logPromptLength = 80

// ProgressReporter delivers partial results for a request's token.
type ProgressReporter interface {
	ReportProgress(ctx context.Context, token json.RawMessage, value rpc.ChatResult) error
}

// Config holds the collaborators of a Controller. Extractor, Progress,
// Transcripts and Options may be nil.
type Config struct {
	Sessions    *session.Store
	Tracker     *telemetry.Tracker
	Extractor   EditorStateExtractor
	Progress    ProgressReporter
	Transcripts transcript.Store
	// Options is consulted on every prompt so settings changes apply at once.
	Options func() GenerationOptions
	Log     *slog.Logger
}

// Controller is the entry point for chat protocol operations.
type Controller struct {
	sessions    *session.Store
	tracker     *telemetry.Tracker
	assembler   *RequestAssembler
	progress    ProgressReporter
	transcripts transcript.Store
	options     func() GenerationOptions
	log         *slog.Logger
}

func NewController(cfg Config) *Controller {
	c := &Controller{
		sessions:    cfg.Sessions,
		tracker:     cfg.Tracker,
		assembler:   NewRequestAssembler(cfg.Extractor),
		progress:    cfg.Progress,
		transcripts: cfg.Transcripts,
		options:     cfg.Options,
		log:         cfg.Log,
	}
	if c.tracker == nil {
		c.tracker = telemetry.NewTracker(nil)
	}
	if c.options == nil {
		c.options = func() GenerationOptions { return GenerationOptions{} }
	}
	if c.log == nil {
		c.log = slog.Default()
	}
	return c
}

// OnTabAdd creates the tab's session and marks the tab active. A failed
// create is logged; the prompt path retries lazily.
func (c *Controller) OnTabAdd(ctx context.Context, tabID string) {
	log := c.log.With("tabId", tabID)
	if _, err := c.sessions.Create(ctx, tabID); err != nil {
		log.Warn("failed to create session", "error", err)
	}
	c.tracker.OnTabAdd(tabID)
	log.Debug("tab added")
}

func (c *Controller) OnTabRemove(tabID string) {
	c.sessions.Remove(tabID)
	c.tracker.OnTabRemove(tabID)
	c.log.Debug("tab removed", "tabId", tabID)
}

func (c *Controller) OnTabChange(tabID string) {
	c.tracker.OnTabChange(tabID)
}

// OnEndChat disposes the tab's session. Always reports success.
func (c *Controller) OnEndChat(ctx context.Context, tabID string) rpc.EndChatResult {
	c.sessions.Remove(tabID)
	c.log.Debug("chat ended", "tabId", tabID)
	return true
}

// OnChatPrompt runs one prompt to completion. Failures are returned as
// *ResponseError.
func (c *Controller) OnChatPrompt(ctx context.Context, params rpc.ChatPromptParams) (*rpc.ChatResult, error) {
	log := c.log.With("tabId", params.TabID)
	start := time.Now()

	if params.Prompt.Prompt == "" {
		return nil, newResponseError(KindValidation, ErrEmptyPrompt, ErrEmptyPrompt.Error())
	}

	// From here on a tab removal drops this prompt's tracker writes.
	tracked := c.tracker.BeginPrompt(params.TabID)

	sess, created, err := c.sessions.GetOrCreate(ctx, params.TabID)
	if err != nil {
		log.Warn("no session for prompt", "error", err)
		msg := "failed to create chat session"
		if errors.Is(err, session.ErrMissingCredentials) {
			msg = "credentials are not configured"
		}
		return nil, c.finish(log, tracked, start, newResponseError(KindConfiguration, err, msg))
	}
	if created {
		log.Info("session created on first prompt")
	}

	log.Info("received prompt", "prompt", logger.Truncate(params.Prompt.Prompt, logPromptLength))
	c.appendTranscript(log, params.TabID, transcript.Record{
		Type:           transcript.RecordPrompt,
		Text:           params.Prompt.Prompt,
		ConversationID: sess.ConversationID(),
	})

	req := c.assembler.Assemble(ctx, log, params, sess.ConversationID(), c.options())

	if err := ctx.Err(); err != nil {
		return nil, c.finish(log, tracked, start, newResponseError(KindCancellation, err, "request cancelled"))
	}

	src, err := sess.Conn().Generate(ctx, req)
	if err != nil {
		log.Error("failed to start generation", "error", err)
		return nil, c.finish(log, tracked, start, newResponseError(KindProvider, err, err.Error()))
	}

	var sink stream.ProgressSink
	if c.progress != nil && params.HasPartialResultToken() {
		token := params.PartialResultToken
		sink = stream.ProgressFunc(func(ctx context.Context, chunk string) error {
			return c.progress.ReportProgress(ctx, token, rpc.ChatResult{Body: chunk})
		})
	}

	out := stream.Aggregate(ctx, src, sink, log)
	if !out.Completed() {
		return nil, c.finish(log, tracked, start, failureError(out))
	}

	messageID := out.RequestID
	if messageID == "" {
		messageID = uuid.Must(uuid.NewV7()).String()
	}
	if out.ConversationID != "" {
		sess.SetConversationID(out.ConversationID)
		tracked.SetConversationID(out.ConversationID)
	}

	c.appendTranscript(log, params.TabID, transcript.Record{
		Type:           transcript.RecordResponse,
		Text:           out.Body,
		MessageID:      messageID,
		ConversationID: out.ConversationID,
	})
	tracked.Finish(telemetry.OutcomeSucceeded, time.Since(start))
	if tracked.Revoked() {
		log.Debug("tab removed during prompt")
	}
	log.Info("prompt completed", "chunks", out.Chunks, "messageId", messageID)

	return &rpc.ChatResult{MessageID: messageID, Body: out.Body}, nil
}

// failureError maps a failed aggregation outcome to a ResponseError.
func failureError(out stream.Outcome) *ResponseError {
	var re *ResponseError
	switch out.Failure {
	case stream.FailureCancelled:
		return newResponseError(KindCancellation, out.Err, "request cancelled")
	case stream.FailureErrorEvent:
		re = newResponseError(KindStreamError, out.Err, out.Message)
	case stream.FailureInvalidState:
		re = newResponseError(KindInvalidState, out.Err, out.Message)
	default:
		re = newResponseError(KindProvider, out.Err, out.Message)
	}
	re.Data = &rpc.ChatResult{MessageID: out.RequestID, Body: out.Body}
	return re
}

// finish records a failed prompt and returns its error.
func (c *Controller) finish(log *slog.Logger, tracked *telemetry.Prompt, start time.Time, re *ResponseError) *ResponseError {
	outcome := telemetry.OutcomeFailed
	if re.Kind == KindCancellation {
		outcome = telemetry.OutcomeCancelled
	}
	tracked.Finish(outcome, time.Since(start))
	tabID := tracked.TabID()

	rec := transcript.Record{Type: transcript.RecordError, Error: re.Message}
	if re.Data != nil {
		rec.Text = re.Data.Body
	}
	if re.Kind != KindConfiguration {
		c.appendTranscript(log, tabID, rec)
	}

	log.Warn("prompt failed", "kind", re.Kind, "error", re.Message)
	return re
}

func (c *Controller) appendTranscript(log *slog.Logger, tabID string, rec transcript.Record) {
	if c.transcripts == nil {
		return
	}
	if err := c.transcripts.Append(tabID, rec); err != nil {
		log.Error("failed to append to transcript", "error", err)
	}
}
